package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	myMiddleware "polychat/internal/middleware"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type Handler struct {
	hub    *Hub
	convos *Conversations
}

func NewHandler(hub *Hub, convos *Conversations) *Handler {
	return &Handler{hub: hub, convos: convos}
}

// ServeWs upgrades the request and runs the caller's session on it until the
// connection ends.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	if err := h.hub.Serve(userID, newWSConn(conn)); err != nil {
		log.Printf("ws: session for user %d ended: %v", userID, err)
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.hub.Count()})
}

type startConversationRequest struct {
	MemberIDs []int   `json:"member_ids"`
	Name      *string `json:"conversation_name"`
	IsGroup   bool    `json:"is_group_chat"`
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	convo, created, err := h.convos.Start(r.Context(), userID, req.MemberIDs, req.Name, req.IsGroup)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		w.Header().Set("Location", "/api/conversations/"+strconv.Itoa(convo.ID))
	}
	writeJSON(w, status, convo)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	convoID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	detail, err := h.convos.Get(r.Context(), userID, convoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	convoID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	if err := h.convos.Delete(r.Context(), userID, convoID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead flags the caller's copy of a message as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	translationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid translation id", http.StatusBadRequest)
		return
	}

	if err := h.convos.MarkRead(r.Context(), userID, translationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateMembersRequest struct {
	UserIDs []int    `json:"user_ids"`
	Method  MemberOp `json:"method"`
}

func (h *Handler) UpdateMembers(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	convoID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req updateMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.convos.UpdateMembers(r.Context(), userID, convoID, req.UserIDs, req.Method); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type renameRequest struct {
	Name *string `json:"conversation_name"`
}

func (h *Handler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	convoID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.convos.Rename(r.Context(), userID, convoID, req.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type photoRequest struct {
	Photo *string `json:"conversation_photo"`
}

func (h *Handler) UpdatePhoto(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	convoID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req photoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.convos.UpdatePhoto(r.Context(), userID, convoID, req.Photo); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetChatHistory returns the caller's copy of the latest messages.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(myMiddleware.UserKey).(int)
	convoID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	items, err := h.convos.History(r.Context(), userID, convoID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []HistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func conversationParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrIntegrity):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		log.Printf("❌ request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
