package chat

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
)

// ErrHubClosed is returned by Serve once the hub has shut down.
var ErrHubClosed = errors.New("hub closed")

// Hub tracks the live sessions of this server instance.
// Run is the only goroutine that touches sessions.
type Hub struct {
	deps     Deps
	sessions map[*Session]bool

	register   chan *Session
	unregister chan *Session
	count      chan chan int

	ctx     context.Context
	cancel  context.CancelFunc
	drained chan struct{}
}

func NewHub(deps Deps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		deps:       deps,
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		count:      make(chan chan int),
		ctx:        ctx,
		cancel:     cancel,
		drained:    make(chan struct{}),
	}
}

// Run serves registrations until Shutdown has been called and every session
// has unregistered.
func (h *Hub) Run() {
	defer close(h.drained)
	stopping := h.ctx.Done()
	for {
		select {
		case s := <-h.register:
			h.sessions[s] = true

		case s := <-h.unregister:
			delete(h.sessions, s)

		case reply := <-h.count:
			reply <- len(h.sessions)

		case <-stopping:
			// Keep accepting unregisters until every session is gone.
			stopping = nil
		}

		if stopping == nil && len(h.sessions) == 0 {
			return
		}
	}
}

// Serve runs a session for userID over conn and blocks until it ends.
func (h *Hub) Serve(userID int, conn Conn) error {
	s := NewSession(userID, conn, h.deps)
	select {
	case h.register <- s:
	case <-h.drained:
		_ = conn.Close(websocket.CloseNormalClosure, "server shutdown")
		return ErrHubClosed
	}
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.drained:
		}
	}()
	return s.Run(h.ctx)
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.drained:
		return 0
	}
}

// Shutdown cancels every session and waits for them to finish or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
