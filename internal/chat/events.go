package chat

import (
	"encoding/json"
	"time"

	"polychat/internal/channel"
)

// MessageEvent is the data of a "message" event: one member's copy of a
// message.
type MessageEvent struct {
	MessageID      int    `json:"message_id"`
	ConversationID int    `json:"conversation_id"`
	SenderID       int    `json:"sender_id"`
	OrigLanguage   string `json:"orig_language"`
	OriginalText   string `json:"original_text"`
	Translation    string `json:"translation"`
	TranslationID  int    `json:"translation_id"`
	TargetUserID   int    `json:"target_user_id"`
	IsRead         int    `json:"is_read"`
	SentAt         string `json:"sent_at"`
}

// ConvoEvent is the data of every conversation lifecycle event.
type ConvoEvent struct {
	ConvoID int     `json:"convo_id"`
	Name    *string `json:"conversation_name,omitempty"`
	Photo   *string `json:"conversation_photo,omitempty"`
	IsGroup *bool   `json:"is_group_chat,omitempty"`
	UserIDs []int   `json:"user_ids,omitempty"`
	ActorID int     `json:"actor_id,omitempty"`
}

// Delivery is one payload bound for one channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// FormatSentAt renders t as RFC 3339 in UTC, always with the Z suffix.
func FormatSentAt(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeEnvelope(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(channel.Envelope{Type: typ, Data: raw})
}

// errorFrame is sent straight to the socket, never through the broker.
func errorFrame(text string) []byte {
	b, _ := encodeEnvelope(channel.TypeError, text)
	return b
}

// MessageDeliveries builds one "message" event per translation, each bound
// for its target's user channel. The sender's own copy is included.
func MessageDeliveries(res *Result) ([]Delivery, error) {
	out := make([]Delivery, 0, len(res.Translations))
	sentAt := FormatSentAt(res.Message.SentAt)
	for _, tr := range res.Translations {
		payload, err := encodeEnvelope(channel.TypeMessage, MessageEvent{
			MessageID:      res.Message.ID,
			ConversationID: res.Message.ConversationID,
			SenderID:       res.Message.SenderID,
			OrigLanguage:   res.Message.OrigLanguage,
			OriginalText:   res.Message.OriginalText,
			Translation:    tr.Text,
			TranslationID:  tr.ID,
			TargetUserID:   tr.TargetUserID,
			IsRead:         tr.IsRead,
			SentAt:         sentAt,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, Delivery{Channel: channel.User(tr.TargetUserID), Payload: payload})
	}
	return out, nil
}

func convoDelivery(channelName, typ string, ev ConvoEvent) (Delivery, error) {
	payload, err := encodeEnvelope(typ, ev)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Channel: channelName, Payload: payload}, nil
}
