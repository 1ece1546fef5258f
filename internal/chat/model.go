package chat

import "time"

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Conversation struct {
	ID   int     `json:"id"`
	Name *string `json:"conversation_name"` // nil for direct chats; clients derive it
	// Object key of the conversation photo. URL signing happens elsewhere.
	Photo           *string   `json:"conversation_photo"`
	IsGroup         bool      `json:"is_group_chat"`
	Fingerprint     string    `json:"-"`
	LatestMessageID *int      `json:"latest_message_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Member is a user as seen from inside a conversation.
type Member struct {
	ID             int    `json:"id"`
	Username       string `json:"username"`
	TargetLanguage string `json:"target_language"`
	APIKey         string `json:"-"`
}

type Message struct {
	ID             int        `json:"id"`
	ConversationID int        `json:"conversation_id"`
	SenderID       int        `json:"sender_id"`
	OriginalText   string     `json:"original_text"`
	OrigLanguage   string     `json:"orig_language"`
	SentAt         time.Time  `json:"sent_at"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
}

// Translation is the copy of a message one member reads.
type Translation struct {
	ID           int    `json:"id"`
	MessageID    int    `json:"message_id"`
	TargetUserID int    `json:"target_user_id"`
	Language     string `json:"language"`
	Text         string `json:"translation"`
	IsRead       int    `json:"is_read"`
}

// PriorMessage is an earlier message of a conversation together with its
// translation into one requested language, if any was stored.
type PriorMessage struct {
	Message
	Translated    string
	HasTranslated bool
}

// HistoryItem is a message as returned to one member by the history fetch.
type HistoryItem struct {
	Message
	TranslationID int    `json:"translation_id"`
	Translation   string `json:"translation"`
	IsRead        int    `json:"is_read"`
}

// ---------------------------------------------
// ⚡ Socket Models
// ---------------------------------------------

// Submission is the frame a client sends to post a message.
type Submission struct {
	ConversationID int    `json:"conversation_id"`
	SenderID       int    `json:"sender_id"`
	OrigLanguage   string `json:"orig_language"`
	OriginalText   string `json:"original_text"`
}

// Result is what one successful Submit committed.
type Result struct {
	Message      Message
	Translations []Translation
}
