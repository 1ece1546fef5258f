package chat

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrIntegrity wraps constraint violations reported by the database.
	ErrIntegrity = errors.New("integrity violation")
)

// Store is the persistence gateway used by sessions, the fanout and the
// conversation service. Reads outside a transaction see committed state only.
type Store interface {
	GetUser(ctx context.Context, userID int) (*Member, error)
	ConversationIDs(ctx context.Context, userID int) ([]int, error)
	IsMember(ctx context.Context, conversationID, userID int) (bool, error)
	// FindByFingerprint returns every direct chat created with this
	// fingerprint, newest first. Membership may have changed since.
	FindByFingerprint(ctx context.Context, fingerprint string) ([]Conversation, error)
	MemberIDs(ctx context.Context, conversationID int) ([]int, error)
	History(ctx context.Context, conversationID, userID, limit int) ([]HistoryItem, error)
	// MarkRead flags a translation as read. Only its target user may do so;
	// any other caller gets ErrNotFound.
	MarkRead(ctx context.Context, translationID, userID int) error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one unit of work. Exactly one of Commit or Rollback ends it; calling
// Rollback after Commit is a no-op so callers can defer it.
type Tx interface {
	GetConversation(ctx context.Context, id int) (*Conversation, error)
	GetMembers(ctx context.Context, conversationID int) ([]Member, error)
	// RecentMessages returns up to limit messages, newest first, each with its
	// stored translation into language when one exists.
	RecentMessages(ctx context.Context, conversationID int, language string, limit int) ([]PriorMessage, error)
	CreateMessage(ctx context.Context, m *Message) error
	CreateTranslation(ctx context.Context, t *Translation) error
	UpdateLatestMessage(ctx context.Context, conversationID, messageID int) error

	CreateConversation(ctx context.Context, c *Conversation) error
	AddMembers(ctx context.Context, conversationID int, userIDs []int) error
	RemoveMembers(ctx context.Context, conversationID int, userIDs []int) error
	UpdateConversationName(ctx context.Context, conversationID int, name *string) error
	UpdateConversationPhoto(ctx context.Context, conversationID int, photo *string) error
	DeleteConversation(ctx context.Context, conversationID int) error

	Commit() error
	Rollback() error
}
