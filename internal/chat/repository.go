package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// wrapErr maps driver errors onto the package sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: %w: %s", op, ErrIntegrity, pgErr.Message)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Repository) GetUser(ctx context.Context, userID int) (*Member, error) {
	m := &Member{}
	query := "SELECT id, username, target_language, api_key FROM users WHERE id = $1"
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&m.ID, &m.Username, &m.TargetLanguage, &m.APIKey)
	if err != nil {
		return nil, wrapErr("get user", err)
	}
	return m, nil
}

func (r *Repository) ConversationIDs(ctx context.Context, userID int) ([]int, error) {
	query := "SELECT conversation_id FROM group_members WHERE user_id = $1 ORDER BY conversation_id"
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("list conversations", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("list conversations", rows.Err())
}

func (r *Repository) IsMember(ctx context.Context, conversationID, userID int) (bool, error) {
	var ok bool
	query := "SELECT EXISTS (SELECT 1 FROM group_members WHERE conversation_id = $1 AND user_id = $2)"
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, wrapErr("check membership", err)
	}
	return ok, nil
}

func (r *Repository) FindByFingerprint(ctx context.Context, fingerprint string) ([]Conversation, error) {
	query := conversationColumns + " WHERE fingerprint = $1 AND NOT is_group ORDER BY id DESC"
	rows, err := r.db.QueryContext(ctx, query, fingerprint)
	if err != nil {
		return nil, wrapErr("find conversation", err)
	}
	defer rows.Close()

	var convos []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, wrapErr("find conversation", err)
		}
		convos = append(convos, *c)
	}
	return convos, wrapErr("find conversation", rows.Err())
}

func (r *Repository) MemberIDs(ctx context.Context, conversationID int) ([]int, error) {
	query := "SELECT user_id FROM group_members WHERE conversation_id = $1 ORDER BY user_id"
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, wrapErr("list members", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("list members", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("list members", rows.Err())
}

func (r *Repository) MarkRead(ctx context.Context, translationID, userID int) error {
	query := "UPDATE translations SET is_read = 1 WHERE id = $1 AND target_user_id = $2"
	res, err := r.db.ExecContext(ctx, query, translationID, userID)
	if err != nil {
		return wrapErr("mark read", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("translation %d: %w", translationID, ErrNotFound)
	}
	return nil
}

// History returns a member's view of a conversation, newest first: every
// message paired with the translation addressed to userID.
func (r *Repository) History(ctx context.Context, conversationID, userID, limit int) ([]HistoryItem, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.original_text, m.orig_language, m.sent_at,
		       t.id, t.translation, t.is_read
		FROM messages m
		JOIN translations t ON t.message_id = m.id AND t.target_user_id = $2
		WHERE m.conversation_id = $1
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, userID, limit)
	if err != nil {
		return nil, wrapErr("load history", err)
	}
	defer rows.Close()

	var items []HistoryItem
	for rows.Next() {
		var it HistoryItem
		var sender sql.NullInt64
		if err := rows.Scan(&it.ID, &it.ConversationID, &sender, &it.OriginalText, &it.OrigLanguage, &it.SentAt,
			&it.TranslationID, &it.Translation, &it.IsRead); err != nil {
			return nil, wrapErr("load history", err)
		}
		it.SenderID = nullableID(sender)
		it.SentAt = it.SentAt.UTC()
		items = append(items, it)
	}
	return items, wrapErr("load history", rows.Err())
}

func (r *Repository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin", err)
	}
	return &pgTx{tx: tx}, nil
}

const conversationColumns = `SELECT id, conversation_name, conversation_photo, is_group, fingerprint, latest_message_id, created_at FROM conversations`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	var name, photo sql.NullString
	var latest sql.NullInt64
	if err := row.Scan(&c.ID, &name, &photo, &c.IsGroup, &c.Fingerprint, &latest, &c.CreatedAt); err != nil {
		return nil, err
	}
	if name.Valid {
		c.Name = &name.String
	}
	if photo.Valid {
		c.Photo = &photo.String
	}
	if latest.Valid {
		id := int(latest.Int64)
		c.LatestMessageID = &id
	}
	return c, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetConversation(ctx context.Context, id int) (*Conversation, error) {
	c, err := scanConversation(t.tx.QueryRowContext(ctx, conversationColumns+" WHERE id = $1", id))
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	return c, nil
}

func (t *pgTx) GetMembers(ctx context.Context, conversationID int) ([]Member, error) {
	query := `
		SELECT u.id, u.username, u.target_language
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.conversation_id = $1
		ORDER BY gm.joined_at, u.id
	`
	rows, err := t.tx.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, wrapErr("get members", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Username, &m.TargetLanguage); err != nil {
			return nil, wrapErr("get members", err)
		}
		members = append(members, m)
	}
	return members, wrapErr("get members", rows.Err())
}

func (t *pgTx) RecentMessages(ctx context.Context, conversationID int, language string, limit int) ([]PriorMessage, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.original_text, m.orig_language, m.sent_at,
		       (SELECT tr.translation FROM translations tr
		        WHERE tr.message_id = m.id AND tr.language = $2
		        ORDER BY tr.id LIMIT 1)
		FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT $3
	`
	rows, err := t.tx.QueryContext(ctx, query, conversationID, language, limit)
	if err != nil {
		return nil, wrapErr("recent messages", err)
	}
	defer rows.Close()

	var msgs []PriorMessage
	for rows.Next() {
		var pm PriorMessage
		var sender sql.NullInt64
		var translated sql.NullString
		if err := rows.Scan(&pm.ID, &pm.ConversationID, &sender, &pm.OriginalText, &pm.OrigLanguage, &pm.SentAt, &translated); err != nil {
			return nil, wrapErr("recent messages", err)
		}
		pm.SenderID = nullableID(sender)
		pm.Translated, pm.HasTranslated = translated.String, translated.Valid
		msgs = append(msgs, pm)
	}
	return msgs, wrapErr("recent messages", rows.Err())
}

func (t *pgTx) CreateMessage(ctx context.Context, m *Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, original_text, orig_language, sent_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`
	err := t.tx.QueryRowContext(ctx, query, m.ConversationID, m.SenderID, m.OriginalText, m.OrigLanguage, m.SentAt).Scan(&m.ID)
	return wrapErr("create message", err)
}

func (t *pgTx) CreateTranslation(ctx context.Context, tr *Translation) error {
	query := `
		INSERT INTO translations (message_id, target_user_id, language, translation, is_read)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`
	err := t.tx.QueryRowContext(ctx, query, tr.MessageID, tr.TargetUserID, tr.Language, tr.Text, tr.IsRead).Scan(&tr.ID)
	return wrapErr("create translation", err)
}

func (t *pgTx) UpdateLatestMessage(ctx context.Context, conversationID, messageID int) error {
	return t.exec(ctx, "update latest message",
		"UPDATE conversations SET latest_message_id = $2 WHERE id = $1", conversationID, messageID)
}

func (t *pgTx) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (conversation_name, conversation_photo, is_group, fingerprint)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at
	`
	err := t.tx.QueryRowContext(ctx, query, c.Name, c.Photo, c.IsGroup, c.Fingerprint).Scan(&c.ID, &c.CreatedAt)
	return wrapErr("create conversation", err)
}

func (t *pgTx) AddMembers(ctx context.Context, conversationID int, userIDs []int) error {
	for _, id := range userIDs {
		err := t.exec(ctx, "add member",
			"INSERT INTO group_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			conversationID, id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) RemoveMembers(ctx context.Context, conversationID int, userIDs []int) error {
	for _, id := range userIDs {
		err := t.exec(ctx, "remove member",
			"DELETE FROM group_members WHERE conversation_id = $1 AND user_id = $2", conversationID, id)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateConversationName(ctx context.Context, conversationID int, name *string) error {
	return t.exec(ctx, "rename conversation",
		"UPDATE conversations SET conversation_name = $2 WHERE id = $1", conversationID, name)
}

func (t *pgTx) UpdateConversationPhoto(ctx context.Context, conversationID int, photo *string) error {
	return t.exec(ctx, "update conversation photo",
		"UPDATE conversations SET conversation_photo = $2 WHERE id = $1", conversationID, photo)
}

// DeleteConversation removes the conversation; memberships, messages and
// translations go with it through ON DELETE CASCADE.
func (t *pgTx) DeleteConversation(ctx context.Context, conversationID int) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", conversationID)
	if err != nil {
		return wrapErr("delete conversation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete conversation %d: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr(op, err)
	}
	if strings.HasPrefix(query, "UPDATE") {
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return nil
}

func (t *pgTx) Commit() error {
	return wrapErr("commit", t.tx.Commit())
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrapErr("rollback", err)
	}
	return nil
}

// nullableID maps a sender whose user row was deleted to 0.
func nullableID(v sql.NullInt64) int {
	if !v.Valid {
		return 0
	}
	return int(v.Int64)
}
