package chat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"polychat/internal/translate"
)

var tracer = otel.Tracer("polychat/internal/chat")

// Fanout turns one submitted message into a committed message plus one
// translation per conversation member. It does not publish anything.
type Fanout struct {
	store        Store
	translator   translate.Translator
	historyLimit int
	now          func() time.Time
}

func NewFanout(store Store, translator translate.Translator, historyLimit int) *Fanout {
	return &Fanout{
		store:        store,
		translator:   translator,
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Submit persists sub and its translations in one transaction. The
// translator is called at most once per distinct member language; any
// translation failure rolls everything back and is returned unchanged so the
// caller can classify it.
func (f *Fanout) Submit(ctx context.Context, sub Submission, credential string) (_ *Result, err error) {
	ctx, span := tracer.Start(ctx, "chat.Fanout.Submit", trace.WithAttributes(
		attribute.Int("chat.conversation_id", sub.ConversationID),
		attribute.Int("chat.sender_id", sub.SenderID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	origLanguage := translate.NormalizeLanguage(sub.OrigLanguage)

	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	convo, err := tx.GetConversation(ctx, sub.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %d: %w", sub.ConversationID, err)
	}

	history, err := f.history(ctx, tx, convo.ID, origLanguage)
	if err != nil {
		return nil, err
	}

	// Postgres keeps microseconds; the live event must match history.
	msg := Message{
		ConversationID: convo.ID,
		SenderID:       sub.SenderID,
		OriginalText:   sub.OriginalText,
		OrigLanguage:   origLanguage,
		SentAt:         f.now().UTC().Truncate(time.Microsecond),
	}
	if err := tx.CreateMessage(ctx, &msg); err != nil {
		return nil, err
	}

	members, err := tx.GetMembers(ctx, convo.ID)
	if err != nil {
		return nil, err
	}

	seen := map[string]string{origLanguage: sub.OriginalText}
	texts := make([]string, len(members))
	for i, m := range members {
		lang := translate.NormalizeLanguage(m.TargetLanguage)
		text, ok := seen[lang]
		if !ok {
			text, err = f.translate(ctx, sub.SenderID, lang, sub.OriginalText, history, credential)
			if err != nil {
				return nil, err
			}
			seen[lang] = text
		}
		texts[i] = text
	}
	span.SetAttributes(attribute.Int("chat.languages", len(seen)))

	translations := make([]Translation, 0, len(members))
	for i, m := range members {
		tr := Translation{
			MessageID:    msg.ID,
			TargetUserID: m.ID,
			Language:     translate.NormalizeLanguage(m.TargetLanguage),
			Text:         texts[i],
		}
		if m.ID == sub.SenderID {
			tr.IsRead = 1
		}
		if err := tx.CreateTranslation(ctx, &tr); err != nil {
			return nil, err
		}
		translations = append(translations, tr)
	}

	if err := tx.UpdateLatestMessage(ctx, convo.ID, msg.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{Message: msg, Translations: translations}, nil
}

// history builds the translator context in chronological order. A prior
// message contributes its original text when it was written in lang,
// otherwise a stored translation into lang, otherwise nothing.
func (f *Fanout) history(ctx context.Context, tx Tx, conversationID int, lang string) ([]translate.HistoryEntry, error) {
	if f.historyLimit <= 0 {
		return nil, nil
	}
	recent, err := tx.RecentMessages(ctx, conversationID, lang, f.historyLimit)
	if err != nil {
		return nil, err
	}

	entries := make([]translate.HistoryEntry, 0, len(recent))
	for _, pm := range slices.Backward(recent) {
		switch {
		case pm.OrigLanguage == lang:
			entries = append(entries, translate.HistoryEntry{SenderID: pm.SenderID, Text: pm.OriginalText})
		case pm.HasTranslated:
			entries = append(entries, translate.HistoryEntry{SenderID: pm.SenderID, Text: pm.Translated})
		}
	}
	return entries, nil
}

func (f *Fanout) translate(ctx context.Context, senderID int, lang, text string, history []translate.HistoryEntry, credential string) (string, error) {
	ctx, span := tracer.Start(ctx, "chat.Fanout.translate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("chat.target_language", lang)))
	defer span.End()

	out, err := f.translator.Translate(ctx, senderID, lang, text, history, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "translation failed")
		return "", err
	}
	return out, nil
}
