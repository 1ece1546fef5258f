// Package translate turns one chat message into another language using the
// conversation's recent history as context.
package translate

import (
	"context"
	"strings"
)

// HistoryEntry is one earlier message, already in the sender's language.
type HistoryEntry struct {
	SenderID int
	Text     string
}

// Translator is the translation capability the fanout depends on. Failures are
// returned as *Error so callers can tell the user what went wrong.
type Translator interface {
	Translate(ctx context.Context, senderID int, targetLanguage, text string, history []HistoryEntry, credential string) (string, error)
}

// NormalizeLanguage folds a language name the way it is stored: trimmed and
// lower case.
func NormalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
