package translate

import (
	"errors"
	"fmt"
)

// Kind classifies a translation failure.
type Kind int

const (
	KindOther Kind = iota
	KindAuthInvalid
	KindRateLimited
	KindUnavailable
	KindTimeout
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindAuthInvalid:
		return "auth_invalid"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "other"
	}
}

// Error is a classified translation failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "translate: " + e.Kind.String()
	}
	return fmt.Sprintf("translate: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindOther if err is not an *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

// UserMessage is the text shown to a sender whose message could not be
// translated.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindAuthInvalid:
		return "Your message failed to send because your translation API key is invalid or expired. Please update the key in your user settings."
	case KindRateLimited:
		return "Your message failed to send because your translation rate limit was exceeded. Check your API usage."
	case KindUnavailable:
		return "Issue connecting to the translation service. Please wait a few seconds and try sending your message again."
	case KindTimeout:
		return "Your message took too long to translate. Wait a few seconds and try again. If it still doesn't work, try splitting up your message into smaller chunks."
	case KindPermissionDenied:
		return "Your message failed to send because your API key does not have access to the translation model."
	default:
		return "Your message failed to send because an error occurred with the translation service."
	}
}
