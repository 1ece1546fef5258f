package translate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = "Your job is to translate messages that users text to each other. " +
	"You're given the chat history as context and the sender of the newest message. " +
	"Only return the translation of that message."

// OpenAIConfig configures the chat completions backend.
type OpenAIConfig struct {
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// OpenAI translates with a chat completions model. Each call authenticates
// with the sender's own API key.
type OpenAI struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4"
	}
	return &OpenAI{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: cfg.Timeout,
	}
}

func (o *OpenAI) Translate(ctx context.Context, senderID int, targetLanguage, text string, history []HistoryEntry, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", &Error{Kind: KindAuthInvalid, Err: errors.New("no api key configured")}
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: buildPrompt(senderID, DisplayName(targetLanguage), text, history),
	}
	res, err := o.client.Chat.Completions.New(ctx, params, option.WithAPIKey(credential))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Kind: KindTimeout, Err: err}
		}
		return "", classify(err)
	}
	if len(res.Choices) == 0 || strings.TrimSpace(res.Choices[0].Message.Content) == "" {
		return "", &Error{Kind: KindOther, Err: errors.New("empty completion")}
	}
	return res.Choices[0].Message.Content, nil
}

func buildPrompt(senderID int, language, text string, history []HistoryEntry) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(systemPrompt))
	for _, h := range history {
		msgs = append(msgs, namedUserMessage(h.SenderID, h.Text))
	}
	msgs = append(msgs, namedUserMessage(senderID, fmt.Sprintf(
		"Translate the following text sent by user %d into %s. "+
			"Ensure the punctuation remains EXACTLY the SAME as in the ORIGINAL TEXT. "+
			"DO NOT ADD EXTRA QUOTES to the translation if there were no quotes in the original input.\n\n%s",
		senderID, language, text)))
	return msgs
}

func namedUserMessage(senderID int, content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Name:    openai.String(fmt.Sprintf("User_%d", senderID)),
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(content)},
		},
	}
}

func classify(err error) *Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			return &Error{Kind: KindAuthInvalid, Err: err}
		case apiErr.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindPermissionDenied, Err: err}
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Err: err}
		case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode == http.StatusGatewayTimeout:
			return &Error{Kind: KindTimeout, Err: err}
		case apiErr.StatusCode >= 500:
			return &Error{Kind: KindUnavailable, Err: err}
		default:
			return &Error{Kind: KindOther, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindUnavailable, Err: err}
	}
	return &Error{Kind: KindOther, Err: err}
}
