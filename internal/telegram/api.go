// Package telegram is the chat-gateway delivery loop: long-poll
// ingestion, run progress follow-up, chunked terminal delivery, and the
// forum-topic bridge for scheduled tasks.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
)

// API is the slice of the Bot API the gateway consumes. telego.Bot
// satisfies it through botAPI; tests substitute a scripted fake.
type API interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	CreateForumTopic(ctx context.Context, params *telego.CreateForumTopicParams) (*telego.ForumTopic, error)
	EditForumTopic(ctx context.Context, params *telego.EditForumTopicParams) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// RateLimitError is a 429 from the Bot API with its retry_after hint.
// The hint can be fractional.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ServerError is a 5xx from the Bot API; the poll loop retries it with
// backoff.
type ServerError struct {
	Code int
	Desc string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("telegram server error %d: %s", e.Code, e.Desc)
}

// botAPI adapts telego.Bot to the narrow API, translating telegoapi
// errors into the gateway's typed retry errors.
type botAPI struct {
	bot    *telego.Bot
	client *http.Client
}

// NewBotAPI wraps a telego bot.
func NewBotAPI(bot *telego.Bot) API {
	return &botAPI{bot: bot, client: &http.Client{Timeout: 60 * time.Second}}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == 429:
			retry := time.Second
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				retry = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &RateLimitError{RetryAfter: retry}
		case apiErr.ErrorCode >= 500:
			return &ServerError{Code: apiErr.ErrorCode, Desc: apiErr.Description}
		}
	}
	return err
}

func (a *botAPI) GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error) {
	updates, err := a.bot.GetUpdates(ctx, params)
	return updates, translateErr(err)
}

func (a *botAPI) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	msg, err := a.bot.SendMessage(ctx, params)
	return msg, translateErr(err)
}

func (a *botAPI) EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error) {
	msg, err := a.bot.EditMessageText(ctx, params)
	return msg, translateErr(err)
}

func (a *botAPI) SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error) {
	msg, err := a.bot.SendDocument(ctx, params)
	return msg, translateErr(err)
}

func (a *botAPI) SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error {
	return translateErr(a.bot.SendChatAction(ctx, params))
}

func (a *botAPI) DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error {
	return translateErr(a.bot.DeleteMessage(ctx, params))
}

func (a *botAPI) CreateForumTopic(ctx context.Context, params *telego.CreateForumTopicParams) (*telego.ForumTopic, error) {
	topic, err := a.bot.CreateForumTopic(ctx, params)
	return topic, translateErr(err)
}

func (a *botAPI) EditForumTopic(ctx context.Context, params *telego.EditForumTopicParams) error {
	return translateErr(a.bot.EditForumTopic(ctx, params))
}

// DownloadFile resolves a file id and fetches its bytes, returning the
// server-side file path's base name as the filename hint.
func (a *botAPI) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", translateErr(err)
	}
	url := a.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 21<<20))
	if err != nil {
		return nil, "", err
	}
	return data, file.FilePath, nil
}
