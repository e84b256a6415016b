package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
	"github.com/jagc-sh/jagc/internal/tasks"
)

// CreateTaskTopic opens a forum topic for a task's execution thread.
// Chats without forum mode make createForumTopic fail; the error is
// tagged so the task engine records the occurrence as undeliverable.
func (g *Gateway) CreateTaskTopic(ctx context.Context, chatID int64, title string) (*store.TelegramRoute, error) {
	topic, err := g.api.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(chatID),
		Name:   title,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tasks.ErrTopicsUnavailable, err)
	}
	return &store.TelegramRoute{ChatID: chatID, TopicID: topic.MessageThreadID}, nil
}

// RenameTaskTopic keeps a task's forum topic name in sync with its
// title after an edit.
func (g *Gateway) RenameTaskTopic(ctx context.Context, route *store.TelegramRoute, title string) error {
	if route == nil || route.TopicID == 0 {
		return nil
	}
	err := g.api.EditForumTopic(ctx, &telego.EditForumTopicParams{
		ChatID:          tu.ID(route.ChatID),
		MessageThreadID: route.TopicID,
		Name:            title,
	})
	if err != nil {
		return fmt.Errorf("rename topic %d: %w", route.TopicID, err)
	}
	return nil
}

// DeliverTaskResult posts a settled task occurrence to its delivery
// route. Cancelled runs are suppressed like interactive ones.
func (g *Gateway) DeliverTaskResult(ctx context.Context, task *store.ScheduledTask, run *store.Run) error {
	route := task.DeliveryTarget.Telegram
	if route == nil {
		return fmt.Errorf("task %s has no telegram route", task.TaskID)
	}
	if _, dup := g.delivered.LoadOrStore(run.RunID, struct{}{}); dup {
		return nil
	}
	won, err := g.store.MarkRunDelivered(ctx, run.RunID)
	if err != nil {
		slog.Error("delivery marker update failed", "run", run.RunID, "error", err)
	} else if !won {
		return nil
	}

	if run.Status == store.RunStatusFailed {
		if run.ErrorMessage == runs.CancelSentinel {
			return nil
		}
		g.sendText(ctx, route.ChatID, route.TopicID, fmt.Sprintf("❌ Task %q failed: %s", task.Title, run.ErrorMessage))
		return nil
	}

	text := ""
	if run.Output != nil {
		text = run.Output.Text
	}
	if strings.TrimSpace(text) == "" {
		text = "✅ Done."
	}
	body := fmt.Sprintf("📋 %s\n\n%s", task.Title, text)

	if len(body) > maxInlineLen {
		g.deliverAsDocument(ctx, route.ChatID, route.TopicID, 0, body)
		return nil
	}
	for _, chunk := range splitMessage(body, maxMessageLen) {
		g.sendText(ctx, route.ChatID, route.TopicID, chunk)
	}
	return nil
}
