package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/jagc-sh/jagc/internal/config"
	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
)

const (
	// sourceName tags telegram-originated runs and image scopes.
	sourceName = "telegram"

	// generalTopicID is the implicit topic id of a forum's General topic.
	// Messages there behave like plain chat messages: the thread key
	// carries no topic suffix and sends omit message_thread_id.
	generalTopicID = 1

	placeholderText = "⏳ Working on it..."

	editThrottle = 1500 * time.Millisecond

	pollBackoffMin = 100 * time.Millisecond
	pollBackoffMax = 5 * time.Second

	// maxInlineLen is the terminal-output size beyond which the reply is
	// attached as a document instead of a chunk flood.
	maxInlineLen = 4 * maxMessageLen
)

// Options tunes the gateway loop.
type Options struct {
	AllowedUserIDs []string
	PollTimeout    int // long-poll timeout in seconds; default 30
}

// Gateway is the Telegram chat loop: it long-polls updates, maps them
// onto runs, follows each run's progress with a placeholder message and
// delivers the terminal output back to the originating chat.
type Gateway struct {
	api     API
	svc     *runs.Service
	store   *store.Store
	allowed map[string]struct{}

	pollTimeout int

	global *rate.Limiter

	mu       sync.Mutex
	chatLims map[int64]*rate.Limiter

	// delivered guards terminal delivery per run: follower and task
	// deliverer race at most once each.
	delivered sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewGateway builds a gateway over an API client. Start begins polling.
func NewGateway(api API, svc *runs.Service, st *store.Store, opts Options) *Gateway {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	allowed := make(map[string]struct{}, len(opts.AllowedUserIDs))
	for _, id := range opts.AllowedUserIDs {
		allowed[config.NormalizeUserID(id)] = struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		api:         api,
		svc:         svc,
		store:       st,
		allowed:     allowed,
		pollTimeout: opts.PollTimeout,
		global:      rate.NewLimiter(rate.Limit(25), 5),
		chatLims:    make(map[int64]*rate.Limiter),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start launches the long-poll loop and re-attaches delivery to runs
// that were in flight when the previous process exited.
func (g *Gateway) Start() {
	go g.pollLoop()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.resumeDeliveries()
	}()
	slog.Info("telegram gateway started")
}

// resumeDeliveries scans for telegram runs without a delivery marker.
// Settled ones missed their send before the restart and go out now;
// running ones are recovery re-dispatches that get a fresh follower.
func (g *Gateway) resumeDeliveries() {
	undelivered, err := g.store.ListUndeliveredRuns(g.ctx, sourceName, 0)
	if err != nil {
		slog.Error("undelivered run scan failed", "error", err)
		return
	}
	for _, run := range undelivered {
		chatID, topicID, ok := parseThreadKey(run.ThreadKey)
		if !ok {
			slog.Warn("skipping run with unparseable thread key", "run", run.RunID, "thread", run.ThreadKey)
			continue
		}
		if run.Status.Terminal() {
			g.deliverTerminal(g.ctx, run, chatID, topicID, 0)
			continue
		}
		g.wg.Add(1)
		go func(runID string, chatID int64, topicID int) {
			defer g.wg.Done()
			g.followRun(runID, chatID, topicID)
		}(run.RunID, chatID, topicID)
	}
}

// Stop halts polling and waits for in-flight followers.
func (g *Gateway) Stop() {
	g.cancel()
	<-g.done
	g.wg.Wait()
	slog.Info("telegram gateway stopped")
}

// pollLoop fetches updates with getUpdates and a persistent offset.
// Rate-limit errors honor the server's retry_after hint; server errors
// back off exponentially. Malformed updates are logged and skipped, and
// the offset always advances past them.
func (g *Gateway) pollLoop() {
	defer close(g.done)
	backoff := pollBackoffMin
	var offset int
	for {
		if g.ctx.Err() != nil {
			return
		}
		updates, err := g.api.GetUpdates(g.ctx, &telego.GetUpdatesParams{
			Offset:         offset,
			Timeout:        g.pollTimeout,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			wait := backoff
			var rl *RateLimitError
			if errors.As(err, &rl) {
				wait = rl.RetryAfter
			} else {
				backoff = min(backoff*2, pollBackoffMax)
			}
			slog.Warn("telegram poll failed", "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-g.ctx.Done():
				return
			}
			continue
		}
		backoff = pollBackoffMin
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			g.handleUpdate(g.ctx, update)
		}
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil {
		slog.Debug("skipping non-message update", "update", update.UpdateID)
		return
	}
	if msg.From == nil {
		// Channel posts and service messages have no sender to authorize.
		return
	}
	if msg.Text == "" && msg.Caption == "" && len(msg.Photo) == 0 {
		return
	}

	chatID := msg.Chat.ID
	topicID := 0
	if msg.IsTopicMessage {
		topicID = msg.MessageThreadID
	}
	userID := strconv.FormatInt(msg.From.ID, 10)

	if !g.userAllowed(userID) {
		slog.Warn("rejected message from unauthorized user", "user", userID, "chat", chatID)
		g.sendText(ctx, chatID, topicID, fmt.Sprintf(
			"⛔ You are not on the allow list. Run `jagc telegram allow %s` on the host to grant access.", userID))
		return
	}

	threadKey := threadKeyFor(chatID, topicID)
	userKey := "telegram:user:" + userID

	if len(msg.Photo) > 0 {
		g.handlePhoto(ctx, msg, threadKey, userKey, update.UpdateID, chatID, topicID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		g.handleCommand(ctx, text, threadKey, userKey, update.UpdateID, chatID, topicID)
		return
	}
	g.ingestText(ctx, text, store.DeliveryFollowUp, threadKey, userKey, update.UpdateID, chatID, topicID)
}

// userAllowed enforces the allow list. An empty list denies everyone: a
// fresh install grants no one until `jagc telegram allow` is run.
func (g *Gateway) userAllowed(userID string) bool {
	_, ok := g.allowed[config.NormalizeUserID(userID)]
	return ok
}

func threadKeyFor(chatID int64, topicID int) string {
	if topicID > generalTopicID {
		return fmt.Sprintf("telegram:chat:%d:topic:%d", chatID, topicID)
	}
	return fmt.Sprintf("telegram:chat:%d", chatID)
}

// parseThreadKey inverts threadKeyFor for delivery resumption.
func parseThreadKey(key string) (chatID int64, topicID int, ok bool) {
	rest, found := strings.CutPrefix(key, "telegram:chat:")
	if !found {
		return 0, 0, false
	}
	chatPart, topicPart, hasTopic := strings.Cut(rest, ":topic:")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if hasTopic {
		if topicID, err = strconv.Atoi(topicPart); err != nil {
			return 0, 0, false
		}
	}
	return chatID, topicID, true
}

func (g *Gateway) handleCommand(ctx context.Context, text, threadKey, userKey string, updateID int, chatID int64, topicID int) {
	cmd, args, _ := strings.Cut(text, " ")
	// "/cancel@mybot" in groups.
	cmd, _, _ = strings.Cut(cmd, "@")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start", "/help":
		g.sendText(ctx, chatID, topicID, helpText)
	case "/status":
		run, err := g.svc.ActiveRun(ctx, threadKey)
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			g.sendText(ctx, chatID, topicID, "✅ Idle. Send a message to start a run.")
		case err != nil:
			slog.Error("status lookup failed", "thread", threadKey, "error", err)
		default:
			g.sendText(ctx, chatID, topicID, fmt.Sprintf("🏃 Run %s is in flight (started %s).",
				run.RunID, run.CreatedAt.UTC().Format(time.RFC3339)))
		}
	case "/new":
		if err := g.svc.ResetSession(ctx, threadKey); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			slog.Error("session reset failed", "thread", threadKey, "error", err)
			g.sendText(ctx, chatID, topicID, "❌ Could not reset the session: "+err.Error())
			return
		}
		g.sendText(ctx, chatID, topicID, "🆕 Started a new session for this thread.")
	case "/cancel":
		_, err := g.svc.CancelThread(ctx, threadKey)
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			g.sendText(ctx, chatID, topicID, "Nothing is running on this thread.")
		case err != nil:
			slog.Error("cancel failed", "thread", threadKey, "error", err)
			g.sendText(ctx, chatID, topicID, "❌ Cancel failed: "+err.Error())
		default:
			g.sendText(ctx, chatID, topicID, "🛑 Stopped the active run. Session context is preserved.")
		}
	case "/steer":
		if args == "" {
			g.sendText(ctx, chatID, topicID, "Usage: /steer <guidance for the in-flight run>")
			return
		}
		g.ingestText(ctx, args, store.DeliverySteer, threadKey, userKey, updateID, chatID, topicID)
	default:
		g.sendText(ctx, chatID, topicID, "Unknown command. Send /help for the command list.")
	}
}

// handlePhoto buffers the largest rendition of an incoming photo. A
// caption doubles as the text message that claims the buffer.
func (g *Gateway) handlePhoto(ctx context.Context, msg *telego.Message, threadKey, userKey string, updateID int, chatID int64, topicID int) {
	largest := msg.Photo[len(msg.Photo)-1]
	data, filePath, err := g.api.DownloadFile(ctx, largest.FileID)
	if err != nil {
		slog.Error("photo download failed", "chat", chatID, "error", err)
		g.sendText(ctx, chatID, topicID, "❌ Could not download the photo: "+err.Error())
		return
	}

	scope := store.ImageScope{Source: sourceName, ThreadKey: threadKey, UserKey: userKey}
	stats, err := g.store.InsertPendingImages(ctx, &store.PendingInsert{
		Scope:            scope,
		ExternalUpdateID: fmt.Sprintf("telegram:update:%d", updateID),
		MediaGroupID:     msg.MediaGroupID,
		Images: []store.IngestImage{{
			MimeType: "image/jpeg",
			Filename: filePath,
			Bytes:    data,
		}},
	})
	if errors.Is(err, store.ErrImageBufferLimitExceeded) {
		g.sendText(ctx, chatID, topicID, fmt.Sprintf(
			"⚠️ Image buffer is full (max %d images, %d MiB). Send a message to use the buffered images first.",
			store.MaxInputImageCount, store.MaxInputImageTotalBytes/(1<<20)))
		return
	}
	if err != nil {
		slog.Error("buffer photo failed", "chat", chatID, "error", err)
		g.sendText(ctx, chatID, topicID, "❌ Could not buffer the photo: "+err.Error())
		return
	}

	caption := strings.TrimSpace(msg.Caption)
	if caption == "" {
		g.sendText(ctx, chatID, topicID, fmt.Sprintf("📎 Image received (%d buffered).", stats.Count))
		return
	}
	g.ingestText(ctx, caption, store.DeliveryFollowUp, threadKey, userKey, updateID, chatID, topicID)
}

// ingestText creates (or deduplicates onto) a run and follows it to its
// terminal state. Pending images in the thread scope ride along.
func (g *Gateway) ingestText(ctx context.Context, text string, mode store.DeliveryMode, threadKey, userKey string, updateID int, chatID int64, topicID int) {
	res, err := g.svc.Ingest(ctx, &store.IngestMessage{
		Source:         sourceName,
		ThreadKey:      threadKey,
		UserKey:        userKey,
		DeliveryMode:   mode,
		IdempotencyKey: fmt.Sprintf("telegram:update:%d", updateID),
		InputText:      text,
		ClaimPendingScope: &store.ImageScope{
			Source: sourceName, ThreadKey: threadKey, UserKey: userKey,
		},
	})
	if err != nil {
		slog.Error("ingest failed", "thread", threadKey, "error", err)
		g.sendText(ctx, chatID, topicID, "❌ Could not accept the message: "+err.Error())
		return
	}
	if res.Deduplicated {
		slog.Debug("duplicate update ignored", "update", updateID, "run", res.Run.RunID)
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.followRun(res.Run.RunID, chatID, topicID)
	}()
}

// followRun tracks one run from dispatch to terminal delivery: a typing
// action, a placeholder message, throttled edits while assistant text
// streams, and the chunked final output.
func (g *Gateway) followRun(runID string, chatID int64, topicID int) {
	ctx := g.ctx
	progress, unsubscribe := g.svc.Subscribe(runID)
	defer unsubscribe()

	// The dispatcher races this subscribe and the hub does not replay:
	// a run that settled before the subscribe would never publish its
	// terminal marker here. Re-check the store and deliver directly.
	run, err := g.svc.GetRun(ctx, runID)
	if err != nil {
		slog.Error("run lookup failed", "run", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		g.deliverTerminal(ctx, run, chatID, topicID, 0)
		return
	}

	if err := g.api.SendChatAction(ctx, chatActionParams(chatID, topicID)); err != nil {
		slog.Debug("chat action failed", "chat", chatID, "error", err)
	}

	placeholderID := 0
	if msg, err := g.send(ctx, messageParams(chatID, topicID, placeholderText)); err == nil {
		placeholderID = msg.MessageID
	} else {
		slog.Warn("placeholder send failed", "chat", chatID, "error", err)
	}

	var assistantBuf strings.Builder
	var lastEdit time.Time
	terminal := false
	for !terminal {
		select {
		case p, ok := <-progress:
			if !ok {
				terminal = true
				break
			}
			switch p.Type {
			case runner.EventTerminal:
				terminal = true
			case runner.EventMessageUpdate:
				if p.Event == nil || p.Event.Role != "assistant" {
					break
				}
				assistantBuf.WriteString(p.Event.Delta)
				if placeholderID != 0 && time.Since(lastEdit) >= editThrottle {
					g.editPlaceholder(ctx, chatID, placeholderID, assistantBuf.String())
					lastEdit = time.Now()
				}
			}
		case <-ctx.Done():
			return
		}
	}

	// Re-read for the settled state; the stream only carries the marker.
	run, err = g.svc.WaitTerminal(ctx, runID)
	if err != nil {
		slog.Error("terminal wait failed", "run", runID, "error", err)
		return
	}
	g.deliverTerminal(ctx, run, chatID, topicID, placeholderID)
}

// deliverTerminal sends a run's outcome to its chat exactly once.
// Cancelled runs are suppressed: the /cancel handler already
// acknowledged them.
func (g *Gateway) deliverTerminal(ctx context.Context, run *store.Run, chatID int64, topicID int, placeholderID int) {
	if _, dup := g.delivered.LoadOrStore(run.RunID, struct{}{}); dup {
		return
	}
	// The persistent marker carries the guard across restarts: a run
	// settled before a crash is delivered by exactly one incarnation.
	won, err := g.store.MarkRunDelivered(ctx, run.RunID)
	if err != nil {
		slog.Error("delivery marker update failed", "run", run.RunID, "error", err)
	} else if !won {
		return
	}

	if run.Status == store.RunStatusFailed {
		if placeholderID != 0 {
			if err := g.api.DeleteMessage(ctx, &telego.DeleteMessageParams{
				ChatID: tu.ID(chatID), MessageID: placeholderID,
			}); err != nil {
				slog.Debug("placeholder delete failed", "chat", chatID, "error", err)
			}
		}
		if run.ErrorMessage == runs.CancelSentinel {
			return
		}
		g.sendText(ctx, chatID, topicID, "❌ "+run.ErrorMessage)
		return
	}

	text := ""
	if run.Output != nil {
		text = run.Output.Text
	}
	if strings.TrimSpace(text) == "" {
		text = "✅ Done."
	}

	if len(text) > maxInlineLen {
		g.deliverAsDocument(ctx, chatID, topicID, placeholderID, text)
		return
	}

	chunks := splitMessage(text, maxMessageLen)
	start := 0
	if placeholderID != 0 {
		if err := g.editPlaceholder(ctx, chatID, placeholderID, chunks[0]); err == nil {
			start = 1
		}
	}
	for _, chunk := range chunks[start:] {
		g.sendText(ctx, chatID, topicID, chunk)
	}
}

// deliverAsDocument attaches very large outputs as a file instead of a
// long chunk sequence.
func (g *Gateway) deliverAsDocument(ctx context.Context, chatID int64, topicID int, placeholderID int, text string) {
	if placeholderID != 0 {
		g.editPlaceholder(ctx, chatID, placeholderID, "📄 Output attached below.")
	}
	params := tu.Document(tu.ID(chatID), tu.File(tu.NameReader(strings.NewReader(text), "output.md")))
	if topicID > generalTopicID {
		params.MessageThreadID = topicID
	}
	if err := g.waitSend(ctx, chatID); err != nil {
		return
	}
	if _, err := g.api.SendDocument(ctx, params); err != nil {
		slog.Error("document send failed", "chat", chatID, "error", err)
	}
}

func (g *Gateway) editPlaceholder(ctx context.Context, chatID int64, messageID int, text string) error {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	_, err := g.api.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID: tu.ID(chatID), MessageID: messageID, Text: text,
	})
	var rl *RateLimitError
	if errors.As(err, &rl) {
		select {
		case <-time.After(rl.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err = g.api.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID: tu.ID(chatID), MessageID: messageID, Text: text,
		})
	}
	if err != nil {
		slog.Debug("placeholder edit failed", "chat", chatID, "error", err)
	}
	return err
}

// sendText sends one message, honoring rate limits and retrying once on
// a 429 after the server's hint.
func (g *Gateway) sendText(ctx context.Context, chatID int64, topicID int, text string) {
	if _, err := g.send(ctx, messageParams(chatID, topicID, text)); err != nil {
		slog.Error("send failed", "chat", chatID, "error", err)
	}
}

func (g *Gateway) send(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	chatID := params.ChatID.ID
	if err := g.waitSend(ctx, chatID); err != nil {
		return nil, err
	}
	msg, err := g.api.SendMessage(ctx, params)
	var rl *RateLimitError
	if errors.As(err, &rl) {
		select {
		case <-time.After(rl.RetryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		msg, err = g.api.SendMessage(ctx, params)
	}
	return msg, err
}

// waitSend applies the global and per-chat outbound limiters.
func (g *Gateway) waitSend(ctx context.Context, chatID int64) error {
	if err := g.global.Wait(ctx); err != nil {
		return err
	}
	return g.chatLimiter(chatID).Wait(ctx)
}

func (g *Gateway) chatLimiter(chatID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.chatLims[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 3)
		g.chatLims[chatID] = lim
	}
	return lim
}

func messageParams(chatID int64, topicID int, text string) *telego.SendMessageParams {
	params := tu.Message(tu.ID(chatID), text)
	if topicID > generalTopicID {
		params.MessageThreadID = topicID
	}
	return params
}

func chatActionParams(chatID int64, topicID int) *telego.SendChatActionParams {
	params := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if topicID > generalTopicID {
		params.MessageThreadID = topicID
	}
	return params
}

const helpText = `🤖 jagc

Send a message to run it on this thread's agent session.
Attach photos first and they ride along with your next message.

/steer <text> — nudge the in-flight run
/cancel — stop the active run (session context is preserved)
/new — reset this thread's session
/status — show the active run
/help — this message`
