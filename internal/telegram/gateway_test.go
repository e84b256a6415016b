package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/runs"
	"github.com/jagc-sh/jagc/internal/store"
)

type updatesResult struct {
	updates []telego.Update
	err     error
}

type sentMessage struct {
	chatID   int64
	threadID int
	text     string
}

// fakeAPI scripts getUpdates responses and records every outbound call.
// Once the script is exhausted, polls block on ctx like an idle long
// poll.
type fakeAPI struct {
	mu        sync.Mutex
	script    []updatesResult
	pollCalls []telego.GetUpdatesParams
	sent      []sentMessage
	edits     []sentMessage
	deleted   []int
	documents []string
	renamed   []string
	files     map[string][]byte
	nextMsgID int
}

func (f *fakeAPI) GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error) {
	f.mu.Lock()
	f.pollCalls = append(f.pollCalls, *params)
	if len(f.script) > 0 {
		step := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()
		return step.updates, step.err
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeAPI) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	f.sent = append(f.sent, sentMessage{
		chatID: params.ChatID.ID, threadID: params.MessageThreadID, text: params.Text,
	})
	return &telego.Message{MessageID: f.nextMsgID}, nil
}

func (f *fakeAPI) EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{chatID: params.ChatID.ID, text: params.Text})
	return &telego.Message{MessageID: params.MessageID}, nil
}

func (f *fakeAPI) SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	f.documents = append(f.documents, params.Document.File.Name())
	return &telego.Message{MessageID: f.nextMsgID}, nil
}

func (f *fakeAPI) SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error {
	return nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, params.MessageID)
	return nil
}

func (f *fakeAPI) CreateForumTopic(ctx context.Context, params *telego.CreateForumTopicParams) (*telego.ForumTopic, error) {
	return &telego.ForumTopic{MessageThreadID: 77, Name: params.Name}, nil
}

func (f *fakeAPI) EditForumTopic(ctx context.Context, params *telego.EditForumTopicParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed = append(f.renamed, params.Name)
	return nil
}

func (f *fakeAPI) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, "", errors.New("unknown file id")
	}
	return data, "photos/" + fileID + ".jpg", nil
}

func (f *fakeAPI) sentTexts() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeAPI) editTexts() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.edits...)
}

func textUpdate(id int, userID, chatID int64, text string) telego.Update {
	return telego.Update{UpdateID: id, Message: &telego.Message{
		MessageID: id,
		From:      &telego.User{ID: userID},
		Chat:      telego.Chat{ID: chatID},
		Text:      text,
	}}
}

func newTestGateway(t *testing.T, api *fakeAPI, exec runner.Executor, allowed []string) (*Gateway, *store.Store, *runs.Service) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := runs.NewService(st, exec)
	gw := NewGateway(api, svc, st, Options{AllowedUserIDs: allowed, PollTimeout: 1})
	gw.Start()
	t.Cleanup(func() {
		gw.Stop()
		svc.Shutdown()
		st.Close()
	})
	return gw, st, svc
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func containsText(msgs []sentMessage, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m.text, substr) {
			return true
		}
	}
	return false
}

// TestPollLoopRecoversFromErrors drives the poll loop through a server
// error, then a rate limit with a fractional retry hint, then a good
// batch, and checks the update still lands and the offset advances.
func TestPollLoopRecoversFromErrors(t *testing.T) {
	api := &fakeAPI{script: []updatesResult{
		{err: &ServerError{Code: 500, Desc: "boom"}},
		{err: &RateLimitError{RetryAfter: 50 * time.Millisecond}},
		{updates: []telego.Update{textUpdate(7, 202, 101, "hello")}},
	}}
	start := time.Now()
	_, st, _ := newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})

	waitUntil(t, "run creation", func() bool {
		runsList, err := st.ListRunningRuns(context.Background(), 0)
		if err != nil {
			return false
		}
		if len(runsList) > 0 {
			return true
		}
		// Echo settles instantly; accept the delivered reply as proof.
		return containsText(api.editTexts(), "hello") || containsText(api.sentTexts(), "hello")
	})
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= backoff (100ms) + retry_after (50ms)", elapsed)
	}

	waitUntil(t, "offset advance", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.pollCalls) >= 4 && api.pollCalls[3].Offset == 8
	})
}

// TestDeliveryChunksLongOutput sends an input whose echoed output is one
// character past the chunk budget and expects a 3500-char placeholder
// edit plus a 101-char follow-up message.
func TestDeliveryChunksLongOutput(t *testing.T) {
	long := strings.Repeat("x", 3601)
	api := &fakeAPI{script: []updatesResult{
		{updates: []telego.Update{textUpdate(1, 202, 101, long)}},
	}}
	newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})

	waitUntil(t, "chunked delivery", func() bool {
		for _, m := range api.sentTexts() {
			if len(m.text) == 101 && strings.Count(m.text, "x") == 101 {
				return true
			}
		}
		return false
	})
	var gotEdit bool
	for _, m := range api.editTexts() {
		if len(m.text) == 3500 && strings.HasPrefix(m.text, "xxx") {
			gotEdit = true
		}
	}
	if !gotEdit {
		t.Fatalf("placeholder was not edited to the first 3500-char chunk: %+v", api.editTexts())
	}
}

// TestAllowListDeniesUnknownUser checks an empty allow list rejects all
// senders with a hint naming the grant command, without creating a run.
func TestAllowListDeniesUnknownUser(t *testing.T) {
	api := &fakeAPI{script: []updatesResult{
		{updates: []telego.Update{textUpdate(1, 999, 101, "hi")}},
	}}
	_, st, _ := newTestGateway(t, api, runner.NewEchoExecutor(), nil)

	waitUntil(t, "denial message", func() bool {
		return containsText(api.sentTexts(), "jagc telegram allow 999")
	})
	if _, err := st.GetActiveRun(context.Background(), "telegram:chat:101"); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("active run error = %v, want ErrRunNotFound", err)
	}
}

// blockingExecutor holds every run until released, so cancellation can
// land mid-flight.
type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, run *store.Run, images []*store.InputImage) (*store.RunOutput, error) {
	e.started <- run.RunID
	<-e.release
	return &store.RunOutput{Type: "message", Text: "late output"}, nil
}

// TestCancelSuppressesTerminalDelivery runs /cancel against an in-flight
// run and checks the chat sees the stop acknowledgement but never a
// failure line for the abort sentinel.
func TestCancelSuppressesTerminalDelivery(t *testing.T) {
	exec := &blockingExecutor{started: make(chan string, 1), release: make(chan struct{})}
	api := &fakeAPI{script: []updatesResult{
		{updates: []telego.Update{textUpdate(1, 202, 101, "do something slow")}},
	}}
	gw, st, _ := newTestGateway(t, api, exec, []string{"202"})
	defer close(exec.release)

	var runID string
	select {
	case runID = <-exec.started:
	case <-time.After(3 * time.Second):
		t.Fatal("run never started")
	}

	gw.handleUpdate(context.Background(), textUpdate(2, 202, 101, "/cancel"))

	waitUntil(t, "cancel acknowledgement", func() bool {
		return containsText(api.sentTexts(), "Stopped the active run")
	})
	waitUntil(t, "placeholder cleanup", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.deleted) == 1
	})
	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunStatusFailed || run.ErrorMessage != runs.CancelSentinel {
		t.Fatalf("run settled as %s (%q), want failed with the abort sentinel", run.Status, run.ErrorMessage)
	}
	if containsText(api.sentTexts(), runs.CancelSentinel) {
		t.Fatal("abort sentinel leaked to the chat")
	}
}

// TestSteerCommand rejects an empty /steer and records a steer-mode run
// for a non-empty one.
func TestSteerCommand(t *testing.T) {
	api := &fakeAPI{script: []updatesResult{
		{updates: []telego.Update{
			textUpdate(1, 202, 101, "/steer"),
			textUpdate(2, 202, 101, "/steer focus on the tests"),
		}},
	}}
	_, st, _ := newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})

	waitUntil(t, "usage hint", func() bool {
		return containsText(api.sentTexts(), "Usage: /steer")
	})
	waitUntil(t, "steer run delivered", func() bool {
		return containsText(api.editTexts(), "focus on the tests") ||
			containsText(api.sentTexts(), "focus on the tests")
	})

	res, err := st.Ingest(context.Background(), &store.IngestMessage{
		Source: sourceName, ThreadKey: "telegram:chat:101",
		IdempotencyKey: "telegram:update:2", InputText: "focus on the tests",
	})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if !res.Deduplicated {
		t.Fatal("steer update was not recorded under its idempotency key")
	}
	if res.Run.DeliveryMode != store.DeliverySteer {
		t.Fatalf("delivery mode = %s, want steer", res.Run.DeliveryMode)
	}
}

// TestPhotoBufferedThenClaimed buffers a captionless photo, then sends a
// text message and checks the image rides along on the resulting run.
func TestPhotoBufferedThenClaimed(t *testing.T) {
	photo := telego.Update{UpdateID: 1, Message: &telego.Message{
		MessageID: 1,
		From:      &telego.User{ID: 202},
		Chat:      telego.Chat{ID: 101},
		Photo: []telego.PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "big", Width: 800, Height: 800},
		},
	}}
	api := &fakeAPI{
		files: map[string][]byte{"big": []byte("jpeg-bytes")},
		script: []updatesResult{
			{updates: []telego.Update{photo}},
			{updates: []telego.Update{textUpdate(2, 202, 101, "what is in this picture?")}},
		},
	}
	_, st, svc := newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})

	waitUntil(t, "buffer acknowledgement", func() bool {
		return containsText(api.sentTexts(), "Image received (1 buffered)")
	})
	waitUntil(t, "echo reply", func() bool {
		return containsText(api.editTexts(), "what is in this picture?") ||
			containsText(api.sentTexts(), "what is in this picture?")
	})

	// Re-ingest under the same key to resolve the run the gateway made.
	res, err := st.Ingest(context.Background(), &store.IngestMessage{
		Source: sourceName, ThreadKey: "telegram:chat:101", UserKey: "telegram:user:202",
		IdempotencyKey: "telegram:update:2", InputText: "what is in this picture?",
	})
	if err != nil {
		t.Fatalf("dedup probe: %v", err)
	}
	if !res.Deduplicated {
		t.Fatal("text update was not recorded under its idempotency key")
	}
	boundRun := res.Run.RunID

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := svc.WaitTerminal(ctx, boundRun); err != nil {
		t.Fatalf("wait terminal: %v", err)
	}
	images, err := st.ListRunInputImages(context.Background(), boundRun)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(images) != 1 || string(images[0].ImageBytes) != "jpeg-bytes" {
		t.Fatalf("bound images = %d, want the buffered photo", len(images))
	}
}

// TestTopicThreadKeys checks forum-topic routing: a topic message gets a
// suffixed thread key and replies carry its message_thread_id, while the
// General topic maps to the plain chat key.
func TestTopicThreadKeys(t *testing.T) {
	topicMsg := telego.Update{UpdateID: 1, Message: &telego.Message{
		MessageID:       1,
		From:            &telego.User{ID: 202},
		Chat:            telego.Chat{ID: 101},
		Text:            "in a topic",
		MessageThreadID: 42,
		IsTopicMessage:  true,
	}}
	generalMsg := telego.Update{UpdateID: 2, Message: &telego.Message{
		MessageID:       2,
		From:            &telego.User{ID: 202},
		Chat:            telego.Chat{ID: 101},
		Text:            "in general",
		MessageThreadID: 1,
		IsTopicMessage:  true,
	}}
	api := &fakeAPI{script: []updatesResult{
		{updates: []telego.Update{topicMsg, generalMsg}},
	}}
	_, st, _ := newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})

	waitUntil(t, "both replies delivered", func() bool {
		return (containsText(api.editTexts(), "in a topic") || containsText(api.sentTexts(), "in a topic")) &&
			(containsText(api.editTexts(), "in general") || containsText(api.sentTexts(), "in general"))
	})

	for key, probe := range map[string]*store.IngestMessage{
		"topic": {
			Source: sourceName, ThreadKey: "telegram:chat:101:topic:42", UserKey: "telegram:user:202",
			IdempotencyKey: "telegram:update:1", InputText: "in a topic",
		},
		"general": {
			Source: sourceName, ThreadKey: "telegram:chat:101", UserKey: "telegram:user:202",
			IdempotencyKey: "telegram:update:2", InputText: "in general",
		},
	} {
		res, err := st.Ingest(context.Background(), probe)
		if err != nil {
			t.Fatalf("%s probe: %v", key, err)
		}
		if !res.Deduplicated {
			t.Fatalf("%s message not recorded under its update id", key)
		}
		if res.Run.ThreadKey != probe.ThreadKey {
			t.Fatalf("%s thread key = %q, want %q", key, res.Run.ThreadKey, probe.ThreadKey)
		}
	}

	waitUntil(t, "topic-routed reply", func() bool {
		for _, m := range api.sentTexts() {
			if m.threadID == 42 {
				return true
			}
		}
		return false
	})
}

// TestDeliverTaskResult posts a succeeded task run to its route and
// suppresses cancelled ones.
func TestDeliverTaskResult(t *testing.T) {
	api := &fakeAPI{}
	gw, st, _ := newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})
	ctx := context.Background()

	task := &store.ScheduledTask{
		TaskID: "t1", Title: "nightly digest",
		DeliveryTarget: store.DeliveryTarget{
			Provider: "telegram",
			Telegram: &store.TelegramRoute{ChatID: 101, TopicID: 77},
		},
	}
	settle := func(text, errMsg string) *store.Run {
		res, err := st.Ingest(ctx, &store.IngestMessage{
			Source: "task:t1", ThreadKey: "telegram:chat:101:topic:77", InputText: text + errMsg,
		})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if errMsg != "" {
			err = st.MarkFailed(ctx, res.Run.RunID, errMsg)
		} else {
			err = st.MarkSucceeded(ctx, res.Run.RunID, &store.RunOutput{Type: "message", Text: text})
		}
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		run, err := st.GetRun(ctx, res.Run.RunID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		return run
	}

	ok := settle("all quiet", "")
	if err := gw.DeliverTaskResult(ctx, task, ok); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitUntil(t, "task delivery", func() bool {
		for _, m := range api.sentTexts() {
			if strings.Contains(m.text, "nightly digest") && strings.Contains(m.text, "all quiet") && m.threadID == 77 {
				return true
			}
		}
		return false
	})

	// Redelivery of the same run is a no-op.
	before := len(api.sentTexts())
	if err := gw.DeliverTaskResult(ctx, task, ok); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if got := len(api.sentTexts()); got != before {
		t.Fatalf("redelivery sent %d extra messages", got-before)
	}

	cancelled := settle("", runs.CancelSentinel)
	if err := gw.DeliverTaskResult(ctx, task, cancelled); err != nil {
		t.Fatalf("deliver cancelled: %v", err)
	}
	if containsText(api.sentTexts(), runs.CancelSentinel) {
		t.Fatal("cancelled task run leaked to the chat")
	}

	// Renaming tracks the topic bound to the route; routes without a
	// topic are a no-op.
	if err := gw.RenameTaskTopic(ctx, task.DeliveryTarget.Telegram, "weekly digest"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if len(api.renamed) != 1 || api.renamed[0] != "weekly digest" {
		t.Fatalf("renamed = %v, want [weekly digest]", api.renamed)
	}
	if err := gw.RenameTaskTopic(ctx, &store.TelegramRoute{ChatID: 101}, "ignored"); err != nil {
		t.Fatalf("rename without topic: %v", err)
	}
	if len(api.renamed) != 1 {
		t.Fatalf("topicless rename hit the API: %v", api.renamed)
	}
}

// TestFollowRunDeliversAlreadySettledRun covers the interleaving where
// the scheduler settles a run before the follower subscribes: the hub
// has no replay, so the follower must fall back to the stored state
// instead of waiting for a terminal marker that already fired.
func TestFollowRunDeliversAlreadySettledRun(t *testing.T) {
	api := &fakeAPI{}
	gw, _, svc := newTestGateway(t, api, runner.NewEchoExecutor(), []string{"202"})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, &store.IngestMessage{
		Source:    sourceName,
		ThreadKey: "telegram:chat:101",
		UserKey:   "telegram:user:202",
		InputText: "settled before follow",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := svc.WaitTerminal(ctx, res.Run.RunID); err != nil {
		t.Fatalf("wait terminal: %v", err)
	}

	done := make(chan struct{})
	go func() {
		gw.followRun(res.Run.RunID, 101, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follower hung on an already-terminal run")
	}
	if !containsText(api.sentTexts(), "settled before follow") {
		t.Fatalf("output not delivered: sent = %v", api.sentTexts())
	}
}

// TestRestartDeliversSettledRun covers the restart contract: a run that
// settles while no gateway is attached is delivered by the next
// incarnation, and only by that one — the persistent marker keeps any
// later incarnation silent.
func TestRestartDeliversSettledRun(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := runs.NewService(st, runner.NewEchoExecutor())
	t.Cleanup(func() {
		svc.Shutdown()
		st.Close()
	})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, &store.IngestMessage{
		Source:    sourceName,
		ThreadKey: "telegram:chat:101",
		UserKey:   "telegram:user:202",
		InputText: "lost across restart",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := svc.WaitTerminal(ctx, res.Run.RunID); err != nil {
		t.Fatalf("wait terminal: %v", err)
	}

	api := &fakeAPI{}
	gw := NewGateway(api, svc, st, Options{AllowedUserIDs: []string{"202"}, PollTimeout: 1})
	gw.Start()
	t.Cleanup(gw.Stop)

	waitUntil(t, "restart delivery", func() bool {
		return containsText(api.sentTexts(), "lost across restart")
	})

	run, err := st.GetRun(ctx, res.Run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.DeliveredAt == nil {
		t.Fatal("delivery marker not recorded")
	}

	second := &fakeAPI{}
	gw2 := NewGateway(second, svc, st, Options{AllowedUserIDs: []string{"202"}, PollTimeout: 1})
	gw2.Start()
	t.Cleanup(gw2.Stop)
	time.Sleep(150 * time.Millisecond)
	if got := second.sentTexts(); len(got) != 0 {
		t.Fatalf("second incarnation re-sent: %v", got)
	}
}

// TestParseThreadKey round-trips the thread key shapes.
func TestParseThreadKey(t *testing.T) {
	cases := []struct {
		key     string
		chatID  int64
		topicID int
		ok      bool
	}{
		{"telegram:chat:101", 101, 0, true},
		{"telegram:chat:-100987:topic:42", -100987, 42, true},
		{"task:abc", 0, 0, false},
		{"telegram:chat:notanumber", 0, 0, false},
	}
	for _, tc := range cases {
		chatID, topicID, ok := parseThreadKey(tc.key)
		if chatID != tc.chatID || topicID != tc.topicID || ok != tc.ok {
			t.Fatalf("parseThreadKey(%q) = (%d, %d, %v), want (%d, %d, %v)",
				tc.key, chatID, topicID, ok, tc.chatID, tc.topicID, tc.ok)
		}
	}
}
