package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run. Terminal transitions are
// one-shot: running → succeeded | failed, nothing else.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// DeliveryMode selects how a run's prompt reaches the agent session.
type DeliveryMode string

const (
	// DeliveryFollowUp is a normal next-turn message.
	DeliveryFollowUp DeliveryMode = "followUp"
	// DeliverySteer is an interrupt-style inline steer of an in-flight turn.
	DeliverySteer DeliveryMode = "steer"
)

// RunOutput is the structured terminal output of a succeeded run.
type RunOutput struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	DeliveryMode string          `json:"delivery_mode,omitempty"`
	Structured   json.RawMessage `json:"structured,omitempty"`
}

// Run is one user → agent request/response cycle tracked from ingest to
// terminal status. Runs are never deleted.
type Run struct {
	RunID        string       `json:"run_id"`
	Source       string       `json:"source"`
	ThreadKey    string       `json:"thread_key"`
	UserKey      string       `json:"user_key,omitempty"`
	DeliveryMode DeliveryMode `json:"delivery_mode"`
	Status       RunStatus    `json:"status"`
	InputText    string       `json:"input_text"`
	Output       *RunOutput   `json:"output,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	DeliveredAt  *time.Time   `json:"delivered_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ThreadSession is the resumable agent context bound to one thread key.
type ThreadSession struct {
	ThreadKey   string    `json:"thread_key"`
	SessionID   string    `json:"session_id"`
	SessionFile string    `json:"session_file"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScheduleKind discriminates the schedule field of a task.
type ScheduleKind string

const (
	ScheduleOnce  ScheduleKind = "once"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleRRule ScheduleKind = "rrule"
)

// DeliveryTarget is a tagged union over delivery providers. Exactly one
// provider payload is set, matching Provider.
type DeliveryTarget struct {
	Provider string         `json:"provider"`
	Telegram *TelegramRoute `json:"telegram,omitempty"`
}

// TelegramRoute routes task output to a Telegram chat, optionally a
// forum topic within it.
type TelegramRoute struct {
	ChatID  int64 `json:"chat_id"`
	TopicID int   `json:"topic_id,omitempty"`
}

// ScheduledTask is a user-defined recurring or one-shot instruction.
type ScheduledTask struct {
	TaskID             string         `json:"task_id"`
	Title              string         `json:"title"`
	Instructions       string         `json:"instructions"`
	ScheduleKind       ScheduleKind   `json:"schedule_kind"`
	OnceAt             *time.Time     `json:"once_at,omitempty"`
	CronExpr           string         `json:"cron_expr,omitempty"`
	RRuleExpr          string         `json:"rrule_expr,omitempty"`
	Timezone           string         `json:"timezone"`
	Enabled            bool           `json:"enabled"`
	NextRunAt          *time.Time     `json:"next_run_at,omitempty"`
	CreatorThreadKey   string         `json:"creator_thread_key"`
	OwnerUserKey       string         `json:"owner_user_key,omitempty"`
	DeliveryTarget     DeliveryTarget `json:"delivery_target"`
	ExecutionThreadKey string         `json:"execution_thread_key,omitempty"`
	LastRunAt          *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus      string         `json:"last_run_status,omitempty"`
	LastErrorMessage   string         `json:"last_error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// TaskRunStatus is the forward-only state of a materialized occurrence.
type TaskRunStatus string

const (
	TaskRunPending    TaskRunStatus = "pending"
	TaskRunDispatched TaskRunStatus = "dispatched"
	TaskRunSucceeded  TaskRunStatus = "succeeded"
	TaskRunFailed     TaskRunStatus = "failed"
)

// TaskRun is a single materialized occurrence of a task, owning at most
// one underlying run.
type TaskRun struct {
	TaskRunID      string        `json:"task_run_id"`
	TaskID         string        `json:"task_id"`
	ScheduledFor   time.Time     `json:"scheduled_for"`
	IdempotencyKey string        `json:"idempotency_key"`
	RunID          string        `json:"run_id,omitempty"`
	Status         TaskRunStatus `json:"status"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// InputImage is a buffered or run-bound input image. RunID empty means
// the row is still pending in its (source, threadKey, userKey) scope.
type InputImage struct {
	InputImageID     string    `json:"input_image_id"`
	Source           string    `json:"source"`
	ThreadKey        string    `json:"thread_key"`
	UserKey          string    `json:"user_key"`
	ExternalUpdateID string    `json:"external_update_id,omitempty"`
	MediaGroupID     string    `json:"media_group_id,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	MimeType         string    `json:"mime_type"`
	Filename         string    `json:"filename,omitempty"`
	ByteSize         int64     `json:"byte_size"`
	ImageBytes       []byte    `json:"-"`
	Position         int       `json:"position"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// ImageScope identifies a pending-image buffer.
type ImageScope struct {
	Source    string
	ThreadKey string
	UserKey   string
}
