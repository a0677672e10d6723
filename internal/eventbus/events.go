package eventbus

import "time"

// Job lifecycle event types.
const (
	JobEnqueued  = "job.enqueued"
	JobCoalesced = "job.coalesced"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobReaped    = "job.reaped"
)

// JobEvent is the Data payload of job lifecycle events.
type JobEvent struct {
	JobID      string        `json:"job_id"`
	JobType    string        `json:"job_type"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Took       time.Duration `json:"took,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Evaluation and delivery event types.
const (
	AlertPublished = "alert.published"
	NotifySent     = "notify.sent"
	NotifyFailed   = "notify.failed"
)

// AlertEvent is the Data payload of alert.published.
type AlertEvent struct {
	JobType string    `json:"job_type"`
	Color   string    `json:"color"`
	Remark  string    `json:"remark"`
	At      time.Time `json:"at"`
}

// NotifyEvent is the Data payload of notify.* events.
type NotifyEvent struct {
	Sink     string    `json:"sink"`
	JobType  string    `json:"job_type"`
	Color    string    `json:"color"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
