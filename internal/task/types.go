// Package task defines the core types and collaborator interfaces shared
// across the orchestration subsystems.
package task

import (
	"time"
)

// Status represents the lifecycle state of a scraping task.
type Status string

// Task status values persisted in the task store.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions enumerates every legal (from, to) status pair. Any pair not
// listed here is rejected with InvalidTransitionError by the lifecycle
// manager; state is never silently coerced.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// change.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the six known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the unit of scraping work tracked through the lifecycle. Tasks are
// created by callers, mutated only by the lifecycle manager, and never
// deleted while a worker process is attached.
type Task struct {
	ID           int64      `json:"id"`
	Platform     string     `json:"platform"`
	Keywords     []string   `json:"keywords"`
	Location     string     `json:"location"`
	MaxPages     int        `json:"max_pages"`
	Concurrency  int        `json:"concurrency"`
	DelayMs      int        `json:"delay_ms"`
	Headless     bool       `json:"headless"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Status       Status     `json:"status"`
	Retries      int        `json:"retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks the invariants required before a task may be persisted.
func (t Task) Validate() error {
	if t.Platform == "" {
		return &ValidationError{Field: "platform", Reason: "platform key is required"}
	}
	if len(t.Keywords) == 0 {
		return &ValidationError{Field: "keywords", Reason: "at least one keyword is required"}
	}
	for _, kw := range t.Keywords {
		if kw == "" {
			return &ValidationError{Field: "keywords", Reason: "keywords must be non-empty strings"}
		}
	}
	if t.MaxPages < 1 {
		return &ValidationError{Field: "max_pages", Reason: "max_pages must be >= 1"}
	}
	if t.Concurrency < 0 {
		return &ValidationError{Field: "concurrency", Reason: "concurrency must be >= 0"}
	}
	if t.DelayMs < 0 {
		return &ValidationError{Field: "delay_ms", Reason: "delay_ms must be >= 0"}
	}
	return nil
}

// Progress is the most recent snapshot of a running task, recomputed on each
// inbound progress message. It is ephemeral; the store may persist it but the
// lifecycle manager owns the live copy.
type Progress struct {
	CurrentPage  int       `json:"currentPage"`
	TotalPages   int       `json:"totalPages"`
	ResultsCount int       `json:"resultsCount"`
	Percentage   float64   `json:"percentage"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// ClampPercentage recomputes the percentage from the page counters, clamped
// to the [0, 100] range.
func (p *Progress) ClampPercentage() {
	if p.TotalPages <= 0 {
		p.Percentage = 0
		return
	}
	pct := float64(p.CurrentPage) / float64(p.TotalPages) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.Percentage = pct
}

// Result is a single scraped business record produced by a platform adapter.
type Result struct {
	Name     string            `json:"name"`
	Address  string            `json:"address,omitempty"`
	Phone    string            `json:"phone,omitempty"`
	Website  string            `json:"website,omitempty"`
	Rating   float64           `json:"rating,omitempty"`
	URL      string            `json:"url,omitempty"`
	Page     int               `json:"page,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	FoundAt  time.Time         `json:"found_at"`
	Platform string            `json:"platform,omitempty"`
}

// NotificationKind labels the source of an operator notification.
type NotificationKind string

// Notification kinds emitted by the failure classifier.
const (
	NotifyCaptcha     NotificationKind = "captcha"
	NotifyAntiBot     NotificationKind = "anti_bot"
	NotifyRetryBudget NotificationKind = "retry_budget_exhausted"
)

// Notification is the payload surfaced to an operator when a task needs
// manual intervention.
type Notification struct {
	TaskID  int64            `json:"task_id"`
	Kind    NotificationKind `json:"kind"`
	Message string           `json:"message"`
	URL     string           `json:"url,omitempty"`
	At      time.Time        `json:"at"`
}
