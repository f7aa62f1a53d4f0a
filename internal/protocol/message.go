// Package protocol defines the closed set of messages exchanged between the
// supervisor and its worker processes, plus a line-delimited JSON codec so
// the envelope is usable over any byte channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/leadgrid/scraperd/internal/task"
)

// Type tags a message variant.
type Type string

// Message types. Control messages flow supervisor -> worker; everything else
// flows worker -> supervisor.
const (
	TypeStart                   Type = "Start"
	TypeProgress                Type = "Progress"
	TypeCompleted               Type = "Completed"
	TypeError                   Type = "Error"
	TypeScrapingStarted         Type = "ScrapingStarted"
	TypeScrapingPageComplete    Type = "ScrapingPageComplete"
	TypeScrapingResultFound     Type = "ScrapingResultFound"
	TypeScrapingRateLimited     Type = "ScrapingRateLimited"
	TypeScrapingCaptchaDetected Type = "ScrapingCaptchaDetected"
	TypePause                   Type = "Pause"
	TypeResume                  Type = "Resume"
	TypeTaskPaused              Type = "TaskPaused"
	TypeTaskResumed             Type = "TaskResumed"
)

// Message is implemented by every variant. Consumers narrow with a type
// switch; Decode guarantees the concrete type matches the wire tag.
type Message interface {
	Type() Type
	Task() int64
}

// Header carries the fields common to every variant.
type Header struct {
	Kind   Type  `json:"type"`
	TaskID int64 `json:"taskId"`
}

// Type returns the message tag.
func (h Header) Type() Type { return h.Kind }

// Task returns the task id the message belongs to.
func (h Header) Task() int64 { return h.TaskID }

// PlatformInfo is the selector/behavior configuration handed to the worker
// alongside the task. Selectors are CSS; the adapter decides how to apply
// them.
type PlatformInfo struct {
	Key       string            `json:"key" mapstructure:"key"`
	BaseURL   string            `json:"baseUrl" mapstructure:"base_url"`
	SearchURL string            `json:"searchUrl" mapstructure:"search_url"`
	Selectors map[string]string `json:"selectors,omitempty" mapstructure:"selectors"`
	UserAgent string            `json:"userAgent,omitempty" mapstructure:"user_agent"`
}

// Start instructs a freshly spawned worker to begin scraping.
type Start struct {
	Header
	TaskData     task.Task    `json:"taskData"`
	PlatformInfo PlatformInfo `json:"platformInfo"`
}

// Progress carries the worker's page counters.
type Progress struct {
	Header
	Progress task.Progress `json:"progress"`
}

// Completed carries the final result array; the worker exits 0 after sending
// it.
type Completed struct {
	Header
	Results []task.Result `json:"results"`
}

// Error reports a non-recoverable worker-side failure.
type Error struct {
	Header
	ErrorText string `json:"error"`
}

// ScrapingStarted signals that the worker opened its platform session.
type ScrapingStarted struct {
	Header
}

// ScrapingPageComplete signals one finished page of pagination.
type ScrapingPageComplete struct {
	Header
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

// ScrapingResultFound streams a single extracted record.
type ScrapingResultFound struct {
	Header
	Result task.Result `json:"result"`
}

// ScrapingRateLimited signals the worker hit a rate limit and is backing off
// on its own; the supervisor only logs it.
type ScrapingRateLimited struct {
	Header
	URL string `json:"url,omitempty"`
}

// ScrapingCaptchaDetected signals an anti-bot challenge; the worker stays
// alive awaiting Resume.
type ScrapingCaptchaDetected struct {
	Header
	URL string `json:"url,omitempty"`
}

// Pause asks the worker to suspend after the current page.
type Pause struct {
	Header
}

// Resume asks a paused worker to continue.
type Resume struct {
	Header
}

// TaskPaused acknowledges a Pause (or a self-pause after a challenge).
type TaskPaused struct {
	Header
}

// TaskResumed acknowledges a Resume.
type TaskResumed struct {
	Header
}

// NewHeader builds a Header for the given variant and task.
func NewHeader(kind Type, taskID int64) Header {
	return Header{Kind: kind, TaskID: taskID}
}

// ProtocolError reports a malformed or unrecognized message. It is fatal to
// that message only; the channel stays usable.
type ProtocolError struct {
	Kind   Type
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("protocol: %s", e.Reason)
	}
	return fmt.Sprintf("protocol: message type %q: %s", e.Kind, e.Reason)
}

// Decode parses a single wire message and narrows it to exactly one variant.
// Unknown type tags and payload fields that do not belong to the variant are
// rejected with *ProtocolError.
func Decode(data []byte) (Message, error) {
	var probe Header
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}
	msg := newByType(probe.Kind)
	if msg == nil {
		return nil, &ProtocolError{Kind: probe.Kind, Reason: "unrecognized message type"}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, &ProtocolError{Kind: probe.Kind, Reason: fmt.Sprintf("payload does not match variant: %v", err)}
	}
	return msg.(Message), nil
}

// Encode serializes a message, stamping the wire tag from the concrete type
// so a zero-valued header cannot produce an untagged envelope.
func Encode(m Message) ([]byte, error) {
	tagged, err := withTag(m)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type(), err)
	}
	return data, nil
}

// newByType returns a zero value pointer for the variant, or nil for unknown
// tags. The switch is intentionally exhaustive over the closed set.
func newByType(t Type) any {
	switch t {
	case TypeStart:
		return &Start{}
	case TypeProgress:
		return &Progress{}
	case TypeCompleted:
		return &Completed{}
	case TypeError:
		return &Error{}
	case TypeScrapingStarted:
		return &ScrapingStarted{}
	case TypeScrapingPageComplete:
		return &ScrapingPageComplete{}
	case TypeScrapingResultFound:
		return &ScrapingResultFound{}
	case TypeScrapingRateLimited:
		return &ScrapingRateLimited{}
	case TypeScrapingCaptchaDetected:
		return &ScrapingCaptchaDetected{}
	case TypePause:
		return &Pause{}
	case TypeResume:
		return &Resume{}
	case TypeTaskPaused:
		return &TaskPaused{}
	case TypeTaskResumed:
		return &TaskResumed{}
	default:
		return nil
	}
}

// withTag returns m with its header tag set to the canonical value for the
// concrete type.
func withTag(m Message) (Message, error) {
	stamp := func(h *Header, t Type) {
		h.Kind = t
	}
	switch v := m.(type) {
	case *Start:
		stamp(&v.Header, TypeStart)
	case *Progress:
		stamp(&v.Header, TypeProgress)
	case *Completed:
		stamp(&v.Header, TypeCompleted)
	case *Error:
		stamp(&v.Header, TypeError)
	case *ScrapingStarted:
		stamp(&v.Header, TypeScrapingStarted)
	case *ScrapingPageComplete:
		stamp(&v.Header, TypeScrapingPageComplete)
	case *ScrapingResultFound:
		stamp(&v.Header, TypeScrapingResultFound)
	case *ScrapingRateLimited:
		stamp(&v.Header, TypeScrapingRateLimited)
	case *ScrapingCaptchaDetected:
		stamp(&v.Header, TypeScrapingCaptchaDetected)
	case *Pause:
		stamp(&v.Header, TypePause)
	case *Resume:
		stamp(&v.Header, TypeResume)
	case *TaskPaused:
		stamp(&v.Header, TypeTaskPaused)
	case *TaskResumed:
		stamp(&v.Header, TypeTaskResumed)
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unsupported message %T", m)}
	}
	return m, nil
}
