package scopez

import (
	"sync"
	"time"
)

// Status describes how a span ended.
type Status string

// Span statuses.
const (
	StatusOK               Status = "ok"
	StatusCancelled        Status = "cancelled"
	StatusInternalError    Status = "internal_error"
	StatusDeadlineExceeded Status = "deadline_exceeded"
	StatusUnknown          Status = "unknown"
)

// Span is the record of a single unit of work. A transaction is a Span with no
// ParentID and a Name.
//
// Spans handed to emitters are copies and must be treated as read-only.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Data        map[string]any    `json:"data,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time,omitempty"`
	Duration    time.Duration     `json:"duration"`
	TraceID     string            `json:"trace_id"`
	SpanID      string            `json:"span_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Op          string            `json:"op"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status,omitempty"`
}

// IsTransaction reports whether the span is the root of its tree.
func (s *Span) IsTransaction() bool {
	return s.ParentID == ""
}

// Finished reports whether EndTime has been recorded.
func (s *Span) Finished() bool {
	return !s.EndTime.IsZero()
}

func (s *Span) clone() Span {
	c := *s
	c.Tags = copyTags(s.Tags)
	if s.Data != nil {
		c.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	return c
}

// SpanAttrs describes a span about to be started.
type SpanAttrs struct {
	Data        map[string]any
	Tags        map[string]string
	Op          string
	Description string
}

// ActiveSpan is a handle on a span that has not been finished yet.
// Safe for concurrent use by multiple goroutines. A nil *ActiveSpan is a
// valid no-op span, which is what lookups return outside any scope.
type ActiveSpan struct {
	span     *Span
	registry *Registry
	tx       *Transaction // set when this span is a transaction root
	seq      uint64
	mu       sync.Mutex // Protects span from concurrent writes.
}

// SetTag adds a key-value pair to the span.
// No-op if span is already finished.
func (a *ActiveSpan) SetTag(key, value string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Finished() {
		return
	}
	if a.span.Tags == nil {
		a.span.Tags = make(map[string]string)
	}
	a.span.Tags[key] = value
}

// GetTag retrieves a tag value by key.
func (a *ActiveSpan) GetTag(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	value, ok := a.span.Tags[key]
	return value, ok
}

// SetData attaches an arbitrary value to the span.
// No-op if span is already finished.
func (a *ActiveSpan) SetData(key string, value any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Finished() {
		return
	}
	if a.span.Data == nil {
		a.span.Data = make(map[string]any)
	}
	a.span.Data[key] = value
}

// SetStatus records the status the span finishes with, unless the span is
// later force-finished because its execution unit failed or was cancelled.
func (a *ActiveSpan) SetStatus(status Status) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Finished() {
		return
	}
	a.span.Status = status
}

// StartChild starts a span whose parent is a. The child is not owned by any
// scope layer; the caller finishes it.
func (a *ActiveSpan) StartChild(attrs SpanAttrs) (*ActiveSpan, error) {
	if a == nil {
		return nil, ErrInvalidParent
	}
	return a.registry.StartChild(a, attrs)
}

// Finish completes the span. Repeated calls return ErrAlreadyFinished and
// leave the span untouched.
func (a *ActiveSpan) Finish() error {
	return a.FinishWithStatus(StatusOK)
}

// FinishWithStatus completes the span with the given status.
func (a *ActiveSpan) FinishWithStatus(status Status) error {
	if a == nil {
		return nil
	}
	if a.tx != nil {
		return a.tx.finish(status, nil)
	}
	return a.registry.Finish(a, status)
}

// IsFinished reports whether the span has been finished.
func (a *ActiveSpan) IsFinished() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Finished()
}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.TraceID
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.SpanID
}

// ParentID returns the parent span ID, empty for transactions.
func (a *ActiveSpan) ParentID() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.ParentID
}

// Op returns the span operation.
func (a *ActiveSpan) Op() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Op
}

// Description returns the span description.
func (a *ActiveSpan) Description() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.Description
}

// Span returns a copy of the current span record.
func (a *ActiveSpan) Span() Span {
	if a == nil {
		return Span{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.span.clone()
}

// markFinished records the end of the span and returns the finished copy.
// A cancellation or error status overrides one set by SetStatus; a plain ok
// does not.
func (a *ActiveSpan) markFinished(end time.Time, status Status) (Span, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.span.Finished() {
		return Span{}, false
	}
	if end.Before(a.span.StartTime) {
		end = a.span.StartTime
	}
	a.span.EndTime = end
	a.span.Duration = end.Sub(a.span.StartTime)
	if a.span.Status == "" || status != StatusOK {
		a.span.Status = status
	}
	return a.span.clone(), true
}
