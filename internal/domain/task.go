package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus carries the upstream wire values.
type TaskStatus int

const (
	StatusOpen      TaskStatus = 0
	StatusCompleted TaskStatus = 2
)

func (s TaskStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Task is an upstream task. Raw keeps the full upstream payload.
type Task struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"projectId"`
	Title         string          `json:"title"`
	Content       string          `json:"content,omitempty"`
	Priority      int             `json:"priority"`
	StartDate     string          `json:"startDate,omitempty"`
	DueDate       string          `json:"dueDate,omitempty"`
	CreatedTime   string          `json:"createdTime,omitempty"`
	ModifiedTime  string          `json:"modifiedTime,omitempty"`
	CompletedTime string          `json:"completedTime,omitempty"`
	Status        TaskStatus      `json:"status"`
	Raw           json.RawMessage `json:"-"`
}

// DecodeTask parses an upstream task payload and retains it verbatim.
func DecodeTask(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	t.Raw = append(json.RawMessage(nil), raw...)
	return t, nil
}

// Payload returns the raw upstream payload, or a re-encoding of t when none was kept.
func (t Task) Payload() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	return json.Marshal(t)
}

// IsCompleted reports whether the upstream status marks the task done.
func (t Task) IsCompleted() bool {
	return t.Status == StatusCompleted
}

const (
	SourceCompleted = "completed"
	SourceModified  = "modified"
	SourceDetected  = "detected"
)

// CompletionTime picks the best available domain completion timestamp:
// upstream completion time, then last-modified time, then now.
func CompletionTime(t Task, now time.Time) (time.Time, string) {
	if ts, ok := ParseTime(t.CompletedTime); ok {
		return ts, SourceCompleted
	}
	if ts, ok := ParseTime(t.ModifiedTime); ok {
		return ts, SourceModified
	}
	return now, SourceDetected
}

var upstreamLayouts = []string{
	"2006-01-02T15:04:05Z0700",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts the upstream timestamp formats ("2024-01-15T10:00:00.000+0000" and RFC 3339).
// Zone-less values are read as UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range upstreamLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// StoredTimeLayout is fixed-width UTC so that text comparison is chronological.
const StoredTimeLayout = "2006-01-02T15:04:05.000Z"

func FormatStoredTime(t time.Time) string {
	return t.UTC().Format(StoredTimeLayout)
}

func ParseStoredTime(s string) (time.Time, error) {
	return time.Parse(StoredTimeLayout, s)
}
