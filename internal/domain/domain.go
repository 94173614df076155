package domain

import (
	"encoding/json"
	"time"
)

// Project is an upstream task list.
type Project struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
	Kind   string `json:"kind,omitempty"`
}

// CompletionRecord is a task observed to have transitioned to completed.
type CompletionRecord struct {
	TaskID               string          `json:"task_id"`
	ProjectID            string          `json:"project_id"`
	Title                string          `json:"title"`
	Content              string          `json:"content,omitempty"`
	Priority             int             `json:"priority"`
	StartDate            string          `json:"start_date,omitempty"`
	DueDate              string          `json:"due_date,omitempty"`
	CreatedTime          string          `json:"created_time,omitempty"`
	CompletedTime        time.Time       `json:"completed_time" format:"date-time"`
	CompletedTimeSource  string          `json:"completed_time_source" enum:"completed,modified,detected"`
	CompletionDetectedAt time.Time       `json:"completion_detected_at" format:"date-time"`
	Raw                  json.RawMessage `json:"raw,omitempty"`
}

// DeletionRecord is a task observed to have been removed upstream.
type DeletionRecord struct {
	TaskID            string          `json:"task_id"`
	ProjectID         string          `json:"project_id"`
	Title             string          `json:"title"`
	Content           string          `json:"content,omitempty"`
	Priority          int             `json:"priority"`
	StartDate         string          `json:"start_date,omitempty"`
	DueDate           string          `json:"due_date,omitempty"`
	CreatedTime       string          `json:"created_time,omitempty"`
	DeletedDetectedAt time.Time       `json:"deleted_detected_at" format:"date-time"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

type PassStatus string

const (
	PassSucceeded   PassStatus = "succeeded"
	PassFailed      PassStatus = "failed"
	PassInterrupted PassStatus = "interrupted"
)

// PassSummary describes the result of one reconciliation pass.
type PassSummary struct {
	ID               string     `json:"id"`
	PassedAt         time.Time  `json:"passed_at" format:"date-time"`
	Status           PassStatus `json:"status" enum:"succeeded,failed,interrupted"`
	PreviousCount    int        `json:"previous_count"`
	CurrentCount     int        `json:"current_count"`
	DisappearedCount int        `json:"disappeared_count"`
	CompletedCount   int        `json:"completed_count"`
	DeletedCount     int        `json:"deleted_count"`
	UnresolvedCount  int        `json:"unresolved_count"`
	SkippedCount     int        `json:"skipped_count"`
	SkippedProjects  int        `json:"skipped_projects"`
	ElapsedMS        int64      `json:"elapsed_ms"`
	Error            string     `json:"error,omitempty"`
}

// Statistics aggregates the snapshot and outcome history.
type Statistics struct {
	OpenCount         int `json:"open_count"`
	CompletedCount    int `json:"completed_count"`
	DeletedCount      int `json:"deleted_count"`
	CompletedToday    int `json:"completed_today"`
	CompletedThisWeek int `json:"completed_this_week"`
}

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeDeleted   OutcomeKind = "deleted"
)

// Outcome is a committed classification, handed to notifiers.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	PassID     string      `json:"pass_id"`
	TaskID     string      `json:"task_id"`
	ProjectID  string      `json:"project_id"`
	Title      string      `json:"title"`
	OccurredAt time.Time   `json:"occurred_at"`
	DetectedAt time.Time   `json:"detected_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PassID     string `json:"pass_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
