package server

import (
	"encoding/json"
	"time"

	"tickwatch/internal/domain"
)

type HealthResponse struct {
	Status  string `json:"status" example:"ok"`
	Monitor string `json:"monitor,omitempty"`
}

type CompletionResponse struct {
	TaskID               string    `json:"task_id"`
	ProjectID            string    `json:"project_id"`
	Title                string    `json:"title"`
	Content              string    `json:"content,omitempty"`
	Priority             int       `json:"priority"`
	DueDate              string    `json:"due_date,omitempty"`
	CompletedTime        time.Time `json:"completed_time" format:"date-time"`
	CompletedTimeSource  string    `json:"completed_time_source" enum:"completed,modified,detected"`
	CompletionDetectedAt time.Time `json:"completion_detected_at" format:"date-time"`
}

type CompletionList struct {
	Items []CompletionResponse `json:"items"`
}

type DeletionResponse struct {
	TaskID            string    `json:"task_id"`
	ProjectID         string    `json:"project_id"`
	Title             string    `json:"title"`
	Content           string    `json:"content,omitempty"`
	Priority          int       `json:"priority"`
	DueDate           string    `json:"due_date,omitempty"`
	DeletedDetectedAt time.Time `json:"deleted_detected_at" format:"date-time"`
}

type DeletionList struct {
	Items []DeletionResponse `json:"items"`
}

type PassList struct {
	Items []domain.PassSummary `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	PassID     string          `json:"pass_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

func mapCompletions(in []domain.CompletionRecord) []CompletionResponse {
	out := make([]CompletionResponse, 0, len(in))
	for _, c := range in {
		out = append(out, CompletionResponse{
			TaskID:               c.TaskID,
			ProjectID:            c.ProjectID,
			Title:                c.Title,
			Content:              c.Content,
			Priority:             c.Priority,
			DueDate:              c.DueDate,
			CompletedTime:        c.CompletedTime,
			CompletedTimeSource:  c.CompletedTimeSource,
			CompletionDetectedAt: c.CompletionDetectedAt,
		})
	}
	return out
}

func mapDeletions(in []domain.DeletionRecord) []DeletionResponse {
	out := make([]DeletionResponse, 0, len(in))
	for _, d := range in {
		out = append(out, DeletionResponse{
			TaskID:            d.TaskID,
			ProjectID:         d.ProjectID,
			Title:             d.Title,
			Content:           d.Content,
			Priority:          d.Priority,
			DueDate:           d.DueDate,
			DeletedDetectedAt: d.DeletedDetectedAt,
		})
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		PassID:     evt.PassID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Payload:    decodePayload(evt.Payload),
	}
}
