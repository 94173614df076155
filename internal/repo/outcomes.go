package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tickwatch/internal/domain"
	"tickwatch/internal/events"
)

// Outcome rows are upserted by task id. Repeating a write with an identical
// payload keeps the stored timestamps; a new payload (a recreated task) replaces them.
const upsertCompletionSQL = `INSERT INTO completed_tasks
(task_id,project_id,title,content,priority,start_date,due_date,created_time,completed_time,completed_time_source,completion_detected_at,raw_data)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
  completed_time=CASE WHEN completed_tasks.raw_data=excluded.raw_data THEN completed_tasks.completed_time ELSE excluded.completed_time END,
  completed_time_source=CASE WHEN completed_tasks.raw_data=excluded.raw_data THEN completed_tasks.completed_time_source ELSE excluded.completed_time_source END,
  completion_detected_at=CASE WHEN completed_tasks.raw_data=excluded.raw_data THEN completed_tasks.completion_detected_at ELSE excluded.completion_detected_at END,
  project_id=excluded.project_id,
  title=excluded.title,
  content=excluded.content,
  priority=excluded.priority,
  start_date=excluded.start_date,
  due_date=excluded.due_date,
  created_time=excluded.created_time,
  raw_data=excluded.raw_data`

const upsertDeletionSQL = `INSERT INTO deleted_tasks
(task_id,project_id,title,content,priority,start_date,due_date,created_time,deleted_detected_at,raw_data)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET
  deleted_detected_at=CASE WHEN deleted_tasks.raw_data=excluded.raw_data THEN deleted_tasks.deleted_detected_at ELSE excluded.deleted_detected_at END,
  project_id=excluded.project_id,
  title=excluded.title,
  content=excluded.content,
  priority=excluded.priority,
  start_date=excluded.start_date,
  due_date=excluded.due_date,
  created_time=excluded.created_time,
  raw_data=excluded.raw_data`

func (r Repo) RecordCompletion(ctx context.Context, taskID string, task domain.Task) error {
	_, err := r.recordCompletion(ctx, r.DB, taskID, task)
	return err
}

func (r Repo) RecordCompletionTx(ctx context.Context, tx *sql.Tx, taskID string, task domain.Task) error {
	_, err := r.recordCompletion(ctx, tx, taskID, task)
	return err
}

func (r Repo) recordCompletion(ctx context.Context, ex execer, taskID string, task domain.Task) (domain.CompletionRecord, error) {
	now := r.now()
	completedAt, source := domain.CompletionTime(task, now)
	payload, err := task.Payload()
	if err != nil {
		return domain.CompletionRecord{}, fmt.Errorf("encode task %s: %w", taskID, err)
	}
	rec := domain.CompletionRecord{
		TaskID:               taskID,
		ProjectID:            task.ProjectID,
		Title:                task.Title,
		Content:              task.Content,
		Priority:             task.Priority,
		StartDate:            task.StartDate,
		DueDate:              task.DueDate,
		CreatedTime:          task.CreatedTime,
		CompletedTime:        completedAt.UTC(),
		CompletedTimeSource:  source,
		CompletionDetectedAt: now.UTC(),
		Raw:                  payload,
	}
	_, err = ex.ExecContext(ctx, upsertCompletionSQL,
		rec.TaskID, rec.ProjectID, rec.Title, nullable(rec.Content), rec.Priority,
		nullable(rec.StartDate), nullable(rec.DueDate), nullable(rec.CreatedTime),
		domain.FormatStoredTime(rec.CompletedTime), rec.CompletedTimeSource,
		domain.FormatStoredTime(rec.CompletionDetectedAt), string(payload))
	if err != nil {
		return rec, fmt.Errorf("record completion %s: %w", taskID, err)
	}
	return rec, nil
}

func (r Repo) RecordDeletion(ctx context.Context, taskID string, task domain.Task) error {
	_, err := r.recordDeletion(ctx, r.DB, taskID, task)
	return err
}

func (r Repo) RecordDeletionTx(ctx context.Context, tx *sql.Tx, taskID string, task domain.Task) error {
	_, err := r.recordDeletion(ctx, tx, taskID, task)
	return err
}

func (r Repo) recordDeletion(ctx context.Context, ex execer, taskID string, task domain.Task) (domain.DeletionRecord, error) {
	now := r.now()
	payload, err := task.Payload()
	if err != nil {
		return domain.DeletionRecord{}, fmt.Errorf("encode task %s: %w", taskID, err)
	}
	rec := domain.DeletionRecord{
		TaskID:            taskID,
		ProjectID:         task.ProjectID,
		Title:             task.Title,
		Content:           task.Content,
		Priority:          task.Priority,
		StartDate:         task.StartDate,
		DueDate:           task.DueDate,
		CreatedTime:       task.CreatedTime,
		DeletedDetectedAt: now.UTC(),
		Raw:               payload,
	}
	_, err = ex.ExecContext(ctx, upsertDeletionSQL,
		rec.TaskID, rec.ProjectID, rec.Title, nullable(rec.Content), rec.Priority,
		nullable(rec.StartDate), nullable(rec.DueDate), nullable(rec.CreatedTime),
		domain.FormatStoredTime(rec.DeletedDetectedAt), string(payload))
	if err != nil {
		return rec, fmt.Errorf("record deletion %s: %w", taskID, err)
	}
	return rec, nil
}

// MarkCompleted records the completion, drops the snapshot row and journals
// the transition in one transaction.
func (r Repo) MarkCompleted(ctx context.Context, taskID string, fetched domain.Task, passID string) (domain.Outcome, error) {
	var out domain.Outcome
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := r.recordCompletion(ctx, tx, taskID, fetched)
		if err != nil {
			return err
		}
		if err := r.RemoveSnapshotTx(ctx, tx, taskID); err != nil {
			return fmt.Errorf("remove snapshot %s: %w", taskID, err)
		}
		if err := r.events().Append(ctx, tx, events.Entry{
			Type:       events.TaskCompleted,
			PassID:     passID,
			EntityKind: events.EntityTask,
			EntityID:   taskID,
			Payload: events.Payload{
				"project_id":            rec.ProjectID,
				"title":                 rec.Title,
				"completed_time":        domain.FormatStoredTime(rec.CompletedTime),
				"completed_time_source": rec.CompletedTimeSource,
			},
		}); err != nil {
			return err
		}
		out = domain.Outcome{
			Kind:       domain.OutcomeCompleted,
			PassID:     passID,
			TaskID:     taskID,
			ProjectID:  rec.ProjectID,
			Title:      rec.Title,
			OccurredAt: rec.CompletedTime,
			DetectedAt: rec.CompletionDetectedAt,
		}
		return nil
	})
	return out, err
}

// MarkDeleted is the deletion counterpart of MarkCompleted.
func (r Repo) MarkDeleted(ctx context.Context, taskID string, cached domain.Task, passID string) (domain.Outcome, error) {
	var out domain.Outcome
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		rec, err := r.recordDeletion(ctx, tx, taskID, cached)
		if err != nil {
			return err
		}
		if err := r.RemoveSnapshotTx(ctx, tx, taskID); err != nil {
			return fmt.Errorf("remove snapshot %s: %w", taskID, err)
		}
		if err := r.events().Append(ctx, tx, events.Entry{
			Type:       events.TaskDeleted,
			PassID:     passID,
			EntityKind: events.EntityTask,
			EntityID:   taskID,
			Payload: events.Payload{
				"project_id": rec.ProjectID,
				"title":      rec.Title,
			},
		}); err != nil {
			return err
		}
		out = domain.Outcome{
			Kind:       domain.OutcomeDeleted,
			PassID:     passID,
			TaskID:     taskID,
			ProjectID:  rec.ProjectID,
			Title:      rec.Title,
			OccurredAt: rec.DeletedDetectedAt,
			DetectedAt: rec.DeletedDetectedAt,
		}
		return nil
	})
	return out, err
}

// CompletionFilter bounds are inclusive; zero values impose no constraint.
type CompletionFilter struct {
	Start     *time.Time
	End       *time.Time
	ProjectID string
	Limit     int
}

type DeletionFilter struct {
	Start     *time.Time
	End       *time.Time
	ProjectID string
	Limit     int
}

func rangeClauses(column string, start, end *time.Time, projectID string) ([]string, []any) {
	var clauses []string
	var args []any
	if start != nil {
		clauses = append(clauses, column+">=?")
		args = append(args, domain.FormatStoredTime(*start))
	}
	if end != nil {
		clauses = append(clauses, column+"<=?")
		args = append(args, domain.FormatStoredTime(*end))
	}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	return clauses, args
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}

func (r Repo) ListCompletions(ctx context.Context, f CompletionFilter) ([]domain.CompletionRecord, error) {
	clauses, args := rangeClauses("completed_time", f.Start, f.End, f.ProjectID)
	query := `SELECT task_id,project_id,title,content,priority,start_date,due_date,created_time,completed_time,completed_time_source,completion_detected_at,raw_data FROM completed_tasks ` +
		whereClause(clauses) + ` ORDER BY completed_time DESC, task_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionRecord
	for rows.Next() {
		var rec domain.CompletionRecord
		var content, startDate, dueDate, createdTime sql.NullString
		var completedAt, detectedAt, raw string
		if err := rows.Scan(&rec.TaskID, &rec.ProjectID, &rec.Title, &content, &rec.Priority, &startDate, &dueDate, &createdTime,
			&completedAt, &rec.CompletedTimeSource, &detectedAt, &raw); err != nil {
			return nil, err
		}
		rec.Content = stringValue(content)
		rec.StartDate = stringValue(startDate)
		rec.DueDate = stringValue(dueDate)
		rec.CreatedTime = stringValue(createdTime)
		if rec.CompletedTime, err = domain.ParseStoredTime(completedAt); err != nil {
			return nil, fmt.Errorf("completion %s: %w", rec.TaskID, err)
		}
		if rec.CompletionDetectedAt, err = domain.ParseStoredTime(detectedAt); err != nil {
			return nil, fmt.Errorf("completion %s: %w", rec.TaskID, err)
		}
		rec.Raw = []byte(raw)
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) ListDeletions(ctx context.Context, f DeletionFilter) ([]domain.DeletionRecord, error) {
	clauses, args := rangeClauses("deleted_detected_at", f.Start, f.End, f.ProjectID)
	query := `SELECT task_id,project_id,title,content,priority,start_date,due_date,created_time,deleted_detected_at,raw_data FROM deleted_tasks ` +
		whereClause(clauses) + ` ORDER BY deleted_detected_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeletionRecord
	for rows.Next() {
		var rec domain.DeletionRecord
		var content, startDate, dueDate, createdTime sql.NullString
		var detectedAt, raw string
		if err := rows.Scan(&rec.TaskID, &rec.ProjectID, &rec.Title, &content, &rec.Priority, &startDate, &dueDate, &createdTime,
			&detectedAt, &raw); err != nil {
			return nil, err
		}
		rec.Content = stringValue(content)
		rec.StartDate = stringValue(startDate)
		rec.DueDate = stringValue(dueDate)
		rec.CreatedTime = stringValue(createdTime)
		if rec.DeletedDetectedAt, err = domain.ParseStoredTime(detectedAt); err != nil {
			return nil, fmt.Errorf("deletion %s: %w", rec.TaskID, err)
		}
		rec.Raw = []byte(raw)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// StatsBounds are the inclusive calendar windows used for the rollups.
type StatsBounds struct {
	DayStart  time.Time
	DayEnd    time.Time
	WeekStart time.Time
}

// OutcomeStatistics counts the snapshot and the outcome history in a single
// statement, so a classification committing concurrently is seen either
// entirely or not at all. The today and week rollups use the domain
// completion time, never the detection time.
func (r Repo) OutcomeStatistics(ctx context.Context, b StatsBounds) (domain.Statistics, error) {
	var s domain.Statistics
	err := r.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM current_tasks),
  (SELECT COUNT(*) FROM completed_tasks),
  (SELECT COUNT(*) FROM deleted_tasks),
  (SELECT COUNT(*) FROM completed_tasks WHERE completed_time>=? AND completed_time<=?),
  (SELECT COUNT(*) FROM completed_tasks WHERE completed_time>=?)`,
		domain.FormatStoredTime(b.DayStart), domain.FormatStoredTime(b.DayEnd), domain.FormatStoredTime(b.WeekStart)).
		Scan(&s.OpenCount, &s.CompletedCount, &s.DeletedCount, &s.CompletedToday, &s.CompletedThisWeek)
	if err != nil {
		return s, fmt.Errorf("outcome statistics: %w", err)
	}
	return s, nil
}
