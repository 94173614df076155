package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tickwatch/internal/domain"
)

// ReplaceSnapshot sets the snapshot to exactly tasks in a single transaction.
func (r Repo) ReplaceSnapshot(ctx context.Context, tasks []domain.Task, seenAt time.Time) error {
	lastSeen := domain.FormatStoredTime(seenAt)
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM current_tasks`); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO current_tasks
(task_id,project_id,title,content,priority,start_date,due_date,created_time,modified_time,last_seen,raw_data)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range tasks {
			payload, err := t.Payload()
			if err != nil {
				return fmt.Errorf("encode task %s: %w", t.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.ProjectID, t.Title, nullable(t.Content), t.Priority,
				nullable(t.StartDate), nullable(t.DueDate), nullable(t.CreatedTime), nullable(t.ModifiedTime),
				lastSeen, string(payload)); err != nil {
				return fmt.Errorf("insert snapshot %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (r Repo) CurrentIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM current_tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (r Repo) CountSnapshot(ctx context.Context) (int, error) {
	return count(ctx, r.DB, `SELECT COUNT(*) FROM current_tasks`)
}

// GetSnapshot returns the last-known copy of an open task, rebuilt from its
// stored upstream payload.
func (r Repo) GetSnapshot(ctx context.Context, taskID string) (domain.Task, error) {
	var t domain.Task
	var content, startDate, dueDate, createdTime, modifiedTime sql.NullString
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,project_id,title,content,priority,start_date,due_date,created_time,modified_time,raw_data
FROM current_tasks WHERE task_id=?`, taskID).
		Scan(&t.ID, &t.ProjectID, &t.Title, &content, &t.Priority, &startDate, &dueDate, &createdTime, &modifiedTime, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if raw != "" {
		if decoded, err := domain.DecodeTask([]byte(raw)); err == nil {
			if decoded.ID == "" {
				decoded.ID = t.ID
			}
			if decoded.ProjectID == "" {
				decoded.ProjectID = t.ProjectID
			}
			return decoded, nil
		}
	}
	t.Content = stringValue(content)
	t.StartDate = stringValue(startDate)
	t.DueDate = stringValue(dueDate)
	t.CreatedTime = stringValue(createdTime)
	t.ModifiedTime = stringValue(modifiedTime)
	return t, nil
}

func (r Repo) RemoveSnapshot(ctx context.Context, taskID string) error {
	return removeSnapshot(ctx, r.DB, taskID)
}

func (r Repo) RemoveSnapshotTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	return removeSnapshot(ctx, tx, taskID)
}

func removeSnapshot(ctx context.Context, ex execer, taskID string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM current_tasks WHERE task_id=?`, taskID)
	return err
}
