package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tickwatch/internal/domain"
	"tickwatch/internal/events"
)

// InsertPass stores a pass summary together with its journal event.
func (r Repo) InsertPass(ctx context.Context, p domain.PassSummary) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.InsertPassTx(ctx, tx, p)
	})
}

func (r Repo) InsertPassTx(ctx context.Context, tx *sql.Tx, p domain.PassSummary) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO passes
(id,passed_at,status,previous_count,current_count,disappeared_count,completed_count,deleted_count,unresolved_count,skipped_count,skipped_projects,elapsed_ms,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, domain.FormatStoredTime(p.PassedAt), string(p.Status), p.PreviousCount, p.CurrentCount, p.DisappearedCount,
		p.CompletedCount, p.DeletedCount, p.UnresolvedCount, p.SkippedCount, p.SkippedProjects, p.ElapsedMS, nullable(p.Error))
	if err != nil {
		return fmt.Errorf("insert pass %s: %w", p.ID, err)
	}
	evtType := events.PassCompleted
	if p.Status != domain.PassSucceeded {
		evtType = events.PassFailed
	}
	payload := events.Payload{
		"status":            string(p.Status),
		"previous_count":    p.PreviousCount,
		"current_count":     p.CurrentCount,
		"disappeared_count": p.DisappearedCount,
		"completed_count":   p.CompletedCount,
		"deleted_count":     p.DeletedCount,
		"unresolved_count":  p.UnresolvedCount,
		"elapsed_ms":        p.ElapsedMS,
	}
	if p.Error != "" {
		payload["error"] = p.Error
	}
	return r.events().Append(ctx, tx, events.Entry{
		Type:       evtType,
		PassID:     p.ID,
		EntityKind: events.EntityPass,
		EntityID:   p.ID,
		Payload:    payload,
	})
}

// ListPasses returns the most recent passes first.
func (r Repo) ListPasses(ctx context.Context, limit int) ([]domain.PassSummary, error) {
	query := `SELECT id,passed_at,status,previous_count,current_count,disappeared_count,completed_count,deleted_count,unresolved_count,skipped_count,skipped_projects,elapsed_ms,error
FROM passes ORDER BY passed_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PassSummary
	for rows.Next() {
		var p domain.PassSummary
		var passedAt, status string
		var errMsg sql.NullString
		if err := rows.Scan(&p.ID, &passedAt, &status, &p.PreviousCount, &p.CurrentCount, &p.DisappearedCount,
			&p.CompletedCount, &p.DeletedCount, &p.UnresolvedCount, &p.SkippedCount, &p.SkippedProjects, &p.ElapsedMS, &errMsg); err != nil {
			return nil, err
		}
		if p.PassedAt, err = domain.ParseStoredTime(passedAt); err != nil {
			return nil, fmt.Errorf("pass %s: %w", p.ID, err)
		}
		p.Status = domain.PassStatus(status)
		p.Error = stringValue(errMsg)
		res = append(res, p)
	}
	return res, rows.Err()
}

// LatestEvents returns journal entries newest first, optionally narrowed by
// type or pass.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, passID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if passID != "" {
		clauses = append(clauses, "pass_id=?")
		args = append(args, passID)
	}
	query := `SELECT id,ts,type,pass_id,entity_kind,entity_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var pass, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &pass, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.PassID = stringValue(pass)
		e.EntityID = stringValue(entityID)
		res = append(res, e)
	}
	return res, rows.Err()
}
