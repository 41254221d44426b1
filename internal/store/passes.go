package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PassLog is one row of the sync pass history.
type PassLog struct {
	PassID       string
	Trigger      string
	StartedAt    time.Time
	FinishedAt   time.Time
	SuccessCount int
	FailCount    int
	StoreErrors  int
	// SkippedReason is set when the pass made no delivery attempt,
	// e.g. "offline".
	SkippedReason string
}

// Duration returns how long the pass ran.
func (p PassLog) Duration() time.Duration {
	return p.FinishedAt.Sub(p.StartedAt)
}

// RecordPass appends a pass to the history.
func (db *DB) RecordPass(ctx context.Context, p PassLog) error {
	if p.PassID == "" {
		return fmt.Errorf("pass id cannot be empty")
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_passes (
			pass_id, trigger, started_at, finished_at,
			success_count, fail_count, store_errors, skipped_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.PassID,
		p.Trigger,
		formatTime(p.StartedAt),
		formatTime(p.FinishedAt),
		p.SuccessCount,
		p.FailCount,
		p.StoreErrors,
		toNullString(p.SkippedReason),
	)
	if err != nil {
		return storageErr("record sync pass", err)
	}
	return nil
}

// RecentPasses returns up to limit passes, newest first.
func (db *DB) RecentPasses(ctx context.Context, limit int) ([]PassLog, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT pass_id, trigger, started_at, finished_at,
		       success_count, fail_count, store_errors, skipped_reason
		FROM sync_passes
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storageErr("list sync passes", err)
	}
	defer rows.Close()

	var passes []PassLog
	for rows.Next() {
		var p PassLog
		var startedAt, finishedAt string
		var skipped sql.NullString
		if err := rows.Scan(
			&p.PassID,
			&p.Trigger,
			&startedAt,
			&finishedAt,
			&p.SuccessCount,
			&p.FailCount,
			&p.StoreErrors,
			&skipped,
		); err != nil {
			return nil, storageErr("scan sync pass", err)
		}
		p.StartedAt, _ = parseTime(startedAt)
		p.FinishedAt, _ = parseTime(finishedAt)
		p.SkippedReason = skipped.String
		passes = append(passes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sync passes", err)
	}

	return passes, nil
}
