package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conectividade/fieldsync/internal/survey"
)

const recordColumns = `local_id, remote_id, payload, sync_status, created_at,
	attempts, last_attempt_at, last_error`

// Insert stores a new survey with status pending and returns its local id.
//
// The local id is assigned by SQLite (AUTOINCREMENT), so ids are strictly
// increasing and never reused, even after a crash. Any failure here is a
// StorageError: the survey was NOT saved and the caller must tell the user.
func (db *DB) Insert(ctx context.Context, payload *survey.Payload) (int64, error) {
	if payload == nil {
		return 0, fmt.Errorf("payload cannot be nil")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO survey_records (payload, sync_status, created_at)
		VALUES (?, ?, ?)
	`, string(payloadJSON), survey.StatusPending, formatTime(time.Now()))
	if err != nil {
		return 0, storageErr("insert survey", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, storageErr("read inserted local id", err)
	}
	return id, nil
}

// Get retrieves a single record by local id.
// Returns ErrNotFound if the id does not exist.
func (db *DB) Get(ctx context.Context, localID int64) (*survey.Record, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM survey_records WHERE local_id = ?`, localID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("local id %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get survey", err)
	}
	return rec, nil
}

// ListByStatus returns every record with the given status in insertion order.
//
// The result is fully materialized before returning so callers may update
// records while iterating without invalidating a live cursor.
func (db *DB) ListByStatus(ctx context.Context, status survey.Status) ([]*survey.Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM survey_records
		WHERE sync_status = ?
		ORDER BY local_id ASC
	`, status)
	if err != nil {
		return nil, storageErr("list surveys by status", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, storageErr("list surveys by status", err)
	}
	return records, nil
}

// StatusUpdate describes the outcome of one delivery attempt.
type StatusUpdate struct {
	// Status must be StatusSynced or StatusFailed.
	Status survey.Status
	// RemoteID is recorded only on the transition to synced. Empty means the
	// remote system returned no identifier.
	RemoteID string
	// Reason is the delivery failure cause, kept for diagnostics.
	Reason string
}

// UpdateStatus records a delivery outcome for a pending record.
//
// The change is a single UPDATE statement, so concurrent readers see either
// the old or the new state of the record, never a mix. Only pending records
// may transition: an absent id returns ErrNotFound and a record that is
// already synced or failed returns ErrInvalidTransition.
func (db *DB) UpdateStatus(ctx context.Context, localID int64, upd StatusUpdate) error {
	if upd.Status != survey.StatusSynced && upd.Status != survey.StatusFailed {
		return fmt.Errorf("cannot update local id %d to %q: %w", localID, upd.Status, ErrInvalidTransition)
	}

	remoteID := sql.NullString{}
	lastError := sql.NullString{}
	if upd.Status == survey.StatusSynced {
		remoteID = toNullString(upd.RemoteID)
	} else {
		lastError = toNullString(upd.Reason)
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE survey_records
		SET sync_status = ?,
		    remote_id = ?,
		    attempts = attempts + 1,
		    last_attempt_at = ?,
		    last_error = ?
		WHERE local_id = ? AND sync_status = ?
	`, upd.Status, remoteID, formatTime(time.Now()), lastError, localID, survey.StatusPending)
	if err != nil {
		return storageErr(fmt.Sprintf("update status of local id %d", localID), err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr(fmt.Sprintf("update status of local id %d", localID), err)
	}
	if affected == 1 {
		return nil
	}

	// Nothing changed: tell a missing record apart from a bad transition.
	var current survey.Status
	err = db.conn.QueryRowContext(ctx,
		`SELECT sync_status FROM survey_records WHERE local_id = ?`, localID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("local id %d: %w", localID, ErrNotFound)
	}
	if err != nil {
		return storageErr(fmt.Sprintf("read status of local id %d", localID), err)
	}
	return fmt.Errorf("local id %d is %s, not pending: %w", localID, current, ErrInvalidTransition)
}

// CountByStatus returns the number of records in each status.
// Every status is present in the map, with zero when there are none.
func (db *DB) CountByStatus(ctx context.Context) (map[survey.Status]int, error) {
	counts := make(map[survey.Status]int, len(survey.Statuses))
	for _, s := range survey.Statuses {
		counts[s] = 0
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM survey_records GROUP BY sync_status`)
	if err != nil {
		return nil, storageErr("count surveys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status survey.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count surveys", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count surveys", err)
	}

	return counts, nil
}

// RequeueFilter selects failed records to return to pending.
type RequeueFilter struct {
	// LocalIDs restricts the requeue to these records (empty = no id filter).
	LocalIDs []int64
	// FailedBefore restricts the requeue to records whose last attempt was
	// before this time (zero = no time filter).
	FailedBefore time.Time
	// All must be set to requeue every failed record when no other filter
	// is given. It guards against an accidental unfiltered requeue.
	All bool
}

// Requeue moves failed records back to pending so the next pass retries them.
//
// This is the only way a record leaves the failed state: the sync pass never
// retries failed records on its own. Attempt counters and the last error are
// kept. Returns the number of records requeued.
func (db *DB) Requeue(ctx context.Context, filter RequeueFilter) (int64, error) {
	if len(filter.LocalIDs) == 0 && filter.FailedBefore.IsZero() && !filter.All {
		return 0, fmt.Errorf("requeue needs local ids, a cutoff time, or All")
	}

	conditions := []string{"sync_status = ?"}
	args := []interface{}{survey.StatusPending, survey.StatusFailed}

	if len(filter.LocalIDs) > 0 {
		placeholders := make([]string, len(filter.LocalIDs))
		for i, id := range filter.LocalIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		conditions = append(conditions, "local_id IN ("+strings.Join(placeholders, ", ")+")")
	}

	if !filter.FailedBefore.IsZero() {
		conditions = append(conditions, "(last_attempt_at IS NULL OR last_attempt_at < ?)")
		args = append(args, formatTime(filter.FailedBefore))
	}

	query := `UPDATE survey_records SET sync_status = ? WHERE ` + strings.Join(conditions, " AND ")

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr("requeue failed surveys", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("requeue failed surveys", err)
	}
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one record from a query result.
func scanRecord(row rowScanner) (*survey.Record, error) {
	var rec survey.Record
	var remoteID, lastAttemptAt, lastError sql.NullString
	var payloadJSON, createdAt string

	err := row.Scan(
		&rec.LocalID,
		&remoteID,
		&payloadJSON,
		&rec.Status,
		&createdAt,
		&rec.Attempts,
		&lastAttemptAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	// A corrupt payload must not hide the other records from a pass.
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		rec.Payload = survey.Payload{}
		rec.PayloadError = err.Error()
	}

	if t, err := parseTime(createdAt); err == nil {
		rec.CreatedAt = t
	}
	rec.RemoteID = remoteID.String
	rec.LastError = lastError.String
	rec.LastAttemptAt = nullStringToTime(lastAttemptAt)

	return &rec, nil
}

// scanRecords is a helper function to scan multiple records from query results.
func scanRecords(rows *sql.Rows) ([]*survey.Record, error) {
	var records []*survey.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan survey: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating surveys: %w", err)
	}

	return records, nil
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// toNullString maps an empty string to SQL NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
