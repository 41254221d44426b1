package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conectividade/fieldsync/internal/store"
	"github.com/conectividade/fieldsync/internal/survey"
)

// Trigger names recorded with each pass.
const (
	TriggerStartup  = "startup"
	TriggerOnline   = "online"
	TriggerInsert   = "insert"
	TriggerInterval = "interval"
	TriggerManual   = "manual"
)

// Result.Skipped reasons.
const (
	// SkipOffline: the device is offline.
	SkipOffline = "offline"
	// SkipBusy: the context ended while another process held the sync lock.
	SkipBusy = "busy"
)

// Syncer delivers pending survey records to the remote system.
//
// A pass reads a snapshot of every pending record and submits each one in
// order, at most once. Delivery failures are isolated per record: the record
// is marked failed and the pass moves on. Failed records are never retried
// by a pass; they return to pending only through store.Requeue.
//
// At most one pass runs at a time. A Pass call made while another pass is
// active does not start a second one; it waits for the active pass and
// receives its result with Shared set. When the store is a Locker, a pass
// in another process is waited for instead, and this pass then runs over
// whatever is still pending.
type Syncer interface {
	// Pass runs one sync pass and returns its aggregate counts.
	//
	// The trigger names why the pass was requested (TriggerStartup,
	// TriggerOnline, ...) and is recorded in the pass log.
	//
	// Returns an error only for pass-level faults, e.g. the pending
	// records cannot be read from the store. Per-record delivery and
	// store-update failures are reflected in the counts instead.
	//
	// Example:
	//   res, err := s.Pass(ctx, syncer.TriggerManual)
	//   fmt.Println(res.Notice())
	Pass(ctx context.Context, trigger string) (Result, error)
}

// Store is the part of the record store a pass needs.
type Store interface {
	ListByStatus(ctx context.Context, status survey.Status) ([]*survey.Record, error)
	UpdateStatus(ctx context.Context, localID int64, upd store.StatusUpdate) error
	RecordPass(ctx context.Context, p store.PassLog) error
}

// Locker is implemented by stores that several processes may sync at once.
// store.DB implements it with a file lock next to the database.
type Locker interface {
	LockSync(ctx context.Context) (*store.SyncLock, error)
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// Result is the outcome of one pass.
type Result struct {
	PassID  string
	Trigger string

	// SuccessCount is the number of records the remote system acknowledged.
	SuccessCount int
	// FailCount is the number of records the remote system declined or
	// could not be reached for.
	FailCount int
	// StoreErrors counts records whose outcome could not be written back.
	// These records stay pending and are retried by a later pass.
	StoreErrors int

	// Skipped is non-empty when the pass made no delivery attempt.
	Skipped string
	// Shared is true when this caller joined a pass started by another.
	Shared bool

	StartedAt time.Time
	Duration  time.Duration
}

// Attempted returns how many records were submitted.
func (r Result) Attempted() int {
	return r.SuccessCount + r.FailCount
}

// Notice returns the sentence shown to the user after a pass, or "" when
// there is nothing to report.
func (r Result) Notice() string {
	var parts []string
	if r.SuccessCount > 0 {
		parts = append(parts, fmt.Sprintf("%d pending %s sent.", r.SuccessCount, plural(r.SuccessCount, "survey was", "surveys were")))
	}
	if r.FailCount > 0 {
		parts = append(parts, fmt.Sprintf("%d %s not be sent.", r.FailCount, plural(r.FailCount, "survey could", "surveys could")))
	}
	return strings.Join(parts, " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
