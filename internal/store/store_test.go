package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conectividade/fieldsync/internal/survey"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "surveys.db")
}

// newTestDB opens and initializes a database that is closed with the test.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testPayload(name string) *survey.Payload {
	return &survey.Payload{
		CitizenName: name,
		Address:     "Rua das Flores, 10",
		Locality:    "Centro",
		HasSignal:   true,
		Carriers:    []string{"Vivo"},
	}
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	var mode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want 'wal'", mode)
	}
}

func TestInitSchema_Success(t *testing.T) {
	db := newTestDB(t)

	tables := []string{"survey_records", "sync_passes"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	var version int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("Failed to read user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := newTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestInitSchema_MigratesV1(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.migrateToV1(ctx); err != nil {
		t.Fatalf("migrateToV1() failed: %v", err)
	}
	if _, err := db.conn.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("Failed to set user_version: %v", err)
	}
	if _, err := db.conn.Exec(`INSERT INTO survey_records (payload, created_at) VALUES ('{}', '2024-01-01T00:00:00.000000000Z')`); err != nil {
		t.Fatalf("Failed to insert v1 row: %v", err)
	}

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	rec, err := db.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Attempts != 0 || rec.LastAttemptAt != nil {
		t.Errorf("migrated record has attempts=%d last_attempt_at=%v, want 0 and nil", rec.Attempts, rec.LastAttemptAt)
	}
	if rec.Status != survey.StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
}

func TestInsert_AssignsIncreasingIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 20; i++ {
		id, err := db.Insert(ctx, testPayload("Ana"))
		if err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		if id <= last {
			t.Fatalf("Insert() id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestInsert_SetsPendingAndCreatedAt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	id, err := db.Insert(ctx, testPayload("Bia"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	rec, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != survey.StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
	if rec.RemoteID != "" {
		t.Errorf("RemoteID = %q, want empty", rec.RemoteID)
	}
	if rec.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v, want after %v", rec.CreatedAt, before)
	}
	if rec.Payload.CitizenName != "Bia" {
		t.Errorf("CitizenName = %q, want 'Bia'", rec.Payload.CitizenName)
	}
	if len(rec.Payload.Carriers) != 1 || rec.Payload.Carriers[0] != "Vivo" {
		t.Errorf("Carriers = %v, want [Vivo]", rec.Payload.Carriers)
	}
}

func TestInsert_IDsNotReusedAfterReopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	first, err := db.Insert(ctx, testPayload("Ana"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	// Simulate a lost row; AUTOINCREMENT must not hand the id out again.
	if _, err := db.conn.Exec(`DELETE FROM survey_records WHERE local_id = ?`, first); err != nil {
		t.Fatalf("Failed to delete row: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	second, err := db.Insert(ctx, testPayload("Bia"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if second <= first {
		t.Errorf("id after reopen = %d, want > %d", second, first)
	}
}

func TestInsert_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const workers, perWorker = 4, 10
	ids := make(chan int64, workers*perWorker)
	errs := make(chan error, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := db.Insert(ctx, testPayload("Caio"))
				if err != nil {
					errs <- err
					return
				}
				ids <- id
			}
		}()
	}

	// Read while writers are active.
	for i := 0; i < 5; i++ {
		if _, err := db.ListByStatus(ctx, survey.StatusPending); err != nil {
			t.Errorf("ListByStatus() during inserts failed: %v", err)
		}
	}

	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent Insert() failed: %v", err)
	}

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate local id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("got %d distinct ids, want %d", len(seen), workers*perWorker)
	}
}

func TestInsert_NilPayload(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.Insert(context.Background(), nil); err == nil {
		t.Error("Insert(nil) should fail")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get(context.Background(), 42)
	if !IsNotFound(err) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestListByStatus_InsertionOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	names := []string{"Ana", "Bia", "Caio", "Davi"}
	for _, n := range names {
		if _, err := db.Insert(ctx, testPayload(n)); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	if err := db.UpdateStatus(ctx, 2, StatusUpdate{Status: survey.StatusSynced, RemoteID: "r-2"}); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	pending, err := db.ListByStatus(ctx, survey.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	want := []string{"Ana", "Caio", "Davi"}
	if len(pending) != len(want) {
		t.Fatalf("ListByStatus() returned %d records, want %d", len(pending), len(want))
	}
	for i, rec := range pending {
		if rec.Payload.CitizenName != want[i] {
			t.Errorf("pending[%d] = %q, want %q", i, rec.Payload.CitizenName, want[i])
		}
		if i > 0 && rec.LocalID <= pending[i-1].LocalID {
			t.Errorf("pending not ordered by local id: %d after %d", rec.LocalID, pending[i-1].LocalID)
		}
	}

	synced, err := db.ListByStatus(ctx, survey.StatusSynced)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	if len(synced) != 1 || synced[0].RemoteID != "r-2" {
		t.Errorf("synced = %+v, want one record with remote id r-2", synced)
	}
}

func TestListByStatus_SnapshotSafeForUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := db.Insert(ctx, testPayload("Ana")); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}

	pending, err := db.ListByStatus(ctx, survey.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	for _, rec := range pending {
		if err := db.UpdateStatus(ctx, rec.LocalID, StatusUpdate{Status: survey.StatusFailed, Reason: "boom"}); err != nil {
			t.Fatalf("UpdateStatus() failed: %v", err)
		}
		if _, err := db.Insert(ctx, testPayload("late")); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	if len(pending) != 3 {
		t.Errorf("snapshot changed length to %d", len(pending))
	}
}

func TestListByStatus_InvalidStatus(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.ListByStatus(context.Background(), survey.Status("archived")); err == nil {
		t.Error("ListByStatus(archived) should fail")
	}
}

func TestUpdateStatus_Synced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, testPayload("Ana"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	if err := db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusSynced, RemoteID: "abc123"}); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	rec, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != survey.StatusSynced {
		t.Errorf("Status = %q, want synced", rec.Status)
	}
	if rec.RemoteID != "abc123" {
		t.Errorf("RemoteID = %q, want 'abc123'", rec.RemoteID)
	}
	if rec.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rec.Attempts)
	}
	if rec.LastAttemptAt == nil {
		t.Error("LastAttemptAt not set")
	}
}

func TestUpdateStatus_SyncedWithoutRemoteID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Several acknowledged records without remote ids must not collide on
	// the unique remote_id index.
	for i := 0; i < 3; i++ {
		id, err := db.Insert(ctx, testPayload("Ana"))
		if err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		if err := db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusSynced}); err != nil {
			t.Fatalf("UpdateStatus() failed: %v", err)
		}
	}
}

func TestUpdateStatus_Failed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, testPayload("Ana"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	err = db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusFailed, RemoteID: "ignored", Reason: "network timeout"})
	if err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	rec, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != survey.StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
	if rec.RemoteID != "" {
		t.Errorf("RemoteID = %q, want empty for failed record", rec.RemoteID)
	}
	if rec.LastError != "network timeout" {
		t.Errorf("LastError = %q, want 'network timeout'", rec.LastError)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.UpdateStatus(context.Background(), 99, StatusUpdate{Status: survey.StatusSynced})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
	if IsStorageFault(err) {
		t.Error("NotFound must not be reported as a storage fault")
	}
}

func TestUpdateStatus_OnlyFromPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, testPayload("Ana"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusSynced, RemoteID: "r1"}); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	err = db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusFailed, Reason: "late"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UpdateStatus() on synced record error = %v, want ErrInvalidTransition", err)
	}

	rec, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != survey.StatusSynced || rec.RemoteID != "r1" {
		t.Errorf("record changed to %s/%s after rejected update", rec.Status, rec.RemoteID)
	}
}

func TestUpdateStatus_RejectsPendingTarget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, testPayload("Ana"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	err = db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusPending})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UpdateStatus(pending) error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateStatus_DuplicateRemoteID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, _ := db.Insert(ctx, testPayload("Ana"))
	b, _ := db.Insert(ctx, testPayload("Bia"))

	if err := db.UpdateStatus(ctx, a, StatusUpdate{Status: survey.StatusSynced, RemoteID: "same"}); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	err := db.UpdateStatus(ctx, b, StatusUpdate{Status: survey.StatusSynced, RemoteID: "same"})
	if !IsStorageFault(err) {
		t.Errorf("duplicate remote id error = %v, want StorageError", err)
	}
}

func TestCountByStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	counts, err := db.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() failed: %v", err)
	}
	for _, s := range survey.Statuses {
		if counts[s] != 0 {
			t.Errorf("empty store count[%s] = %d, want 0", s, counts[s])
		}
	}

	for i := 0; i < 4; i++ {
		if _, err := db.Insert(ctx, testPayload("Ana")); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	_ = db.UpdateStatus(ctx, 1, StatusUpdate{Status: survey.StatusSynced, RemoteID: "r1"})
	_ = db.UpdateStatus(ctx, 2, StatusUpdate{Status: survey.StatusFailed, Reason: "x"})

	counts, err = db.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() failed: %v", err)
	}
	want := map[survey.Status]int{survey.StatusPending: 2, survey.StatusSynced: 1, survey.StatusFailed: 1}
	for s, n := range want {
		if counts[s] != n {
			t.Errorf("count[%s] = %d, want %d", s, counts[s], n)
		}
	}
}

func insertFailed(t *testing.T, db *DB, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	var ids []int64
	for i := 0; i < n; i++ {
		id, err := db.Insert(ctx, testPayload("Ana"))
		if err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		if err := db.UpdateStatus(ctx, id, StatusUpdate{Status: survey.StatusFailed, Reason: "offline"}); err != nil {
			t.Fatalf("UpdateStatus() failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestRequeue_ByID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ids := insertFailed(t, db, 3)

	n, err := db.Requeue(ctx, RequeueFilter{LocalIDs: []int64{ids[0], ids[2]}})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Requeue() = %d, want 2", n)
	}

	rec, err := db.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != survey.StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
	if rec.Attempts != 1 || rec.LastError != "offline" {
		t.Errorf("requeue lost bookkeeping: attempts=%d last_error=%q", rec.Attempts, rec.LastError)
	}

	rec, _ = db.Get(ctx, ids[1])
	if rec.Status != survey.StatusFailed {
		t.Errorf("untouched record Status = %q, want failed", rec.Status)
	}
}

func TestRequeue_OnlyFailed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	synced, _ := db.Insert(ctx, testPayload("Ana"))
	_ = db.UpdateStatus(ctx, synced, StatusUpdate{Status: survey.StatusSynced, RemoteID: "r1"})
	pending, _ := db.Insert(ctx, testPayload("Bia"))

	n, err := db.Requeue(ctx, RequeueFilter{LocalIDs: []int64{synced, pending}})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Requeue() = %d, want 0", n)
	}

	rec, _ := db.Get(ctx, synced)
	if rec.Status != survey.StatusSynced {
		t.Errorf("synced record Status = %q after requeue", rec.Status)
	}
}

func TestRequeue_FailedBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insertFailed(t, db, 2)

	n, err := db.Requeue(ctx, RequeueFilter{FailedBefore: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Requeue(before an hour ago) = %d, want 0", n)
	}

	n, err = db.Requeue(ctx, RequeueFilter{FailedBefore: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Requeue(before now) = %d, want 2", n)
	}
}

func TestRequeue_All(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	insertFailed(t, db, 3)

	if _, err := db.Requeue(ctx, RequeueFilter{}); err == nil {
		t.Error("Requeue() with an empty filter should fail")
	}

	n, err := db.Requeue(ctx, RequeueFilter{All: true})
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Requeue(All) = %d, want 3", n)
	}

	counts, _ := db.CountByStatus(ctx)
	if counts[survey.StatusFailed] != 0 || counts[survey.StatusPending] != 3 {
		t.Errorf("counts after requeue = %v", counts)
	}
}

func TestRecordPass_RecentPasses(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, trigger := range []string{"startup", "online", "manual"} {
		p := PassLog{
			PassID:       trigger + "-pass",
			Trigger:      trigger,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			FinishedAt:   base.Add(time.Duration(i)*time.Minute + 2*time.Second),
			SuccessCount: i,
			FailCount:    1,
		}
		if trigger == "manual" {
			p.SkippedReason = "offline"
		}
		if err := db.RecordPass(ctx, p); err != nil {
			t.Fatalf("RecordPass() failed: %v", err)
		}
	}

	passes, err := db.RecentPasses(ctx, 2)
	if err != nil {
		t.Fatalf("RecentPasses() failed: %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("RecentPasses() returned %d, want 2", len(passes))
	}
	if passes[0].Trigger != "manual" || passes[1].Trigger != "online" {
		t.Errorf("RecentPasses() order = %s, %s; want manual, online", passes[0].Trigger, passes[1].Trigger)
	}
	if passes[0].SkippedReason != "offline" {
		t.Errorf("SkippedReason = %q, want 'offline'", passes[0].SkippedReason)
	}
	if passes[1].Duration() != 2*time.Second {
		t.Errorf("Duration() = %v, want 2s", passes[1].Duration())
	}
	if !passes[1].StartedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("StartedAt = %v, want %v", passes[1].StartedAt, base.Add(time.Minute))
	}
}

func TestRecordPass_EmptyID(t *testing.T) {
	db := newTestDB(t)

	if err := db.RecordPass(context.Background(), PassLog{Trigger: "manual"}); err == nil {
		t.Error("RecordPass() without pass id should fail")
	}
}

func TestLockSync_ExcludesOtherHandle(t *testing.T) {
	db := newTestDB(t)
	other, err := Open(db.Path())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer other.Close()

	lock, err := db.LockSync(context.Background())
	if err != nil {
		t.Fatalf("LockSync() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := other.LockSync(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("LockSync() on second handle = %v, want deadline exceeded", err)
	}

	// Releasing hands the lock to a waiter.
	acquired := make(chan error, 1)
	go func() {
		l, err := other.LockSync(context.Background())
		if err == nil {
			err = l.Release()
		}
		acquired <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiting LockSync() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting LockSync() did not acquire after Release()")
	}

	if err := lock.Release(); err != nil {
		t.Errorf("second Release() = %v, want nil", err)
	}
}

func TestListByStatus_UnreadablePayload(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	good, err := db.Insert(ctx, testPayload("Ana"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	bad, err := db.Insert(ctx, testPayload("Bia"))
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if _, err := db.RawDB().ExecContext(ctx,
		`UPDATE survey_records SET payload = 'garbage' WHERE local_id = ?`, bad); err != nil {
		t.Fatalf("failed to corrupt payload: %v", err)
	}

	recs, err := db.ListByStatus(ctx, survey.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListByStatus() = %d records, want 2", len(recs))
	}
	if recs[0].LocalID != good || recs[0].PayloadError != "" || recs[0].Payload.CitizenName != "Ana" {
		t.Errorf("good record = %+v", recs[0])
	}
	if recs[1].LocalID != bad || recs[1].PayloadError == "" {
		t.Errorf("corrupt record = %+v, want PayloadError set", recs[1])
	}
}
