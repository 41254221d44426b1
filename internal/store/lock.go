package store

import (
	"context"
	"errors"
	"os"
	"time"
)

// errLockHeld is returned by tryLockFile when another holder has the lock.
var errLockHeld = errors.New("sync lock held")

// syncLockPoll is how often LockSync retries a held lock.
const syncLockPoll = 50 * time.Millisecond

// SyncLock is an exclusive advisory lock on a database's sync queue.
//
// The lock is a flock(2) (LockFileEx on Windows) on <db>.sync.lock, so it
// excludes other processes and other DB handles on the same file alike. The
// operating system drops it if the holder dies.
type SyncLock struct {
	file *os.File
}

// LockPath returns the path of the sync lock file.
func (db *DB) LockPath() string {
	return db.path + ".sync.lock"
}

// LockSync blocks until the caller holds the sync lock or ctx is done.
//
// A sync pass holds the lock from reading its pending snapshot until its
// last outcome is written, so a record is never submitted by two passes.
// The caller MUST call Release.
func (db *DB) LockSync(ctx context.Context) (*SyncLock, error) {
	f, err := os.OpenFile(db.LockPath(), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, storageErr("open sync lock", err)
	}

	for {
		err := tryLockFile(f)
		if err == nil {
			return &SyncLock{file: f}, nil
		}
		if !errors.Is(err, errLockHeld) {
			_ = f.Close()
			return nil, storageErr("acquire sync lock", err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(syncLockPoll):
		}
	}
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *SyncLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return storageErr("release sync lock", unlockErr)
	}
	return closeErr
}
