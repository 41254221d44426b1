//go:build !unix && !windows

package store

import "os"

// No advisory locking here; passes are only serialized within a process.
func tryLockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
