// Package syncer reconciles the local survey store with the remote system.
//
// Overview
//
// Every survey is written locally first with status pending. A sync pass
// takes a snapshot of the pending records and submits them one by one:
//
//	store.ListByStatus(pending)
//	     ↓
//	for each record, in local id order:
//	     remote.Client.Submit(payload)
//	        ├── ok  → UpdateStatus(synced, remote id)
//	        └── err → UpdateStatus(failed, reason)
//	     ↓
//	Result{SuccessCount, FailCount}
//
// Usage
//
//	s := syncer.New(database, client, monitor, logger)
//	res, err := s.Pass(ctx, syncer.TriggerManual)
//	if err != nil {
//	    return err // the store could not be read
//	}
//	fmt.Println(res.Notice())
//
// Error Handling
//
//   - Delivery failures mark the record failed and are counted in FailCount
//   - A failed write-back leaves the record pending and is counted in StoreErrors
//   - Only a failure to read the pending snapshot fails the whole pass
//
// Concurrency
//
// Passes are single-flight. Overlapping Pass calls, e.g. the start-up pass
// and a became-online pass, never run concurrently: late callers wait for
// the active pass and share its Result. Records inserted after a pass took
// its snapshot are picked up by the next pass.
package syncer
