package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/conectividade/fieldsync/internal/remote"
	"github.com/conectividade/fieldsync/internal/store"
	"github.com/conectividade/fieldsync/internal/survey"
)

// passKey is the single singleflight key: every pass covers the whole queue.
const passKey = "pass"

// syncer implements the Syncer interface.
type syncer struct {
	store  Store
	client remote.Client
	conn   Connectivity
	logger *slog.Logger

	group singleflight.Group
}

// New creates a new Syncer instance.
//
// The store must be initialized and have its schema created before passing
// to this function. A nil conn means the device is always treated as
// online. If logger is nil, slog.Default() is used.
//
// Example:
//
//	database, err := store.Open(".fieldsync/surveys.db")
//	if err != nil {
//	    return err
//	}
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//	s := syncer.New(database, client, monitor, logger)
func New(st Store, client remote.Client, conn Connectivity, logger *slog.Logger) Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &syncer{
		store:  st,
		client: client,
		conn:   conn,
		logger: logger.With("component", "syncer"),
	}
}

// Pass implements Syncer.Pass.
func (s *syncer) Pass(ctx context.Context, trigger string) (Result, error) {
	// Do runs fn in this goroutine only when no pass is active.
	ran := false
	v, err, _ := s.group.Do(passKey, func() (any, error) {
		ran = true
		return s.run(ctx, trigger)
	})

	res, _ := v.(Result)
	if !ran {
		res.Shared = true
		passTotal.WithLabelValues(trigger, "shared").Inc()
		s.logger.Debug("Joined active sync pass", "pass_id", res.PassID, "trigger", trigger)
	}
	return res, err
}

// run executes one pass. It is only ever called from inside the
// singleflight group, so two runs never overlap in this process; the
// store's sync lock keeps passes in other processes out.
//
// ctx only bounds the wait for the sync lock. Once the lock is held the
// pass runs to completion over its snapshot.
func (s *syncer) run(ctx context.Context, trigger string) (Result, error) {
	res := Result{
		PassID:    uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}

	ctx, span := tracer.Start(ctx, "syncer.Pass",
		trace.WithAttributes(
			attribute.String("pass_id", res.PassID),
			attribute.String("trigger", trigger),
		),
	)
	defer span.End()

	if s.conn != nil && !s.conn.Online() {
		res.Skipped = SkipOffline
		res.Duration = time.Since(res.StartedAt)
		s.logger.Info("Device offline, sync pass skipped", "pass_id", res.PassID, "trigger", trigger)
		s.recordPass(ctx, res)
		passTotal.WithLabelValues(trigger, "skipped_offline").Inc()
		span.SetStatus(codes.Ok, "offline")
		return res, nil
	}

	if l, ok := s.store.(Locker); ok {
		waitStart := time.Now()
		lock, err := l.LockSync(ctx)
		if err != nil {
			res.Duration = time.Since(res.StartedAt)
			if ctx.Err() != nil {
				res.Skipped = SkipBusy
				s.logger.Info("Gave up waiting for another sync pass", "pass_id", res.PassID, "trigger", trigger)
				passTotal.WithLabelValues(trigger, "skipped_busy").Inc()
				span.SetStatus(codes.Ok, "busy")
				return res, nil
			}
			passTotal.WithLabelValues(trigger, "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "sync lock failed")
			return res, fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				s.logger.Warn("Failed to release sync lock", "pass_id", res.PassID, "error", err)
			}
		}()
		if waited := time.Since(waitStart); waited > time.Second {
			s.logger.Info("Waited for a sync pass in another process", "pass_id", res.PassID, "waited", waited)
		}
	}
	ctx = context.WithoutCancel(ctx)

	pending, err := s.store.ListByStatus(ctx, survey.StatusPending)
	if err != nil {
		res.Duration = time.Since(res.StartedAt)
		passTotal.WithLabelValues(trigger, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "list pending failed")
		s.logger.Error("Failed to read pending surveys", "pass_id", res.PassID, "error", err)
		return res, fmt.Errorf("failed to list pending surveys: %w", err)
	}
	pendingGauge.Set(float64(len(pending)))

	if len(pending) == 0 {
		res.Duration = time.Since(res.StartedAt)
		s.logger.Debug("No pending surveys", "pass_id", res.PassID, "trigger", trigger)
		passTotal.WithLabelValues(trigger, "completed").Inc()
		span.SetStatus(codes.Ok, "empty queue")
		return res, nil
	}

	s.logger.Info("Starting sync pass", "pass_id", res.PassID, "trigger", trigger, "pending", len(pending))

	// Sequential on purpose: one in-flight submit per device.
	for _, rec := range pending {
		s.deliver(ctx, rec, &res)
	}

	res.Duration = time.Since(res.StartedAt)
	passDuration.Observe(res.Duration.Seconds())
	passTotal.WithLabelValues(trigger, "completed").Inc()
	s.recordPass(ctx, res)

	span.SetAttributes(
		attribute.Int("success_count", res.SuccessCount),
		attribute.Int("fail_count", res.FailCount),
		attribute.Int("store_errors", res.StoreErrors),
	)
	span.SetStatus(codes.Ok, "pass complete")

	s.logger.Info("Sync pass complete",
		"pass_id", res.PassID,
		"trigger", trigger,
		"synced", res.SuccessCount,
		"failed", res.FailCount,
		"store_errors", res.StoreErrors,
		"duration", res.Duration)

	return res, nil
}

// deliver submits one record and writes the outcome back. Failures are
// counted on res and never abort the pass.
func (s *syncer) deliver(ctx context.Context, rec *survey.Record, res *Result) {
	ctx, span := tracer.Start(ctx, "syncer.deliver",
		trace.WithAttributes(attribute.Int64("local_id", rec.LocalID)),
	)
	defer span.End()

	if rec.PayloadError != "" {
		s.fail(ctx, rec, res, "unreadable payload: "+rec.PayloadError)
		return
	}

	start := time.Now()
	ack, err := s.client.Submit(ctx, &rec.Payload)
	deliveryDuration.Observe(time.Since(start).Seconds())

	upd := store.StatusUpdate{Status: survey.StatusSynced, RemoteID: ack.RemoteID}
	if err != nil {
		reason := remote.Reason(err)
		upd = store.StatusUpdate{Status: survey.StatusFailed, Reason: reason}
		res.FailCount++
		deliveryTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		s.logger.Warn("Failed to deliver survey",
			"pass_id", res.PassID, "local_id", rec.LocalID, "reason", reason)
	} else {
		res.SuccessCount++
		deliveryTotal.WithLabelValues("synced").Inc()
		span.SetAttributes(attribute.String("remote_id", ack.RemoteID))
	}

	s.writeOutcome(ctx, rec, res, upd)
}

// fail marks a record failed without submitting it.
func (s *syncer) fail(ctx context.Context, rec *survey.Record, res *Result, reason string) {
	res.FailCount++
	deliveryTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("Failed to deliver survey",
		"pass_id", res.PassID, "local_id", rec.LocalID, "reason", reason)
	s.writeOutcome(ctx, rec, res, store.StatusUpdate{Status: survey.StatusFailed, Reason: reason})
}

// writeOutcome stores a delivery outcome. A failed write leaves the record
// pending and is counted in res.StoreErrors.
func (s *syncer) writeOutcome(ctx context.Context, rec *survey.Record, res *Result, upd store.StatusUpdate) {
	span := trace.SpanFromContext(ctx)
	if err := s.store.UpdateStatus(ctx, rec.LocalID, upd); err != nil {
		res.StoreErrors++
		storeErrorTotal.Inc()
		span.RecordError(err)
		if store.IsNotFound(err) {
			// Cannot happen with an append-only store; keep it diagnostic.
			s.logger.Warn("Survey disappeared during sync pass",
				"pass_id", res.PassID, "local_id", rec.LocalID, "error", err)
			return
		}
		s.logger.Error("Failed to record delivery outcome",
			"pass_id", res.PassID, "local_id", rec.LocalID, "status", upd.Status, "error", err)
	}
}

// recordPass writes the pass to the history. Empty passes are not recorded,
// nor are offline skips from the periodic timer or from local saves.
func (s *syncer) recordPass(ctx context.Context, res Result) {
	if res.Attempted() == 0 && (res.Skipped == "" || res.Trigger == TriggerInterval || res.Trigger == TriggerInsert) {
		return
	}

	err := s.store.RecordPass(ctx, store.PassLog{
		PassID:        res.PassID,
		Trigger:       res.Trigger,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.StartedAt.Add(res.Duration),
		SuccessCount:  res.SuccessCount,
		FailCount:     res.FailCount,
		StoreErrors:   res.StoreErrors,
		SkippedReason: res.Skipped,
	})
	if err != nil {
		s.logger.Warn("Failed to record sync pass", "pass_id", res.PassID, "error", err)
	}
}
