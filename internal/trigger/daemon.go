// Package trigger runs sync passes at the moments delivery is most likely to
// succeed.
//
// The daemon:
// 1. Subscribes to became-online notifications
// 2. Runs a start-up pass
// 3. Runs a pass after each offline→online transition (debounced)
// 4. Runs a pass when a new survey is saved locally (Kick, driven by a
//    StoreWatcher for saves made by other processes)
// 5. Optionally runs a pass on a fixed interval
// 6. Deregisters and waits for the active pass on shutdown
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conectividade/fieldsync/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// Debounce is how long to wait after a became-online notification
	// before running a pass. Rapid flapping collapses into one pass.
	Debounce time.Duration

	// Interval runs a pass periodically when non-zero. It catches records
	// whose write-back failed or that were requeued by hand.
	Interval time.Duration

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 2 * time.Second,
		Interval: 0,
		Logger:   slog.Default(),
	}
}

// Subscriber is the became-online notification source.
// connectivity.Monitor satisfies it.
type Subscriber interface {
	Subscribe() (<-chan struct{}, func())
}

// Daemon drives a Syncer from connectivity events.
type Daemon struct {
	syncer syncer.Syncer
	conn   Subscriber
	config *Config
	logger *slog.Logger

	notifiersMu sync.RWMutex
	notifiers   []Notifier

	kick chan struct{}

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// Use Start() to run the start-up pass and begin reacting to events.
func New(s syncer.Syncer, conn Subscriber, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer: s,
		conn:   conn,
		config: config,
		logger: logger.With("component", "trigger"),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// AddNotifier registers n to receive the result of every pass the daemon
// runs.
func (d *Daemon) AddNotifier(n Notifier) {
	d.notifiersMu.Lock()
	defer d.notifiersMu.Unlock()
	d.notifiers = append(d.notifiers, n)
}

// Start begins the daemon's operation.
//
// The connectivity subscription is taken before the start-up pass so a
// transition during that pass is not lost. This blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	if d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon already stopped")
	}
	d.started = true
	onlineCh, unsubscribe := d.conn.Subscribe()
	d.unsubscribe = unsubscribe
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("Starting sync trigger",
		"debounce", d.config.Debounce, "interval", d.config.Interval)

	if _, err := d.runPass(syncer.TriggerStartup); err != nil {
		d.wg.Done()
		d.Stop()
		return fmt.Errorf("start-up sync failed: %w", err)
	}

	go d.loop(onlineCh)

	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop deregisters the connectivity subscription and waits for the event
// loop, including any pass in progress, to finish. Safe to call more than
// once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	unsubscribe := d.unsubscribe
	d.mu.Unlock()

	d.logger.Info("Stopping sync trigger")

	d.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	d.wg.Wait()

	d.logger.Info("Sync trigger stopped")
	return nil
}

// Kick requests a pass soon, e.g. right after a survey is saved. Requests
// made while one is already queued are merged.
func (d *Daemon) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// loop reacts to events until the daemon stops. It is the only goroutine
// that starts passes, so daemon passes run one after another.
func (d *Daemon) loop(onlineCh <-chan struct{}) {
	defer d.wg.Done()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	var tickC <-chan time.Time
	if d.config.Interval > 0 {
		ticker := time.NewTicker(d.config.Interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-onlineCh:
			if !ok {
				// Subscription cancelled.
				onlineCh = nil
				continue
			}
			if d.config.Debounce <= 0 {
				d.runPass(syncer.TriggerOnline)
				continue
			}
			d.logger.Debug("Device online, sync scheduled", "after", d.config.Debounce)
			if debounce == nil {
				debounce = time.NewTimer(d.config.Debounce)
			} else {
				debounce.Reset(d.config.Debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			d.runPass(syncer.TriggerOnline)

		case <-d.kick:
			res, err := d.runPass(syncer.TriggerInsert)
			if err == nil && res.Shared {
				// The joined pass may have snapshotted before the insert.
				d.runPass(syncer.TriggerInsert)
			}

		case <-tickC:
			d.runPass(syncer.TriggerInterval)
		}
	}
}

// runPass runs one pass and notifies listeners.
func (d *Daemon) runPass(trigger string) (syncer.Result, error) {
	res, err := d.syncer.Pass(d.ctx, trigger)
	if err != nil {
		d.logger.Error("Sync pass failed", "trigger", trigger, "error", err)
		return res, err
	}
	if res.Shared {
		return res, nil
	}

	d.notifiersMu.RLock()
	notifiers := append([]Notifier(nil), d.notifiers...)
	d.notifiersMu.RUnlock()

	for _, n := range notifiers {
		n.OnPassComplete(res)
	}
	return res, nil
}
