// Package connectivity tracks whether the device can reach the network and
// emits an edge-triggered notification each time it comes back online.
package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_online",
		Help: "1 when the device is reported online, 0 otherwise",
	})

	transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_connectivity_transitions_total",
		Help: "Connectivity transitions by direction",
	}, []string{"to"})
)

// Source reports the platform's connectivity state to a Monitor.
//
// Watch calls report with the current state, then again whenever the state
// may have changed, until ctx is done. Reporting an unchanged state is
// harmless: the Monitor only acts on transitions.
type Source interface {
	Watch(ctx context.Context, report func(online bool)) error
}

// Monitor holds the current online state and fans out transitions.
//
// Monitor is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	nextID  int
	onlined map[int]chan struct{}
	changes map[int]func(online bool)
	logger  *slog.Logger
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initial bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if initial {
		onlineGauge.Set(1)
	} else {
		onlineGauge.Set(0)
	}
	return &Monitor{
		online:  initial,
		onlined: make(map[int]chan struct{}),
		changes: make(map[int]func(online bool)),
		logger:  logger.With("component", "connectivity"),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state. An offline→online transition notifies
// every Subscribe channel; any transition calls the OnChange callbacks.
// Returns true if the state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online

	if online {
		onlineGauge.Set(1)
		transitionTotal.WithLabelValues("online").Inc()
		for _, ch := range m.onlined {
			// Capacity one: a burst of transitions collapses into one wake-up.
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	} else {
		onlineGauge.Set(0)
		transitionTotal.WithLabelValues("offline").Inc()
	}

	callbacks := make([]func(bool), 0, len(m.changes))
	for _, fn := range m.changes {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "online", online)
	for _, fn := range callbacks {
		fn(online)
	}
	return true
}

// Subscribe returns a channel that receives a value each time the device
// becomes online, and a cancel func that deregisters it and closes the
// channel. Cancel is safe to call more than once.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.onlined[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.onlined, id)
			close(ch)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// OnChange registers fn to be called after every transition, in either
// direction. The returned func deregisters it.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.changes[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.changes, id)
		m.mu.Unlock()
	}
}

// Subscribers returns the number of active Subscribe channels.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.onlined)
}

// Run feeds the Monitor from src until ctx is done.
func (m *Monitor) Run(ctx context.Context, src Source) error {
	return src.Watch(ctx, func(online bool) {
		m.Set(online)
	})
}
