package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/conectividade/fieldsync/internal/survey"
	"github.com/conectividade/fieldsync/internal/syncer"
)

// Counter reports record counts by status. store.DB satisfies it.
type Counter interface {
	CountByStatus(ctx context.Context) (map[survey.Status]int, error)
}

// Handler turns daemon events into dashboard messages.
// It bridges between the sync trigger and the WebSocket server.
type Handler struct {
	server  *Server
	counter Counter
	logger  *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// counter may be nil, in which case stats are never refreshed. Create the
// handler before starting the server; it installs the welcome message.
func NewHandler(server *Server, counter Counter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server:  server,
		counter: counter,
		logger:  logger.With("component", "dashboard"),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnPassComplete broadcasts the pass result followed by fresh counts.
// It satisfies trigger.Notifier.
func (h *Handler) OnPassComplete(res syncer.Result) {
	data := SyncCompleteData{
		PassID:      res.PassID,
		Trigger:     res.Trigger,
		Synced:      res.SuccessCount,
		Failed:      res.FailCount,
		StoreErrors: res.StoreErrors,
		Skipped:     res.Skipped,
		Notice:      res.Notice(),
		Duration:    res.Duration,
	}
	h.send(MessageTypeSyncComplete, data)

	if err := h.RefreshStats(context.Background()); err != nil {
		h.logger.Warn("Failed to refresh stats", "error", err)
	}
}

// OnConnectivityChange broadcasts the new state. Pass it to
// connectivity.Monitor.OnChange.
func (h *Handler) OnConnectivityChange(online bool) {
	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// RefreshStats reloads counts from the store and broadcasts them.
func (h *Handler) RefreshStats(ctx context.Context) error {
	if h.counter == nil {
		return nil
	}
	counts, err := h.counter.CountByStatus(ctx)
	if err != nil {
		return err
	}

	stats := StatsData{
		Pending: counts[survey.StatusPending],
		Synced:  counts[survey.StatusSynced],
		Failed:  counts[survey.StatusFailed],
	}
	stats.Total = stats.Pending + stats.Synced + stats.Failed

	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()

	h.server.Broadcast(h.statsMessage())
	return nil
}

// GetStats returns the last counts seen.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) statsMessage() Message {
	h.mu.Lock()
	stats := h.stats
	h.mu.Unlock()

	data, _ := json.Marshal(stats)
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal dashboard data", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
