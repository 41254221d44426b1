package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/conectividade/fieldsync/internal/survey"
	"github.com/conectividade/fieldsync/internal/syncer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(&Config{
		Host:   "127.0.0.1",
		Port:   0, // Use random available port
		Logger: testLogger(),
	})
}

func startServer(t *testing.T, server *Server) {
	t.Helper()
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	welcome := readMessage(t, ctx, conn)
	return conn, welcome
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
}

type fakeCounter struct {
	countFunc func(ctx context.Context) (map[survey.Status]int, error)
}

func (f *fakeCounter) CountByStatus(ctx context.Context) (map[survey.Status]int, error) {
	return f.countFunc(ctx)
}

func staticCounts(pending, synced, failed int) *fakeCounter {
	return &fakeCounter{countFunc: func(ctx context.Context) (map[survey.Status]int, error) {
		return map[survey.Status]int{
			survey.StatusPending: pending,
			survey.StatusSynced:  synced,
			survey.StatusFailed:  failed,
		}, nil
	}}
}

func TestServerStartStop(t *testing.T) {
	server := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if addr := server.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Server address not resolved: %q", addr)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := newTestServer(t)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, welcome.Type)
	}

	waitForClients(t, server, 1)
}

func TestMultipleClients(t *testing.T) {
	server := newTestServer(t)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}

	waitForClients(t, server, numClients)
}

func TestMessageBroadcast(t *testing.T) {
	server := newTestServer(t)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitForClients(t, server, 1)

	data, _ := json.Marshal(ConnectivityData{Online: true})
	server.Broadcast(Message{Type: MessageTypeConnectivity, Data: data})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Errorf("Expected message type %s, got %s", MessageTypeConnectivity, msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Broadcast should stamp messages without a timestamp")
	}

	var received ConnectivityData
	if err := json.Unmarshal(msg.Data, &received); err != nil {
		t.Fatalf("Failed to unmarshal connectivity data: %v", err)
	}
	if !received.Online {
		t.Error("Expected online=true")
	}
}

func TestClientDisconnect(t *testing.T) {
	server := newTestServer(t)
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitForClients(t, server, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, server, 0)
}

func TestHealthAndMetrics(t *testing.T) {
	server := newTestServer(t)
	startServer(t, server)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", health["status"])
	}

	resp, err = http.Get("http://" + server.GetAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("Metrics output missing default collectors")
	}

	resp, err = http.Get("http://" + server.GetAddr() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", resp.StatusCode)
	}
}

func TestHandlerPassComplete(t *testing.T) {
	server := newTestServer(t)
	handler := NewHandler(server, staticCounts(2, 5, 1), testLogger())
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitForClients(t, server, 1)

	handler.OnPassComplete(syncer.Result{
		PassID:       "p-1",
		Trigger:      syncer.TriggerOnline,
		SuccessCount: 2,
		FailCount:    1,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected message type %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var pass SyncCompleteData
	if err := json.Unmarshal(msg.Data, &pass); err != nil {
		t.Fatalf("Failed to unmarshal pass data: %v", err)
	}
	if pass.PassID != "p-1" || pass.Synced != 2 || pass.Failed != 1 {
		t.Errorf("Unexpected pass data: %+v", pass)
	}
	if pass.Notice != "2 pending surveys were sent. 1 survey could not be sent." {
		t.Errorf("Unexpected notice: %q", pass.Notice)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	want := StatsData{Total: 8, Pending: 2, Synced: 5, Failed: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if got := handler.GetStats(); got != want {
		t.Errorf("GetStats() = %+v, want %+v", got, want)
	}
}

func TestHandlerWelcomeCarriesStats(t *testing.T) {
	server := newTestServer(t)
	handler := NewHandler(server, staticCounts(3, 0, 0), testLogger())
	startServer(t, server)

	if err := handler.RefreshStats(context.Background()); err != nil {
		t.Fatalf("RefreshStats() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal welcome stats: %v", err)
	}
	if stats.Pending != 3 || stats.Total != 3 {
		t.Errorf("welcome stats = %+v, want 3 pending", stats)
	}
}

func TestHandlerConnectivity(t *testing.T) {
	server := newTestServer(t)
	handler := NewHandler(server, nil, testLogger())
	startServer(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitForClients(t, server, 1)

	handler.OnConnectivityChange(false)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Fatalf("Expected message type %s, got %s", MessageTypeConnectivity, msg.Type)
	}
	var data ConnectivityData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal connectivity data: %v", err)
	}
	if data.Online {
		t.Error("Expected online=false")
	}
}

func TestHandlerRefreshStatsError(t *testing.T) {
	server := newTestServer(t)
	counter := &fakeCounter{countFunc: func(ctx context.Context) (map[survey.Status]int, error) {
		return nil, errors.New("database is locked")
	}}
	handler := NewHandler(server, counter, testLogger())

	if err := handler.RefreshStats(context.Background()); err == nil {
		t.Error("RefreshStats() should surface counter errors")
	}
	// A failed refresh leaves the last counts untouched.
	if got := handler.GetStats(); got != (StatsData{}) {
		t.Errorf("GetStats() = %+v, want zero", got)
	}
}
