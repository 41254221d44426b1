// Package loadtest exercises the survey store and sync pass under load.
//
// It simulates many field agents saving surveys concurrently while sync
// passes drain the queue against a simulated remote, and checks that no
// record is lost, duplicated or delivered twice.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conectividade/fieldsync/internal/remote"
	"github.com/conectividade/fieldsync/internal/store"
	"github.com/conectividade/fieldsync/internal/survey"
	"github.com/conectividade/fieldsync/internal/syncer"
)

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Durations []time.Duration
}

// Report summarises a mixed insert-and-sync run.
type Report struct {
	Inserts  *LatencyStats
	Passes   int
	Synced   int
	Failed   int
	Pending  int
	Expected int
}

// SimulatedRemote is a remote.Client that acknowledges submissions after a
// fixed latency and rejects a fraction of them.
type SimulatedRemote struct {
	Latency  time.Duration
	FailRate float64

	mu        sync.Mutex
	rng       *rand.Rand
	delivered map[string]int
	submits   atomic.Int64
}

// NewSimulatedRemote creates a simulated remote with a deterministic seed.
func NewSimulatedRemote(latency time.Duration, failRate float64) *SimulatedRemote {
	return &SimulatedRemote{
		Latency:   latency,
		FailRate:  failRate,
		rng:       rand.New(rand.NewSource(42)),
		delivered: make(map[string]int),
	}
}

// Submit implements remote.Client.
func (r *SimulatedRemote) Submit(ctx context.Context, p *survey.Payload) (remote.Ack, error) {
	r.submits.Add(1)
	if r.Latency > 0 {
		select {
		case <-time.After(r.Latency):
		case <-ctx.Done():
			return remote.Ack{}, &remote.DeliveryError{Reason: "network timeout", Err: ctx.Err()}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Float64() < r.FailRate {
		return remote.Ack{}, &remote.DeliveryError{Reason: "insert rejected", StatusCode: 400}
	}
	r.delivered[p.CitizenName]++
	return remote.Ack{RemoteID: uuid.NewString()}, nil
}

// Ping implements remote.Client.
func (r *SimulatedRemote) Ping(ctx context.Context) error { return nil }

// Close implements remote.Client.
func (r *SimulatedRemote) Close(ctx context.Context) error { return nil }

// Submits returns the number of Submit calls.
func (r *SimulatedRemote) Submits() int64 { return r.submits.Load() }

// Duplicates returns the citizen names that were delivered more than once.
func (r *SimulatedRemote) Duplicates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dups []string
	for name, n := range r.delivered {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	sort.Strings(dups)
	return dups
}

// GeneratePayloads creates count valid surveys with a realistic mix:
// about two thirds with signal, coordinates on most, unique citizen names.
func GeneratePayloads(count int, seed int64) []*survey.Payload {
	rng := rand.New(rand.NewSource(seed))
	localities := []string{"Boa Vista", "Santa Luzia", "Campo Alegre", "Vila Nova", "Centro"}

	payloads := make([]*survey.Payload, count)
	for i := 0; i < count; i++ {
		p := &survey.Payload{
			CitizenName: fmt.Sprintf("Citizen %06d", i),
			Address:     fmt.Sprintf("Rua %d, %d", rng.Intn(50)+1, rng.Intn(900)+1),
			Locality:    localities[i%len(localities)],
			HasSignal:   rng.Intn(3) > 0,
		}
		if p.HasSignal {
			p.Carriers = []string{survey.Carriers[rng.Intn(len(survey.Carriers))]}
		}
		p.NeedsRelocation = rng.Intn(10) == 0
		if rng.Intn(5) > 0 {
			lat := -10 + rng.Float64()
			lon := -68 + rng.Float64()
			p.Latitude, p.Longitude = &lat, &lon
		}
		p.Normalize()
		payloads[i] = p
	}
	return payloads
}

// RunConcurrentInserts simulates numAgents agents each saving perAgent
// surveys at once. Returns insert latency statistics.
func RunConcurrentInserts(ctx context.Context, db *store.DB, numAgents, perAgent int) (*LatencyStats, error) {
	payloads := GeneratePayloads(numAgents*perAgent, 7)
	return runInserts(ctx, db, payloads, numAgents)
}

func runInserts(ctx context.Context, db *store.DB, payloads []*survey.Payload, numAgents int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numAgents)
	errorsChan := make(chan error, numAgents)

	perAgent := (len(payloads) + numAgents - 1) / numAgents
	for i := 0; i < numAgents; i++ {
		lo := i * perAgent
		if lo >= len(payloads) {
			break
		}
		hi := min(lo+perAgent, len(payloads))

		wg.Add(1)
		go func(agentID int, batch []*survey.Payload) {
			defer wg.Done()

			durations := make([]time.Duration, 0, len(batch))
			for j, p := range batch {
				start := time.Now()
				_, err := db.Insert(ctx, p)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("agent %d insert %d failed: %w", agentID, j, err)
					return
				}
			}
			resultsChan <- durations
		}(i, payloads[lo:hi])
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no inserts completed")
	}

	return computeLatencyStats(all), nil
}

// RunInsertsDuringSync saves surveys from numAgents concurrent agents while
// passes run back to back against client, then drains the queue and checks
// that every record was accounted for exactly once.
func RunInsertsDuringSync(ctx context.Context, db *store.DB, client *SimulatedRemote, numAgents, perAgent int) (*Report, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := syncer.New(db, client, nil, logger)

	before, err := db.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	existing := before[survey.StatusPending] + before[survey.StatusSynced] + before[survey.StatusFailed]

	done := make(chan struct{})
	passErr := make(chan error, 1)
	var passes atomic.Int64
	go func() {
		defer close(passErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			res, err := s.Pass(ctx, syncer.TriggerInsert)
			if err != nil {
				passErr <- err
				return
			}
			passes.Add(1)
			if res.Attempted() == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	stats, insertErr := RunConcurrentInserts(ctx, db, numAgents, perAgent)
	close(done)
	if err := <-passErr; err != nil {
		return nil, fmt.Errorf("pass failed during inserts: %w", err)
	}
	if insertErr != nil {
		return nil, insertErr
	}

	// Drain anything saved after the last snapshot.
	if _, err := s.Pass(ctx, syncer.TriggerManual); err != nil {
		return nil, fmt.Errorf("final pass failed: %w", err)
	}
	passes.Add(1)

	counts, err := db.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{
		Inserts:  stats,
		Passes:   int(passes.Load()),
		Synced:   counts[survey.StatusSynced],
		Failed:   counts[survey.StatusFailed],
		Pending:  counts[survey.StatusPending],
		Expected: existing + numAgents*perAgent,
	}

	if got := report.Synced + report.Failed + report.Pending; got != report.Expected {
		return report, fmt.Errorf("record count mismatch: have %d, want %d", got, report.Expected)
	}
	if report.Pending != 0 {
		return report, fmt.Errorf("%d records still pending after final pass", report.Pending)
	}
	if dups := client.Duplicates(); len(dups) > 0 {
		return report, fmt.Errorf("%d surveys delivered more than once (first: %s)", len(dups), dups[0])
	}
	return report, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Insert latency:\n")
	fmt.Fprintf(w, "  Total inserts: %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
