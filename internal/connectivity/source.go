package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Default probe settings.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Pinger checks reachability of the remote system. remote.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeSource derives connectivity from periodic pings.
type ProbeSource struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Watch implements Source. It probes immediately, then on every interval.
func (p *ProbeSource) Watch(ctx context.Context, report func(online bool)) error {
	if p.Pinger == nil {
		return fmt.Errorf("probe source needs a pinger")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	report(p.Probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report(p.Probe(ctx))
		}
	}
}

// Probe pings once and reports whether it succeeded.
func (p *ProbeSource) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.Pinger.Ping(ctx); err != nil {
		if p.Logger != nil {
			p.Logger.Debug("Connectivity probe failed", "error", err)
		}
		return false
	}
	return true
}

// FileSource reads the state from a file the host platform maintains.
//
// The file holds a single word: "online" or "offline" ("1"/"0", "up"/"down"
// and "true"/"false" are accepted too). A missing file means offline.
// The parent directory is watched so atomic replace-by-rename is seen.
type FileSource struct {
	Path   string
	Logger *slog.Logger
}

// Watch implements Source.
func (f *FileSource) Watch(ctx context.Context, report func(online bool)) error {
	if f.Path == "" {
		return fmt.Errorf("file source needs a path")
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve state file %s: %w", f.Path, err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch state directory %s: %w", dir, err)
	}

	report(ReadStateFile(absPath))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			// Ignore chmod-only events.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			report(ReadStateFile(absPath))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("State file watcher error", "path", absPath, "error", err)
		}
	}
}

// ReadStateFile parses a connectivity state file. Unreadable or
// unrecognised content counts as offline.
func ReadStateFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	online, err := ParseState(string(data))
	if err != nil {
		return false
	}
	return online
}

// ErrUnknownState is returned by ParseState for unrecognised input.
var ErrUnknownState = errors.New("unknown connectivity state")

// ParseState converts a state word into a boolean.
func ParseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "up", "1", "true":
		return true, nil
	case "offline", "down", "0", "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
}

// Always is a Source that reports a fixed state once.
type Always bool

// Watch implements Source.
func (a Always) Watch(ctx context.Context, report func(online bool)) error {
	report(bool(a))
	<-ctx.Done()
	return nil
}
