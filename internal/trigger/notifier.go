package trigger

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/conectividade/fieldsync/internal/syncer"
)

// Notifier receives the result of each pass the daemon runs.
// Implementations must not block for long; they run on the daemon's
// event loop.
type Notifier interface {
	OnPassComplete(res syncer.Result)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(res syncer.Result)

// OnPassComplete implements Notifier.
func (f NotifierFunc) OnPassComplete(res syncer.Result) {
	f(res)
}

// LogNotifier shows the user-facing notice for each pass: aggregate counts
// only, never per-record detail.
type LogNotifier struct {
	// Out receives the notice line. Nil disables it.
	Out io.Writer
	// Format styles the notice before it is written. Nil leaves it plain.
	Format func(res syncer.Result, notice string) string
	Logger *slog.Logger
}

// OnPassComplete implements Notifier.
func (n *LogNotifier) OnPassComplete(res syncer.Result) {
	notice := res.Notice()
	if notice == "" {
		return
	}
	if n.Logger != nil {
		n.Logger.Info("Sync notice",
			"pass_id", res.PassID, "synced", res.SuccessCount, "failed", res.FailCount)
	}
	if n.Out == nil {
		return
	}
	if n.Format != nil {
		notice = n.Format(res, notice)
	}
	fmt.Fprintln(n.Out, notice)
}
