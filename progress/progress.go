package progress

import (
	"context"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/trackex/stats"
)

// Bar tracks identifiers handled from the input file.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. It only renders for info-level runs without
// interactive prompts, which would otherwise be painted over.
func New(total int, logLevel string, interactive bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && !interactive && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Extracting messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Identifiers in input: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled
}

// Update advances the bar on scanned identifiers.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Extracting: " + evt.MessageID)
		}
	case stats.EventTypeAbandoned, stats.EventTypeInvalid, stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.MessageID, evt.Err)
		}
	}
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.Enabled() || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds the bar from a stats event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter prints the run summary once the event stream closes.
type Reporter struct {
	collector *stats.Collector
	started   time.Time
	printer   func(stats.Summary, time.Duration)
}

// NewReporter subscribes the bar, when enabled, and a summary collector.
func NewReporter(stream stats.EventStream, bar *Bar) *Reporter {
	reporter := &Reporter{
		collector: stats.NewCollector(),
		started:   time.Now(),
		printer:   PrintSummary,
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
	}
	stream.SubscribeStats("progress-stats", reporter.collect)

	return reporter
}

func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) collect(ctx context.Context, events <-chan stats.Event) error {
	r.collector.Run(ctx, events)

	summary := r.collector.Snapshot()
	if r.printer != nil {
		r.printer(summary, time.Since(r.started))
	}
	return nil
}

// PrintSummary renders a run summary.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Identifiers scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Messages completed: %d\n", summary.Completed)
	pterm.Info.Printf("Parts written: %d (%d bytes)\n", summary.PartsWritten, summary.Bytes)
	pterm.Info.Printf("Parts skipped: %d\n", summary.PartsSkipped)
	pterm.Info.Printf("Retries: %d\n", summary.Retries)
	pterm.Info.Printf("Already extracted (skipped): %d\n", summary.Skipped)
	if summary.Invalid > 0 {
		pterm.Warning.Printf("Invalid identifiers: %d\n", summary.Invalid)
	}
	if summary.Abandoned > 0 {
		pterm.Warning.Printf("Abandoned: %d\n", summary.Abandoned)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
