package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/trackex/config"
	"github.com/dhcgn/trackex/extractor"
	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/state"
	"github.com/dhcgn/trackex/stats"
)

// Extractor is the per-identifier work the extract stage performs.
type Extractor interface {
	Extract(ctx context.Context, identifierText string) (extractor.Result, error)
}

type StageFunc func(context.Context) error

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner moves identifiers from the input file through a single extraction
// stage. Only one identifier is in flight at any time.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	identifiers chan model.Envelope

	journal state.Journal
	closer  func() error

	stages      []namedStage
	subscribers []*subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeInputOnce  sync.Once
	closeEventsOnce sync.Once
	since           time.Time
}

type namedStage struct {
	name string
	fn   StageFunc
}

// New creates a runner whose stages stop when parent is canceled. The
// journal in cfg.StateDir is opened read-write.
func New(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	journal, err := state.NewFileJournal(cfg.StateDir, true)
	if err != nil {
		return nil, fmt.Errorf("extraction journal: %w", err)
	}
	r := newRunner(parent, cfg, journal, logger)
	r.closer = journal.Close
	r.logger.Debug("extraction journal opened", "path", journal.Path())
	return r, nil
}

func newRunner(parent context.Context, cfg config.Config, journal state.Journal, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		identifiers: make(chan model.Envelope),
		journal:     journal,
	}
	r.AddStage("input", r.readInput)
	return r
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive its own copy of the event stream.
// Subscribers must be registered before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{name: name, fn: fn, events: make(chan stats.Event, 128)})
}

// AddStage registers a stage; stages start with Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, namedStage{name: name, fn: fn})
}

// Extract registers the extraction stage fed from the input file.
func (r *Runner) Extract(ex Extractor) {
	r.AddStage("extract", func(ctx context.Context) error {
		return r.extract(ctx, ex)
	})
}

// Start runs all stages to completion and returns the first stage failure.
func (r *Runner) Start() error {
	r.since = time.Now()

	// Subscribers run until the event streams close so the events of a
	// failing run are still counted.
	subCtx := context.WithoutCancel(r.ctx)
	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			// Stop-on-error subscribers must not stall EmitEvent.
			defer func() {
				for range sub.events {
				}
			}()
			if err := sub.fn(subCtx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, stage := range r.stages {
		r.workWG.Add(1)
		go func(stage namedStage) {
			defer r.workWG.Done()
			if err := stage.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", stage.name, err))
			}
		}(stage)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	if r.closer != nil {
		if err := r.closer(); err != nil {
			r.fail(err)
		}
	}

	err := r.err
	if err == nil {
		err = context.Cause(r.ctx)
	}
	r.cancel()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("extraction run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("extraction run completed", "duration", duration)
	return nil
}

func (r *Runner) readInput(ctx context.Context) error {
	defer r.closeInput()

	file, err := os.Open(r.cfg.InputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r.identifiers <- model.Envelope{Line: line, Identifier: text}:
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-ctx.Done():
		case r.identifiers <- model.Envelope{Err: fmt.Errorf("read input: %w", err)}:
		}
	}
	return nil
}

func (r *Runner) extract(ctx context.Context, ex Extractor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.identifiers:
			if !ok {
				return nil
			}
			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageInput, Type: stats.EventTypeError, Err: envelope.Err})
				return envelope.Err
			}
			if err := r.handle(ctx, ex, envelope); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, ex Extractor, envelope model.Envelope) error {
	id := envelope.Identifier
	r.EmitEvent(stats.Event{Stage: stats.StageInput, Type: stats.EventTypeScanned, MessageID: id})

	if r.cfg.SkipExtracted && r.journal.AlreadyExtracted(id) {
		r.logger.Debug("identifier already extracted", "messageID", id, "line", envelope.Line)
		r.EmitEvent(stats.Event{Stage: stats.StageInput, Type: stats.EventTypeSkipped, MessageID: id})
		return nil
	}

	res, err := ex.Extract(ctx, id)
	if errors.Is(err, extractor.ErrInvalidIdentifier) {
		err = fmt.Errorf("line %d: %w", envelope.Line, err)
		r.EmitEvent(stats.Event{Stage: stats.StageInput, Type: stats.EventTypeInvalid, MessageID: id, Err: err})
		if r.cfg.SkipInvalid {
			r.logger.Warn("skipping invalid identifier", "line", envelope.Line, "err", err)
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	if res.Outcome == extractor.OutcomeCompleted {
		if err := r.journal.MarkExtracted(id, res.Files); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) closeInput() {
	r.closeInputOnce.Do(func() {
		close(r.identifiers)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

// CountIdentifiers returns the number of non-blank lines in path.
func CountIdentifiers(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}
