// Package extractor writes tracked messages to files, one file per part.
//
// Each identifier moves through parsing, fetching and per-part processing.
// A failure after parsing goes to a retry.Decider; a retry starts again
// from fetching. Files written by a failed attempt stay on disk and later
// attempts allocate new numbered names next to them.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/naming"
	"github.com/dhcgn/trackex/retry"
	"github.com/dhcgn/trackex/stats"
	"github.com/dhcgn/trackex/store"
	"github.com/dhcgn/trackex/timestamp"
	"github.com/dhcgn/trackex/writer"
)

// DefaultExtension is used when no filename property supplies one.
const DefaultExtension = ".txt"

var ErrInvalidIdentifier = errors.New("invalid message identifier")

// PartFilter decides which parts are written by name.
type PartFilter interface {
	Allows(partName string) bool
}

type Options struct {
	OutputDir string
	// NameProperty is read from the message context to recover the original
	// filename. Zero means model.ReceivedFileName.
	NameProperty     model.Property
	DefaultExt       string
	TimestampLookups []model.Property
	ChunkSize        int
	Filter           PartFilter
	Now              func() time.Time
	Events           stats.Sink
}

type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAbandoned
)

func (o Outcome) String() string {
	if o == OutcomeAbandoned {
		return "abandoned"
	}
	return "completed"
}

// Result describes how one identifier ended.
type Result struct {
	ID       uuid.UUID
	Files    []string
	Attempts int
	Outcome  Outcome
	// Err is the last attempt's error for abandoned identifiers.
	Err error
}

type Extractor struct {
	store    store.Store
	decider  retry.Decider
	opts     Options
	resolver *naming.Resolver
	writer   *writer.Writer
	logger   *slog.Logger
}

func New(s store.Store, decider retry.Decider, opts Options, logger *slog.Logger) (*Extractor, error) {
	if s == nil {
		return nil, fmt.Errorf("extractor: store is nil")
	}
	if decider == nil {
		return nil, fmt.Errorf("extractor: retry decider is nil")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("extractor: output directory is empty")
	}
	if opts.NameProperty.Name == "" {
		opts.NameProperty = model.ReceivedFileName
	}
	if opts.DefaultExt == "" {
		opts.DefaultExt = DefaultExtension
	}
	if opts.TimestampLookups == nil {
		opts.TimestampLookups = timestamp.DefaultLookups
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Events == nil {
		opts.Events = stats.Discard
	}

	return &Extractor{
		store:    s,
		decider:  decider,
		opts:     opts,
		resolver: naming.New(opts.OutputDir),
		writer:   writer.New(opts.ChunkSize),
		logger:   logger,
	}, nil
}

// Extract processes one identifier. The returned error is non-nil for an
// unparsable identifier, a decider failure or cancellation of ctx; an
// identifier the decider abandons is reported through Result only.
func (e *Extractor) Extract(ctx context.Context, identifierText string) (Result, error) {
	text := strings.TrimSpace(identifierText)
	id, err := uuid.Parse(text)
	if err != nil {
		return Result{}, fmt.Errorf("%w %q: %w", ErrInvalidIdentifier, text, err)
	}

	result := Result{ID: id}
	for {
		result.Attempts++
		files, err := e.attempt(ctx, id, text)
		result.Files = append(result.Files, files...)
		if err == nil {
			result.Outcome = OutcomeCompleted
			e.emit(stats.Event{Type: stats.EventTypeCompleted, MessageID: text, Detail: fmt.Sprintf("%d files", len(files))})
			return result, nil
		}

		failure := retry.Failure{MessageID: text, Attempt: result.Attempts, Err: err, Kind: retry.Classify(err)}
		if e.logger != nil {
			e.logger.Warn("extraction attempt failed", "messageID", text, "attempt", failure.Attempt, "kind", failure.Kind, "err", err)
		}

		decision, derr := e.decider.Decide(ctx, failure)
		if derr != nil {
			result.Outcome, result.Err = OutcomeAbandoned, err
			return result, fmt.Errorf("retry decision for %s: %w", text, derr)
		}
		if decision == retry.Abandon {
			result.Outcome, result.Err = OutcomeAbandoned, err
			e.emit(stats.Event{Type: stats.EventTypeAbandoned, MessageID: text, Err: err})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			return result, nil
		}
		e.emit(stats.Event{Type: stats.EventTypeRetried, MessageID: text, Err: err})
	}
}

// attempt fetches the message and writes its parts. It returns the files
// written so far even when it fails.
func (e *Extractor) attempt(ctx context.Context, id uuid.UUID, text string) ([]string, error) {
	msg, err := e.store.FetchMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}

	base, ext := messageBase(text, id), e.opts.DefaultExt
	if original, ok := msg.Context.String(e.opts.NameProperty); ok {
		base, ext = naming.SplitName(original)
	}

	var files []string
	for _, part := range msg.Parts {
		partName := part.Name
		if part.Data == nil {
			continue
		}
		if e.opts.Filter != nil && !e.opts.Filter.Allows(partName) {
			e.emit(stats.Event{Type: stats.EventTypePartSkipped, MessageID: text, Detail: partName})
			continue
		}

		hint, _ := part.Context.String(e.opts.NameProperty)
		name := e.resolver.Resolve(base, ext, partName, hint)
		path := filepath.Join(e.opts.OutputDir, name)

		if e.logger != nil {
			e.logger.Info("saving message part", "messageID", text, "part", partName, "file", path)
		}
		n, err := e.writer.Write(ctx, part.Data, path)
		if err != nil {
			// A partial file from this attempt stays; report it.
			if !errors.Is(err, writer.ErrCreateConflict) && e.resolver.Exists(path) {
				files = append(files, name)
			}
			return files, fmt.Errorf("write part %s of %s: %w", partName, id, err)
		}
		files = append(files, name)

		modTime, err := timestamp.Resolve(e.opts.TimestampLookups, msg.Context, e.opts.Now())
		if err != nil {
			return files, fmt.Errorf("timestamp for %s: %w", name, err)
		}
		if err := writer.SetModTime(path, modTime); err != nil {
			return files, fmt.Errorf("set time on %s: %w", name, err)
		}
		e.emit(stats.Event{Type: stats.EventTypePartWritten, MessageID: text, Detail: name, Bytes: n})
	}
	return files, nil
}

func (e *Extractor) emit(evt stats.Event) {
	evt.Stage = stats.StageExtract
	e.opts.Events.EmitEvent(evt)
}

// messageBase keeps the identifier as typed when it is in canonical form so
// file names follow the operator's casing.
func messageBase(text string, id uuid.UUID) string {
	if len(text) == 36 {
		return text
	}
	return id.String()
}
