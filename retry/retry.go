// Package retry decides what happens to a message identifier whose
// extraction attempt failed.
//
// A Decider is consulted after every failed attempt and answers Retry or
// Abandon. Policy is the non-interactive implementation: bounded attempts
// with exponential backoff and a set of error kinds that are never retried.
// The interactive implementation lives in package console.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/dhcgn/trackex/store"
	"github.com/dhcgn/trackex/timestamp"
	"github.com/dhcgn/trackex/writer"
)

type Decision int

const (
	Abandon Decision = iota
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "abandon"
}

// Kind classifies why an attempt failed.
type Kind string

const (
	KindNotFound   Kind = "not-found"
	KindStore      Kind = "store"
	KindFilesystem Kind = "filesystem"
	KindConversion Kind = "conversion"
	KindCanceled   Kind = "canceled"
	KindUnknown    Kind = "unknown"
)

var knownKinds = []Kind{KindNotFound, KindStore, KindFilesystem, KindConversion, KindCanceled, KindUnknown}

// Failure describes one failed attempt.
type Failure struct {
	MessageID string
	Attempt   int
	Err       error
	Kind      Kind
}

type Decider interface {
	Decide(ctx context.Context, f Failure) (Decision, error)
}

// Classify maps an attempt error onto a Kind.
func Classify(err error) Kind {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrConnection), errors.Is(err, store.ErrPermission):
		return KindStore
	case errors.Is(err, writer.ErrCreateConflict), errors.As(err, &pathErr):
		return KindFilesystem
	case errors.Is(err, timestamp.ErrUnsupportedValue):
		return KindConversion
	default:
		return KindUnknown
	}
}

// ParseKinds converts kind names as written in configuration.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		found := false
		for _, k := range knownKinds {
			if string(k) == name {
				kinds = append(kinds, k)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown error kind %q", name)
		}
	}
	return kinds, nil
}

// Policy retries up to MaxAttempts attempts in total, sleeping between them
// with exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Fatal        []Kind

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Fatal:        []Kind{KindNotFound},
	}
}

func (p Policy) Decide(ctx context.Context, f Failure) (Decision, error) {
	if ctx.Err() != nil || f.Kind == KindCanceled || p.isFatal(f.Kind) {
		return Abandon, nil
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if f.Attempt >= maxAttempts {
		return Abandon, nil
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, p.Delay(f.Attempt)); err != nil {
		return Abandon, nil
	}
	return Retry, nil
}

// Delay is the backoff before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) isFatal(kind Kind) bool {
	for _, k := range p.Fatal {
		if k == kind {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
