// Package console implements the operator-facing terminal interaction:
// prompts with defaults, coloured error and warning lines, the retry
// question asked after a failed extraction and the end-of-run pause.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"github.com/dhcgn/trackex/retry"
)

// ErrEmptyValue is reported when a required prompt receives no input.
var ErrEmptyValue = errors.New("a value is required")

// Console reads answers line by line from in and writes to out. It is not
// safe for concurrent use.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	// pending carries the result of the read in flight, if any. A read
	// outlives a canceled prompt and answers the next one.
	pending chan readResult
}

type readResult struct {
	line string
	err  error
}

func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// readLine returns the next input line or ctx.Err(), whichever comes first.
func (c *Console) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.pending == nil {
		c.pending = make(chan readResult, 1)
		go func(ch chan<- readResult) {
			line, err := c.in.ReadString('\n')
			ch <- readResult{line: line, err: err}
		}(c.pending)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-c.pending:
		c.pending = nil
		return res.line, res.err
	}
}

// Prompt shows label (and def, when set) and returns the trimmed answer, or
// def for an empty answer. io.EOF is returned once input is exhausted.
func (c *Console) Prompt(ctx context.Context, label, def string) (string, error) {
	if def != "" {
		fmt.Fprint(c.out, pterm.FgCyan.Sprintf("%s [%s]: ", label, def))
	} else {
		fmt.Fprint(c.out, pterm.FgCyan.Sprintf("%s: ", label))
	}

	line, err := c.readLine(ctx)
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

// PromptFor asks until the answer converts with parse. Conversion failures
// print a warning and ask again. With allowEmpty an empty answer yields the
// zero value.
func PromptFor[T any](ctx context.Context, c *Console, label, def string, allowEmpty bool, parse func(string) (T, error)) (T, error) {
	var zero T
	for {
		value, err := c.Prompt(ctx, label, def)
		if err != nil {
			return zero, err
		}
		if value == "" {
			if allowEmpty {
				return zero, nil
			}
			c.Error(ErrEmptyValue)
			continue
		}
		result, err := parse(value)
		if err != nil {
			c.Error(fmt.Errorf("cannot convert '%s' to a %T: %w", value, zero, err))
			continue
		}
		return result, nil
	}
}

// Value asks for a text value that check accepts.
func (c *Console) Value(ctx context.Context, label, def string, allowEmpty bool, check func(string) (string, error)) (string, error) {
	return PromptFor(ctx, c, label, def, allowEmpty, check)
}

// Error prints err behind the ** marker in red.
func (c *Console) Error(err error) {
	fmt.Fprintln(c.out, pterm.FgRed.Sprintf("** %v **", err))
}

func (c *Console) Warn(msg string) {
	fmt.Fprintln(c.out, pterm.FgYellow.Sprint(msg))
}

// Pause blocks until the operator presses ENTER, input ends or ctx is done.
func (c *Console) Pause(ctx context.Context, msg string) error {
	fmt.Fprint(c.out, pterm.FgGreen.Sprint(msg))
	_, err := c.readLine(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// RetryPrompt asks the operator whether a failed identifier should be tried
// again. It never gives up on its own: only an explicit N abandons.
type RetryPrompt struct {
	Console *Console
}

func (p RetryPrompt) Decide(ctx context.Context, f retry.Failure) (retry.Decision, error) {
	p.Console.Error(f.Err)
	for {
		answer, err := p.Console.Prompt(ctx, "Would you like to retry this message? [Y/N]", "")
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return retry.Abandon, ctxErr
			}
			return retry.Abandon, fmt.Errorf("retry prompt for %s: %w", f.MessageID, err)
		}
		switch strings.ToUpper(answer) {
		case "Y":
			return retry.Retry, nil
		case "N":
			return retry.Abandon, nil
		default:
			p.Console.Warn("Invalid answer, Y or N please.")
		}
	}
}
