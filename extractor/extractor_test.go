package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/trackex/console"
	"github.com/dhcgn/trackex/filter"
	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/retry"
	"github.com/dhcgn/trackex/stats"
	"github.com/dhcgn/trackex/store"
)

const scenarioID = "AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE"

var created = time.Date(2012, 11, 5, 14, 3, 0, 0, time.UTC)

// fakeStore builds a fresh message on every fetch, as part data is consumed
// once. Scripted errors are returned before the message is served.
type fakeStore struct {
	build  func(id uuid.UUID) *model.TrackedMessage
	errs   []error
	calls  int
	closed bool
}

func (s *fakeStore) FetchMessage(_ context.Context, id uuid.UUID) (*model.TrackedMessage, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.build(id), nil
}

func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

type scriptedDecider struct {
	decisions []retry.Decision
	failures  []retry.Failure
}

func (d *scriptedDecider) Decide(_ context.Context, f retry.Failure) (retry.Decision, error) {
	d.failures = append(d.failures, f)
	if len(d.decisions) == 0 {
		return retry.Abandon, nil
	}
	next := d.decisions[0]
	d.decisions = d.decisions[1:]
	return next, nil
}

func onePart(id uuid.UUID) *model.TrackedMessage {
	return &model.TrackedMessage{
		ID:      id,
		Context: model.Properties{model.FileCreationTime: created},
		Parts:   []model.Part{{Name: "Part0", Data: strings.NewReader("payload")}},
	}
}

func newExtractor(t *testing.T, s store.Store, d retry.Decider, opts Options) *Extractor {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	e, err := New(s, d, opts, nil)
	require.NoError(t, err)
	return e
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

func TestExtract_SinglePartScenario(t *testing.T) {
	dir := t.TempDir()
	e := newExtractor(t, &fakeStore{build: onePart}, &scriptedDecider{}, Options{OutputDir: dir})

	res, err := e.Extract(context.Background(), "  "+scenarioID+"\n")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{scenarioID + "_Part0.txt"}, res.Files)

	path := filepath.Join(dir, scenarioID+"_Part0.txt")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(created), "mtime %v", info.ModTime())
}

func TestExtract_AllPayloadPartsBecomeFiles(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("x"), 2500)
	build := func(id uuid.UUID) *model.TrackedMessage {
		return &model.TrackedMessage{
			ID: id,
			Parts: []model.Part{
				{Name: "body", Data: bytes.NewReader(payload)},
				{Name: "empty"},
				{Name: "attachment", Data: strings.NewReader("pdf"), Context: model.Properties{model.ReceivedFileName: `C:\scans\in|voice?.pdf`}},
				{Data: strings.NewReader("unnamed")},
			},
		}
	}
	e := newExtractor(t, &fakeStore{build: build}, &scriptedDecider{}, Options{OutputDir: dir})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	want := []string{
		scenarioID + "_body.txt",
		scenarioID + "_invoice.pdf",
		scenarioID + "_.txt",
	}
	assert.Equal(t, want, res.Files)

	got := listDir(t, dir)
	sort.Strings(want)
	assert.Equal(t, want, got)

	data, err := os.ReadFile(filepath.Join(dir, scenarioID+"_body.txt"))
	require.NoError(t, err)
	assert.Len(t, data, 2500)
}

func TestExtract_MessageFilenameReplacesBase(t *testing.T) {
	dir := t.TempDir()
	build := func(id uuid.UUID) *model.TrackedMessage {
		msg := onePart(id)
		msg.Context[model.ReceivedFileName] = `\\share\inbound\order-17.xml`
		return msg
	}
	e := newExtractor(t, &fakeStore{build: build}, &scriptedDecider{}, Options{OutputDir: dir})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, []string{"order-17_Part0.xml"}, res.Files)
}

func TestExtract_CustomNameProperty(t *testing.T) {
	custom := model.Property{Name: "OriginalName", Namespace: "urn:custom"}
	build := func(id uuid.UUID) *model.TrackedMessage {
		msg := onePart(id)
		msg.Context[model.ReceivedFileName] = "ignored.xml"
		msg.Context[custom] = "picked.csv"
		return msg
	}
	e := newExtractor(t, &fakeStore{build: build}, &scriptedDecider{}, Options{NameProperty: custom})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, []string{"picked_Part0.csv"}, res.Files)
}

func TestExtract_RerunCreatesAdditionalFiles(t *testing.T) {
	dir := t.TempDir()
	e := newExtractor(t, &fakeStore{build: onePart}, &scriptedDecider{}, Options{OutputDir: dir})

	for i := 0; i < 3; i++ {
		_, err := e.Extract(context.Background(), scenarioID)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		scenarioID + "_Part0.txt",
		scenarioID + "_Part00.txt",
		scenarioID + "_Part01.txt",
	}, listDir(t, dir))
}

func TestExtract_InvalidIdentifierIsNotRetried(t *testing.T) {
	s := &fakeStore{build: onePart}
	d := &scriptedDecider{}
	e := newExtractor(t, s, d, Options{})

	_, err := e.Extract(context.Background(), "not-a-guid")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	assert.Zero(t, s.calls)
	assert.Empty(t, d.failures)
}

func TestExtract_ConnectionErrorThenOperatorRetries(t *testing.T) {
	dir := t.TempDir()
	s := &fakeStore{build: onePart, errs: []error{fmt.Errorf("dial: %w", store.ErrConnection)}}
	var out bytes.Buffer
	prompt := console.RetryPrompt{Console: console.New(strings.NewReader("maybe\ny\n"), &out)}
	e := newExtractor(t, s, prompt, Options{OutputDir: dir})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{scenarioID + "_Part0.txt"}, res.Files)
	assert.Equal(t, []string{scenarioID + "_Part0.txt"}, listDir(t, dir))
	assert.Contains(t, out.String(), "Invalid answer, Y or N please.")

	info, err := os.Stat(filepath.Join(dir, scenarioID+"_Part0.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(created))
}

func TestExtract_Abandon(t *testing.T) {
	notFound := fmt.Errorf("lookup: %w", store.ErrNotFound)
	s := &fakeStore{build: onePart, errs: []error{notFound}}
	d := &scriptedDecider{decisions: []retry.Decision{retry.Abandon}}
	var events []stats.Event
	e := newExtractor(t, s, d, Options{Events: stats.SinkFunc(func(evt stats.Event) { events = append(events, evt) })})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.ErrorIs(t, res.Err, store.ErrNotFound)
	require.Len(t, d.failures, 1)
	assert.Equal(t, retry.KindNotFound, d.failures[0].Kind)
	assert.Equal(t, 1, d.failures[0].Attempt)
	require.Len(t, events, 1)
	assert.Equal(t, stats.EventTypeAbandoned, events[0].Type)
}

func TestExtract_PolicyExhaustsAttempts(t *testing.T) {
	connErr := fmt.Errorf("dial: %w", store.ErrConnection)
	s := &fakeStore{build: onePart, errs: []error{connErr, connErr, connErr}}
	policy := retry.DefaultPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	e := newExtractor(t, s, policy, Options{})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, s.calls)
}

func TestExtract_DeciderErrorIsReturned(t *testing.T) {
	s := &fakeStore{build: onePart, errs: []error{store.ErrConnection}}
	prompt := console.RetryPrompt{Console: console.New(strings.NewReader(""), &bytes.Buffer{})}
	e := newExtractor(t, s, prompt, Options{})

	res, err := e.Extract(context.Background(), scenarioID)
	require.Error(t, err)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.ErrorIs(t, res.Err, store.ErrConnection)
}

func TestExtract_FilteredPartsAreSkipped(t *testing.T) {
	f, err := filter.New(filter.Options{ExcludePart: []string{"^sig"}})
	require.NoError(t, err)
	build := func(id uuid.UUID) *model.TrackedMessage {
		return &model.TrackedMessage{ID: id, Parts: []model.Part{
			{Name: "body", Data: strings.NewReader("a")},
			{Name: "signature", Data: strings.NewReader("b")},
		}}
	}
	var skipped int
	sink := stats.SinkFunc(func(evt stats.Event) {
		if evt.Type == stats.EventTypePartSkipped {
			skipped++
		}
	})
	e := newExtractor(t, &fakeStore{build: build}, &scriptedDecider{}, Options{Filter: f, Events: sink})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, []string{scenarioID + "_body.txt"}, res.Files)
	assert.Equal(t, 1, skipped)
}

func TestExtract_TimestampFallsBackToClock(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	received := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	build := func(id uuid.UUID) *model.TrackedMessage {
		return &model.TrackedMessage{ID: id,
			Context: model.Properties{model.AdapterReceiveCompleteTime: received},
			Parts: []model.Part{
				{Name: "a", Data: strings.NewReader("a")},
			}}
	}
	e := newExtractor(t, &fakeStore{build: build}, &scriptedDecider{}, Options{OutputDir: dir, Now: func() time.Time { return now }})
	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, res.Files[0]))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(received))

	e = newExtractor(t, &fakeStore{build: func(id uuid.UUID) *model.TrackedMessage {
		return &model.TrackedMessage{ID: id, Parts: []model.Part{{Name: "b", Data: strings.NewReader("b")}}}
	}}, &scriptedDecider{}, Options{OutputDir: dir, Now: func() time.Time { return now }})
	res, err = e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	info, err = os.Stat(filepath.Join(dir, res.Files[0]))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(now))
}

func TestExtract_UnconvertibleTimestampGoesToDecider(t *testing.T) {
	build := func(id uuid.UUID) *model.TrackedMessage {
		msg := onePart(id)
		msg.Context[model.FileCreationTime] = 3.14
		return msg
	}
	d := &scriptedDecider{}
	e := newExtractor(t, &fakeStore{build: build}, d, Options{})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	require.Len(t, d.failures, 1)
	assert.Equal(t, retry.KindConversion, d.failures[0].Kind)
	assert.Equal(t, []string{scenarioID + "_Part0.txt"}, res.Files, "the written file is reported even though the attempt failed")
}

// failingReader fails on its first read, before any payload arrives.
type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestExtract_RetryAfterMidMessageFailureKeepsEarlierFiles(t *testing.T) {
	dir := t.TempDir()
	s := &fakeStore{}
	s.build = func(id uuid.UUID) *model.TrackedMessage {
		if s.calls == 1 {
			return &model.TrackedMessage{ID: id, Parts: []model.Part{
				{Name: "body", Data: strings.NewReader("body-1")},
				{Name: "att", Data: failingReader{err: errors.New("stream reset")}},
			}}
		}
		return &model.TrackedMessage{ID: id, Parts: []model.Part{
			{Name: "body", Data: strings.NewReader("body-2")},
			{Name: "att", Data: strings.NewReader("att-2")},
		}}
	}
	d := &scriptedDecider{decisions: []retry.Decision{retry.Retry}}
	e := newExtractor(t, s, d, Options{OutputDir: dir})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, d.failures, 1)

	// The first attempt leaves body and the empty att it created.
	want := []string{
		scenarioID + "_body.txt",
		scenarioID + "_att.txt",
		scenarioID + "_body0.txt",
		scenarioID + "_att0.txt",
	}
	assert.Equal(t, want, res.Files)
	sort.Strings(want)
	assert.Equal(t, want, listDir(t, dir))

	for name, content := range map[string]string{
		scenarioID + "_body.txt":  "body-1",
		scenarioID + "_att.txt":   "",
		scenarioID + "_body0.txt": "body-2",
		scenarioID + "_att0.txt":  "att-2",
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, content, string(data), name)
	}
}

func TestExtract_RetryAfterFailureBeforeSecondPartCreated(t *testing.T) {
	dir := t.TempDir()
	s := &fakeStore{}
	s.build = func(id uuid.UUID) *model.TrackedMessage {
		msg := &model.TrackedMessage{ID: id,
			Context: model.Properties{model.FileCreationTime: created},
			Parts: []model.Part{
				{Name: "body", Data: strings.NewReader(fmt.Sprintf("body-%d", s.calls))},
				{Name: "att", Data: strings.NewReader("att")},
			}}
		if s.calls == 1 {
			msg.Context[model.FileCreationTime] = 3.14
		}
		return msg
	}
	d := &scriptedDecider{decisions: []retry.Decision{retry.Retry}}
	e := newExtractor(t, s, d, Options{OutputDir: dir})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	want := []string{scenarioID + "_body.txt", scenarioID + "_body0.txt", scenarioID + "_att.txt"}
	assert.Equal(t, want, res.Files)
	sort.Strings(want)
	assert.Equal(t, want, listDir(t, dir))

	data, err := os.ReadFile(filepath.Join(dir, scenarioID+"_body.txt"))
	require.NoError(t, err)
	assert.Equal(t, "body-1", string(data))
}

func TestExtract_OverlongHintGoesToDecider(t *testing.T) {
	build := func(id uuid.UUID) *model.TrackedMessage {
		return &model.TrackedMessage{ID: id, Parts: []model.Part{{
			Name:    "body",
			Data:    strings.NewReader("x"),
			Context: model.Properties{model.ReceivedFileName: strings.Repeat("n", 300) + ".xml"},
		}}}
	}
	d := &scriptedDecider{}
	e := newExtractor(t, &fakeStore{build: build}, d, Options{})

	res, err := e.Extract(context.Background(), scenarioID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	require.Len(t, d.failures, 1)
	assert.Equal(t, retry.KindFilesystem, d.failures[0].Kind)
	assert.Empty(t, res.Files)
}

func TestExtract_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeStore{build: onePart, errs: []error{context.Canceled}}
	e := newExtractor(t, s, retry.DefaultPolicy(), Options{})

	res, err := e.Extract(ctx, scenarioID)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &scriptedDecider{}, Options{OutputDir: "."}, nil)
	assert.Error(t, err)
	_, err = New(&fakeStore{}, nil, Options{OutputDir: "."}, nil)
	assert.Error(t, err)
	_, err = New(&fakeStore{}, &scriptedDecider{}, Options{}, nil)
	assert.Error(t, err)
}

func TestMessageBase(t *testing.T) {
	id := uuid.MustParse(scenarioID)
	assert.Equal(t, scenarioID, messageBase(scenarioID, id))
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", messageBase("{"+scenarioID+"}", id))
}
