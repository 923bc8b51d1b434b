package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Run(t *testing.T) {
	events := make(chan Event, 16)
	boom := errors.New("boom")

	for _, evt := range []Event{
		{Type: EventTypeScanned},
		{Type: EventTypePartWritten, Bytes: 10},
		{Type: EventTypePartWritten, Bytes: 5},
		{Type: EventTypePartSkipped},
		{Type: EventTypeRetried},
		{Type: EventTypeCompleted},
		{Type: EventTypeScanned},
		{Type: EventTypeAbandoned, Err: boom},
		{Type: EventTypeSkipped},
		{Type: EventTypeInvalid},
	} {
		events <- evt
	}
	close(events)

	c := NewCollector()
	c.Run(context.Background(), events)

	got := c.Snapshot()
	assert.Equal(t, 2, got.Scanned)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, 2, got.PartsWritten)
	assert.Equal(t, 1, got.PartsSkipped)
	assert.Equal(t, int64(15), got.Bytes)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, 1, got.Abandoned)
	assert.Equal(t, 1, got.Skipped)
	assert.Equal(t, 1, got.Invalid)
	assert.Equal(t, boom, got.LastError, "invalid event without error keeps the last one")
	assert.Contains(t, got.LogAttrs(), "lastError")
}

func TestSinkFunc(t *testing.T) {
	var got []EventType
	var sink Sink = SinkFunc(func(evt Event) { got = append(got, evt.Type) })
	sink.EmitEvent(Event{Type: EventTypeScanned})
	Discard.EmitEvent(Event{Type: EventTypeError})
	assert.Equal(t, []EventType{EventTypeScanned}, got)
}
