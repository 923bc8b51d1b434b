package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/dhcgn/trackex/archive"
	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/store"
)

type Options struct {
	Path string
}

// Store serves tracked messages from an mbox archive. The archive is indexed
// by tracked message id on the first successful fetch and kept in memory;
// a failed load is attempted again on the next fetch.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	index map[uuid.UUID][]byte
}

var _ store.Store = (*Store)(nil)

func NewStore(opts Options, logger *slog.Logger) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Store{path: path, logger: logger}, nil
}

func (s *Store) FetchMessage(ctx context.Context, id uuid.UUID) (*model.TrackedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index, err := s.ensureIndex(ctx)
	if err != nil {
		return nil, err
	}

	raw, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("message %s in %s: %w", id, s.path, store.ErrNotFound)
	}
	return archive.Decode(raw, time.Time{})
}

// Len reports how many tracked messages the archive holds.
func (s *Store) Len(ctx context.Context) (int, error) {
	index, err := s.ensureIndex(ctx)
	return len(index), err
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) ensureIndex(ctx context.Context) (map[uuid.UUID][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}
	index, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.index = index
	return index, nil
}

func (s *Store) load(ctx context.Context) (map[uuid.UUID][]byte, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox %s: %w: %w", s.path, store.ErrConnection, err)
	}
	defer file.Close()

	index := make(map[uuid.UUID][]byte)
	reader := mboxlib.NewReader(file)
	skipped := 0

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		id, err := trackedID(raw)
		if err != nil {
			skipped++
			if s.logger != nil {
				s.logger.Debug("mbox message skipped", "path", s.path, "index", idx, "err", err)
			}
			continue
		}
		if _, dup := index[id]; dup {
			if s.logger != nil {
				s.logger.Warn("duplicate tracked message in mbox, keeping first", "path", s.path, "messageID", id)
			}
			continue
		}
		index[id] = raw
	}

	if s.logger != nil {
		s.logger.Debug("mbox archive indexed", "path", s.path, "messages", len(index), "skipped", skipped)
	}
	return index, nil
}

func trackedID(raw []byte) (uuid.UUID, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("read header: %w", err)
	}
	return archive.MessageID(message.Header{Header: h})
}

// Exporter appends tracked messages to an mbox archive in the form Store
// reads back.
type Exporter struct {
	file *os.File
	w    *mboxlib.Writer
	from string
}

// NewExporter creates path, which must not exist yet.
func NewExporter(path string) (*Exporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create mbox: %w", err)
	}
	return &Exporter{file: file, w: mboxlib.NewWriter(file), from: "trackex@localhost"}, nil
}

// Add writes msg, consuming its part payloads. receivedAt stamps the mbox
// separator line.
func (e *Exporter) Add(msg *model.TrackedMessage, receivedAt time.Time) error {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	w, err := e.w.CreateMessage(e.from, receivedAt)
	if err != nil {
		return fmt.Errorf("mbox message: %w", err)
	}
	if err := archive.Encode(w, msg); err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return nil
}

func (e *Exporter) Close() error {
	var firstErr error
	if err := e.w.Close(); err != nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	if err := e.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox: %w", err)
	}
	return firstErr
}
