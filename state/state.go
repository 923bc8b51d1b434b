// Package state keeps a journal of extracted messages so later runs can
// skip identifiers that already produced files.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JournalFile is the journal's file name inside the state directory.
const JournalFile = "extracted.jsonl"

type Journal interface {
	AlreadyExtracted(messageID string) bool
	MarkExtracted(messageID string, files []string) error
	Files(messageID string) []string
	Snapshot() Snapshot
}

type Snapshot struct {
	Extracted int
}

// Record is one journal line.
type Record struct {
	MessageID   string    `json:"message_id"`
	Files       []string  `json:"files"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type MemoryJournal struct {
	mu        sync.RWMutex
	extracted map[string][]string
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{extracted: make(map[string][]string)}
}

func (m *MemoryJournal) AlreadyExtracted(messageID string) bool {
	key := normalize(messageID)
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.extracted[key]
	m.mu.RUnlock()
	return ok
}

// MarkExtracted records the files written for messageID. Repeated calls
// accumulate files, as every re-extraction writes new ones.
func (m *MemoryJournal) MarkExtracted(messageID string, files []string) error {
	m.add(normalize(messageID), files)
	return nil
}

func (m *MemoryJournal) add(key string, files []string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	m.extracted[key] = append(m.extracted[key], files...)
	m.mu.Unlock()
}

func (m *MemoryJournal) Files(messageID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files := m.extracted[normalize(messageID)]
	out := make([]string, len(files))
	copy(out, files)
	return out
}

func (m *MemoryJournal) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.extracted)
	m.mu.RUnlock()
	return Snapshot{Extracted: count}
}

// FileJournal appends journal records to a JSONL file in the state directory.
type FileJournal struct {
	*MemoryJournal
	path    string
	persist bool
	now     func() time.Time
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

// NewFileJournal loads the journal in stateDir. With persist unset the
// journal is read but never written.
func NewFileJournal(stateDir string, persist bool) (*FileJournal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if persist {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	journal := &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          filepath.Join(stateDir, JournalFile),
		persist:       persist,
		now:           time.Now,
	}

	if err := journal.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(journal.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open journal for append: %w", err)
		}
		journal.file = file
		journal.writer = bufio.NewWriterSize(file, 16*1024)
	}

	return journal, nil
}

func (f *FileJournal) Path() string {
	return f.path
}

func (f *FileJournal) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse journal line %d: %w", line, err)
		}
		f.add(normalize(record.MessageID), record.Files)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	return nil
}

func (f *FileJournal) MarkExtracted(messageID string, files []string) error {
	key := normalize(messageID)
	if key == "" {
		return nil
	}
	f.add(key, files)

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(Record{MessageID: key, Files: files, ExtractedAt: f.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	// One record per message; flushing keeps the journal intact if the run
	// is killed between messages.
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}

	return nil
}

// Close flushes and closes the journal file.
func (f *FileJournal) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	f.file = nil

	return firstErr
}

func normalize(messageID string) string {
	return strings.ToLower(strings.TrimSpace(messageID))
}
