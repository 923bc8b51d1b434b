// Package sqlite implements the tracking store on SQLite databases.
//
// Two databases are involved. The management database holds the group
// settings, including where the tracking database lives. The tracking
// database holds tracked messages, their parts and context properties.
// Host names map to directories: an empty host, "." or "localhost" is the
// working directory. A database name without extension gets ".db".
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/dhcgn/trackex/model"
	"github.com/dhcgn/trackex/store"
)

// messagePart is the part_index recorded for message-level context rows.
const messagePart = -1

const trackingSchema = `
CREATE TABLE IF NOT EXISTS tracked_messages (
	message_id TEXT PRIMARY KEY,
	tracked_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tracked_parts (
	message_id TEXT NOT NULL,
	part_index INTEGER NOT NULL,
	part_name TEXT NOT NULL DEFAULT '',
	body BLOB,
	PRIMARY KEY (message_id, part_index)
);
CREATE TABLE IF NOT EXISTS tracked_context (
	message_id TEXT NOT NULL,
	part_index INTEGER NOT NULL DEFAULT -1,
	name TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	value TEXT,
	value_type TEXT NOT NULL DEFAULT 'string'
);
CREATE INDEX IF NOT EXISTS tracked_context_message ON tracked_context (message_id, part_index);
`

const managementSchema = `
CREATE TABLE IF NOT EXISTS adm_group (
	name TEXT PRIMARY KEY,
	tracking_db_server TEXT NOT NULL DEFAULT '',
	tracking_db_name TEXT NOT NULL
);
`

// Store reads tracked messages from the tracking database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// DatabasePath maps a host and database name to a file path.
func DatabasePath(host, name string) string {
	if filepath.Ext(name) == "" {
		name += ".db"
	}
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "", ".", "localhost":
		return name
	}
	return filepath.Join(host, name)
}

// Open connects to the tracking database, asking the management database for
// its location when settings leave it blank.
func Open(ctx context.Context, settings store.Settings, logger *slog.Logger) (*Store, error) {
	host, name := settings.TrackingHost, settings.TrackingDB
	if name == "" {
		if settings.MgmtDB == "" {
			return nil, fmt.Errorf("neither tracking nor management database configured: %w", store.ErrConnection)
		}
		var err error
		host, name, err = ResolveTracking(ctx, DatabasePath(settings.MgmtHost, settings.MgmtDB))
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Debug("tracking database resolved from management database", "host", host, "db", name)
		}
	}

	path := DatabasePath(host, name)
	db, err := openReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// ResolveTracking reads the tracking database location from the management
// database at mgmtPath.
func ResolveTracking(ctx context.Context, mgmtPath string) (host, name string, err error) {
	db, err := openReadOnly(ctx, mgmtPath)
	if err != nil {
		return "", "", err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `SELECT tracking_db_server, tracking_db_name FROM adm_group ORDER BY name LIMIT 1`)
	if err := row.Scan(&host, &name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("management database %s has no group settings: %w", mgmtPath, store.ErrConnection)
		}
		return "", "", classify(fmt.Sprintf("read group settings from %s", mgmtPath), err)
	}
	return host, name, nil
}

func openReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, store.ErrConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("connect "+path, err)
	}
	return db, nil
}

func (s *Store) FetchMessage(ctx context.Context, id uuid.UUID) (*model.TrackedMessage, error) {
	key := id.String()

	var trackedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT tracked_at FROM tracked_messages WHERE message_id = ?`, key).Scan(&trackedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s in %s: %w", key, s.path, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("query message "+key, err)
	}

	contexts, err := s.contexts(ctx, key)
	if err != nil {
		return nil, err
	}

	msg := &model.TrackedMessage{ID: id, Context: contexts[messagePart]}
	if msg.Context == nil {
		msg.Context = model.Properties{}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT part_index, part_name, body FROM tracked_parts WHERE message_id = ? ORDER BY part_index`, key)
	if err != nil {
		return nil, classify("query parts of "+key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx  int
			name string
			body []byte
		)
		if err := rows.Scan(&idx, &name, &body); err != nil {
			return nil, classify("scan part of "+key, err)
		}
		part := model.Part{Name: name, Context: contexts[idx]}
		if body != nil {
			part.Data = bytes.NewReader(body)
		}
		msg.Parts = append(msg.Parts, part)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read parts of "+key, err)
	}

	if s.logger != nil {
		s.logger.Debug("fetched tracked message", "messageID", key, "parts", len(msg.Parts), "db", s.path)
	}
	return msg, nil
}

func (s *Store) contexts(ctx context.Context, key string) (map[int]model.Properties, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT part_index, name, namespace, value, value_type FROM tracked_context WHERE message_id = ?`, key)
	if err != nil {
		return nil, classify("query context of "+key, err)
	}
	defer rows.Close()

	out := make(map[int]model.Properties)
	for rows.Next() {
		var (
			idx             int
			name, namespace string
			value           sql.NullString
			valueType       string
		)
		if err := rows.Scan(&idx, &name, &namespace, &value, &valueType); err != nil {
			return nil, classify("scan context of "+key, err)
		}
		if out[idx] == nil {
			out[idx] = model.Properties{}
		}
		prop := model.Property{Name: name, Namespace: namespace}
		if !value.Valid {
			out[idx][prop] = nil
			continue
		}
		v, err := decodeValue(value.String, valueType)
		if err != nil {
			return nil, fmt.Errorf("context property %s of %s: %w", prop, key, err)
		}
		out[idx][prop] = v
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read context of "+key, err)
	}
	return out, nil
}

func decodeValue(value, valueType string) (any, error) {
	switch valueType {
	case "", "string":
		return value, nil
	case "datetime":
		return time.Parse(time.RFC3339Nano, value)
	case "int":
		return strconv.ParseInt(value, 10, 64)
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}

func encodeValue(v any) (value, valueType string) {
	switch val := v.(type) {
	case time.Time:
		return val.Format(time.RFC3339Nano), "datetime"
	case int64:
		return strconv.FormatInt(val, 10), "int"
	case int:
		return strconv.Itoa(val), "int"
	case string:
		return val, "string"
	default:
		return fmt.Sprint(val), "string"
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the store error kinds.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
			return fmt.Errorf("%s: %w: %w", op, store.ErrPermission, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrConnection, err)
}
