package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/dhcgn/trackex/model"
)

// Recorder writes tracked messages into a tracking database, creating the
// schema when needed.
type Recorder struct {
	db *sql.DB
}

func CreateTracking(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(trackingSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tracking schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Track stores msg with its parts and context. Part payloads are consumed.
func (r *Recorder) Track(ctx context.Context, msg *model.TrackedMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	key := msg.ID.String()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tracked_messages (message_id) VALUES (?)`, key); err != nil {
		return fmt.Errorf("insert message %s: %w", key, err)
	}
	if err := insertContext(ctx, tx, key, messagePart, msg.Context); err != nil {
		return err
	}

	for idx, part := range msg.Parts {
		var body []byte
		if part.Data != nil {
			if body, err = io.ReadAll(part.Data); err != nil {
				return fmt.Errorf("read part %d of %s: %w", idx, key, err)
			}
			if body == nil {
				body = []byte{}
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tracked_parts (message_id, part_index, part_name, body) VALUES (?, ?, ?, ?)`, key, idx, part.Name, body); err != nil {
			return fmt.Errorf("insert part %d of %s: %w", idx, key, err)
		}
		if err := insertContext(ctx, tx, key, idx, part.Context); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertContext(ctx context.Context, tx *sql.Tx, key string, partIndex int, props model.Properties) error {
	for prop, v := range props {
		value, valueType := encodeValue(v)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_context (message_id, part_index, name, namespace, value, value_type) VALUES (?, ?, ?, ?, ?, ?)`,
			key, partIndex, prop.Name, prop.Namespace, value, valueType); err != nil {
			return fmt.Errorf("insert context %s of %s: %w", prop, key, err)
		}
	}
	return nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// CreateManagement writes the group settings pointing at the tracking
// database.
func CreateManagement(path, group, trackingHost, trackingDB string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(managementSchema); err != nil {
		return fmt.Errorf("create management schema: %w", err)
	}
	_, err = db.Exec(`INSERT OR REPLACE INTO adm_group (name, tracking_db_server, tracking_db_name) VALUES (?, ?, ?)`, group, trackingHost, trackingDB)
	return err
}
