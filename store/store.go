// Package store defines the contract between the extractor and the message
// tracking stores it reads from.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dhcgn/trackex/model"
)

var (
	ErrNotFound   = errors.New("message not found in tracking store")
	ErrConnection = errors.New("tracking store unreachable")
	ErrPermission = errors.New("tracking store access denied")
)

// Store resolves message identifiers to tracked messages.
type Store interface {
	FetchMessage(ctx context.Context, id uuid.UUID) (*model.TrackedMessage, error)
	Close() error
}

// Settings are the connection parameters of a tracking store. The management
// store knows where the tracking store lives, so the tracking fields may be
// left blank when the adapter can resolve them.
type Settings struct {
	MgmtHost     string
	MgmtDB       string
	TrackingHost string
	TrackingDB   string
}
