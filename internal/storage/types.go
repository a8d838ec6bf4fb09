package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit log plus a dedup journal; Path is a file prefix
//   - "sqlite": SQLite database file
//   - "postgres": Path is a lib/pq DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the relay.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	// ReserveDedup stores key only if it is absent or expired at now, and
	// reports whether it did.
	ReserveDedup(ctx context.Context, key string, until, now time.Time) (bool, error)
	DeleteDedup(ctx context.Context, key string) error
	// PruneDedup removes keys that expired before now.
	PruneDedup(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// AuditEntry records the outcome of one change notification.
type AuditEntry struct {
	At             time.Time `json:"at"`
	RequestID      string    `json:"request_id,omitempty"`
	Tenant         string    `json:"tenant"`
	SubscriptionID string    `json:"subscription_id"`
	Resource       string    `json:"resource"`
	ItemID         string    `json:"item_id,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	Size           int64     `json:"size,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"err,omitempty"`
	TookMS         int64     `json:"took_ms"`
}
