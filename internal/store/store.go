// Package store provides the persistence backends for LedgerLink's connection
// state. Credentials, the token set, and the tenant selection are stored as
// named JSON records behind a small Backend interface with file, Postgres, and
// S3-compatible object storage implementations.
package store

import (
	"context"
	"errors"

	"github.com/complytrack/ledgerlink/internal/config"
)

// Well-known record names.
const (
	RecordCredentials     = "credentials"
	RecordToken           = "token"
	RecordTenantSelection = "tenant-selection"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Backend persists named JSON records.
type Backend interface {
	// Load returns the raw content of the named record, or ErrNotFound.
	Load(ctx context.Context, name string) ([]byte, error)
	// Save writes the record, replacing any previous content.
	Save(ctx context.Context, name string, data []byte) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, name string) error
	// Close releases backend resources.
	Close() error
}

// Open constructs the backend selected by the configuration.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "", "file":
		return NewFileBackend(cfg.AbsStateDir())
	case "postgres":
		return NewPostgresBackend(ctx, cfg.Storage.Postgres)
	case "object":
		return NewObjectBackend(cfg.Storage.Object)
	default:
		return nil, errors.New("store: unknown backend " + cfg.Storage.Backend)
	}
}
