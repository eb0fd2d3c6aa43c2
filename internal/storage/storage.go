// Package storage persists the submission cache between restarts.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/pders01/fss/internal/submission"
)

// SchemaVersion is written into every snapshot. A snapshot carrying another
// version is refused rather than reinterpreted.
const SchemaVersion = "1"

var (
	// ErrCorrupt marks a snapshot that exists but cannot be read back.
	ErrCorrupt = errors.New("cache snapshot is corrupt")
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown cache backend")
)

const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Snapshotter is a durable copy of the cache map.
type Snapshotter interface {
	// Load returns every stored record keyed by submission id.
	Load(ctx context.Context) (map[int64]submission.Record, error)
	// Save upserts records in a single transaction.
	Save(ctx context.Context, records []submission.Record) error
	Close() error
}

// Open opens the snapshot at path with the named backend.
func Open(backend, path string, opts Options) (Snapshotter, error) {
	switch backend {
	case "", BackendBolt:
		s, err := NewStore(path, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
