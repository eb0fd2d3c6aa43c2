package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pders01/fss/internal/submission"
)

var (
	submissionsBucket = []byte("submissions")
	metaBucket        = []byte("metadata")
	schemaKey         = []byte("schema_version")
)

// Options tunes the bolt backend.
type Options struct {
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// Store is the default snapshot backend, a single bbolt file.
type Store struct {
	db *bolt.DB
}

func NewStore(dbPath string, opts Options) (*Store, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 1 * time.Second
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrCorrupt, dbPath, err)
		}
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{submissionsBucket, metaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}

		meta := tx.Bucket(metaBucket)
		switch version := meta.Get(schemaKey); {
		case version == nil:
			return meta.Put(schemaKey, []byte(SchemaVersion))
		case string(version) != SchemaVersion:
			return fmt.Errorf("%w: schema version %q, want %q", ErrCorrupt, version, SchemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(_ context.Context) (map[int64]submission.Record, error) {
	records := make(map[int64]submission.Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(submissionsBucket)
		return b.ForEach(func(k []byte, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: malformed key %x", ErrCorrupt, k)
			}
			var rec submission.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: record %d: %v", ErrCorrupt, binary.BigEndian.Uint64(k), err)
			}
			records[rec.ID()] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) Save(_ context.Context, records []submission.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(submissionsBucket)
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(idKey(rec.ID()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
