package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a handle has no stored blob
	ErrNotFound = errors.New("blob not found")

	bodiesBucket = []byte("Bodies")
)

// Store is a key-value blob store. Handles are opaque to callers.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

// BoltStore keeps blobs in a single bbolt file
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the blob file at path
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bodiesBucket); err != nil {
			return fmt.Errorf("create bucket %s: %w", bodiesBucket, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the blob file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put stores data under a fresh handle
func (s *BoltStore) Put(_ context.Context, data []byte) (string, error) {
	handle := uuid.NewString()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bodiesBucket).Put([]byte(handle), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to put blob: %w", err)
	}
	return handle, nil
}

// Get returns a copy of the blob stored under handle
func (s *BoltStore) Get(_ context.Context, handle string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bodiesBucket).Get([]byte(handle))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the blob. Deleting a missing handle is not an error.
func (s *BoltStore) Delete(_ context.Context, handle string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bodiesBucket).Delete([]byte(handle))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
