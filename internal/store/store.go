// Package store is a bbolt-backed key/value store used as the standard
// lookup backend for the fetch service.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"peerfetch/internal/fetch"

	"go.etcd.io/bbolt"
)

const defaultBucket = "values"

// ErrNotFound reports that a key has no value in the store.
var ErrNotFound = errors.New("key not found in store")

// Config carries the tunables of a Store.
type Config struct {
	// Path is the bbolt database file. Mandatory.
	Path string

	// Bucket holds the values; defaults to "values".
	Bucket string

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "store")
}

// Store is a persistent key/value store.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	logger *slog.Logger
}

// Open opens (creating if needed) the database at config.Path.
func Open(config Config) (*Store, error) {
	config.setDefaults()
	if config.Path == "" {
		return nil, errors.New("Path must be specified in store Config")
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", config.Path, err)
	}

	bucket := []byte(config.Bucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create %q bucket: %w", config.Bucket, err)
	}

	config.Logger.Info("store opened", "path", config.Path, "bucket", config.Bucket)
	return &Store{db: db, bucket: bucket, logger: config.Logger}, nil
}

func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key, overwriting any previous value.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

// Delete removes key; deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Lookup adapts the store to the fetch service's resolver contract.
func (s *Store) Lookup() fetch.LookupFunc {
	return func(ctx context.Context, key string) ([]byte, error) {
		value, err := s.Get(key)
		if errors.Is(err, ErrNotFound) {
			return nil, fetch.ErrKeyNotFound
		}
		return value, err
	}
}

// LoadSeed reads a JSON object mapping keys to string values from path and
// stores every pair in one transaction. It returns the number of keys loaded.
func (s *Store) LoadSeed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed map[string]string
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for k, v := range seed {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store seed data: %w", err)
	}

	s.logger.Info("seed data loaded", "path", path, "keys", len(seed))
	return len(seed), nil
}
