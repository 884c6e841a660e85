// Package boltkv is the default embedded KV adapter, backed by
// go.etcd.io/bbolt. A single bucket holds every key; prefix-scan and
// snapshot both rely on bbolt's natural byte-ordered key iteration.
package boltkv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"meridian.dev/server/internal/storage"
)

var rootBucket = []byte("meridian")

// Store wraps a bbolt database behind the storage.KV contract.
type Store struct {
	db *bolt.DB
}

// Open opens or creates a bbolt database at path, ensuring the root
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create root bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements storage.KV.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put implements storage.KV.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put([]byte(key), value)
	})
}

// Delete implements storage.KV.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Delete([]byte(key))
	})
}

// PrefixScan implements storage.KV.
func (s *Store) PrefixScan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Batch implements storage.KV, applying every op in a single
// transaction.
func (s *Store) Batch(_ context.Context, ops []storage.BatchOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		for _, op := range ops {
			if op.Delete {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot implements storage.KV.
func (s *Store) Snapshot(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements storage.KV.
func (s *Store) Close() error {
	return s.db.Close()
}
