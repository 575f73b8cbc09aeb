// Package store persists chunks keyed by their hex SHA-1 digest in a bbolt
// database. The same type backs both a peer's local inventory (loaded at
// startup) and a completed download's output file, so the two are
// round-trip compatible by construction: whatever one peer writes on
// completion, any peer can open as its own inventory.
package store

import (
	"fmt"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var chunksBucket = []byte("chunks")

// ChunkSize is the fixed size of every chunk in the system.
const ChunkSize = 524288

// ChunkStore is a bbolt-backed mapping from lowercase hex digest to chunk
// bytes. It is safe for the single reactor goroutine to use without extra
// locking; bbolt serializes its own transactions internally, which matters
// only if a second process opens the same file concurrently (not done here).
type ChunkStore struct {
	db   *bolt.DB
	path string
}

// Open creates or opens the bbolt database at path and ensures the chunks
// bucket exists.
func Open(path string) (*ChunkStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "store: opening %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "store: initializing %s", path)
	}
	return &ChunkStore{db: db, path: path}, nil
}

// Close releases the underlying database file.
func (s *ChunkStore) Close() error {
	return s.db.Close()
}

// Has reports whether the store holds a chunk for digest.
func (s *ChunkStore) Has(digest string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(chunksBucket).Get([]byte(digest)) != nil
		return nil
	})
	return found, err
}

// Get returns a copy of the chunk bytes for digest, or ok=false if absent.
func (s *ChunkStore) Get(digest string) (data []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chunksBucket).Get([]byte(digest))
		if v == nil {
			return nil
		}
		ok = true
		data = append([]byte(nil), v...)
		return nil
	})
	return data, ok, err
}

// Put stores data under digest, overwriting any existing entry.
func (s *ChunkStore) Put(digest string, data []byte) error {
	if len(data) != ChunkSize {
		return fmt.Errorf("store: chunk %s has length %d, want %d", digest, len(data), ChunkSize)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).Put([]byte(digest), data)
	})
}

// PutSet stores every (digest, bytes) pair in chunks inside a single
// transaction. Used when persisting a completed download's received-chunks
// map to its output path in one shot.
func (s *ChunkStore) PutSet(chunks map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		for digest, data := range chunks {
			if len(data) != ChunkSize {
				return fmt.Errorf("store: chunk %s has length %d, want %d", digest, len(data), ChunkSize)
			}
			if err := b.Put([]byte(digest), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len reports the number of chunks currently held.
func (s *ChunkStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(chunksBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Digests returns every digest currently held, in no particular order.
func (s *ChunkStore) Digests() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Path returns the filesystem path this store was opened from.
func (s *ChunkStore) Path() string {
	return s.path
}
