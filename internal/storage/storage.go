// Package storage wraps go.etcd.io/bbolt behind a small, bucketed,
// range-scannable KV interface the journal and failed-message queue
// are built on.
package storage

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/qaul-go/meshcore/internal/errs"
)

// KV is the embedded-store interface every persisted tree is built
// on.
type KV interface {
	// Put writes value at key in bucket, creating bucket if needed.
	Put(bucket string, key, value []byte) error
	// Get reads the value at key in bucket; ok is false if absent.
	Get(bucket string, key []byte) (value []byte, ok bool, err error)
	// Delete removes key from bucket.
	Delete(bucket string, key []byte) error
	// Scan iterates every key in bucket whose bytes fall in [start,
	// end] inclusive, in key order, calling fn for each until fn
	// returns false or the range is exhausted.
	Scan(bucket string, start, end []byte, fn func(key, value []byte) bool) error
	// Close releases the underlying database handle.
	Close() error
}

// BoltKV is the bbolt-backed KV implementation.
type BoltKV struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*BoltKV, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrStorageError, path, err)
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Put(bucket string, key, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bk.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", errs.ErrStorageError, bucket, err)
	}
	return nil
}

func (b *BoltKV) Get(bucket string, key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		v := bk.Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", errs.ErrStorageError, bucket, err)
	}
	return value, found, nil
}

func (b *BoltKV) Delete(bucket string, key []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		return bk.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", errs.ErrStorageError, bucket, err)
	}
	return nil
}

func (b *BoltKV) Scan(bucket string, start, end []byte, fn func(key, value []byte) bool) error {
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucket))
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		for k, v := c.Seek(start); k != nil && bytesLessOrEqual(k, end); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan %s: %v", errs.ErrStorageError, bucket, err)
	}
	return nil
}

func (b *BoltKV) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", errs.ErrStorageError, err)
	}
	return nil
}

func bytesLessOrEqual(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return true
		}
		if a[i] > b[i] {
			return false
		}
	}
	return len(a) <= len(b)
}

var _ KV = (*BoltKV)(nil)
