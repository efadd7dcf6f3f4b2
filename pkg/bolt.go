package pkg

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// expiryHeaderLen prefixes every stored value with its expiry (unix nanos, 0 = never).
const expiryHeaderLen = 8

// BoltDB is a bbolt file shared by several named buckets.
type BoltDB struct {
	conn   *bbolt.DB
	closed atomic.Bool
}

// OpenBolt opens (or creates) a bbolt database at path.
func OpenBolt(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}
	return &BoltDB{conn: db}, nil
}

// Bucket returns a Store view over the named bucket, creating it if needed.
func (b *BoltDB) Bucket(name string) (*BoltBucket, error) {
	if b.closed.Load() {
		return nil, ErrStorageUnavailable
	}

	err := b.conn.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltBucket{db: b, name: []byte(name)}, nil
}

// Path returns the file backing the database.
func (b *BoltDB) Path() string {
	return b.conn.Path()
}

// Close closes the database file.
func (b *BoltDB) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.conn.Close()
}

// BoltBucket implements Store on top of one bbolt bucket.
type BoltBucket struct {
	db   *BoltDB
	name []byte
}

func (bb *BoltBucket) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}
	if bb.db.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves a value. Expired values are reported as missing and left for
// the next Set or Delete to overwrite.
func (bb *BoltBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := bb.check(ctx); err != nil {
		return nil, err
	}

	var value []byte
	err := bb.db.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bb.name).Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		v, ok := decodeExpiring(data, time.Now())
		if !ok {
			return ErrKeyNotFound
		}
		// bbolt memory is only valid inside the transaction
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key with an optional TTL.
func (bb *BoltBucket) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := bb.check(ctx); err != nil {
		return err
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	return bb.db.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bb.name).Put([]byte(key), encodeExpiring(value, expiresAt))
	})
}

// Delete removes key from the bucket.
func (bb *BoltBucket) Delete(ctx context.Context, key string) error {
	if err := bb.check(ctx); err != nil {
		return err
	}

	return bb.db.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bb.name).Delete([]byte(key))
	})
}

// Close is a no-op; the owning BoltDB closes the file.
func (bb *BoltBucket) Close() error {
	return nil
}

func encodeExpiring(value []byte, expiresAt int64) []byte {
	buf := make([]byte, expiryHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt))
	copy(buf[expiryHeaderLen:], value)
	return buf
}

func decodeExpiring(data []byte, now time.Time) ([]byte, bool) {
	if len(data) < expiryHeaderLen {
		return nil, false
	}
	expiresAt := int64(binary.BigEndian.Uint64(data[:expiryHeaderLen]))
	if expiresAt != 0 && now.UnixNano() > expiresAt {
		return nil, false
	}
	return data[expiryHeaderLen:], true
}
