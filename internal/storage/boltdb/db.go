package boltdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrConflict marks local storage contention: the file is locked by another
// process or the database is closed underneath a pass
var ErrConflict = errors.New("local storage conflict")

var (
	bucketFeatures = []byte("features")
	bucketZooms    = []byte("zooms")
	bucketChanges  = []byte("changes")
	bucketMeta     = []byte("meta")

	keySchema      = []byte("schema")
	keyNextLocalID = []byte("next_local_id")
)

// DB is the local store of one layer: feature rows, simplified geometry per
// zoom, the change ledger and the local id allocator
type DB struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the layer database at path. timeout bounds the wait
// for the file lock.
func Open(path string, timeout time.Duration) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, wrap("open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFeatures, bucketZooms, bucketChanges, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, path: path}, nil
}

// Path returns the database file name
func (d *DB) Path() string {
	return d.path
}

// Close closes the database file
func (d *DB) Close() error {
	return d.db.Close()
}

// wrap classifies bolt errors, turning contention into ErrConflict
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTxClosed) {
		return fmt.Errorf("failed to %s: %w: %v", op, ErrConflict, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// idKey orders signed ids correctly under bytewise key comparison
func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id)^(1<<63))
	return b
}

func keyID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// NextLocalID hands out ids from the local range -1, -2, ... The counter is
// persisted so ids are not reused after a restart.
func (d *DB) NextLocalID() (int64, error) {
	var id int64
	err := d.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		next := int64(-1)
		if v := meta.Get(keyNextLocalID); len(v) == 8 {
			next = int64(binary.BigEndian.Uint64(v))
		}
		id = next
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(next-1))
		return meta.Put(keyNextLocalID, b)
	})
	if err != nil {
		return 0, wrap("allocate local id", err)
	}
	return id, nil
}
