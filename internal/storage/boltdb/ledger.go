package boltdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/wegman-software/featuresync/internal/changelog"
)

// Ledger returns the change ledger stored in this database. Record ids come
// from the bucket sequence, which bolt persists and never decrements.
func (d *DB) Ledger() changelog.Ledger {
	return &ledger{db: d.db}
}

type ledger struct {
	db *bolt.DB
}

type storedRecord struct {
	FeatureID int64              `json:"fid"`
	Op        changelog.Op       `json:"op"`
	AttachID  int64              `json:"aid,omitempty"`
	AttachOp  changelog.AttachOp `json:"aop,omitempty"`
}

func (l *ledger) Append(r changelog.Record) (uint64, error) {
	var id uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		r.ID = seq
		return putRecord(b, r)
	})
	if err != nil {
		return 0, wrap("append change record", err)
	}
	return id, nil
}

func (l *ledger) Update(r changelog.Record) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		if b.Get(seqKey(r.ID)) == nil {
			return fmt.Errorf("change record %d not found", r.ID)
		}
		return putRecord(b, r)
	})
	return wrap("update change record", err)
}

func (l *ledger) Delete(id uint64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).Delete(seqKey(id))
	})
	return wrap("delete change record", err)
}

func (l *ledger) Scan(fn func(changelog.Record) bool) error {
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChanges).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return fmt.Errorf("failed to decode change record: %w", err)
			}
			r := changelog.Record{
				ID:        binary.BigEndian.Uint64(k),
				FeatureID: sr.FeatureID,
				Op:        sr.Op,
				AttachID:  sr.AttachID,
				AttachOp:  sr.AttachOp,
			}
			if !fn(r) {
				return nil
			}
		}
		return nil
	})
	return wrap("scan change records", err)
}

func (l *ledger) LastSequence() (uint64, error) {
	var seq uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketChanges).Sequence()
		return nil
	})
	return seq, wrap("read change sequence", err)
}

func putRecord(b *bolt.Bucket, r changelog.Record) error {
	data, err := json.Marshal(storedRecord{
		FeatureID: r.FeatureID,
		Op:        r.Op,
		AttachID:  r.AttachID,
		AttachOp:  r.AttachOp,
	})
	if err != nil {
		return err
	}
	return b.Put(seqKey(r.ID), data)
}
