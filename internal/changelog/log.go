package changelog

import (
	"fmt"
	"sync"

	"github.com/wegman-software/featuresync/internal/feature"
)

// Log is the ordered queue of pending local mutations. It folds redundant
// edits into existing records and mirrors its Ledger in memory.
type Log struct {
	mu      sync.Mutex
	ledger  Ledger
	records []Record // ascending by ID
	last    uint64

	// inflight maps a feature id to the last record id that existed when a
	// push for it started. Records at or below the mark are being pushed and
	// must not absorb later edits.
	inflight map[int64]uint64
}

// Open loads every pending record from the ledger
func Open(ledger Ledger) (*Log, error) {
	l := &Log{ledger: ledger, inflight: make(map[int64]uint64)}
	err := ledger.Scan(func(r Record) bool {
		l.records = append(l.records, r)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan change ledger: %w", err)
	}
	last, err := ledger.LastSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to read change ledger sequence: %w", err)
	}
	l.last = last
	if n := len(l.records); n > 0 && l.records[n-1].ID > l.last {
		l.last = l.records[n-1].ID
	}
	return l, nil
}

// foldable reports whether r may absorb a new edit
func (l *Log) foldable(r Record) bool {
	mark, ok := l.inflight[r.FeatureID]
	return !ok || r.ID > mark
}

func (l *Log) appendLocked(r Record) error {
	_, err := l.appendRecordLocked(r)
	return err
}

// appendRecordLocked stores r and returns the id it was given
func (l *Log) appendRecordLocked(r Record) (uint64, error) {
	id, err := l.ledger.Append(r)
	if err != nil {
		return 0, fmt.Errorf("failed to append change record: %w", err)
	}
	r.ID = id
	l.records = append(l.records, r)
	if id > l.last {
		l.last = id
	}
	return id, nil
}

// removeLocked deletes every record matching pred
func (l *Log) removeLocked(pred func(Record) bool) error {
	kept := l.records[:0]
	var firstErr error
	for _, r := range l.records {
		if firstErr == nil && pred(r) {
			if err := l.ledger.Delete(r.ID); err != nil {
				firstErr = fmt.Errorf("failed to delete change record %d: %w", r.ID, err)
				kept = append(kept, r)
			}
			continue
		}
		kept = append(kept, r)
	}
	// Clear the tail so removed records do not linger in the backing array
	for i := len(kept); i < len(l.records); i++ {
		l.records[i] = Record{}
	}
	l.records = kept
	return firstErr
}

// Add records a feature data operation (OpNew, OpChanged or OpDelete)
func (l *Log) Add(featureID int64, op Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch op {
	case OpNew:
		for _, r := range l.records {
			if r.FeatureID == featureID && !r.IsAttach() && r.Op&OpNew != 0 && l.foldable(r) {
				return nil
			}
		}
		return l.appendLocked(Record{FeatureID: featureID, Op: OpNew})

	case OpChanged:
		for _, r := range l.records {
			if r.FeatureID != featureID || r.IsAttach() {
				continue
			}
			if r.Op&OpDelete != 0 {
				// Deleted features take no further edits
				return nil
			}
			if r.Op&(OpNew|OpChanged) != 0 && l.foldable(r) {
				return nil
			}
		}
		return l.appendLocked(Record{FeatureID: featureID, Op: OpChanged})

	case OpDelete:
		_, pushing := l.inflight[featureID]
		// A never-pushed feature vanishes without a trace. While its create
		// is in flight a DELETE is still needed; the remap after the create
		// points it at the server id.
		var kept uint64
		if !feature.IsLocalID(featureID) || pushing {
			// Append first so a failed write leaves the earlier records intact
			var err error
			if kept, err = l.appendRecordLocked(Record{FeatureID: featureID, Op: OpDelete}); err != nil {
				return err
			}
		}
		return l.removeLocked(func(r Record) bool { return r.FeatureID == featureID && r.ID != kept })
	}
	return fmt.Errorf("unsupported change operation %s", op)
}

// AddAttach records an attachment operation
func (l *Log) AddAttach(featureID, attachID int64, op AttachOp) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.records {
		if r.FeatureID == featureID && !r.IsAttach() && r.Op&OpDelete != 0 {
			return nil
		}
	}

	same := func(r Record) bool {
		return r.FeatureID == featureID && r.IsAttach() && r.AttachID == attachID
	}

	switch op {
	case AttachNew:
		for _, r := range l.records {
			if same(r) && r.AttachOp&AttachNew != 0 && l.foldable(r) {
				return nil
			}
		}
		return l.appendLocked(Record{FeatureID: featureID, Op: OpAttach, AttachID: attachID, AttachOp: AttachNew})

	case AttachChanged:
		for _, r := range l.records {
			if same(r) && r.AttachOp&(AttachNew|AttachChanged) != 0 && l.foldable(r) {
				return nil
			}
		}
		return l.appendLocked(Record{FeatureID: featureID, Op: OpAttach, AttachID: attachID, AttachOp: AttachChanged})

	case AttachDelete:
		_, pushing := l.inflight[featureID]
		var kept uint64
		if !feature.IsLocalID(attachID) || pushing {
			var err error
			kept, err = l.appendRecordLocked(Record{FeatureID: featureID, Op: OpAttach, AttachID: attachID, AttachOp: AttachDelete})
			if err != nil {
				return err
			}
		}
		return l.removeLocked(func(r Record) bool { return same(r) && r.ID != kept })
	}
	return fmt.Errorf("unsupported attachment operation %s", op)
}

// RemoveForFeature drops every record of a feature, attachments included
func (l *Log) RemoveForFeature(featureID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(r Record) bool { return r.FeatureID == featureID })
}

// RemoveForAttach drops every record of one attachment
func (l *Log) RemoveForAttach(featureID, attachID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(r Record) bool {
		return r.FeatureID == featureID && r.IsAttach() && r.AttachID == attachID
	})
}

// RemoveDataRecords drops the data records of a feature and keeps attachment records
func (l *Log) RemoveDataRecords(featureID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(r Record) bool { return r.FeatureID == featureID && !r.IsAttach() })
}

// Remove drops a single record
func (l *Log) Remove(recordID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(r Record) bool { return r.ID == recordID })
}

// RemoveToLast drops the records of a feature whose op intersects mask and
// whose id is at most upper. Records written after upper survive.
func (l *Log) RemoveToLast(featureID int64, mask Op, upper uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(r Record) bool {
		return r.FeatureID == featureID && r.Op&mask != 0 && r.ID <= upper && (mask&OpAttach != 0 || !r.IsAttach())
	})
}

// RemoveAttachToLast is RemoveToLast for the records of one attachment
func (l *Log) RemoveAttachToLast(featureID, attachID int64, mask AttachOp, upper uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(r Record) bool {
		return r.FeatureID == featureID && r.IsAttach() && r.AttachID == attachID &&
			r.AttachOp&mask != 0 && r.ID <= upper
	})
}

// HasPending reports whether a feature has a data record intersecting mask.
// A zero mask matches any data record.
func (l *Log) HasPending(featureID int64, mask Op) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mask == 0 {
		mask = OpData
	}
	for _, r := range l.records {
		if r.FeatureID == featureID && !r.IsAttach() && r.Op&mask != 0 {
			return true
		}
	}
	return false
}

// HasPendingAttach reports whether an attachment has a record intersecting
// mask. A zero mask matches any attachment record.
func (l *Log) HasPendingAttach(featureID, attachID int64, mask AttachOp) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mask == 0 {
		mask = AttachAll
	}
	for _, r := range l.records {
		if r.FeatureID == featureID && r.IsAttach() && r.AttachID == attachID && r.AttachOp&mask != 0 {
			return true
		}
	}
	return false
}

// HasAnyAttach reports whether a feature has any pending attachment record
func (l *Log) HasAnyAttach(featureID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.FeatureID == featureID && r.IsAttach() {
			return true
		}
	}
	return false
}

// Count returns the number of pending records
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a snapshot in ascending id order
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// ForFeature returns the records of one feature in ascending id order
func (l *Log) ForFeature(featureID int64) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.records {
		if r.FeatureID == featureID {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record with the given id
func (l *Log) Get(recordID uint64) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.ID == recordID {
			return r, true
		}
	}
	return Record{}, false
}

// LastID is the highest record id ever assigned, including removed records
func (l *Log) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Reclassify replaces the data op of a record, e.g. NEW to CHANGED once the
// feature is known to exist remotely
func (l *Log) Reclassify(recordID uint64, op Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.records {
		if r.ID != recordID {
			continue
		}
		r.Op = op | (r.Op & OpAttach)
		if err := l.ledger.Update(r); err != nil {
			return fmt.Errorf("failed to update change record %d: %w", r.ID, err)
		}
		l.records[i] = r
		return nil
	}
	return nil
}

// Remap moves every record of oldID to newID
func (l *Log) Remap(oldID, newID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.records {
		if r.FeatureID != oldID {
			continue
		}
		r.FeatureID = newID
		if err := l.ledger.Update(r); err != nil {
			return fmt.Errorf("failed to remap change record %d: %w", r.ID, err)
		}
		l.records[i] = r
	}
	if mark, ok := l.inflight[oldID]; ok {
		delete(l.inflight, oldID)
		l.inflight[newID] = mark
	}
	return nil
}

// RemapAttach moves the records of one attachment to a new attachment id
func (l *Log) RemapAttach(featureID, oldID, newID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.records {
		if r.FeatureID != featureID || !r.IsAttach() || r.AttachID != oldID {
			continue
		}
		r.AttachID = newID
		if err := l.ledger.Update(r); err != nil {
			return fmt.Errorf("failed to remap change record %d: %w", r.ID, err)
		}
		l.records[i] = r
	}
	return nil
}

// MarkInFlight freezes the current records of a feature while they are
// pushed and returns the mark. Edits made until ClearInFlight append new
// records instead of folding into frozen ones.
func (l *Log) MarkInFlight(featureID int64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[featureID] = l.last
	return l.last
}

// ClearInFlight releases a mark set by MarkInFlight
func (l *Log) ClearInFlight(featureID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, featureID)
}
