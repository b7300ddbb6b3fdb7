package changelog

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger is a Ledger kept in process memory. Its sequence survives
// record deletion but not the process.
type MemoryLedger struct {
	mu      sync.Mutex
	seq     uint64
	records map[uint64]Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[uint64]Record)}
}

func (m *MemoryLedger) Append(r Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r.ID = m.seq
	m.records[r.ID] = r
	return r.ID, nil
}

func (m *MemoryLedger) Update(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		return fmt.Errorf("change record %d not found", r.ID)
	}
	m.records[r.ID] = r
	return nil
}

func (m *MemoryLedger) Delete(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryLedger) Scan(fn func(Record) bool) error {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	recs := make([]Record, len(ids))
	for i, id := range ids {
		recs[i] = m.records[id]
	}
	m.mu.Unlock()

	for _, r := range recs {
		if !fn(r) {
			break
		}
	}
	return nil
}

func (m *MemoryLedger) LastSequence() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}
