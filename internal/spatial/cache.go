package spatial

import (
	"errors"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/tidwall/rtree"
	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
)

// ErrUninitializedEnvelope is returned when adding an entry without bounds
var ErrUninitializedEnvelope = errors.New("spatial: uninitialized envelope")

// Cache maps feature ids to envelopes and answers range queries.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	tree    rtree.RTreeG[int64]
	entries map[int64]feature.Envelope
	extent  feature.Envelope
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[int64]feature.Envelope)}
}

func corners(e feature.Envelope) (min, max [2]float64) {
	return [2]float64{e.MinX, e.MinY}, [2]float64{e.MaxX, e.MaxY}
}

// Add inserts or replaces an entry and merges its envelope into the extent
func (c *Cache) Add(id int64, env feature.Envelope) error {
	if !env.IsInit() {
		return ErrUninitializedEnvelope
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(id, env)
	c.extent = c.extent.Merge(env)
	return nil
}

// Insert is Add without the extent merge. Batch loaders call MergeExtent once
// when done.
func (c *Cache) Insert(id int64, env feature.Envelope) error {
	if !env.IsInit() {
		return ErrUninitializedEnvelope
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(id, env)
	return nil
}

func (c *Cache) insertLocked(id int64, env feature.Envelope) {
	if old, ok := c.entries[id]; ok {
		min, max := corners(old)
		c.tree.Delete(min, max, id)
	}
	min, max := corners(env)
	c.tree.Insert(min, max, id)
	c.entries[id] = env
}

// MergeExtent grows the layer extent
func (c *Cache) MergeExtent(env feature.Envelope) {
	c.mu.Lock()
	c.extent = c.extent.Merge(env)
	c.mu.Unlock()
}

// Remove deletes an entry and returns its envelope.
// The extent is not shrunk; it stays a superset of the remaining entries.
func (c *Cache) Remove(id int64) (feature.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.entries[id]
	if !ok {
		return feature.Envelope{}, false
	}
	min, max := corners(env)
	c.tree.Delete(min, max, id)
	delete(c.entries, id)
	return env, true
}

// ChangeID renames an entry keeping its envelope. A missing oldID is logged
// and treated as already renamed, since remapping may be replayed.
func (c *Cache) ChangeID(oldID, newID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	env, ok := c.entries[oldID]
	if !ok {
		logger.Get().Debug("Spatial cache id change skipped, entry absent",
			zap.Int64("old_id", oldID),
			zap.Int64("new_id", newID))
		return false
	}
	min, max := corners(env)
	c.tree.Delete(min, max, oldID)
	delete(c.entries, oldID)
	c.insertLocked(newID, env)
	return true
}

// Get returns the envelope stored for id
func (c *Cache) Get(id int64) (feature.Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env, ok := c.entries[id]
	return env, ok
}

// Search returns the ids of all entries intersecting env, sorted ascending.
// An uninitialized env or one covering the whole extent returns every entry.
func (c *Cache) Search(env feature.Envelope) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !env.IsInit() || env.Contains(c.extent) {
		return c.allLocked()
	}

	var ids []int64
	min, max := corners(env)
	c.tree.Search(min, max, func(_, _ [2]float64, id int64) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Within returns ids whose envelope lies within radius of p
func (c *Cache) Within(p orb.Point, radius float64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := feature.NewEnvelope(p[0], p[1], p[0], p[1]).Expand(radius)
	var ids []int64
	min, max := corners(query)
	c.tree.Search(min, max, func(emin, emax [2]float64, id int64) bool {
		nearest := orb.Point{clamp(p[0], emin[0], emax[0]), clamp(p[1], emin[1], emax[1])}
		if planar.Distance(p, nearest) <= radius {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// All returns every id, sorted ascending
func (c *Cache) All() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allLocked()
}

func (c *Cache) allLocked() []int64 {
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Extent returns the running layer extent
func (c *Cache) Extent() feature.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extent
}

// Size returns the number of entries
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry and resets the extent
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree = rtree.RTreeG[int64]{}
	c.entries = make(map[int64]feature.Envelope)
	c.extent = feature.Envelope{}
}
