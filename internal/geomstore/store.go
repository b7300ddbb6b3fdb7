package geomstore

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/attachstore"
	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/spatial"
)

// ErrNotFound is returned for operations on a feature id that is not stored
var ErrNotFound = errors.New("feature not found")

// Rows is the persistence the store needs, keyed by feature id
type Rows interface {
	GetFeature(id int64) (*feature.Feature, bool, error)
	// PutFeature writes a row; a non-nil zooms map replaces its zoom geometries
	PutFeature(f *feature.Feature, zooms map[int]orb.Geometry) error
	DeleteFeature(id int64) error
	RenameFeature(oldID, newID int64) error
	ScanFeatures(fn func(*feature.Feature) bool) error
	CountFeatures() (int, error)
	GetZoomGeometry(id int64, zoom int) (orb.Geometry, bool, error)
	NextLocalID() (int64, error)
	SaveSchema(s *feature.Schema) error
}

// Options configures the simplification ladder and caches
type Options struct {
	MinZoom  int
	MaxZoom  int
	ZoomStep int
	// ToleranceFactor scales the pixel size into a simplification tolerance
	ToleranceFactor float64
	// OverlapPixels is the radius within which a point hides its neighbours
	OverlapPixels float64
	// LRUSize bounds the number of cached render geometries
	LRUSize int
	// IndexPath is the spatial index file, empty to keep it in memory only
	IndexPath string
}

// DefaultOptions returns the ladder used for typical mobile layers
func DefaultOptions() Options {
	return Options{
		MinZoom:         4,
		MaxZoom:         16,
		ZoomStep:        2,
		ToleranceFactor: 1.0,
		OverlapPixels:   4,
		LRUSize:         4096,
	}
}

// Validate checks that the options describe a usable ladder
func (o Options) Validate() error {
	if o.ZoomStep < 1 {
		return fmt.Errorf("zoom step must be at least 1")
	}
	if o.MinZoom < 0 || o.MaxZoom > 24 || o.MinZoom > o.MaxZoom {
		return fmt.Errorf("invalid zoom range %d-%d", o.MinZoom, o.MaxZoom)
	}
	if o.ToleranceFactor <= 0 {
		return fmt.Errorf("tolerance factor must be positive")
	}
	if o.OverlapPixels < 0 {
		return fmt.Errorf("overlap radius must not be negative")
	}
	return nil
}

type lruKey struct {
	id   int64
	zoom int
}

// fullZoom keys the full resolution geometry in the render LRU
const fullZoom = -1

// Store owns the features of one layer together with their change log,
// spatial cache and simplified render geometry.
//
// All mutations take the store lock, so the edit path and a sync pass never
// interleave on the same layer.
type Store struct {
	mu         sync.RWMutex
	schema     *feature.Schema
	rows       Rows
	log        *changelog.Log
	blobs      *attachstore.Store
	cache      *spatial.Cache
	zoomPoints map[int]*spatial.Cache
	render     *lru.Cache[lruKey, orb.Geometry]
	opts       Options

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a store. Call LoadCache before serving queries.
func New(schema *feature.Schema, rows Rows, log *changelog.Log, blobs *attachstore.Store, opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	size := opts.LRUSize
	if size <= 0 {
		size = DefaultOptions().LRUSize
	}
	render, err := lru.New[lruKey, orb.Geometry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create render cache: %w", err)
	}
	return &Store{
		schema:     schema.Clone(),
		rows:       rows,
		log:        log,
		blobs:      blobs,
		cache:      spatial.NewCache(),
		zoomPoints: make(map[int]*spatial.Cache),
		render:     render,
		opts:       opts,
	}, nil
}

// Schema returns a copy of the layer schema
func (s *Store) Schema() *feature.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema.Clone()
}

// Log returns the layer's change log
func (s *Store) Log() *changelog.Log {
	return s.log
}

// Options returns the ladder configuration
func (s *Store) Options() Options {
	return s.opts
}

// Extent returns the layer extent known to the spatial cache
func (s *Store) Extent() feature.Envelope {
	return s.cache.Extent()
}

// Size returns the number of indexed features
func (s *Store) Size() int {
	return s.cache.Size()
}

// Envelope returns the indexed envelope of a feature
func (s *Store) Envelope(id int64) (feature.Envelope, bool) {
	return s.cache.Get(id)
}

// AddField extends the schema. It reports whether the field was new.
func (s *Store) AddField(f feature.Field) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.schema.Clone()
	if !next.AddField(f) {
		return false, nil
	}
	if err := s.rows.SaveSchema(next); err != nil {
		return false, fmt.Errorf("failed to save schema: %w", err)
	}
	s.schema = next
	return true, nil
}

func (s *Store) purgeRender(id int64) {
	s.render.Remove(lruKey{id: id, zoom: fullZoom})
	for _, z := range s.opts.Zooms() {
		s.render.Remove(lruKey{id: id, zoom: z})
	}
}

// GetFeature loads a feature by id
func (s *Store) GetFeature(id int64) (*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id int64) (*feature.Feature, error) {
	f, ok, err := s.rows.GetFeature(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	return f, nil
}

// ScanFeatures visits every stored feature in ascending id order
func (s *Store) ScanFeatures(fn func(*feature.Feature) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.ScanFeatures(fn)
}

// IDs returns the ids of every stored feature
func (s *Store) IDs() ([]int64, error) {
	var ids []int64
	err := s.ScanFeatures(func(f *feature.Feature) bool {
		ids = append(ids, f.ID)
		return true
	})
	return ids, err
}

// Query returns the ids of features whose envelope intersects env. An
// uninitialized env returns every feature.
func (s *Store) Query(env feature.Envelope) []int64 {
	return s.cache.Search(env)
}

// GetGeometry returns the geometry to draw at a zoom level. Above the ladder
// it is the full resolution geometry; otherwise the nearest ladder zoom at
// least as detailed as requested. A nil result means nothing to draw.
func (s *Store) GetGeometry(id int64, zoom int) orb.Geometry {
	bucket, ok := s.opts.bucket(zoom)
	if !ok {
		bucket = fullZoom
	}
	key := lruKey{id: id, zoom: bucket}
	if g, ok := s.render.Get(key); ok {
		return g
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var g orb.Geometry
	found := false
	if bucket != fullZoom {
		var err error
		g, found, err = s.rows.GetZoomGeometry(id, bucket)
		if err != nil {
			logger.Get().Warn("Failed to read zoom geometry",
				zap.Int64("id", id), zap.Int("zoom", bucket), zap.Error(err))
			return nil
		}
	}
	if !found {
		f, ok, err := s.rows.GetFeature(id)
		if err != nil || !ok {
			return nil
		}
		g = f.Geometry
	}
	s.render.Add(key, g)
	return g
}
