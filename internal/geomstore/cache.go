package geomstore

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/spatial"
)

func (s *Store) index(id int64, env feature.Envelope, mergeExtent bool) {
	var err error
	if mergeExtent {
		err = s.cache.Add(id, env)
	} else {
		err = s.cache.Insert(id, env)
	}
	if err != nil {
		logger.Get().Debug("Feature not indexed", zap.Int64("id", id), zap.Error(err))
	}
}

// LoadCache fills the spatial cache from the index file. A missing, corrupt
// or stale index is rebuilt from the stored rows.
func (s *Store) LoadCache() error {
	log := logger.Get()
	if s.opts.IndexPath == "" {
		return s.RebuildCache()
	}

	s.mu.Lock()
	err := s.cache.Load(s.opts.IndexPath)
	if err == nil {
		var count int
		count, err = s.rows.CountFeatures()
		if err == nil && count != s.cache.Size() {
			err = fmt.Errorf("index holds %d entries, store holds %d features", s.cache.Size(), count)
		}
	}
	if err == nil && s.isPointLayer() {
		err = s.loadPointsLocked()
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn("Spatial index unusable, rebuilding",
			zap.String("path", s.opts.IndexPath), zap.Error(err))
		return s.RebuildCache()
	}
	log.Debug("Loaded spatial index",
		zap.String("path", s.opts.IndexPath),
		zap.Int("features", s.cache.Size()))
	return nil
}

func (s *Store) isPointLayer() bool {
	return s.schema.GeometryType.IsPointLike()
}

// loadPointsLocked restores the retained point caches from stored zoom rows
func (s *Store) loadPointsLocked() error {
	s.zoomPoints = make(map[int]*spatial.Cache)
	zooms := s.opts.Zooms()
	for _, id := range s.cache.All() {
		keep := make([]retained, 0, len(zooms))
		for _, z := range zooms {
			g, found, err := s.rows.GetZoomGeometry(id, z)
			if err != nil {
				return err
			}
			if found && g != nil {
				keep = append(keep, retained{zoom: z, env: feature.EnvelopeOf(g)})
			}
		}
		s.commitPoints(id, keep)
	}
	return nil
}

// RebuildCache recomputes the spatial cache, the simplification ladder and
// the point caches from the stored rows, then saves the index
func (s *Store) RebuildCache() error {
	log := logger.Get()
	start := time.Now()

	s.mu.Lock()
	var all []*feature.Feature
	if err := s.rows.ScanFeatures(func(f *feature.Feature) bool {
		all = append(all, f)
		return true
	}); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to scan features: %w", err)
	}

	s.cache.Clear()
	s.zoomPoints = make(map[int]*spatial.Cache)
	s.render.Purge()

	var extent feature.Envelope
	for _, f := range all {
		zooms, keep := s.simplifyLadder(f.ID, f.Geometry)
		if err := s.rows.PutFeature(f, zooms); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to store zoom geometry of feature %d: %w", f.ID, err)
		}
		env := f.Envelope()
		s.index(f.ID, env, false)
		s.commitPoints(f.ID, keep)
		extent = extent.Merge(env)
	}
	s.cache.MergeExtent(extent)
	s.mu.Unlock()

	log.Info("Rebuilt spatial cache",
		zap.String("layer", s.schema.Name),
		zap.Int("features", len(all)),
		zap.Duration("duration", time.Since(start)))

	s.emit(Event{Kind: CacheRebuilt, Envelope: s.cache.Extent()})
	return s.SaveCache()
}

// SaveCache writes the spatial index file when one is configured
func (s *Store) SaveCache() error {
	if s.opts.IndexPath == "" {
		return nil
	}
	if err := s.cache.Save(s.opts.IndexPath); err != nil {
		return fmt.Errorf("failed to save spatial index: %w", err)
	}
	return nil
}

// Close saves the spatial index. Rows and the change log belong to the caller.
func (s *Store) Close() error {
	return s.SaveCache()
}
