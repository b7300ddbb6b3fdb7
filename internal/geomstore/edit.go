package geomstore

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
)

// CreateFeature validates and stores a new feature. A zero id is replaced by
// the next local id. Committed features are queued as NEW.
func (s *Store) CreateFeature(f *feature.Feature) (int64, error) {
	s.mu.Lock()
	ev, err := s.createLocked(f, true)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.emit(ev)
	return ev.FeatureID, nil
}

// CreateFeatureBatch stores many features, merging the layer extent once at
// the end. Invalid features are skipped and reported together; the returned
// slice holds 0 for each of them.
func (s *Store) CreateFeatureBatch(fs []*feature.Feature) ([]int64, error) {
	ids := make([]int64, len(fs))
	var (
		events []Event
		errs   []error
		extent feature.Envelope
	)

	s.mu.Lock()
	for i, f := range fs {
		ev, err := s.createLocked(f, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids[i] = ev.FeatureID
		extent = extent.Merge(ev.Envelope)
		events = append(events, ev)
	}
	s.cache.MergeExtent(extent)
	s.mu.Unlock()

	s.emit(events...)
	return ids, errors.Join(errs...)
}

func (s *Store) createLocked(in *feature.Feature, mergeExtent bool) (Event, error) {
	f := in.Clone()
	if err := s.schema.Validate(f); err != nil {
		return Event{}, err
	}
	if f.ID == 0 {
		id, err := s.rows.NextLocalID()
		if err != nil {
			return Event{}, fmt.Errorf("failed to allocate feature id: %w", err)
		}
		f.ID = id
	}
	if _, exists, err := s.rows.GetFeature(f.ID); err != nil {
		return Event{}, err
	} else if exists {
		return Event{}, fmt.Errorf("feature %d already exists", f.ID)
	}

	zooms, keep := s.simplifyLadder(f.ID, f.Geometry)
	if err := s.rows.PutFeature(f, zooms); err != nil {
		return Event{}, fmt.Errorf("failed to store feature: %w", err)
	}

	if f.Draft.Queued() {
		if err := s.log.Add(f.ID, changelog.OpNew); err != nil {
			if derr := s.rows.DeleteFeature(f.ID); derr != nil {
				logger.Get().Error("Failed to roll back feature", zap.Int64("id", f.ID), zap.Error(derr))
			}
			return Event{}, err
		}
	}

	env := f.Envelope()
	s.index(f.ID, env, mergeExtent)
	s.commitPoints(f.ID, keep)
	s.purgeRender(f.ID)
	return Event{Kind: FeatureInserted, FeatureID: f.ID, Envelope: env}, nil
}

// UpdateFeature replaces geometry and values of a stored feature. Attachments
// and draft state are kept.
func (s *Store) UpdateFeature(f *feature.Feature) error {
	s.mu.Lock()
	ev, err := s.updateLocked(f.ID, func(cur *feature.Feature) {
		cur.Geometry = orb.Clone(f.Geometry)
		cur.Values = f.Clone().Values
	}, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// UpdateGeometry replaces the geometry of a stored feature
func (s *Store) UpdateGeometry(id int64, g orb.Geometry) error {
	s.mu.Lock()
	ev, err := s.updateLocked(id, func(cur *feature.Feature) {
		cur.Geometry = orb.Clone(g)
	}, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// UpdateValues merges values into a stored feature
func (s *Store) UpdateValues(id int64, values map[string]feature.Value) error {
	s.mu.Lock()
	ev, err := s.updateLocked(id, func(cur *feature.Feature) {
		if cur.Values == nil {
			cur.Values = make(map[string]feature.Value, len(values))
		}
		for k, v := range values {
			cur.Values[k] = v
		}
	}, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) updateLocked(id int64, apply func(*feature.Feature), geometryChanged bool) (Event, error) {
	cur, err := s.getLocked(id)
	if err != nil {
		return Event{}, err
	}
	prev := cur.Clone()
	oldEnv := cur.Envelope()
	apply(cur)
	if err := s.schema.Validate(cur); err != nil {
		return Event{}, err
	}

	var (
		zooms, prevZooms map[int]orb.Geometry
		keep             []retained
	)
	if geometryChanged {
		if prevZooms, err = s.zoomsLocked(id); err != nil {
			return Event{}, err
		}
		zooms, keep = s.simplifyLadder(id, cur.Geometry)
	}
	if err := s.rows.PutFeature(cur, zooms); err != nil {
		return Event{}, fmt.Errorf("failed to store feature: %w", err)
	}
	if cur.Draft.Queued() {
		if err := s.log.Add(id, changelog.OpChanged); err != nil {
			s.restoreLocked(prev, prevZooms)
			return Event{}, err
		}
	}

	env := cur.Envelope()
	if geometryChanged {
		s.index(id, env, true)
		s.forgetPoints(id)
		s.commitPoints(id, keep)
	}
	s.purgeRender(id)
	return Event{Kind: FeatureUpdated, FeatureID: id, Envelope: env, OldEnvelope: oldEnv}, nil
}

// DeleteFeature removes a feature with its attachments. A synced feature is
// queued as DELETE; a never-pushed one just disappears.
func (s *Store) DeleteFeature(id int64) error {
	s.mu.Lock()
	ev, err := s.deleteLocked(id, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) deleteLocked(id int64, fromRemote bool) (Event, error) {
	cur, err := s.getLocked(id)
	if err != nil {
		return Event{}, err
	}
	zooms, err := s.zoomsLocked(id)
	if err != nil {
		return Event{}, err
	}
	if err := s.rows.DeleteFeature(id); err != nil {
		return Event{}, fmt.Errorf("failed to delete feature: %w", err)
	}

	switch {
	case fromRemote:
		err = s.log.RemoveForFeature(id)
	case cur.Draft.Queued():
		err = s.log.Add(id, changelog.OpDelete)
	default:
		err = s.log.RemoveForFeature(id)
	}
	if err != nil {
		s.restoreLocked(cur, zooms)
		return Event{}, err
	}

	env, _ := s.cache.Remove(id)
	s.forgetPoints(id)
	s.purgeRender(id)
	if err := s.blobs.RemoveFeature(id); err != nil {
		logger.Get().Warn("Failed to remove attachment folder", zap.Int64("id", id), zap.Error(err))
	}
	return Event{Kind: FeatureDeleted, FeatureID: id, OldEnvelope: env, FromRemote: fromRemote}, nil
}

// Promote turns a draft into a committed feature and queues it for push
// together with its attachments
func (s *Store) Promote(id int64) error {
	s.mu.Lock()
	ev, err := s.promoteLocked(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) promoteLocked(id int64) (Event, error) {
	cur, err := s.getLocked(id)
	if err != nil {
		return Event{}, err
	}
	if cur.Draft == feature.Committed {
		return Event{Kind: FeatureUpdated, FeatureID: id, Envelope: cur.Envelope()}, nil
	}
	prev := cur.Clone()
	cur.Draft = feature.Committed
	if err := s.rows.PutFeature(cur, nil); err != nil {
		return Event{}, fmt.Errorf("failed to store feature: %w", err)
	}

	op := changelog.OpChanged
	if feature.IsLocalID(id) {
		op = changelog.OpNew
	}
	err = s.log.Add(id, op)
	for _, a := range cur.Attachments {
		if err != nil {
			break
		}
		if feature.IsLocalID(a.ID) {
			err = s.log.AddAttach(id, a.ID, changelog.AttachNew)
		}
	}
	if err != nil {
		// A draft has no records of its own, so a partial queue is dropped
		if rerr := s.log.RemoveForFeature(id); rerr != nil {
			logger.Get().Error("Failed to drop partial change records", zap.Int64("id", id), zap.Error(rerr))
		}
		s.restoreLocked(prev, nil)
		return Event{}, err
	}
	return Event{Kind: FeatureUpdated, FeatureID: id, Envelope: cur.Envelope()}, nil
}

// zoomsLocked reads the stored ladder of a feature so it can be put back
func (s *Store) zoomsLocked(id int64) (map[int]orb.Geometry, error) {
	zooms := make(map[int]orb.Geometry)
	for _, z := range s.opts.Zooms() {
		g, ok, err := s.rows.GetZoomGeometry(id, z)
		if err != nil {
			return nil, fmt.Errorf("failed to read zoom geometry: %w", err)
		}
		if ok {
			zooms[z] = g
		}
	}
	return zooms, nil
}

// restoreLocked writes back a row whose change record could not be written.
// A nil zooms map leaves the stored ladder as it is.
func (s *Store) restoreLocked(f *feature.Feature, zooms map[int]orb.Geometry) {
	if err := s.rows.PutFeature(f, zooms); err != nil {
		logger.Get().Error("Failed to restore feature", zap.Int64("id", f.ID), zap.Error(err))
	}
}
