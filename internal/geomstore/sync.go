package geomstore

import (
	"fmt"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
)

// The methods in this file apply server state. None of them writes change
// records; they are used by the sync engine only.

// BeginPush loads a feature for upload and freezes its pending records. The
// returned mark bounds the records a successful upload may remove. A nil
// feature means the row is gone. Every BeginPush must be paired with EndPush.
func (s *Store) BeginPush(id int64) (*feature.Feature, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok, err := s.rows.GetFeature(id)
	if err != nil {
		return nil, 0, err
	}
	mark := s.log.MarkInFlight(id)
	if !ok {
		return nil, mark, nil
	}
	return f, mark, nil
}

// EndPush releases the freeze set by BeginPush. After a remap pass the new id.
func (s *Store) EndPush(id int64) {
	s.log.ClearInFlight(id)
}

// PutFromRemote stores a server feature. For a feature already present only
// the parts selected by mask are replaced; local attachments and draft state
// are kept. New features take the attachment metadata of f.
func (s *Store) PutFromRemote(f *feature.Feature, mask feature.CompareMask) error {
	s.mu.Lock()
	ev, err := s.putRemoteLocked(f, mask)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) putRemoteLocked(in *feature.Feature, mask feature.CompareMask) (Event, error) {
	cur, exists, err := s.rows.GetFeature(in.ID)
	if err != nil {
		return Event{}, err
	}

	var oldEnv feature.Envelope
	next := in.Clone()
	if exists {
		oldEnv = cur.Envelope()
		next = cur.Clone()
		if mask&feature.CompareGeometry != 0 {
			next.Geometry = orb.Clone(in.Geometry)
		}
		if mask&feature.CompareAttributes != 0 {
			next.Values = in.Clone().Values
		}
	} else {
		next.Draft = feature.Committed
		next.SortAttachments()
	}
	if err := s.schema.Validate(next); err != nil {
		return Event{}, err
	}

	geometryChanged := !exists || !feature.EqualGeometry(cur.Geometry, next.Geometry)
	var (
		zooms map[int]orb.Geometry
		keep  []retained
	)
	if geometryChanged {
		zooms, keep = s.simplifyLadder(next.ID, next.Geometry)
	}
	if err := s.rows.PutFeature(next, zooms); err != nil {
		return Event{}, fmt.Errorf("failed to store feature: %w", err)
	}

	env := next.Envelope()
	if geometryChanged {
		s.index(next.ID, env, true)
		s.forgetPoints(next.ID)
		s.commitPoints(next.ID, keep)
	}
	s.purgeRender(next.ID)

	kind := FeatureUpdated
	if !exists {
		kind = FeatureInserted
	}
	return Event{Kind: kind, FeatureID: next.ID, Envelope: env, OldEnvelope: oldEnv, FromRemote: true}, nil
}

// DeleteFromRemote removes a feature the server no longer has, together with
// its pending records. A feature that is already gone is not an error.
func (s *Store) DeleteFromRemote(id int64) error {
	s.mu.Lock()
	_, ok, err := s.rows.GetFeature(id)
	if err != nil || !ok {
		s.mu.Unlock()
		return err
	}
	ev, err := s.deleteLocked(id, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// PutAttachmentFromRemote inserts or replaces the metadata of a server
// attachment. Downloaded content of an existing attachment is kept.
func (s *Store) PutAttachmentFromRemote(featureID int64, a feature.Attachment) error {
	s.mu.Lock()
	ev, err := s.putRemoteAttachmentLocked(featureID, a)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) putRemoteAttachmentLocked(featureID int64, a feature.Attachment) (Event, error) {
	cur, err := s.getLocked(featureID)
	if err != nil {
		return Event{}, err
	}
	if i := attachmentIndex(cur, a.ID); i >= 0 {
		a.BlobName = cur.Attachments[i].BlobName
		cur.Attachments[i] = a
	} else {
		a.BlobName = ""
		cur.Attachments = append(cur.Attachments, a)
		cur.SortAttachments()
	}
	if err := s.rows.PutFeature(cur, nil); err != nil {
		return Event{}, fmt.Errorf("failed to store attachment: %w", err)
	}
	ev := s.attachEvent(cur)
	ev.FromRemote = true
	return ev, nil
}

// DeleteAttachmentFromRemote removes an attachment the server no longer has
func (s *Store) DeleteAttachmentFromRemote(featureID, attachID int64) error {
	s.mu.Lock()
	ev, err := s.deleteAttachmentLocked(featureID, attachID, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

// ChangeID moves a feature from a local id to the id the server assigned.
// The row, spatial cache, point caches, attachment folder, render cache and
// change records move together. When the row was deleted while its create
// was in flight only the change records move, so the pending DELETE reaches
// the server id.
func (s *Store) ChangeID(oldID, newID int64) error {
	if oldID == newID {
		return nil
	}
	s.mu.Lock()
	ev, err := s.changeIDLocked(oldID, newID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) changeIDLocked(oldID, newID int64) (Event, error) {
	if _, taken, err := s.rows.GetFeature(newID); err != nil {
		return Event{}, err
	} else if taken {
		return Event{}, fmt.Errorf("cannot change id %d: feature %d already exists", oldID, newID)
	}
	if err := s.rows.RenameFeature(oldID, newID); err != nil {
		return Event{}, fmt.Errorf("failed to rename feature: %w", err)
	}
	if err := s.log.Remap(oldID, newID); err != nil {
		return Event{}, err
	}
	if err := s.blobs.RenameFeature(oldID, newID); err != nil {
		logger.Get().Warn("Failed to move attachment folder",
			zap.Int64("old_id", oldID), zap.Int64("new_id", newID), zap.Error(err))
	}

	s.cache.ChangeID(oldID, newID)
	for _, c := range s.zoomPoints {
		if _, ok := c.Get(oldID); ok {
			c.ChangeID(oldID, newID)
		}
	}
	s.purgeRender(oldID)
	s.purgeRender(newID)

	env, _ := s.cache.Get(newID)
	return Event{Kind: FeatureRemapped, FeatureID: newID, OldID: oldID, Envelope: env}, nil
}

// ChangeAttachmentID replaces a local attachment id with the server one
func (s *Store) ChangeAttachmentID(featureID, oldID, newID int64) error {
	s.mu.Lock()
	ev, err := s.changeAttachmentIDLocked(featureID, oldID, newID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) changeAttachmentIDLocked(featureID, oldID, newID int64) (Event, error) {
	cur, ok, err := s.rows.GetFeature(featureID)
	if err != nil {
		return Event{}, err
	}
	// A feature or attachment deleted during the upload only has its
	// records moved, so the pending DELETE reaches the server id
	if ok {
		if i := attachmentIndex(cur, oldID); i >= 0 {
			cur.Attachments[i].ID = newID
			cur.SortAttachments()
			if err := s.rows.PutFeature(cur, nil); err != nil {
				return Event{}, fmt.Errorf("failed to store attachment: %w", err)
			}
		}
	}
	if err := s.log.RemapAttach(featureID, oldID, newID); err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{Kind: AttachmentsChanged, FeatureID: featureID}, nil
	}
	return s.attachEvent(cur), nil
}
