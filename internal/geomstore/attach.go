package geomstore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
)

var (
	// ErrAttachmentNotFound is returned for an unknown attachment id
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrNoBlob is returned when only remote metadata of an attachment is stored
	ErrNoBlob = errors.New("attachment content not downloaded")
)

// AddAttachment stores the content read from r as a new attachment of a
// feature and returns its local id. Name and description come from meta; an
// empty MIME type is detected from the content.
func (s *Store) AddAttachment(featureID int64, meta feature.Attachment, r io.Reader) (int64, error) {
	s.mu.Lock()
	ev, id, err := s.addAttachmentLocked(featureID, meta, r)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.emit(ev)
	return id, nil
}

func (s *Store) addAttachmentLocked(featureID int64, meta feature.Attachment, r io.Reader) (Event, int64, error) {
	cur, err := s.getLocked(featureID)
	if err != nil {
		return Event{}, 0, err
	}
	id, err := s.rows.NextLocalID()
	if err != nil {
		return Event{}, 0, fmt.Errorf("failed to allocate attachment id: %w", err)
	}
	blob, err := s.blobs.Put(featureID, meta.Name, r)
	if err != nil {
		return Event{}, 0, err
	}

	prev := cur.Clone()
	a := meta
	a.ID = id
	a.BlobName = blob.Name
	a.Size = blob.Size
	if a.MimeType == "" {
		a.MimeType = blob.MimeType
	}
	cur.Attachments = append(cur.Attachments, a)
	cur.SortAttachments()

	if err := s.rows.PutFeature(cur, nil); err != nil {
		s.removeBlob(featureID, blob.Name)
		return Event{}, 0, fmt.Errorf("failed to store attachment: %w", err)
	}
	if cur.Draft.Queued() {
		if err := s.log.AddAttach(featureID, id, changelog.AttachNew); err != nil {
			s.restoreLocked(prev, nil)
			s.removeBlob(featureID, blob.Name)
			return Event{}, 0, err
		}
	}
	return s.attachEvent(cur), id, nil
}

// UpdateAttachment changes the name and description of an attachment
func (s *Store) UpdateAttachment(featureID int64, a feature.Attachment) error {
	s.mu.Lock()
	ev, err := s.updateAttachmentLocked(featureID, a)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) updateAttachmentLocked(featureID int64, a feature.Attachment) (Event, error) {
	cur, err := s.getLocked(featureID)
	if err != nil {
		return Event{}, err
	}
	i := attachmentIndex(cur, a.ID)
	if i < 0 {
		return Event{}, fmt.Errorf("attachment %d of feature %d: %w", a.ID, featureID, ErrAttachmentNotFound)
	}
	prev := cur.Clone()
	cur.Attachments[i].Name = a.Name
	cur.Attachments[i].Description = a.Description

	if err := s.rows.PutFeature(cur, nil); err != nil {
		return Event{}, fmt.Errorf("failed to store attachment: %w", err)
	}
	if cur.Draft.Queued() {
		if err := s.log.AddAttach(featureID, a.ID, changelog.AttachChanged); err != nil {
			s.restoreLocked(prev, nil)
			return Event{}, err
		}
	}
	return s.attachEvent(cur), nil
}

// DeleteAttachment removes an attachment and its content
func (s *Store) DeleteAttachment(featureID, attachID int64) error {
	s.mu.Lock()
	ev, err := s.deleteAttachmentLocked(featureID, attachID, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) deleteAttachmentLocked(featureID, attachID int64, fromRemote bool) (Event, error) {
	cur, err := s.getLocked(featureID)
	if err != nil {
		return Event{}, err
	}
	i := attachmentIndex(cur, attachID)
	if i < 0 {
		return Event{}, fmt.Errorf("attachment %d of feature %d: %w", attachID, featureID, ErrAttachmentNotFound)
	}
	prev := cur.Clone()
	gone := cur.Attachments[i]
	cur.Attachments = append(cur.Attachments[:i], cur.Attachments[i+1:]...)

	if err := s.rows.PutFeature(cur, nil); err != nil {
		return Event{}, fmt.Errorf("failed to store feature: %w", err)
	}
	switch {
	case fromRemote:
		err = s.log.RemoveForAttach(featureID, attachID)
	case cur.Draft.Queued():
		err = s.log.AddAttach(featureID, attachID, changelog.AttachDelete)
	}
	if err != nil {
		s.restoreLocked(prev, nil)
		return Event{}, err
	}
	if gone.BlobName != "" {
		s.removeBlob(featureID, gone.BlobName)
	}
	ev := s.attachEvent(cur)
	ev.FromRemote = fromRemote
	return ev, nil
}

// OpenAttachment opens the stored content of an attachment
func (s *Store) OpenAttachment(featureID, attachID int64) (*os.File, feature.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, err := s.getLocked(featureID)
	if err != nil {
		return nil, feature.Attachment{}, err
	}
	a, ok := cur.Attachment(attachID)
	if !ok {
		return nil, feature.Attachment{}, fmt.Errorf("attachment %d of feature %d: %w", attachID, featureID, ErrAttachmentNotFound)
	}
	if a.BlobName == "" {
		return nil, a, ErrNoBlob
	}
	f, err := s.blobs.Open(featureID, a.BlobName)
	if err != nil {
		return nil, a, err
	}
	return f, a, nil
}

func (s *Store) removeBlob(featureID int64, blob string) {
	if err := s.blobs.Remove(featureID, blob); err != nil {
		logger.Get().Warn("Failed to remove attachment blob",
			zap.Int64("id", featureID), zap.String("blob", blob), zap.Error(err))
	}
}

func (s *Store) attachEvent(f *feature.Feature) Event {
	env := f.Envelope()
	return Event{Kind: AttachmentsChanged, FeatureID: f.ID, Envelope: env, OldEnvelope: env}
}

func attachmentIndex(f *feature.Feature, id int64) int {
	for i, a := range f.Attachments {
		if a.ID == id {
			return i
		}
	}
	return -1
}
