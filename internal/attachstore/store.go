package attachstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Blob describes a stored attachment file
type Blob struct {
	Name     string // file name inside the feature folder
	Size     int64
	MimeType string
}

// Store keeps attachment blobs in one folder per feature: <root>/<featureID>/<blob>
type Store struct {
	root string
}

// New creates a store rooted at dir
func New(dir string) *Store {
	return &Store{root: dir}
}

// Dir returns the folder of a feature
func (s *Store) Dir(featureID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(featureID, 10))
}

// Path returns the full path of a blob
func (s *Store) Path(featureID int64, blob string) string {
	return filepath.Join(s.Dir(featureID), blob)
}

// Put copies r into a new uniquely named blob of the feature. The original
// file name only contributes its extension.
func (s *Store) Put(featureID int64, name string, r io.Reader) (Blob, error) {
	dir := s.Dir(featureID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Blob{}, fmt.Errorf("failed to create attachment folder: %w", err)
	}

	blob := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	final := filepath.Join(dir, blob)
	tmpFile := final + ".tmp"

	out, err := os.Create(tmpFile)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to create blob file: %w", err)
	}
	size, err := io.Copy(out, r)
	out.Close()
	if err != nil {
		os.Remove(tmpFile)
		return Blob{}, fmt.Errorf("failed to write blob file: %w", err)
	}
	if err := os.Rename(tmpFile, final); err != nil {
		os.Remove(tmpFile)
		return Blob{}, fmt.Errorf("failed to rename blob file: %w", err)
	}

	mime, err := mimetype.DetectFile(final)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to detect mime type: %w", err)
	}
	return Blob{Name: blob, Size: size, MimeType: mime.String()}, nil
}

// Open opens a blob for reading
func (s *Store) Open(featureID int64, blob string) (*os.File, error) {
	if blob == "" {
		return nil, fmt.Errorf("attachment of feature %d has no local blob", featureID)
	}
	return os.Open(s.Path(featureID, blob))
}

// Remove deletes a blob. A missing blob is not an error.
func (s *Store) Remove(featureID int64, blob string) error {
	if blob == "" {
		return nil
	}
	if err := os.Remove(s.Path(featureID, blob)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// RemoveFeature deletes the whole folder of a feature
func (s *Store) RemoveFeature(featureID int64) error {
	if err := os.RemoveAll(s.Dir(featureID)); err != nil {
		return fmt.Errorf("failed to remove attachment folder: %w", err)
	}
	return nil
}

// RenameFeature moves the folder of oldID to newID. Nothing happens when the
// feature has no folder, which keeps replayed remaps harmless.
func (s *Store) RenameFeature(oldID, newID int64) error {
	from, to := s.Dir(oldID), s.Dir(newID)
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("attachment folder for feature %d already exists", newID)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("failed to rename attachment folder: %w", err)
	}
	return nil
}
