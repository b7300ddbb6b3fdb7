package attachstore

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func TestPutDetectsMimeType(t *testing.T) {
	s := New(t.TempDir())

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	tests := []struct {
		name     string
		content  []byte
		wantMime string
	}{
		{"photo.PNG", png, "image/png"},
		{"notes.txt", []byte("plain text notes\n"), "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := s.Put(-1, tt.name, bytes.NewReader(tt.content))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if blob.MimeType != tt.wantMime {
				t.Errorf("MimeType = %q, want %q", blob.MimeType, tt.wantMime)
			}
			if blob.Size != int64(len(tt.content)) {
				t.Errorf("Size = %d, want %d", blob.Size, len(tt.content))
			}
			ext := strings.ToLower(tt.name[strings.LastIndex(tt.name, "."):])
			if !strings.HasSuffix(blob.Name, ext) {
				t.Errorf("blob name %q lost extension %q", blob.Name, ext)
			}

			f, err := s.Open(-1, blob.Name)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			got, _ := io.ReadAll(f)
			if !bytes.Equal(got, tt.content) {
				t.Error("blob content differs")
			}
		})
	}
}

func TestRenameFeature(t *testing.T) {
	s := New(t.TempDir())
	blob, err := s.Put(-42, "a.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RenameFeature(-42, 1001); err != nil {
		t.Fatalf("RenameFeature: %v", err)
	}
	if _, err := os.Stat(s.Dir(-42)); !os.IsNotExist(err) {
		t.Error("old folder still exists")
	}
	if _, err := os.Stat(s.Path(1001, blob.Name)); err != nil {
		t.Errorf("blob not under new folder: %v", err)
	}

	// Replay is a no-op
	if err := s.RenameFeature(-42, 1001); err != nil {
		t.Errorf("replayed RenameFeature: %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := New(t.TempDir())
	blob, _ := s.Put(5, "a.txt", strings.NewReader("x"))

	if err := s.Remove(5, blob.Name); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(5, blob.Name); err != nil {
		t.Errorf("removing a missing blob should succeed: %v", err)
	}
	if err := s.RemoveFeature(5); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Dir(5)); !os.IsNotExist(err) {
		t.Error("feature folder still exists")
	}
}
