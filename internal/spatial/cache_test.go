package spatial

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/paulmach/orb"

	"github.com/wegman-software/featuresync/internal/feature"
)

func env(minX, minY, maxX, maxY float64) feature.Envelope {
	return feature.NewEnvelope(minX, minY, maxX, maxY)
}

func TestAddRejectsUninitialized(t *testing.T) {
	c := NewCache()
	if err := c.Add(1, feature.Envelope{}); !errors.Is(err, ErrUninitializedEnvelope) {
		t.Errorf("Add(uninitialized) error = %v, want ErrUninitializedEnvelope", err)
	}
	if c.Size() != 0 {
		t.Errorf("Size = %d, want 0", c.Size())
	}
}

func TestAddReplaceAndRemove(t *testing.T) {
	c := NewCache()
	c.Add(1, env(0, 0, 1, 1))
	c.Add(1, env(10, 10, 11, 11))

	if c.Size() != 1 {
		t.Fatalf("Size = %d, want 1", c.Size())
	}
	if got := c.Search(env(0, 0, 2, 2)); len(got) != 0 {
		t.Errorf("old envelope still indexed: %v", got)
	}
	if got := c.Search(env(9, 9, 12, 12)); !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("Search = %v, want [1]", got)
	}

	prior, ok := c.Remove(1)
	if !ok || prior != env(10, 10, 11, 11) {
		t.Errorf("Remove = %v, %v", prior, ok)
	}
	if _, ok := c.Remove(1); ok {
		t.Error("second Remove should report absent")
	}
}

func TestSearch(t *testing.T) {
	c := NewCache()
	c.Add(1, env(0, 0, 1, 1))
	c.Add(2, env(5, 5, 6, 6))
	c.Add(3, env(10, 10, 20, 20))

	tests := []struct {
		name  string
		query feature.Envelope
		want  []int64
	}{
		{"uninitialized returns all", feature.Envelope{}, []int64{1, 2, 3}},
		{"covering extent returns all", env(-1, -1, 100, 100), []int64{1, 2, 3}},
		{"single hit", env(0.5, 0.5, 0.6, 0.6), []int64{1}},
		{"two hits", env(0, 0, 5, 5), []int64{1, 2}},
		{"inside large entry", env(15, 15, 16, 16), []int64{3}},
		{"miss", env(7, 7, 8, 8), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Search(tt.query)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Search(%v) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestChangeID(t *testing.T) {
	c := NewCache()
	e := env(3, 3, 4, 4)
	c.Add(-42, e)

	if !c.ChangeID(-42, 1001) {
		t.Fatal("ChangeID returned false")
	}
	got := c.Search(e)
	if !reflect.DeepEqual(got, []int64{1001}) {
		t.Errorf("Search after ChangeID = %v, want [1001]", got)
	}
	if stored, _ := c.Get(1001); stored != e {
		t.Errorf("envelope changed: %v, want %v", stored, e)
	}

	// Replaying the remap is harmless
	if c.ChangeID(-42, 1001) {
		t.Error("ChangeID of absent id should return false")
	}
	if c.Size() != 1 {
		t.Errorf("Size = %d, want 1", c.Size())
	}
}

func TestExtentIsSuperset(t *testing.T) {
	c := NewCache()
	c.Add(1, env(0, 0, 1, 1))
	c.Insert(2, env(50, 50, 60, 60))

	if c.Extent().Contains(env(50, 50, 60, 60)) {
		t.Fatal("Insert should not merge the extent")
	}
	c.MergeExtent(env(50, 50, 60, 60))
	if !c.Extent().Contains(env(0, 0, 60, 60)) {
		t.Errorf("Extent = %v after merge", c.Extent())
	}

	c.Remove(2)
	if !c.Extent().Contains(env(0, 0, 60, 60)) {
		t.Error("Remove must not shrink the extent")
	}
}

func TestWithin(t *testing.T) {
	c := NewCache()
	c.Add(1, env(0, 0, 0, 0))
	c.Add(2, env(10, 0, 10, 0))

	if got := c.Within(orb.Point{3, 4}, 5); !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("Within = %v, want [1]", got)
	}
	if got := c.Within(orb.Point{5, 5}, 1); len(got) != 0 {
		t.Errorf("Within = %v, want none", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := NewCache()
	for i := 0; i < 500; i++ {
		x, y := rng.Float64()*1000, rng.Float64()*1000
		w, h := rng.Float64()*20, rng.Float64()*20
		id := int64(i)
		if i%3 == 0 {
			id = -id - 1
		}
		c.Add(id, env(x, y, x+w, y+h))
	}

	path := filepath.Join(t.TempDir(), "layer.idx")
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewCache()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Size() != c.Size() {
		t.Fatalf("Size = %d, want %d", loaded.Size(), c.Size())
	}
	if loaded.Extent() != c.Extent() {
		t.Errorf("Extent = %v, want %v", loaded.Extent(), c.Extent())
	}

	for i := 0; i < 100; i++ {
		x, y := rng.Float64()*1000, rng.Float64()*1000
		q := env(x, y, x+rng.Float64()*200, y+rng.Float64()*200)
		if a, b := c.Search(q), loaded.Search(q); !reflect.DeepEqual(a, b) {
			t.Fatalf("Search(%v) differs after reload: %v vs %v", q, a, b)
		}
	}
}

func TestLoadFailureLeavesCacheEmpty(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content []byte
	}{
		{"too small", []byte("FSIX")},
		{"bad magic", make([]byte, headerSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, tt.content, 0644); err != nil {
				t.Fatal(err)
			}
			c := NewCache()
			c.Add(1, env(0, 0, 1, 1))
			if err := c.Load(path); err == nil {
				t.Fatal("expected error")
			}
			if c.Size() != 0 {
				t.Errorf("Size = %d after failed load, want 0", c.Size())
			}
		})
	}

	c := NewCache()
	if err := c.Load(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
