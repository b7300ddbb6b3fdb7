// Package expire collects the map tiles a renderer must redraw after the
// features of a layer changed
package expire

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/geomstore"
	"github.com/wegman-software/featuresync/internal/logger"
)

// Tracker is a store observer that records dirty tiles
type Tracker struct {
	mu      sync.Mutex
	tiles   map[Tile]struct{}
	minZoom int
	maxZoom int
	// Per envelope cap; wide envelopes stop at a lower zoom
	maxTiles int
}

var _ geomstore.Observer = (*Tracker)(nil)

// NewTracker creates a tracker for the zoom range of a renderer
func NewTracker(minZoom, maxZoom int) *Tracker {
	return &Tracker{
		tiles:    make(map[Tile]struct{}),
		minZoom:  minZoom,
		maxZoom:  maxZoom,
		maxTiles: 100000,
	}
}

// FeatureChanged expires the old and new envelope of every change
func (t *Tracker) FeatureChanged(e geomstore.Event) {
	switch e.Kind {
	case geomstore.AttachmentsChanged:
		// Attachments are not drawn
		return
	case geomstore.FeatureRemapped:
		// Same geometry under a new id
		return
	}
	t.ExpireEnvelope(e.Envelope)
	if e.OldEnvelope != e.Envelope {
		t.ExpireEnvelope(e.OldEnvelope)
	}
}

// ExpireEnvelope marks the tiles an EPSG:3857 envelope touches
func (t *Tracker) ExpireEnvelope(env feature.Envelope) {
	if !env.IsInit() {
		return
	}
	maxZoom := t.maxZoom
	for maxZoom > t.minZoom && EnvelopeToTileRange(env, maxZoom).TileCount() > t.maxTiles {
		maxZoom--
	}
	t.addTiles(AffectedTiles(env, t.minZoom, maxZoom))
}

func (t *Tracker) addTiles(tiles []Tile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tile := range tiles {
		t.tiles[tile] = struct{}{}
	}
}

// Count returns the number of unique expired tiles
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the count of tiles at each zoom level
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[int]int)
	for tile := range t.tiles {
		counts[tile.Z]++
	}
	return counts
}

// Tiles returns the expired tiles sorted by zoom, column and row
func (t *Tracker) Tiles() []Tile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedLocked()
}

func (t *Tracker) sortedLocked() []Tile {
	tiles := make([]Tile, 0, len(t.tiles))
	for tile := range t.tiles {
		tiles = append(tiles, tile)
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Z != tiles[j].Z {
			return tiles[i].Z < tiles[j].Z
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

// Drain returns the expired tiles and forgets them
func (t *Tracker) Drain() []Tile {
	t.mu.Lock()
	defer t.mu.Unlock()
	tiles := t.sortedLocked()
	t.tiles = make(map[Tile]struct{})
	return tiles
}

// AppendToFile drains the tracker into a z/x/y list file
func (t *Tracker) AppendToFile(filename string) error {
	tiles := t.Drain()
	if len(tiles) == 0 {
		return nil
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open expire file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tile := range tiles {
		fmt.Fprintln(w, tile.String())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	logger.Get().Info("Wrote expired tiles",
		zap.String("file", filename),
		zap.Int("total", len(tiles)),
		zap.Int("min_zoom", tiles[0].Z),
		zap.Int("max_zoom", tiles[len(tiles)-1].Z))
	return nil
}
