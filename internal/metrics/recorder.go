// Package metrics samples host resources and accumulates sync pass totals
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/wegman-software/featuresync/internal/syncer"
)

// LayerStats are the totals of one layer since the daemon started
type LayerStats struct {
	Layer     string
	Passes    int
	Failures  int // Passes that returned an error
	Busy      int // Ticks skipped because a pass was still running
	Totals    syncer.Result
	Last      syncer.Result
	LastError string
	LastRun   time.Time
	LastTook  time.Duration
	TotalTook time.Duration
}

// Recorder collects pass outcomes. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	layers map[string]*LayerStats
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{layers: make(map[string]*LayerStats)}
}

func (r *Recorder) layer(name string) *LayerStats {
	s, ok := r.layers[name]
	if !ok {
		s = &LayerStats{Layer: name}
		r.layers[name] = s
	}
	return s
}

// RecordPass stores the outcome of a finished pass
func (r *Recorder) RecordPass(name string, res syncer.Result, started time.Time, took time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.layer(name)
	s.Passes++
	s.Totals.Add(res)
	s.Last = res
	s.LastRun = started
	s.LastTook = took
	s.TotalTook += took
	s.LastError = ""
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
}

// RecordBusy counts a tick that found the layer's previous pass running
func (r *Recorder) RecordBusy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layer(name).Busy++
}

// Layer returns a copy of one layer's stats
func (r *Recorder) Layer(name string) (LayerStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.layers[name]
	if !ok {
		return LayerStats{}, false
	}
	return *s, true
}

// Snapshot returns the stats of every layer sorted by name
func (r *Recorder) Snapshot() []LayerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LayerStats, 0, len(r.layers))
	for _, s := range r.layers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out
}
