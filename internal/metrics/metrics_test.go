package metrics

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/syncer"
)

func TestRecorderAccumulates(t *testing.T) {
	r := NewRecorder()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	r.RecordPass("trees", syncer.Result{Inserts: 2, IOErrors: 1}, start, time.Second, nil)
	r.RecordPass("trees", syncer.Result{Updates: 3}, start.Add(time.Minute), 2*time.Second, errors.New("boom"))
	r.RecordBusy("trees")
	r.RecordPass("roads", syncer.Result{Deletes: 1}, start, time.Second, nil)

	s, ok := r.Layer("trees")
	if !ok {
		t.Fatal("trees not recorded")
	}
	if s.Passes != 2 || s.Failures != 1 || s.Busy != 1 {
		t.Errorf("passes=%d failures=%d busy=%d", s.Passes, s.Failures, s.Busy)
	}
	if s.Totals.Inserts != 2 || s.Totals.Updates != 3 || s.Totals.IOErrors != 1 {
		t.Errorf("totals = %s", s.Totals)
	}
	if s.Last.Updates != 3 || s.LastError != "boom" {
		t.Errorf("last = %s err=%q", s.Last, s.LastError)
	}
	if s.TotalTook != 3*time.Second || !s.LastRun.Equal(start.Add(time.Minute)) {
		t.Errorf("took=%v lastRun=%v", s.TotalTook, s.LastRun)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Layer != "roads" || snap[1].Layer != "trees" {
		t.Errorf("snapshot order: %+v", snap)
	}
}

func TestRecorderClearsLastError(t *testing.T) {
	r := NewRecorder()
	r.RecordPass("a", syncer.Result{}, time.Now(), 0, errors.New("x"))
	r.RecordPass("a", syncer.Result{}, time.Now(), 0, nil)
	s, _ := r.Layer("a")
	if s.LastError != "" {
		t.Errorf("LastError = %q", s.LastError)
	}
	if _, ok := r.Layer("missing"); ok {
		t.Error("unknown layer reported")
	}
}

func TestCollectorSample(t *testing.T) {
	c := NewCollector(0, t.TempDir(), zap.NewNop())
	if c.interval != 30*time.Second {
		t.Errorf("interval = %v", c.interval)
	}
	if c.GetMetrics() != nil {
		t.Error("metrics before first sample")
	}
	c.collect()
	m := c.GetMetrics()
	if m == nil || m.Timestamp.IsZero() {
		t.Fatal("no sample recorded")
	}
	if m.MemoryTotalGB < 0 || m.DataDirPercent < 0 || m.DataDirPercent > 100 {
		t.Errorf("implausible sample %+v", m)
	}
}

func TestRound1(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.04, 1.0},
		{1.05, 1.1},
		{12.345, 12.3},
		{0, 0},
	}
	for _, tt := range tests {
		if got := round1(tt.in); got != tt.want {
			t.Errorf("round1(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
