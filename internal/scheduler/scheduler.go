// Package scheduler runs sync passes for many layers. Layers run in parallel
// up to a worker limit; a layer never has two passes in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/metrics"
	"github.com/wegman-software/featuresync/internal/syncer"
)

// ErrBusy is returned when a layer's previous pass is still running
var ErrBusy = errors.New("sync pass already running")

// ErrUnknownLayer is returned by RunLayer for a name that is not scheduled
var ErrUnknownLayer = errors.New("unknown layer")

// Passer runs one pass over one layer
type Passer interface {
	Pass(ctx context.Context, layer *syncer.Layer) (syncer.Result, error)
}

// Config holds scheduler settings
type Config struct {
	Workers     int           // Layers synced at once; <= 0 means one per layer
	PassTimeout time.Duration // Zero disables the timeout
	// AfterPass is called after every finished pass, from the pass goroutine
	AfterPass func(layer string, res syncer.Result, err error)
}

type slot struct {
	layer *syncer.Layer
	mu    sync.Mutex
}

// Scheduler owns the layer set of a daemon
type Scheduler struct {
	cfg      Config
	engine   Passer
	recorder *metrics.Recorder
	slots    []*slot
	byName   map[string]*slot
}

// New creates a scheduler. recorder may be nil.
func New(cfg Config, engine Passer, recorder *metrics.Recorder, layers []*syncer.Layer) (*Scheduler, error) {
	s := &Scheduler{
		cfg:      cfg,
		engine:   engine,
		recorder: recorder,
		byName:   make(map[string]*slot, len(layers)),
	}
	if s.recorder == nil {
		s.recorder = metrics.NewRecorder()
	}
	for _, l := range layers {
		if _, dup := s.byName[l.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		sl := &slot{layer: l}
		s.slots = append(s.slots, sl)
		s.byName[l.Name] = sl
	}
	return s, nil
}

// Recorder returns the metrics recorder the scheduler writes to
func (s *Scheduler) Recorder() *metrics.Recorder {
	return s.recorder
}

// RunOnce runs one pass for every layer and waits for them. Layers whose
// previous pass is still running are skipped. The result sums all passes;
// the error joins the per-layer errors.
func (s *Scheduler) RunOnce(ctx context.Context) (syncer.Result, error) {
	var (
		mu    sync.Mutex
		total syncer.Result
		errs  []error
	)

	// Plain group: one failing layer must not cancel the others
	var g errgroup.Group
	if s.cfg.Workers > 0 {
		g.SetLimit(s.cfg.Workers)
	}

	for _, sl := range s.slots {
		g.Go(func() error {
			res, err := s.run(ctx, sl)
			if errors.Is(err, ErrBusy) {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil {
				errs = append(errs, fmt.Errorf("layer %s: %w", sl.layer.Name, err))
			}
			return nil
		})
	}
	g.Wait()

	return total, errors.Join(errs...)
}

// RunLayer runs one pass of the named layer
func (s *Scheduler) RunLayer(ctx context.Context, name string) (syncer.Result, error) {
	sl, ok := s.byName[name]
	if !ok {
		return syncer.Result{}, fmt.Errorf("%w: %s", ErrUnknownLayer, name)
	}
	return s.run(ctx, sl)
}

func (s *Scheduler) run(ctx context.Context, sl *slot) (syncer.Result, error) {
	name := sl.layer.Name
	if !sl.mu.TryLock() {
		s.recorder.RecordBusy(name)
		logger.ForLayer(name).Debug("Previous pass still running, skipping")
		return syncer.Result{}, ErrBusy
	}
	defer sl.mu.Unlock()

	if s.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PassTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := s.engine.Pass(ctx, sl.layer)
	s.recorder.RecordPass(name, res, started, time.Since(started), err)
	if err != nil && !errors.Is(err, syncer.ErrLayerDisabled) {
		logger.ForLayer(name).Warn("Sync pass failed", zap.Error(err))
	}
	if s.cfg.AfterPass != nil {
		s.cfg.AfterPass(name, res, err)
	}
	return res, err
}

// Run passes every layer once immediately and then on every tick until
// ctx ends. Returns ctx's error.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	log := logger.Get()
	if interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fields := append(res.Fields(), zap.Int("layers", len(s.slots)))
		if err != nil {
			log.Warn("Sync round finished with errors", append(fields, zap.Error(err))...)
		} else {
			log.Info("Sync round complete", fields...)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
