// Package syncer reconciles a local layer with its remote resource.
//
// One pass loads the layer state, checks the remote resource metadata, pulls
// server changes into the store and pushes the change log to the server.
// Per-record failures are counted in the Result and retried next pass
// because their records stay queued. Callers must not run two passes of the
// same layer at once.
package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/proj"
	"github.com/wegman-software/featuresync/internal/remote"
	"github.com/wegman-software/featuresync/internal/syncstate"
)

// LocalSRID is the projection of every local store
const LocalSRID = proj.SRID3857

// Config holds the collaborators of an Engine
type Config struct {
	Clock    Clock
	Notifier Notifier
}

// Engine runs sync passes
type Engine struct {
	clock    Clock
	notifier Notifier
}

// NewEngine creates an engine; nil collaborators get defaults
func NewEngine(cfg Config) *Engine {
	e := &Engine{clock: cfg.Clock, notifier: cfg.Notifier}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.notifier == nil {
		e.notifier = NotifierFunc(func(layer, message string) {
			logger.ForLayer(layer).Warn(message)
		})
	}
	return e
}

// pass is the state of one pass over one layer
type pass struct {
	layer    *Layer
	log      *zap.Logger
	state    *syncstate.State
	meta     *remote.Meta
	syncType syncstate.SyncType
	toLocal  *proj.Transformer
	toRemote *proj.Transformer
	fields   []feature.Field
	res      Result
}

// Pass runs one sync pass. It returns ErrLayerDisabled when the remote
// resource is gone, and the context error when cancelled between records.
// Remote and per-record failures only show in the Result.
func (e *Engine) Pass(ctx context.Context, layer *Layer) (Result, error) {
	log := logger.ForLayer(layer.Name)

	state, err := layer.State.Load()
	if err != nil {
		return Result{}, fmt.Errorf("failed to load sync state: %w", err)
	}
	if state.SyncType == syncstate.SyncNone {
		log.Debug("Sync disabled, skipping pass")
		return Result{}, nil
	}

	p := &pass{layer: layer, log: log, state: state, syncType: state.SyncType}
	start := time.Now()

	if err := e.prepare(ctx, p); err != nil {
		return p.res, err
	}

	if layer.direction()&syncstate.FromServer != 0 && p.toLocal != nil {
		if err := e.pull(ctx, p); err != nil {
			return p.res, err
		}
	}
	if layer.direction()&syncstate.ToServer != 0 && p.toLocal != nil {
		if err := e.push(ctx, p); err != nil {
			return p.res, err
		}
	}

	fields := append(p.res.Fields(), zap.Duration("elapsed", time.Since(start)))
	if p.res.OK() {
		log.Info("Sync pass complete", fields...)
	} else {
		log.Warn("Sync pass finished with errors", fields...)
	}
	return p.res, nil
}

// prepare fetches the resource metadata. A missing resource disables the
// layer; other failures leave p.toLocal nil so the pass does nothing.
func (e *Engine) prepare(ctx context.Context, p *pass) error {
	meta, err := p.layer.Remote.Meta(ctx)
	if remote.IsNotFound(err) {
		return e.disable(p, err)
	}
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to fetch resource metadata", zap.Error(err))
		return nil
	}

	srid := meta.SRID
	if srid == 0 {
		srid = LocalSRID
	}
	toLocal, err := proj.NewTransformer(srid, LocalSRID)
	if err != nil {
		p.res.ParseErrors++
		p.log.Error("Unsupported remote projection", zap.Int("srid", srid), zap.Error(err))
		return nil
	}
	p.meta = meta
	p.toLocal = toLocal
	p.toRemote = toLocal.Inverse()

	store := p.layer.Store
	schema := store.Schema()
	if meta.GeometryType != feature.GeometryUnknown &&
		!schema.GeometryType.Accepts(meta.GeometryType, schema.AllowMulti) {
		// Features still go through per-feature validation
		p.res.ParseErrors++
		p.log.Error("Remote geometry type does not match the layer",
			zap.Stringer("remote", meta.GeometryType), zap.Stringer("local", schema.GeometryType))
	}
	for _, f := range meta.Fields {
		added, err := store.AddField(f)
		if err != nil {
			p.res.count(err)
			p.log.Warn("Failed to add remote field", zap.String("field", f.Name), zap.Error(err))
			continue
		}
		if added {
			p.log.Info("Added field from server",
				zap.String("field", f.Name), zap.Stringer("type", f.Type))
		}
	}
	p.fields = store.Schema().Fields
	return nil
}

func (e *Engine) disable(p *pass, cause error) error {
	notice := fmt.Sprintf("Layer %s was deleted on the server; synchronization is disabled", p.layer.Name)
	p.state.SyncType = syncstate.SyncNone
	p.state.Notice = notice
	if err := p.layer.State.Save(p.state); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	p.log.Error("Remote resource not found, disabling sync", zap.Error(cause))
	e.notifier.Notify(p.layer.Name, notice)
	return ErrLayerDisabled
}

// compareMask is the part of the data the sync type covers
func (p *pass) compareMask() feature.CompareMask {
	var mask feature.CompareMask
	if p.syncType&syncstate.SyncAttributes != 0 {
		mask |= feature.CompareAttributes
	}
	if p.syncType&syncstate.SyncGeometry != 0 {
		mask |= feature.CompareGeometry
	}
	return mask
}

func (p *pass) attachments() bool {
	return p.syncType&syncstate.SyncAttach != 0
}

// fromRemote converts a server feature to local coordinates
func (p *pass) fromRemote(f *feature.Feature) *feature.Feature {
	out := f.Clone()
	if p.toLocal.NeedsTransform() {
		out.Geometry = p.toLocal.Geometry(out.Geometry)
	}
	if !p.attachments() {
		out.Attachments = nil
	}
	for i := range out.Attachments {
		out.Attachments[i].BlobName = ""
	}
	return out
}

// forRemote converts a local feature for upload; attachments travel separately
func (p *pass) forRemote(f *feature.Feature) *feature.Feature {
	out := f.Clone()
	if p.toRemote.NeedsTransform() {
		out.Geometry = p.toRemote.Geometry(out.Geometry)
	}
	out.Attachments = nil
	out.Draft = feature.Committed
	return out
}
