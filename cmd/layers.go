package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/attachstore"
	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/config"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/geomstore"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/remote"
	"github.com/wegman-software/featuresync/internal/remote/postgis"
	"github.com/wegman-software/featuresync/internal/remote/rest"
	"github.com/wegman-software/featuresync/internal/storage/boltdb"
	"github.com/wegman-software/featuresync/internal/syncer"
	"github.com/wegman-software/featuresync/internal/syncstate"
)

// openLayer is a layer with everything it holds open
type openLayer struct {
	def   config.LayerDef
	db    *boltdb.DB
	store *geomstore.Store
	state *syncstate.File
	layer *syncer.Layer
}

// workspace owns the open layers of one command run
type workspace struct {
	layers []*openLayer
	pools  map[string]*pgxpool.Pool
	mu     sync.Mutex

	withRemote bool
}

// openWorkspace opens the named layers, or all of them when names is empty.
// Without withRemote only the local side is opened.
func openWorkspace(ctx context.Context, names []string, withRemote bool) (*workspace, error) {
	defs, err := selectLayers(names)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	ws := &workspace{pools: make(map[string]*pgxpool.Pool), withRemote: withRemote}
	for _, def := range defs {
		l, err := ws.open(ctx, def)
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("failed to open layer %s: %w", def.Name, err)
		}
		ws.layers = append(ws.layers, l)
	}
	return ws, nil
}

func selectLayers(names []string) ([]config.LayerDef, error) {
	defs, err := config.LoadLayers(cfg.LayersFile)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return defs, nil
	}
	byName := make(map[string]config.LayerDef, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	out := make([]config.LayerDef, 0, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("layer %q is not defined in %s", n, cfg.LayersFile)
		}
		out = append(out, d)
	}
	return out, nil
}

func (ws *workspace) open(ctx context.Context, def config.LayerDef) (*openLayer, error) {
	db, err := boltdb.Open(cfg.LayerPath(def.Name, ".db"), cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	l := &openLayer{def: def, db: db}
	if err := ws.build(ctx, l); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (ws *workspace) build(ctx context.Context, l *openLayer) error {
	def := l.def
	schema, err := l.db.LoadSchema()
	if err != nil {
		return err
	}
	if schema == nil {
		if schema, err = def.Schema(); err != nil {
			return err
		}
		if err := l.db.SaveSchema(schema); err != nil {
			return err
		}
	}

	log, err := changelog.Open(l.db.Ledger())
	if err != nil {
		return err
	}
	blobs := attachstore.New(cfg.AttachmentDir(def.Name))
	store, err := geomstore.New(schema, l.db, log, blobs, cfg.StoreOptions(def.Name))
	if err != nil {
		return err
	}
	if err := store.LoadCache(); err != nil {
		return err
	}
	l.store = store

	l.state = syncstate.NewFile(cfg.LayerPath(def.Name, ".state"))
	if err := seedState(l.state, def); err != nil {
		return err
	}

	if !ws.withRemote {
		return nil
	}
	res, err := ws.remote(ctx, def, schema)
	if err != nil {
		return err
	}
	dir, err := def.SyncDirection()
	if err != nil {
		return err
	}
	l.layer = &syncer.Layer{
		Name:      def.Name,
		Store:     store,
		Remote:    res,
		State:     l.state,
		Direction: dir,
	}
	return nil
}

// seedState writes the configured sync type for a layer without a state file
func seedState(f *syncstate.File, def config.LayerDef) error {
	if _, err := os.Stat(f.Path()); err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	st, err := def.InitialSyncType()
	if err != nil {
		return err
	}
	return f.Save(&syncstate.State{SyncType: st})
}

func (ws *workspace) remote(ctx context.Context, def config.LayerDef, schema *feature.Schema) (remote.Resource, error) {
	switch def.Kind {
	case config.KindREST:
		return rest.New(rest.Options{
			BaseURL:    def.URL,
			ResourceID: def.ResourceID,
			Username:   def.Username,
			Password:   def.ResolvedPassword(),
			Timeout:    def.Timeout,
			MaxRetries: def.MaxRetries,
		})
	case config.KindPostGIS:
		pool, err := ws.pool(ctx, def)
		if err != nil {
			return nil, err
		}
		res := postgis.New(pool, postgis.Options{Schema: def.DBSchema, Table: def.Table})
		if def.CreateTables {
			gtype := schema.GeometryType
			if schema.AllowMulti {
				gtype = gtype.Multi()
			}
			srid := def.SRID
			if srid == 0 {
				srid = syncer.LocalSRID
			}
			if err := res.EnsureTables(ctx, gtype, srid, schema.Fields); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
	return nil, fmt.Errorf("unknown layer kind %q", def.Kind)
}

// pool returns one shared pool per connection string
func (ws *workspace) pool(ctx context.Context, def config.LayerDef) (*pgxpool.Pool, error) {
	dsn := def.DSN
	if dsn == "" {
		dsn = cfg.ConnectionString()
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if p, ok := ws.pools[dsn]; ok {
		return p, nil
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	ws.pools[dsn] = p
	return p, nil
}

// syncLayers returns the engine layers of the workspace
func (ws *workspace) syncLayers() []*syncer.Layer {
	out := make([]*syncer.Layer, len(ws.layers))
	for i, l := range ws.layers {
		out[i] = l.layer
	}
	return out
}

// Close saves every spatial index and closes the databases
func (ws *workspace) Close() {
	log := logger.Get()
	for _, l := range ws.layers {
		if l.store != nil {
			if err := l.store.Close(); err != nil {
				log.Warn("Failed to save spatial index", zap.String("layer", l.def.Name), zap.Error(err))
			}
		}
		if err := l.db.Close(); err != nil {
			log.Warn("Failed to close layer store", zap.String("layer", l.def.Name), zap.Error(err))
		}
	}
	for _, p := range ws.pools {
		p.Close()
	}
}
