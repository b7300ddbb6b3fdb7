// Package postgis serves a layer straight from a PostGIS table. Edits made
// through it are journaled in a companion changes table so other clients can
// pull incrementally.
package postgis

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb/encoding/wkb"
	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/remote"
	ewkb "github.com/wegman-software/featuresync/internal/wkb"
)

// Options names the table of a layer
type Options struct {
	Schema string
	Table  string
}

type column struct {
	field feature.Field
	key   string
}

// Resource implements remote.Resource on a PostGIS table
type Resource struct {
	pool *pgxpool.Pool
	opts Options

	mu   sync.Mutex
	meta *remote.Meta
	cols []column
}

var _ remote.Resource = (*Resource)(nil)

// New creates a resource on an open pool
func New(pool *pgxpool.Pool, opts Options) *Resource {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	return &Resource{pool: pool, opts: opts}
}

// EnsureTables creates the layer, changes, attachment and upload tables when
// they do not exist
func (r *Resource) EnsureTables(ctx context.Context, gtype feature.GeometryType, srid int, fields []feature.Field) error {
	log := logger.Get()
	for _, stmt := range r.schemaStatements(gtype, srid, fields) {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tables for %s.%s: %w", r.opts.Schema, r.opts.Table, err)
		}
	}
	log.Info("PostGIS tables ready",
		zap.String("schema", r.opts.Schema),
		zap.String("table", r.opts.Table))
	return nil
}

// Meta reads the geometry column and attribute columns of the table
func (r *Resource) Meta(ctx context.Context) (*remote.Meta, error) {
	const op = "get meta"
	var (
		gtypeName string
		srid      int
	)
	err := r.pool.QueryRow(ctx, `
		SELECT type, srid FROM geometry_columns
		WHERE f_table_schema = $1 AND f_table_name = $2 AND f_geometry_column = 'geom'`,
		r.opts.Schema, r.opts.Table,
	).Scan(&gtypeName, &srid)
	if err != nil {
		return nil, classify(op, err)
	}
	gtype, err := feature.ParseGeometryType(gtypeName)
	if err != nil {
		return nil, &remote.Error{Op: op, Kind: remote.ErrProtocol, Cause: err}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name NOT IN ('fid', 'geom')
		ORDER BY ordinal_position`,
		r.opts.Schema, r.opts.Table)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	meta := &remote.Meta{Name: r.opts.Table, GeometryType: gtype, SRID: srid}
	var cols []column
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, classify(op, err)
		}
		ft, ok := columnType(dataType)
		if !ok {
			logger.Get().Debug("Skipping column of unsupported type",
				zap.String("column", name), zap.String("type", dataType))
			continue
		}
		fld := feature.Field{Name: feature.NormalizeFieldName(name), Alias: name, Type: ft}
		meta.Fields = append(meta.Fields, fld)
		cols = append(cols, column{field: fld, key: name})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}

	var tracked bool
	if err := r.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", r.ident(changesSuffix)).Scan(&tracked); err != nil {
		return nil, classify(op, err)
	}
	meta.Tracked = tracked

	r.mu.Lock()
	r.meta, r.cols = meta, cols
	r.mu.Unlock()
	return meta, nil
}

func (r *Resource) columns(ctx context.Context) ([]column, *remote.Meta, error) {
	r.mu.Lock()
	meta, cols := r.meta, r.cols
	r.mu.Unlock()
	if meta != nil {
		return cols, meta, nil
	}
	meta, err := r.Meta(ctx)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cols, meta, nil
}

// List reads features with their attachment metadata
func (r *Resource) List(ctx context.Context, filter remote.Filter) ([]*feature.Feature, error) {
	cols, meta, err := r.columns(ctx)
	if err != nil {
		return nil, err
	}
	var (
		where string
		args  []any
	)
	if e := filter.Envelope; e.IsInit() {
		where = "geom && ST_MakeEnvelope($1, $2, $3, $4, $5)"
		args = append(args, e.MinX, e.MinY, e.MaxX, e.MaxY, meta.SRID)
	}
	sql := r.selectSQL(cols, where)
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return r.query(ctx, "list features", cols, sql, args...)
}

func (r *Resource) query(ctx context.Context, op string, cols []column, sql string, args ...any) ([]*feature.Feature, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var (
		out   []*feature.Feature
		byFID = make(map[int64]*feature.Feature)
	)
	for rows.Next() {
		f, err := scanFeature(rows, cols)
		if err != nil {
			return nil, &remote.Error{Op: op, Kind: remote.ErrProtocol, Cause: err}
		}
		out = append(out, f)
		byFID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	if err := r.loadAttachments(ctx, op, byFID); err != nil {
		return nil, err
	}
	return out, nil
}

func scanFeature(rows pgx.Rows, cols []column) (*feature.Feature, error) {
	var (
		fid  int64
		geom []byte
	)
	dest := []any{&fid, &geom}
	vals := make([]any, len(cols))
	for i, c := range cols {
		switch c.field.Type {
		case feature.FieldInteger:
			vals[i] = new(*int64)
		case feature.FieldReal:
			vals[i] = new(*float64)
		case feature.FieldDate, feature.FieldDateTime:
			vals[i] = new(*time.Time)
		default:
			vals[i] = new(*string)
		}
		dest = append(dest, vals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	f := &feature.Feature{ID: fid, Values: make(map[string]feature.Value, len(cols))}
	if len(geom) > 0 {
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("feature %d: failed to parse geometry: %w", fid, err)
		}
		f.Geometry = g
	}
	for i, c := range cols {
		v, err := columnValue(c.field.Type, vals[i])
		if err != nil {
			return nil, fmt.Errorf("feature %d field %q: %w", fid, c.key, err)
		}
		f.Values[c.field.Name] = v
	}
	return f, nil
}

func columnValue(t feature.FieldType, dest any) (feature.Value, error) {
	switch p := dest.(type) {
	case **int64:
		if *p == nil {
			return feature.NullValue(t), nil
		}
		return feature.IntegerValue(**p), nil
	case **float64:
		if *p == nil {
			return feature.NullValue(t), nil
		}
		return feature.RealValue(**p), nil
	case **time.Time:
		if *p == nil {
			return feature.NullValue(t), nil
		}
		if t == feature.FieldDate {
			return feature.DateValue((**p).Date()), nil
		}
		return feature.DateTimeValue(**p), nil
	case **string:
		if *p == nil {
			return feature.NullValue(t), nil
		}
		if t == feature.FieldTime {
			return feature.ParseValue(t, **p)
		}
		return feature.StringValue(**p), nil
	}
	return feature.Value{}, fmt.Errorf("unexpected scan target %T", dest)
}

func (r *Resource) loadAttachments(ctx context.Context, op string, byFID map[int64]*feature.Feature) error {
	fids := make([]int64, 0, len(byFID))
	for fid := range byFID {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	rows, err := r.pool.Query(ctx,
		fmt.Sprintf("SELECT id, fid, name, mime_type, description, size FROM %s WHERE fid = ANY($1) ORDER BY id",
			r.ident(attachmentsSuffix)),
		fids)
	if err != nil {
		return classify(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a   feature.Attachment
			fid int64
		)
		if err := rows.Scan(&a.ID, &fid, &a.Name, &a.MimeType, &a.Description, &a.Size); err != nil {
			return classify(op, err)
		}
		if f, ok := byFID[fid]; ok {
			f.Attachments = append(f.Attachments, a)
		}
	}
	return classify(op, rows.Err())
}

// TrackedChanges reads the journal since a timestamp. The latest entry per
// feature decides whether it was added, changed or deleted.
func (r *Resource) TrackedChanges(ctx context.Context, since time.Time) (*remote.Changes, error) {
	const op = "tracked changes"
	cols, _, err := r.columns(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT fid, bool_or(op = 'A'), (array_agg(op ORDER BY changed_at DESC))[1]
		FROM %s WHERE changed_at > $1 GROUP BY fid ORDER BY fid`, r.ident(changesSuffix)), since)
	if err != nil {
		return nil, classify(op, err)
	}
	var (
		out            = &remote.Changes{}
		added, changed []int64
	)
	for rows.Next() {
		var (
			fid     int64
			created bool
			last    string
		)
		if err := rows.Scan(&fid, &created, &last); err != nil {
			rows.Close()
			return nil, classify(op, err)
		}
		switch {
		case last == opDeleted:
			out.Deleted = append(out.Deleted, fid)
		case created:
			added = append(added, fid)
		default:
			changed = append(changed, fid)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}

	if len(added) > 0 {
		if out.Added, err = r.query(ctx, op, cols, r.selectSQL(cols, "fid = ANY($1)"), added); err != nil {
			return nil, err
		}
	}
	if len(changed) > 0 {
		if out.Changed, err = r.query(ctx, op, cols, r.selectSQL(cols, "fid = ANY($1)"), changed); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resource) featureArgs(f *feature.Feature, cols []column, srid int) ([]any, error) {
	geom, err := ewkb.Encode(f.Geometry, srid)
	if err != nil {
		return nil, err
	}
	args := []any{geom}
	for _, c := range cols {
		v, ok := f.Values[c.field.Name]
		if !ok || v.IsNull() {
			args = append(args, nil)
			continue
		}
		switch v.Type() {
		case feature.FieldString:
			args = append(args, v.Str())
		case feature.FieldInteger:
			args = append(args, v.Int())
		case feature.FieldReal:
			args = append(args, v.Real())
		case feature.FieldTime:
			t := v.Time()
			secs := int64(t.Hour()*3600 + t.Minute()*60 + t.Second())
			args = append(args, pgtype.Time{Microseconds: secs * 1e6, Valid: true})
		default:
			args = append(args, v.Time())
		}
	}
	return args, nil
}

func (r *Resource) journal(ctx context.Context, tx pgx.Tx, fid int64, op string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (fid, op) VALUES ($1, $2)", r.ident(changesSuffix)), fid, op)
	return err
}

// Create inserts a feature and returns its fid
func (r *Resource) Create(ctx context.Context, f *feature.Feature) (int64, error) {
	const op = "create feature"
	cols, meta, err := r.columns(ctx)
	if err != nil {
		return 0, err
	}
	args, err := r.featureArgs(f, cols, meta.SRID)
	if err != nil {
		return 0, &remote.Error{Op: op, Kind: remote.ErrProtocol, Cause: err}
	}

	var fid int64
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, r.insertSQL(cols), args...).Scan(&fid); err != nil {
			return err
		}
		return r.journal(ctx, tx, fid, opAdded)
	})
	if err != nil {
		return 0, classify(op, err)
	}
	return fid, nil
}

// Update replaces a feature
func (r *Resource) Update(ctx context.Context, f *feature.Feature) error {
	const op = "update feature"
	cols, meta, err := r.columns(ctx)
	if err != nil {
		return err
	}
	args, err := r.featureArgs(f, cols, meta.SRID)
	if err != nil {
		return &remote.Error{Op: op, Kind: remote.ErrProtocol, Cause: err}
	}
	args = append([]any{f.ID}, args...)

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, r.updateSQL(cols), args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return r.journal(ctx, tx, f.ID, opChanged)
	})
	return classify(op, err)
}

// Delete removes a feature with its attachments
func (r *Resource) Delete(ctx context.Context, id int64) error {
	const op = "delete feature"
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE fid = $1", r.ident("")), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE fid = $1", r.ident(attachmentsSuffix)), id); err != nil {
			return err
		}
		return r.journal(ctx, tx, id, opDeleted)
	})
	return classify(op, err)
}

// Upload stores content in the upload table until it is attached
func (r *Resource) Upload(ctx context.Context, name string, rd io.Reader) (remote.Upload, error) {
	const op = "upload attachment"
	data, err := io.ReadAll(rd)
	if err != nil {
		return remote.Upload{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	up := remote.Upload{
		Token:    uuid.NewString(),
		Size:     int64(len(data)),
		MimeType: mimetype.Detect(data).String(),
	}
	_, err = r.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (token, data, size, mime_type) VALUES ($1, $2, $3, $4)", r.uploads()),
		up.Token, data, up.Size, up.MimeType)
	if err != nil {
		return remote.Upload{}, classify(op, err)
	}
	return up, nil
}

// Attach moves uploaded content into the attachment table
func (r *Resource) Attach(ctx context.Context, featureID int64, up remote.Upload, meta feature.Attachment) (int64, error) {
	const op = "attach"
	mime := meta.MimeType
	if mime == "" {
		mime = up.MimeType
	}
	var id int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE fid = $1)", r.ident("")), featureID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (fid, name, mime_type, description, size, data)
			SELECT $1, $2, $3, $4, size, data FROM %s WHERE token = $5
			RETURNING id`, r.ident(attachmentsSuffix), r.uploads()),
			featureID, meta.Name, mime, meta.Description, up.Token,
		).Scan(&id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE token = $1", r.uploads()), up.Token); err != nil {
			return err
		}
		return r.journal(ctx, tx, featureID, opChanged)
	})
	if err != nil {
		return 0, classify(op, err)
	}
	return id, nil
}

// UpdateAttachment changes attachment metadata
func (r *Resource) UpdateAttachment(ctx context.Context, featureID int64, meta feature.Attachment) error {
	return r.attachmentExec(ctx, "update attachment", featureID,
		fmt.Sprintf("UPDATE %s SET name = $3, description = $4 WHERE fid = $1 AND id = $2", r.ident(attachmentsSuffix)),
		featureID, meta.ID, meta.Name, meta.Description)
}

// DeleteAttachment removes an attachment
func (r *Resource) DeleteAttachment(ctx context.Context, featureID, attachID int64) error {
	return r.attachmentExec(ctx, "delete attachment", featureID,
		fmt.Sprintf("DELETE FROM %s WHERE fid = $1 AND id = $2", r.ident(attachmentsSuffix)),
		featureID, attachID)
}

func (r *Resource) attachmentExec(ctx context.Context, op string, featureID int64, sql string, args ...any) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return r.journal(ctx, tx, featureID, opChanged)
	})
	return classify(op, err)
}
