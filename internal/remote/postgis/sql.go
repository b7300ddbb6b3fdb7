package postgis

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/wegman-software/featuresync/internal/feature"
)

// Table naming for one layer:
//
//	<schema>.<table>               fid BIGSERIAL, geom, one column per field
//	<schema>.<table>_changes       fid, op ('A','C','D'), changed_at
//	<schema>.<table>_attachments   id, fid, name, mime_type, description, size, data
//	<schema>.featuresync_uploads   token, data, size, mime_type, created_at
const (
	changesSuffix     = "_changes"
	attachmentsSuffix = "_attachments"
	uploadsTable      = "featuresync_uploads"

	opAdded   = "A"
	opChanged = "C"
	opDeleted = "D"
)

func (r *Resource) ident(suffix string) string {
	return pgx.Identifier{r.opts.Schema, r.opts.Table + suffix}.Sanitize()
}

func (r *Resource) uploads() string {
	return pgx.Identifier{r.opts.Schema, uploadsTable}.Sanitize()
}

// columnType maps an information_schema data type to a field type
func columnType(dataType string) (feature.FieldType, bool) {
	switch strings.ToLower(dataType) {
	case "text", "character varying", "character", "uuid":
		return feature.FieldString, true
	case "smallint", "integer", "bigint":
		return feature.FieldInteger, true
	case "real", "double precision", "numeric":
		return feature.FieldReal, true
	case "date":
		return feature.FieldDate, true
	case "time without time zone", "time with time zone":
		return feature.FieldTime, true
	case "timestamp without time zone", "timestamp with time zone":
		return feature.FieldDateTime, true
	}
	return feature.FieldString, false
}

// sqlType is the column type created for a field
func sqlType(t feature.FieldType) string {
	switch t {
	case feature.FieldInteger:
		return "BIGINT"
	case feature.FieldReal:
		return "DOUBLE PRECISION"
	case feature.FieldDate:
		return "DATE"
	case feature.FieldTime:
		return "TIME"
	case feature.FieldDateTime:
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

// selectExpr reads a column in a form that scans into a plain Go type
func selectExpr(c column) string {
	col := pgx.Identifier{c.key}.Sanitize()
	switch c.field.Type {
	case feature.FieldInteger:
		return col + "::bigint"
	case feature.FieldReal:
		return col + "::double precision"
	case feature.FieldTime:
		return "to_char(" + col + ", 'HH24:MI:SS')"
	case feature.FieldDate:
		return col + "::date"
	case feature.FieldDateTime:
		return col + "::timestamptz"
	}
	return col + "::text"
}

// selectSQL builds the feature query; where is appended verbatim
func (r *Resource) selectSQL(cols []column, where string) string {
	exprs := []string{"fid", "ST_AsBinary(geom)"}
	for _, c := range cols {
		exprs = append(exprs, selectExpr(c))
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), r.ident(""))
	if where != "" {
		sql += " WHERE " + where
	}
	return sql + " ORDER BY fid"
}

// insertSQL builds the insert statement; $1 is the EWKB geometry
func (r *Resource) insertSQL(cols []column) string {
	names := []string{"geom"}
	params := []string{"ST_GeomFromEWKB($1)"}
	for i, c := range cols {
		names = append(names, pgx.Identifier{c.key}.Sanitize())
		params = append(params, fmt.Sprintf("$%d", i+2))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING fid",
		r.ident(""), strings.Join(names, ", "), strings.Join(params, ", "))
}

// updateSQL builds the update statement; $1 is the fid and $2 the geometry
func (r *Resource) updateSQL(cols []column) string {
	sets := []string{"geom = ST_GeomFromEWKB($2)"}
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{c.key}.Sanitize(), i+3))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE fid = $1", r.ident(""), strings.Join(sets, ", "))
}

func (r *Resource) schemaStatements(gtype feature.GeometryType, srid int, fields []feature.Field) []string {
	cols := []string{
		"fid BIGSERIAL PRIMARY KEY",
		fmt.Sprintf("geom geometry(%s, %d)", geometryTypeName(gtype), srid),
	}
	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%s %s", pgx.Identifier{f.Name}.Sanitize(), sqlType(f.Type)))
	}
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", r.ident(""), strings.Join(cols, ", ")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			fid BIGINT NOT NULL,
			op CHAR(1) NOT NULL,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.ident(changesSuffix)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (changed_at)",
			pgx.Identifier{r.opts.Table + changesSuffix + "_at_idx"}.Sanitize(), r.ident(changesSuffix)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			fid BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			data BYTEA
		)`, r.ident(attachmentsSuffix)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			token UUID PRIMARY KEY,
			data BYTEA NOT NULL,
			size BIGINT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.uploads()),
	}
}

func geometryTypeName(t feature.GeometryType) string {
	if t == feature.GeometryUnknown {
		return "GEOMETRY"
	}
	return t.String()
}
