package postgis

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wegman-software/featuresync/internal/remote"
)

// classify maps database errors onto the remote taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &remote.Error{Op: op, Kind: remote.ErrNotFound, Cause: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &remote.Error{Op: op, Kind: remote.ErrNetwork, Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01" || pgErr.Code == "3F000":
			// undefined_table, invalid_schema_name
			return &remote.Error{Op: op, Kind: remote.ErrNotFound, Cause: err}
		case pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28"):
			return &remote.Error{Op: op, Kind: remote.ErrAuth, Cause: err}
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57"):
			// connection exceptions, operator intervention
			return &remote.Error{Op: op, Kind: remote.ErrNetwork, Cause: err}
		}
		return &remote.Error{Op: op, Kind: remote.ErrProtocol, Cause: err}
	}
	return &remote.Error{Op: op, Kind: remote.ErrNetwork, Cause: err}
}
