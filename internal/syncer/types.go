package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/geomstore"
	"github.com/wegman-software/featuresync/internal/remote"
	"github.com/wegman-software/featuresync/internal/syncstate"
)

// ErrLayerDisabled is returned by the pass that found the remote resource
// deleted and switched the layer's sync type to none
var ErrLayerDisabled = errors.New("layer sync disabled: remote resource not found")

// Result counts what one pass did. It lives for one pass only.
type Result struct {
	Inserts     int
	Updates     int
	Deletes     int
	AuthErrors  int
	IOErrors    int
	ParseErrors int
	Conflicts   int
	Skipped     int
}

// Failed is the number of operations that will be retried next pass
func (r Result) Failed() int {
	return r.AuthErrors + r.IOErrors + r.ParseErrors + r.Conflicts
}

// OK reports whether nothing failed
func (r Result) OK() bool {
	return r.Failed() == 0
}

// Add accumulates o into r
func (r *Result) Add(o Result) {
	r.Inserts += o.Inserts
	r.Updates += o.Updates
	r.Deletes += o.Deletes
	r.AuthErrors += o.AuthErrors
	r.IOErrors += o.IOErrors
	r.ParseErrors += o.ParseErrors
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
}

func (r Result) String() string {
	return fmt.Sprintf("inserts=%d updates=%d deletes=%d skipped=%d auth=%d io=%d parse=%d conflicts=%d",
		r.Inserts, r.Updates, r.Deletes, r.Skipped, r.AuthErrors, r.IOErrors, r.ParseErrors, r.Conflicts)
}

// Fields returns the counters as log fields
func (r Result) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("inserts", r.Inserts),
		zap.Int("updates", r.Updates),
		zap.Int("deletes", r.Deletes),
		zap.Int("skipped", r.Skipped),
		zap.Int("auth_errors", r.AuthErrors),
		zap.Int("io_errors", r.IOErrors),
		zap.Int("parse_errors", r.ParseErrors),
		zap.Int("conflicts", r.Conflicts),
	}
}

// count files err under its counter
func (r *Result) count(err error) {
	var ve *feature.ValidationError
	switch {
	case errors.Is(err, remote.ErrAuth):
		r.AuthErrors++
	case errors.Is(err, remote.ErrProtocol), errors.As(err, &ve):
		r.ParseErrors++
	case errors.Is(err, remote.ErrNetwork), errors.Is(err, remote.ErrNotFound),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		r.IOErrors++
	default:
		// Anything else failed locally
		r.Conflicts++
	}
}

// Clock is the time source for pull timestamps
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock reads the wall clock in UTC
var SystemClock Clock = systemClock{}

// Notifier surfaces user-visible messages about a layer
type Notifier interface {
	Notify(layer, message string)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(layer, message string)

func (f NotifierFunc) Notify(layer, message string) { f(layer, message) }

// StateStore loads and saves the layer state between passes
type StateStore interface {
	Load() (*syncstate.State, error)
	Save(*syncstate.State) error
}

// Layer binds a local store to its remote resource
type Layer struct {
	Name      string
	Store     *geomstore.Store
	Remote    remote.Resource
	State     StateStore
	Direction syncstate.Direction
}

func (l *Layer) direction() syncstate.Direction {
	if l.Direction == 0 {
		return syncstate.Both
	}
	return l.Direction
}
