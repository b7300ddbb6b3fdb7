// Package remote defines the contracts of a remote feature server and the
// error taxonomy shared by its implementations.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/wegman-software/featuresync/internal/feature"
)

// Meta describes a remote vector resource
type Meta struct {
	ID           int64
	Name         string
	GeometryType feature.GeometryType
	// SRID of the geometries exchanged with the server
	SRID   int
	Fields []feature.Field
	// Tracked is set when the server can answer TrackedChanges
	Tracked bool
}

// Filter narrows List. The zero value lists everything.
type Filter struct {
	// Envelope in the remote SRID
	Envelope feature.Envelope
	Limit    int
}

// Changes is the server-side diff since a timestamp. Attachment metadata of
// added and changed features is included.
type Changes struct {
	Added   []*feature.Feature
	Changed []*feature.Feature
	Deleted []int64
}

// Upload identifies content uploaded ahead of attaching it
type Upload struct {
	Token    string
	Size     int64
	MimeType string
}

// Features is the remote feature endpoint of one resource. Feature
// attachments returned by List carry metadata only.
type Features interface {
	Meta(ctx context.Context) (*Meta, error)
	List(ctx context.Context, filter Filter) ([]*feature.Feature, error)
	TrackedChanges(ctx context.Context, since time.Time) (*Changes, error)
	// Create returns the id assigned by the server
	Create(ctx context.Context, f *feature.Feature) (int64, error)
	Update(ctx context.Context, f *feature.Feature) error
	Delete(ctx context.Context, id int64) error
}

// Attachments is the remote attachment endpoint of one resource
type Attachments interface {
	Upload(ctx context.Context, name string, r io.Reader) (Upload, error)
	// Attach links uploaded content to a feature and returns the attachment id
	Attach(ctx context.Context, featureID int64, up Upload, meta feature.Attachment) (int64, error)
	UpdateAttachment(ctx context.Context, featureID int64, meta feature.Attachment) error
	DeleteAttachment(ctx context.Context, featureID, attachID int64) error
}

// Resource is a remote resource with both endpoints
type Resource interface {
	Features
	Attachments
}
