// Package remotetest provides an in-memory remote resource for tests
package remotetest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/remote"
)

// Operation names used for call recording and fault injection
const (
	OpMeta             = "meta"
	OpList             = "list"
	OpTracked          = "tracked"
	OpCreate           = "create"
	OpUpdate           = "update"
	OpDelete           = "delete"
	OpUpload           = "upload"
	OpAttach           = "attach"
	OpUpdateAttachment = "update_attachment"
	OpDeleteAttachment = "delete_attachment"
)

// Call is one recorded request
type Call struct {
	Op        string
	FeatureID int64
	AttachID  int64
}

type change struct {
	at      time.Time
	fid     int64
	created bool
	deleted bool
}

// Remote is a thread-safe fake server holding one resource
type Remote struct {
	mu       sync.Mutex
	meta     remote.Meta
	missing  bool
	features map[int64]*feature.Feature
	uploads  map[string][]byte
	blobs    map[int64][]byte
	nextID   int64
	nextAtt  int64
	journal  []change
	now      func() time.Time
	calls    []Call
	faults   map[string][]error
}

var _ remote.Resource = (*Remote)(nil)

// New creates a remote with the given metadata
func New(meta remote.Meta) *Remote {
	return &Remote{
		meta:     meta,
		features: make(map[int64]*feature.Feature),
		uploads:  make(map[string][]byte),
		blobs:    make(map[int64][]byte),
		nextID:   1000,
		nextAtt:  500,
		now:      time.Now,
		faults:   make(map[string][]error),
	}
}

// SetClock replaces the clock stamping journal entries
func (r *Remote) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetNextID sets the id the next Create assigns
func (r *Remote) SetNextID(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID = id
}

// SetMissing makes every call answer not found, as if the resource was deleted
func (r *Remote) SetMissing(missing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing = missing
}

// Fail queues err as the result of the next call of op. Queued errors are
// consumed in order.
func (r *Remote) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = append(r.faults[op], err)
}

// Put stores a feature as server state without journaling it
func (r *Remote) Put(f *feature.Feature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[f.ID] = f.Clone()
}

// Edit stores a feature as a server-side edit visible to tracked pulls
func (r *Remote) Edit(f *feature.Feature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.features[f.ID]
	r.features[f.ID] = f.Clone()
	r.journal = append(r.journal, change{at: r.now(), fid: f.ID, created: !existed})
}

// Remove deletes a feature as a server-side edit
func (r *Remote) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.features, id)
	r.journal = append(r.journal, change{at: r.now(), fid: id, deleted: true})
}

// Feature returns a copy of a stored feature
func (r *Remote) Feature(id int64) (*feature.Feature, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.features[id]
	return f.Clone(), ok
}

// Len returns the number of stored features
func (r *Remote) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.features)
}

// Blob returns attached content
func (r *Remote) Blob(attachID int64) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[attachID]
	return b, ok
}

// Calls returns the recorded requests
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallCount counts recorded requests of one operation
func (r *Remote) CallCount(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded requests
func (r *Remote) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// begin records a call and returns an injected or not-found error
func (r *Remote) begin(op string, fid, aid int64) error {
	r.calls = append(r.calls, Call{Op: op, FeatureID: fid, AttachID: aid})
	if q := r.faults[op]; len(q) > 0 {
		r.faults[op] = q[1:]
		return q[0]
	}
	if r.missing {
		return &remote.Error{Op: op, Status: 404, Kind: remote.ErrNotFound}
	}
	return nil
}

func notFound(op string, id int64) error {
	return &remote.Error{Op: op, Status: 404, Kind: remote.ErrNotFound, Cause: fmt.Errorf("feature %d", id)}
}

func (r *Remote) Meta(ctx context.Context) (*remote.Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpMeta, 0, 0); err != nil {
		return nil, err
	}
	m := r.meta
	m.Fields = append([]feature.Field(nil), r.meta.Fields...)
	return &m, nil
}

func (r *Remote) List(ctx context.Context, filter remote.Filter) ([]*feature.Feature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpList, 0, 0); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(r.features))
	for id, f := range r.features {
		if filter.Envelope.IsInit() && !filter.Envelope.Intersects(f.Envelope()) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	out := make([]*feature.Feature, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.features[id].Clone())
	}
	return out, nil
}

func (r *Remote) TrackedChanges(ctx context.Context, since time.Time) (*remote.Changes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpTracked, 0, 0); err != nil {
		return nil, err
	}

	type state struct{ created, deleted bool }
	latest := make(map[int64]state)
	for _, c := range r.journal {
		if !c.at.After(since) {
			continue
		}
		s := latest[c.fid]
		s.created = s.created || c.created
		s.deleted = c.deleted
		latest[c.fid] = s
	}

	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := &remote.Changes{}
	for _, id := range ids {
		s := latest[id]
		f, ok := r.features[id]
		switch {
		case s.deleted || !ok:
			out.Deleted = append(out.Deleted, id)
		case s.created:
			out.Added = append(out.Added, f.Clone())
		default:
			out.Changed = append(out.Changed, f.Clone())
		}
	}
	return out, nil
}

func (r *Remote) Create(ctx context.Context, f *feature.Feature) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpCreate, f.ID, 0); err != nil {
		return 0, err
	}
	id := r.nextID
	r.nextID++
	stored := f.Clone()
	stored.ID = id
	stored.Attachments = nil
	stored.Draft = feature.Committed
	r.features[id] = stored
	r.journal = append(r.journal, change{at: r.now(), fid: id, created: true})
	return id, nil
}

func (r *Remote) Update(ctx context.Context, f *feature.Feature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpUpdate, f.ID, 0); err != nil {
		return err
	}
	cur, ok := r.features[f.ID]
	if !ok {
		return notFound(OpUpdate, f.ID)
	}
	next := f.Clone()
	next.Attachments = cur.Attachments
	next.Draft = feature.Committed
	r.features[f.ID] = next
	r.journal = append(r.journal, change{at: r.now(), fid: f.ID})
	return nil
}

func (r *Remote) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDelete, id, 0); err != nil {
		return err
	}
	if _, ok := r.features[id]; !ok {
		return notFound(OpDelete, id)
	}
	delete(r.features, id)
	r.journal = append(r.journal, change{at: r.now(), fid: id, deleted: true})
	return nil
}

func (r *Remote) Upload(ctx context.Context, name string, rd io.Reader) (remote.Upload, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return remote.Upload{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpUpload, 0, 0); err != nil {
		return remote.Upload{}, err
	}
	token := uuid.NewString()
	r.uploads[token] = data
	return remote.Upload{Token: token, Size: int64(len(data))}, nil
}

func (r *Remote) Attach(ctx context.Context, featureID int64, up remote.Upload, meta feature.Attachment) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpAttach, featureID, meta.ID); err != nil {
		return 0, err
	}
	f, ok := r.features[featureID]
	if !ok {
		return 0, notFound(OpAttach, featureID)
	}
	data, ok := r.uploads[up.Token]
	if !ok {
		return 0, &remote.Error{Op: OpAttach, Status: 400, Kind: remote.ErrProtocol, Cause: fmt.Errorf("unknown upload %q", up.Token)}
	}
	delete(r.uploads, up.Token)

	id := r.nextAtt
	r.nextAtt++
	r.blobs[id] = data
	f.Attachments = append(f.Attachments, feature.Attachment{
		ID:          id,
		Name:        meta.Name,
		MimeType:    meta.MimeType,
		Description: meta.Description,
		Size:        int64(len(data)),
	})
	f.SortAttachments()
	r.journal = append(r.journal, change{at: r.now(), fid: featureID})
	return id, nil
}

func (r *Remote) UpdateAttachment(ctx context.Context, featureID int64, meta feature.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpUpdateAttachment, featureID, meta.ID); err != nil {
		return err
	}
	f, ok := r.features[featureID]
	if !ok {
		return notFound(OpUpdateAttachment, featureID)
	}
	for i := range f.Attachments {
		if f.Attachments[i].ID == meta.ID {
			f.Attachments[i].Name = meta.Name
			f.Attachments[i].Description = meta.Description
			r.journal = append(r.journal, change{at: r.now(), fid: featureID})
			return nil
		}
	}
	return notFound(OpUpdateAttachment, featureID)
}

func (r *Remote) DeleteAttachment(ctx context.Context, featureID, attachID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDeleteAttachment, featureID, attachID); err != nil {
		return err
	}
	f, ok := r.features[featureID]
	if !ok {
		return notFound(OpDeleteAttachment, featureID)
	}
	for i, a := range f.Attachments {
		if a.ID == attachID {
			f.Attachments = append(f.Attachments[:i], f.Attachments[i+1:]...)
			delete(r.blobs, attachID)
			r.journal = append(r.journal, change{at: r.now(), fid: featureID})
			return nil
		}
	}
	return notFound(OpDeleteAttachment, featureID)
}
