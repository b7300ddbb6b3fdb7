package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/geomstore"
	"github.com/wegman-software/featuresync/internal/remote"
	"github.com/wegman-software/featuresync/internal/syncstate"
)

// push replays the change log in ascending record order. Each record is one
// network call; a failed record stays queued and the next one is tried.
func (e *Engine) push(ctx context.Context, p *pass) error {
	log := p.layer.Store.Log()
	for _, snap := range log.Records() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Earlier records may have removed or remapped this one
		r, ok := log.Get(snap.ID)
		if !ok {
			continue
		}
		if r.IsAttach() {
			if p.attachments() {
				p.pushAttachment(ctx, r)
			}
			continue
		}
		if p.syncType&syncstate.SyncData != 0 {
			p.pushData(ctx, r)
		}
	}
	return nil
}

func (p *pass) pushData(ctx context.Context, r changelog.Record) {
	switch {
	case r.Op&changelog.OpDelete != 0:
		p.pushDelete(ctx, r)
	case r.Op&changelog.OpNew != 0:
		p.pushCreate(ctx, r)
	case r.Op&changelog.OpChanged != 0:
		if feature.IsLocalID(r.FeatureID) {
			// The create was lost; send the feature as new
			if err := p.layer.Store.Log().Reclassify(r.ID, changelog.OpNew); err != nil {
				p.res.count(err)
				return
			}
			r.Op = changelog.OpNew
			p.pushCreate(ctx, r)
			return
		}
		p.pushUpdate(ctx, r)
	}
}

func (p *pass) pushDelete(ctx context.Context, r changelog.Record) {
	log := p.layer.Store.Log()
	id := r.FeatureID
	if feature.IsLocalID(id) {
		// Never reached the server
		p.drop(log.RemoveForFeature(id))
		return
	}

	err := p.layer.Remote.Delete(ctx, id)
	switch {
	case remote.IsNotFound(err):
		p.res.Skipped++
	case err != nil:
		p.res.count(err)
		p.log.Warn("Failed to delete feature on server", zap.Int64("id", id), zap.Error(err))
		return
	default:
		p.res.Deletes++
	}
	p.drop(log.RemoveForFeature(id))
}

func (p *pass) pushCreate(ctx context.Context, r changelog.Record) {
	store := p.layer.Store
	log := store.Log()
	id := r.FeatureID

	f, mark, err := store.BeginPush(id)
	if err != nil {
		store.EndPush(id)
		p.res.count(err)
		return
	}
	if f == nil {
		store.EndPush(id)
		p.drop(log.RemoveToLast(id, changelog.OpData, mark))
		return
	}

	newID, err := p.layer.Remote.Create(ctx, p.forRemote(f))
	if err != nil {
		store.EndPush(id)
		p.res.count(err)
		p.log.Warn("Failed to create feature on server", zap.Int64("id", id), zap.Error(err))
		return
	}

	if err := store.ChangeID(id, newID); err != nil {
		// The server has the feature; the next pull brings it back under its id
		store.EndPush(id)
		p.res.count(err)
		p.log.Error("Failed to apply server id",
			zap.Int64("local_id", id), zap.Int64("server_id", newID), zap.Error(err))
		p.drop(log.RemoveToLast(id, changelog.OpNew|changelog.OpChanged, mark))
		return
	}
	p.drop(log.RemoveToLast(newID, changelog.OpNew|changelog.OpChanged, mark))
	store.EndPush(newID)
	p.res.Inserts++
	p.log.Debug("Created feature on server", zap.Int64("local_id", id), zap.Int64("server_id", newID))
}

func (p *pass) pushUpdate(ctx context.Context, r changelog.Record) {
	store := p.layer.Store
	log := store.Log()
	id := r.FeatureID

	f, mark, err := store.BeginPush(id)
	defer store.EndPush(id)
	if err != nil {
		p.res.count(err)
		return
	}
	if f == nil {
		p.drop(log.RemoveToLast(id, changelog.OpChanged, mark))
		return
	}

	err = p.layer.Remote.Update(ctx, p.forRemote(f))
	switch {
	case remote.IsNotFound(err):
		// Gone on the server; the next pull removes it locally
		p.res.Skipped++
	case err != nil:
		p.res.count(err)
		p.log.Warn("Failed to update feature on server", zap.Int64("id", id), zap.Error(err))
		return
	default:
		p.res.Updates++
	}
	p.drop(log.RemoveToLast(id, changelog.OpChanged, mark))
}

func (p *pass) pushAttachment(ctx context.Context, r changelog.Record) {
	if feature.IsLocalID(r.FeatureID) {
		// Waits for the feature create
		p.res.Skipped++
		return
	}
	switch r.AttachOp {
	case changelog.AttachNew:
		p.pushAttachCreate(ctx, r)
	case changelog.AttachChanged:
		if feature.IsLocalID(r.AttachID) {
			p.res.Skipped++
			return
		}
		p.pushAttachUpdate(ctx, r)
	case changelog.AttachDelete:
		p.pushAttachDelete(ctx, r)
	}
}

func (p *pass) pushAttachCreate(ctx context.Context, r changelog.Record) {
	store := p.layer.Store
	log := store.Log()
	fid, aid := r.FeatureID, r.AttachID

	f, mark, err := store.BeginPush(fid)
	defer store.EndPush(fid)
	if err != nil {
		p.res.count(err)
		return
	}
	if f == nil {
		p.drop(log.RemoveForAttach(fid, aid))
		return
	}

	file, meta, err := store.OpenAttachment(fid, aid)
	if errors.Is(err, geomstore.ErrAttachmentNotFound) || errors.Is(err, geomstore.ErrNoBlob) {
		p.res.Skipped++
		p.drop(log.RemoveForAttach(fid, aid))
		return
	}
	if err != nil {
		p.res.count(err)
		return
	}
	up, err := p.layer.Remote.Upload(ctx, meta.Name, file)
	file.Close()
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to upload attachment",
			zap.Int64("id", fid), zap.Int64("attachment", aid), zap.Error(err))
		return
	}
	if meta.MimeType == "" {
		meta.MimeType = up.MimeType
	}

	newID, err := p.layer.Remote.Attach(ctx, fid, up, meta)
	if remote.IsNotFound(err) {
		p.res.Skipped++
		p.drop(log.RemoveForAttach(fid, aid))
		return
	}
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to attach upload",
			zap.Int64("id", fid), zap.Int64("attachment", aid), zap.Error(err))
		return
	}

	if newID != aid {
		if err := store.ChangeAttachmentID(fid, aid, newID); err != nil {
			p.res.count(err)
			p.log.Error("Failed to apply server attachment id",
				zap.Int64("id", fid), zap.Int64("local_id", aid), zap.Int64("server_id", newID), zap.Error(err))
			p.drop(log.RemoveAttachToLast(fid, aid, changelog.AttachNew|changelog.AttachChanged, mark))
			return
		}
	}
	p.drop(log.RemoveAttachToLast(fid, newID, changelog.AttachNew|changelog.AttachChanged, mark))
	p.res.Inserts++
}

func (p *pass) pushAttachUpdate(ctx context.Context, r changelog.Record) {
	store := p.layer.Store
	log := store.Log()
	fid, aid := r.FeatureID, r.AttachID

	f, mark, err := store.BeginPush(fid)
	defer store.EndPush(fid)
	if err != nil {
		p.res.count(err)
		return
	}
	var (
		a  feature.Attachment
		ok bool
	)
	if f != nil {
		a, ok = f.Attachment(aid)
	}
	if !ok {
		p.drop(log.RemoveForAttach(fid, aid))
		return
	}

	err = p.layer.Remote.UpdateAttachment(ctx, fid, a)
	switch {
	case remote.IsNotFound(err):
		p.res.Skipped++
	case err != nil:
		p.res.count(err)
		p.log.Warn("Failed to update attachment",
			zap.Int64("id", fid), zap.Int64("attachment", aid), zap.Error(err))
		return
	default:
		p.res.Updates++
	}
	p.drop(log.RemoveAttachToLast(fid, aid, changelog.AttachChanged, mark))
}

func (p *pass) pushAttachDelete(ctx context.Context, r changelog.Record) {
	log := p.layer.Store.Log()
	fid, aid := r.FeatureID, r.AttachID
	if feature.IsLocalID(aid) {
		p.drop(log.Remove(r.ID))
		return
	}

	err := p.layer.Remote.DeleteAttachment(ctx, fid, aid)
	switch {
	case remote.IsNotFound(err):
		p.res.Skipped++
	case err != nil:
		p.res.count(err)
		p.log.Warn("Failed to delete attachment",
			zap.Int64("id", fid), zap.Int64("attachment", aid), zap.Error(err))
		return
	default:
		p.res.Deletes++
	}
	p.drop(log.Remove(r.ID))
}

// drop counts a failure to remove records after the server accepted them
func (p *pass) drop(err error) {
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to remove change records", zap.Error(err))
	}
}
