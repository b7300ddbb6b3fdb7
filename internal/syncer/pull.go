package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/changelog"
	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/geomstore"
	"github.com/wegman-software/featuresync/internal/remote"
)

// pull applies server state to the store. The pull timestamp is advanced
// only when every change was applied, so a tracked pull never skips a diff.
func (e *Engine) pull(ctx context.Context, p *pass) error {
	started := e.clock.Now()
	failedBefore := p.res.Failed()

	var err error
	if p.meta.Tracked && !p.state.LastPull.IsZero() {
		err = e.pullTracked(ctx, p)
	} else {
		err = e.pullAll(ctx, p)
	}
	if err != nil {
		return err
	}
	if p.res.Failed() > failedBefore {
		return nil
	}

	p.state.LastPull = started
	if err := p.layer.State.Save(p.state); err != nil {
		p.res.Conflicts++
		p.log.Warn("Failed to save pull timestamp", zap.Error(err))
	}
	return nil
}

// pullAll reconciles the full remote feature set with the store
func (e *Engine) pullAll(ctx context.Context, p *pass) error {
	features, err := p.layer.Remote.List(ctx, remote.Filter{})
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to list remote features", zap.Error(err))
		return nil
	}

	store := p.layer.Store
	present := make(map[int64]bool, len(features))
	for _, rf := range features {
		if err := ctx.Err(); err != nil {
			return err
		}
		present[rf.ID] = true
		p.reconcile(rf)
	}

	// The server decides which features exist
	ids, err := store.IDs()
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to list local features", zap.Error(err))
		return nil
	}
	for _, id := range ids {
		if present[id] {
			continue
		}
		p.deleteAbsent(id)
	}

	p.cleanupRecords(present)
	return nil
}

// pullTracked applies the server diff since the last pull
func (e *Engine) pullTracked(ctx context.Context, p *pass) error {
	changes, err := p.layer.Remote.TrackedChanges(ctx, p.state.LastPull)
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to fetch tracked changes", zap.Error(err))
		return nil
	}

	present := make(map[int64]bool, len(changes.Added)+len(changes.Changed))
	for _, set := range [][]*feature.Feature{changes.Added, changes.Changed} {
		for _, rf := range set {
			if err := ctx.Err(); err != nil {
				return err
			}
			present[rf.ID] = true
			p.reconcile(rf)
		}
	}
	for _, id := range changes.Deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.deleteAbsent(id)
	}

	log := p.layer.Store.Log()
	for _, r := range log.Records() {
		if present[r.FeatureID] && !r.IsAttach() && r.Op&changelog.OpNew != 0 {
			p.reclassify(r)
		}
	}
	return nil
}

// reconcile applies one server feature
func (p *pass) reconcile(in *feature.Feature) {
	store := p.layer.Store
	log := store.Log()
	rf := p.fromRemote(in)

	local, err := store.GetFeature(rf.ID)
	if errors.Is(err, geomstore.ErrNotFound) {
		if log.HasPending(rf.ID, changelog.OpDelete) {
			// Deleted locally, the DELETE is pushed later
			return
		}
		if err := store.PutFromRemote(rf, feature.CompareData); err != nil {
			p.res.count(err)
			p.log.Warn("Failed to store remote feature", zap.Int64("id", rf.ID), zap.Error(err))
			return
		}
		p.res.Inserts++
		return
	}
	if err != nil {
		p.res.count(err)
		p.log.Warn("Failed to read local feature", zap.Int64("id", rf.ID), zap.Error(err))
		return
	}
	if local.Draft != feature.Committed {
		return
	}

	if mask := p.compareMask(); mask != 0 {
		switch {
		case feature.EqualsData(local, rf, p.fields, mask):
			if log.HasPending(rf.ID, changelog.OpNew|changelog.OpChanged) {
				// The server already has the local state
				if err := log.RemoveDataRecords(rf.ID); err != nil {
					p.res.count(err)
				}
			}
		case log.HasPending(rf.ID, 0):
			p.log.Debug("Keeping local edit over server data", zap.Int64("id", rf.ID))
		default:
			if err := store.PutFromRemote(rf, mask); err != nil {
				p.res.count(err)
				p.log.Warn("Failed to update feature from server", zap.Int64("id", rf.ID), zap.Error(err))
			} else {
				p.res.Updates++
			}
		}
	}

	if p.attachments() {
		p.reconcileAttachments(local, rf)
	}
}

// reconcileAttachments applies server attachment metadata to one feature
func (p *pass) reconcileAttachments(local, rf *feature.Feature) {
	store := p.layer.Store
	log := store.Log()
	fid := rf.ID

	if feature.EqualsAttachments(local, rf) && !log.HasAnyAttach(fid) {
		return
	}

	for _, ra := range rf.Attachments {
		la, ok := local.Attachment(ra.ID)
		switch {
		case !ok && log.HasPendingAttach(fid, ra.ID, changelog.AttachDelete):
			continue
		case ok && la.SameMetadata(ra):
			if log.HasPendingAttach(fid, ra.ID, changelog.AttachChanged) {
				if err := log.RemoveForAttach(fid, ra.ID); err != nil {
					p.res.count(err)
				}
			}
			continue
		case ok && log.HasPendingAttach(fid, ra.ID, 0):
			continue
		}
		if err := store.PutAttachmentFromRemote(fid, ra); err != nil {
			p.res.count(err)
			p.log.Warn("Failed to store remote attachment",
				zap.Int64("id", fid), zap.Int64("attachment", ra.ID), zap.Error(err))
			continue
		}
		if ok {
			p.res.Updates++
		} else {
			p.res.Inserts++
		}
	}

	for _, la := range local.Attachments {
		if feature.IsLocalID(la.ID) {
			continue
		}
		if _, ok := rf.Attachment(la.ID); ok {
			continue
		}
		if err := store.DeleteAttachmentFromRemote(fid, la.ID); err != nil {
			p.res.count(err)
			continue
		}
		p.res.Deletes++
	}
}

// deleteAbsent removes a local feature the server does not have, unless it
// was created locally and not pushed yet or is a draft
func (p *pass) deleteAbsent(id int64) {
	store := p.layer.Store
	local, err := store.GetFeature(id)
	if errors.Is(err, geomstore.ErrNotFound) {
		return
	}
	if err != nil {
		p.res.count(err)
		return
	}
	if local.Draft != feature.Committed || store.Log().HasPending(id, changelog.OpNew) {
		return
	}
	if err := store.DeleteFromRemote(id); err != nil {
		p.res.count(err)
		p.log.Warn("Failed to delete feature removed on server", zap.Int64("id", id), zap.Error(err))
		return
	}
	p.res.Deletes++
}

// cleanupRecords fixes the change log after a full reconciliation: NEW for a
// feature the server has becomes CHANGED, and records of features the server
// does not have are dropped unless the feature was created locally.
func (p *pass) cleanupRecords(present map[int64]bool) {
	log := p.layer.Store.Log()
	created := make(map[int64]bool)
	for _, r := range log.Records() {
		if !r.IsAttach() && r.Op&changelog.OpNew != 0 {
			created[r.FeatureID] = true
		}
	}

	for _, r := range log.Records() {
		switch {
		case present[r.FeatureID]:
			if !r.IsAttach() && r.Op&changelog.OpNew != 0 {
				p.reclassify(r)
			}
		case created[r.FeatureID] || feature.IsLocalID(r.FeatureID):
			// Not pushed yet
		default:
			if err := log.Remove(r.ID); err != nil {
				p.res.count(err)
				continue
			}
			p.log.Debug("Dropped stale change record", zap.Stringer("record", r))
		}
	}
}

func (p *pass) reclassify(r changelog.Record) {
	if err := p.layer.Store.Log().Reclassify(r.ID, changelog.OpChanged); err != nil {
		p.res.count(err)
	}
}
