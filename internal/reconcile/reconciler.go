// Package reconcile repairs drift between the local mirror table and the
// partner's by comparing both sides under last-write-wins.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/monitor"
	"github.com/PratikDhanave/lead-sync-service/internal/remote"
)

// LocalStore is the local mirror access a pass needs.
type LocalStore interface {
	ListRecords(ctx context.Context, f models.RecordFilter) ([]models.Record, error)
	InFlightEntityIDs(ctx context.Context) ([]string, error)
	MarkRecordStatus(ctx context.Context, id string, updatedAt time.Time, status models.RecordStatus) error
}

// Remote is the partner's export and ingest endpoints.
type Remote interface {
	Fetch(ctx context.Context, q remote.ExportQuery) ([]models.Record, error)
	Push(ctx context.Context, in models.IngestRequest) (models.IngestResponse, error)
}

// Applier writes partner rows locally without re-enqueueing them.
type Applier interface {
	Apply(ctx context.Context, rec models.Record, op models.Operation) (bool, error)
}

// Options configures a Reconciler.
type Options struct {
	SystemTag    string
	RecentWindow time.Duration
	ActiveFields []string
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	local    LocalStore
	remote   Remote
	applier  Applier
	recorder *monitor.Recorder
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// New returns a Reconciler.
func New(local LocalStore, rem Remote, applier Applier, rec *monitor.Recorder, opts Options, log *zap.Logger) *Reconciler {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		local:    local,
		remote:   rem,
		applier:  applier,
		recorder: rec,
		opts:     opts,
		log:      log.With(zap.String("component", "reconciler")),
		now:      time.Now,
	}
}

// strategy resolves mode; the empty mode is recent.
func (r *Reconciler) strategy(mode Mode) (strategy, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeFull:
		return fullStrategy{}, nil
	case ModeRecent:
		return recentStrategy{window: r.opts.RecentWindow, now: r.now}, nil
	case ModeActiveOnly:
		return activeStrategy{fields: r.opts.ActiveFields}, nil
	}
	return nil, fmt.Errorf("unknown reconcile mode %q", mode)
}

// outcome of one record comparison.
type outcome int

const (
	unchanged outcome = iota
	created
	updated
	conflict // equal timestamps, different content; left unchanged
)

// Reconcile runs one pass and records it as a reconciliation SyncLog.
// A failing record is counted and sampled; it never aborts the pass.
func (r *Reconciler) Reconcile(ctx context.Context, mode Mode) (models.ReconcileResult, error) {
	s, err := r.strategy(mode)
	if err != nil {
		return models.ReconcileResult{}, err
	}

	mode = s.mode()

	run, err := r.recorder.Start(ctx, models.Reconciliation, map[string]interface{}{"mode": string(mode)})
	if err != nil {
		return models.ReconcileResult{}, err
	}
	res := models.ReconcileResult{LogID: run.ID(), Mode: string(mode)}

	// Bookkeeping outlives a cancelled pass.
	bg := context.WithoutCancel(ctx)

	p, err := s.collect(ctx, r)
	if err != nil {
		run.Fail("collect", err)
		if _, ferr := run.Finish(bg); ferr != nil {
			r.log.Error("finish sync log", zap.Error(ferr))
		}
		return res, err
	}

	for _, id := range p.ids {
		if err := ctx.Err(); err != nil {
			run.Note(fmt.Sprintf("pass interrupted after %d of %d records: %v", res.Created+res.Updated+res.Unchanged+res.Failed, len(p.ids), err))
			break
		}

		lr, hasLocal := p.local[id]
		rr, hasRemote := p.remote[id]

		o, err := r.reconcileOne(ctx, s.pullOnly(), lr, hasLocal, rr, hasRemote)
		if err != nil {
			res.Failed++
			run.Fail(id, err)
			continue
		}
		switch o {
		case created:
			res.Created++
			run.Succeed()
		case updated:
			res.Updated++
			run.Succeed()
		case conflict:
			res.Conflicts++
			res.Unchanged++
			run.Note(fmt.Sprintf("%s: conflicting content at equal updated_at %s", id, lr.UpdatedAt.Format(time.RFC3339Nano)))
		default:
			res.Unchanged++
		}
	}

	run.SetMeta("created", res.Created)
	run.SetMeta("updated", res.Updated)
	run.SetMeta("unchanged", res.Unchanged)
	run.SetMeta("conflicts", res.Conflicts)

	if _, err := run.Finish(bg); err != nil {
		return res, err
	}
	r.log.Info("reconciliation finished",
		zap.String("mode", string(mode)),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("failed", res.Failed),
		zap.Int("conflicts", res.Conflicts))
	return res, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, pullOnly bool, lr models.Record, hasLocal bool, rr models.Record, hasRemote bool) (outcome, error) {
	switch {
	case hasLocal && !hasRemote:
		// A tombstone with no counterpart has nothing to delete.
		if pullOnly || lr.Deleted {
			return unchanged, nil
		}
		return created, r.push(ctx, lr, models.OpInsert)

	case hasRemote && !hasLocal:
		if rr.Deleted {
			return unchanged, nil
		}
		return r.pull(ctx, rr, models.OpInsert, created)

	case lr.NewerThan(rr):
		if pullOnly {
			return unchanged, nil
		}
		op := models.OpUpdate
		if lr.Deleted {
			op = models.OpDelete
		}
		return updated, r.push(ctx, lr, op)

	case rr.NewerThan(lr):
		op := models.OpUpdate
		if rr.Deleted {
			op = models.OpDelete
		}
		return r.pull(ctx, rr, op, updated)
	}

	if !sameContent(lr, rr) {
		return conflict, nil
	}
	return unchanged, nil
}

// push sends the local winner to the partner synchronously.
func (r *Reconciler) push(ctx context.Context, rec models.Record, op models.Operation) error {
	if rec.Deleted {
		op = models.OpDelete
	}
	if _, err := r.remote.Push(ctx, models.IngestRequest{
		Record:    rec,
		Source:    r.opts.SystemTag,
		Operation: op,
	}); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := r.local.MarkRecordStatus(context.WithoutCancel(ctx), rec.ID, rec.UpdatedAt, models.RecordSynced); err != nil {
		r.log.Warn("mark record synced", zap.String("entity_id", rec.ID), zap.Error(err))
	}
	return nil
}

// pull applies the partner winner locally. A write that lost a race with a
// newer local change is reported unchanged.
func (r *Reconciler) pull(ctx context.Context, rec models.Record, op models.Operation, as outcome) (outcome, error) {
	applied, err := r.applier.Apply(ctx, rec, op)
	if err != nil {
		return unchanged, fmt.Errorf("apply: %w", err)
	}
	if !applied {
		return unchanged, nil
	}
	return as, nil
}

// sameContent compares the replicated part of two rows. Payloads are compared
// in their JSON form so numeric types decoded differently still match.
func sameContent(a, b models.Record) bool {
	if a.Deleted != b.Deleted {
		return false
	}
	ja, errA := json.Marshal(a.Payload)
	jb, errB := json.Marshal(b.Payload)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
