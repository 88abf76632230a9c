// Package capture is the change-capture step for the mirror table. Every
// write to sync_records goes through a Capturer, which decides whether the
// write must propagate to the partner system.
//
// Loop prevention: a row whose sync_source is the partner's tag arrived from
// the partner and is never enqueued again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

// RecordStore is the subset of the store a Capturer writes through.
type RecordStore interface {
	WriteRecord(ctx context.Context, rec models.Record, opts store.WriteOptions) (store.WriteResult, error)
	GetRecord(ctx context.Context, id string) (models.Record, error)
}

// PushFunc is the optional low-latency hook fired after a captured write
// commits. The queue item is already durable when it runs.
type PushFunc func(item models.QueueItem)

// ShouldEnqueue reports whether a row state must produce an outbound queue
// item. It is false only for rows written on behalf of the partner.
func ShouldEnqueue(rec models.Record, partnerTag string) bool {
	return rec.SyncSource != partnerTag
}

// Capturer applies local and remote writes to the mirror table.
type Capturer struct {
	store      RecordStore
	partnerTag string
	log        *zap.Logger
	now        func() time.Time
	push       PushFunc
}

// New returns a Capturer for a system whose partner is tagged partnerTag.
func New(st RecordStore, partnerTag string, log *zap.Logger) *Capturer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Capturer{
		store:      st,
		partnerTag: partnerTag,
		log:        log.With(zap.String("component", "capture")),
		now:        time.Now,
	}
}

// OnCommit installs the low-latency push hook.
func (c *Capturer) OnCommit(fn PushFunc) { c.push = fn }

// PartnerTag returns the tag stamped on partner-originated rows.
func (c *Capturer) PartnerTag() string { return c.partnerTag }

func (c *Capturer) write(ctx context.Context, rec models.Record, onlyIfNewer bool) (store.WriteResult, error) {
	opts := store.WriteOptions{
		OnlyIfNewer: onlyIfNewer,
		Enqueue:     ShouldEnqueue(rec, c.partnerTag),
	}

	res, err := c.store.WriteRecord(ctx, rec, opts)
	if err != nil {
		// The row and its queue item commit together; a failed enqueue
		// fails the write so the caller knows nothing was captured.
		return store.WriteResult{}, fmt.Errorf("capture %s: %w", rec.ID, err)
	}

	if res.Item != nil {
		c.log.Debug("change captured",
			zap.String("entity_id", rec.ID),
			zap.String("operation", string(res.Item.Operation)),
			zap.String("queue_item", res.Item.ID))
		if c.push != nil {
			c.push(*res.Item)
		}
	}
	return res, nil
}

// Save records a local business write. The row is stamped as local-origin
// and pending, and its propagation is enqueued atomically.
func (c *Capturer) Save(ctx context.Context, id string, payload map[string]interface{}) (models.Record, *models.QueueItem, error) {
	if id == "" {
		return models.Record{}, nil, errors.New("record id required")
	}
	rec := models.Record{
		ID:         id,
		Payload:    payload,
		UpdatedAt:  c.now(),
		SyncSource: models.SourceLocal,
		SyncStatus: models.RecordPending,
	}.Normalize()

	res, err := c.write(ctx, rec, false)
	if err != nil {
		return models.Record{}, nil, err
	}
	return rec, res.Item, nil
}

// Delete records a local delete as a tombstone mutation.
func (c *Capturer) Delete(ctx context.Context, id string) (models.Record, *models.QueueItem, error) {
	cur, err := c.store.GetRecord(ctx, id)
	if err != nil {
		return models.Record{}, nil, err
	}

	cur.Deleted = true
	cur.UpdatedAt = c.now()
	cur.SyncSource = models.SourceLocal
	cur.SyncStatus = models.RecordPending
	cur = cur.Normalize()

	res, err := c.write(ctx, cur, false)
	if err != nil {
		return models.Record{}, nil, err
	}
	return cur, res.Item, nil
}

// Apply writes a partner-originated row under last-write-wins. The row is
// stamped with the partner tag so it is never re-emitted. applied is false
// when the stored row is as new or newer.
func (c *Capturer) Apply(ctx context.Context, rec models.Record, op models.Operation) (bool, error) {
	rec.SyncSource = c.partnerTag
	rec.SyncStatus = models.RecordSynced
	if op == models.OpDelete {
		rec.Deleted = true
	}

	res, err := c.write(ctx, rec, true)
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}
