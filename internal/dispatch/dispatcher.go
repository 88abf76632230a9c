// Package dispatch delivers queued changes to the partner system.
//
// Each queue item is claimed (pending -> processing) by a conditional update,
// delivered with one HTTP push, and then moved to completed, back to pending
// with a backoff (transient failure), or to failed (rejection or exhausted
// retries). Delivery is at-least-once; the partner's last-write-wins ingest
// makes redelivery a no-op.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/remote"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

// Pusher delivers one change to the partner's ingest endpoint.
type Pusher interface {
	Push(ctx context.Context, in models.IngestRequest) (models.IngestResponse, error)
}

// ItemStore is the queue and mirror access a Dispatcher needs.
type ItemStore interface {
	GetRecord(ctx context.Context, id string) (models.Record, error)
	MarkRecordStatus(ctx context.Context, id string, updatedAt time.Time, status models.RecordStatus) error
	CompleteItem(ctx context.Context, id string, now time.Time) error
	RequeueItem(ctx context.Context, id string, retryCount int, lastErr string, next time.Time) error
	FailItem(ctx context.Context, id string, retryCount int, lastErr string, now time.Time) error
}

// Policy bounds retries.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the delay before attempt retryCount+1: base doubled per
// failed attempt, capped at MaxBackoff.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < retryCount; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Outcome is the state a dispatched item ended in.
type Outcome int

const (
	// Delivered: partner acknowledged (applied or no-op); item completed.
	Delivered Outcome = iota
	// Requeued: transient failure; item back to pending with backoff.
	Requeued
	// Failed: rejected or out of retries; item terminally failed.
	Failed
	// Abandoned: the caller's deadline expired mid-delivery; the item is
	// left processing for the stale-claim sweep.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Requeued:
		return "requeued"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// Result is what Dispatch did. Err is the delivery error, nil when Delivered.
type Result struct {
	Outcome Outcome
	Applied bool
	Err     error
}

// OK reports whether the change reached the partner.
func (r Result) OK() bool { return r.Outcome == Delivered }

// Dispatcher pushes single queue items.
type Dispatcher struct {
	store     ItemStore
	pusher    Pusher
	systemTag string
	policy    Policy
	log       *zap.Logger
	now       func() time.Time
}

// NewDispatcher returns a dispatcher sending changes tagged systemTag.
func NewDispatcher(st ItemStore, pusher Pusher, systemTag string, policy Policy, log *zap.Logger) *Dispatcher {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:     st,
		pusher:    pusher,
		systemTag: systemTag,
		policy:    policy,
		log:       log.With(zap.String("component", "dispatcher")),
		now:       time.Now,
	}
}

// Dispatch delivers a claimed (processing) item and records the outcome.
// The returned error is non-nil only when the outcome could not be recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, item models.QueueItem) (Result, error) {
	log := d.log.With(zap.String("queue_item", item.ID), zap.String("entity_id", item.EntityID))

	// Always send the current row so rapid successive edits coalesce.
	rec, err := d.store.GetRecord(ctx, item.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return d.fail(context.WithoutCancel(ctx), log, item, item.RetryCount, fmt.Errorf("record %s not found", item.EntityID))
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Abandoned, Err: ctx.Err()}, nil
		}
		return d.retry(context.WithoutCancel(ctx), log, item, fmt.Errorf("read record: %w", err))
	}

	op := item.Operation
	if rec.Deleted {
		op = models.OpDelete
	}

	resp, err := d.pusher.Push(ctx, models.IngestRequest{
		Record:    rec,
		Source:    d.systemTag,
		Operation: op,
	})

	// Outcome bookkeeping must survive the batch deadline.
	bg := context.WithoutCancel(ctx)

	if err == nil {
		now := d.now().UTC()
		if err := d.store.CompleteItem(bg, item.ID, now); err != nil {
			return Result{}, fmt.Errorf("complete %s: %w", item.ID, err)
		}
		if err := d.store.MarkRecordStatus(bg, rec.ID, rec.UpdatedAt, models.RecordSynced); err != nil {
			log.Warn("mark record synced", zap.Error(err))
		}
		log.Debug("delivered", zap.Bool("applied", resp.Applied))
		return Result{Outcome: Delivered, Applied: resp.Applied}, nil
	}

	if ctx.Err() != nil {
		log.Warn("delivery abandoned at deadline; left processing", zap.Error(err))
		return Result{Outcome: Abandoned, Err: err}, nil
	}

	if remote.IsPermanent(err) {
		res, ferr := d.fail(bg, log, item, item.RetryCount+1, err)
		if ferr == nil {
			if err := d.store.MarkRecordStatus(bg, rec.ID, rec.UpdatedAt, models.RecordError); err != nil {
				log.Warn("mark record error", zap.Error(err))
			}
		}
		return res, ferr
	}
	return d.retry(bg, log, item, err)
}

func (d *Dispatcher) retry(ctx context.Context, log *zap.Logger, item models.QueueItem, cause error) (Result, error) {
	attempts := item.RetryCount + 1
	if attempts >= d.policy.MaxRetries {
		res, err := d.fail(ctx, log, item, attempts, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, cause))
		if err == nil {
			rec, gerr := d.store.GetRecord(ctx, item.EntityID)
			if gerr == nil {
				gerr = d.store.MarkRecordStatus(ctx, rec.ID, rec.UpdatedAt, models.RecordError)
			}
			if gerr != nil {
				log.Warn("mark record error", zap.Error(gerr))
			}
		}
		return res, err
	}

	next := d.now().UTC().Add(d.policy.Backoff(attempts))
	if err := d.store.RequeueItem(ctx, item.ID, attempts, cause.Error(), next); err != nil {
		return Result{}, fmt.Errorf("requeue %s: %w", item.ID, err)
	}
	log.Info("delivery failed, requeued",
		zap.Int("retry_count", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return Result{Outcome: Requeued, Err: cause}, nil
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, item models.QueueItem, attempts int, cause error) (Result, error) {
	if err := d.store.FailItem(ctx, item.ID, attempts, cause.Error(), d.now().UTC()); err != nil {
		return Result{}, fmt.Errorf("fail %s: %w", item.ID, err)
	}
	log.Warn("delivery failed permanently", zap.Int("retry_count", attempts), zap.Error(cause))
	return Result{Outcome: Failed, Err: cause}, nil
}
