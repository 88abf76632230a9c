package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/monitor"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

// QueueStore is the queue access the batch runner needs on top of ItemStore.
type QueueStore interface {
	ItemStore
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.QueueItem, error)
	ClaimItem(ctx context.Context, id string, now time.Time) (models.QueueItem, error)
	ResetStuck(ctx context.Context, olderThan time.Time) (int64, error)
	RetryFailed(ctx context.Context, now time.Time) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
}

// ProcessorConfig tunes batch runs.
type ProcessorConfig struct {
	BatchSize  int
	Workers    int           // entities delivered concurrently
	Deadline   time.Duration // overall per-batch deadline; 0 disables
	StaleAfter time.Duration // default age for ResetStuckJobs
}

// Processor drains the queue in bounded batches.
type Processor struct {
	store    QueueStore
	disp     *Dispatcher
	recorder *monitor.Recorder
	cfg      ProcessorConfig
	log      *zap.Logger
	now      func() time.Time

	pushes sync.WaitGroup
}

// NewProcessor wires a batch runner.
func NewProcessor(st QueueStore, disp *Dispatcher, rec *monitor.Recorder, cfg ProcessorConfig, log *zap.Logger) *Processor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		store:    st,
		disp:     disp,
		recorder: rec,
		cfg:      cfg,
		log:      log.With(zap.String("component", "processor")),
		now:      time.Now,
	}
}

// groupByEntity splits claimed items into per-entity lanes, keeping the
// claim order (oldest first) within each lane and across lane heads.
func groupByEntity(items []models.QueueItem) [][]models.QueueItem {
	idx := map[string]int{}
	var lanes [][]models.QueueItem
	for _, it := range items {
		i, ok := idx[it.EntityID]
		if !ok {
			i = len(lanes)
			idx[it.EntityID] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], it)
	}
	return lanes
}

// ProcessQueue claims up to batchSize pending items (0 uses the configured
// size), delivers them and writes one SyncLog for the batch.
//
// Items of one entity are delivered one after another; different entities
// run concurrently. Items not finished when the batch deadline expires stay
// processing until ResetStuckJobs reclaims them.
func (p *Processor) ProcessQueue(ctx context.Context, batchSize int) (models.BatchResult, error) {
	if batchSize < 1 {
		batchSize = p.cfg.BatchSize
	}

	run, err := p.recorder.Start(ctx, models.ToRemote, map[string]interface{}{
		"mode":       "queue",
		"batch_size": batchSize,
	})
	if err != nil {
		return models.BatchResult{}, err
	}
	res := models.BatchResult{LogID: run.ID()}

	items, err := p.store.ClaimBatch(ctx, batchSize, p.now().UTC())
	if err != nil {
		run.Fail("claim", err)
		if _, ferr := run.Finish(context.WithoutCancel(ctx)); ferr != nil {
			p.log.Error("finish sync log", zap.Error(ferr))
		}
		return res, err
	}
	res.Claimed = len(items)

	dctx := ctx
	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}

	var (
		mu        sync.Mutex
		abandoned int
		storeErrs []error
	)
	tally := func(item models.QueueItem, r Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		observe(run, item, r, err)
		if err != nil {
			storeErrs = append(storeErrs, err)
			return
		}
		switch r.Outcome {
		case Delivered:
			res.Succeeded++
		case Requeued:
			res.Requeued++
		case Failed:
			res.Failed++
		case Abandoned:
			abandoned++
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, lane := range groupByEntity(items) {
		lane := lane
		g.Go(func() error {
			for _, item := range lane {
				if dctx.Err() != nil {
					tally(item, Result{Outcome: Abandoned}, nil)
					continue
				}
				r, err := p.disp.Dispatch(dctx, item)
				tally(item, r, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	run.SetMeta("claimed", res.Claimed)
	run.SetMeta("requeued", res.Requeued)
	run.SetMeta("abandoned", abandoned)

	if _, err := run.Finish(context.WithoutCancel(ctx)); err != nil {
		return res, err
	}

	p.log.Info("queue batch processed",
		zap.Int("claimed", res.Claimed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("requeued", res.Requeued),
		zap.Int("abandoned", abandoned))

	return res, errors.Join(storeErrs...)
}

// observe records one delivery outcome on run. Only terminal failures count
// as failed; requeues and abandoned items are sampled.
func observe(run *monitor.Run, item models.QueueItem, r Result, err error) {
	if err != nil {
		run.Fail(item.EntityID, err)
		return
	}
	switch r.Outcome {
	case Delivered:
		run.Succeed()
	case Requeued:
		run.Note(fmt.Sprintf("%s: requeued: %v", item.EntityID, r.Err))
	case Failed:
		run.Fail(item.EntityID, r.Err)
	case Abandoned:
		run.Note(item.EntityID + ": abandoned at deadline")
	}
}

// DispatchNow claims and delivers one item immediately and records the
// outcome in its own SyncLog. An item another worker already owns is left
// alone and logs nothing.
func (p *Processor) DispatchNow(ctx context.Context, itemID string) (Result, error) {
	item, err := p.store.ClaimItem(ctx, itemID, p.now().UTC())
	if errors.Is(err, store.ErrNotClaimed) {
		return Result{Outcome: Abandoned}, nil
	}
	if err != nil {
		return Result{}, err
	}

	run, serr := p.recorder.Start(ctx, models.ToRemote, map[string]interface{}{
		"mode":          "immediate",
		"queue_item_id": item.ID,
	})
	if serr != nil {
		p.log.Warn("start sync log", zap.String("queue_item", item.ID), zap.Error(serr))
	}

	r, err := p.disp.Dispatch(ctx, item)
	if run != nil {
		observe(run, item, r, err)
		if err == nil {
			run.SetMeta("outcome", r.Outcome.String())
		}
		if _, ferr := run.Finish(context.WithoutCancel(ctx)); ferr != nil {
			p.log.Error("finish sync log", zap.Error(ferr))
		}
	}
	return r, err
}

// PushAsync fires DispatchNow in the background for the low-latency path.
// The durable queue item already exists, so a failed push is retried by the
// next batch.
func (p *Processor) PushAsync(item models.QueueItem) {
	p.pushes.Add(1)
	go func() {
		defer p.pushes.Done()
		if _, err := p.DispatchNow(context.Background(), item.ID); err != nil {
			p.log.Warn("immediate push failed", zap.String("queue_item", item.ID), zap.Error(err))
		}
	}()
}

// WaitPushes blocks until in-flight immediate pushes return.
func (p *Processor) WaitPushes() { p.pushes.Wait() }

// ResetStuckJobs returns processing items claimed longer than olderThan ago
// (0 uses the configured stale threshold) to pending.
func (p *Processor) ResetStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = p.cfg.StaleAfter
	}
	n, err := p.store.ResetStuck(ctx, p.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	p.log.Info("stuck jobs reset", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	return n, nil
}

// RetryFailed moves terminally failed items back to pending with a fresh
// retry budget.
func (p *Processor) RetryFailed(ctx context.Context) (int64, error) {
	n, err := p.store.RetryFailed(ctx, p.now().UTC())
	if err != nil {
		return 0, err
	}
	p.log.Info("failed jobs requeued", zap.Int64("count", n))
	return n, nil
}

// PendingCount exposes the queue depth for schedulers.
func (p *Processor) PendingCount(ctx context.Context) (int64, error) {
	return p.store.PendingCount(ctx)
}
