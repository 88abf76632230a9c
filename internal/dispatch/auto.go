package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// AutoProcessKey is the sync_settings key holding the auto-process toggle.
const AutoProcessKey = "auto_process_enabled"

// SettingsStore persists operator toggles.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	InitSetting(ctx context.Context, key, value string) error
}

// Batcher is the part of Processor the scheduler drives.
type Batcher interface {
	ProcessQueue(ctx context.Context, batchSize int) (models.BatchResult, error)
	PendingCount(ctx context.Context) (int64, error)
}

// AutoProcessor runs ProcessQueue on a fixed interval while the persisted
// toggle is on and the queue has pending work. The toggle is read from the
// store at every tick so all instances and restarts agree on it.
type AutoProcessor struct {
	settings SettingsStore
	batcher  Batcher
	interval time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoProcessor returns a stopped scheduler.
func NewAutoProcessor(settings SettingsStore, b Batcher, interval time.Duration, log *zap.Logger) *AutoProcessor {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoProcessor{
		settings: settings,
		batcher:  b,
		interval: interval,
		log:      log.With(zap.String("component", "auto-process")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Seed stores def as the toggle value unless one is already persisted.
func (a *AutoProcessor) Seed(ctx context.Context, def bool) error {
	return a.settings.InitSetting(ctx, AutoProcessKey, strconv.FormatBool(def))
}

// Enabled reads the persisted toggle. A missing setting means off.
func (a *AutoProcessor) Enabled(ctx context.Context) (bool, error) {
	v, ok, err := a.settings.GetSetting(ctx, AutoProcessKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", AutoProcessKey, err)
	}
	return on, nil
}

// SetEnabled persists the toggle.
func (a *AutoProcessor) SetEnabled(ctx context.Context, on bool) error {
	if err := a.settings.SetSetting(ctx, AutoProcessKey, strconv.FormatBool(on)); err != nil {
		return err
	}
	a.log.Info("auto-process toggled", zap.Bool("enabled", on))
	return nil
}

// Interval returns the tick period.
func (a *AutoProcessor) Interval() time.Duration { return a.interval }

// Tick performs one scheduler step. ran reports whether a batch was run.
func (a *AutoProcessor) Tick(ctx context.Context) (ran bool, res models.BatchResult, err error) {
	on, err := a.Enabled(ctx)
	if err != nil || !on {
		return false, res, err
	}
	pending, err := a.batcher.PendingCount(ctx)
	if err != nil || pending == 0 {
		return false, res, err
	}
	res, err = a.batcher.ProcessQueue(ctx, 0)
	return true, res, err
}

// Start launches the ticker loop.
func (a *AutoProcessor) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				ran, res, err := a.Tick(a.ctx)
				if err != nil {
					a.log.Error("auto-process tick", zap.Error(err))
					continue
				}
				if ran {
					a.log.Debug("auto-process batch",
						zap.Int("claimed", res.Claimed),
						zap.Int("succeeded", res.Succeeded))
				}
			}
		}
	}()
	a.log.Info("auto-process loop started", zap.Duration("interval", a.interval))
}

// Stop cancels the loop and waits for an in-progress tick to return.
func (a *AutoProcessor) Stop() {
	a.cancel()
	a.wg.Wait()
}
