// Package monitor owns the observability tables: one sync_logs row per batch
// or reconciliation run, and the per-project sync_status summary.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertLog(ctx context.Context, l models.SyncLog) error
	FinishLog(ctx context.Context, l models.SyncLog) error
	UpsertStatus(ctx context.Context, st models.SyncStatus) error
	GetStatus(ctx context.Context, project string) (models.SyncStatus, error)
	CountRecords(ctx context.Context) (int64, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// Publisher receives every finalized log (the websocket feed).
type Publisher interface {
	Publish(l models.SyncLog)
}

// Recorder starts and finalizes runs for one remote project.
type Recorder struct {
	store       Store
	project     string
	sampleLimit int
	pub         Publisher
	log         *zap.Logger
	now         func() time.Time
}

// NewRecorder returns a recorder keeping at most sampleLimit error samples
// per run. pub may be nil.
func NewRecorder(st Store, project string, sampleLimit int, pub Publisher, log *zap.Logger) *Recorder {
	if sampleLimit < 1 {
		sampleLimit = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store:       st,
		project:     project,
		sampleLimit: sampleLimit,
		pub:         pub,
		log:         log.With(zap.String("component", "monitor")),
		now:         time.Now,
	}
}

// Run accumulates the outcome of one batch or reconciliation pass.
// Its methods are safe for concurrent use.
type Run struct {
	rec *Recorder

	mu      sync.Mutex
	log     models.SyncLog
	samples []string
	lastErr string
}

// Start persists a running log row.
func (r *Recorder) Start(ctx context.Context, dir models.Direction, meta map[string]interface{}) (*Run, error) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	l := models.SyncLog{
		ID:            uuid.New().String(),
		StartedAt:     r.now().UTC(),
		SyncDirection: dir,
		Metadata:      meta,
	}
	if err := r.store.InsertLog(ctx, l); err != nil {
		return nil, fmt.Errorf("start sync log: %w", err)
	}
	return &Run{rec: r, log: l}, nil
}

// ID returns the log id.
func (run *Run) ID() string { return run.log.ID }

// Succeed counts one synced record.
func (run *Run) Succeed() {
	run.mu.Lock()
	run.log.RecordsSynced++
	run.mu.Unlock()
}

// Fail counts one failed record and keeps an error sample.
func (run *Run) Fail(entityID string, err error) {
	msg := fmt.Sprintf("%s: %v", entityID, err)

	run.mu.Lock()
	run.log.RecordsFailed++
	run.lastErr = msg
	run.addSample(msg)
	run.mu.Unlock()
}

// Note keeps a sample without counting a failure.
func (run *Run) Note(msg string) {
	run.mu.Lock()
	run.addSample(msg)
	run.mu.Unlock()
}

// SetMeta sets one metadata key.
func (run *Run) SetMeta(key string, v interface{}) {
	run.mu.Lock()
	run.log.Metadata[key] = v
	run.mu.Unlock()
}

// addSample keeps the most recent samples. Caller holds mu.
func (run *Run) addSample(msg string) {
	run.samples = append(run.samples, msg)
	if over := len(run.samples) - run.rec.sampleLimit; over > 0 {
		run.samples = run.samples[over:]
	}
}

// Finish finalizes the log, upserts the project's SyncStatus and publishes
// the log.
//
// last_sync_success is true only when the run failed nothing and no queue
// item sits in failed. A clean run keeps the previous last_error while
// failed items remain, so a terminal failure stays visible until an operator
// retries it.
func (run *Run) Finish(ctx context.Context) (models.SyncLog, error) {
	r := run.rec
	done := r.now().UTC()

	run.mu.Lock()
	l := run.log
	l.CompletedAt = &done
	l.ProcessingTimeMS = done.Sub(l.StartedAt).Milliseconds()
	l.Errors = append([]string{}, run.samples...)
	meta := make(map[string]interface{}, len(l.Metadata))
	for k, v := range l.Metadata {
		meta[k] = v
	}
	l.Metadata = meta
	lastErr := run.lastErr
	run.mu.Unlock()

	if err := r.store.FinishLog(ctx, l); err != nil {
		return l, fmt.Errorf("finish sync log: %w", err)
	}

	total, err := r.store.CountRecords(ctx)
	if err != nil {
		return l, fmt.Errorf("count records: %w", err)
	}
	qs, err := r.store.QueueStats(ctx)
	if err != nil {
		return l, fmt.Errorf("queue stats: %w", err)
	}

	success := l.RecordsFailed == 0 && qs.Failed == 0
	st := models.SyncStatus{
		ProjectName:     r.project,
		LastSyncAt:      &done,
		LastSyncSuccess: &success,
		TotalRecords:    total,
		UpdatedAt:       done,
	}
	switch {
	case lastErr != "":
		st.LastError = &lastErr
	case qs.Failed > 0:
		if prev, err := r.store.GetStatus(ctx, r.project); err == nil && prev.LastError != nil {
			st.LastError = prev.LastError
		} else {
			msg := fmt.Sprintf("%d queue items failed", qs.Failed)
			st.LastError = &msg
		}
	}
	if err := r.store.UpsertStatus(ctx, st); err != nil {
		return l, fmt.Errorf("upsert sync status: %w", err)
	}

	r.log.Info("sync run finished",
		zap.String("log_id", l.ID),
		zap.String("direction", string(l.SyncDirection)),
		zap.Int("synced", l.RecordsSynced),
		zap.Int("failed", l.RecordsFailed),
		zap.Int64("ms", l.ProcessingTimeMS))

	if r.pub != nil {
		r.pub.Publish(l)
	}
	return l, nil
}
