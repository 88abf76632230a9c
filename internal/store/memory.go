package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// MemoryStore is an in-process store with the same semantics as
// PostgresStore. It backs unit tests and local experiments.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]models.Record
	queue    []*models.QueueItem
	logs     []models.SyncLog
	status   map[string]models.SyncStatus
	settings map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  map[string]models.Record{},
		status:   map[string]models.SyncStatus{},
		settings: map[string]string{},
	}
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func cloneRecord(r models.Record) models.Record {
	r.Payload = clonePayload(r.Payload)
	return r
}

// WriteRecord mirrors PostgresStore.WriteRecord.
func (m *MemoryStore) WriteRecord(_ context.Context, rec models.Record, opts WriteOptions) (WriteResult, error) {
	rec = rec.Normalize()
	if rec.ID == "" {
		return WriteResult{}, errors.New("record id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.records[rec.ID]
	if exists && opts.OnlyIfNewer && !rec.NewerThan(cur) {
		return WriteResult{}, nil
	}

	m.records[rec.ID] = cloneRecord(rec)
	res := WriteResult{Applied: true, Inserted: !exists}

	if opts.Enqueue {
		item := newQueueItem(rec.ID, operationFor(rec, !exists), time.Now().UTC())
		m.queue = append(m.queue, &item)
		cp := item
		res.Item = &cp
	}
	return res, nil
}

// GetRecord mirrors PostgresStore.GetRecord.
func (m *MemoryStore) GetRecord(_ context.Context, id string) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return models.Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

// ListRecords mirrors PostgresStore.ListRecords.
func (m *MemoryStore) ListRecords(_ context.Context, f models.RecordFilter) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var want map[string]bool
	if f.IDs != nil {
		want = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			want[id] = true
		}
	}

	var out []models.Record
	for _, r := range m.records {
		if !f.Since.IsZero() && r.UpdatedAt.Before(f.Since) {
			continue
		}
		if want != nil && !want[r.ID] {
			continue
		}
		if f.AfterID != "" && r.ID <= f.AfterID {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountRecords mirrors PostgresStore.CountRecords.
func (m *MemoryStore) CountRecords(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

// MarkRecordStatus mirrors PostgresStore.MarkRecordStatus.
func (m *MemoryStore) MarkRecordStatus(_ context.Context, id string, updatedAt time.Time, status models.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if ok && r.UpdatedAt.Equal(updatedAt.UTC().Truncate(time.Microsecond)) {
		r.SyncStatus = status
		m.records[id] = r
	}
	return nil
}

func (m *MemoryStore) processingEntities() map[string]bool {
	busy := map[string]bool{}
	for _, it := range m.queue {
		if it.Status == models.QueueProcessing {
			busy[it.EntityID] = true
		}
	}
	return busy
}

// ClaimBatch mirrors PostgresStore.ClaimBatch. Queue order is creation order.
func (m *MemoryStore) ClaimBatch(_ context.Context, limit int, now time.Time) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	busy := m.processingEntities()
	var out []models.QueueItem
	for _, it := range m.queue {
		if len(out) >= limit {
			break
		}
		if it.Status != models.QueuePending || it.SyncDirection != models.ToRemote {
			continue
		}
		if it.NextAttemptAt.After(now) || busy[it.EntityID] {
			continue
		}
		claimed := now
		it.Status = models.QueueProcessing
		it.ClaimedAt = &claimed
		out = append(out, *it)
	}
	return out, nil
}

// ClaimItem mirrors PostgresStore.ClaimItem.
func (m *MemoryStore) ClaimItem(_ context.Context, id string, now time.Time) (models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.find(id)
	if it == nil || it.Status != models.QueuePending || m.processingEntities()[it.EntityID] {
		return models.QueueItem{}, ErrNotClaimed
	}
	claimed := now
	it.Status = models.QueueProcessing
	it.ClaimedAt = &claimed
	return *it, nil
}

func (m *MemoryStore) find(id string) *models.QueueItem {
	for _, it := range m.queue {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// transition applies fn to a processing item, enforcing the transition table.
func (m *MemoryStore) transition(id string, to models.QueueStatus, fn func(*models.QueueItem)) error {
	if err := models.CheckTransition(models.QueueProcessing, to); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.find(id)
	if it == nil || it.Status != models.QueueProcessing {
		return ErrNotClaimed
	}
	it.Status = to
	fn(it)
	return nil
}

// CompleteItem mirrors PostgresStore.CompleteItem.
func (m *MemoryStore) CompleteItem(_ context.Context, id string, now time.Time) error {
	return m.transition(id, models.QueueCompleted, func(it *models.QueueItem) {
		it.ProcessedAt = &now
		it.LastError = nil
	})
}

// RequeueItem mirrors PostgresStore.RequeueItem.
func (m *MemoryStore) RequeueItem(_ context.Context, id string, retryCount int, lastErr string, next time.Time) error {
	return m.transition(id, models.QueuePending, func(it *models.QueueItem) {
		it.RetryCount = retryCount
		it.LastError = &lastErr
		it.NextAttemptAt = next
		it.ClaimedAt = nil
	})
}

// FailItem mirrors PostgresStore.FailItem.
func (m *MemoryStore) FailItem(_ context.Context, id string, retryCount int, lastErr string, now time.Time) error {
	return m.transition(id, models.QueueFailed, func(it *models.QueueItem) {
		it.RetryCount = retryCount
		it.LastError = &lastErr
		it.ProcessedAt = &now
	})
}

// ResetStuck mirrors PostgresStore.ResetStuck.
func (m *MemoryStore) ResetStuck(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, it := range m.queue {
		if it.Status == models.QueueProcessing && it.ClaimedAt != nil && it.ClaimedAt.Before(olderThan) {
			it.Status = models.QueuePending
			it.ClaimedAt = nil
			it.NextAttemptAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// RetryFailed mirrors PostgresStore.RetryFailed.
func (m *MemoryStore) RetryFailed(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, it := range m.queue {
		if it.Status == models.QueueFailed {
			it.Status = models.QueuePending
			it.RetryCount = 0
			it.NextAttemptAt = now
			it.ProcessedAt = nil
			it.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// QueueStats mirrors PostgresStore.QueueStats.
func (m *MemoryStore) QueueStats(_ context.Context) (models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st models.QueueStats
	for _, it := range m.queue {
		switch it.Status {
		case models.QueuePending:
			st.Pending++
		case models.QueueProcessing:
			st.Processing++
		case models.QueueCompleted:
			st.Completed++
		case models.QueueFailed:
			st.Failed++
		}
	}
	return st, nil
}

// PendingCount mirrors PostgresStore.PendingCount.
func (m *MemoryStore) PendingCount(ctx context.Context) (int64, error) {
	st, err := m.QueueStats(ctx)
	return st.Pending, err
}

// ListQueue mirrors PostgresStore.ListQueue.
func (m *MemoryStore) ListQueue(_ context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.QueueItem
	for i := len(m.queue) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || m.queue[i].Status == status {
			out = append(out, *m.queue[i])
		}
	}
	return out, nil
}

// InFlightEntityIDs mirrors PostgresStore.InFlightEntityIDs.
func (m *MemoryStore) InFlightEntityIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, it := range m.queue {
		if it.Status == models.QueueCompleted || seen[it.EntityID] {
			continue
		}
		seen[it.EntityID] = true
		out = append(out, it.EntityID)
	}
	sort.Strings(out)
	return out, nil
}

// InsertLog mirrors PostgresStore.InsertLog.
func (m *MemoryStore) InsertLog(_ context.Context, l models.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.Metadata = nonNilMeta(l.Metadata)
	l.Errors = nonNilErrors(nil)
	m.logs = append(m.logs, l)
	return nil
}

// FinishLog mirrors PostgresStore.FinishLog.
func (m *MemoryStore) FinishLog(_ context.Context, l models.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.logs {
		if m.logs[i].ID != l.ID {
			continue
		}
		if m.logs[i].CompletedAt != nil {
			return ErrLogFinalized
		}
		l.StartedAt = m.logs[i].StartedAt
		l.Errors = append([]string{}, nonNilErrors(l.Errors)...)
		l.Metadata = nonNilMeta(l.Metadata)
		m.logs[i] = l
		return nil
	}
	return ErrLogFinalized
}

// ListLogs mirrors PostgresStore.ListLogs.
func (m *MemoryStore) ListLogs(_ context.Context, limit int) ([]models.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]models.SyncLog{}, m.logs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertStatus mirrors PostgresStore.UpsertStatus.
func (m *MemoryStore) UpsertStatus(_ context.Context, st models.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.status[st.ProjectName]; ok {
		st.ID = cur.ID
	} else {
		st.ID = uuid.New().String()
	}
	m.status[st.ProjectName] = st
	return nil
}

// GetStatus mirrors PostgresStore.GetStatus.
func (m *MemoryStore) GetStatus(_ context.Context, project string) (models.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.status[project]
	if !ok {
		return models.SyncStatus{}, ErrNotFound
	}
	return st, nil
}

// GetSetting mirrors PostgresStore.GetSetting.
func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.settings[key]
	return v, ok, nil
}

// SetSetting mirrors PostgresStore.SetSetting.
func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = value
	return nil
}

// InitSetting mirrors PostgresStore.InitSetting.
func (m *MemoryStore) InitSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settings[key]; !ok {
		m.settings[key] = value
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }
