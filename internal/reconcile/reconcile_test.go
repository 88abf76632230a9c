package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PratikDhanave/lead-sync-service/internal/capture"
	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/monitor"
	"github.com/PratikDhanave/lead-sync-service/internal/remote"
	"github.com/PratikDhanave/lead-sync-service/internal/store"
)

const (
	systemTag  = "system_a"
	partnerTag = "system_b"
)

// fakePartner serves export and ingest from its own in-memory mirror.
type fakePartner struct {
	st  *store.MemoryStore
	cap *capture.Capturer

	mu       sync.Mutex
	queries  []remote.ExportQuery
	rejectID string
}

func newFakePartner() *fakePartner {
	st := store.NewMemoryStore()
	return &fakePartner{st: st, cap: capture.New(st, systemTag, nil)}
}

func (f *fakePartner) Fetch(ctx context.Context, q remote.ExportQuery) ([]models.Record, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	recs, err := f.st.ListRecords(ctx, models.RecordFilter{Since: q.Since, IDs: q.IDs})
	if err != nil {
		return nil, err
	}
	if len(q.Fields) > 0 {
		for i, r := range recs {
			proj := map[string]interface{}{}
			for _, k := range q.Fields {
				if v, ok := r.Payload[k]; ok {
					proj[k] = v
				}
			}
			recs[i].Payload = proj
		}
	}
	return recs, nil
}

func (f *fakePartner) Push(ctx context.Context, in models.IngestRequest) (models.IngestResponse, error) {
	if in.Record.ID == f.rejectID {
		return models.IngestResponse{}, &remote.PermanentError{StatusCode: 422, Err: errors.New("rejected")}
	}
	applied, err := f.cap.Apply(ctx, in.Record, in.Operation)
	return models.IngestResponse{EntityID: in.Record.ID, Applied: applied}, err
}

// seed writes a row as if it had been written locally on that side long ago.
func seed(t *testing.T, st *store.MemoryStore, id string, ts time.Time, payload map[string]interface{}) {
	t.Helper()
	rec := models.Record{
		ID:         id,
		Payload:    payload,
		UpdatedAt:  ts,
		SyncSource: models.SourceLocal,
		SyncStatus: models.RecordSynced,
	}
	if _, err := st.WriteRecord(context.Background(), rec, store.WriteOptions{}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

type harness struct {
	local   *store.MemoryStore
	cap     *capture.Capturer
	partner *fakePartner
	rec     *Reconciler
}

func newHarness(t *testing.T) harness {
	t.Helper()
	local := store.NewMemoryStore()
	cp := capture.New(local, partnerTag, nil)
	partner := newFakePartner()
	r := New(local, partner, cp, monitor.NewRecorder(local, partnerTag, 20, nil, nil), Options{
		SystemTag:    systemTag,
		RecentWindow: time.Hour,
		ActiveFields: []string{"stage"},
	}, nil)
	return harness{local: local, cap: cp, partner: partner, rec: r}
}

func TestReconcile_FullCreatesMissingRemoteRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ts := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("%d", i)
		payload := map[string]interface{}{"name": "lead " + id}
		seed(t, h.local, id, ts, payload)
		if i < 98 {
			seed(t, h.partner.st, id, ts, payload)
		}
	}

	res, err := h.rec.Reconcile(ctx, ModeFull)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 || res.Unchanged != 98 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n, _ := h.partner.st.CountRecords(ctx); n != 100 {
		t.Fatalf("partner has %d records, want 100", n)
	}

	logs, _ := h.local.ListLogs(ctx, 1)
	if len(logs) != 1 || logs[0].SyncDirection != models.Reconciliation || logs[0].Metadata["mode"] != "full" {
		t.Fatalf("unexpected log: %+v", logs)
	}
}

func TestReconcile_LastWriteWinsBothDirections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	t1 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	// Partner holds the newer "x", we hold the newer "y".
	seed(t, h.local, "x", t1, map[string]interface{}{"stage": "old"})
	seed(t, h.partner.st, "x", t2, map[string]interface{}{"stage": "new"})
	seed(t, h.local, "y", t2, map[string]interface{}{"stage": "new"})
	seed(t, h.partner.st, "y", t1, map[string]interface{}{"stage": "old"})

	res, err := h.rec.Reconcile(ctx, ModeFull)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 2 {
		t.Fatalf("expected 2 updates, got %+v", res)
	}

	for _, side := range []*store.MemoryStore{h.local, h.partner.st} {
		for _, id := range []string{"x", "y"} {
			got, err := side.GetRecord(ctx, id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if !got.UpdatedAt.Equal(t2) || got.Payload["stage"] != "new" {
				t.Fatalf("%s did not converge to t2: %+v", id, got)
			}
		}
	}

	x, _ := h.local.GetRecord(ctx, "x")
	if x.SyncSource != partnerTag {
		t.Fatalf("pulled row tagged %q, want %q", x.SyncSource, partnerTag)
	}
	if n, _ := h.local.PendingCount(ctx); n != 0 {
		t.Fatalf("pulled row was re-enqueued (%d pending)", n)
	}

	res, _ = h.rec.Reconcile(ctx, ModeFull)
	if res.Updated != 0 || res.Created != 0 || res.Unchanged != 2 {
		t.Fatalf("second pass not idle: %+v", res)
	}
}

func TestReconcile_EqualTimestampIsAConflictNotAWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ts := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	seed(t, h.local, "c", ts, map[string]interface{}{"stage": "won"})
	seed(t, h.partner.st, "c", ts, map[string]interface{}{"stage": "lost"})
	seed(t, h.local, "s", ts, map[string]interface{}{"n": 1})
	seed(t, h.partner.st, "s", ts, map[string]interface{}{"n": float64(1)})

	res, err := h.rec.Reconcile(ctx, ModeFull)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Unchanged != 2 || res.Conflicts != 1 || res.Updated != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := h.local.GetRecord(ctx, "c")
	if got.Payload["stage"] != "won" {
		t.Fatal("tie must not overwrite")
	}
	logs, _ := h.local.ListLogs(ctx, 1)
	if len(logs[0].Errors) != 1 {
		t.Fatalf("expected the conflict sampled, got %v", logs[0].Errors)
	}
}

func TestReconcile_RecordFailureDoesNotAbortPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		seed(t, h.local, id, ts, map[string]interface{}{"id": id})
	}
	h.partner.rejectID = "b"

	res, err := h.rec.Reconcile(ctx, ModeFull)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Created != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	status, _ := h.local.GetStatus(ctx, partnerTag)
	if status.LastSyncSuccess == nil || *status.LastSyncSuccess || status.LastError == nil {
		t.Fatalf("expected failed status with last_error, got %+v", status)
	}
}

func TestReconcile_RecentLooksUpOldCounterparts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now().UTC()

	// Only the partner's copy is inside the window; ours is old.
	seed(t, h.local, "r", now.Add(-48*time.Hour), map[string]interface{}{"stage": "new"})
	seed(t, h.partner.st, "r", now.Add(-time.Minute), map[string]interface{}{"stage": "qualified"})
	// Old on both sides: out of scope.
	seed(t, h.local, "o", now.Add(-72*time.Hour), map[string]interface{}{"stage": "a"})
	seed(t, h.partner.st, "o", now.Add(-96*time.Hour), map[string]interface{}{"stage": "b"})

	res, err := h.rec.Reconcile(ctx, ModeRecent)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 1 || res.Created != 0 || res.Unchanged != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := h.local.GetRecord(ctx, "r")
	if got.Payload["stage"] != "qualified" {
		t.Fatalf("recent change not pulled: %+v", got)
	}
	old, _ := h.partner.st.GetRecord(ctx, "o")
	if old.Payload["stage"] != "b" {
		t.Fatal("row outside the window was touched")
	}
}

func TestReconcile_ActiveOnlyPullsFreshInFlightRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// "hot" is in flight: saved locally, queued, then advanced on the partner.
	local, _, err := h.cap.Save(ctx, "hot", map[string]interface{}{"stage": "new", "notes": "x"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	seed(t, h.partner.st, "hot", local.UpdatedAt.Add(time.Minute), map[string]interface{}{"stage": "won", "notes": "y"})

	// "cold" is not in flight; active_only must leave it alone.
	ts := local.UpdatedAt.Add(-time.Hour)
	seed(t, h.local, "cold", ts, map[string]interface{}{"stage": "new"})
	seed(t, h.partner.st, "cold", ts.Add(time.Minute), map[string]interface{}{"stage": "lost"})

	res, err := h.rec.Reconcile(ctx, ModeActiveOnly)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 1 || res.Created != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	hot, _ := h.local.GetRecord(ctx, "hot")
	if hot.Payload["stage"] != "won" || hot.Payload["notes"] != "y" {
		t.Fatalf("expected full partner row pulled, got %+v", hot.Payload)
	}
	cold, _ := h.local.GetRecord(ctx, "cold")
	if cold.Payload["stage"] != "new" {
		t.Fatal("record not in flight was reconciled")
	}

	if len(h.partner.queries) != 2 {
		t.Fatalf("expected probe and full fetch, got %d queries", len(h.partner.queries))
	}
	probe := h.partner.queries[0]
	if len(probe.Fields) != 1 || probe.Fields[0] != "stage" {
		t.Fatalf("probe did not project active fields: %+v", probe)
	}
	if full := h.partner.queries[1]; len(full.Fields) != 0 || len(full.IDs) != 1 || full.IDs[0] != "hot" {
		t.Fatalf("unexpected full fetch: %+v", full)
	}
}

func TestReconcile_ActiveOnlyNeverPushes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if _, _, err := h.cap.Save(ctx, "mine", map[string]interface{}{"stage": "new"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := h.rec.Reconcile(ctx, ModeActiveOnly)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Created != 0 || res.Unchanged != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n, _ := h.partner.st.CountRecords(ctx); n != 0 {
		t.Fatal("active_only pushed a local row")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeRecent, "full": ModeFull, "recent": ModeRecent, "active_only": ModeActiveOnly} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("everything"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestReconcile_EmptyModeRunsRecent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.rec.Reconcile(ctx, "")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Mode != string(ModeRecent) {
		t.Fatalf("expected recent, got %q", res.Mode)
	}
	logs, _ := h.local.ListLogs(ctx, 1)
	if len(logs) != 1 || logs[0].Metadata["mode"] != "recent" {
		t.Fatalf("unexpected log: %+v", logs)
	}

	if _, err := h.rec.Reconcile(ctx, "sideways"); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}
