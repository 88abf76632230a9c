package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

func TestPush_SendsBearerAndBody(t *testing.T) {
	var got models.IngestRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync-ingest" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(models.IngestResponse{EntityID: got.Record.ID, Applied: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", time.Second)
	resp, err := c.Push(context.Background(), models.IngestRequest{
		Record:    models.Record{ID: "lead-1", UpdatedAt: time.Now()},
		Source:    "system_a",
		Operation: models.OpUpdate,
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !resp.Applied || got.Source != "system_a" || got.Operation != models.OpUpdate {
		t.Fatalf("unexpected exchange: resp=%+v req=%+v", resp, got)
	}
}

func TestPush_ClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := NewClient(srv.URL, "tok", time.Second).Push(context.Background(), models.IngestRequest{})
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if IsPermanent(err) != tc.permanent {
			t.Errorf("status %d: permanent=%v want %v (%v)", tc.status, IsPermanent(err), tc.permanent, err)
		}
		if !tc.permanent {
			var te *TransientError
			if !errors.As(err, &te) || te.StatusCode != tc.status {
				t.Errorf("status %d: expected TransientError, got %v", tc.status, err)
			}
		}
	}
}

func TestPush_TimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	_, err := NewClient(srv.URL, "tok", 50*time.Millisecond).Push(context.Background(), models.IngestRequest{})
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestFetch_EncodesQuery(t *testing.T) {
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("ids") != "a,b" || q.Get("fields") != "stage" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Get("since") != since.Format(time.RFC3339Nano) {
			t.Errorf("unexpected since: %s", q.Get("since"))
		}
		_ = json.NewEncoder(w).Encode(models.ExportResponse{Records: []models.Record{
			{ID: "a", UpdatedAt: since.Add(1500 * time.Nanosecond)},
		}})
	}))
	defer srv.Close()

	recs, err := NewClient(srv.URL, "tok", time.Second).Fetch(context.Background(), ExportQuery{
		Since:  since,
		IDs:    []string{"a", "b"},
		Fields: []string{"stage"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 1 || recs[0].UpdatedAt.Nanosecond() != 1000 {
		t.Fatalf("expected normalized record, got %+v", recs)
	}
}

// pagedExport serves n records in keyset pages the way /sync-export does.
func pagedExport(t *testing.T, n int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("lead-%05d", i)
	}
	sort.Strings(ids)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit < 1 {
			t.Errorf("missing limit: %s", r.URL.RawQuery)
			limit = n
		}
		after := r.URL.Query().Get("after_id")
		start := sort.SearchStrings(ids, after)
		if start < len(ids) && ids[start] == after {
			start++
		}
		end := start + limit
		if end > len(ids) {
			end = len(ids)
		}

		var out models.ExportResponse
		for _, id := range ids[start:end] {
			out.Records = append(out.Records, models.Record{
				ID:        id,
				Payload:   map[string]interface{}{"stage": "qualified", "notes": "follow up next week"},
				UpdatedAt: time.Now(),
			})
		}
		if end-start == limit {
			out.NextAfterID = ids[end-1]
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func TestFetch_WalksEveryPage(t *testing.T) {
	var requests atomic.Int32
	srv := pagedExport(t, 12000, &requests)
	defer srv.Close()

	recs, err := NewClient(srv.URL, "tok", 5*time.Second).Fetch(context.Background(), ExportQuery{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 12000 {
		t.Fatalf("expected 12000 records, got %d", len(recs))
	}
	// 12 full pages plus the empty page that ends the walk.
	if n := requests.Load(); n != 13 {
		t.Fatalf("expected 13 requests, got %d", n)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].ID >= recs[i].ID {
			t.Fatalf("records out of order at %d: %s >= %s", i, recs[i-1].ID, recs[i].ID)
		}
	}
}

func TestFetch_ShortPageEndsWalk(t *testing.T) {
	var requests atomic.Int32
	srv := pagedExport(t, 250, &requests)
	defer srv.Close()

	recs, err := NewClient(srv.URL, "tok", time.Second).WithPageSize(100).Fetch(context.Background(), ExportQuery{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if n := requests.Load(); len(recs) != 250 || n != 3 {
		t.Fatalf("expected 250 records in 3 requests, got %d in %d", len(recs), n)
	}
}

func TestFetch_OversizedPageIsExplicitError(t *testing.T) {
	var requests atomic.Int32
	srv := pagedExport(t, 500, &requests)
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", time.Second).WithMaxBody(1024).Fetch(context.Background(), ExportQuery{})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
