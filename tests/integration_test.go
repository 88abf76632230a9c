//go:build integration

package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// INTEGRATION TEST SUITE
//
// These tests validate one running instance end-to-end:
//
//   Client → HTTP API → Auth → Capture → Postgres → Queue → Response
//
// The service must already be running (for example via docker compose) and
// is exercised from both sides: as its operator and as its partner.
//
// Optional environment overrides:
//
//   BASE_URL       default http://localhost:8080
//   OPERATOR_KEY   default operator-key-123
//   PARTNER_TOKEN  default partner-token-123
//   PARTNER_TAG    default system_b
//
////////////////////////////////////////////////////////////////////////////////

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func baseURL() string      { return env("BASE_URL", "http://localhost:8080") }
func operatorKey() string  { return env("OPERATOR_KEY", "operator-key-123") }
func partnerToken() string { return env("PARTNER_TOKEN", "partner-token-123") }
func partnerTag() string   { return env("PARTNER_TAG", "system_b") }

// unique generates a unique id so tests never collide with previous runs.
func unique(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

////////////////////////////////////////////////////////////////////////////////
// SERVICE READINESS HELPER
//
// waitReady polls /ready until DB + server are ready.
// Prevents flaky failures when containers are still booting.
////////////////////////////////////////////////////////////////////////////////

func waitReady(t *testing.T) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/ready")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}

	t.Fatalf("service not ready after 30s")
}

////////////////////////////////////////////////////////////////////////////////
// GENERIC HTTP HELPERS
////////////////////////////////////////////////////////////////////////////////

type creds map[string]string

func operator() creds { return creds{"X-API-Key": operatorKey()} }
func partner() creds  { return creds{"Authorization": "Bearer " + partnerToken()} }

// call performs a request with optional JSON body and credentials.
func call(t *testing.T, method, path string, c creds, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}

	req, _ := http.NewRequest(method, baseURL()+path, body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c {
		req.Header.Set(k, v)
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

// ingest pushes a change as the partner would.
func ingest(t *testing.T, id string, ts time.Time, stage string) (int, bool) {
	t.Helper()
	s, b := call(t, http.MethodPost, "/sync-ingest", partner(), map[string]any{
		"record": map[string]any{
			"id":         id,
			"payload":    map[string]any{"stage": stage},
			"updated_at": ts.UTC().Format(time.RFC3339Nano),
		},
		"source":    partnerTag(),
		"operation": "update",
	})
	var r struct {
		Applied bool `json:"applied"`
	}
	_ = json.Unmarshal(b, &r)
	return s, r.Applied
}

func getRecord(t *testing.T, id string) map[string]any {
	t.Helper()
	s, b := call(t, http.MethodGet, "/records/"+id, operator(), nil)
	if s != http.StatusOK {
		t.Fatalf("GET /records/%s expected 200 got %d", id, s)
	}
	var r map[string]any
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatalf("invalid record JSON: %v", err)
	}
	return r
}

////////////////////////////////////////////////////////////////////////////////
// HEALTH & READINESS TESTS
////////////////////////////////////////////////////////////////////////////////

// Health endpoint = liveness check (server process running).
func TestHealth_ReturnsOK(t *testing.T) {
	s, _ := call(t, http.MethodGet, "/health", nil, nil)
	if s != http.StatusOK {
		t.Fatalf("health expected 200 got %d", s)
	}
}

// Ready endpoint = dependency readiness (DB reachable).
func TestReady_ReturnsOK(t *testing.T) {
	waitReady(t)
	s, _ := call(t, http.MethodGet, "/ready", nil, nil)
	if s != http.StatusOK {
		t.Fatalf("ready expected 200 got %d", s)
	}
}

////////////////////////////////////////////////////////////////////////////////
// INGEST CONTRACT TESTS
////////////////////////////////////////////////////////////////////////////////

// Push without a partner token must be rejected.
func TestIngest_UnauthorizedWithoutToken(t *testing.T) {
	waitReady(t)

	s, _ := call(t, http.MethodPost, "/sync-ingest", nil, map[string]any{})
	if s != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", s)
	}
}

// Missing updated_at should return 400.
func TestIngest_BadRequestOnInvalidPayload(t *testing.T) {
	waitReady(t)

	payload := map[string]any{
		"record":    map[string]any{"id": unique("bad")},
		"source":    partnerTag(),
		"operation": "update",
	}
	s, _ := call(t, http.MethodPost, "/sync-ingest", partner(), payload)
	if s != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", s)
	}
}

////////////////////////////////////////////////////////////////////////////////
// CORE SYSTEM BEHAVIOR TESTS
////////////////////////////////////////////////////////////////////////////////

// Redelivery and older versions are acknowledged without changing the row.
func TestIngest_LastWriteWinsIsIdempotent(t *testing.T) {
	waitReady(t)

	id := unique("lww")
	ts := time.Now().UTC()

	if s, applied := ingest(t, id, ts, "qualified"); s != http.StatusOK || !applied {
		t.Fatalf("first delivery: status %d applied %v", s, applied)
	}
	if s, applied := ingest(t, id, ts, "qualified"); s != http.StatusOK || applied {
		t.Fatalf("redelivery: status %d applied %v", s, applied)
	}
	if s, applied := ingest(t, id, ts.Add(-time.Minute), "new"); s != http.StatusOK || applied {
		t.Fatalf("older delivery: status %d applied %v", s, applied)
	}

	r := getRecord(t, id)
	if r["sync_source"] != partnerTag() {
		t.Fatalf("expected row tagged %s, got %v", partnerTag(), r["sync_source"])
	}
}

// A partner write is never queued back to the partner.
func TestLoopPrevention_PartnerWriteNotEnqueued(t *testing.T) {
	waitReady(t)

	id := unique("loop")
	ingest(t, id, time.Now().UTC(), "won")

	_, b := call(t, http.MethodGet, "/sync/queue?limit=1000", operator(), nil)
	var q struct {
		Items []struct {
			EntityID string `json:"entity_id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(b, &q); err != nil {
		t.Fatalf("invalid queue JSON: %v", err)
	}
	for _, it := range q.Items {
		if it.EntityID == id {
			t.Fatal("partner write was enqueued")
		}
	}
}

// A local write is captured with exactly one queue item.
func TestCapture_LocalWriteEnqueues(t *testing.T) {
	waitReady(t)

	id := unique("local")
	s, b := call(t, http.MethodPost, "/records", operator(), map[string]any{
		"id":      id,
		"payload": map[string]any{"stage": "new"},
	})
	if s != http.StatusOK {
		t.Fatalf("expected 200 got %d", s)
	}
	var r struct {
		QueueItemID string `json:"queue_item_id"`
	}
	_ = json.Unmarshal(b, &r)
	if r.QueueItemID == "" {
		t.Fatal("local write was not enqueued")
	}

	if getRecord(t, id)["sync_source"] != "local" {
		t.Fatal("local write not tagged local")
	}
}

// Operator surface answers with the documented shapes.
func TestOperator_StatusAndStats(t *testing.T) {
	waitReady(t)

	for _, p := range []string{"/sync/status", "/sync/queue/stats", "/sync/logs", "/sync/auto-process"} {
		if s, _ := call(t, http.MethodGet, p, operator(), nil); s != http.StatusOK {
			t.Fatalf("GET %s expected 200 got %d", p, s)
		}
		if s, _ := call(t, http.MethodGet, p, nil, nil); s != http.StatusUnauthorized {
			t.Fatalf("GET %s without key expected 401 got %d", p, s)
		}
	}
}
