package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to QueueStatus
		ok       bool
	}{
		{QueuePending, QueueProcessing, true},
		{QueueProcessing, QueueCompleted, true},
		{QueueProcessing, QueueFailed, true},
		{QueueProcessing, QueuePending, true},
		{QueueFailed, QueuePending, true},

		{QueuePending, QueueCompleted, false},
		{QueuePending, QueueFailed, false},
		{QueueCompleted, QueuePending, false},
		{QueueCompleted, QueueProcessing, false},
		{QueueFailed, QueueProcessing, false},
		{QueueProcessing, QueueProcessing, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestCheckTransition_WrapsSentinel(t *testing.T) {
	err := CheckTransition(QueueCompleted, QueuePending)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := CheckTransition(QueuePending, QueueProcessing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueueStatus_Terminal(t *testing.T) {
	if QueuePending.Terminal() || QueueProcessing.Terminal() {
		t.Fatal("pending/processing must not be terminal")
	}
	if !QueueCompleted.Terminal() || !QueueFailed.Terminal() {
		t.Fatal("completed/failed must be terminal")
	}
	if QueueStatus("bogus").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestRecord_NewerThan(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	a := Record{ID: "1", UpdatedAt: t1}
	b := Record{ID: "1", UpdatedAt: t2}

	if a.NewerThan(b) {
		t.Fatal("t1 must not win over t2")
	}
	if !b.NewerThan(a) {
		t.Fatal("t2 must win over t1")
	}
	if a.NewerThan(a) {
		t.Fatal("equal timestamps must have no winner")
	}
}

func TestRecord_NormalizeTruncatesToMicroseconds(t *testing.T) {
	ts := time.Date(2026, 1, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	r := Record{ID: "1", UpdatedAt: ts}.Normalize()

	if r.UpdatedAt.Nanosecond() != 123456000 {
		t.Fatalf("expected microsecond precision, got %d", r.UpdatedAt.Nanosecond())
	}
	if r.UpdatedAt.Location() != time.UTC {
		t.Fatal("expected UTC")
	}
	if r.Payload == nil {
		t.Fatal("expected non-nil payload")
	}
}
