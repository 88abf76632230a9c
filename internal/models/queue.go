package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a queue item status change is not in
// the transition table.
var ErrIllegalTransition = errors.New("illegal queue status transition")

// QueueStatus is the lifecycle state of a SyncQueueItem.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// transitions lists every legal status change.
//
//	pending    -> processing            (claim)
//	processing -> completed | failed    (dispatch outcome)
//	processing -> pending               (transient retry, stale reclaim)
//	failed     -> pending               (operator retry)
var transitions = map[QueueStatus][]QueueStatus{
	QueuePending:    {QueueProcessing},
	QueueProcessing: {QueueCompleted, QueueFailed, QueuePending},
	QueueFailed:     {QueuePending},
}

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to QueueStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition wrapped with both states when
// from -> to is not allowed.
func CheckTransition(from, to QueueStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Operation is the mutation a queue item propagates.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Direction tags queue items and sync logs.
type Direction string

const (
	ToRemote       Direction = "to_remote"
	FromRemote     Direction = "from_remote"
	Reconciliation Direction = "reconciliation"
)

// QueueItem is one durable propagation attempt in sync_queue.
type QueueItem struct {
	ID            string      `json:"id"`
	EntityID      string      `json:"entity_id"`
	Operation     Operation   `json:"operation"`
	SyncDirection Direction   `json:"sync_direction"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	LastError     *string     `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	ClaimedAt     *time.Time  `json:"claimed_at,omitempty"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
}

// QueueStats counts queue items by status. Pending resolves on its own,
// Failed needs an operator.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
