package store

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

const queueColumns = `id::text, entity_id, operation, sync_direction, status, retry_count,
	last_error, created_at, next_attempt_at, claimed_at, processed_at`

func scanQueueItem(row pgx.Row) (models.QueueItem, error) {
	var (
		it              models.QueueItem
		op, dir, status string
	)
	err := row.Scan(&it.ID, &it.EntityID, &op, &dir, &status, &it.RetryCount,
		&it.LastError, &it.CreatedAt, &it.NextAttemptAt, &it.ClaimedAt, &it.ProcessedAt)
	if err != nil {
		return models.QueueItem{}, err
	}
	it.Operation = models.Operation(op)
	it.SyncDirection = models.Direction(dir)
	it.Status = models.QueueStatus(status)
	return it, nil
}

func collectQueueItems(rows pgx.Rows) ([]models.QueueItem, error) {
	defer rows.Close()

	var out []models.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ClaimBatch atomically moves up to limit eligible pending items to
// processing and returns them oldest first.
//
// Eligible: direction to_remote, backoff elapsed, and no sibling item for the
// same entity already processing. SKIP LOCKED keeps concurrent claimers from
// ever returning the same row.
func (p *PostgresStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.QueueItem, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE sync_queue q
		SET status = 'processing', claimed_at = $2
		WHERE q.status = 'pending'
		  AND q.id IN (
			SELECT c.id FROM sync_queue c
			WHERE c.status = 'pending'
			  AND c.sync_direction = 'to_remote'
			  AND c.next_attempt_at <= $2
			  AND NOT EXISTS (
				SELECT 1 FROM sync_queue s
				WHERE s.entity_id = c.entity_id AND s.status = 'processing'
			  )
			ORDER BY c.created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		  )
		RETURNING `+queueColumns, limit, now)
	if err != nil {
		return nil, err
	}

	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// ClaimItem claims one specific pending item (low-latency push path).
func (p *PostgresStore) ClaimItem(ctx context.Context, id string, now time.Time) (models.QueueItem, error) {
	it, err := scanQueueItem(p.pool.QueryRow(ctx, `
		UPDATE sync_queue q
		SET status = 'processing', claimed_at = $2
		WHERE q.id = $1 AND q.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue s
			WHERE s.entity_id = q.entity_id AND s.status = 'processing'
		  )
		RETURNING `+queueColumns, id, now))
	if isNoRows(err) {
		return models.QueueItem{}, ErrNotClaimed
	}
	return it, err
}

// execTransition runs a status-guarded update and maps "no row matched" to
// ErrNotClaimed.
func (p *PostgresStore) execTransition(ctx context.Context, from, to models.QueueStatus, sql string, args ...interface{}) error {
	if err := models.CheckTransition(from, to); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// CompleteItem marks a processing item delivered.
func (p *PostgresStore) CompleteItem(ctx context.Context, id string, now time.Time) error {
	return p.execTransition(ctx, models.QueueProcessing, models.QueueCompleted, `
		UPDATE sync_queue
		SET status='completed', processed_at=$2, last_error=NULL
		WHERE id=$1 AND status='processing'
	`, id, now)
}

// RequeueItem returns a processing item to pending after a transient failure.
func (p *PostgresStore) RequeueItem(ctx context.Context, id string, retryCount int, lastErr string, next time.Time) error {
	return p.execTransition(ctx, models.QueueProcessing, models.QueuePending, `
		UPDATE sync_queue
		SET status='pending', retry_count=$2, last_error=$3, next_attempt_at=$4, claimed_at=NULL
		WHERE id=$1 AND status='processing'
	`, id, retryCount, lastErr, next)
}

// FailItem marks a processing item terminally failed.
func (p *PostgresStore) FailItem(ctx context.Context, id string, retryCount int, lastErr string, now time.Time) error {
	return p.execTransition(ctx, models.QueueProcessing, models.QueueFailed, `
		UPDATE sync_queue
		SET status='failed', retry_count=$2, last_error=$3, processed_at=$4
		WHERE id=$1 AND status='processing'
	`, id, retryCount, lastErr, now)
}

// ResetStuck reverts processing items claimed before olderThan to pending.
func (p *PostgresStore) ResetStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status='pending', claimed_at=NULL, next_attempt_at=now()
		WHERE status='processing' AND claimed_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RetryFailed gives every terminally failed item a fresh retry budget.
func (p *PostgresStore) RetryFailed(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status='pending', retry_count=0, next_attempt_at=$1, processed_at=NULL, claimed_at=NULL
		WHERE status='failed'
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// QueueStats counts items per status.
func (p *PostgresStore) QueueStats(ctx context.Context) (models.QueueStats, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, err
	}
	defer rows.Close()

	var st models.QueueStats
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, err
		}
		switch models.QueueStatus(status) {
		case models.QueuePending:
			st.Pending = n
		case models.QueueProcessing:
			st.Processing = n
		case models.QueueCompleted:
			st.Completed = n
		case models.QueueFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// PendingCount returns the number of pending items.
func (p *PostgresStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status='pending'`).Scan(&n)
	return n, err
}

// ListQueue returns the newest items, optionally filtered by status.
func (p *PostgresStore) ListQueue(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

// InFlightEntityIDs returns entities with queue items that are not completed.
func (p *PostgresStore) InFlightEntityIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT entity_id FROM sync_queue
		WHERE status IN ('pending','processing','failed')
		ORDER BY entity_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
