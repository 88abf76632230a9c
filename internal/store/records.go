package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// WriteOptions controls how WriteRecord applies a row.
type WriteOptions struct {
	// OnlyIfNewer applies the row only when its updated_at is strictly later
	// than the stored one (last-write-wins). Inserts always apply.
	OnlyIfNewer bool

	// Enqueue inserts a to_remote queue item in the same transaction.
	Enqueue bool
}

// WriteResult reports what WriteRecord did.
type WriteResult struct {
	Applied  bool
	Inserted bool
	Item     *models.QueueItem
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// operationFor derives the queue operation from the row and whether the
// upsert created it.
func operationFor(rec models.Record, inserted bool) models.Operation {
	switch {
	case rec.Deleted:
		return models.OpDelete
	case inserted:
		return models.OpInsert
	default:
		return models.OpUpdate
	}
}

func newQueueItem(entityID string, op models.Operation, now time.Time) models.QueueItem {
	return models.QueueItem{
		ID:            uuid.New().String(),
		EntityID:      entityID,
		Operation:     op,
		SyncDirection: models.ToRemote,
		Status:        models.QueuePending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// WriteRecord upserts a mirror row and, when requested, enqueues its
// propagation in the same transaction. If the enqueue fails the write is
// rolled back and the error returned, so a captured change is never lost.
func (p *PostgresStore) WriteRecord(ctx context.Context, rec models.Record, opts WriteOptions) (WriteResult, error) {
	rec = rec.Normalize()
	if rec.ID == "" {
		return WriteResult{}, errors.New("record id required")
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return WriteResult{}, err
	}

	q := `
		INSERT INTO sync_records(id, payload, updated_at, sync_source, sync_status, deleted)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			payload     = EXCLUDED.payload,
			updated_at  = EXCLUDED.updated_at,
			sync_source = EXCLUDED.sync_source,
			sync_status = EXCLUDED.sync_status,
			deleted     = EXCLUDED.deleted`
	if opts.OnlyIfNewer {
		q += `
		WHERE sync_records.updated_at < EXCLUDED.updated_at`
	}
	// xmax = 0 only for freshly inserted tuples.
	q += `
		RETURNING (xmax = 0)`

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted bool
	err = tx.QueryRow(ctx, q,
		rec.ID, payload, rec.UpdatedAt, rec.SyncSource, string(rec.SyncStatus), rec.Deleted,
	).Scan(&inserted)

	// LWW guard rejected the row: acknowledged no-op.
	if isNoRows(err) {
		return WriteResult{}, tx.Commit(ctx)
	}
	if err != nil {
		return WriteResult{}, err
	}

	res := WriteResult{Applied: true, Inserted: inserted}

	if opts.Enqueue {
		item := newQueueItem(rec.ID, operationFor(rec, inserted), time.Now().UTC())
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_queue(id, entity_id, operation, sync_direction, status, retry_count, created_at, next_attempt_at)
			VALUES ($1,$2,$3,$4,$5,0,$6,$6)
		`, item.ID, item.EntityID, string(item.Operation), string(item.SyncDirection), string(item.Status), item.CreatedAt)
		if err != nil {
			return WriteResult{}, fmt.Errorf("enqueue %s: %w", rec.ID, err)
		}
		res.Item = &item
	}

	if err := tx.Commit(ctx); err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

const recordColumns = `id, payload, updated_at, sync_source, sync_status, deleted`

func scanRecord(row pgx.Row) (models.Record, error) {
	var (
		r       models.Record
		payload []byte
		status  string
	)
	if err := row.Scan(&r.ID, &payload, &r.UpdatedAt, &r.SyncSource, &status, &r.Deleted); err != nil {
		return models.Record{}, err
	}
	r.SyncStatus = models.RecordStatus(status)
	r.Payload = map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return models.Record{}, err
		}
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// GetRecord returns the current mirror row or ErrNotFound.
func (p *PostgresStore) GetRecord(ctx context.Context, id string) (models.Record, error) {
	r, err := scanRecord(p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM sync_records WHERE id=$1`, id))
	if isNoRows(err) {
		return models.Record{}, ErrNotFound
	}
	return r, err
}

// ListRecords returns mirror rows matching filter ordered by id.
func (p *PostgresStore) ListRecords(ctx context.Context, f models.RecordFilter) ([]models.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM sync_records WHERE TRUE`
	var args []interface{}

	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	if f.IDs != nil {
		args = append(args, f.IDs)
		q += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	}
	if f.AfterID != "" {
		args = append(args, f.AfterID)
		q += fmt.Sprintf(" AND id > $%d", len(args))
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns the number of mirror rows, tombstones included.
func (p *PostgresStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_records`).Scan(&n)
	return n, err
}

// MarkRecordStatus sets sync_status on a row, but only while its updated_at
// still equals the delivered version; a newer local edit keeps its own state.
func (p *PostgresStore) MarkRecordStatus(ctx context.Context, id string, updatedAt time.Time, status models.RecordStatus) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE sync_records SET sync_status=$3
		WHERE id=$1 AND updated_at=$2
	`, id, updatedAt.UTC().Truncate(time.Microsecond), string(status))
	return err
}
