package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// InsertLog creates a running sync log (completed_at NULL).
func (p *PostgresStore) InsertLog(ctx context.Context, l models.SyncLog) error {
	meta, err := json.Marshal(nonNilMeta(l.Metadata))
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sync_logs(id, started_at, sync_direction, metadata)
		VALUES ($1,$2,$3,$4)
	`, l.ID, l.StartedAt, string(l.SyncDirection), meta)
	return err
}

// FinishLog finalizes a running log. A finalized log is never rewritten.
func (p *PostgresStore) FinishLog(ctx context.Context, l models.SyncLog) error {
	errs, err := json.Marshal(nonNilErrors(l.Errors))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(nonNilMeta(l.Metadata))
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_logs
		SET completed_at=$2, records_synced=$3, records_failed=$4,
		    processing_time_ms=$5, errors=$6, metadata=$7
		WHERE id=$1 AND completed_at IS NULL
	`, l.ID, l.CompletedAt, l.RecordsSynced, l.RecordsFailed, l.ProcessingTimeMS, errs, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLogFinalized
	}
	return nil
}

// ListLogs returns the most recent logs first.
func (p *PostgresStore) ListLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::text, started_at, completed_at, sync_direction, records_synced,
		       records_failed, processing_time_ms, errors, metadata
		FROM sync_logs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLog(row pgx.Row) (models.SyncLog, error) {
	var (
		l          models.SyncLog
		dir        string
		errs, meta []byte
	)
	err := row.Scan(&l.ID, &l.StartedAt, &l.CompletedAt, &dir, &l.RecordsSynced,
		&l.RecordsFailed, &l.ProcessingTimeMS, &errs, &meta)
	if err != nil {
		return models.SyncLog{}, err
	}
	l.SyncDirection = models.Direction(dir)
	if err := json.Unmarshal(errs, &l.Errors); err != nil {
		return models.SyncLog{}, err
	}
	if err := json.Unmarshal(meta, &l.Metadata); err != nil {
		return models.SyncLog{}, err
	}
	return l, nil
}

// UpsertStatus writes the one summary row per project.
func (p *PostgresStore) UpsertStatus(ctx context.Context, st models.SyncStatus) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_status(id, project_name, last_sync_at, last_sync_success, total_records, last_error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (project_name) DO UPDATE SET
			last_sync_at      = EXCLUDED.last_sync_at,
			last_sync_success = EXCLUDED.last_sync_success,
			total_records     = EXCLUDED.total_records,
			last_error        = EXCLUDED.last_error,
			updated_at        = EXCLUDED.updated_at
	`, uuid.New().String(), st.ProjectName, st.LastSyncAt, st.LastSyncSuccess, st.TotalRecords, st.LastError, st.UpdatedAt)
	return err
}

// GetStatus returns the summary row for project or ErrNotFound.
func (p *PostgresStore) GetStatus(ctx context.Context, project string) (models.SyncStatus, error) {
	var st models.SyncStatus
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, project_name, last_sync_at, last_sync_success, total_records, last_error, updated_at
		FROM sync_status WHERE project_name=$1
	`, project).Scan(&st.ID, &st.ProjectName, &st.LastSyncAt, &st.LastSyncSuccess,
		&st.TotalRecords, &st.LastError, &st.UpdatedAt)
	if isNoRows(err) {
		return models.SyncStatus{}, ErrNotFound
	}
	return st, err
}

func nonNilErrors(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}

func nonNilMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
