package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// AppendSaga appends an entry with a monotonically increasing per-instance sequence.
func (s *LibSQLStore) AppendSaga(ctx context.Context, entry *schema.SagaEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin saga tx", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write-intent
	// statement forces the write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM saga_log WHERE instance_id = ?`, entry.InstanceID,
	).Scan(&seq); err != nil {
		return storeErr("next saga sequence", err)
	}
	entry.Sequence = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO saga_log (instance_id, step_id, phase, request, response, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, entry.StepID, string(entry.Phase),
		nullRaw(entry.Request), nullRaw(entry.Response), entry.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert saga entry", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit saga entry", err)
	}
	return nil
}

// ListSaga returns an instance's saga entries ordered by sequence.
func (s *LibSQLStore) ListSaga(ctx context.Context, instanceID string) ([]*schema.SagaEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, step_id, phase, request, response, timestamp, sequence
		 FROM saga_log WHERE instance_id = ? ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, storeErr("list saga", err)
	}
	defer rows.Close()

	var entries []*schema.SagaEntry
	for rows.Next() {
		e := &schema.SagaEntry{}
		var phase string
		var request, response sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.StepID, &phase, &request, &response, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Phase = schema.SagaPhase(phase)
		e.Request = rawOrNil(request)
		e.Response = rawOrNil(response)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
