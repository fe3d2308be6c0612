package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// DSN turns a database location into a libSQL URL. Plain filesystem paths
// become file: URLs; libsql, http(s) and file URLs pass through unchanged.
func DSN(location string) string {
	for _, scheme := range []string{"file:", "libsql://", "http://", "https://"} {
		if strings.HasPrefix(location, scheme) {
			return location
		}
	}
	return "file:" + location
}

// LocalPath returns the filesystem path of a local database location, and
// false for remote ones.
func LocalPath(location string) (string, bool) {
	dsn := DSN(location)
	if !strings.HasPrefix(dsn, "file:") {
		return "", false
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path, true
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db"; see DSN.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// NewStoreFromDB wraps an already opened database. Used by tests.
func NewStoreFromDB(db *sql.DB) *LibSQLStore {
	return &LibSQLStore{db: db}
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Templates ---

func (s *LibSQLStore) PutTemplate(ctx context.Context, code string, def schema.TemplateDefinition) (*schema.Template, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin template tx", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM templates WHERE code = ?`, code,
	).Scan(&version); err != nil {
		return nil, storeErr("next template version", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO templates (code, version, definition, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		code, version, string(defJSON), nullStr(def.Description), now,
	); err != nil {
		return nil, storeErr("insert template", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit template", err)
	}

	return &schema.Template{Code: code, Version: version, Definition: def, CreatedAt: now}, nil
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, code string) (*schema.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, version, definition, created_at FROM templates WHERE code = ? ORDER BY version DESC LIMIT 1`, code)
	return scanTemplate(row, code)
}

func (s *LibSQLStore) GetTemplateVersion(ctx context.Context, code string, version int) (*schema.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, version, definition, created_at FROM templates WHERE code = ? AND version = ?`, code, version)
	return scanTemplate(row, fmt.Sprintf("%s@%d", code, version))
}

func scanTemplate(row *sql.Row, ref string) (*schema.Template, error) {
	t := &schema.Template{}
	var defJSON string
	err := row.Scan(&t.Code, &t.Version, &defJSON, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", ref)
	}
	if err != nil {
		return nil, storeErr("get template", err)
	}
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	return t, nil
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, templateCode string, version int, input map[string]any, parentID string) (string, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM templates WHERE code = ? AND version = ?`, templateCode, version,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return "", schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q version %d not found", templateCode, version)
	}
	if err != nil {
		return "", storeErr("check template version", err)
	}

	cursorJSON, err := json.Marshal(schema.Cursor{})
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	contextJSON, err := json.Marshal(schema.NewContext(input))
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}

	id := uuid.New().String()
	now := toMillis(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, template_code, template_version, parent_id, cursor, context, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, templateCode, version, nullStr(parentID), string(cursorJSON), string(contextJSON),
		string(schema.InstanceStatusRunning), now, now,
	)
	if err != nil {
		return "", storeErr("insert instance", err)
	}
	return id, nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.Instance, error) {
	inst := &schema.Instance{}
	var (
		parentID, lastError     sql.NullString
		cursorJSON, contextJSON string
		status                  string
		wakeAt                  sql.NullInt64
		createdAt, updatedAt    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_code, template_version, parent_id, cursor, context, status, wake_at, last_error, created_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.TemplateCode, &inst.TemplateVersion, &parentID, &cursorJSON, &contextJSON,
		&status, &wakeAt, &lastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeInstanceNotFound, "instance %q not found", id)
	}
	if err != nil {
		return nil, storeErr("get instance", err)
	}

	inst.ParentID = parentID.String
	inst.LastError = lastError.String
	inst.Status = schema.InstanceStatus(status)
	if err := json.Unmarshal([]byte(cursorJSON), &inst.Cursor); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &inst.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	inst.Context.Normalize()
	if wakeAt.Valid {
		t := fromMillis(wakeAt.Int64)
		inst.WakeAt = &t
	}
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return inst, nil
}

func (s *LibSQLStore) SaveProgress(ctx context.Context, id string, p schema.Progress) error {
	cursorJSON, err := json.Marshal(p.Cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	contextJSON, err := json.Marshal(p.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	var wakeAt any
	if p.WakeAt != nil {
		wakeAt = toMillis(*p.WakeAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET cursor = ?, context = ?, status = ?, wake_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(cursorJSON), string(contextJSON), string(p.Status), wakeAt, nullStr(p.LastError),
		toMillis(time.Now()), id,
	)
	if err != nil {
		return storeErr("save progress", err)
	}
	return checkRowsAffected(res, schema.ErrCodeInstanceNotFound, "instance", id)
}

func (s *LibSQLStore) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	waiting := string(schema.InstanceStatusWaiting)
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id FROM instances p
		 WHERE (p.status = ? AND p.wake_at IS NOT NULL AND p.wake_at <= ?)
		    OR (p.status = ? AND p.updated_at <= ?)
		    OR (p.status = ? AND EXISTS (
		          SELECT 1 FROM instances c
		           WHERE c.parent_id = p.id AND c.status IN (?, ?) AND c.updated_at >= p.updated_at))
		 ORDER BY p.updated_at ASC
		 LIMIT ?`,
		waiting, toMillis(now),
		string(schema.InstanceStatusRunning), toMillis(staleBefore),
		waiting, string(schema.InstanceStatusCompleted), string(schema.InstanceStatusFailed),
		limit,
	)
	if err != nil {
		return nil, storeErr("list due instances", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task schema.NewTask) (string, error) {
	roles, err := json.Marshal(task.CandidateRoles)
	if err != nil {
		return "", fmt.Errorf("marshal candidate_roles: %w", err)
	}
	var payload any
	if task.Payload != nil {
		b, err := json.Marshal(task.Payload)
		if err != nil {
			return "", fmt.Errorf("marshal task payload: %w", err)
		}
		payload = string(b)
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, instance_id, step_id, name, candidate_roles, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, task.InstanceID, task.StepID, task.Name, string(roles), payload,
		string(schema.TaskStatusPending), time.Now().UTC(),
	)
	if err != nil {
		return "", storeErr("insert task", err)
	}
	return id, nil
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	t := &schema.Task{}
	var (
		roles, payload, result sql.NullString
		status                 string
		completedAt            sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, step_id, name, candidate_roles, payload, status, result, created_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.InstanceID, &t.StepID, &t.Name, &roles, &payload, &status, &result, &t.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeTaskNotFound, "task %q not found", id)
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	t.Status = schema.TaskStatus(status)
	if roles.Valid && roles.String != "" {
		_ = json.Unmarshal([]byte(roles.String), &t.CandidateRoles)
	}
	t.Payload = rawOrNil(payload)
	t.Result = rawOrNil(result)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// CompleteTask marks a pending task completed. Completing an already
// completed task is an INVALID_TRANSITION error.
func (s *LibSQLStore) CompleteTask(ctx context.Context, id string, result json.RawMessage) (*schema.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(schema.TaskStatusCompleted), nullRaw(result), time.Now().UTC(), id, string(schema.TaskStatusPending),
	)
	if err != nil {
		return nil, storeErr("complete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "task %q is already %s", id, task.Status)
	}
	return task, nil
}

// --- Event inbox ---

func (s *LibSQLStore) ExpectEvent(ctx context.Context, correlationID, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_inbox (correlation_id, instance_id) VALUES (?, ?)
		 ON CONFLICT(correlation_id) DO UPDATE SET instance_id = excluded.instance_id`,
		correlationID, instanceID,
	)
	if err != nil {
		return storeErr("expect event", err)
	}
	return nil
}

func (s *LibSQLStore) DeliverEvent(ctx context.Context, correlationID string, payload json.RawMessage) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_inbox (correlation_id, payload, received_at) VALUES (?, ?, ?)
		 ON CONFLICT(correlation_id) DO UPDATE SET payload = excluded.payload, received_at = excluded.received_at`,
		correlationID, nullRaw(payload), time.Now().UTC(),
	)
	if err != nil {
		return "", storeErr("deliver event", err)
	}

	var instanceID sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT instance_id FROM event_inbox WHERE correlation_id = ?`, correlationID,
	).Scan(&instanceID); err != nil {
		return "", storeErr("read event inbox", err)
	}
	return instanceID.String, nil
}

func (s *LibSQLStore) GetEventResponse(ctx context.Context, correlationID string) (*schema.EventResponse, error) {
	var (
		payload    sql.NullString
		receivedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, received_at FROM event_inbox WHERE correlation_id = ?`, correlationID,
	).Scan(&payload, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get event response", err)
	}
	if !receivedAt.Valid {
		return nil, nil
	}
	return &schema.EventResponse{
		CorrelationID: correlationID,
		Payload:       rawOrNil(payload),
		ReceivedAt:    receivedAt.Time,
	}, nil
}

// --- Helpers ---

func storeErr(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, code, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(code, "%s %q not found", resource, id)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
