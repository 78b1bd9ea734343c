// Package mysqlstore is a MySQL/MariaDB-backed implementation of the
// persist contracts, for production deployments with multiple worker
// processes sharing one durable queue and instance table. Unlike sqlstore,
// MySQL allows concurrent writers, so TryTransitionStageStatus is the only
// thing standing between two workers claiming the same instance.
package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/go-sql-driver/mysql"

	"github.com/flowlite-go/flowlite/flow/persist"
)

// Store bundles a MySQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to MySQL using dsn (see github.com/go-sql-driver/mysql for
// the DSN format, e.g. "user:pass@tcp(127.0.0.1:3306)/flowlite?parseTime=true"),
// configures the connection pool, and creates the schema if absent.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysqlstore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysqlstore: create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flow_instances (
			instance_id VARCHAR(36) NOT NULL PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			stage VARCHAR(255) NOT NULL,
			stage_status VARCHAR(32) NOT NULL,
			INDEX idx_flow (flow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS flow_events (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			instance_id VARCHAR(36) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			event_value VARCHAR(255) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_instance (flow_id, instance_id, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS flow_ticks (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			instance_id VARCHAR(36) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			INDEX idx_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS flow_history (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			occurred_at TIMESTAMP(6) NOT NULL,
			flow_id VARCHAR(255) NOT NULL,
			instance_id VARCHAR(36) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			stage VARCHAR(255) NOT NULL,
			from_stage VARCHAR(255) NOT NULL,
			to_stage VARCHAR(255) NOT NULL,
			from_status VARCHAR(32) NOT NULL,
			to_status VARCHAR(32) NOT NULL,
			event VARCHAR(255) NOT NULL,
			error_type VARCHAR(255) NOT NULL,
			error_message TEXT NOT NULL,
			error_stack_trace TEXT NOT NULL,
			INDEX idx_instance (flow_id, instance_id, occurred_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// StatePersister returns a StatePersister view over this store for state
// type S, scoped to flowID.
func StatePersister[S any](s *Store, flowID string) persist.StatePersister[S] {
	return &statePersister[S]{s: s, flowID: flowID}
}

type statePersister[S any] struct {
	s      *Store
	flowID string
}

func (p *statePersister[S]) Save(ctx context.Context, data persist.InstanceData[S]) (persist.InstanceData[S], error) {
	body, err := json.Marshal(data.State)
	if err != nil {
		return persist.InstanceData[S]{}, fmt.Errorf("mysqlstore: marshal state: %w", err)
	}
	const q = `
		INSERT INTO flow_instances (instance_id, flow_id, state, stage, stage_status)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			stage = VALUES(stage),
			stage_status = VALUES(stage_status)
	`
	if _, err := p.s.db.ExecContext(ctx, q, data.FlowInstanceID.String(), p.flowID, string(body), data.Stage, string(data.StageStatus)); err != nil {
		return persist.InstanceData[S]{}, fmt.Errorf("mysqlstore: save instance: %w", err)
	}
	return data, nil
}

// ListInstanceIDs returns every instance id persisted for this persister's
// flow. Supports the engine facade's read-only introspection helpers.
func (p *statePersister[S]) ListInstanceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.s.db.QueryContext(ctx, `SELECT instance_id FROM flow_instances WHERE flow_id = ?`, p.flowID)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: list instance ids: %w", err)
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("mysqlstore: list instance ids scan: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("mysqlstore: list instance ids parse: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *statePersister[S]) Load(ctx context.Context, instanceID uuid.UUID) (persist.InstanceData[S], error) {
	const q = `SELECT state, stage, stage_status FROM flow_instances WHERE instance_id = ?`
	var stateJSON, stage, status string
	err := p.s.db.QueryRowContext(ctx, q, instanceID.String()).Scan(&stateJSON, &stage, &status)
	if err == sql.ErrNoRows {
		return persist.InstanceData[S]{}, persist.ErrNotFound
	}
	if err != nil {
		return persist.InstanceData[S]{}, fmt.Errorf("mysqlstore: load instance: %w", err)
	}
	var state S
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return persist.InstanceData[S]{}, fmt.Errorf("mysqlstore: unmarshal state: %w", err)
	}
	return persist.InstanceData[S]{
		FlowInstanceID: instanceID,
		State:          state,
		Stage:          stage,
		StageStatus:    persist.StageStatus(status),
	}, nil
}

func (p *statePersister[S]) TryTransitionStageStatus(ctx context.Context, instanceID uuid.UUID, expectedStage string, expectedStatus, newStatus persist.StageStatus) (bool, error) {
	const q = `
		UPDATE flow_instances
		SET stage_status = ?
		WHERE instance_id = ? AND stage = ? AND stage_status = ?
	`
	res, err := p.s.db.ExecContext(ctx, q, string(newStatus), instanceID.String(), expectedStage, string(expectedStatus))
	if err != nil {
		return false, fmt.Errorf("mysqlstore: CAS stage status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mysqlstore: CAS rows affected: %w", err)
	}
	return n == 1, nil
}

// EventStore returns an EventStore view over this store.
func EventStore(s *Store) persist.EventStore {
	return &eventStore{s: s}
}

type eventStore struct{ s *Store }

func (e *eventStore) Append(ctx context.Context, flowID string, instanceID uuid.UUID, eventType, eventValue string) (persist.StoredEvent, error) {
	ev := persist.StoredEvent{
		ID:             uuid.New(),
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		EventType:      eventType,
		EventValue:     eventValue,
	}
	const q = `INSERT INTO flow_events (id, flow_id, instance_id, event_type, event_value) VALUES (?, ?, ?, ?, ?)`
	if _, err := e.s.db.ExecContext(ctx, q, ev.ID.String(), flowID, instanceID.String(), eventType, eventValue); err != nil {
		return persist.StoredEvent{}, fmt.Errorf("mysqlstore: append event: %w", err)
	}
	return ev, nil
}

func (e *eventStore) Peek(ctx context.Context, flowID string, instanceID uuid.UUID, candidateKinds []persist.EventKind) (persist.StoredEvent, bool, error) {
	if len(candidateKinds) == 0 {
		return persist.StoredEvent{}, false, nil
	}
	clauses := make([]string, 0, len(candidateKinds))
	args := []any{flowID, instanceID.String()}
	for _, k := range candidateKinds {
		clauses = append(clauses, "(event_type = ? AND event_value = ?)")
		args = append(args, k.EventType, k.EventValue)
	}
	q := fmt.Sprintf(`
		SELECT id, event_type, event_value
		FROM flow_events
		WHERE flow_id = ? AND instance_id = ? AND (%s)
		ORDER BY created_at ASC
		LIMIT 1
	`, joinOr(clauses))

	var idStr, eventType, eventValue string
	err := e.s.db.QueryRowContext(ctx, q, args...).Scan(&idStr, &eventType, &eventValue)
	if err == sql.ErrNoRows {
		return persist.StoredEvent{}, false, nil
	}
	if err != nil {
		return persist.StoredEvent{}, false, fmt.Errorf("mysqlstore: peek event: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return persist.StoredEvent{}, false, fmt.Errorf("mysqlstore: peek event: parse id: %w", err)
	}
	return persist.StoredEvent{
		ID:             id,
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		EventType:      eventType,
		EventValue:     eventValue,
	}, true, nil
}

func (e *eventStore) Delete(ctx context.Context, eventID uuid.UUID) (bool, error) {
	const q = `DELETE FROM flow_events WHERE id = ?`
	res, err := e.s.db.ExecContext(ctx, q, eventID.String())
	if err != nil {
		return false, fmt.Errorf("mysqlstore: delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mysqlstore: delete event rows affected: %w", err)
	}
	return n == 1, nil
}

func joinOr(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " OR "
		}
		out += c
	}
	return out
}

// Queue returns a ticks.Queue view over this store's tick table.
func Queue(s *Store) *TickQueue {
	return &TickQueue{s: s}
}

// TickQueue is a durable FIFO of pending ticks backed by MySQL, satisfying
// flow/ticks.Queue. Unlike SQLite, multiple processes may poll the same
// table concurrently; DequeueBatch uses SELECT ... FOR UPDATE SKIP LOCKED
// inside a transaction so two pollers never claim the same row.
type TickQueue struct{ s *Store }

func (q *TickQueue) Enqueue(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	const stmt = `INSERT INTO flow_ticks (id, flow_id, instance_id) VALUES (?, ?, ?)`
	if _, err := q.s.db.ExecContext(ctx, stmt, uuid.New().String(), flowID, instanceID.String()); err != nil {
		return fmt.Errorf("mysqlstore: enqueue tick: %w", err)
	}
	return nil
}

func (q *TickQueue) DequeueBatch(ctx context.Context, limit int) ([]persist.Tick, error) {
	tx, err := q.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: dequeue begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, flow_id, instance_id FROM flow_ticks
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: dequeue select: %w", err)
	}
	var (
		result []persist.Tick
		ids    []any
	)
	for rows.Next() {
		var idStr, flowID, instStr string
		if err := rows.Scan(&idStr, &flowID, &instStr); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("mysqlstore: dequeue scan: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("mysqlstore: dequeue parse tick id: %w", err)
		}
		instID, err := uuid.Parse(instStr)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("mysqlstore: dequeue parse instance id: %w", err)
		}
		result = append(result, persist.Tick{ID: id, FlowID: flowID, FlowInstanceID: instID})
		ids = append(ids, idStr)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("mysqlstore: dequeue rows: %w", err)
	}
	_ = rows.Close()

	if len(ids) > 0 {
		placeholders := ""
		for i := range ids {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
		}
		del := fmt.Sprintf(`DELETE FROM flow_ticks WHERE id IN (%s)`, placeholders)
		if _, err := tx.ExecContext(ctx, del, ids...); err != nil {
			return nil, fmt.Errorf("mysqlstore: dequeue delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mysqlstore: dequeue commit: %w", err)
	}
	return result, nil
}

// HistoryStore returns a HistoryStore view over this store.
func HistoryStore(s *Store) persist.HistoryStore {
	return &historyStore{s: s}
}

type historyStore struct{ s *Store }

func (h *historyStore) Append(ctx context.Context, entry persist.HistoryEntry) error {
	const q = `
		INSERT INTO flow_history (
			id, occurred_at, flow_id, instance_id, kind, stage,
			from_stage, to_stage, from_status, to_status,
			event, error_type, error_message, error_stack_trace
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.s.db.ExecContext(ctx, q,
		entry.ID.String(), entry.OccurredAt, entry.FlowID, entry.FlowInstanceID.String(),
		string(entry.Kind), entry.Stage,
		entry.FromStage, entry.ToStage, string(entry.FromStatus), string(entry.ToStatus),
		entry.Event, entry.ErrorType, entry.ErrorMessage, entry.ErrorStackTrace,
	)
	if err != nil {
		return fmt.Errorf("mysqlstore: append history: %w", err)
	}
	return nil
}
