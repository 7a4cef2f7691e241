// Package saga предоставляет реализацию Store через PostgreSQL.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore реализация Store через PostgreSQL. Состояние саги и записи
// outbox фиксируются в одной транзакции: падение между ними невозможно.
// Схема создается миграциями из каталога migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает новое PostgreSQL хранилище
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close закрывает пул соединений
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Init(ctx context.Context, state *State, outbound []*OutboxMessage) (*State, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	metadataJSON, err := json.Marshal(state.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO saga_instances
			(id, definition, status, current_phase, correlation_id, started_at, updated_at, last_error, metadata, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, state.SagaID, state.Definition, string(state.Status), state.CurrentPhase,
		state.CorrelationID, state.StartedAt, state.UpdatedAt, state.LastError, metadataJSON, state.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert saga: %w", err)
	}

	// Повторная инициализация существующего id - no-op с возвратом текущего
	// состояния, команды в outbox не ставятся
	if tag.RowsAffected() == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		existing, err := s.Get(ctx, state.SagaID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := s.insertOutbox(ctx, tx, outbound); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return state.Clone(), true, nil
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*State, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, definition, status, current_phase, correlation_id, started_at, updated_at, last_error, metadata, payload
		FROM saga_instances
		WHERE id = $1
	`, sagaID)

	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID))
		}
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) List(ctx context.Context, definition string) ([]*State, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, definition, status, current_phase, correlation_id, started_at, updated_at, last_error, metadata, payload
		FROM saga_instances
		WHERE definition = $1
		ORDER BY started_at DESC
	`, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas: %w", err)
	}
	defer rows.Close()

	var result []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		result = append(result, state)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, state *State, outbound []*OutboxMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	metadataJSON, err := json.Marshal(state.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE saga_instances
		SET status = $2, current_phase = $3, updated_at = $4, last_error = $5, metadata = $6
		WHERE id = $1
	`, state.SagaID, string(state.Status), state.CurrentPhase, state.UpdatedAt, state.LastError, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(ErrNotFound, fmt.Sprintf("saga %s not found", state.SagaID))
	}

	if err := s.insertOutbox(ctx, tx, outbound); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePhase(ctx context.Context, sagaID string, phase int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_instances SET current_phase = $2, updated_at = $3 WHERE id = $1
	`, sagaID, phase, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NewError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID))
	}
	return nil
}

func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject, key, data, headers, created_at
		FROM saga_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var result []*OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		var headersJSON []byte
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Key, &msg.Data, &headersJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		if err := json.Unmarshal(headersJSON, &msg.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox headers: %w", err)
		}
		result = append(result, &msg)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE saga_outbox SET dispatched_at = $2 WHERE id = ANY($1) AND dispatched_at IS NULL
	`, ids, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark outbox dispatched: %w", err)
	}
	return nil
}

// insertOutbox вставляет записи outbox в рамках транзакции tx
func (s *PostgresStore) insertOutbox(ctx context.Context, tx pgx.Tx, outbound []*OutboxMessage) error {
	for _, msg := range outbound {
		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox headers: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO saga_outbox (id, subject, key, data, headers, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, msg.Subject, msg.Key, msg.Data, headersJSON, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert outbox record: %w", err)
		}
	}
	return nil
}

// scanState читает состояние саги из строки результата
func scanState(row pgx.Row) (*State, error) {
	var state State
	var status string
	var metadataJSON []byte
	if err := row.Scan(&state.SagaID, &state.Definition, &status, &state.CurrentPhase,
		&state.CorrelationID, &state.StartedAt, &state.UpdatedAt, &state.LastError,
		&metadataJSON, &state.Payload); err != nil {
		return nil, err
	}
	state.Status = Status(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &state.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &state, nil
}
