package store

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresClockStore implements ClockStore using PostgreSQL
type PostgresClockStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresClockStore creates a new PostgreSQL clock store
func NewPostgresClockStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresClockStore {
	return &PostgresClockStore{
		pool:   pool,
		logger: logger,
	}
}

// GetCurrentClock returns the user's current clock
func (s *PostgresClockStore) GetCurrentClock(ctx context.Context, userID string) (int64, error) {
	query := `SELECT clock FROM clock_users WHERE user_id = $1`

	var clock int64
	err := s.pool.QueryRow(ctx, query, userID).Scan(&clock)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NoClock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get clock: %w", err)
	}

	return clock, nil
}

// GetCurrentClocks returns the current clock of every user in userIDs in
// one round trip
func (s *PostgresClockStore) GetCurrentClocks(ctx context.Context, userIDs []string) (map[string]int64, error) {
	clocks := make(map[string]int64, len(userIDs))
	for _, userID := range userIDs {
		clocks[userID] = model.NoClock
	}
	if len(userIDs) == 0 {
		return clocks, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT user_id, clock FROM clock_users WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get clocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID string
			clock  int64
		)
		if err := rows.Scan(&userID, &clock); err != nil {
			return nil, fmt.Errorf("failed to scan clock: %w", err)
		}
		clocks[userID] = clock
	}
	return clocks, rows.Err()
}

// GetClockRecordsSince returns records after clock, ascending
func (s *PostgresClockStore) GetClockRecordsSince(ctx context.Context, userID string, clock int64) ([]model.ClockRecord, error) {
	query := `
		SELECT user_id, clock, source_table, created_at
		FROM clock_records
		WHERE user_id = $1 AND clock > $2
		ORDER BY clock ASC
	`

	rows, err := s.pool.Query(ctx, query, userID, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to get clock records: %w", err)
	}
	defer rows.Close()

	records := make([]model.ClockRecord, 0)
	for rows.Next() {
		var record model.ClockRecord
		if err := rows.Scan(
			&record.UserID,
			&record.Clock,
			&record.SourceTable,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan clock record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// AppendRecord appends the next clock record. The user row is locked for
// the duration of the transaction so concurrent appends serialize.
func (s *PostgresClockStore) AppendRecord(ctx context.Context, userID string, clock int64, sourceTable string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO clock_users (user_id, clock) VALUES ($1, -1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return fmt.Errorf("failed to initialize clock: %w", err)
	}

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT clock FROM clock_users WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&current); err != nil {
		return fmt.Errorf("failed to lock clock: %w", err)
	}

	if clock != current+1 {
		return apperrors.ClockGap(userID, current, clock)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO clock_records (user_id, clock, source_table) VALUES ($1, $2, $3)`,
		userID, clock, sourceTable,
	); err != nil {
		return fmt.Errorf("failed to insert clock record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE clock_users SET clock = $2 WHERE user_id = $1`,
		userID, clock,
	); err != nil {
		return fmt.Errorf("failed to advance clock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit clock record: %w", err)
	}

	s.logger.Debug("Appended clock record",
		zap.String("user_id", userID),
		zap.Int64("clock", clock),
		zap.String("source_table", sourceTable))

	return nil
}

// Ping checks the database connection
func (s *PostgresClockStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresClockStore) Close() {
	s.pool.Close()
}
