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

// PostgresReplicaSetStore implements ReplicaSetStore using PostgreSQL
type PostgresReplicaSetStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresReplicaSetStore creates a new PostgreSQL replica set store
func NewPostgresReplicaSetStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresReplicaSetStore {
	return &PostgresReplicaSetStore{
		pool:   pool,
		logger: logger,
	}
}

// GetReplicaSets returns the replica sets of the given users
func (s *PostgresReplicaSetStore) GetReplicaSets(ctx context.Context, userIDs []string) (map[string]model.ReplicaSet, error) {
	out := make(map[string]model.ReplicaSet, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT user_id, primary_endpoint, secondaries, version, updated_at
		FROM replica_sets
		WHERE user_id = ANY($1)
	`

	rows, err := s.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get replica sets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rs model.ReplicaSet
		if err := rows.Scan(
			&rs.UserID,
			&rs.Primary,
			&rs.Secondaries,
			&rs.Version,
			&rs.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan replica set: %w", err)
		}
		out[rs.UserID] = rs
	}

	return out, rows.Err()
}

// ListUsersByPrimary pages through users whose primary is the endpoint
func (s *PostgresReplicaSetStore) ListUsersByPrimary(ctx context.Context, primary string, offset, limit int) ([]string, error) {
	query := `
		SELECT user_id
		FROM replica_sets
		WHERE primary_endpoint = $1
		ORDER BY user_id ASC
		OFFSET $2
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, primary, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0, limit)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, userID)
	}

	return users, rows.Err()
}

// UpdateReplicaSet replaces a replica set with an optimistic version check
func (s *PostgresReplicaSetStore) UpdateReplicaSet(ctx context.Context, rs model.ReplicaSet, expectedVersion int64) (model.ReplicaSet, error) {
	query := `
		UPDATE replica_sets
		SET primary_endpoint = $2, secondaries = $3, version = version + 1, updated_at = now()
		WHERE user_id = $1 AND version = $4
		RETURNING version, updated_at
	`

	updated := rs.Clone()
	err := s.pool.QueryRow(ctx, query, rs.UserID, rs.Primary, rs.Secondaries, expectedVersion).
		Scan(&updated.Version, &updated.UpdatedAt)
	if err == nil {
		s.logger.Info("Replica set updated",
			zap.String("user_id", rs.UserID),
			zap.String("primary", rs.Primary),
			zap.Strings("secondaries", rs.Secondaries),
			zap.Int64("version", updated.Version))
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ReplicaSet{}, fmt.Errorf("failed to update replica set: %w", err)
	}

	// No row matched: distinguish a missing user from a stale version
	var actual int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM replica_sets WHERE user_id = $1`, rs.UserID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReplicaSet{}, ErrNotFound
	}
	if err != nil {
		return model.ReplicaSet{}, fmt.Errorf("failed to read replica set version: %w", err)
	}
	return model.ReplicaSet{}, apperrors.VersionConflict(rs.UserID, expectedVersion, actual)
}

// Ping checks the database connection
func (s *PostgresReplicaSetStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresReplicaSetStore) Close() {
	s.pool.Close()
}
