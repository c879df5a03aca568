package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/propsite/internal/model"
)

// PostgresRateLimitRepo はPostgreSQLを使用したレート制限ログリポジトリ。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// RecordIfBelow は件数確認と挿入を1トランザクションで行う。
// 識別子単位のアドバイザリロックを取得するため、同一識別子の同時リクエストが
// 両方とも上限未満と判定されることはない。
func (r *PostgresRateLimitRepo) RecordIfBelow(ctx context.Context, identifier string, maxRequests int, since, now time.Time) (*model.RateLimitWindow, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rate limit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, identifier); err != nil {
		return nil, fmt.Errorf("failed to acquire rate limit lock: %w", err)
	}

	var count int
	var oldest sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT count(*), min(created_at)
		 FROM rate_limit_log
		 WHERE identifier = $1 AND created_at >= $2`,
		identifier, since,
	).Scan(&count, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to count rate limit log: %w", err)
	}

	window := &model.RateLimitWindow{Count: count}
	if oldest.Valid {
		window.Oldest = oldest.Time
	}

	if count >= maxRequests {
		return window, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_log (identifier, created_at) VALUES ($1, $2)`,
		identifier, now,
	); err != nil {
		return nil, fmt.Errorf("failed to insert rate limit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rate limit transaction: %w", err)
	}

	window.Recorded = true
	if window.Oldest.IsZero() {
		window.Oldest = now
	}
	return window, nil
}

// DeleteOlderThan はcreated_atがbeforeより古い行を削除する。
func (r *PostgresRateLimitRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_log WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rate limit log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted count: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
