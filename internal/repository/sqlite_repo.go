package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/propsite/internal/model"
)

// SQLiteRateLimitRepo はSQLiteを使用したレート制限ログリポジトリ。
// シングルノード構成向け。database.OpenSQLiteで接続数が1に制限されている前提で、
// 件数確認と挿入は同じ接続上のトランザクションで直列に実行される。
type SQLiteRateLimitRepo struct {
	db *sql.DB
}

// NewSQLiteRateLimitRepo はSQLiteRateLimitRepoを生成する。
func NewSQLiteRateLimitRepo(db *sql.DB) *SQLiteRateLimitRepo {
	return &SQLiteRateLimitRepo{db: db}
}

// RecordIfBelow は件数確認と挿入を1トランザクションで行う。
func (r *SQLiteRateLimitRepo) RecordIfBelow(ctx context.Context, identifier string, maxRequests int, since, now time.Time) (*model.RateLimitWindow, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rate limit transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	var oldest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT count(*), min(created_at_ns)
		 FROM rate_limit_log
		 WHERE identifier = ? AND created_at_ns >= ?`,
		identifier, since.UnixNano(),
	).Scan(&count, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to count rate limit log: %w", err)
	}

	window := &model.RateLimitWindow{Count: count}
	if oldest.Valid {
		window.Oldest = time.Unix(0, oldest.Int64)
	}

	if count >= maxRequests {
		return window, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_log (identifier, created_at_ns) VALUES (?, ?)`,
		identifier, now.UnixNano(),
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
func (r *SQLiteRateLimitRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_log WHERE created_at_ns < ?`,
		before.UnixNano(),
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

// SQLiteContactRepo はSQLiteを使用したお問い合わせリポジトリ。
type SQLiteContactRepo struct {
	db *sql.DB
}

// NewSQLiteContactRepo はSQLiteContactRepoを生成する。
func NewSQLiteContactRepo(db *sql.DB) *SQLiteContactRepo {
	return &SQLiteContactRepo{db: db}
}

// Create は送信内容を保存する。
func (r *SQLiteContactRepo) Create(ctx context.Context, s *model.ContactSubmission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contact_submissions
		   (id, name, email, phone, property_type, message, client_ip, status, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Email, s.Phone, s.PropertyType, s.Message, s.ClientIP, s.Status, s.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create contact submission: %w", err)
	}
	return nil
}

// SQLiteAppointmentRepo はSQLiteを使用した予約リポジトリ。
type SQLiteAppointmentRepo struct {
	db *sql.DB
}

// NewSQLiteAppointmentRepo はSQLiteAppointmentRepoを生成する。
func NewSQLiteAppointmentRepo(db *sql.DB) *SQLiteAppointmentRepo {
	return &SQLiteAppointmentRepo{db: db}
}

// Create は予約リクエストを保存する。
func (r *SQLiteAppointmentRepo) Create(ctx context.Context, a *model.Appointment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO appointments
		   (id, name, email, phone, property_address, preferred_date, preferred_time,
		    message, client_ip, status, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Email, a.Phone, a.PropertyAddress, a.PreferredDate.Format("2006-01-02"),
		a.PreferredTime, a.Message, a.ClientIP, a.Status, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ RateLimitRepository   = (*SQLiteRateLimitRepo)(nil)
	_ ContactRepository     = (*SQLiteContactRepo)(nil)
	_ AppointmentRepository = (*SQLiteAppointmentRepo)(nil)
)
