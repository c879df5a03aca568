package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/propsite/internal/model"
)

// PostgresContactRepo はPostgreSQLを使用したお問い合わせリポジトリ。
type PostgresContactRepo struct {
	db *sql.DB
}

// NewPostgresContactRepo はPostgresContactRepoを生成する。
func NewPostgresContactRepo(db *sql.DB) *PostgresContactRepo {
	return &PostgresContactRepo{db: db}
}

// Create は送信内容を保存する。
func (r *PostgresContactRepo) Create(ctx context.Context, s *model.ContactSubmission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contact_submissions
		   (id, name, email, phone, property_type, message, client_ip, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Name, s.Email, s.Phone, s.PropertyType, s.Message, s.ClientIP, s.Status, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact submission: %w", err)
	}
	return nil
}

// PostgresAppointmentRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresAppointmentRepo struct {
	db *sql.DB
}

// NewPostgresAppointmentRepo はPostgresAppointmentRepoを生成する。
func NewPostgresAppointmentRepo(db *sql.DB) *PostgresAppointmentRepo {
	return &PostgresAppointmentRepo{db: db}
}

// Create は予約リクエストを保存する。
func (r *PostgresAppointmentRepo) Create(ctx context.Context, a *model.Appointment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO appointments
		   (id, name, email, phone, property_address, preferred_date, preferred_time,
		    message, client_ip, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Name, a.Email, a.Phone, a.PropertyAddress, a.PreferredDate.Format("2006-01-02"),
		a.PreferredTime, a.Message, a.ClientIP, a.Status, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ ContactRepository     = (*PostgresContactRepo)(nil)
	_ AppointmentRepository = (*PostgresAppointmentRepo)(nil)
)
