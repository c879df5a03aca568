package repository

import "testing"

// TestPostgresRepos_ImplementInterfaces はPostgreSQL実装が各インターフェースを満たすことを検証する。
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	// コンパイル時チェック
	var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
	var _ ContactRepository = (*PostgresContactRepo)(nil)
	var _ AppointmentRepository = (*PostgresAppointmentRepo)(nil)
}
