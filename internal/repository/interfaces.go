// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/propsite/internal/model"
)

// RateLimitRepository はレート制限ログの永続化インターフェース。
// ログは追記と範囲検索のみで更新は行わない。
type RateLimitRepository interface {
	// RecordIfBelow はidentifierについてcreated_at >= sinceの行数を数え、
	// maxRequests未満であればnowの行を1件挿入する。
	// 件数確認と挿入は同一識別子に対して直列化される。
	RecordIfBelow(ctx context.Context, identifier string, maxRequests int, since, now time.Time) (*model.RateLimitWindow, error)

	// DeleteOlderThan はcreated_atがbeforeより古い行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ContactRepository はお問い合わせ送信の永続化インターフェース。
type ContactRepository interface {
	// Create は送信内容を保存する。
	Create(ctx context.Context, submission *model.ContactSubmission) error
}

// AppointmentRepository は予約リクエストの永続化インターフェース。
type AppointmentRepository interface {
	// Create は予約リクエストを保存する。
	Create(ctx context.Context, appointment *model.Appointment) error
}
