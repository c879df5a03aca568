// Package cleanup はレート制限ログの自動削除ジョブを提供する。
// 保持期間（デフォルト24時間）を超過したrate_limit_logの行を
// 日次バッチで削除する。判定に使われうる行は削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/propsite/internal/metrics"
)

// LogDeleter はレート制限ログの削除を抽象化するインターフェース。
// repository.RateLimitRepository を受け付けることができる。
type LogDeleter interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したレート制限ログの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	repo    LogDeleter
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	Retention     time.Duration // ログの保持期間（デフォルト: 24時間）
	LongestWindow time.Duration // レート制限ウィンドウの最長値
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持期間は24時間。
func NewCleanupJob(repo LogDeleter, logger *slog.Logger, m metrics.MetricsCollector) *CleanupJob {
	if m == nil {
		m = metrics.Nop{}
	}
	return &CleanupJob{
		repo:      repo,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		Retention: 24 * time.Hour,
	}
}

// effectiveRetention は保持期間とウィンドウ最長値の大きい方を返す。
func (j *CleanupJob) effectiveRetention() time.Duration {
	return max(j.Retention, j.LongestWindow)
}

// Run は保持期間を超過したレート制限ログを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	retention := j.effectiveRetention()
	before := j.now().Add(-retention)

	deletedCount, err := j.repo.DeleteOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("レート制限ログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", retention),
		)
		return fmt.Errorf("レート制限ログのクリーンアップに失敗: %w", err)
	}

	j.metrics.RecordRateLimitLogSwept(deletedCount)

	duration := time.Since(start)
	j.logger.Info("レート制限ログのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", retention),
		slog.Time("before", before),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、その後intervalごとにRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
