package offline

import (
	"context"
	"log/slog"
	"time"
)

// Syncer はオフラインキューの再送を実行するインターフェース。
type Syncer interface {
	OnSync(ctx context.Context) (SyncResult, error)
	Online() <-chan struct{}
}

// ReplayWorker は一定間隔とオンライン復帰の通知を契機にOnSyncを実行する。
type ReplayWorker struct {
	syncer   Syncer
	interval time.Duration
	logger   *slog.Logger
}

// NewReplayWorker はReplayWorkerを生成する。
func NewReplayWorker(syncer Syncer, interval time.Duration, logger *slog.Logger) *ReplayWorker {
	return &ReplayWorker{syncer: syncer, interval: interval, logger: logger}
}

// Run はコンテキストがキャンセルされるまで再送を繰り返す。起動直後に1回実行する。
func (w *ReplayWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("replay worker started",
		slog.String("tag", SyncTag),
		slog.Duration("interval", w.interval),
	)

	w.runOnce(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("replay worker stopped", slog.String("tag", SyncTag))
			return
		case <-ticker.C:
			w.runOnce(ctx, "interval")
		case <-w.syncer.Online():
			w.runOnce(ctx, "online")
		}
	}
}

func (w *ReplayWorker) runOnce(ctx context.Context, trigger string) {
	res, err := w.syncer.OnSync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("offline replay failed",
			slog.String("tag", SyncTag),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.Delivered == 0 && res.Retained == 0 && res.Dropped == 0 {
		return
	}
	w.logger.Info("offline replay finished",
		slog.String("tag", SyncTag),
		slog.String("trigger", trigger),
		slog.Int("delivered", res.Delivered),
		slog.Int("retained", res.Retained),
		slog.Int("dropped", res.Dropped),
	)
}
