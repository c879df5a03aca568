package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/propsite/internal/metrics"
	"github.com/hitoshi/propsite/internal/middleware"
)

// HealthChecker はDB接続の疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigins []string
	TrustedProxies     []netip.Prefix
	BurstLimiter       *middleware.BurstLimiter
	Logger             *slog.Logger
	Metrics            metrics.MetricsCollector
	MetricsGatherer    prometheus.Gatherer

	// ヘルスチェック
	HealthChecker HealthChecker

	// フォーム・チャット
	InquiryHandler *InquiryHandler
	ChatHandler    *ChatHandler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	ClientIP → Logging → Recovery → SecurityHeaders → CORS → BurstLimiter
//
// 利用者IPは TrustedProxies に含まれる接続元からの X-Forwarded-For のみで解決する。
// /health と /metrics はバースト制限の対象外とする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 公開API ---
	r.Group(func(r chi.Router) {
		if deps.BurstLimiter != nil {
			r.Use(deps.BurstLimiter.Middleware())
		}

		r.Route("/api", func(r chi.Router) {
			if deps.InquiryHandler != nil {
				r.Post("/contact", deps.InquiryHandler.Contact)
				r.Post("/appointments", deps.InquiryHandler.Appointment)
			}
			if deps.ChatHandler != nil {
				r.Post("/chat", deps.ChatHandler.Chat)
			}
		})
	})

	return r
}

// healthHandler はDBの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
