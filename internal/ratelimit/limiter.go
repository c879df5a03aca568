// Package ratelimit は永続ログに基づくスライディングウィンドウ方式のレート制限を提供する。
//
// 判定は識別子ごとに「ウィンドウ内の記録件数」で行い、許可したリクエストのみを記録する。
// ストレージ障害時は可用性を優先してリクエストを許可する（フェイルオープン）。
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/propsite/internal/config"
	"github.com/hitoshi/propsite/internal/metrics"
	"github.com/hitoshi/propsite/internal/repository"
)

// Category はレート制限のカテゴリ。
type Category string

// 定義済みカテゴリ
const (
	CategoryContact     Category = "contact"
	CategoryAppointment Category = "appointment"
	CategoryAPI         Category = "api"
)

// Rule はカテゴリごとの上限とウィンドウ幅。
type Rule struct {
	Max    int
	Window time.Duration
}

// DefaultRules はデフォルトのカテゴリ設定を返す。
func DefaultRules() map[Category]Rule {
	return map[Category]Rule{
		CategoryContact:     {Max: 3, Window: 15 * time.Minute},
		CategoryAppointment: {Max: 5, Window: 30 * time.Minute},
		CategoryAPI:         {Max: 100, Window: time.Hour},
	}
}

// RulesFromConfig は設定値からカテゴリ設定を生成する。
func RulesFromConfig(cfg *config.Config) map[Category]Rule {
	return map[Category]Rule{
		CategoryContact:     {Max: cfg.RateLimitContactMax, Window: cfg.RateLimitContactWindow},
		CategoryAppointment: {Max: cfg.RateLimitAppointmentMax, Window: cfg.RateLimitAppointmentWindow},
		CategoryAPI:         {Max: cfg.RateLimitAPIMax, Window: cfg.RateLimitAPIWindow},
	}
}

// Result はレート制限の判定結果。
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Identifier はカテゴリとクライアントIPから識別子を組み立てる。
func Identifier(category Category, clientIP string) string {
	return string(category) + "-" + clientIP
}

// Limiter は永続ログを使ったレート制限器。
type Limiter struct {
	repo    repository.RateLimitRepository
	rules   map[Category]Rule
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// Option はLimiterのオプション。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics はメトリクス収集器を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(l *Limiter) { l.metrics = m }
}

// NewLimiter は新しいLimiterを生成する。rulesがnilの場合はDefaultRulesを使用する。
func NewLimiter(repo repository.RateLimitRepository, rules map[Category]Rule, opts ...Option) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	l := &Limiter{
		repo:    repo,
		rules:   rules,
		metrics: metrics.Nop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check はidentifierのリクエストを許可するか判定する。
// 許可した場合のみ現在時刻の記録を1件追加する。
// ストレージエラー時はAllowed=trueを返し、WARNログとメトリクスに記録する。
func (l *Limiter) Check(ctx context.Context, identifier string, maxRequests int, window time.Duration) Result {
	return l.check(ctx, "", identifier, maxRequests, window)
}

// CheckCategory はカテゴリ設定に従ってclientIPのリクエストを判定する。
// 未定義のカテゴリはAPIカテゴリの設定で判定する。
func (l *Limiter) CheckCategory(ctx context.Context, category Category, clientIP string) Result {
	rule, ok := l.rules[category]
	if !ok {
		rule = l.rules[CategoryAPI]
	}
	return l.check(ctx, category, Identifier(category, clientIP), rule.Max, rule.Window)
}

func (l *Limiter) check(ctx context.Context, category Category, identifier string, maxRequests int, window time.Duration) Result {
	now := l.now()

	w, err := l.repo.RecordIfBelow(ctx, identifier, maxRequests, now.Add(-window), now)
	if err != nil {
		slog.Warn("rate limit storage unavailable, allowing request",
			slog.String("event", "rate_limit_fail_open"),
			slog.String("identifier", identifier),
			slog.String("error", err.Error()),
		)
		l.metrics.RecordRateLimitFailOpen(string(category))
		remaining := maxRequests - 1
		if remaining < 0 {
			remaining = 0
		}
		return Result{Allowed: true, Remaining: remaining, ResetTime: now.Add(window)}
	}

	resetTime := now.Add(window)
	if !w.Oldest.IsZero() {
		resetTime = w.Oldest.Add(window)
	}

	if !w.Recorded {
		return Result{Allowed: false, Remaining: 0, ResetTime: resetTime}
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests - w.Count - 1,
		ResetTime: resetTime,
	}
}
