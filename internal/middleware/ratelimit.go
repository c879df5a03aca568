package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BurstLimiterConfig はIP単位バースト制限の設定を保持する。
type BurstLimiterConfig struct {
	Rate            rate.Limit    // 補充レート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultBurstLimiterConfig はデフォルトの設定を返す（60 req/min、バースト20）。
func DefaultBurstLimiterConfig() BurstLimiterConfig {
	return BurstLimiterConfig{
		Rate:            rate.Limit(60.0 / 60.0),
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter はIPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// BurstLimiter はプロセス内でIP単位のトークンバケット制限を行う。
// 永続ログによるカテゴリ別制限の手前に置き、短時間の連打をDBに到達する前に落とす。
type BurstLimiter struct {
	config BurstLimiterConfig

	mu       sync.Mutex
	limiters map[string]*ipLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBurstLimiter は新しいBurstLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewBurstLimiter(config BurstLimiterConfig) *BurstLimiter {
	bl := &BurstLimiter{
		config:   config,
		limiters: make(map[string]*ipLimiter),
		stopCh:   make(chan struct{}),
	}

	go bl.cleanupLoop()

	return bl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (bl *BurstLimiter) Stop() {
	bl.stopOnce.Do(func() { close(bl.stopCh) })
}

// Middleware はIP単位のバースト制限ミドルウェアを返す。
// OPTIONSプリフライトは対象外。
func (bl *BurstLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			limiter := bl.getOrCreate(ip)

			if !limiter.Allow() {
				now := time.Now()
				WriteRateLimitResponse(w, now.Add(bl.refillDelay()), now)
				slog.Warn("burst limit exceeded",
					slog.String("event", "burst_limited"),
					slog.String("client_ip", ip),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているエントリ数を返す。テスト用。
func (bl *BurstLimiter) LimiterCount() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return len(bl.limiters)
}

// refillDelay は1トークンが補充されるまでの時間。
func (bl *BurstLimiter) refillDelay() time.Duration {
	if bl.config.Rate <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(bl.config.Rate))
}

// getOrCreate はIPのリミッターを取得または作成する。
func (bl *BurstLimiter) getOrCreate(ip string) *rate.Limiter {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if l, ok := bl.limiters[ip]; ok {
		l.lastAccess = time.Now()
		return l.limiter
	}

	limiter := rate.NewLimiter(bl.config.Rate, bl.config.Burst)
	bl.limiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (bl *BurstLimiter) cleanupLoop() {
	ticker := time.NewTicker(bl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bl.cleanup(time.Now())
		case <-bl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (bl *BurstLimiter) cleanup(now time.Time) {
	ttl := bl.config.CleanupInterval * 2

	bl.mu.Lock()
	defer bl.mu.Unlock()
	for ip, l := range bl.limiters {
		if now.Sub(l.lastAccess) > ttl {
			delete(bl.limiters, ip)
		}
	}
}
