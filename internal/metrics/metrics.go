// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リクエストガード、エッジキャッシュ、ワーカーから利用する。
type MetricsCollector interface {
	RecordGuardOutcome(endpoint, outcome string)
	RecordRateLimitFailOpen(category string)
	RecordHTTPStatus(statusCode int)
	RecordUpstreamLatency(upstream string, duration time.Duration)
	RecordCacheResult(partition, result string)
	RecordCacheWriteFailure(partition string)
	RecordReplayResult(result string)
	RecordRateLimitLogSwept(count int64)
}

// ガード判定結果のラベル値
const (
	OutcomeAccepted      = "accepted"
	OutcomeRateLimited   = "rate_limited"
	OutcomeInvalid       = "invalid"
	OutcomeCaptchaFailed = "captcha_failed"
	OutcomeHoneypot      = "honeypot"
	OutcomeRejected      = "rejected"
	OutcomeError         = "error"
)

// キャッシュ応答結果のラベル値
const (
	CacheHit         = "hit"
	CacheMiss        = "miss"
	CacheNetwork     = "network"
	CacheFallback    = "fallback"
	CachePlaceholder = "placeholder"
	CacheQueued      = "queued"
	CacheError       = "error"
)

// 再送結果のラベル値
const (
	ReplayDelivered = "delivered"
	ReplayRetry     = "retry"
	ReplayDropped   = "dropped"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	guardOutcome      *prometheus.CounterVec
	rateLimitFailOpen *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	upstreamLatency   *prometheus.HistogramVec
	cacheResult       *prometheus.CounterVec
	cacheWriteFail    *prometheus.CounterVec
	replayResult      *prometheus.CounterVec
	rateLimitSwept    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		guardOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propsite_guard_outcome_total",
			Help: "エンドポイント別のリクエストガード判定結果数",
		}, []string{"endpoint", "outcome"}),
		rateLimitFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propsite_rate_limit_fail_open_total",
			Help: "ストレージ障害によりレート制限を通過させた回数",
		}, []string{"category"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propsite_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "propsite_upstream_latency_seconds",
			Help:    "外部サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream"}),
		cacheResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propsite_edge_cache_result_total",
			Help: "パーティション別のエッジキャッシュ応答結果数",
		}, []string{"partition", "result"}),
		cacheWriteFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propsite_edge_cache_write_fail_total",
			Help: "バックグラウンドのキャッシュ書き込み失敗数",
		}, []string{"partition"}),
		replayResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propsite_edge_replay_total",
			Help: "オフライン送信キューの再送結果数",
		}, []string{"result"}),
		rateLimitSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "propsite_rate_limit_log_swept_total",
			Help: "スイープで削除されたレート制限ログの行数",
		}),
	}

	reg.MustRegister(
		c.guardOutcome,
		c.rateLimitFailOpen,
		c.httpStatus,
		c.upstreamLatency,
		c.cacheResult,
		c.cacheWriteFail,
		c.replayResult,
		c.rateLimitSwept,
	)

	return c
}

// RecordGuardOutcome はリクエストガードの判定結果を記録する。
func (c *Collector) RecordGuardOutcome(endpoint, outcome string) {
	c.guardOutcome.WithLabelValues(endpoint, outcome).Inc()
}

// RecordRateLimitFailOpen はフェイルオープンを記録する。
func (c *Collector) RecordRateLimitFailOpen(category string) {
	c.rateLimitFailOpen.WithLabelValues(category).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は外部呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(upstream string, duration time.Duration) {
	c.upstreamLatency.WithLabelValues(upstream).Observe(duration.Seconds())
}

// RecordCacheResult はキャッシュ応答結果を記録する。
func (c *Collector) RecordCacheResult(partition, result string) {
	c.cacheResult.WithLabelValues(partition, result).Inc()
}

// RecordCacheWriteFailure はキャッシュ書き込み失敗を記録する。
func (c *Collector) RecordCacheWriteFailure(partition string) {
	c.cacheWriteFail.WithLabelValues(partition).Inc()
}

// RecordReplayResult は再送結果を記録する。
func (c *Collector) RecordReplayResult(result string) {
	c.replayResult.WithLabelValues(result).Inc()
}

// RecordRateLimitLogSwept は削除した行数を記録する。
func (c *Collector) RecordRateLimitLogSwept(count int64) {
	c.rateLimitSwept.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時とテストで使用する。
type Nop struct{}

func (Nop) RecordGuardOutcome(string, string)           {}
func (Nop) RecordRateLimitFailOpen(string)              {}
func (Nop) RecordHTTPStatus(int)                        {}
func (Nop) RecordUpstreamLatency(string, time.Duration) {}
func (Nop) RecordCacheResult(string, string)            {}
func (Nop) RecordCacheWriteFailure(string)              {}
func (Nop) RecordReplayResult(string)                   {}
func (Nop) RecordRateLimitLogSwept(int64)               {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// エッジプロキシのように、メインのルーターとは別ポートで公開する場合に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
