package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/propsite/internal/captcha"
	"github.com/hitoshi/propsite/internal/metrics"
	"github.com/hitoshi/propsite/internal/middleware"
	"github.com/hitoshi/propsite/internal/model"
	"github.com/hitoshi/propsite/internal/ratelimit"
)

// RateLimiter はカテゴリ別のレート制限判定インターフェース。
type RateLimiter interface {
	CheckCategory(ctx context.Context, category ratelimit.Category, clientIP string) ratelimit.Result
}

// CaptchaVerifier はCAPTCHAトークンの検証インターフェース。
// トークンが不正な場合はcaptcha.ErrRejectedを返す。
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// successResponse は受付成功時のレスポンス。
type successResponse struct {
	Success bool `json:"success"`
}

// guard は各エンドポイント共通の判定処理をまとめたもの。
// 判定順序はレート制限 → デコード → ハニーポット → 形式検証 → CAPTCHA。
type guard struct {
	limiter  RateLimiter
	captcha  CaptchaVerifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	validate interface{ Struct(any) error }
}

func newGuard(limiter RateLimiter, verifier CaptchaVerifier, m metrics.MetricsCollector, logger *slog.Logger) *guard {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &guard{
		limiter:  limiter,
		captcha:  verifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		validate: newValidator(),
	}
}

// allow はレート制限を判定し、超過時は429を書き込んでfalseを返す。
func (g *guard) allow(w http.ResponseWriter, r *http.Request, endpoint string, category ratelimit.Category) bool {
	ip := middleware.ClientIP(r)
	res := g.limiter.CheckCategory(r.Context(), category, ip)
	if res.Allowed {
		return true
	}

	g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeRateLimited)
	g.logger.Warn("rate limit exceeded",
		slog.String("event", "rate_limited"),
		slog.String("endpoint", endpoint),
		slog.String("client_ip", ip),
		slog.Time("reset_time", res.ResetTime),
	)
	middleware.WriteRateLimitResponse(w, res.ResetTime, g.now())
	return false
}

// decode はボディをデコードし、失敗時は400を書き込んでfalseを返す。
func (g *guard) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeInvalid)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// wellFormed は必須項目と長さの形式検証を行い、失敗時は400を書き込んでfalseを返す。
func (g *guard) wellFormed(w http.ResponseWriter, endpoint string, dst any) bool {
	if err := g.validate.Struct(dst); err != nil {
		g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeInvalid)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(shapeErrors(err)...))
		return false
	}
	return true
}

// trapped はハニーポットが入力されていればボット扱いとし、
// 何も保存・送信せずに成功レスポンスを返す。
func (g *guard) trapped(w http.ResponseWriter, r *http.Request, endpoint, honeypot string) bool {
	if honeypot == "" {
		return false
	}

	g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeHoneypot)
	g.logger.Warn("honeypot triggered",
		slog.String("event", "honeypot"),
		slog.String("endpoint", endpoint),
		slog.String("client_ip", middleware.ClientIP(r)),
	)
	middleware.WriteJSON(w, http.StatusOK, successResponse{Success: true})
	return true
}

// human はCAPTCHAを検証する。拒否時は403、検証APIの障害時は500を書き込む。
func (g *guard) human(w http.ResponseWriter, r *http.Request, endpoint, token string) bool {
	if g.captcha == nil {
		return true
	}

	ip := middleware.ClientIP(r)
	err := g.captcha.Verify(r.Context(), token, ip)
	switch {
	case err == nil:
		return true
	case errors.Is(err, captcha.ErrRejected):
		g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeCaptchaFailed)
		g.logger.Warn("captcha rejected",
			slog.String("event", "captcha_failed"),
			slog.String("endpoint", endpoint),
			slog.String("client_ip", ip),
		)
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewCaptchaFailedError())
	default:
		g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeError)
		g.logger.Error("captcha verification failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
	return false
}

// fail はサービス層のエラーをレスポンスに変換する。
// 検証エラーは400、それ以外は詳細を伏せた500とする。
func (g *guard) fail(w http.ResponseWriter, endpoint string, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeInvalid)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationFailedError(verr.Details))
		return
	}

	g.metrics.RecordGuardOutcome(endpoint, metrics.OutcomeError)
	g.logger.Error("request processing failed",
		slog.String("endpoint", endpoint),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
