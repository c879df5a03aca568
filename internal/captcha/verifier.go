// Package captcha はreCAPTCHA v3トークンの検証を提供する。
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// defaultEndpoint はreCAPTCHAのトークン検証API。
const defaultEndpoint = "https://www.google.com/recaptcha/api/siteverify"

// maxResponseBytes は検証APIレスポンスの読み取り上限。
const maxResponseBytes = 64 * 1024

// ErrRejected はトークンが無効、またはスコアが閾値未満であることを示す。
var ErrRejected = errors.New("captcha verification rejected")

// verifyResponse は検証APIのレスポンス。
// v2のレスポンスにはscoreが含まれないため、ポインタで有無を区別する。
type verifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score"`
	Action     string   `json:"action"`
	ErrorCodes []string `json:"error-codes"`
}

// Verifier はreCAPTCHAトークンを検証する。
// シークレットが未設定の場合は検証を行わない。
type Verifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	secret     string
	minScore   float64
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewVerifier はVerifierを生成する。
func NewVerifier(httpClient *http.Client, logger *slog.Logger, secret string, minScore float64) *Verifier {
	return &Verifier{
		httpClient: httpClient,
		logger:     logger,
		secret:     secret,
		minScore:   minScore,
		endpoint:   defaultEndpoint,
	}
}

// Enabled は検証が有効かどうかを返す。
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify はtokenを検証する。
// 無効化されている場合は常にnilを返す。
// トークン未指定、検証失敗、スコア不足はErrRejectedをラップして返し、
// 検証APIへの到達失敗はそれ以外のエラーとして返す。
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	if !v.Enabled() {
		return nil
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrRejected)
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Error("captcha verification request failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("captcha verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Error("captcha verification returned error status",
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("captcha verification returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read captcha response: %w", err)
	}

	var result verifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse captcha response: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("%w: %s", ErrRejected, strings.Join(result.ErrorCodes, ","))
	}
	if result.Score != nil && *result.Score < v.minScore {
		return fmt.Errorf("%w: score %.2f below %.2f", ErrRejected, *result.Score, v.minScore)
	}

	return nil
}
