// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// 内部エラーの詳細は含めず、利用者に表示してよい情報のみを保持する。
type APIError struct {
	Code     string   // エラーコード
	Message  string   // エラーメッセージ
	Category string   // カテゴリ: validation, abuse, system
	Details  []string // フィールド単位の拒否理由（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeCaptchaFailed       = "CAPTCHA_FAILED"
	ErrCodePromptRejected      = "PROMPT_REJECTED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeOffline             = "OFFLINE"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// ValidationError はフィールド検証の失敗を表す。
// Detailsには利用者向けの拒否理由がフィールドごとに入る。
type ValidationError struct {
	Details []string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(details ...string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "Invalid request body.",
		Category: "validation",
		Details:  details,
	}
}

// NewValidationFailedError は入力値検証エラーを生成する。
func NewValidationFailedError(details []string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  "Some fields are invalid. Please check your input and try again.",
		Category: "validation",
		Details:  details,
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "abuse",
	}
}

// NewCaptchaFailedError はCAPTCHA検証失敗エラーを生成する。
func NewCaptchaFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCaptchaFailed,
		Message:  "Verification failed. Please reload the page and try again.",
		Category: "abuse",
	}
}

// NewPromptRejectedError はチャットメッセージ拒否エラーを生成する。
func NewPromptRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodePromptRejected,
		Message:  "Your message could not be processed. Please rephrase it and try again.",
		Category: "validation",
	}
}

// NewUpstreamUnavailableError は外部サービス利用不可エラーを生成する。
func NewUpstreamUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  "The assistant is temporarily unavailable. Please try again later.",
		Category: "system",
	}
}

// NewOfflineError はオリジンに到達できずキャッシュもない場合のエラーを生成する。
func NewOfflineError() *APIError {
	return &APIError{
		Code:     ErrCodeOffline,
		Message:  "You appear to be offline and this page is not available offline.",
		Category: "system",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Something went wrong. Please try again later.",
		Category: "system",
	}
}
