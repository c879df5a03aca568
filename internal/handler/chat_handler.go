package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/propsite/internal/chat"
	"github.com/hitoshi/propsite/internal/metrics"
	"github.com/hitoshi/propsite/internal/middleware"
	"github.com/hitoshi/propsite/internal/model"
	"github.com/hitoshi/propsite/internal/ratelimit"
	"github.com/hitoshi/propsite/internal/security"
)

// ChatCompleter はAIチャット応答の取得インターフェース。
type ChatCompleter interface {
	Complete(ctx context.Context, history []chat.Message, message string) (string, error)
}

// ReplySanitizer はAI応答を表示可能なHTMLに無害化するインターフェース。
type ReplySanitizer interface {
	Sanitize(reply string) string
}

// chatResponse はチャット応答のレスポンス。
type chatResponse struct {
	Reply    string   `json:"reply"`
	Warnings []string `json:"warnings,omitempty"`
}

// ChatHandler はAIチャットのHTTPハンドラー。
type ChatHandler struct {
	completer ChatCompleter
	sanitizer ReplySanitizer
	guard     *guard
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(
	completer ChatCompleter,
	sanitizer ReplySanitizer,
	limiter RateLimiter,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *ChatHandler {
	return &ChatHandler{
		completer: completer,
		sanitizer: sanitizer,
		guard:     newGuard(limiter, nil, m, logger),
	}
}

// Chat はユーザーのメッセージにAIの応答を返す。
// プロンプト注入の疑いが強いメッセージは上流に送らずに400で拒否する。
// POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	g := h.guard
	if !g.allow(w, r, endpointChat, ratelimit.CategoryAPI) {
		return
	}

	var req chatRequest
	if !g.decode(w, r, endpointChat, &req) {
		return
	}
	if !g.wellFormed(w, endpointChat, &req) {
		return
	}

	result := security.GuardPrompt(req.Message)
	if !result.IsSafe {
		g.metrics.RecordGuardOutcome(endpointChat, metrics.OutcomeRejected)
		g.logger.Warn("chat prompt rejected",
			slog.String("event", "prompt_rejected"),
			slog.String("client_ip", middleware.ClientIP(r)),
			slog.Any("warnings", result.Warnings),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewPromptRejectedError())
		return
	}

	history := make([]chat.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, chat.Message{Role: m.Role, Content: security.GuardPrompt(m.Content).Sanitized})
	}

	reply, err := h.completer.Complete(r.Context(), history, result.Sanitized)
	if err != nil {
		if errors.Is(err, chat.ErrUpstream) {
			g.metrics.RecordGuardOutcome(endpointChat, metrics.OutcomeError)
			g.logger.Warn("chat upstream unavailable", slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewUpstreamUnavailableError())
			return
		}
		g.fail(w, endpointChat, err)
		return
	}

	g.metrics.RecordGuardOutcome(endpointChat, metrics.OutcomeAccepted)
	middleware.WriteJSON(w, http.StatusOK, chatResponse{
		Reply:    h.sanitizer.Sanitize(reply),
		Warnings: result.Warnings,
	})
}
