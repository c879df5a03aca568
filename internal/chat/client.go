// Package chat はOpenAI互換APIを使ったAIチャット応答の取得を提供する。
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hitoshi/propsite/internal/metrics"
)

// ErrUpstream はAI APIが利用できないことを示す。
// サーキットブレーカーが開いている場合もこのエラーを返す。
var ErrUpstream = errors.New("chat upstream unavailable")

// 会話ロール
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// maxHistory はAPIへ送る過去メッセージの上限件数。
const maxHistory = 10

const maxResponseBytes = 1 << 20

// Message は会話の1メッセージ。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClientConfig はClientの設定。
type ClientConfig struct {
	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int

	// サーキットブレーカー設定
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Client はAIチャットAPIのクライアント。
// 連続失敗時はサーキットブレーカーが開き、一定時間APIを呼び出さずにErrUpstreamを返す。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	cfg        ClientConfig
	breaker    *gobreaker.CircuitBreaker[string]
}

// NewClient はClientを生成する。
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	if m == nil {
		m = metrics.Nop{}
	}

	c := &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
		cfg:        cfg,
	}

	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "chat-upstream",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return c
}

// Enabled はAPIキーが設定されているかを返す。
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

// Complete は会話履歴と新しいメッセージから応答を取得する。
// 履歴はuser/assistantロールのみを直近maxHistory件まで送信する。
// APIへの到達失敗、2xx以外の応答、空の応答、ブレーカー開放はErrUpstreamをラップして返す。
func (c *Client) Complete(ctx context.Context, history []Message, message string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("%w: api key not configured", ErrUpstream)
	}

	messages := buildMessages(c.cfg.SystemPrompt, history, message)

	reply, err := c.breaker.Execute(func() (string, error) {
		return c.call(ctx, messages)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return "", err
	}
	return reply, nil
}

func (c *Client) call(ctx context.Context, messages []Message) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordUpstreamLatency("chat", time.Since(start))
	if err != nil {
		c.logger.Error("chat API request failed",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("chat API returned error status",
			slog.Int("http_status", resp.StatusCode),
		)
		return "", fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	var result completionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%w: parse body: %v", ErrUpstream, err)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUpstream)
	}

	return result.Choices[0].Message.Content, nil
}

// buildMessages はシステムプロンプト、履歴、新しいメッセージを1つの会話にまとめる。
// 利用者から渡された履歴にsystemロールが含まれていても送信しない。
func buildMessages(systemPrompt string, history []Message, message string) []Message {
	var filtered []Message
	for _, m := range history {
		if (m.Role == RoleUser || m.Role == RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > maxHistory {
		filtered = filtered[len(filtered)-maxHistory:]
	}

	messages := make([]Message, 0, len(filtered)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, filtered...)
	messages = append(messages, Message{Role: RoleUser, Content: message})
	return messages
}
