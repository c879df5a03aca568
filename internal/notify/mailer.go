// Package notify は問い合わせ・予約受付時の通知メール送信を提供する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Message は送信するメール1通分の内容。
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// sendRequest はメール送信APIのリクエストボディ。
type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// HTTPMailer はResend互換のHTTP APIでメールを送信する。
type HTTPMailer struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	apiKey     string
}

// NewHTTPMailer はHTTPMailerを生成する。
func NewHTTPMailer(httpClient *http.Client, logger *slog.Logger, endpoint, apiKey string) *HTTPMailer {
	return &HTTPMailer{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		apiKey:     apiKey,
	}
}

// Send はメールを送信する。2xx以外の応答はエラーとして返す。
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(sendRequest{
		From:    msg.From,
		To:      msg.To,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Error("mail API request failed",
			slog.String("error", err.Error()),
			slog.String("subject", msg.Subject),
		)
		return fmt.Errorf("mail API request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Error("mail API returned error status",
			slog.Int("http_status", resp.StatusCode),
			slog.String("subject", msg.Subject),
		)
		return fmt.Errorf("mail API returned status %d", resp.StatusCode)
	}

	return nil
}

// LogMailer はメールを送信せずログにだけ記録する。
// メールAPIキーが未設定の開発環境で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメールの宛先と件名をINFOログに記録する。
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("notification email not sent (mail API not configured)",
		slog.Any("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// compile-time interface check
var (
	_ Mailer = (*HTTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)
