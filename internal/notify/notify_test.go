package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/propsite/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockMailer はMailerのモック実装。
type mockMailer struct {
	sendFn func(ctx context.Context, msg Message) error
	sent   []Message
}

func (m *mockMailer) Send(ctx context.Context, msg Message) error {
	m.sent = append(m.sent, msg)
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return nil
}

// TestHTTPMailer_Send はAPIへJSONと認証ヘッダーを送信することを検証する。
func TestHTTPMailer_Send(t *testing.T) {
	var got sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-123" {
			t.Errorf("Authorization = %q", auth)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"abc"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	m := NewHTTPMailer(server.Client(), newTestLogger(&buf), server.URL, "key-123")

	err := m.Send(context.Background(), Message{
		From:    "site@example.com",
		To:      []string{"office@example.com"},
		ReplyTo: "jane@example.com",
		Subject: "hello",
		Text:    "body",
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got.From != "site@example.com" || len(got.To) != 1 || got.To[0] != "office@example.com" {
		t.Errorf("request = %+v", got)
	}
	if got.ReplyTo != "jane@example.com" || got.Subject != "hello" || got.Text != "body" {
		t.Errorf("request = %+v", got)
	}
}

// TestHTTPMailer_Send_ErrorStatus は2xx以外の応答でエラーを返すことを検証する。
func TestHTTPMailer_Send_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	var buf bytes.Buffer
	m := NewHTTPMailer(server.Client(), newTestLogger(&buf), server.URL, "key")

	if err := m.Send(context.Background(), Message{Subject: "x"}); err == nil {
		t.Fatal("expected error for 422 response")
	}
	if !strings.Contains(buf.String(), "mail API returned error status") {
		t.Errorf("expected error log, got %s", buf.String())
	}
}

// TestLogMailer_Send はログに記録するだけでエラーを返さないことを検証する。
func TestLogMailer_Send(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(newTestLogger(&buf))

	if err := m.Send(context.Background(), Message{To: []string{"a@example.com"}, Subject: "subj"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "subj") {
		t.Errorf("log does not contain subject: %s", buf.String())
	}
}

// TestNotifier_ContactReceived_EscapesHTML は本文中のHTMLがエスケープされることを検証する。
func TestNotifier_ContactReceived_EscapesHTML(t *testing.T) {
	mailer := &mockMailer{}
	n := NewNotifier(mailer, "site@example.com", "office@example.com")

	s := &model.ContactSubmission{
		ID:           "id-1",
		Name:         "Jane Doe",
		Email:        "jane@example.com",
		PropertyType: model.PropertyTypeCommercial,
		Message:      "Is the <b>lobby</b> & garage included?",
	}
	if err := n.ContactReceived(context.Background(), s); err != nil {
		t.Fatalf("ContactReceived returned error: %v", err)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if msg.ReplyTo != "jane@example.com" {
		t.Errorf("ReplyTo = %q", msg.ReplyTo)
	}
	if msg.To[0] != "office@example.com" {
		t.Errorf("To = %v", msg.To)
	}
	if !strings.Contains(msg.Subject, "Jane Doe") || !strings.Contains(msg.Subject, "commercial") {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if strings.Contains(msg.HTML, "<b>lobby</b>") {
		t.Errorf("HTML body is not escaped: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "&lt;b&gt;lobby&lt;/b&gt;") {
		t.Errorf("HTML body = %s", msg.HTML)
	}
	if !strings.Contains(msg.Text, "Is the <b>lobby</b> & garage included?") {
		t.Errorf("Text body = %s", msg.Text)
	}
}

// TestNotifier_AppointmentRequested は予約日時が件名と本文に入ることを検証する。
func TestNotifier_AppointmentRequested(t *testing.T) {
	mailer := &mockMailer{}
	n := NewNotifier(mailer, "site@example.com", "office@example.com")

	a := &model.Appointment{
		ID:            "id-2",
		Name:          "John Roe",
		Email:         "john@example.com",
		Phone:         "555-123-4567",
		PreferredDate: time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC),
		PreferredTime: "09:30",
	}
	if err := n.AppointmentRequested(context.Background(), a); err != nil {
		t.Fatalf("AppointmentRequested returned error: %v", err)
	}

	msg := mailer.sent[0]
	if !strings.Contains(msg.Subject, "2026-11-03 09:30") {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "Preferred: 2026-11-03 09:30") {
		t.Errorf("Text body = %s", msg.Text)
	}
	if strings.Contains(msg.Text, "Property:") {
		t.Errorf("empty address should be omitted: %s", msg.Text)
	}
}
