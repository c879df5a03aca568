package inquiry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/propsite/internal/model"
)

// mockContactRepo はContactRepositoryのモック実装。
type mockContactRepo struct {
	createFn func(ctx context.Context, s *model.ContactSubmission) error
	created  []*model.ContactSubmission
}

func (m *mockContactRepo) Create(ctx context.Context, s *model.ContactSubmission) error {
	m.created = append(m.created, s)
	if m.createFn != nil {
		return m.createFn(ctx, s)
	}
	return nil
}

// mockAppointmentRepo はAppointmentRepositoryのモック実装。
type mockAppointmentRepo struct {
	createFn func(ctx context.Context, a *model.Appointment) error
	created  []*model.Appointment
}

func (m *mockAppointmentRepo) Create(ctx context.Context, a *model.Appointment) error {
	m.created = append(m.created, a)
	if m.createFn != nil {
		return m.createFn(ctx, a)
	}
	return nil
}

// mockNotifier はNotifierのモック実装。
type mockNotifier struct {
	contactFn     func(ctx context.Context, s *model.ContactSubmission) error
	appointmentFn func(ctx context.Context, a *model.Appointment) error
	contacts      int
	appointments  int
}

func (m *mockNotifier) ContactReceived(ctx context.Context, s *model.ContactSubmission) error {
	m.contacts++
	if m.contactFn != nil {
		return m.contactFn(ctx, s)
	}
	return nil
}

func (m *mockNotifier) AppointmentRequested(ctx context.Context, a *model.Appointment) error {
	m.appointments++
	if m.appointmentFn != nil {
		return m.appointmentFn(ctx, a)
	}
	return nil
}

type fixture struct {
	svc          *Service
	contacts     *mockContactRepo
	appointments *mockAppointmentRepo
	notifier     *mockNotifier
	logs         *bytes.Buffer
}

func newFixture() *fixture {
	f := &fixture{
		contacts:     &mockContactRepo{},
		appointments: &mockAppointmentRepo{},
		notifier:     &mockNotifier{},
		logs:         &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, nil))
	f.svc = NewService(f.contacts, f.appointments, f.notifier, logger)
	f.svc.now = func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
	return f
}

func validContact() ContactInput {
	return ContactInput{
		Name:         "Jane Doe",
		Email:        "jane@example.com",
		Phone:        "(555) 123-4567",
		PropertyType: "residential",
		Message:      "I need help managing my rental house.",
		ClientIP:     "203.0.113.10",
	}
}

func validAppointment() AppointmentInput {
	return AppointmentInput{
		Name:          "John Roe",
		Email:         "john@example.com",
		Phone:         "555-123-4567",
		PreferredDate: "2026-10-20",
		PreferredTime: "14:30",
		ClientIP:      "203.0.113.11",
	}
}

// TestSubmitContact_Valid_SavesAndNotifies は正常な入力が保存・通知されることを検証する。
func TestSubmitContact_Valid_SavesAndNotifies(t *testing.T) {
	f := newFixture()

	sub, err := f.svc.SubmitContact(context.Background(), validContact())
	if err != nil {
		t.Fatalf("SubmitContact returned error: %v", err)
	}

	if sub.ID == "" {
		t.Error("ID is empty")
	}
	if sub.Status != "new" {
		t.Errorf("Status = %q, want new", sub.Status)
	}
	if len(f.contacts.created) != 1 {
		t.Errorf("created = %d, want 1", len(f.contacts.created))
	}
	if f.notifier.contacts != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.contacts)
	}
	if sub.ClientIP != "203.0.113.10" {
		t.Errorf("ClientIP = %q", sub.ClientIP)
	}
}

// TestSubmitContact_SanitizesBeforeSaving はサニタイズ後の値が保存されることを検証する。
func TestSubmitContact_SanitizesBeforeSaving(t *testing.T) {
	f := newFixture()
	in := validContact()
	in.Name = "  Jane Doe  "
	in.Message = `Hello there; I own a "duplex" downtown.`

	sub, err := f.svc.SubmitContact(context.Background(), in)
	if err != nil {
		t.Fatalf("SubmitContact returned error: %v", err)
	}
	if sub.Name != "Jane Doe" {
		t.Errorf("Name = %q", sub.Name)
	}
	if sub.Message != "Hello there I own a duplex downtown." {
		t.Errorf("Message not sanitized: %q", sub.Message)
	}
}

// TestSubmitContact_RejectsMarkupInRawInput はマークアップを含む入力を
// サニタイズで書き換えずに検証エラーとして拒否することを検証する。
func TestSubmitContact_RejectsMarkupInRawInput(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ContactInput)
		field  string
	}{
		{name: "氏名のタグ", modify: func(in *ContactInput) { in.Name = "<b>Jane</b> Doe" }, field: "name"},
		{name: "メールの山括弧", modify: func(in *ContactInput) { in.Email = "<jane@example.com>" }, field: "email"},
		{name: "電話番号のタグ", modify: func(in *ContactInput) { in.Phone = "<i>5551234567</i>" }, field: "phone"},
		{name: "本文のタグ", modify: func(in *ContactInput) { in.Message = "Hello <b>there</b>, I own a duplex downtown." }, field: "message"},
		{name: "本文のスキーム", modify: func(in *ContactInput) { in.Message = "Please visit javascript:alert(1) for details" }, field: "message"},
		{name: "本文のイベントハンドラー", modify: func(in *ContactInput) { in.Message = "Nice photo onerror=alert(1) thanks" }, field: "message"},
		{name: "物件種別のタグ", modify: func(in *ContactInput) { in.PropertyType = "<i>residential</i>" }, field: "property_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := validContact()
			tt.modify(&in)

			_, err := f.svc.SubmitContact(context.Background(), in)

			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *model.ValidationError", err)
			}
			if len(ve.Details) != 1 || !strings.HasPrefix(ve.Details[0], tt.field+":") {
				t.Errorf("details = %v, want one %s error", ve.Details, tt.field)
			}
			if len(f.contacts.created) != 0 {
				t.Error("submission saved for markup input")
			}
		})
	}
}

// TestSubmitContact_Invalid_ReturnsAllReasons は不正なフィールドの理由をすべて返し、副作用がないことを検証する。
func TestSubmitContact_Invalid_ReturnsAllReasons(t *testing.T) {
	f := newFixture()
	in := validContact()
	in.Email = "a@b..com"
	in.PropertyType = "castle"
	in.Message = "too short"

	_, err := f.svc.SubmitContact(context.Background(), in)

	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *model.ValidationError", err)
	}
	if len(ve.Details) != 3 {
		t.Errorf("details = %v, want 3 entries", ve.Details)
	}
	for _, field := range []string{"email", "property_type", "message"} {
		found := false
		for _, d := range ve.Details {
			if strings.HasPrefix(d, field+":") {
				found = true
			}
		}
		if !found {
			t.Errorf("details %v missing %s", ve.Details, field)
		}
	}
	if len(f.contacts.created) != 0 || f.notifier.contacts != 0 {
		t.Error("side effects executed for invalid input")
	}
}

// TestSubmitContact_OptionalPhone は電話番号が任意であることを検証する。
func TestSubmitContact_OptionalPhone(t *testing.T) {
	f := newFixture()
	in := validContact()
	in.Phone = ""

	if _, err := f.svc.SubmitContact(context.Background(), in); err != nil {
		t.Fatalf("SubmitContact returned error: %v", err)
	}
}

// TestSubmitContact_StorageError は保存失敗時に通知しないことを検証する。
func TestSubmitContact_StorageError(t *testing.T) {
	f := newFixture()
	f.contacts.createFn = func(context.Context, *model.ContactSubmission) error {
		return errors.New("disk full")
	}

	_, err := f.svc.SubmitContact(context.Background(), validContact())
	if err == nil {
		t.Fatal("expected error")
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		t.Error("storage error should not be a ValidationError")
	}
	if f.notifier.contacts != 0 {
		t.Error("notification sent after storage failure")
	}
}

// TestSubmitContact_NotificationError は通知失敗をログに残し、保存済みの受付を成功として返すことを検証する。
func TestSubmitContact_NotificationError(t *testing.T) {
	f := newFixture()
	f.notifier.contactFn = func(context.Context, *model.ContactSubmission) error {
		return errors.New("mail API down")
	}

	sub, err := f.svc.SubmitContact(context.Background(), validContact())
	if err != nil {
		t.Fatalf("SubmitContact returned error: %v", err)
	}
	if sub == nil || sub.ID == "" {
		t.Fatal("saved submission should be returned")
	}
	if len(f.contacts.created) != 1 {
		t.Error("submission should stay saved")
	}
	if !strings.Contains(f.logs.String(), "failed to send contact notification") {
		t.Errorf("expected error log, got %s", f.logs.String())
	}
}

// TestSubmitAppointment_Valid は正常な予約が保存・通知されることを検証する。
func TestSubmitAppointment_Valid(t *testing.T) {
	f := newFixture()

	a, err := f.svc.SubmitAppointment(context.Background(), validAppointment())
	if err != nil {
		t.Fatalf("SubmitAppointment returned error: %v", err)
	}
	if a.Status != model.AppointmentStatusPending {
		t.Errorf("Status = %q", a.Status)
	}
	if got := a.PreferredDate.Format("2006-01-02"); got != "2026-10-20" {
		t.Errorf("PreferredDate = %s", got)
	}
	if len(f.appointments.created) != 1 || f.notifier.appointments != 1 {
		t.Error("appointment not saved or notified")
	}
}

func TestSubmitAppointment_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*AppointmentInput)
		field  string
	}{
		{name: "過去の日付", modify: func(in *AppointmentInput) { in.PreferredDate = "2026-10-14" }, field: "preferred_date"},
		{name: "日付形式不正", modify: func(in *AppointmentInput) { in.PreferredDate = "10/20/2026" }, field: "preferred_date"},
		{name: "時刻形式不正", modify: func(in *AppointmentInput) { in.PreferredTime = "2pm" }, field: "preferred_time"},
		{name: "1桁の時", modify: func(in *AppointmentInput) { in.PreferredTime = "9:30" }, field: "preferred_time"},
		{name: "電話番号なし", modify: func(in *AppointmentInput) { in.Phone = "" }, field: "phone"},
		{name: "短いメッセージ", modify: func(in *AppointmentInput) { in.Message = "hi" }, field: "message"},
		{name: "長すぎる住所", modify: func(in *AppointmentInput) { in.PropertyAddress = strings.Repeat("a", 201) }, field: "property_address"},
		{name: "住所のタグ", modify: func(in *AppointmentInput) { in.PropertyAddress = "<b>12 Elm Street</b>" }, field: "property_address"},
		{name: "本文のタグ", modify: func(in *AppointmentInput) { in.Message = "<i>Please call me in the morning</i>" }, field: "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := validAppointment()
			tt.modify(&in)

			_, err := f.svc.SubmitAppointment(context.Background(), in)

			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *model.ValidationError", err)
			}
			if len(ve.Details) != 1 || !strings.HasPrefix(ve.Details[0], tt.field+":") {
				t.Errorf("details = %v, want one %s error", ve.Details, tt.field)
			}
			if len(f.appointments.created) != 0 {
				t.Error("appointment saved for invalid input")
			}
		})
	}
}

func TestSubmitAppointment_NotificationError(t *testing.T) {
	f := newFixture()
	f.notifier.appointmentFn = func(context.Context, *model.Appointment) error {
		return errors.New("mail API down")
	}

	if _, err := f.svc.SubmitAppointment(context.Background(), validAppointment()); err != nil {
		t.Fatalf("SubmitAppointment returned error: %v", err)
	}
	if len(f.appointments.created) != 1 {
		t.Errorf("appointments saved = %d, want 1", len(f.appointments.created))
	}
	if !strings.Contains(f.logs.String(), "failed to send appointment notification") {
		t.Errorf("expected error log, got %s", f.logs.String())
	}
}

// TestSubmitAppointment_TodayIsAllowed は当日の予約を受け付けることを検証する。
func TestSubmitAppointment_TodayIsAllowed(t *testing.T) {
	f := newFixture()
	in := validAppointment()
	in.PreferredDate = "2026-10-15"

	if _, err := f.svc.SubmitAppointment(context.Background(), in); err != nil {
		t.Fatalf("SubmitAppointment returned error: %v", err)
	}
}
