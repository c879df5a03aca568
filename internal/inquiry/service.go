// Package inquiry はお問い合わせと予約リクエストの受付処理を提供する。
//
// 受付は「フィールド検証 → サニタイズ → 保存 → 通知」の順で行う。
// 検証は受け取ったままの値に対して行い、マークアップを含む入力は書き換えずに拒否する。
// レート制限、ハニーポット、CAPTCHAの判定はハンドラー層で済ませてから呼び出す。
package inquiry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/propsite/internal/model"
	"github.com/hitoshi/propsite/internal/repository"
	"github.com/hitoshi/propsite/internal/security"
)

// Notifier は受付内容の通知インターフェース。
type Notifier interface {
	ContactReceived(ctx context.Context, s *model.ContactSubmission) error
	AppointmentRequested(ctx context.Context, a *model.Appointment) error
}

// ContactInput はお問い合わせフォームの入力値。
type ContactInput struct {
	Name         string
	Email        string
	Phone        string
	PropertyType string
	Message      string
	ClientIP     string
}

// AppointmentInput は予約フォームの入力値。
type AppointmentInput struct {
	Name            string
	Email           string
	Phone           string
	PropertyAddress string
	PreferredDate   string // YYYY-MM-DD
	PreferredTime   string // HH:MM
	Message         string
	ClientIP        string
}

const maxAddressLen = 200

// Service は受付処理のサービス。
type Service struct {
	contacts     repository.ContactRepository
	appointments repository.AppointmentRepository
	notifier     Notifier
	logger       *slog.Logger
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	contacts repository.ContactRepository,
	appointments repository.AppointmentRepository,
	notifier Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		contacts:     contacts,
		appointments: appointments,
		notifier:     notifier,
		logger:       logger,
		now:          time.Now,
	}
}

// SubmitContact はお問い合わせを検証して保存し、担当者へ通知する。
// 検証に失敗した場合は*model.ValidationErrorを返す。
// 通知の失敗はログに残すだけで、保存済みの受付は成功として返す。
func (s *Service) SubmitContact(ctx context.Context, in ContactInput) (*model.ContactSubmission, error) {
	v := &fieldChecker{}
	sub := &model.ContactSubmission{
		Name:         v.check(security.CheckName, in.Name),
		Email:        v.check(security.CheckEmail, in.Email),
		PropertyType: security.SanitizeInput(in.PropertyType),
		ClientIP:     in.ClientIP,
	}
	if strings.TrimSpace(in.Phone) != "" {
		sub.Phone = v.check(security.CheckPhone, in.Phone)
	}
	if !slices.Contains(model.PropertyTypes, sub.PropertyType) || strings.TrimSpace(in.PropertyType) != sub.PropertyType {
		v.add(&security.FieldError{Field: "property_type", Reason: "is not a supported property type"})
	}
	sub.Message = v.check(security.CheckMessage, in.Message)
	if err := v.err(); err != nil {
		return nil, err
	}

	sub.ID = uuid.NewString()
	sub.Status = "new"
	sub.CreatedAt = s.now().UTC()

	if err := s.contacts.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save contact submission: %w", err)
	}

	if err := s.notifier.ContactReceived(ctx, sub); err != nil {
		s.logger.Error("failed to send contact notification",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("contact submission accepted",
		slog.String("submission_id", sub.ID),
		slog.String("property_type", sub.PropertyType),
	)
	return sub, nil
}

// SubmitAppointment は予約リクエストを検証して保存し、担当者へ通知する。
// 希望日は当日以降である必要がある。通知の失敗は SubmitContact と同じく成功として扱う。
func (s *Service) SubmitAppointment(ctx context.Context, in AppointmentInput) (*model.Appointment, error) {
	v := &fieldChecker{}
	a := &model.Appointment{
		Name:            v.check(security.CheckName, in.Name),
		Email:           v.check(security.CheckEmail, in.Email),
		Phone:           v.check(security.CheckPhone, in.Phone),
		PropertyAddress: v.check(checkAddress, in.PropertyAddress),
		PreferredTime:   strings.TrimSpace(in.PreferredTime),
		ClientIP:        in.ClientIP,
	}
	now := s.now().UTC()

	date, err := time.Parse("2006-01-02", strings.TrimSpace(in.PreferredDate))
	switch {
	case err != nil:
		v.add(&security.FieldError{Field: "preferred_date", Reason: "must be a date in YYYY-MM-DD format"})
	case date.Before(now.Truncate(24 * time.Hour)):
		v.add(&security.FieldError{Field: "preferred_date", Reason: "must not be in the past"})
	default:
		a.PreferredDate = date
	}

	if _, err := time.Parse("15:04", a.PreferredTime); err != nil || len(a.PreferredTime) != 5 {
		v.add(&security.FieldError{Field: "preferred_time", Reason: "must be a time in HH:MM format"})
	}
	if strings.TrimSpace(in.Message) != "" {
		a.Message = v.check(security.CheckMessage, in.Message)
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	a.ID = uuid.NewString()
	a.Status = model.AppointmentStatusPending
	a.CreatedAt = now

	if err := s.appointments.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save appointment: %w", err)
	}

	if err := s.notifier.AppointmentRequested(ctx, a); err != nil {
		s.logger.Error("failed to send appointment notification",
			slog.String("appointment_id", a.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("appointment request accepted",
		slog.String("appointment_id", a.ID),
		slog.String("preferred_date", a.PreferredDate.Format("2006-01-02")),
	)
	return a, nil
}

// checkAddress は住所の長さとマークアップの有無を検証する。住所は任意項目。
func checkAddress(address string) error {
	if err := security.CheckPlainText("property_address", address); err != nil {
		return err
	}
	if len([]rune(address)) > maxAddressLen {
		return &security.FieldError{Field: "property_address", Reason: "must be at most 200 characters"}
	}
	return nil
}

// fieldChecker はフィールドごとの検証失敗を集める。
type fieldChecker struct {
	errs []error
}

func (c *fieldChecker) add(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

// check は受け取ったままの値を検証し、通過した場合はサニタイズ後の値も検証する。
// 戻り値はサニタイズ後の値。
func (c *fieldChecker) check(fn func(string) error, raw string) string {
	if err := fn(strings.TrimSpace(raw)); err != nil {
		c.add(err)
		return ""
	}
	clean := security.SanitizeInput(raw)
	c.add(fn(clean))
	return clean
}

func (c *fieldChecker) err() error {
	return toValidationError(c.errs)
}

// toValidationError はnilでないエラーの理由をまとめてValidationErrorにする。
func toValidationError(errs []error) error {
	var details []string
	for _, err := range errs {
		if err != nil {
			details = append(details, err.Error())
		}
	}
	if len(details) == 0 {
		return nil
	}
	return &model.ValidationError{Details: details}
}
