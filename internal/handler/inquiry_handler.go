package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/propsite/internal/inquiry"
	"github.com/hitoshi/propsite/internal/metrics"
	"github.com/hitoshi/propsite/internal/middleware"
	"github.com/hitoshi/propsite/internal/model"
	"github.com/hitoshi/propsite/internal/ratelimit"
)

// InquiryServiceInterface は問い合わせハンドラーが必要とするサービスインターフェース。
type InquiryServiceInterface interface {
	SubmitContact(ctx context.Context, in inquiry.ContactInput) (*model.ContactSubmission, error)
	SubmitAppointment(ctx context.Context, in inquiry.AppointmentInput) (*model.Appointment, error)
}

// エンドポイント名（メトリクスラベル）
const (
	endpointContact     = "contact"
	endpointAppointment = "appointment"
	endpointChat        = "chat"
)

// InquiryHandler はお問い合わせと予約フォームのHTTPハンドラー。
type InquiryHandler struct {
	service InquiryServiceInterface
	guard   *guard
}

// NewInquiryHandler はInquiryHandlerを生成する。
func NewInquiryHandler(
	service InquiryServiceInterface,
	limiter RateLimiter,
	verifier CaptchaVerifier,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *InquiryHandler {
	return &InquiryHandler{
		service: service,
		guard:   newGuard(limiter, verifier, m, logger),
	}
}

// Contact はお問い合わせを受け付ける。
// POST /api/contact
func (h *InquiryHandler) Contact(w http.ResponseWriter, r *http.Request) {
	g := h.guard
	if !g.allow(w, r, endpointContact, ratelimit.CategoryContact) {
		return
	}

	var req contactRequest
	if !g.decode(w, r, endpointContact, &req) {
		return
	}
	if g.trapped(w, r, endpointContact, req.Honeypot) {
		return
	}
	if !g.wellFormed(w, endpointContact, &req) {
		return
	}
	if !g.human(w, r, endpointContact, req.RecaptchaToken) {
		return
	}

	_, err := h.service.SubmitContact(r.Context(), inquiry.ContactInput{
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		PropertyType: req.PropertyType,
		Message:      req.Message,
		ClientIP:     middleware.ClientIP(r),
	})
	if err != nil {
		g.fail(w, endpointContact, err)
		return
	}

	g.metrics.RecordGuardOutcome(endpointContact, metrics.OutcomeAccepted)
	middleware.WriteJSON(w, http.StatusOK, successResponse{Success: true})
}

// Appointment は内見・相談の予約リクエストを受け付ける。
// POST /api/appointments
func (h *InquiryHandler) Appointment(w http.ResponseWriter, r *http.Request) {
	g := h.guard
	if !g.allow(w, r, endpointAppointment, ratelimit.CategoryAppointment) {
		return
	}

	var req appointmentRequest
	if !g.decode(w, r, endpointAppointment, &req) {
		return
	}
	if g.trapped(w, r, endpointAppointment, req.Honeypot) {
		return
	}
	if !g.wellFormed(w, endpointAppointment, &req) {
		return
	}
	if !g.human(w, r, endpointAppointment, req.RecaptchaToken) {
		return
	}

	_, err := h.service.SubmitAppointment(r.Context(), inquiry.AppointmentInput{
		Name:            req.Name,
		Email:           req.Email,
		Phone:           req.Phone,
		PropertyAddress: req.PropertyAddress,
		PreferredDate:   req.PreferredDate,
		PreferredTime:   req.PreferredTime,
		Message:         req.Message,
		ClientIP:        middleware.ClientIP(r),
	})
	if err != nil {
		g.fail(w, endpointAppointment, err)
		return
	}

	g.metrics.RecordGuardOutcome(endpointAppointment, metrics.OutcomeAccepted)
	middleware.WriteJSON(w, http.StatusOK, successResponse{Success: true})
}
