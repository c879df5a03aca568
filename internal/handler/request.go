package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes はフォーム・チャットリクエストボディの読み取り上限。
const maxBodyBytes = 64 * 1024

// contactRequest はお問い合わせフォームのリクエストボディ。
// 形式のみを検証し、内容の検証はサニタイズ後にサービス層で行う。
type contactRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	Email          string `json:"email" validate:"required,max=320"`
	Phone          string `json:"phone" validate:"max=50"`
	PropertyType   string `json:"property_type" validate:"required,max=50"`
	Message        string `json:"message" validate:"required,max=4000"`
	Honeypot       string `json:"honeypot"`
	RecaptchaToken string `json:"recaptchaToken" validate:"max=4096"`
}

// appointmentRequest は予約フォームのリクエストボディ。
type appointmentRequest struct {
	Name            string `json:"name" validate:"required,max=200"`
	Email           string `json:"email" validate:"required,max=320"`
	Phone           string `json:"phone" validate:"required,max=50"`
	PropertyAddress string `json:"property_address" validate:"max=400"`
	PreferredDate   string `json:"preferred_date" validate:"required,max=20"`
	PreferredTime   string `json:"preferred_time" validate:"required,max=10"`
	Message         string `json:"message" validate:"max=4000"`
	Honeypot        string `json:"honeypot"`
	RecaptchaToken  string `json:"recaptchaToken" validate:"max=4096"`
}

// chatRequest はチャットのリクエストボディ。
type chatRequest struct {
	Message string               `json:"message" validate:"required,max=4000"`
	History []chatHistoryMessage `json:"history" validate:"max=50,dive"`
}

type chatHistoryMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"max=4000"`
}

// newValidator はJSONタグ名でエラーを報告するvalidatorを生成する。
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON はボディを上限付きで読み取り、dstにデコードする。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

// shapeErrors はvalidatorのエラーを利用者向けの理由一覧に変換する。
func shapeErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{"request body is invalid"}
	}

	details := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		if ns := e.Namespace(); strings.Contains(ns, "[") {
			// history[2].role のように位置を含める
			_, field, _ = strings.Cut(ns, ".")
		}
		switch e.Tag() {
		case "required":
			details = append(details, field+": is required")
		case "max":
			details = append(details, field+": is too long")
		case "oneof":
			details = append(details, field+": must be one of "+strings.ReplaceAll(e.Param(), " ", ", "))
		default:
			details = append(details, field+": is invalid")
		}
	}
	return details
}
