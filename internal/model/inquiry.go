package model

import "time"

// 物件種別
const (
	PropertyTypeResidential = "residential"
	PropertyTypeCommercial  = "commercial"
	PropertyTypeMultiFamily = "multi-family"
	PropertyTypeHOA         = "hoa"
	PropertyTypeOther       = "other"
)

// PropertyTypes は問い合わせで受け付ける物件種別の一覧。
var PropertyTypes = []string{
	PropertyTypeResidential,
	PropertyTypeCommercial,
	PropertyTypeMultiFamily,
	PropertyTypeHOA,
	PropertyTypeOther,
}

// ContactSubmission はお問い合わせフォームの送信内容を表す。
// 保存前にすべての文字列フィールドはサニタイズ済みである。
type ContactSubmission struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	PropertyType string
	Message      string
	ClientIP     string
	Status       string
	CreatedAt    time.Time
}

// 予約ステータス
const (
	AppointmentStatusPending   = "pending"
	AppointmentStatusConfirmed = "confirmed"
	AppointmentStatusCancelled = "cancelled"
)

// Appointment は内見・相談の予約リクエストを表す。
type Appointment struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	PropertyAddress string
	PreferredDate   time.Time // 日付部分のみ使用
	PreferredTime   string    // HH:MM
	Message         string
	ClientIP        string
	Status          string
	CreatedAt       time.Time
}
