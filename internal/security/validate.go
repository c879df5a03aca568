package security

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// FieldError は入力フィールドの検証失敗を表す。
// Reasonは利用者にそのまま表示できる文言。
type FieldError struct {
	Field  string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

var (
	namePattern  = regexp.MustCompile(`^[a-zA-Z\s\-.']+$`)
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phonePattern = regexp.MustCompile(`^[\d\s\-+().]+$`)

	suspiciousMessagePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)data:`),
		regexp.MustCompile(`(?i)vbscript:`),
		regexp.MustCompile(`(?i)on\w+\s*=`),
		regexp.MustCompile(`(?i)expression\s*\(`),
		regexp.MustCompile(`(?i)eval\s*\(`),
		regexp.MustCompile(`(?i)document\.(write|cookie)`),
	}
)

// 各フィールドの長さ制約
const (
	nameMinLen    = 2
	nameMaxLen    = 100
	emailMinLen   = 5
	emailMaxLen   = 254
	phoneMaxLen   = 20
	phoneMinDigit = 10
	phoneMaxDigit = 15
	messageMinLen = 10
	messageMaxLen = 2000

	maxRepeatedNameChars = 4
	maxMessageAngles     = 5
)

// containsMarkup は全フィールド共通の拒否条件を判定する。
func containsMarkup(v string) bool {
	if strings.ContainsAny(v, "<>") {
		return true
	}
	lower := strings.ToLower(v)
	return strings.Contains(lower, "script") ||
		strings.Contains(lower, "javascript:") ||
		strings.Contains(lower, "data:")
}

// CheckPlainText は専用の検証規則がない自由入力欄に共通の拒否条件を適用する。
func CheckPlainText(field, v string) error {
	if containsMarkup(v) {
		return &FieldError{Field: field, Reason: "contains disallowed characters"}
	}
	return nil
}

// longestRun は同一文字の最長連続数を返す。
func longestRun(v string) int {
	longest, run := 0, 0
	var prev rune = -1
	for _, r := range v {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// CheckName は氏名を検証する。
func CheckName(name string) error {
	if containsMarkup(name) {
		return &FieldError{Field: "name", Reason: "contains disallowed characters"}
	}
	n := utf8.RuneCountInString(name)
	if n < nameMinLen || n > nameMaxLen {
		return &FieldError{Field: "name", Reason: "must be between 2 and 100 characters"}
	}
	if !namePattern.MatchString(name) {
		return &FieldError{Field: "name", Reason: "may only contain letters, spaces, hyphens, periods and apostrophes"}
	}
	if longestRun(name) > maxRepeatedNameChars {
		return &FieldError{Field: "name", Reason: "contains too many repeated characters"}
	}
	return nil
}

// CheckEmail はメールアドレスを検証する。連続したドットは拒否する。
func CheckEmail(email string) error {
	if containsMarkup(email) {
		return &FieldError{Field: "email", Reason: "contains disallowed characters"}
	}
	if len(email) < emailMinLen || len(email) > emailMaxLen {
		return &FieldError{Field: "email", Reason: "must be between 5 and 254 characters"}
	}
	if strings.Contains(email, "..") || !emailPattern.MatchString(email) {
		return &FieldError{Field: "email", Reason: "is not a valid email address"}
	}
	return nil
}

// CheckPhone は電話番号を検証する。区切り文字を除いた数字が10〜15桁である必要がある。
func CheckPhone(phone string) error {
	if containsMarkup(phone) {
		return &FieldError{Field: "phone", Reason: "contains disallowed characters"}
	}
	if len(phone) > phoneMaxLen || !phonePattern.MatchString(phone) {
		return &FieldError{Field: "phone", Reason: "is not a valid phone number"}
	}
	digits := 0
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < phoneMinDigit || digits > phoneMaxDigit {
		return &FieldError{Field: "phone", Reason: "must contain 10 to 15 digits"}
	}
	return nil
}

// CheckMessage は本文を検証する。
func CheckMessage(message string) error {
	if containsMarkup(message) {
		return &FieldError{Field: "message", Reason: "contains disallowed characters"}
	}
	n := utf8.RuneCountInString(message)
	if n < messageMinLen || n > messageMaxLen {
		return &FieldError{Field: "message", Reason: "must be between 10 and 2000 characters"}
	}
	for _, p := range suspiciousMessagePatterns {
		if p.MatchString(message) {
			return &FieldError{Field: "message", Reason: "contains disallowed content"}
		}
	}
	if strings.Count(message, "<") > maxMessageAngles {
		return &FieldError{Field: "message", Reason: "contains disallowed content"}
	}
	return nil
}

// ValidateName は氏名が妥当ならtrueを返す。
func ValidateName(name string) bool { return CheckName(name) == nil }

// ValidateEmail はメールアドレスが妥当ならtrueを返す。
func ValidateEmail(email string) bool { return CheckEmail(email) == nil }

// ValidatePhone は電話番号が妥当ならtrueを返す。
func ValidatePhone(phone string) bool { return CheckPhone(phone) == nil }

// ValidateMessage は本文が妥当ならtrueを返す。
func ValidateMessage(message string) bool { return CheckMessage(message) == nil }
