package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアドライバ
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// Rate Limit（永続ログによるスライディングウィンドウ）
	RateLimitContactMax        int
	RateLimitContactWindow     time.Duration
	RateLimitAppointmentMax    int
	RateLimitAppointmentWindow time.Duration
	RateLimitAPIMax            int
	RateLimitAPIWindow         time.Duration

	// Rate Limit（プロセス内のIP単位バースト制限）
	BurstRatePerMinute int
	BurstSize          int

	// reCAPTCHA
	RecaptchaSecret   string
	RecaptchaMinScore float64

	// Mail
	MailAPIURL   string
	MailAPIKey   string
	MailFrom     string
	MailNotifyTo string
	MailTimeout  time.Duration

	// AI Chat
	ChatAPIURL       string
	ChatAPIKey       string
	ChatModel        string
	ChatSystemPrompt string
	ChatTimeout      time.Duration

	// Logging
	RateLimitLogRetention time.Duration

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigins []string

	// X-Forwarded-For を信頼するリバースプロキシ（空なら接続元のIPのみを使う）
	TrustedProxies []netip.Prefix
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreDriverSQLite:
		cfg.SQLitePath = getEnvString("SQLITE_PATH", "./data/propsite.db")
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q (allowed: %s, %s)",
			cfg.StoreDriver, StoreDriverPostgres, StoreDriverSQLite)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RateLimitContactMax = getEnvInt("RATE_LIMIT_CONTACT_MAX", 3)
	cfg.RateLimitContactWindow = getEnvDuration("RATE_LIMIT_CONTACT_WINDOW", 15*time.Minute)
	cfg.RateLimitAppointmentMax = getEnvInt("RATE_LIMIT_APPOINTMENT_MAX", 5)
	cfg.RateLimitAppointmentWindow = getEnvDuration("RATE_LIMIT_APPOINTMENT_WINDOW", 30*time.Minute)
	cfg.RateLimitAPIMax = getEnvInt("RATE_LIMIT_API_MAX", 100)
	cfg.RateLimitAPIWindow = getEnvDuration("RATE_LIMIT_API_WINDOW", time.Hour)
	cfg.BurstRatePerMinute = getEnvInt("BURST_RATE_PER_MINUTE", 60)
	cfg.BurstSize = getEnvInt("BURST_SIZE", 20)
	cfg.RecaptchaSecret = getEnvString("RECAPTCHA_SECRET", "")
	cfg.RecaptchaMinScore = getEnvFloat("RECAPTCHA_MIN_SCORE", 0.5)
	cfg.MailAPIURL = getEnvString("MAIL_API_URL", "https://api.resend.com/emails")
	cfg.MailAPIKey = getEnvString("MAIL_API_KEY", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "no-reply@localhost")
	cfg.MailNotifyTo = getEnvString("MAIL_NOTIFY_TO", "")
	cfg.MailTimeout = getEnvDuration("MAIL_TIMEOUT", 10*time.Second)
	cfg.ChatAPIURL = getEnvString("CHAT_API_URL", "https://api.openai.com/v1/chat/completions")
	cfg.ChatAPIKey = getEnvString("CHAT_API_KEY", "")
	cfg.ChatModel = getEnvString("CHAT_MODEL", "gpt-4o-mini")
	cfg.ChatSystemPrompt = getEnvString("CHAT_SYSTEM_PROMPT", "You are a helpful assistant for a property management company.")
	cfg.ChatTimeout = getEnvDuration("CHAT_TIMEOUT", 30*time.Second)
	cfg.RateLimitLogRetention = getEnvDuration("RATE_LIMIT_LOG_RETENTION", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"})

	trusted, err := parsePrefixes(getEnvList("TRUSTED_PROXIES", nil))
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = trusted

	return cfg, nil
}

// LongestRateLimitWindow はカテゴリ設定の中で最長のウィンドウを返す。
// レート制限ログのスイープ時に、判定に使われうる行を削除しないための下限となる。
func (c *Config) LongestRateLimitWindow() time.Duration {
	longest := c.RateLimitContactWindow
	for _, w := range []time.Duration{c.RateLimitAppointmentWindow, c.RateLimitAPIWindow} {
		if w > longest {
			longest = w
		}
	}
	return longest
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// parsePrefixes は "10.0.0.0/8" や "192.0.2.1" 形式の一覧をプレフィックスに変換する。
// 単一のアドレスはそのアドレスだけを含むプレフィックスになる。
func parsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
