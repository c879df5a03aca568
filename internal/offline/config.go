// Package offline はサイトの手前に置くエッジキャッシュプロキシを提供する。
//
// コントローラーは install → activate → handle → sync の4段階で動作する。
// install でマニフェストの資産を静的パーティションに格納し、
// activate で旧バージョンのパーティションを削除してから処理を開始する。
// handle は静的資産をキャッシュ優先、それ以外をネットワーク優先で応答し、
// sync はオフライン中に受け付けた問い合わせをオリジンへ再送する。
package offline

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はエッジプロキシの設定。YAMLファイルから起動時に1回読み込む。
type Config struct {
	// Version はキャッシュパーティション名に付与するバージョンタグ。
	// デプロイごとに変更すると activate で旧パーティションが削除される。
	Version string `yaml:"version"`

	Server struct {
		Listen string `yaml:"listen"`
		Origin string `yaml:"origin"`
		// Timeout はオリジンへのリクエストのタイムアウト（例: "10s"）。
		Timeout string `yaml:"timeout"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Manifest struct {
		Assets       []string `yaml:"assets"`
		DiscoverFrom string   `yaml:"discoverFrom"`
	} `yaml:"manifest"`

	// UploadPrefix はアップロード画像のパスプレフィックス。キャッシュ優先で扱う。
	UploadPrefix string `yaml:"uploadPrefix"`

	// ContactPath はオフライン時にキューへ退避する問い合わせエンドポイント。
	ContactPath string `yaml:"contactPath"`

	Sync struct {
		Interval    string `yaml:"interval"`
		MaxAttempts int    `yaml:"maxAttempts"`
		MaxAge      string `yaml:"maxAge"`
	} `yaml:"sync"`

	// compiled
	originURL    *url.URL
	timeout      time.Duration
	syncInterval time.Duration
	maxAge       time.Duration
}

// 設定のデフォルト値
const (
	defaultListen       = ":8081"
	defaultStoragePath  = "./data/edge"
	defaultContactPath  = "/api/contact"
	defaultTimeout      = 10 * time.Second
	defaultSyncInterval = time.Minute
	defaultMaxAttempts  = 20
	defaultMaxAge       = 7 * 24 * time.Hour
)

// LoadConfig はYAMLファイルから設定を読み込む。
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edge config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig はYAMLを解析し、デフォルト値の補完と検証を行う。
// sync.maxAttempts と sync.maxAge は "0" を指定すると上限なしになる。
func ParseConfig(b []byte) (*Config, error) {
	cfg := &Config{}
	cfg.Sync.MaxAttempts = -1
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse edge config: %w", err)
	}

	if cfg.Version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if strings.ContainsAny(cfg.Version, " /") {
		return nil, fmt.Errorf("version must not contain spaces or slashes: %q", cfg.Version)
	}

	if cfg.Server.Origin == "" {
		return nil, fmt.Errorf("server.origin is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.Server.Origin, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("server.origin must be an absolute http(s) URL: %q", cfg.Server.Origin)
	}
	cfg.originURL = u

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath
	}
	if cfg.ContactPath == "" {
		cfg.ContactPath = defaultContactPath
	}
	if cfg.UploadPrefix != "" && !strings.HasPrefix(cfg.UploadPrefix, "/") {
		return nil, fmt.Errorf("uploadPrefix must start with '/': %q", cfg.UploadPrefix)
	}
	if cfg.Sync.MaxAttempts < 0 {
		cfg.Sync.MaxAttempts = defaultMaxAttempts
	}

	if cfg.timeout, err = parseDuration(cfg.Server.Timeout, defaultTimeout); err != nil {
		return nil, fmt.Errorf("server.timeout: %w", err)
	}
	if cfg.syncInterval, err = parseDuration(cfg.Sync.Interval, defaultSyncInterval); err != nil {
		return nil, fmt.Errorf("sync.interval: %w", err)
	}
	if cfg.syncInterval <= 0 {
		return nil, fmt.Errorf("sync.interval must be positive")
	}
	if cfg.maxAge, err = parseDuration(cfg.Sync.MaxAge, defaultMaxAge); err != nil {
		return nil, fmt.Errorf("sync.maxAge: %w", err)
	}

	for i, a := range cfg.Manifest.Assets {
		if !strings.HasPrefix(a, "/") {
			return nil, fmt.Errorf("manifest.assets[%d] must be an absolute path: %q", i, a)
		}
	}

	return cfg, nil
}

// parseDuration は空文字列ならデフォルト値を返す。"7d" のような日数表記も受け付ける。
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if s == "0" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		d, err := time.ParseDuration(days + "h")
		if err != nil {
			return 0, err
		}
		return d * 24, nil
	}
	return time.ParseDuration(s)
}

// OriginURL はオリジンのURLを返す。
func (c *Config) OriginURL() *url.URL {
	u := *c.originURL
	return &u
}

// Timeout はオリジンへのリクエストのタイムアウトを返す。
func (c *Config) Timeout() time.Duration { return c.timeout }

// SyncInterval は再送の実行間隔を返す。
func (c *Config) SyncInterval() time.Duration { return c.syncInterval }

// MaxAge はキューに残せる期間を返す。0は無制限。
func (c *Config) MaxAge() time.Duration { return c.maxAge }

// Partitions はバージョンタグから導出した現在のパーティション名。
type Partitions struct {
	Static  string
	Images  string
	Dynamic string
}

// PartitionsFor はバージョンに対応するパーティション名を返す。
func PartitionsFor(version string) Partitions {
	return Partitions{
		Static:  "static-" + version,
		Images:  "images-" + version,
		Dynamic: "dynamic-" + version,
	}
}

// Names は現在のパーティション名の一覧を返す。
func (p Partitions) Names() []string {
	return []string{p.Static, p.Images, p.Dynamic}
}

// kind はメトリクスラベル用にバージョンを除いたパーティション種別を返す。
func (p Partitions) kind(name string) string {
	switch name {
	case p.Static:
		return "static"
	case p.Images:
		return "images"
	case p.Dynamic:
		return "dynamic"
	default:
		return "other"
	}
}
