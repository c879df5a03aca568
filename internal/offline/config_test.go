package offline

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("version: \"2026.10\"\nserver:\n  origin: http://app:8080/\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Server.Listen != ":8081" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Storage.Path != "./data/edge" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.ContactPath != "/api/contact" {
		t.Errorf("ContactPath = %q", cfg.ContactPath)
	}
	if cfg.Sync.MaxAttempts != 20 {
		t.Errorf("MaxAttempts = %d, want 20", cfg.Sync.MaxAttempts)
	}
	if cfg.Timeout() != 10*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout())
	}
	if cfg.SyncInterval() != time.Minute {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval())
	}
	if cfg.MaxAge() != 7*24*time.Hour {
		t.Errorf("MaxAge = %v", cfg.MaxAge())
	}
	if got := cfg.OriginURL().String(); got != "http://app:8080" {
		t.Errorf("OriginURL = %q", got)
	}
}

func TestParseConfig_Overrides(t *testing.T) {
	yml := `
version: v7
server:
  listen: ":9000"
  origin: https://example.com
  timeout: 3s
storage:
  path: /var/lib/edge
manifest:
  assets: [/, /assets/app.js]
  discoverFrom: /
uploadPrefix: /uploads/
contactPath: /api/inquiry
sync:
  interval: 30s
  maxAttempts: 0
  maxAge: 1d
`
	cfg, err := ParseConfig([]byte(yml))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Sync.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0 (unlimited)", cfg.Sync.MaxAttempts)
	}
	if cfg.MaxAge() != 24*time.Hour {
		t.Errorf("MaxAge = %v, want 24h", cfg.MaxAge())
	}
	if cfg.SyncInterval() != 30*time.Second || cfg.Timeout() != 3*time.Second {
		t.Errorf("durations = %v, %v", cfg.SyncInterval(), cfg.Timeout())
	}
	if !slices.Equal(cfg.Manifest.Assets, []string{"/", "/assets/app.js"}) {
		t.Errorf("Assets = %v", cfg.Manifest.Assets)
	}
	if cfg.ContactPath != "/api/inquiry" || cfg.UploadPrefix != "/uploads/" {
		t.Errorf("paths = %q, %q", cfg.ContactPath, cfg.UploadPrefix)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"missing version", "server:\n  origin: http://a\n"},
		{"version with slash", "version: a/b\nserver:\n  origin: http://a\n"},
		{"missing origin", "version: v1\n"},
		{"relative origin", "version: v1\nserver:\n  origin: /app\n"},
		{"non-http origin", "version: v1\nserver:\n  origin: ftp://a\n"},
		{"bad timeout", "version: v1\nserver:\n  origin: http://a\n  timeout: soon\n"},
		{"zero interval", "version: v1\nserver:\n  origin: http://a\nsync:\n  interval: \"0\"\n"},
		{"relative asset", "version: v1\nserver:\n  origin: http://a\nmanifest:\n  assets: [app.js]\n"},
		{"upload prefix without slash", "version: v1\nserver:\n  origin: http://a\nuploadPrefix: uploads\n"},
		{"malformed yaml", "version: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.yml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.yaml")
	if err := os.WriteFile(path, []byte("version: v1\nserver:\n  origin: http://app:8080\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Version != "v1" {
		t.Errorf("Version = %q", cfg.Version)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPartitionsFor(t *testing.T) {
	p := PartitionsFor("v3")
	want := []string{"static-v3", "images-v3", "dynamic-v3"}
	if !slices.Equal(p.Names(), want) {
		t.Errorf("Names = %v, want %v", p.Names(), want)
	}
	if p.kind("images-v3") != "images" || p.kind("images-v2") != "other" {
		t.Errorf("kind mismatch")
	}
}
