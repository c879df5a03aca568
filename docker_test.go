package propsite_test

import (
	"net/netip"
	"os"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/propsite/internal/offline"
)

// composeFile は docker-compose.yml のうち検証に使う項目だけを表す。
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]struct {
		Internal bool `yaml:"internal"`
		IPAM     struct {
			Config []struct {
				Subnet string `yaml:"subnet"`
			} `yaml:"config"`
		} `yaml:"ipam"`
	} `yaml:"networks"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command"`
	Environment map[string]string `yaml:"environment"`
	Ports       []string          `yaml:"ports"`
	Networks    []string          `yaml:"networks"`
}

func loadCompose(t *testing.T) *composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var c composeFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("docker-compose.yml is not valid YAML: %v", err)
	}
	return &c
}

func TestDockerfile(t *testing.T) {
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは distroless
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") {
		t.Errorf("final stage should be distroless, got: %s", lastFrom)
	}
	if !strings.Contains(content, "./cmd/propsite") {
		t.Error("Dockerfile should build ./cmd/propsite")
	}
	if !strings.Contains(content, `ENTRYPOINT ["/usr/local/bin/propsite"]`) {
		t.Error("Dockerfile should use the propsite binary as ENTRYPOINT")
	}
}

func TestDockerComposeServiceCommands(t *testing.T) {
	c := loadCompose(t)

	want := map[string]string{
		"migrate": "migrate",
		"api":     "serve",
		"worker":  "worker",
		"edge":    "edge",
	}
	for name, cmd := range want {
		svc, ok := c.Services[name]
		if !ok {
			t.Errorf("service %q is missing", name)
			continue
		}
		if !slices.Equal(svc.Command, []string{cmd}) {
			t.Errorf("service %q command = %v, want [%s]", name, svc.Command, cmd)
		}
	}
	if db := c.Services["db"]; !strings.HasPrefix(db.Image, "postgres:") {
		t.Errorf("db image = %q, want postgres", db.Image)
	}
}

// TestDockerComposeNetworks は外部APIを呼ぶサービスと公開するサービスだけが
// external に接続していることを検証する。
func TestDockerComposeNetworks(t *testing.T) {
	c := loadCompose(t)

	if !c.Networks["internal"].Internal {
		t.Error("internal network should be declared with internal: true")
	}

	want := map[string][]string{
		"db":      {"internal"},
		"migrate": {"internal"},
		"worker":  {"internal"},
		"web":     {"internal"},
		"api":     {"internal", "external"},
		"edge":    {"internal", "external"},
	}
	for name, networks := range want {
		got := slices.Clone(c.Services[name].Networks)
		slices.Sort(got)
		slices.Sort(networks)
		if !slices.Equal(got, networks) {
			t.Errorf("service %q networks = %v, want %v", name, got, networks)
		}
	}

	// 公開ポートを持つのはedgeのみ
	for name, svc := range c.Services {
		if len(svc.Ports) > 0 && name != "edge" {
			t.Errorf("service %q should not publish ports, got %v", name, svc.Ports)
		}
	}
	if len(c.Services["edge"].Ports) == 0 {
		t.Error("edge should publish its listen port")
	}
}

// TestDockerComposeTrustedProxies はapiが内部ネットワークのプロキシだけを信頼することを検証する。
func TestDockerComposeTrustedProxies(t *testing.T) {
	c := loadCompose(t)

	raw := c.Services["api"].Environment["TRUSTED_PROXIES"]
	if raw == "" {
		t.Fatal("api should set TRUSTED_PROXIES")
	}
	subnets := c.Networks["internal"].IPAM.Config
	if len(subnets) == 0 {
		t.Fatal("internal network should pin its subnet")
	}
	internal := netip.MustParsePrefix(subnets[0].Subnet)

	for _, v := range strings.Split(raw, ",") {
		p, err := netip.ParsePrefix(strings.TrimSpace(v))
		if err != nil {
			t.Fatalf("TRUSTED_PROXIES entry %q: %v", v, err)
		}
		if p.Bits() < internal.Bits() || !internal.Contains(p.Addr()) {
			t.Errorf("trusted proxy %v is outside the internal network %v", p, internal)
		}
	}
}

func TestNginxAppendsForwardedFor(t *testing.T) {
	data, err := os.ReadFile("deploy/nginx.conf")
	if err != nil {
		t.Fatalf("failed to read deploy/nginx.conf: %v", err)
	}
	if !strings.Contains(string(data), "X-Forwarded-For $proxy_add_x_forwarded_for") {
		t.Error("nginx should append the edge address to X-Forwarded-For")
	}
}

func TestEdgeConfigIsValid(t *testing.T) {
	cfg, err := offline.LoadConfig("edge.yaml")
	if err != nil {
		t.Fatalf("edge.yaml should be a valid edge config: %v", err)
	}
	if len(cfg.Manifest.Assets) == 0 {
		t.Error("edge.yaml should list manifest assets")
	}
	if !strings.Contains(cfg.Server.Origin, "//web:") {
		t.Errorf("edge origin = %q, want the web service", cfg.Server.Origin)
	}
}
