package offline

import (
	"net/http"
	"net/url"
	"slices"
	"testing"
)

func TestIsStaticAsset(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/assets/index-4f2a.js", true},
		{"/assets/data.json", true},
		{"/css/site.CSS", true},
		{"/fonts/a.woff2", true},
		{"/img/logo.svg", true},
		{"/uploads/property-12", true},
		{"/api/listings", false},
		{"/listings/12", false},
		{"/", false},
		{"/report.pdf", false},
	}
	for _, tt := range tests {
		if got := isStaticAsset(tt.path, "/uploads/"); got != tt.want {
			t.Errorf("isStaticAsset(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPartitionFor(t *testing.T) {
	p := PartitionsFor("v1")
	tests := []struct {
		path string
		want string
	}{
		{"/assets/logo.png", "images-v1"},
		{"/uploads/abc", "images-v1"},
		{"/assets/app.js", "static-v1"},
		{"/vendor/lib.js", "dynamic-v1"},
		{"/fonts/a.ttf", "dynamic-v1"},
	}
	for _, tt := range tests {
		if got := p.partitionFor(tt.path, "/uploads/"); got != tt.want {
			t.Errorf("partitionFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestIsNavigationAndWantsImage(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://site/", nil)
	if isNavigation(r) || wantsImage(r) {
		t.Error("plain request should be neither navigation nor image")
	}

	r.Header.Set("Sec-Fetch-Mode", "navigate")
	if !isNavigation(r) {
		t.Error("Sec-Fetch-Mode: navigate should be navigation")
	}

	r, _ = http.NewRequest(http.MethodGet, "http://site/", nil)
	r.Header.Set("Sec-Fetch-Dest", "document")
	if !isNavigation(r) {
		t.Error("Sec-Fetch-Dest: document should be navigation")
	}

	r.Header.Set("Sec-Fetch-Dest", "image")
	if !wantsImage(r) {
		t.Error("Sec-Fetch-Dest: image should want an image")
	}
}

func TestCacheKey_StripsFragment(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://site/listings?page=2#top", nil)
	if got := cacheKey(r); got != "GET http://site/listings?page=2" {
		t.Errorf("cacheKey = %q", got)
	}
}

func TestParseAssetLinks(t *testing.T) {
	page, _ := url.Parse("https://site.example/listings/index.html")
	html := []byte(`<!doctype html>
<html><head>
<link rel="stylesheet" href="/assets/site.css">
<link rel="icon" href="favicon.ico">
<link rel="preconnect" href="https://fonts.example">
<link rel="canonical" href="/listings/">
<link rel="modulepreload" href="/assets/chunk.js#frag">
<script src="/assets/app.js?v=9"></script>
<script>inline()</script>
<script src="https://cdn.example/lib.js"></script>
</head><body>
<img src="../img/hero.jpg" alt="">
<img src="/assets/site.css">
</body></html>`)

	got := ParseAssetLinks(html, page)
	want := []string{
		"/assets/site.css",
		"/listings/favicon.ico",
		"/assets/chunk.js",
		"/assets/app.js?v=9",
		"/img/hero.jpg",
	}
	if !slices.Equal(got, want) {
		t.Errorf("ParseAssetLinks = %v, want %v", got, want)
	}
}

func TestParseAssetLinks_Empty(t *testing.T) {
	page, _ := url.Parse("https://site.example/")
	if got := ParseAssetLinks(nil, page); len(got) != 0 {
		t.Errorf("ParseAssetLinks(nil) = %v, want empty", got)
	}
}
