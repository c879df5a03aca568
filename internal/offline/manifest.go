package offline

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// assetLinkRels はマニフェストに含める<link>のrel値。
var assetLinkRels = map[string]bool{
	"stylesheet":       true,
	"icon":             true,
	"shortcut icon":    true,
	"apple-touch-icon": true,
	"preload":          true,
	"modulepreload":    true,
	"manifest":         true,
}

// ParseAssetLinks はアプリシェルのHTMLから同一オリジンの資産パスを抽出する。
// 対象は<script src>、<link href>（資産を指すrelのみ）、<img src>。
// 相対URLはpageURLを基準に解決し、クエリ付きのパスを重複なく出現順に返す。
func ParseAssetLinks(htmlBody []byte, pageURL *url.URL) []string {
	var assets []string
	seen := make(map[string]bool)

	add := func(raw string) {
		p := sameOriginPath(pageURL, raw)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		assets = append(assets, p)
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return assets

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			if !hasAttr {
				continue
			}
			tagName := string(tn)
			if tagName != "script" && tagName != "link" && tagName != "img" {
				continue
			}

			attrs := make(map[string]string)
			for {
				key, val, more := tokenizer.TagAttr()
				attrs[strings.ToLower(string(key))] = string(val)
				if !more {
					break
				}
			}

			switch tagName {
			case "script", "img":
				if src := attrs["src"]; src != "" {
					add(src)
				}
			case "link":
				if assetLinkRels[strings.ToLower(strings.TrimSpace(attrs["rel"]))] && attrs["href"] != "" {
					add(attrs["href"])
				}
			}
		}
	}
}

// sameOriginPath は参照を解決し、同一オリジンであればパス（クエリ付き）を返す。
func sameOriginPath(base *url.URL, rawRef string) string {
	ref, err := url.Parse(strings.TrimSpace(rawRef))
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.RequestURI()
}
