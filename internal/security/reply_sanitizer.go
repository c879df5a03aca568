package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ReplySanitizer はAIチャットの応答をブラウザへ返す前に無害化する。
// 応答は外部モデルの生成物であり、プロンプト経由でマークアップを注入されうるため、
// 許可リストに含まれる最小限の書式タグ以外はすべて除去する。
type ReplySanitizer struct {
	policy *bluemonday.Policy
}

// NewReplySanitizer はReplySanitizerを生成する。
// 許可タグ: p, br, ul, ol, li, strong, em, code, pre, a(httpsのhrefのみ)
// aタグにはtarget="_blank"とrel="noopener noreferrer"を付与する。
func NewReplySanitizer() *ReplySanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "code", "pre")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &ReplySanitizer{policy: p}
}

// Sanitize は応答文字列を無害化する。同一入力には常に同一出力を返す。
func (s *ReplySanitizer) Sanitize(reply string) string {
	return s.policy.Sanitize(reply)
}
