package security

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	tagPattern          = regexp.MustCompile(`<[^>]*>`)
	dangerousScheme     = regexp.MustCompile(`(?i)(javascript|data|vbscript):`)
	eventHandlerPattern = regexp.MustCompile(`(?i)on(load|error|click|mouseover)=`)
	sqlMetaPattern      = regexp.MustCompile("['\";`]|--")
	encodedMetaPattern  = regexp.MustCompile(`(?i)%(3c|3e|22|27|2f)`)
)

// SanitizeInput は利用者が入力した文字列を保存・表示の前に無害化する。
// 処理順は固定で、後段は前段でタグ構造が除去済みであることを前提とする。
//  1. 前後の空白を除去
//  2. タグ様の部分文字列（<...>）と残った山括弧を除去
//  3. javascript:, data:, vbscript: スキームを除去
//  4. onload=, onerror=, onclick=, onmouseover= を除去
//  5. クォート、セミコロン、バッククォート、"--" を除去
//  6. %3C %3E %22 %27 %2F を除去
//  7. NULと制御文字を除去（改行とタブは残す）
//
// 不正なUTF-8を含む入力でもパニックせず、最悪の場合は空文字列を返す。
func SanitizeInput(raw string) string {
	s := strings.ToValidUTF8(raw, "")
	s = strings.TrimSpace(s)
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	s = dangerousScheme.ReplaceAllString(s, "")
	s = eventHandlerPattern.ReplaceAllString(s, "")
	s = sqlMetaPattern.ReplaceAllString(s, "")
	s = encodedMetaPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
