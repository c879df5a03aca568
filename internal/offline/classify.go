package offline

import (
	"net/http"
	"path"
	"strings"
)

// staticExtensions はキャッシュ優先で扱う拡張子。
var staticExtensions = map[string]bool{
	".js": true, ".css": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// imageExtensions は画像パーティションに格納する拡張子。
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
}

const assetsPrefix = "/assets/"

// isStaticAsset はパスが静的資産に該当するかを判定する。
// 判定はパスのみで行い、Content-Typeは見ない。
func isStaticAsset(p, uploadPrefix string) bool {
	if strings.HasPrefix(p, assetsPrefix) {
		return true
	}
	if uploadPrefix != "" && strings.HasPrefix(p, uploadPrefix) {
		return true
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

// isImagePath は画像らしいパスかを判定する。
func isImagePath(p, uploadPrefix string) bool {
	if uploadPrefix != "" && strings.HasPrefix(p, uploadPrefix) {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

// partitionFor はキャッシュ優先で取得したレスポンスの格納先を返す。
// 画像 → images、/assets/ → static、それ以外 → dynamic の順に判定する。
func (p Partitions) partitionFor(urlPath, uploadPrefix string) string {
	switch {
	case isImagePath(urlPath, uploadPrefix):
		return p.Images
	case strings.HasPrefix(urlPath, assetsPrefix):
		return p.Static
	default:
		return p.Dynamic
	}
}

// isNavigation はページ遷移（ドキュメント）リクエストかを判定する。
func isNavigation(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Mode") == "navigate" || r.Header.Get("Sec-Fetch-Dest") == "document"
}

// wantsImage はリクエストの取得先が画像かを判定する。
func wantsImage(r *http.Request) bool {
	return r.Header.Get("Sec-Fetch-Dest") == "image"
}

// cacheKey はリクエストの正規化キー（"METHOD 絶対URL"）を返す。フラグメントは除く。
func cacheKey(r *http.Request) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return r.Method + " " + u.String()
}
