package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP はリクエスト元のIPアドレスを返す。
// NewClientIPMiddlewareの後段で呼び出すと、信頼済みプロキシ経由で解決したIPが反映される。
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isTrusted(trusted []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ResolveClientIP は接続元と X-Forwarded-For から利用者のIPを決定する。
// 接続元が信頼済みプロキシでなければヘッダーは無視する。
// 信頼済みの場合は X-Forwarded-For を右から辿り、最初の信頼外のアドレスを返す。
func ResolveClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := ClientIP(r)
	if !isTrusted(trusted, peer) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}

	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		if _, err := netip.ParseAddr(hops[i]); err != nil {
			// 解析できない値より左は信頼しない
			break
		}
		client = hops[i]
		if !isTrusted(trusted, hops[i]) {
			break
		}
	}
	return client
}

// NewClientIPMiddleware は解決した利用者IPをRemoteAddrに設定するミドルウェアを返す。
// True-Client-IP や X-Real-IP は参照しない。
func NewClientIPMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := ResolveClientIP(r, trusted); ip != ClientIP(r) {
				r.RemoteAddr = net.JoinHostPort(ip, "0")
			}
			next.ServeHTTP(w, r)
		})
	}
}
