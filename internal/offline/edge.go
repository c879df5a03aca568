package offline

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/propsite/internal/middleware"
	"github.com/hitoshi/propsite/internal/model"
)

// maxForwardBodyBytes はオリジンへ転送するリクエストボディの上限。
const maxForwardBodyBytes = 1 << 20

// hopHeaders は転送しないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// NewOriginClient はオリジン用のHTTPクライアントを生成する。
// リダイレクトは追わずにそのままクライアントへ返す。
func NewOriginClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ServeHTTP は受けたリクエストをオリジン宛てに書き換えてHandleに渡し、応答を書き出す。
// 問い合わせエンドポイントへのPOSTがオリジンに届かない場合はキューへ保存して202を返す。
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxForwardBodyBytes))
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("request body too large"))
			return
		}
		body = b
	}

	out := c.outboundRequest(r, body)
	resp, err := c.Handle(out)
	if err != nil {
		if !errors.Is(err, ErrNetwork) {
			c.logger.Error("edge request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}
		if c.isContactSubmission(r) && json.Valid(body) {
			c.queueSubmission(w, body, middleware.ClientIP(r))
			return
		}
		c.logger.Warn("origin unreachable",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewOfflineError())
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	removeHopHeaders(h)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		c.logger.Debug("response copy interrupted", slog.String("error", err.Error()))
	}
}

// outboundRequest はリクエストのパスとクエリをオリジンに付け替える。
func (c *Controller) outboundRequest(r *http.Request, body []byte) *http.Request {
	u := *c.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL = &u
	out.Host = u.Host
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	// 圧縮はTransportに任せ、キャッシュには展開済みのボディを保存する
	out.Header.Del("Accept-Encoding")

	// エッジは利用者が直接接続する最前段なので、受信した転送ヘッダーは引き継がない
	for _, k := range []string{"X-Forwarded-For", "X-Real-Ip", "True-Client-Ip", "Forwarded"} {
		out.Header.Del(k)
	}
	if ip := middleware.ClientIP(r); ip != "" {
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		out.Body = http.NoBody
		out.ContentLength = 0
	}
	return out
}

func (c *Controller) isContactSubmission(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == c.cfg.ContactPath
}

func (c *Controller) queueSubmission(w http.ResponseWriter, body []byte, clientIP string) {
	if _, err := c.Enqueue(body, clientIP); err != nil {
		c.logger.Error("failed to queue offline submission",
			slog.String("tag", SyncTag),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewOfflineError())
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}
