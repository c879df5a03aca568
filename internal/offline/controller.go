package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/propsite/internal/metrics"
)

// ErrNetwork はオリジンに到達できず、キャッシュからも応答できないことを示す。
var ErrNetwork = errors.New("network unavailable")

// maxCacheBytes はキャッシュするレスポンスボディの上限。超える場合はキャッシュせずに返す。
const maxCacheBytes = 10 << 20

// SyncTag は再送処理をログで識別するタグ。
const SyncTag = "contact-form-sync"

// cacheStatusHeader は応答の取得元をクライアントに示すヘッダー。
const cacheStatusHeader = "X-Edge-Cache"

// placeholderSVG はオフライン時に画像の代わりに返す空のSVG。
var placeholderSVG = []byte{}

// SyncResult は1回の再送処理の結果。
type SyncResult struct {
	Delivered int
	Retained  int
	Dropped   int
}

// Controller はエッジキャッシュの install / activate / handle / sync を担う。
type Controller struct {
	cfg     *Config
	names   Partitions
	origin  *url.URL
	store   *Store
	client  *http.Client
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	active  atomic.Bool
	offline atomic.Bool
	online  chan struct{}

	// writes はバックグラウンドのキャッシュ書き込みを追跡する。
	writes sync.WaitGroup
	syncMu sync.Mutex
}

// NewController はControllerを生成する。mがnilの場合はメトリクスを記録しない。
func NewController(cfg *Config, store *Store, client *http.Client, logger *slog.Logger, m metrics.MetricsCollector) *Controller {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		names:   PartitionsFor(cfg.Version),
		origin:  cfg.OriginURL(),
		store:   store,
		client:  client,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		online:  make(chan struct{}, 1),
	}
}

// Partitions は現在のパーティション名を返す。
func (c *Controller) Partitions() Partitions {
	return c.names
}

// Active はactivateが完了しているかを返す。
func (c *Controller) Active() bool {
	return c.active.Load()
}

// Online はオフラインからの復帰を通知するチャネルを返す。
func (c *Controller) Online() <-chan struct{} {
	return c.online
}

// Wait は実行中のバックグラウンド書き込みの完了を待つ。
func (c *Controller) Wait() {
	c.writes.Wait()
}

// OnInstall はマニフェストの資産をすべて取得し、静的パーティションに一括で書き込む。
// 1件でも取得に失敗した場合、またはステータスが200でない場合は何も書き込まずにエラーを返す。
func (c *Controller) OnInstall(ctx context.Context) error {
	assets := slices.Clone(c.cfg.Manifest.Assets)
	entries := make(map[string]*Entry, len(assets))

	if page := c.cfg.Manifest.DiscoverFrom; page != "" {
		pageURL := c.originURLFor(page)
		shell, err := c.fetchAsset(ctx, pageURL)
		if err != nil {
			return fmt.Errorf("install failed: %w", err)
		}
		entries[http.MethodGet+" "+pageURL.String()] = shell
		assets = append(assets, ParseAssetLinks(shell.Body, pageURL)...)
	}

	for _, a := range assets {
		u := c.originURLFor(a)
		key := http.MethodGet + " " + u.String()
		if _, ok := entries[key]; ok {
			continue
		}
		e, err := c.fetchAsset(ctx, u)
		if err != nil {
			return fmt.Errorf("install failed: %w", err)
		}
		entries[key] = e
	}

	if err := c.store.PutAll(c.names.Static, entries); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	c.logger.Info("edge cache installed",
		slog.String("partition", c.names.Static),
		slog.Int("assets", len(entries)),
	)
	return nil
}

// fetchAsset はマニフェスト資産を取得する。200以外はエラーとする。
func (c *Controller) fetchAsset(ctx context.Context, u *url.URL) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", u, err)
	}
	return c.newEntry(resp, body), nil
}

// OnActivate は現在のバージョンに属さないパーティションをすべて削除し、
// 削除の完了後にキャッシュを使った応答を開始する。
func (c *Controller) OnActivate(ctx context.Context) error {
	existing, err := c.store.Partitions()
	if err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}

	current := c.names.Names()
	for _, name := range existing {
		if slices.Contains(current, name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("activate interrupted: %w", err)
		}
		if err := c.store.DeletePartition(name); err != nil {
			return fmt.Errorf("activate failed: %w", err)
		}
		c.logger.Info("stale cache partition deleted", slog.String("partition", name))
	}

	c.active.Store(true)
	c.logger.Info("edge cache activated", slog.String("version", c.cfg.Version))
	return nil
}

// Handle はリクエストに応答する。
// 同一オリジンのGETのみを対象とし、それ以外とページ遷移はそのままオリジンへ送る。
// 静的資産はキャッシュ優先、それ以外はネットワーク優先で応答する。
// オリジンに到達できず代替の応答もない場合はErrNetworkをラップして返す。
func (c *Controller) Handle(req *http.Request) (*http.Response, error) {
	if !c.active.Load() || req.Method != http.MethodGet || !c.sameOrigin(req.URL) || isNavigation(req) {
		return c.fetch(req)
	}

	key := cacheKey(req)
	if isStaticAsset(req.URL.Path, c.cfg.UploadPrefix) {
		return c.cacheFirst(req, key)
	}
	return c.networkFirst(req, key)
}

func (c *Controller) cacheFirst(req *http.Request, key string) (*http.Response, error) {
	e, partition, err := c.store.Match(key, c.names.Names())
	if err != nil {
		c.logger.Warn("cache lookup failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if e != nil {
		c.metrics.RecordCacheResult(c.names.kind(partition), metrics.CacheHit)
		return withCacheStatus(e.Response(req), metrics.CacheHit), nil
	}

	target := c.names.partitionFor(req.URL.Path, c.cfg.UploadPrefix)
	resp, err := c.fetch(req)
	if err != nil {
		c.metrics.RecordCacheResult(c.names.kind(target), metrics.CacheError)
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		resp = c.storeInBackground(target, key, resp)
	}
	c.metrics.RecordCacheResult(c.names.kind(target), metrics.CacheMiss)
	return withCacheStatus(resp, metrics.CacheMiss), nil
}

func (c *Controller) networkFirst(req *http.Request, key string) (*http.Response, error) {
	resp, netErr := c.fetch(req)
	if netErr == nil {
		if resp.StatusCode == http.StatusOK {
			resp = c.storeInBackground(c.names.Dynamic, key, resp)
		}
		c.metrics.RecordCacheResult("dynamic", metrics.CacheNetwork)
		return withCacheStatus(resp, metrics.CacheNetwork), nil
	}

	e, partition, err := c.store.Match(key, c.names.Names())
	if err != nil {
		c.logger.Warn("cache lookup failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	if e != nil {
		c.metrics.RecordCacheResult(c.names.kind(partition), metrics.CacheFallback)
		return withCacheStatus(e.Response(req), metrics.CacheFallback), nil
	}

	if wantsImage(req) {
		c.metrics.RecordCacheResult("images", metrics.CachePlaceholder)
		return withCacheStatus(placeholderResponse(req), metrics.CachePlaceholder), nil
	}

	c.metrics.RecordCacheResult("dynamic", metrics.CacheError)
	return nil, netErr
}

// fetch はオリジンへリクエストを送る。到達できない場合はErrNetworkをラップして返す。
// オフラインから到達可能に戻った時点でOnlineチャネルに通知する。
func (c *Controller) fetch(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() == nil {
			c.offline.Store(true)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if c.offline.CompareAndSwap(true, false) {
		c.logger.Info("origin reachable again")
		select {
		case c.online <- struct{}{}:
		default:
		}
	}
	return resp, nil
}

// storeInBackground はレスポンスボディを読み取って呼び出し元に返しつつ、
// 複製をバックグラウンドでパーティションに書き込む。
// 書き込みの失敗はログとメトリクスに記録するだけで呼び出し元には伝えない。
func (c *Controller) storeInBackground(partition, key string, resp *http.Response) *http.Response {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheBytes+1))
	if err != nil || len(body) > maxCacheBytes {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := c.newEntry(resp, body)
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := c.store.Put(partition, key, entry); err != nil {
			c.metrics.RecordCacheWriteFailure(c.names.kind(partition))
			c.logger.Warn("background cache write failed",
				slog.String("partition", partition),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}()
	return resp
}

func (c *Controller) newEntry(resp *http.Response, body []byte) *Entry {
	h := resp.Header.Clone()
	removeHopHeaders(h)
	h.Del(cacheStatusHeader)
	return &Entry{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     body,
		StoredAt: c.now().UTC(),
	}
}

// OnSync はオフラインキューの送信を問い合わせエンドポイントへ順に再送する。
// 2xxの応答で削除し、失敗した送信は残す。試行回数を加算するのは
// 4xxのように時間をおいても成功しない応答だけで、オリジン不達、429、5xxは数えない。
// 試行回数または経過時間が上限を超えた送信は破棄する。
func (c *Controller) OnSync(ctx context.Context) (SyncResult, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	var result SyncResult

	q, err := c.store.OpenQueue(SubmissionQueueName, SubmissionQueueVersion)
	if err != nil {
		return result, fmt.Errorf("sync failed: %w", err)
	}
	pending, err := q.Pending()
	if err != nil {
		return result, fmt.Errorf("sync failed: %w", err)
	}

	for _, sub := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if c.expired(sub) {
			if err := q.Delete(sub.ID); err != nil {
				return result, fmt.Errorf("sync failed: %w", err)
			}
			result.Dropped++
			c.metrics.RecordReplayResult(metrics.ReplayDropped)
			c.logger.Warn("offline submission dropped",
				slog.String("tag", SyncTag),
				slog.Uint64("id", sub.ID),
				slog.Int("attempts", sub.Attempts),
				slog.Time("created", sub.Created),
			)
			continue
		}

		if err := c.replay(ctx, sub); err != nil {
			// 一時的な失敗は試行回数に数えず、経過時間の上限だけで打ち切る
			if !isTransient(err) {
				sub.Attempts++
				if err := q.Update(sub); err != nil {
					return result, fmt.Errorf("sync failed: %w", err)
				}
			}
			result.Retained++
			c.metrics.RecordReplayResult(metrics.ReplayRetry)
			c.logger.Info("offline submission replay failed",
				slog.String("tag", SyncTag),
				slog.Uint64("id", sub.ID),
				slog.Int("attempts", sub.Attempts),
				slog.Bool("transient", isTransient(err)),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := q.Delete(sub.ID); err != nil {
			return result, fmt.Errorf("sync failed: %w", err)
		}
		result.Delivered++
		c.metrics.RecordReplayResult(metrics.ReplayDelivered)
		c.logger.Info("offline submission delivered",
			slog.String("tag", SyncTag),
			slog.Uint64("id", sub.ID),
		)
	}

	return result, nil
}

// expired は送信が再送の上限を超えているかを判定する。
func (c *Controller) expired(sub *Submission) bool {
	if limit := c.cfg.Sync.MaxAttempts; limit > 0 && sub.Attempts >= limit {
		return true
	}
	if maxAge := c.cfg.MaxAge(); maxAge > 0 && c.now().Sub(sub.Created) > maxAge {
		return true
	}
	return false
}

// replayStatusError は再送先が2xx以外を返したことを表す。
type replayStatusError struct {
	status int
}

func (e *replayStatusError) Error() string {
	return fmt.Sprintf("contact endpoint returned status %d", e.status)
}

// isTransient はオリジン不達、429、5xxのように、時間をおけば成功しうる失敗かを判定する。
func isTransient(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var se *replayStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return false
}

// replay は保存したデータをそのまま問い合わせエンドポイントへPOSTする。
// 受付時の送信元IPを X-Forwarded-For として付与する。
func (c *Controller) replay(ctx context.Context, sub *Submission) error {
	u := c.originURLFor(c.cfg.ContactPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(sub.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.ClientIP != "" {
		req.Header.Set("X-Forwarded-For", sub.ClientIP)
	}

	resp, err := c.fetch(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &replayStatusError{status: resp.StatusCode}
	}
	return nil
}

// Enqueue はオフライン中に受け付けた問い合わせを送信元IPとともにキューへ保存する。
func (c *Controller) Enqueue(data []byte, clientIP string) (*Submission, error) {
	q, err := c.store.OpenQueue(SubmissionQueueName, SubmissionQueueVersion)
	if err != nil {
		return nil, err
	}
	sub, err := q.Enqueue(data, clientIP, c.now().UTC())
	if err != nil {
		return nil, err
	}
	c.metrics.RecordCacheResult("queue", metrics.CacheQueued)
	c.logger.Info("submission queued for replay",
		slog.String("tag", SyncTag),
		slog.Uint64("id", sub.ID),
	)
	return sub, nil
}

// sameOrigin はURLがオリジンと同じスキーム・ホストかを判定する。
func (c *Controller) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// originURLFor はパス（クエリ付き可）をオリジンの絶対URLにする。
func (c *Controller) originURLFor(pathAndQuery string) *url.URL {
	ref, err := url.Parse(pathAndQuery)
	if err != nil {
		ref = &url.URL{Path: pathAndQuery}
	}
	u := *c.origin
	u.Path = ref.Path
	u.RawPath = ref.RawPath
	u.RawQuery = ref.RawQuery
	return &u
}

// placeholderResponse は空のSVGを返す200レスポンス。
func placeholderResponse(req *http.Request) *http.Response {
	e := &Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/svg+xml"}},
		Body:   placeholderSVG,
	}
	return e.Response(req)
}

func withCacheStatus(resp *http.Response, status string) *http.Response {
	resp.Header.Set(cacheStatusHeader, status)
	return resp
}

type readCloser struct {
	io.Reader
	io.Closer
}
