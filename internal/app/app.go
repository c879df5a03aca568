package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/propsite/internal/captcha"
	"github.com/hitoshi/propsite/internal/chat"
	"github.com/hitoshi/propsite/internal/config"
	"github.com/hitoshi/propsite/internal/database"
	"github.com/hitoshi/propsite/internal/handler"
	"github.com/hitoshi/propsite/internal/inquiry"
	"github.com/hitoshi/propsite/internal/logger"
	"github.com/hitoshi/propsite/internal/metrics"
	"github.com/hitoshi/propsite/internal/middleware"
	"github.com/hitoshi/propsite/internal/notify"
	"github.com/hitoshi/propsite/internal/offline"
	"github.com/hitoshi/propsite/internal/ratelimit"
	"github.com/hitoshi/propsite/internal/repository"
	"github.com/hitoshi/propsite/internal/security"
	"github.com/hitoshi/propsite/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// edge はデータベースを使わず、YAMLの設定ファイルのみで起動する
	if cmd == CommandEdge {
		logger.SetupDefault(w)
		path := os.Getenv("EDGE_CONFIG")
		if path == "" {
			path = "edge.yaml"
		}
		return runEdge(path)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("store_driver", cfg.StoreDriver),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// stores はストアドライバに応じて選択したリポジトリの組。
type stores struct {
	db           *sql.DB
	rateLimits   repository.RateLimitRepository
	contacts     repository.ContactRepository
	appointments repository.AppointmentRepository
}

// openStores はSTORE_DRIVERに応じてDBを開き、リポジトリを初期化する。
func openStores(cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite database opened", slog.String("path", cfg.SQLitePath))
		return &stores{
			db:           db,
			rateLimits:   repository.NewSQLiteRateLimitRepo(db),
			contacts:     repository.NewSQLiteContactRepo(db),
			appointments: repository.NewSQLiteAppointmentRepo(db),
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	return &stores{
		db:           db,
		rateLimits:   repository.NewPostgresRateLimitRepo(db),
		contacts:     repository.NewPostgresContactRepo(db),
		appointments: repository.NewPostgresAppointmentRepo(db),
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続とリポジトリ
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	// 3. リクエストガード
	limiter := ratelimit.NewLimiter(st.rateLimits, ratelimit.RulesFromConfig(cfg), ratelimit.WithMetrics(m))
	verifier := captcha.NewVerifier(security.NewOutboundClient(10*time.Second), slog.Default(),
		cfg.RecaptchaSecret, cfg.RecaptchaMinScore)
	if !verifier.Enabled() {
		slog.Warn("RECAPTCHA_SECRET is not set; captcha verification is disabled")
	}

	// 4. 通知
	var mailer notify.Mailer
	if cfg.MailAPIKey != "" {
		if err := security.ValidateEndpoint(cfg.MailAPIURL); err != nil {
			return fmt.Errorf("invalid MAIL_API_URL: %w", err)
		}
		mailer = notify.NewHTTPMailer(security.NewOutboundClient(cfg.MailTimeout), slog.Default(),
			cfg.MailAPIURL, cfg.MailAPIKey)
	} else {
		slog.Warn("MAIL_API_KEY is not set; notifications are written to the log only")
		mailer = notify.NewLogMailer(slog.Default())
	}
	notifier := notify.NewNotifier(mailer, cfg.MailFrom, cfg.MailNotifyTo)

	// 5. ドメインサービス
	inquiryService := inquiry.NewService(st.contacts, st.appointments, notifier, slog.Default())

	if cfg.ChatAPIKey != "" {
		if err := security.ValidateEndpoint(cfg.ChatAPIURL); err != nil {
			return fmt.Errorf("invalid CHAT_API_URL: %w", err)
		}
	} else {
		slog.Warn("CHAT_API_KEY is not set; /api/chat will answer 503")
	}
	chatClient := chat.NewClient(chat.ClientConfig{
		Endpoint:     cfg.ChatAPIURL,
		APIKey:       cfg.ChatAPIKey,
		Model:        cfg.ChatModel,
		SystemPrompt: cfg.ChatSystemPrompt,
	}, security.NewOutboundClient(cfg.ChatTimeout), slog.Default(), m)

	// 6. ルーターの構築
	burstLimiter := middleware.NewBurstLimiter(middleware.BurstLimiterConfig{
		// configのBurstRatePerMinuteはreq/min単位なのでreq/secに変換する
		Rate:            rate.Limit(float64(cfg.BurstRatePerMinute) / 60.0),
		Burst:           cfg.BurstSize,
		CleanupInterval: middleware.DefaultBurstLimiterConfig().CleanupInterval,
	})
	defer burstLimiter.Stop()

	deps := &handler.RouterDeps{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies:     cfg.TrustedProxies,
		BurstLimiter:       burstLimiter,
		Logger:             slog.Default(),
		Metrics:            m,
		MetricsGatherer:    reg,
		HealthChecker:      st.db,
		InquiryHandler:     handler.NewInquiryHandler(inquiryService, limiter, verifier, m, slog.Default()),
		ChatHandler: handler.NewChatHandler(chatClient, security.NewReplySanitizer(), limiter,
			m, slog.Default()),
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilSignal(server, "API server", nil)
}

// serveUntilSignal はHTTPサーバーを起動し、SIGINTまたはSIGTERMでグレースフルシャットダウンする。
// onStopはシャットダウン開始時に呼ばれる。
func serveUntilSignal(server *http.Server, name string, onStop func()) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s listen error: %w", name, err)
	case <-stop:
	}

	slog.Info("shutting down " + name + "...")
	if onStop != nil {
		onStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、レート制限ログのクリーンアップを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()

	cleanupJob := cleanup.NewCleanupJob(st.rateLimits, slog.Default(), nil)
	cleanupJob.Retention = cfg.RateLimitLogRetention
	cleanupJob.LongestWindow = cfg.LongestRateLimitWindow()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		select {
		case <-stop:
			slog.Info("shutting down worker...")
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("worker starting",
		slog.Duration("retention", cfg.RateLimitLogRetention),
		slog.Duration("longest_window", cfg.LongestRateLimitWindow()),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
// SQLiteはオープン時にスキーマを作成するため、スキーマの確認のみ行う。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		db.Close()
		slog.Info("sqlite schema is up to date", slog.String("path", cfg.SQLitePath))
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runEdge はエッジキャッシュプロキシとして起動する。
// install が失敗した場合は起動せずにエラーを返す。
func runEdge(path string) error {
	cfg, err := offline.LoadConfig(path)
	if err != nil {
		return err
	}

	store, err := offline.OpenStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	ctrl := offline.NewController(cfg, store, offline.NewOriginClient(cfg.Timeout()), slog.Default(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.OnInstall(ctx); err != nil {
		return fmt.Errorf("edge install failed: %w", err)
	}
	if err := ctrl.OnActivate(ctx); err != nil {
		return fmt.Errorf("edge activate failed: %w", err)
	}

	replay := offline.NewReplayWorker(ctrl, cfg.SyncInterval(), slog.Default())
	go replay.Run(ctx)

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      newEdgeRouter(ctrl, reg, m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Timeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err = serveUntilSignal(server, "edge proxy", cancel)
	ctrl.Wait()
	return err
}

// newEdgeRouter はエッジプロキシのルーターを構成する。
// /_edge/ 配下は運用エンドポイントで、それ以外はすべてControllerに渡す。
func newEdgeRouter(ctrl *offline.Controller, gatherer prometheus.Gatherer, m metrics.MetricsCollector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(slog.Default(), m))
	r.Use(middleware.NewRecoveryMiddleware())

	r.Get("/_edge/health", func(w http.ResponseWriter, r *http.Request) {
		if !ctrl.Active() {
			middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "installing"})
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/_edge/metrics", metrics.Handler(gatherer))
	r.Handle("/*", ctrl)

	return r
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
