package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/assistant"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/gift"
	"github.com/antigravity/keygate/internal/keys"
	"github.com/antigravity/keygate/internal/logger"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/router"
	"github.com/antigravity/keygate/internal/scheduler"
	"github.com/antigravity/keygate/internal/server"
	"github.com/antigravity/keygate/internal/storage"
)

const contextKeyPrefix = "keygate:ctx:"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long:  `Start the keygate HTTP server with the scheduler and notification workers`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "server host")
	serveCmd.Flags().Int("port", 8045, "server port")
	serveCmd.Flags().String("mode", "release", "server mode (debug/release/test)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.mode", serveCmd.Flags().Lookup("mode"))
}

func runServe(cmd *cobra.Command, args []string) error {
	// 加载或创建配置
	cfg, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 初始化目录结构
	if err := initDirectories(cfg); err != nil {
		return err
	}

	// 初始化日志
	log, err := logger.New(cfg.Logging, logger.GlobalBuffer)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting keygate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize services", zap.Error(err))
		return err
	}
	defer gw.close(log)

	if err := gw.start(ctx); err != nil {
		log.Error("Failed to start background workers", zap.Error(err))
		return err
	}

	srv, err := server.New(cfg, gw.deps, log)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		return err
	}

	// 启动HTTP服务器
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 优雅关闭
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("Server failed", zap.Error(err))
			return err
		}
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("Server stopped gracefully")
	return nil
}

// app holds the wired services and everything that must be closed on shutdown
type app struct {
	deps      server.Deps
	scheduler *scheduler.Scheduler
	queue     *notify.RiverQueue
	closers   []func() error
	stoppers  []func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close(log)
		return nil, err
	}

	tiers, err := entitlement.FromConfig(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("invalid tiers: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	if pg, ok := store.(*storage.PostgresStore); ok {
		if err := migratePostgres(ctx, pg, log); err != nil {
			return fail(err)
		}
	}

	contexts, err := storage.OpenContext(ctx, storage.ContextOptions{
		RedisURL: cfg.Storage.RedisURL,
		Prefix:   contextKeyPrefix,
		TTL:      cfg.Storage.ContextTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to open context store: %w", err))
	}
	a.closers = append(a.closers, contexts.Close)

	notifier, err := a.buildNotifier(cfg, store, log)
	if err != nil {
		return fail(err)
	}

	engine := entitlement.NewEngine(store, tiers, log.Named("entitlement"),
		entitlement.WithNegativeTTL(cfg.Defaults.NegativeTTL))
	usage := storage.NewUsageRecorder(storage.NewUsageJournal(cfg.Storage.UsageDir),
		0, cfg.Storage.UsageFlush, log.Named("usage"))
	a.closers = append(a.closers, usage.Close)

	r, err := a.buildRouter(ctx, cfg, usage, log)
	if err != nil {
		return fail(err)
	}

	keySvc := keys.NewService(store, tiers, engine, notifier, log.Named("keys"))
	a.deps = server.Deps{
		Store:     store,
		Contexts:  contexts,
		Usage:     usage,
		Engine:    engine,
		Keys:      keySvc,
		Gifts:     gift.NewService(store, tiers, engine, notifier, log.Named("gift")),
		Assistant: assistant.NewService(r, contexts, notifier, cfg, log.Named("assistant")),
		Router:    r,
		Logs:      logger.GlobalBuffer,
		Version:   Version,
	}

	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.NewScheduler(cfg, keySvc, engine, r, notifier, log.Named("scheduler"))
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, storage.Options{
		Driver:                   cfg.Storage.Driver,
		PostgresURL:              cfg.Storage.PostgresURL,
		MongoURI:                 cfg.Storage.MongoURI,
		MongoDatabase:            cfg.Storage.MongoDatabase,
		FirestoreProject:         cfg.Storage.FirestoreProject,
		FirestorePrefix:          cfg.Storage.FirestorePrefix,
		FirestoreCredentialsFile: cfg.Storage.FirestoreCredentialsFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

// buildNotifier picks the durable river queue when postgres is available and the in-process
// dispatcher otherwise. Without a telegram token events are only logged.
func (a *app) buildNotifier(cfg *config.Config, store storage.Store, log *zap.Logger) (notify.Notifier, error) {
	var sender notify.Sender
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram sender: %w", err)
		}
		sender = tg
	} else {
		sender = notify.NewLogSender(log.Named("notify"))
	}

	if pg, ok := store.(*storage.PostgresStore); ok {
		queue, err := notify.NewRiverQueue(pg.Pool(), sender, log.Named("notify"))
		if err != nil {
			return nil, err
		}
		a.queue = queue
		return queue, nil
	}

	d := notify.NewDispatcher(sender, cfg.Notify.QueueSize, log.Named("notify"))
	a.closers = append(a.closers, func() error {
		d.Close()
		return nil
	})
	return d, nil
}

// buildRouter creates a client for every configured backend. A backend without credentials is
// skipped rather than failing every request routed to it.
func (a *app) buildRouter(ctx context.Context, cfg *config.Config, usage *storage.UsageRecorder, log *zap.Logger) (*router.Router, error) {
	var clients []router.Client

	if b := cfg.Backends.Perplexity; !b.Disabled && b.APIKey != "" {
		clients = append(clients, router.NewPerplexityClient(b))
	}
	if b := cfg.Backends.Gemini; !b.Disabled && (b.APIKey != "" || b.CredentialsFile != "") {
		gemini, err := router.NewGeminiClient(ctx, b)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gemini.Close)
		clients = append(clients, gemini)
	}
	if b := cfg.Backends.Groq; !b.Disabled && b.APIKey != "" {
		clients = append(clients, router.NewGroqClient(b))
	}
	if len(clients) == 0 {
		log.Warn("No backend is configured, every capability request will fail")
	}

	order := make([]router.Backend, 0, len(cfg.Backends.Order))
	for _, name := range cfg.Backends.Order {
		b, err := router.ParseBackend(name)
		if err != nil {
			return nil, fmt.Errorf("backends.order: %w", err)
		}
		order = append(order, b)
	}

	routerLog := log.Named("router")
	observer := func(backend router.Backend, res *router.Result, err error) {
		entry := storage.UsageEntry{Backend: string(backend), Failed: err != nil, At: time.Now()}
		if res != nil {
			entry.PromptTokens = int64(res.PromptTokens)
			entry.CompletionTokens = int64(res.CompletionTokens)
		}
		usage.Record(entry)
	}

	r := router.New(clients, order, routerLog,
		router.WithAttemptTimeout(cfg.Backends.AttemptTimeout),
		router.WithStreamTimeout(cfg.Backends.StreamTimeout),
		router.WithObserver(observer))
	for _, s := range r.Status() {
		log.Info("Backend registered",
			zap.String("backend", string(s.Name)),
			zap.Int("position", s.Position))
	}
	return r, nil
}

func (a *app) start(ctx context.Context) error {
	if a.queue != nil {
		if err := a.queue.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notification queue: %w", err)
		}
		a.stoppers = append(a.stoppers, a.queue.Stop)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
		a.stoppers = append(a.stoppers, func(context.Context) error {
			a.scheduler.Stop()
			return nil
		})
	}
	return nil
}

// close stops workers first, then releases connections in reverse order of creation
func (a *app) close(log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.stoppers) - 1; i >= 0; i-- {
		if err := a.stoppers[i](ctx); err != nil {
			log.Warn("Failed to stop worker", zap.Error(err))
		}
	}
	a.stoppers = nil
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}

func initDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.Storage.UsageDir,
		cfg.Storage.LogsDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
