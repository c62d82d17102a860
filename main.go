package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"github.com/chenyme/grok2api/common"
	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/graceful"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/controller"
	"github.com/chenyme/grok2api/middleware"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/monitor"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/asset"
	"github.com/chenyme/grok2api/relay/dispatcher"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/streaming"
	"github.com/chenyme/grok2api/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	common.Init()
	logger.SetupLogger()
	logger.StartLogRetentionCleaner(ctx, config.LogRetentionDays, logger.LogDir)
	logger.Logger.Info("grok2api started", zap.String("version", common.Version))

	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	} else if !config.DebugEnabled {
		gin.SetMode(gin.ReleaseMode)
	}

	storage, err := model.OpenStorage(ctx, config.StorageType, config.StorageURL)
	if err != nil {
		logger.Logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	if err = loadSettings(ctx, storage); err != nil {
		logger.Logger.Fatal("failed to load settings", zap.Error(err))
	}

	var metrics *monitor.Metrics
	if config.EnablePrometheusMetrics {
		metrics = monitor.NewMetrics(common.Version)
		logger.Logger.Info("prometheus metrics enabled")
	}

	client := grok.NewClient(grok.WithSettings(config.Get))
	poolOpts := []pool.Option{pool.WithSettings(config.Get), pool.WithRefresher(client)}
	if metrics != nil {
		poolOpts = append(poolOpts, pool.WithStatusHook(monitor.StatusHook(metrics)))
	}
	tokens := pool.New(storage, poolOpts...)
	if err = tokens.Load(ctx); err != nil {
		logger.Logger.Fatal("failed to load tokens", zap.Error(err))
	}

	var cacheOpts []asset.CacheOption
	if metrics != nil {
		cacheOpts = append(cacheOpts, asset.WithEvictHook(metrics.ObserveEviction))
	}
	cache, err := asset.OpenCache(filepath.Join(config.DataDir, "cache"), func() (int64, bool) {
		c := config.Get().Cache
		return c.LimitBytes(), c.EnableAutoClean
	}, cacheOpts...)
	if err != nil {
		logger.Logger.Fatal("failed to open media cache", zap.Error(err))
	}
	assets := asset.NewService(cache, client, config.Get)

	dispatcherOpts := []dispatcher.Option{dispatcher.WithAssets(assets), dispatcher.WithSettings(config.Get)}
	if metrics != nil {
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithMetrics(metrics))
		metrics.WatchPool(tokens)
		metrics.WatchCache(cache)
	}
	d := dispatcher.New(tokens, dispatcher.FromClient(client), dispatcherOpts...)

	streaming.InitTokenEncoder()

	poolCtx, cancelPool := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		tokens.Run(poolCtx)
	}()

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}

	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	// No global gzip, it breaks SSE.
	server.Use(middleware.RequestId())
	server.Use(graceful.GinRequestTracker())

	router.SetRouter(server, controller.New(tokens, d, assets), metrics)

	port := config.ServerPort
	if port == "" {
		port = strconv.Itoa(*common.Port)
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Logger.Info("shutdown signal received, draining",
		zap.Duration("timeout", config.ShutdownTimeout))
	graceful.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("http server shutdown", zap.Error(err))
	}
	if err := graceful.Drain(shutdownCtx); err != nil {
		logger.Logger.Error("graceful drain", zap.Error(err))
	}

	cancelPool()
	<-poolDone
	logger.Logger.Info("server exited")
}

// loadSettings installs the stored config. On first boot it seeds the backend
// from CONFIG_SEED_FILE, or from the built-in defaults.
func loadSettings(ctx context.Context, storage model.Storage) error {
	doc, err := storage.LoadConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load stored config")
	}

	seeded := false
	if doc == nil {
		seeded = true
		if config.ConfigSeedFile != "" {
			if doc, err = os.ReadFile(config.ConfigSeedFile); err != nil {
				return errors.Wrapf(err, "read config seed %s", config.ConfigSeedFile)
			}
		}
	}

	s, err := config.DecodeTOML(doc)
	if err != nil {
		return errors.WithStack(err)
	}
	if seeded {
		out, err := config.EncodeTOML(s)
		if err != nil {
			return errors.WithStack(err)
		}
		if err = storage.SaveConfig(ctx, out); err != nil {
			return errors.Wrap(err, "save seeded config")
		}
		logger.Logger.Info("config seeded", zap.String("seed_file", config.ConfigSeedFile))
	}

	config.Set(s)
	if s.App.AppKey == "" {
		logger.Logger.Warn("app.app_key is empty, admin API is locked")
	}
	return nil
}
