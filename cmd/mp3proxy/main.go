package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/yleoer/mp3proxy/pkg/cache"
	"github.com/yleoer/mp3proxy/pkg/config"
	"github.com/yleoer/mp3proxy/pkg/converter"
	"github.com/yleoer/mp3proxy/pkg/database"
	"github.com/yleoer/mp3proxy/pkg/metrics"
	"github.com/yleoer/mp3proxy/pkg/relay"
	"github.com/yleoer/mp3proxy/pkg/server"
	"github.com/yleoer/mp3proxy/pkg/stations"
	"github.com/yleoer/mp3proxy/pkg/transcode"
	"github.com/yleoer/mp3proxy/pkg/upstream"
)

const shutdownTimeout = 10 * time.Second

var (
	port     int
	apiURL   string
	logLevel string

	rootCmd = &cobra.Command{
		Use:           "mp3proxy",
		Short:         "Relay songs, lyrics and live radio from an upstream music API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides PORT)")
	rootCmd.Flags().StringVar(&apiURL, "upstream", "", "upstream API base url (overrides UPSTREAM_API_URL)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("mp3proxy exited", "err", err)
		os.Exit(1)
	}
}

// loadConfig 读取环境变量，命令行参数优先
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = port
	}
	if cmd.Flags().Changed("upstream") {
		cfg.UpstreamAPI = apiURL
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*log.Logger, error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

func run(cmd *cobra.Command, _ []string) error {
	// 1. 加载配置并初始化日志器
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("starting", "addr", cfg.Addr(), "upstream", cfg.UpstreamAPI, "cache_entries", cfg.MaxCacheItems)

	// 2. 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. 搜索词繁简转换
	textConverter := converter.NewPassthrough()
	if cfg.QueryT2S {
		textConverter, err = converter.NewOpenCCConverter(logger.WithPrefix("converter"))
		if err != nil {
			return fmt.Errorf("init opencc: %w", err)
		}
	}

	// 4. 电台目录：内置 VOV 电台和需要转码的 Zing 电台
	catalog := stations.NewCatalog(stations.Default(cfg.LivePlaylistURL), stations.Directory()...)
	if cfg.StationsFile != "" {
		watcher, err := stations.Watch(cfg.StationsFile, catalog, logger.WithPrefix("stations"))
		if err != nil {
			return fmt.Errorf("load stations: %w", err)
		}
		defer watcher.Close()
	}

	// 5. 搜索记录
	history := database.NewNop()
	if cfg.HistoryDB != "" {
		history, err = database.NewSQLiteLog(cfg.HistoryDB, logger.WithPrefix("history"))
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
	}
	defer history.Close()

	// 6. 上游客户端、缓存、转码与业务服务
	gateway := upstream.NewClient(upstream.Options{
		BaseURL:       cfg.UpstreamAPI,
		UserAgent:     cfg.UserAgent,
		SearchTimeout: cfg.SearchTimeout,
		StreamTimeout: cfg.StreamTimeout,
		RPS:           cfg.UpstreamRPS,
		Burst:         cfg.UpstreamBurst,
	}, m, logger.WithPrefix("upstream"))

	transcoder := transcode.NewTranscoder(transcode.Options{
		FFmpegPath: cfg.FFmpegPath,
		KillGrace:  cfg.KillGrace,
	}, m, logger.WithPrefix("live"))
	if err := transcoder.CheckBinary(); err != nil {
		logger.Warn("ffmpeg not found, live radio will fail", "path", cfg.FFmpegPath, "err", err)
	}

	svc := relay.New(relay.Options{
		Gateway:         gateway,
		Cache:           cache.New(cfg.MaxCacheItems),
		Catalog:         catalog,
		Converter:       textConverter,
		History:         history,
		Live:            transcoder,
		PrefetchWorkers: cfg.PrefetchWorkers,
		PrefetchTimeout: cfg.StreamTimeout,
	}, m, logger.WithPrefix("relay"))
	defer svc.Close()

	// 7. HTTP 服务
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.New(svc, transcoder, reg, m, logger.WithPrefix("http")),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // 直播流没有结束时间
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	// 8. 收到信号后优雅退出
	shutdown := make(chan error, 1)
	go func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info("shutting down...")
		// 先结束直播，否则 Shutdown 会一直等待这些连接
		transcoder.Close()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdown <- srv.Shutdown(ctx)
	}()

	logger.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	if err := <-shutdown; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
