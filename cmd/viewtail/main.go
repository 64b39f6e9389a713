package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"github.com/viewtail/viewtail/pkg/config"
	"github.com/viewtail/viewtail/pkg/monotonic"
	"github.com/viewtail/viewtail/pkg/server"
	"github.com/viewtail/viewtail/pkg/tracing"
	"github.com/viewtail/viewtail/pkg/upstream"
)

func main() {
	app := cli.App{
		Name:    "viewtail",
		Usage:   "streaming view change fan-out service",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the YAML config file",
			EnvVars: []string{"VIEWTAIL_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "addr to serve echo on",
			EnvVars: []string{"VIEWTAIL_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "upstream-ws-url",
			Usage:   "full websocket path to the upstream delta feed endpoint",
			EnvVars: []string{"VIEWTAIL_UPSTREAM__WS_URL"},
		},
		&cli.StringFlag{
			Name:    "upstream-http-url",
			Usage:   "base URL of the upstream one-shot query API",
			EnvVars: []string{"VIEWTAIL_UPSTREAM__HTTP_URL"},
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory to store the watermark cursors (pebbleDB)",
			EnvVars: []string{"VIEWTAIL_DATA_DIR"},
		},
		&cli.DurationFlag{
			Name:    "snapshot-deadline",
			Usage:   "max time the snapshot phase may stay open without a watermark advance",
			EnvVars: []string{"VIEWTAIL_SNAPSHOT_DEADLINE"},
		},
	}

	app.Action = Viewtail

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Viewtail is the main function for viewtail
func Viewtail(cctx *cli.Context) error {
	ctx := cctx.Context

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting viewtail")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("initializing tracer...")
		shutdown, err := tracing.InstallExportPipeline(ctx, "viewtail", 0.01)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return err
	}
	if cctx.IsSet("listen-addr") {
		cfg.ListenAddr = cctx.String("listen-addr")
	}
	if cctx.IsSet("upstream-ws-url") {
		cfg.Upstream.WSURL = cctx.String("upstream-ws-url")
	}
	if cctx.IsSet("upstream-http-url") {
		cfg.Upstream.HTTPURL = cctx.String("upstream-http-url")
	}
	if cctx.IsSet("data-dir") {
		cfg.DataDir = cctx.String("data-dir")
	}
	if cctx.IsSet("snapshot-deadline") {
		cfg.SnapshotDeadline = cctx.Duration("snapshot-deadline")
	}

	cursors, err := upstream.OpenCursorStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}

	snap := upstream.NewSnapshotter(cfg.Upstream.HTTPURL, cfg.Upstream.SyncPath, cfg.Upstream.Token)
	srv := server.New(server.Config{Collections: cfg.Collections}, snap, logger)

	clock := monotonic.NewClock()

	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	consumers := make(map[string]*upstream.Consumer, len(cfg.Activated()))
	for _, collection := range cfg.Activated() {
		c, err := upstream.NewConsumer(upstream.Config{
			WSURL:            cfg.Upstream.WSURL,
			Collection:       collection,
			View:             cfg.Collections[collection],
			Token:            cfg.Upstream.Token,
			SnapshotDeadline: cfg.SnapshotDeadline,
		}, clock, cursors, logger, srv.Broadcast)
		if err != nil {
			return fmt.Errorf("failed to create consumer for %s: %w", collection, err)
		}
		consumers[collection] = c
		go func() {
			if err := c.Run(consumerCtx); err != nil {
				logger.Error("consumer exited", "error", err)
			}
		}()
	}

	// Start a goroutine to manage the cursors, persisting them every 5 seconds.
	shutdownCursorManager := make(chan struct{})
	cursorManagerShutdown := make(chan struct{})
	go func() {
		ctx := context.Background()
		ticker := time.NewTicker(5 * time.Second)
		log := logger.With("source", "cursor_manager")

		writeAll := func() {
			for collection, c := range consumers {
				if err := c.WriteCursor(ctx); err != nil {
					log.Error("failed to write cursor", "collection", collection, "error", err)
				}
			}
		}

		for {
			select {
			case <-shutdownCursorManager:
				log.Info("shutting down cursor manager")
				writeAll()
				log.Info("cursor manager shut down successfully")
				close(cursorManagerShutdown)
				return
			case <-ticker.C:
				writeAll()
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "viewtail")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/subscribe", srv.HandleSubscribe)
	e.GET("/health", func(c echo.Context) error {
		stats := srv.Stats()
		collections := make(map[string]collectionHealth, len(consumers))
		for name, consumer := range consumers {
			st := consumer.Status()
			collections[name] = collectionHealth{
				View:          st.View,
				Subscribers:   stats.Collections[name],
				Connected:     st.Connected,
				LastWatermark: st.LastWatermark,
			}
		}
		return c.JSON(http.StatusOK, healthResponse{
			Connections: stats.Connections,
			Collections: collections,
		})
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: e,
	}

	// Startup echo server
	shutdownEcho := make(chan struct{})
	echoShutdown := make(chan struct{})
	go func() {
		log := logger.With("source", "echo_server")

		log.Info("echo server listening", "addr", cfg.ListenAddr)

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Error("failed to start echo server", "error", err)
			}
		}()
		<-shutdownEcho
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown echo server", "error", err)
		}
		log.Info("echo server shut down")
		close(echoShutdown)
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("shutting down on signal")
	case <-ctx.Done():
		logger.Info("shutting down on context done")
	}

	logger.Info("shutting down, waiting for workers to clean up...")
	stopConsumers()
	close(shutdownCursorManager)
	close(shutdownEcho)

	<-cursorManagerShutdown
	<-echoShutdown

	if err := cursors.Close(); err != nil {
		logger.Error("failed to close cursor store", "error", err)
	}

	logger.Info("shut down successfully")

	return nil
}

type healthResponse struct {
	Connections int                         `json:"connections"`
	Collections map[string]collectionHealth `json:"collections"`
}

type collectionHealth struct {
	View          string `json:"view"`
	Subscribers   int    `json:"subscribers"`
	Connected     bool   `json:"connected"`
	LastWatermark int64  `json:"last_watermark"`
}
