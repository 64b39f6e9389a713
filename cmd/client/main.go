package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viewtail/viewtail/pkg/client"
	"github.com/viewtail/viewtail/pkg/models"
)

const (
	serverAddr = "ws://localhost:6008/subscribe"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
	logger := slog.Default()

	collections := os.Args[1:]
	if len(collections) == 0 {
		log.Fatal("usage: client <collection> [<collection> ...]")
	}

	config := client.DefaultConfig()
	config.WebsocketURL = serverAddr
	config.Collections = collections

	handler := &client.Handler{
		OnSync: func(collection string, records map[string]models.Record) {
			logger.Info("synced", "collection", collection, "records", len(records))
		},
		OnChange: func(event models.ChangeEvent) {
			logger.Info("change", "collection", event.Collection, "operation", event.Operation)
		},
		OnError: func(message string) {
			logger.Error("server error", "message", message)
		},
	}

	manager := client.NewManager(logger)
	c, err := manager.Acquire(config, handler)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	// Every 5 seconds print the events read and reconciled sizes
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			for _, collection := range collections {
				records, ok := c.Records(collection)
				if !ok {
					continue
				}
				logger.Info("stats",
					"collection", collection,
					"status", c.Status(collection).String(),
					"records", len(records),
					"events_read", c.EventsRead.Load(),
					"bytes_read", c.BytesRead.Load(),
				)
			}
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down cleanly", "error", err)
	}

	slog.Info("shutdown")
}
