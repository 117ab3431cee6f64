package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigapi/gigapi-ingest/config"
	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/inspect"
	"github.com/gigapi/gigapi-ingest/server"
	"github.com/gigapi/gigapi-ingest/service"
	"github.com/spf13/afero"
)

func main() {
	configFlag := flag.String("config", os.Getenv("INGEST_CONFIG"), "Path to the config file")
	checkFlag := flag.Bool("check", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *checkFlag {
		fmt.Println("Configuration is valid")
		return
	}
	if err := core.SetupLogger(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer core.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = core.WithDefaultLogger(ctx, "main")

	if err := run(ctx, cfg); err != nil {
		core.Errorf(ctx, "%v", err)
		core.SyncLogger()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	client := inspect.NewClient(cfg.Destination.Root)
	if err := client.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize query client: %w", err)
	}
	defer client.Close()

	svc, err := service.New(cfg, service.WithQueryClient(client))
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}

	if cfg.Server.Port > 0 {
		srv := server.New(svc, client, afero.NewOsFs(), cfg.Destination.Root)
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: srv.Router(""),
		}
		go func() {
			core.Infof(ctx, "Ingest status server running at http://localhost:%d", cfg.Server.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				core.Errorf(ctx, "Failed to start status server: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(sctx)
		}()
	}

	if cfg.Server.GRPCPort > 0 {
		hs := server.NewHealthServer(svc, 0)
		go func() {
			if err := hs.ListenAndServe(ctx, cfg.Server.GRPCPort); err != nil {
				core.Errorf(ctx, "%v", err)
			}
		}()
	}

	err = svc.Run(ctx)
	core.Infof(ctx, "Ingest service stopped")
	return err
}
