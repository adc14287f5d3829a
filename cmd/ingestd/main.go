// Package main is the entry point for the ingest API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/ingest/internal/config"
	"github.com/bleepstore/ingest/internal/devstore"
	"github.com/bleepstore/ingest/internal/logging"
	"github.com/bleepstore/ingest/internal/metrics"
	"github.com/bleepstore/ingest/internal/multipart"
	"github.com/bleepstore/ingest/internal/server"
	"github.com/bleepstore/ingest/internal/sigv4"
	"github.com/bleepstore/ingest/internal/storage"
)

func main() {
	configPath := flag.String("config", "ingest.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	devStore := flag.Bool("devstore", false, "serve the in-memory development object store alongside the API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *devStore && !cfg.DevStore.Enabled {
		cfg.DevStore.Enabled = true
		if cfg.Store.Endpoint == "" {
			cfg.Store.Endpoint = fmt.Sprintf("http://%s:%d", cfg.DevStore.Host, cfg.DevStore.Port)
		}
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	var store *devstore.Server
	storeErrCh := make(chan error, 1)
	if cfg.DevStore.Enabled {
		store = devstore.New(devstore.Options{
			Bucket: cfg.Store.Bucket,
			Region: cfg.Store.Region,
			Credentials: []sigv4.Credentials{{
				AccessKeyID:     cfg.Store.AccessKeyID,
				SecretAccessKey: cfg.Store.SecretAccessKey,
			}},
			MinPartSize: cfg.DevStore.MinPartSize,
		})
		storeAddr := fmt.Sprintf("%s:%d", cfg.DevStore.Host, cfg.DevStore.Port)
		// Bind before the SDK store pings the endpoint below.
		ln, err := net.Listen("tcp", storeAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind development store: %v\n", err)
			os.Exit(1)
		}
		slog.Info("Development store listening", "addr", ln.Addr().String(), "bucket", cfg.Store.Bucket)
		go func() {
			if err := store.Serve(ln); err != nil && err != http.ErrServerClosed {
				storeErrCh <- err
			}
		}()
	}

	coord, err := multipart.New(multipart.Config{
		Endpoint: cfg.Store.Endpoint,
		Bucket:   cfg.Store.Bucket,
		Region:   cfg.Store.Region,
		Credentials: sigv4.Credentials{
			AccessKeyID:     cfg.Store.AccessKeyID,
			SecretAccessKey: cfg.Store.SecretAccessKey,
		},
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Store.RequestTimeout) * time.Second},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create upload coordinator: %v\n", err)
		os.Exit(1)
	}
	slog.Info("Object store configured", "endpoint", cfg.Store.Endpoint, "bucket", cfg.Store.Bucket, "region", cfg.Store.Region)

	var opts []server.ServerOption
	if cfg.Bundle.UseSDK {
		sdkStore, err := storage.NewS3Store(context.Background(), storage.Options{
			Endpoint:        cfg.Store.Endpoint,
			Bucket:          cfg.Store.Bucket,
			Region:          cfg.Store.Region,
			AccessKeyID:     cfg.Store.AccessKeyID,
			SecretAccessKey: cfg.Store.SecretAccessKey,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize SDK bundle store: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, server.WithBundleStore(sdkStore))
	}

	srv := server.New(cfg, coord, opts...)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Ingest API listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		if store != nil {
			if err := store.Shutdown(ctx); err != nil {
				slog.Error("Development store shutdown error", "error", err)
			}
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}

	case err := <-storeErrCh:
		fmt.Fprintf(os.Stderr, "development store error: %v\n", err)
		os.Exit(1)
	}
}
