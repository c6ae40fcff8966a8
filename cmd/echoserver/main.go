package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantarax/realtime/internal/echo"
	"github.com/quantarax/realtime/internal/observability"
	"github.com/quantarax/realtime/internal/quicutil"
	"github.com/quantarax/realtime/internal/validation"
)

const version = "1.0.0"

func main() {
	quicAddr := flag.String("quic", ":4433", "QUIC listen address (empty disables QUIC)")
	httpAddr := flag.String("http", ":8080", "HTTP listen address for /ws, /health, /stats")
	alpn := flag.String("alpn", quicutil.DefaultALPN, "QUIC ALPN protocol")
	connRate := flag.Float64("conn-rate", 200, "New connections admitted per second (0 disables the limit)")
	connBurst := flag.Int("conn-burst", 400, "Connection burst size")
	logLevel := flag.String("log-level", "info", "Logging level")
	flag.Parse()

	if *quicAddr != "" {
		if err := validation.ValidateAddr(*quicAddr); err != nil {
			fmt.Fprintf(os.Stderr, "invalid quic listen addr: %v\n", err)
			os.Exit(1)
		}
	}
	if err := validation.ValidateAddr(*httpAddr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid http listen addr: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("quantarax-echoserver", version, os.Stdout)
	logger.SetLevel(*logLevel)

	if shutdown, err := observability.InitTracing(context.Background(), "quantarax-echoserver"); err == nil {
		defer shutdown(context.Background())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := echo.NewServer(logger)
	server.SetConnectionLimit(*connRate, *connBurst)
	healthChecker := observability.NewHealthChecker(version)

	if *quicAddr != "" {
		tlsConfig, err := quicutil.MakeDevServerTLSConfig(*alpn)
		if err != nil {
			logger.Fatal(err, "Failed to create TLS config")
		}
		addr, err := server.ListenQUIC(*quicAddr, tlsConfig)
		if err != nil {
			logger.Fatal(err, "Failed to start QUIC listener")
		}
		healthChecker.RegisterCheck("quic_listener", observability.ListenerCheck("quic", addr.String()))

		go func() {
			if err := server.ServeQUIC(ctx); err != nil {
				logger.Error(err, "QUIC echo stopped")
			}
		}()
	}

	healthChecker.RegisterCheck("http_listener", observability.ListenerCheck("http", *httpAddr))

	mux := http.NewServeMux()
	mux.Handle("/ws", server.WebSocketHandler())
	mux.Handle("/health", healthChecker.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(server.Stats())
	})
	// drops every client so reconnect handling can be exercised by hand
	mux.HandleFunc("/drop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		server.DropConnections()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	httpServer := &http.Server{Addr: *httpAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("HTTP server listening on " + *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP shutdown")
	}
	if err := server.Close(); err != nil {
		logger.Error(err, "echo server close")
	}
	logger.Info("Echo server stopped")
}
