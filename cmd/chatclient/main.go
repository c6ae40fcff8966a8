package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/quantarax/realtime/client/config"
	"github.com/quantarax/realtime/client/service"
	"github.com/quantarax/realtime/client/store"
	"github.com/quantarax/realtime/client/transport"
	"github.com/quantarax/realtime/internal/observability"
)

const version = "1.0.0"

type chatMessage struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	quicAddr := flag.String("quic", "", "QUIC endpoint (overrides config)")
	wsURL := flag.String("ws", "", "WebSocket URL (overrides config)")
	noQUIC := flag.Bool("no-quic", false, "Disable QUIC")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (dev only)")
	metricsAddr := flag.String("metrics-addr", "", "Address for /metrics and /health (overrides config)")
	logLevel := flag.String("log-level", "", "Logging level (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *quicAddr != "" {
		cfg.QUICEndpoint = *quicAddr
	}
	if *wsURL != "" {
		cfg.WebSocketEndpoint = *wsURL
	}
	if *noQUIC {
		cfg.DisableQUIC = true
	}
	if *insecure {
		cfg.InsecureSkipVerify = true
	}
	if *metricsAddr != "" {
		cfg.Observability.Addr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("quantarax-chatclient", version, logOutput(cfg.Log.Format))
	logger.SetLevel(cfg.Log.Level)

	if shutdown, err := observability.InitTracing(context.Background(), "quantarax-chatclient"); err == nil {
		defer shutdown(context.Background())
	}

	kv, err := store.Open(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		logger.Fatal(err, "Failed to open preference store")
	}
	defer kv.Close()
	cache := store.NewPreferenceCache(kv, cfg.Cache.Key, cfg.PreferenceCacheTTL, logger)

	metrics := observability.NewMetrics(nil)
	factory := transport.NewFactory(cfg, logger, metrics)
	manager := service.NewManager(*cfg, factory,
		service.WithLogger(logger),
		service.WithPrometheus(metrics),
		service.WithPreferenceCache(cache),
	)

	healthChecker := observability.NewHealthChecker(version)
	healthChecker.RegisterCheck("transport", manager.HealthCheck())
	if cfg.Observability.Addr != "" {
		go startObservabilityServer(cfg.Observability.Addr, metrics, healthChecker, logger)
	}

	service.On(manager.Events(), func(ev service.MessageEvent) {
		var msg chatMessage
		if err := json.Unmarshal(ev.Payload, &msg); err == nil && msg.Text != "" {
			fmt.Printf("< %s\n", msg.Text)
			return
		}
		fmt.Printf("< %s\n", ev.Payload)
	})
	service.On(manager.Events(), func(ev service.ConnectedEvent) {
		fmt.Printf("* connected via %s\n", ev.Transport)
	})
	service.On(manager.Events(), func(ev service.DisconnectedEvent) {
		fmt.Printf("* disconnected (%s)\n", ev.Reason)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := manager.Connect(ctx); err != nil {
		logger.Fatal(err, "Failed to connect")
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			manager.Disconnect()
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				manager.Disconnect()
				return
			}
			handleLine(ctx, manager, line)
		}
	}
}

func handleLine(ctx context.Context, manager *service.Manager, line string) {
	switch {
	case line == "":
		return
	case line == "/stats":
		printStats(manager.Metrics())
		return
	case strings.HasPrefix(line, "/"):
		if _, err := manager.Send(ctx, []byte(line), service.WithCategory(transport.CategoryBotCommand)); err != nil {
			fmt.Printf("! %v\n", err)
		}
		return
	}

	msg := chatMessage{ID: uuid.NewString(), Text: line, SentAt: time.Now().UnixMilli()}
	payload, err := json.Marshal(msg)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	if _, err := manager.Send(ctx, payload, service.WithMessageID(msg.ID)); err != nil {
		fmt.Printf("! %v\n", err)
	}
}

func printStats(m service.PerformanceMetrics) {
	fmt.Printf("transport:   %s (%s, up %s)\n", m.TransportType, m.ConnectionState, m.ConnectionDuration.Round(time.Second))
	fmt.Printf("messages:    %d sent, %d received (%.1f/s)\n", m.MessagesSent, m.MessagesReceived, m.MessagesPerSecond)
	fmt.Printf("bytes:       %d sent, %d received (%.0f B/s)\n", m.BytesSent, m.BytesReceived, m.BytesPerSecond)
	fmt.Printf("latency:     avg %s min %s max %s\n", m.AverageLatency, m.MinLatency, m.MaxLatency)
	fmt.Printf("lifecycle:   %d reconnects, %d fallbacks, %d migrations, %d errors\n",
		m.ReconnectCount, m.FallbackCount, m.MigrationCount, m.ErrorCount)
	if m.LastError != "" {
		fmt.Printf("last error:  %s\n", m.LastError)
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

// logOutput writes human-readable logs to an interactive terminal and JSON
// everywhere else.
func logOutput(format string) io.Writer {
	switch format {
	case "console":
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	case "json":
		return os.Stderr
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return os.Stderr
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("Observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "Observability server error")
	}
}
