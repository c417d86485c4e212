package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btouchard/cropcast/internal/bridge"
	"github.com/btouchard/cropcast/internal/channel"
	"github.com/btouchard/cropcast/internal/config"
	"github.com/btouchard/cropcast/internal/notify"
	"github.com/btouchard/cropcast/internal/server"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "version":
		fmt.Printf("cropcast %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: cropcast <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the development push server\n")
	fmt.Fprintf(os.Stderr, "  watch     Connect to a push server and print notifications\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting cropcast push server",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := runServe(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	url := fs.String("url", "", "push server URL (overrides config)")
	address := fs.String("address", "", "viewer address (overrides config)")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Channel.URL = *url
	}
	if *address != "" {
		cfg.Viewer.Address = *address
	}

	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runWatch(ctx, cfg)
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	push := server.New()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      push.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("push server is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// runWatch composes the bridge and renders notifications to the console,
// standing in for the toast and panel surfaces of the web UI.
func runWatch(ctx context.Context, cfg *config.Config) {
	hub := notify.NewHub()
	ch := channel.New(
		&channel.WebSocketDialer{HandshakeTimeout: cfg.Channel.HandshakeTimeout},
		cfg.Channel.BaseDelay,
		cfg.Channel.MaxAttempts,
	)
	b := bridge.New(hub, ch)
	defer b.Stop()

	hub.Subscribe("toast", func(n notify.Notification) {
		fmt.Println(renderToast(n))
	})
	hub.Subscribe("panel", func(n notify.Notification) {
		slog.Debug("panel updated", "unread", hub.UnreadCount(), "type", string(n.Type))
	})

	url := watchURL(cfg)
	slog.Info("watching for notifications", "url", url, "viewer", cfg.Viewer.Address)
	b.Start(url)

	<-ctx.Done()
	slog.Info("stopping", "unread", hub.UnreadCount(), "received", hub.Len())
}

// watchURL appends the viewer identity the server keys routing on.
func watchURL(cfg *config.Config) string {
	url := cfg.Channel.URL
	sep := "?"
	if cfg.Viewer.Address != "" {
		url += sep + "user_address=" + cfg.Viewer.Address
		sep = "&"
	}
	if cfg.Viewer.Role != "" {
		url += sep + "user_role=" + cfg.Viewer.Role
	}
	return url
}

// renderToast formats one notification the way the web UI titles them.
func renderToast(n notify.Notification) string {
	ts := n.CreatedAt.Format(time.TimeOnly)
	switch n.Type {
	case notify.TypeRecordCreated:
		return fmt.Sprintf("[%s] new record: %v (batch %v)", ts, n.Payload["name"], n.Payload["batchId"])
	case notify.TypeRecordTransferred:
		return fmt.Sprintf("[%s] record %v transferred: %v -> %v", ts, n.Payload["recordId"], n.Payload["fromAddress"], n.Payload["toAddress"])
	case notify.TypeRecordPurchased:
		return fmt.Sprintf("[%s] record %v purchased by %v for %v", ts, n.Payload["recordId"], n.Payload["buyerAddress"], n.Payload["amount"])
	case notify.TypeRoleGranted:
		return fmt.Sprintf("[%s] role %v granted to %v", ts, n.Payload["role"], n.Payload["userAddress"])
	case notify.TypeSystemMessage:
		return fmt.Sprintf("[%s] %v", ts, n.Payload["message"])
	default:
		return fmt.Sprintf("[%s] notification: %v", ts, n.Payload)
	}
}
