package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tabmux/internal/api"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/dgnsrekt/tabmux/internal/config"
	"github.com/dgnsrekt/tabmux/internal/controller"
	"github.com/dgnsrekt/tabmux/internal/netutil"
	"github.com/dgnsrekt/tabmux/internal/relay"
	"github.com/dgnsrekt/tabmux/internal/storage"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load tabmux config", "error", err)
		os.Exit(1)
	}
	fs := pflag.NewFlagSet("tabmux", pflag.ExitOnError)
	if err := cfg.ApplyFlags(fs, os.Args[1:]); err != nil {
		slog.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tabmux config loaded",
		"cdp_url", cfg.CDPURL(),
		"profile", cfg.Profile,
		"bind_addr", cfg.BindAddr,
		"command_timeout", cfg.CommandTimeout,
		"bootstrap_attempts", cfg.BootstrapAttempts,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"rules_file", cfg.RulesPath,
		"relay_config", cfg.RelayConfigPath,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if err := run(cfg); err != nil {
		slog.Error("tabmux exited", "error", err)
		os.Exit(1)
	}
}

// run opens everything after the logger. Its defers run on every exit path.
func run(cfg *config.Config) error {
	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("load intercept rules %s: %w", cfg.RulesPath, err)
	}

	relayCfg := &relay.RelayConfig{}
	if cfg.RelayConfigPath != "" {
		if relayCfg, err = relay.LoadConfig(cfg.RelayConfigPath); err != nil {
			return fmt.Errorf("load relay config %s: %w", cfg.RelayConfigPath, err)
		}
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return fmt.Errorf("bind API address %s: %w", cfg.BindAddr, err)
	}
	defer ln.Close()
	bindAddr := ln.Addr().String()

	broker := relay.NewBroker()
	opts := cfg.SessionOptions()
	opts.Rules = rules
	observers := cdpsession.Observers{relay.NewFeed(broker)}
	if cfg.JournalDir != "" {
		journal := storage.NewJournal(cfg.JournalDir, journalName(cfg.Profile), 4096, cfg.JournalMaxMB)
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Debug("journal close failed", "error", err)
			}
		}()
		observers = append(observers, journal)
	}
	opts.Observer = observers

	// An interrupt aborts a bootstrap that is still retrying.
	bootCtx, stopBoot := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	sess, err := cdpsession.Bootstrap(bootCtx, opts)
	stopBoot()
	if err != nil {
		return fmt.Errorf("attach to browser at %s: %w", cfg.CDPURL(), err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			slog.Debug("session close failed", "error", err)
		}
	}()

	wsRelay := relay.NewRelay(relayCfg, broker)
	wsRelay.Start(sess)
	defer wsRelay.Stop()

	svc := controller.NewService(sess)
	srv := &http.Server{Handler: api.NewServer(svc, broker), ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("tabmux listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var exitErr error
	select {
	case sig := <-sigCh:
		slog.Info("tabmux shutting down", "signal", sig.String())
	case <-sess.Done():
		exitErr = errors.New("lost the browser connection")
	case err := <-serveErr:
		exitErr = fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tabmux shutdown failed", "error", err)
	}
	return exitErr
}

// journalName keeps one file per run: profile plus a short random suffix.
func journalName(profile string) string {
	return profile + "-" + uuid.NewString()[:8]
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
