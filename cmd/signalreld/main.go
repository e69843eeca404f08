package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/kestrel-net/signalrelay/internal/admission"
	"github.com/kestrel-net/signalrelay/internal/config"
	"github.com/kestrel-net/signalrelay/internal/frontend"
	"github.com/kestrel-net/signalrelay/internal/httpserver"
	"github.com/kestrel-net/signalrelay/internal/metrics"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting signalreld",
		"listen_addr", cfg.ListenAddr,
		"https_listen_addr", cfg.HTTPSListenAddr,
		"apps", appNames(cfg.Apps),
		"max_payload_bytes", cfg.MaxPayloadBytes,
		"admin_token_configured", cfg.AdminTokenConfigured(),
	)

	m := metrics.New()

	reg := admission.NewRegistry()
	if cfg.AdminTokenConfigured() {
		reg.Issue(cfg.AdminToken)
	}
	gate := admission.NewGate(cfg.AdminTokenConfigured(), reg)

	fe := frontend.New(cfg, gate, logger, m)

	commit, bTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: bTime}, m)

	for _, app := range fe.Apps() {
		handler, err := fe.Handler(app.Config.Path)
		if err != nil {
			logger.Error("failed to build app handler", "err", err, "app", app.Config.Name)
			os.Exit(2)
		}
		srv.Handle(app.Config.Path, handler)
		logger.Info("registered app", "name", app.Config.Name, "path", app.Config.Path, "address_sharing", app.Config.AddressSharing)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	var tlsListener net.Listener
	tlsErrCh := make(chan error, 1)
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Error("failed to load TLS certificate", "err", err)
			os.Exit(2)
		}
		tlsLn, err := tls.Listen("tcp", cfg.HTTPSListenAddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			logger.Error("failed to listen (tls)", "err", err)
			os.Exit(1)
		}
		tlsListener = tlsLn
		go func() {
			tlsErrCh <- srv.Serve(tlsListener)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case err := <-tlsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("https server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	if tlsListener != nil {
		if err := <-tlsErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("https server exited after shutdown", "err", err)
			os.Exit(1)
		}
	}
}

func appNames(apps []config.AppConfig) []string {
	names := make([]string, len(apps))
	for i, a := range apps {
		names[i] = a.Name
	}
	return names
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
