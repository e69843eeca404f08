// Package config loads the relay's runtime configuration: flag and
// environment-variable scalars following the teacher's envVarXxx + flag
// convention, plus the one inherently list-shaped piece — the set of apps
// (namespaces/pools) to serve — from a YAML side-file.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarListenAddr      = "SIGNALRELAY_LISTEN_ADDR"
	envVarHTTPSListenAddr = "SIGNALRELAY_HTTPS_LISTEN_ADDR"
	envVarTLSCertFile     = "SIGNALRELAY_TLS_CERT_FILE"
	envVarTLSKeyFile      = "SIGNALRELAY_TLS_KEY_FILE"
	envVarAppsFile        = "SIGNALRELAY_APPS_FILE"
	envVarMaxPayloadBytes = "SIGNALRELAY_MAX_PAYLOAD_BYTES"
	envVarAdminToken      = "SIGNALRELAY_ADMIN_TOKEN"
	envVarLogVerbose      = "SIGNALRELAY_LOG_VERBOSE"
	envVarShutdownTimeout = "SIGNALRELAY_SHUTDOWN_TIMEOUT"

	// envVarPortOverride mirrors the teacher's pattern of letting a
	// process-level port variable (as injected by many PaaS platforms)
	// supersede whatever is configured. Per spec, setting it also
	// deactivates TLS, since a single injected port cannot serve both a
	// plain and a TLS listener.
	envVarPortOverride = "PORT"

	// DefaultListenAddr, DefaultMaxPayloadBytes, and DefaultShutdownTimeout
	// are the fallbacks used when neither flag nor environment variable is
	// set.
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultMaxPayloadBytes = 64 * 1024
	DefaultShutdownTimeout = 15 * time.Second
)

// AppConfig names one pool: a URL path it is served under, a logical name
// for logs, and whether address sharing is enabled within it.
type AppConfig struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	AddressSharing bool   `yaml:"address_sharing"`
}

type appsFile struct {
	Apps []AppConfig `yaml:"apps"`
}

// Config is the relay's fully-validated runtime configuration.
type Config struct {
	ListenAddr      string
	HTTPSListenAddr string
	TLSCertFile     string
	TLSKeyFile      string

	Apps            []AppConfig
	MaxPayloadBytes int
	AdminToken      string
	LogVerbose      bool
	ShutdownTimeout time.Duration
}

// TLSEnabled reports whether an HTTPS listener is configured.
func (c Config) TLSEnabled() bool {
	return c.HTTPSListenAddr != ""
}

// AdminTokenConfigured reports whether socket admission requires a
// previously-issued userToken (spec §6's admission predicate).
func (c Config) AdminTokenConfigured() bool {
	return strings.TrimSpace(c.AdminToken) != ""
}

// LogLevel maps LogVerbose to a slog level.
func (c Config) LogLevel() slog.Level {
	if c.LogVerbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Load parses args against the process environment.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, os.ReadFile, args)
}

func load(lookup func(string) (string, bool), readFile func(string) ([]byte, error), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	httpsListenAddr := envOrDefault(lookup, envVarHTTPSListenAddr, "")
	tlsCertFile := envOrDefault(lookup, envVarTLSCertFile, "")
	tlsKeyFile := envOrDefault(lookup, envVarTLSKeyFile, "")
	appsFilePath := envOrDefault(lookup, envVarAppsFile, "")
	adminToken := envOrDefault(lookup, envVarAdminToken, "")

	maxPayloadBytes, err := envIntOrDefault(lookup, envVarMaxPayloadBytes, DefaultMaxPayloadBytes)
	if err != nil {
		return Config{}, err
	}

	logVerbose := false
	if raw, ok := lookup(envVarLogVerbose); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogVerbose, raw, err)
		}
		logVerbose = v
	}

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	fs := flag.NewFlagSet("signalreld", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&httpsListenAddr, "https-listen-addr", httpsListenAddr, "HTTPS listen address (host:port); requires --tls-cert-file and --tls-key-file (env "+envVarHTTPSListenAddr+")")
	fs.StringVar(&tlsCertFile, "tls-cert-file", tlsCertFile, "TLS certificate file (env "+envVarTLSCertFile+")")
	fs.StringVar(&tlsKeyFile, "tls-key-file", tlsKeyFile, "TLS private key file (env "+envVarTLSKeyFile+")")
	fs.StringVar(&appsFilePath, "apps-file", appsFilePath, "YAML file listing the apps (namespaces) to serve (env "+envVarAppsFile+")")
	fs.IntVar(&maxPayloadBytes, "max-payload-bytes", maxPayloadBytes, "Max single-frame payload size in bytes (env "+envVarMaxPayloadBytes+")")
	fs.StringVar(&adminToken, "admin-token", adminToken, "Optional admin token gating socket admission (env "+envVarAdminToken+")")
	fs.BoolVar(&logVerbose, "log-verbose", logVerbose, "Verbose (debug-level) logging (env "+envVarLogVerbose+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if maxPayloadBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-payload-bytes must be > 0", envVarMaxPayloadBytes)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}

	switch {
	case httpsListenAddr == "" && tlsCertFile == "" && tlsKeyFile == "":
		// HTTPS disabled.
	case httpsListenAddr != "" && tlsCertFile != "" && tlsKeyFile != "":
		// HTTPS enabled.
	default:
		return Config{}, fmt.Errorf("--https-listen-addr, --tls-cert-file, and --tls-key-file must all be set together (or all unset)")
	}

	apps, err := loadApps(readFile, appsFilePath)
	if err != nil {
		return Config{}, err
	}
	if len(apps) == 0 {
		return Config{}, fmt.Errorf("at least one app must be configured (%s/--apps-file)", envVarAppsFile)
	}
	seenPaths := make(map[string]bool, len(apps))
	for _, a := range apps {
		if a.Path == "" {
			return Config{}, fmt.Errorf("app %q: path must not be empty", a.Name)
		}
		if seenPaths[a.Path] {
			return Config{}, fmt.Errorf("duplicate app path %q", a.Path)
		}
		seenPaths[a.Path] = true
	}

	// A process-level port override (e.g. PaaS-injected $PORT) supersedes the
	// configured port and deactivates TLS, since one port cannot serve both
	// a plain and a TLS listener.
	if override, ok := lookup(envVarPortOverride); ok && strings.TrimSpace(override) != "" {
		host, _, _ := net.SplitHostPort(listenAddr)
		listenAddr = net.JoinHostPort(host, strings.TrimSpace(override))
		httpsListenAddr = ""
		tlsCertFile = ""
		tlsKeyFile = ""
	}

	return Config{
		ListenAddr:      listenAddr,
		HTTPSListenAddr: httpsListenAddr,
		TLSCertFile:     tlsCertFile,
		TLSKeyFile:      tlsKeyFile,
		Apps:            apps,
		MaxPayloadBytes: maxPayloadBytes,
		AdminToken:      adminToken,
		LogVerbose:      logVerbose,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// NewLogger builds the process-wide structured logger from cfg.LogLevel.
func NewLogger(cfg Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()})
	return slog.New(handler)
}

func loadApps(readFile func(string) ([]byte, error), path string) ([]AppConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading apps file %q: %w", path, err)
	}
	var parsed appsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing apps file %q: %w", path, err)
	}
	return parsed.Apps, nil
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
