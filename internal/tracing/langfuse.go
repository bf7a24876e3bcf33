// Package tracing wires model calls to Langfuse through eino's global
// callback handlers. Tracing is opt-in: nothing is registered unless both
// Langfuse keys are present in the environment.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/ragent/internal/version"
)

// defaultHost is the address of a self-hosted Langfuse started locally.
const defaultHost = "http://localhost:3000"

// Config holds the Langfuse connection settings.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY. It returns nil when either key is missing.
func ConfigFromEnv() *Config {
	cfg := &Config{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	return cfg
}

// Setup registers a Langfuse handler for every eino component call when the
// environment configures one. The returned flush function sends buffered
// traces and must be called before the process exits; it is a no-op when
// tracing is disabled.
func Setup(log *slog.Logger) func() {
	cfg := ConfigFromEnv()
	if cfg == nil {
		log.Debug("tracing: langfuse not configured")
		return func() {}
	}

	handler, flush := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "ragent",
		Release:   version.Version,
	})
	callbacks.AppendGlobalHandlers(handler)

	log.Info("tracing: langfuse enabled", slog.String("host", cfg.Host))
	return flush
}
