package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/prolicense/internal/api"
	"github.com/rcourtman/prolicense/internal/config"
	"github.com/rcourtman/prolicense/internal/logging"
	"github.com/rcourtman/prolicense/internal/metrics"
	"github.com/rcourtman/prolicense/pkg/licensing"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

// Run loads configuration and serves the license API until ctx is cancelled
// or the process receives SIGINT or SIGTERM. SIGHUP reloads the .env file.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "license-server",
	})
	log.Info().Str("version", version).Msg("Starting license server")

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	return Serve(ctx, cfg, ln)
}

// Serve runs the license API on ln with graceful shutdown. It owns ln.
func Serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	provider := config.NewProvider(cfg)
	reportKeyMaterial(cfg)

	watcher, err := config.NewEnvWatcher(cfg.EnvFile, provider)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable; .env changes need a restart")
	} else {
		watcher.OnReload(func(next *config.Config, err error) {
			metrics.RecordConfigReload(err == nil)
			if err == nil {
				reportKeyMaterial(next)
			}
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	limiter := api.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	defer limiter.Stop()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, &api.Deps{
		Config:  provider,
		Limiter: limiter,
	})

	srv := &http.Server{
		Handler:           logging.Middleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in background
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("License server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, shutting down...")
			break loop
		case err, ok := <-serveErr:
			if ok {
				log.Error().Err(err).Msg("Server failed")
				runErr = fmt.Errorf("serve: %w", err)
			}
			break loop
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if watcher != nil {
					log.Info().Msg("Received SIGHUP, reloading configuration")
					watcher.ReloadConfig()
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("License server stopped")
	return runErr
}

// reportKeyMaterial logs whether tokens can be verified and updates the gauge.
// A server without key material still answers legacy keys.
func reportKeyMaterial(cfg *config.Config) {
	pub, err := cfg.KeyMaterial().PublicKey()
	if err != nil {
		metrics.SetVerificationConfigured(false)
		if errors.Is(err, licensing.ErrNoPrivateKey) {
			log.Warn().Msg("LICENSE_PRIVATE_KEY is not set; signed license verification is disabled")
			return
		}
		log.Error().Err(err).Msg("License key material is unusable; signed license verification is disabled")
		return
	}
	metrics.SetVerificationConfigured(true)
	log.Info().
		Str("key_fingerprint", licensing.PublicKeyFingerprint(pub)).
		Bool("can_issue", cfg.KeyMaterial().HasPrivateKey()).
		Msg("License verification key loaded")
}
