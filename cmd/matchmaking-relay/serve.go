package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/verify"
)

func serve(ctx context.Context, args []string) error {
	// A missing .env is normal; real env always wins over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return exitWith(2, fmt.Errorf("load .env: %w", err))
	}

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return exitWith(2, err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return exitWith(2, err)
	}
	slog.SetDefault(logger)

	logger.Info("starting matchmaking-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"max_connections", cfg.MaxConnections,
		"track_pairings", cfg.TrackPairings,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"verify_enabled", cfg.VerifyEnabled,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("ice server config rejected; /readyz will report not ready", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return exitWith(1, err)
	}

	a, err := newApp(cfg, logger, resolveBuildInfo(buildCommit, buildTime))
	if err != nil {
		_ = ln.Close()
		return exitWith(2, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		a.signaling.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return exitWith(1, err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	a.http.SetReady(false)
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed; forcing close", "err", err)
		_ = a.http.Close()
	}
	a.signaling.Close()

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return exitWith(1, err)
	}
	return nil
}

// app is the assembled relay: the HTTP surface plus the signaling server that
// owns the live WebSockets.
type app struct {
	http      *httpserver.Server
	signaling *signaling.Server
	metrics   *metrics.Metrics
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()
	srv := httpserver.New(cfg, logger, build)

	sig := signaling.NewServer(signaling.Config{
		Matchmaker: matchmaking.New(matchmaking.Options{
			MaxConnections: cfg.MaxConnections,
			TrackPairings:  cfg.TrackPairings,
		}),
		Metrics:                       m,
		Logger:                        logger,
		AllowedOrigins:                cfg.OriginPolicy(),
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SignalingSendQueueDepth:       cfg.SignalingSendQueueDepth,
	})

	router := srv.Router()
	sig.RegisterRoutes(router)
	router.Handle("/metrics", metrics.PrometheusHandler(m)).Methods(http.MethodGet)

	if cfg.VerifyEnabled {
		issuer, err := verify.NewIssuer(cfg.VerifyTokenSecret, cfg.VerifyTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("configure verification: %w", err)
		}
		vh := verify.NewHandler(verify.Config{
			Issuer:  issuer,
			Metrics: m,
			Logger:  logger,
		})
		router.HandleFunc("/api/verify", srv.WithOriginPolicy(vh.ServeHTTP)).
			Methods(http.MethodPost, http.MethodOptions)
	}

	return &app{http: srv, signaling: sig, metrics: m}, nil
}
