// cmd/didwbad/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/config"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/replay"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/server"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/token"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/wba"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("didwbad failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components of one server instance.
type app struct {
	handler    http.Handler
	guard      *replay.Guard
	replay     storage.ReplayStore
	identities *storage.FileIdentityStore
	tokens     *token.Service
}

func (a *app) Close() error {
	return a.replay.Close()
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, clk clock.Clock) (*app, error) {
	priv, pub, err := token.LoadKeyPair(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTGenerateKeys)
	if err != nil {
		return nil, fmt.Errorf("load jwt keys: %w", err)
	}
	tokens, err := token.NewService(priv, pub, token.Options{Issuer: cfg.JWTIssuer, TTL: cfg.AccessTokenTTL, Clock: clk})
	if err != nil {
		return nil, err
	}

	store, err := openReplayStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	guard, err := replay.NewGuard(store, replay.Options{
		TimestampTTL:  cfg.TimestampTTL,
		NonceTTL:      cfg.NonceTTL,
		ClockSkew:     cfg.ClockSkew,
		SweepInterval: cfg.ReplaySweep,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	identities := storage.NewFileIdentityStore(cfg.DocumentsPath,
		storage.WithFileNames(cfg.DocumentFilename, cfg.PrivateKeyFilename),
		storage.WithDIDAuthority(cfg.DIDHost, cfg.DIDPort),
		storage.WithPathPrefix(cfg.DIDPathPrefix...),
		storage.WithKeyEncoding(cfg.KeyEncoding),
		storage.WithFileLogger(logger),
	)

	// local documents are read from disk, everything else is fetched
	resolver := wba.NewCachingResolver(wba.ChainResolver{
		wba.NewLocalResolver(identities, cfg.ServerDomains, identities.PathPrefix()),
		wba.NewHTTPResolver(nil, cfg.ResolveScheme),
	}, cfg.DIDCacheSize, cfg.DIDCacheTTL, logger)

	verifier, err := wba.NewVerifier(resolver, guard, wba.VerifierOptions{
		MaxHeaderSize: cfg.MaxHeaderSize,
		MaxConcurrent: int64(cfg.MaxVerification),
		Logger:        logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	h, err := server.New(cfg, server.Deps{
		Verifier:  verifier,
		Tokens:    tokens,
		Documents: identities,
		Replay:    store,
		Logger:    logger,
		Clock:     clk,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := server.RegisterReplayGauge(store); err != nil {
		logger.Warn("replay gauge not registered", "error", err)
	}

	return &app{handler: h.Router(), guard: guard, replay: store, identities: identities, tokens: tokens}, nil
}

func openReplayStore(ctx context.Context, cfg config.Config) (storage.ReplayStore, error) {
	switch cfg.ReplayBackend {
	case config.ReplayBackendPostgres, config.ReplayBackendSQLite:
		store, err := storage.OpenSQLReplayStore(ctx, storage.Dialect(cfg.ReplayBackend), cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open %s replay store: %w", cfg.ReplayBackend, err)
		}
		return store, nil
	default:
		return storage.NewMemoryReplayStore(storage.WithMaxEntries(cfg.ReplayMaxEntry)), nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger, clock.New())
	if err != nil {
		return err
	}
	defer a.Close()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go a.guard.Run(sweepCtx)

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    64 << 10,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("didwbad starting", "addr", srv.Addr, "env", cfg.Env, "replay_backend", cfg.ReplayBackend, "did_domain", cfg.LocalDomain())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: server.NewMetricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listener starting", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
