package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipcut/clipcut-agent/internal/api"
	"github.com/clipcut/clipcut-agent/internal/config"
	"github.com/clipcut/clipcut-agent/internal/db"
	"github.com/clipcut/clipcut-agent/internal/export"
	"github.com/clipcut/clipcut-agent/internal/history"
	"github.com/clipcut/clipcut-agent/internal/logging"
	"github.com/clipcut/clipcut-agent/internal/mp4"
	"github.com/clipcut/clipcut-agent/internal/playback"
	"github.com/clipcut/clipcut-agent/internal/probe"
	"github.com/clipcut/clipcut-agent/internal/remux"
	"github.com/clipcut/clipcut-agent/internal/ui"
	"github.com/clipcut/clipcut-agent/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting clipcut agent", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := history.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                    CLIPCUT AGENT v0.1.0                   ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fw := mp4.NewFramework()
	probes := probe.NewService(fw, logging.WithComponent(logger, "probe"))
	engine := remux.NewEngine(fw, logging.WithComponent(logger, "remux"))
	exports := export.NewManager(engine, repo, logging.WithComponent(logger, "export"))
	playbackSrv := playback.NewServer(probes, logger)

	sweeper := export.NewSweeper(repo, logging.WithComponent(logger, "sweeper"))
	if err := sweeper.Start(cfg.SweepSchedule()); err != nil {
		return fmt.Errorf("failed to start temp-file sweeper: %w", err)
	}
	defer sweeper.Stop()

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Probes:         probes,
		Exports:        exports,
		Repository:     repo,
		PlaybackServer: playbackSrv,
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Start()
	})

	g.Go(func() error {
		err := watcher.New(probes, logging.WithComponent(logger, "watcher")).Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Exports: exports,
			Logger:  logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	select {
	case <-quitCh:
	case <-gctx.Done():
		// A background component failed; fall through to shutdown.
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureAuthToken(repo history.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
