// Command venuearb scans spot venues for cross-venue price gaps and, when
// enabled, settles them by buying, transferring and selling. It loads
// configuration, validates it, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/venuearb/internal/app"
	"github.com/alanyoungcy/venuearb/internal/config"
	"github.com/alanyoungcy/venuearb/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	sealPath := flag.String("seal-credentials", "", "encrypt a plaintext credentials JSON file to stdout and exit")
	flag.Parse()

	if *sealPath != "" {
		if err := sealCredentials(*sealPath); err != nil {
			fmt.Fprintf(os.Stderr, "seal credentials: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config. Scan mode prints its result on stdout, so
	// logs move to stderr there.
	out := os.Stdout
	if cfg.Mode == "scan" {
		out = os.Stderr
	}
	logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("venuearb starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("venuearb stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sealCredentials encrypts the plaintext file at path with the password from
// VENUEARB_CREDENTIALS_PASSWORD and writes the result to stdout.
func sealCredentials(path string) error {
	password := os.Getenv("VENUEARB_CREDENTIALS_PASSWORD")
	if password == "" {
		return errors.New("VENUEARB_CREDENTIALS_PASSWORD is not set")
	}
	plain, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sealed, err := crypto.SealCredentials(plain, password)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(sealed)
	return err
}
