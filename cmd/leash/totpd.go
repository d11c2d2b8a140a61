package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/telemetry"
	"github.com/basket/leash/internal/totp"
)

// runTOTPDCommand runs the TOTP daemon as its own process. Secrets never
// enter the relay process; the relay reaches the daemon only through the
// unix socket.
func runTOTPDCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: leash totpd")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	secrets, err := totp.NewFileStore(filepath.Join(cfg.HomeDir, "totp_secrets.json"))
	if err != nil {
		logger.Error("secret store init failed", "error", err)
		return 1
	}

	daemon, err := totp.NewDaemon(cfg.TOTP.SocketPath, cfg.TOTP.Issuer, secrets, logger)
	if err != nil {
		logger.Error("totp daemon init failed", "error", err)
		return 1
	}
	if err := daemon.Start(); err != nil {
		logger.Error("totp daemon start failed", "socket", cfg.TOTP.SocketPath, "error", err)
		return 1
	}
	logger.Info("totp daemon listening", "socket", cfg.TOTP.SocketPath)

	<-ctx.Done()
	daemon.Stop()
	logger.Info("totp daemon stopped")
	return 0
}
