package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/leash/internal/approvaltoken"
	"github.com/basket/leash/internal/audit"
	"github.com/basket/leash/internal/bus"
	"github.com/basket/leash/internal/channels"
	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/gateway"
	"github.com/basket/leash/internal/maint"
	otelPkg "github.com/basket/leash/internal/otel"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/resolver"
	"github.com/basket/leash/internal/session"
	"github.com/basket/leash/internal/signer"
	"github.com/basket/leash/internal/telemetry"
	"github.com/basket/leash/internal/totp"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

RELAY (default):
  %s                          Run the approval relay daemon

SUBCOMMANDS:
  %s totpd                    Run the isolated TOTP identity daemon
  %s enroll <user> [label]    Enroll a user with the TOTP daemon, prints the
                              otpauth:// provisioning URI
  %s link <chat-id> <user>    Bind a chat to a local user for the identity gate
  %s status                   Show relay health (/healthz)
  %s doctor [-json]           Run local diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LEASH_HOME              Data directory (default: ~/.leash)
  LEASH_BIND_ADDR         Relay bind address override
  LEASH_EXCHANGE_SECRET   Static secret for one-time scope bootstrap
  TELEGRAM_TOKEN          Telegram bot token for the approval channel
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "totpd":
			os.Exit(runTOTPDCommand(ctx, args[1:]))
		case "enroll":
			os.Exit(runEnrollCommand(ctx, args[1:]))
		case "link":
			os.Exit(runLinkCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runRelay(ctx)
}

func runRelay(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	// File-only logs when stderr is not a terminal (service managers keep
	// their own journals).
	quietLogs := !isatty.IsTerminal(os.Stderr.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, auditLog, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "leash.db"), eventBus)
	if err != nil {
		fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
	}
	defer store.Close()
	auditLog.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	key, err := signer.LoadOrCreateLocal(filepath.Join(cfg.HomeDir, "signing.key"))
	if err != nil {
		fatalStartup(logger, auditLog, "E_SIGNER_INIT", err)
	}
	verifyKey, err := signer.NewCachedVerifier(key.PublicKey())
	if err != nil {
		fatalStartup(logger, auditLog, "E_SIGNER_INIT", err)
	}

	sessions := session.NewManager(key, verifyKey, store, eventBus, session.Options{
		TTL:            time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		GraceWindow:    time.Duration(cfg.Session.GraceMinutes) * time.Minute,
		RefreshWindow:  time.Duration(cfg.Session.RefreshWindowMinutes) * time.Minute,
		ExchangeSecret: []byte(cfg.Session.ExchangeSecret),
	})
	defer sessions.Close()

	tokens := approvaltoken.NewService(key, cfg.Issuer, cfg.Audience,
		time.Duration(cfg.Approval.TokenTTLSeconds)*time.Second, eventBus)
	tokenVerifier := approvaltoken.NewVerifier(verifyKey, store)

	// TOTP runs in its own process; the relay only ever talks to the socket.
	var gate *totp.SessionGate
	totpClient, err := totp.NewClient(cfg.TOTP.SocketPath, time.Duration(cfg.TOTP.TimeoutSeconds)*time.Second)
	if err != nil {
		fatalStartup(logger, auditLog, "E_TOTP_CLIENT", err)
	}
	totpClient.SetTracer(otelProvider.Tracer)
	gate = totp.NewSessionGate(store, totpClient, time.Duration(cfg.TOTP.SessionTTLHours)*time.Hour)
	if err := totpClient.Ping(ctx); err != nil {
		logger.Warn("totp daemon not reachable at startup; identity-gated approvals will fail closed",
			"socket", cfg.TOTP.SocketPath, "error", err)
	}

	res := resolver.NewResolver(store, tokens, gate, logger)
	res.SetTracer(otelProvider.Tracer)

	pol, err := config.LoadPolicy(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, auditLog, "E_POLICY_LOAD", err)
	}
	livePolicy := config.NewLivePolicy(pol)
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_WATCHER_INIT", err)
	}
	go reloadPolicyOnChange(ctx, cfg.HomeDir, watcher, livePolicy, logger)

	go pumpMetrics(ctx, eventBus, metrics)

	sweeper := maint.NewSweeper(maint.Config{Store: store, Logger: logger})
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, auditLog, "E_SWEEPER_INIT", err)
	}
	defer sweeper.Stop()

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			res, store, logger, eventBus,
		)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	} else {
		logger.Info("telegram channel disabled; approvals via API only")
	}

	srv := gateway.New(gateway.Config{
		Store:    store,
		Sessions: sessions,
		Verifier: tokenVerifier,
		Audit:    auditLog,
		Metrics:  metrics,
		Policy:   livePolicy,
		Tracer:   otelProvider.Tracer,
		Logger:   logger,
	})
	authMW := gateway.NewSessionAuthMiddleware(sessions, cfg.Session.AuthEnabled)
	rateMW := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rateMW.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	handler := rateMW.Wrap(authMW.Wrap(srv.Handler()))

	logger.Info("startup phase", "phase", "ready", "addr", cfg.BindAddr)
	if err := gateway.Serve(ctx, cfg.BindAddr, handler, logger); err != nil {
		fatalStartup(logger, auditLog, "E_GATEWAY_SERVE", err)
	}
	logger.Info("shutdown complete")
}

// reloadPolicyOnChange swaps the live policy whenever policy.yaml changes. A
// file that no longer parses keeps the previous policy active.
func reloadPolicyOnChange(ctx context.Context, homeDir string, w *config.Watcher, lp *config.LivePolicy, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if filepath.Base(ev.Path) != "policy.yaml" {
				continue
			}
			pol, err := config.LoadPolicy(homeDir)
			if err != nil {
				logger.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			lp.Swap(pol)
			logger.Info("policy reloaded", "tiers", len(pol.Tiers))
		}
	}
}

// pumpMetrics translates bus events into metric increments.
func pumpMetrics(ctx context.Context, eventBus *bus.Bus, m *otelPkg.Metrics) {
	approvals := eventBus.Subscribe("approval.")
	defer eventBus.Unsubscribe(approvals)
	tks := eventBus.Subscribe("token.")
	defer eventBus.Unsubscribe(tks)
	scopes := eventBus.Subscribe("scope.")
	defer eventBus.Unsubscribe(scopes)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-approvals.Ch():
			switch ev.Topic {
			case bus.TopicApprovalRequested:
				m.ApprovalsCreated.Add(ctx, 1)
			case bus.TopicApprovalConsumed:
				if res, ok := ev.Payload.(bus.ApprovalResolved); ok && res.Outcome == "denied" {
					m.ApprovalsDenied.Add(ctx, 1)
				} else {
					m.ApprovalsConsumed.Add(ctx, 1)
				}
			case bus.TopicApprovalExpired:
				m.ApprovalsExpired.Add(ctx, 1)
			}
		case ev := <-tks.Ch():
			switch ev.Topic {
			case bus.TopicTokenIssued:
				m.TokensIssued.Add(ctx, 1)
			case bus.TopicTokenReplayed:
				m.TokenVerifyFailures.Add(ctx, 1)
			}
		case ev := <-scopes.Ch():
			if ev.Topic == bus.TopicScopeRotated {
				m.ScopeRotations.Add(ctx, 1)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if auditLog != nil {
		auditLog.Record("fatal", "runtime.startup", reasonCode, "", message)
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file into the environment.
// Existing variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
