// Package main implements the policy gateway daemon. Agents submit tool
// calls to /authorize and receive allow/deny/approval-required decisions;
// humans resolve approvals through the management API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate/internal/approval"
	"agentgate/internal/config"
	"agentgate/internal/logging"
	"agentgate/internal/notify"
	"agentgate/internal/policy"
	"agentgate/internal/smartrule"
	"agentgate/internal/store"
)

func main() {
	var (
		listenAddr      = flag.String("listen", envOrDefault("AGENTGATE_ADDR", ":1288"), "HTTP listen address")
		dsn             = flag.String("dsn", envOrDefault("AGENTGATE_DSN", "agentgate.db"), "Database DSN (SQLite path or postgres:// URL)")
		configPath      = flag.String("config", envOrDefault("AGENTGATE_CONFIG", ""), "Path to YAML config file (optional)")
		defaultDecision = flag.String("default-decision", envOrDefault("AGENTGATE_DEFAULT_DECISION", ""), "Decision when nothing matches: allowed, denied, approval_required")
		anthropicKey    = flag.String("anthropic-api-key", "", "Anthropic API key for smart rules (or ANTHROPIC_API_KEY env)")
		anthropicModel  = flag.String("anthropic-model", envOrDefault("AGENTGATE_MODEL", "claude-sonnet-4-5"), "Model for smart-rule evaluation")
		webhookURL      = flag.String("approval-webhook", envOrDefault("AGENTGATE_APPROVAL_WEBHOOK", ""), "Webhook URL for approval notifications (Slack, etc.)")
		baseURL         = flag.String("base-url", envOrDefault("AGENTGATE_BASE_URL", ""), "Public base URL used in notification links")
		smtpHost        = flag.String("smtp-host", envOrDefault("SMTP_HOST", ""), "SMTP server host for approval emails")
		smtpPort        = flag.String("smtp-port", envOrDefault("SMTP_PORT", "587"), "SMTP server port")
		smtpUser        = flag.String("smtp-user", envOrDefault("SMTP_USER", ""), "SMTP username")
		smtpPassword    = flag.String("smtp-password", "", "SMTP password (or use SMTP_PASSWORD env)")
		emailFrom       = flag.String("email-from", envOrDefault("AGENTGATE_EMAIL_FROM", ""), "Email sender address for approvals")
		emailTo         = flag.String("email-to", envOrDefault("AGENTGATE_EMAIL_TO", ""), "Email recipients for approvals (comma-separated)")
		sweepInterval   = flag.Duration("sweep-interval", 0, "Expiration sweep interval (0 disables the background worker)")
	)

	// Init must run before flag.Parse so it can strip --log-level before the
	// flag package sees it.
	remaining := logging.Init(os.Args[1:])
	flag.CommandLine.Parse(remaining) //nolint:errcheck

	if *smtpPassword == "" {
		*smtpPassword = os.Getenv("SMTP_PASSWORD")
	}
	if *anthropicKey == "" {
		*anthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		// Flags override the file; the file fills in what flags left empty.
		if cfg.Listen != "" && *listenAddr == envOrDefault("AGENTGATE_ADDR", ":1288") {
			*listenAddr = cfg.Listen
		}
		if cfg.DSN != "" && *dsn == envOrDefault("AGENTGATE_DSN", "agentgate.db") {
			*dsn = cfg.DSN
		}
		if *defaultDecision == "" {
			*defaultDecision = cfg.DefaultDecision
		}
		if *anthropicKey == "" {
			*anthropicKey = cfg.Anthropic.APIKey
		}
		if cfg.Anthropic.Model != "" {
			*anthropicModel = cfg.Anthropic.Model
		}
		if *webhookURL == "" {
			*webhookURL = cfg.Notify.WebhookURL
		}
		if *smtpHost == "" {
			*smtpHost = cfg.Notify.SMTPHost
			*smtpPort = cfg.Notify.SMTPPort
			*smtpUser = cfg.Notify.SMTPUser
			*smtpPassword = cfg.Notify.SMTPPassword
			*emailFrom = cfg.Notify.EmailFrom
			*emailTo = cfg.Notify.EmailTo
		}
		if *baseURL == "" {
			*baseURL = cfg.Notify.BaseURL
		}
	}

	st, err := store.Open(store.Config{DSN: *dsn})
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg != nil {
		if err := cfg.Seed(context.Background(), st); err != nil {
			slog.Error("failed to seed bootstrap data", "err", err)
			os.Exit(1)
		}
	}

	var smart policy.SmartEvaluator = smartrule.Heuristic{}
	if *anthropicKey != "" {
		smart = smartrule.NewAnthropic(*anthropicKey, *anthropicModel)
		slog.Info("smart rules using model", "model", *anthropicModel)
	} else {
		slog.Info("smart rules using keyword heuristic (no API key configured)")
	}

	evaluator := &policy.Evaluator{
		Rules:          st,
		Smart:          smart,
		DefaultOutcome: policy.Outcome(*defaultDecision),
	}

	notifier := notify.New(notify.Config{
		WebhookURL:   *webhookURL,
		BaseURL:      *baseURL,
		SMTPHost:     *smtpHost,
		SMTPPort:     *smtpPort,
		SMTPUser:     *smtpUser,
		SMTPPassword: *smtpPassword,
		EmailFrom:    *emailFrom,
		EmailTo:      *emailTo,
	})

	srv := &server{
		store:     st,
		evaluator: evaluator,
		approvals: &approval.Manager{Store: st},
		notifier:  notifier,
	}

	httpServer := &http.Server{
		Addr:         *listenAddr,
		Handler:      srv.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *sweepInterval > 0 {
		go srv.startExpirationWorker(ctx, *sweepInterval)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down gateway...")
		cancel()
		httpServer.Shutdown(context.Background())
	}()

	slog.Info("gateway starting",
		"listen", *listenAddr,
		"dsn", *dsn,
		"default_decision", evaluator.DefaultOutcome)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// envOrDefault returns the value of the environment variable named by key,
// or def when it is unset or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
