package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"telegram-gift-bot/internal/audit"
	"telegram-gift-bot/internal/catalog"
	"telegram-gift-bot/internal/chatflow"
	"telegram-gift-bot/internal/config"
	"telegram-gift-bot/internal/fulfill"
	"telegram-gift-bot/internal/ledger"
	"telegram-gift-bot/internal/payment"
	"telegram-gift-bot/internal/ratelimit"
	"telegram-gift-bot/internal/server"
	"telegram-gift-bot/internal/session"
)

var log = logrus.New()

func main() {
	root := &cobra.Command{
		Use:   "giftbot",
		Short: "Telegram gift shop bot with Global24 payment callbacks",
	}
	root.AddCommand(serveCmd(), setWebhookCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return err
	}
	log.Infof("authorized on account %s", bot.Self.UserName)

	auditLog, err := audit.Open(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	cat := catalog.Default()
	led := ledger.New()
	sessions := session.NewStore(cfg.Session.TTL)
	limiter := ratelimit.New(cfg.RateLimit)

	flow := chatflow.New(chatflow.Config{
		PaymentURL:  cfg.Payment.URL,
		CallbackURL: cfg.CallbackURL,
		AdminChatID: cfg.AdminChatID,
	}, bot, cat, led, sessions, limiter, log)

	fulfiller := fulfill.New(bot, cat, led, sessions, log)

	resolver, err := payment.NewResolver(cfg.Payment.Identity)
	if err != nil {
		return err
	}
	verifier, err := payment.NewVerifier(cfg.Payment.Signature, cfg.Secret)
	if err != nil {
		return err
	}
	reconciler := payment.NewReconciler(payment.Deps{
		Ledger:          led,
		Resolver:        resolver,
		Verifier:        verifier,
		Notifier:        flow,
		Fulfiller:       fulfiller,
		Audit:           auditLog,
		Log:             log,
		CancelOnFailure: cfg.Payment.CancelOnFailure,
	})

	srv := server.New(flow, reconciler, bot, cfg.WebhookURL, cfg.WebhookSecret, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartSweeper(ctx, cfg.Session.Sweep)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("shut down")
	return nil
}

func setWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-webhook",
		Short: "Register the webhook URL with Telegram",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Token == "" {
				return errors.New("API_TOKEN is not set")
			}
			if cfg.WebhookURL == "" {
				return errors.New("WEBHOOK_URL is not set")
			}

			bot, err := tgbotapi.NewBotAPI(cfg.Token)
			if err != nil {
				return err
			}
			if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
				log.WithError(err).Warn("delete webhook failed")
			}
			wh, err := tgbotapi.NewWebhook(cfg.WebhookURL + "/webhook")
			if err != nil {
				return err
			}
			if _, err := bot.Request(wh); err != nil {
				return err
			}
			log.Infof("webhook set: %s/webhook", cfg.WebhookURL)
			return nil
		},
	}
}
