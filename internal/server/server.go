// Package server exposes the webhook HTTP surface: the Telegram update
// receiver and the payment provider callback.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"telegram-gift-bot/internal/payment"
)

type UpdateHandler interface {
	HandleUpdate(update tgbotapi.Update)
}

type Reconciler interface {
	Reconcile(form url.Values) payment.Outcome
}

// TelegramClient is the raw API surface needed for webhook registration.
type TelegramClient interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Server struct {
	flow          UpdateHandler
	reconciler    Reconciler
	tg            TelegramClient
	webhookURL    string
	webhookSecret string
	log           logrus.FieldLogger
}

func New(flow UpdateHandler, rec Reconciler, tg TelegramClient, webhookURL, webhookSecret string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		flow:          flow,
		reconciler:    rec,
		tg:            tg,
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		log:           log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.home)
	r.Post("/webhook", s.webhook)
	r.Post("/payment_callback", s.paymentCallback)
	r.Get("/set_webhook", s.setWebhook)
	return r
}

func (s *Server) home(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "Bot is running!")
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Invalid", http.StatusBadRequest)
		return
	}

	s.flow.HandleUpdate(update)
	fmt.Fprint(w, "OK")
}

func (s *Server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid", http.StatusBadRequest)
		return
	}

	out := s.reconciler.Reconcile(r.PostForm)
	switch out.Code {
	case payment.CodeOK, payment.CodePaymentFailed:
		fmt.Fprint(w, "OK")
	case payment.CodeDuplicate:
		fmt.Fprint(w, "Duplicate")
	case payment.CodeMalformed:
		http.Error(w, "Invalid", http.StatusBadRequest)
	case payment.CodeBadSignature:
		http.Error(w, "Invalid signature", http.StatusForbidden)
	case payment.CodeNotFound:
		http.Error(w, "Not found", http.StatusNotFound)
	case payment.CodeAmountMismatch:
		http.Error(w, "Amount mismatch", http.StatusBadRequest)
	default:
		http.Error(w, "Invalid", http.StatusBadRequest)
	}
}

// setWebhook registers this service's callback URL with Telegram.
// One-shot admin helper, hit from a browser after deploy.
func (s *Server) setWebhook(w http.ResponseWriter, _ *http.Request) {
	if s.webhookURL == "" {
		http.Error(w, "webhook_url not set", http.StatusBadRequest)
		return
	}

	wh, err := tgbotapi.NewWebhook(s.webhookURL + "/webhook")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.tg.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		s.log.WithError(err).Warn("delete webhook failed")
	}
	if _, err := s.tg.Request(wh); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	fmt.Fprintf(w, "Webhook set: %s/webhook", s.webhookURL)
}
