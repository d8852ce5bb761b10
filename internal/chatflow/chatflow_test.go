package chatflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-gift-bot/internal/catalog"
	"telegram-gift-bot/internal/fulfill"
	"telegram-gift-bot/internal/ledger"
	"telegram-gift-bot/internal/payment"
	"telegram-gift-bot/internal/ratelimit"
	"telegram-gift-bot/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	return tgbotapi.Message{MessageID: len(s.sent)}, nil
}

func (s *fakeSender) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *fakeSender) messages() []tgbotapi.MessageConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range s.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) lastMessage() (tgbotapi.MessageConfig, bool) {
	msgs := s.messages()
	if len(msgs) == 0 {
		return tgbotapi.MessageConfig{}, false
	}
	return msgs[len(msgs)-1], true
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

type env struct {
	flow     *Flow
	sender   *fakeSender
	ledger   *ledger.Ledger
	sessions *session.Store
	limiter  *ratelimit.Limiter
}

func newEnv(t *testing.T, window time.Duration) *env {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	e := &env{
		sender:   &fakeSender{},
		ledger:   ledger.New(),
		sessions: session.NewStore(time.Hour),
		limiter:  ratelimit.New(window),
	}
	e.flow = New(Config{
		PaymentURL:  "https://pay.global24.com.ua/payment",
		CallbackURL: "https://shop.example/payment_callback",
	}, e.sender, catalog.Default(), e.ledger, e.sessions, e.limiter, log)
	return e
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: chatID, FirstName: "Ира"},
		Chat: &tgbotapi.Chat{ID: chatID},
	}}
}

func callbackUpdate(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cbq",
		Data: data,
		Message: &tgbotapi.Message{
			MessageID: 10,
			Chat:      &tgbotapi.Chat{ID: chatID},
		},
	}}
}

// walkToOrder drives the whole menu and returns the created order.
func walkToOrder(t *testing.T, e *env, chatID int64) ledger.Order {
	t.Helper()
	e.flow.HandleUpdate(textUpdate(chatID, "/start"))
	e.flow.HandleUpdate(textUpdate(chatID, "Запорожье"))
	e.flow.HandleUpdate(textUpdate(chatID, "Товар 1"))
	e.flow.HandleUpdate(textUpdate(chatID, btnChooseAddress))
	e.flow.HandleUpdate(textUpdate(chatID, "Бульвар Шевченко"))

	orders := e.ledger.ListByUser(chatID)
	require.Len(t, orders, 1, "walking the menu must create exactly one order")
	return orders[0]
}

func TestMenuFlowCreatesPendingOrder(t *testing.T) {
	e := newEnv(t, 0)
	o := walkToOrder(t, e, 100)

	assert.Equal(t, ledger.StatusPending, o.Status)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(700)))
	assert.Equal(t, "p1", o.ProductID)

	sess, ok := e.sessions.Get(100)
	require.True(t, ok)
	assert.Equal(t, session.StateAwaitingPayment, sess.State)
	assert.Equal(t, o.ID, sess.ActiveOrderID)
	assert.Equal(t, "Запорожье", sess.City)
	assert.Equal(t, "Бульвар Шевченко", sess.Address)

	last, ok := e.sender.lastMessage()
	require.True(t, ok)
	assert.Contains(t, last.Text, "Заказ №"+o.ID)

	markup, ok := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "order confirmation carries the inline pay/cancel keyboard")
	require.Len(t, markup.InlineKeyboard, 2)

	pay := markup.InlineKeyboard[0][0]
	require.NotNil(t, pay.URL)
	assert.Contains(t, *pay.URL, "order_id="+o.ID)
	assert.Contains(t, *pay.URL, "amount=700")
	assert.Contains(t, *pay.URL, url.QueryEscape("https://shop.example/payment_callback"))

	cancel := markup.InlineKeyboard[1][0]
	require.NotNil(t, cancel.CallbackData)
	assert.Equal(t, cbCancelPrefix+o.ID, *cancel.CallbackData)
}

func TestAddressBeforeProductIsRejected(t *testing.T) {
	e := newEnv(t, 0)

	e.flow.HandleUpdate(textUpdate(100, "/start"))
	e.flow.HandleUpdate(textUpdate(100, "Запорожье"))
	// jumping straight to an address while still on the product step
	e.flow.HandleUpdate(textUpdate(100, "Бульвар Шевченко"))

	assert.Empty(t, e.ledger.ListByUser(100), "no order without a chosen product")
}

func TestInvalidInputReprompts(t *testing.T) {
	e := newEnv(t, 0)

	e.flow.HandleUpdate(textUpdate(100, "/start"))
	e.flow.HandleUpdate(textUpdate(100, "Луна"))

	last, ok := e.sender.lastMessage()
	require.True(t, ok)
	assert.Contains(t, last.Text, "Выберите город")
	assert.Empty(t, e.ledger.ListByUser(100))
}

func TestCancelNeedsConfirmation(t *testing.T) {
	e := newEnv(t, 0)
	o := walkToOrder(t, e, 100)

	// first tap only asks
	e.flow.HandleUpdate(callbackUpdate(100, cbCancelPrefix+o.ID))
	_, err := e.ledger.Get(o.ID)
	require.NoError(t, err, "cancel request alone must not remove the order")

	// "no" keeps it too
	e.flow.HandleUpdate(callbackUpdate(100, cbCancelNo))
	_, err = e.ledger.Get(o.ID)
	require.NoError(t, err)

	// explicit confirmation removes order and session
	e.flow.HandleUpdate(callbackUpdate(100, cbConfirmPrefix+o.ID))
	_, err = e.ledger.Get(o.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, ok := e.sessions.Get(100)
	assert.False(t, ok)
}

func TestCancelConfirmForForeignOrderIsNoop(t *testing.T) {
	e := newEnv(t, 0)
	o := walkToOrder(t, e, 100)

	e.flow.HandleUpdate(callbackUpdate(200, cbConfirmPrefix+o.ID))

	_, err := e.ledger.Get(o.ID)
	assert.NoError(t, err, "another chat must not cancel someone else's order")
}

func TestMyOrdersListing(t *testing.T) {
	e := newEnv(t, 0)

	e.flow.HandleUpdate(textUpdate(100, btnMyOrders))
	last, _ := e.sender.lastMessage()
	assert.Contains(t, last.Text, "нет активных заказов")

	o := walkToOrder(t, e, 100)
	e.sender.reset()

	e.flow.HandleUpdate(textUpdate(100, btnMyOrders))
	last, ok := e.sender.lastMessage()
	require.True(t, ok)
	assert.Contains(t, last.Text, "№"+o.ID)
	assert.Contains(t, last.Text, "Товар 1")
}

func TestFloodControlDropsBurst(t *testing.T) {
	e := newEnv(t, time.Minute)

	e.flow.HandleUpdate(textUpdate(100, "/start"))
	sent := len(e.sender.messages())
	require.NotZero(t, sent)

	e.flow.HandleUpdate(textUpdate(100, "Запорожье"))
	assert.Len(t, e.sender.messages(), sent, "burst message must be dropped, not queued")

	sess, ok := e.sessions.Get(100)
	require.True(t, ok)
	assert.Equal(t, session.StateCity, sess.State, "dropped input must not advance the flow")
}

func TestAdminNotifiedOnNewOrder(t *testing.T) {
	e := newEnv(t, 0)
	e.flow.cfg.AdminChatID = 555

	walkToOrder(t, e, 100)

	var adminTexts []string
	for _, m := range e.sender.messages() {
		if m.ChatID == 555 {
			adminTexts = append(adminTexts, m.Text)
		}
	}
	require.Len(t, adminTexts, 1)
	assert.Contains(t, adminTexts[0], "НОВЫЙ ЗАКАЗ")
}

// Full happy path: menu walk, valid callback, fulfillment, eviction.
func TestOrderPaymentEndToEnd(t *testing.T) {
	e := newEnv(t, 0)
	const secret = "merchant-secret"

	fulfiller := fulfill.New(e.sender, catalog.Default(), e.ledger, e.sessions, e.flow.log)
	resolver, err := payment.NewResolver(payment.SchemeOrderID)
	require.NoError(t, err)
	verifier, err := payment.NewVerifier(payment.SignatureHMAC, secret)
	require.NoError(t, err)
	rec := payment.NewReconciler(payment.Deps{
		Ledger:    e.ledger,
		Resolver:  resolver,
		Verifier:  verifier,
		Notifier:  e.flow,
		Fulfiller: fulfiller,
		Log:       e.flow.log,
	})

	o := walkToOrder(t, e, 100)
	e.sender.reset()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(o.ID + "700" + "success"))
	form := url.Values{
		"order_id":  {o.ID},
		"amount":    {"700"},
		"status":    {"success"},
		"signature": {hex.EncodeToString(mac.Sum(nil))},
	}

	out := rec.Reconcile(form)
	require.Equal(t, payment.CodeOK, out.Code)

	_, err = e.ledger.Get(o.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound, "fulfilled order leaves the ledger")
	_, ok := e.sessions.Get(100)
	assert.False(t, ok)

	var all strings.Builder
	for _, m := range e.sender.messages() {
		all.WriteString(m.Text)
		all.WriteString("\n")
	}
	assert.Contains(t, all.String(), "Оплата подтверждена")
	assert.Contains(t, all.String(), "📍", "delivery payload must reach the buyer")

	// the provider retries: same callback now misses the ledger
	out = rec.Reconcile(form)
	assert.Equal(t, payment.CodeNotFound, out.Code)
}

// Same walk, but the callback claims 699 instead of 700.
func TestOrderPaymentMismatchEndToEnd(t *testing.T) {
	e := newEnv(t, 0)
	const secret = "merchant-secret"

	fulfiller := fulfill.New(e.sender, catalog.Default(), e.ledger, e.sessions, e.flow.log)
	resolver, _ := payment.NewResolver(payment.SchemeOrderID)
	verifier, _ := payment.NewVerifier(payment.SignatureHMAC, secret)
	rec := payment.NewReconciler(payment.Deps{
		Ledger:    e.ledger,
		Resolver:  resolver,
		Verifier:  verifier,
		Notifier:  e.flow,
		Fulfiller: fulfiller,
		Log:       e.flow.log,
	})

	o := walkToOrder(t, e, 100)
	e.sender.reset()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(o.ID + "699" + "success"))
	form := url.Values{
		"order_id":  {o.ID},
		"amount":    {"699"},
		"status":    {"success"},
		"signature": {hex.EncodeToString(mac.Sum(nil))},
	}

	out := rec.Reconcile(form)
	assert.Equal(t, payment.CodeAmountMismatch, out.Code)

	stored, err := e.ledger.Get(o.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, stored.Status)

	last, ok := e.sender.lastMessage()
	require.True(t, ok)
	assert.Contains(t, last.Text, "не совпадает")
}
