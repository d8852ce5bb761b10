// Package chatflow drives the menu conversation: city, product,
// delivery district, then payment.
package chatflow

import (
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"telegram-gift-bot/internal/catalog"
	"telegram-gift-bot/internal/ledger"
	"telegram-gift-bot/internal/ratelimit"
	"telegram-gift-bot/internal/session"
)

const (
	btnMyOrders      = "Мои заказы"
	btnChooseAddress = "Выбрать адрес доставки"
	btnBack          = "Назад"
	btnBackToMenu    = "⬅️ Вернуться назад"

	cbCancelPrefix  = "cancel_"
	cbConfirmPrefix = "confirm_cancel_"
	cbCancelNo      = "cancel_no"
)

var jokes = []string{
	"Гринч сегодня добрый. Наверное.",
	"Подарки не краду — только продаю!",
	"Дед Мороз в отпуске, работаю за него.",
}

// Sender is the slice of the Telegram client the flow needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Config struct {
	PaymentURL  string // payment page base, e.g. https://pay.global24.com.ua/payment
	CallbackURL string // our /payment_callback address, embedded in the link
	AdminChatID int64  // dispatcher chat for new-order notifications, 0 disables
}

type Flow struct {
	cfg      Config
	sender   Sender
	catalog  *catalog.Catalog
	ledger   *ledger.Ledger
	sessions *session.Store
	limiter  *ratelimit.Limiter
	log      logrus.FieldLogger

	mu         sync.Mutex
	lastStatus map[int64]int // last ephemeral status message per chat
}

func New(cfg Config, sender Sender, cat *catalog.Catalog, led *ledger.Ledger,
	sess *session.Store, limiter *ratelimit.Limiter, log logrus.FieldLogger) *Flow {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Flow{
		cfg:        cfg,
		sender:     sender,
		catalog:    cat,
		ledger:     led,
		sessions:   sess,
		limiter:    limiter,
		log:        log,
		lastStatus: make(map[int64]int),
	}
}

// HandleUpdate routes one Telegram update. Unexpected input re-prompts,
// it never fails the webhook request.
func (f *Flow) HandleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		f.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		f.handleMessage(update.Message)
	}
}

// Notify sends a plain message; the payment reconciler uses this to
// reach the buyer.
func (f *Flow) Notify(chatID int64, text string) {
	f.send(tgbotapi.NewMessage(chatID, text))
}

func (f *Flow) handleMessage(message *tgbotapi.Message) {
	chatID := message.Chat.ID

	if !f.limiter.Allow(chatID) {
		f.log.WithField("chat_id", chatID).Debug("flood control: message dropped")
		return
	}

	switch message.Text {
	case "/start":
		f.sendWelcome(message)
		return
	case "/help":
		f.sendHelp(chatID)
		return
	case btnMyOrders:
		f.sendMyOrders(chatID)
		return
	}

	sess := f.sessions.Update(chatID, func(*session.Session) {})

	switch sess.State {
	case session.StateStart:
		f.sendWelcome(message)
	case session.StateCity:
		f.handleCityInput(chatID, message.Text)
	case session.StateProduct:
		f.handleProductInput(chatID, message.Text)
	case session.StateAddress:
		f.handleAddressInput(chatID, message.Text)
	case session.StateAwaitingPayment:
		f.send(tgbotapi.NewMessage(chatID,
			"⏳ Заказ ожидает оплаты. Нажмите «Оплатить» выше или отмените заказ.\n/start — начать заново."))
	}
}

func (f *Flow) sendWelcome(message *tgbotapi.Message) {
	chatID := message.Chat.ID
	name := "друг"
	if message.From != nil && message.From.FirstName != "" {
		name = message.From.FirstName
	}

	f.sessions.Update(chatID, func(s *session.Session) {
		*s = session.Session{State: session.StateCity}
	})

	text := fmt.Sprintf(
		"🎄 Привет, %s! 🎁\nДобро пожаловать к Гринчу!\n%s\n💰 Оплата — Global24\nВыберите город:",
		name, jokes[rand.Intn(len(jokes))])
	f.sendTemp(chatID, text)

	msg := tgbotapi.NewMessage(chatID, "Выберите город:")
	msg.ReplyMarkup = f.cityKeyboard()
	f.send(msg)
}

func (f *Flow) sendHelp(chatID int64) {
	text := "❓ *Помощь*\n\n" +
		"• Выберите товар и оплатите его через Global24\n" +
		"• После оплаты получите фото и текст с местом подарка\n" +
		"• В случае ошибки напишите в техподдержку\n\n" +
		"Команды:\n" +
		"/start — перезапустить бота\n" +
		"/help — справка\n" +
		"Кнопка «Мои заказы» — показать активные заказы"
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	f.send(msg)
}

func (f *Flow) handleCityInput(chatID int64, text string) {
	if !f.catalog.HasCity(text) {
		msg := tgbotapi.NewMessage(chatID, "Выберите город из списка:")
		msg.ReplyMarkup = f.cityKeyboard()
		f.send(msg)
		return
	}

	f.sessions.Update(chatID, func(s *session.Session) {
		s.City = text
		s.State = session.StateProduct
	})
	f.sendTemp(chatID, "Город выбран: "+text)
	f.sendProductMenu(chatID)
}

func (f *Flow) sendProductMenu(chatID int64) {
	f.sessions.Update(chatID, func(s *session.Session) {
		s.State = session.StateProduct
	})
	msg := tgbotapi.NewMessage(chatID, "Выберите товар:")
	msg.ReplyMarkup = f.productKeyboard()
	f.send(msg)
}

func (f *Flow) handleProductInput(chatID int64, text string) {
	switch text {
	case btnBack:
		f.sendProductMenu(chatID)
		return
	case btnChooseAddress:
		sess, _ := f.sessions.Get(chatID)
		if sess.ProductID == "" {
			f.sendProductMenu(chatID)
			return
		}
		f.sendDistrictMenu(chatID)
		return
	}

	p, ok := f.catalog.ByLabel(text)
	if !ok {
		f.sendProductMenu(chatID)
		return
	}

	f.sessions.Update(chatID, func(s *session.Session) {
		s.ProductID = p.ID
	})
	f.sendProductCard(chatID, p)
}

// sendProductCard shows the photo with a caption, falling back to text
// when the image file is not on disk.
func (f *Flow) sendProductCard(chatID int64, p catalog.Product) {
	caption := fmt.Sprintf("%s\nЦена: %s грн.", p.Description, p.Price.String())
	markup := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnChooseAddress),
			tgbotapi.NewKeyboardButton(btnBack),
		),
	)

	if p.Photo != "" {
		if _, err := os.Stat(p.Photo); err == nil {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(p.Photo))
			photo.Caption = caption
			photo.ReplyMarkup = markup
			f.send(photo)
			return
		}
	}

	msg := tgbotapi.NewMessage(chatID, caption)
	msg.ReplyMarkup = markup
	f.send(msg)
}

func (f *Flow) sendDistrictMenu(chatID int64) {
	f.sessions.Update(chatID, func(s *session.Session) {
		s.State = session.StateAddress
	})

	rows := make([][]tgbotapi.KeyboardButton, 0, len(f.catalog.Districts())+1)
	for _, d := range f.catalog.Districts() {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(d)))
	}
	rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnBackToMenu)))

	f.sendTemp(chatID, "Выберите район доставки:")
	msg := tgbotapi.NewMessage(chatID, "Адреса:")
	msg.ReplyMarkup = tgbotapi.NewReplyKeyboard(rows...)
	f.send(msg)
}

func (f *Flow) handleAddressInput(chatID int64, text string) {
	if text == btnBackToMenu {
		f.sendProductMenu(chatID)
		return
	}
	if !f.catalog.HasDistrict(text) {
		f.sendDistrictMenu(chatID)
		return
	}
	f.createOrder(chatID, text)
}

func (f *Flow) createOrder(chatID int64, address string) {
	sess, ok := f.sessions.Get(chatID)
	if !ok || sess.ProductID == "" {
		f.sendProductMenu(chatID)
		return
	}
	p, ok := f.catalog.Get(sess.ProductID)
	if !ok {
		f.sendProductMenu(chatID)
		return
	}

	order := f.ledger.Create(chatID, p.ID, p.Price)

	f.sessions.Update(chatID, func(s *session.Session) {
		s.Address = address
		s.ActiveOrderID = order.ID
		s.State = session.StateAwaitingPayment
	})

	text := fmt.Sprintf(
		"✅ Заказ №%s создан!\n\nГород: %s\nРайон: %s\nТовар: %s\nЦена: %s грн.\n\nНажмите кнопку ниже для оплаты:",
		order.ID, sess.City, address, p.Label, p.Price.String())

	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить", f.paymentLink(order, p)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("❌ Отменить", cbCancelPrefix+order.ID),
		),
	)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	f.send(msg)

	f.notifyAdmin(order, p, sess.City, address)
	f.log.WithFields(logrus.Fields{"order_id": order.ID, "chat_id": chatID}).Info("order created")
}

func (f *Flow) paymentLink(o ledger.Order, p catalog.Product) string {
	q := url.Values{}
	q.Set("amount", o.Amount.String())
	q.Set("order_id", o.ID)
	q.Set("tx_id", o.ExternalTxID)
	q.Set("currency", "UAH")
	q.Set("description", fmt.Sprintf("%s, заказ %s", p.Label, o.ID))
	q.Set("callback_url", f.cfg.CallbackURL)
	return f.cfg.PaymentURL + "?" + q.Encode()
}

func (f *Flow) notifyAdmin(o ledger.Order, p catalog.Product, city, address string) {
	if f.cfg.AdminChatID == 0 {
		return
	}
	text := fmt.Sprintf(
		"🚨 НОВЫЙ ЗАКАЗ!\n\nНомер: %s\nТовар: %s\nГород: %s\nРайон: %s\nСумма: %s грн.\nВремя: %s",
		o.ID, p.Label, city, address, o.Amount.String(), o.CreatedAt.Format("15:04 02.01.2006"))
	f.send(tgbotapi.NewMessage(f.cfg.AdminChatID, text))
}

func (f *Flow) sendMyOrders(chatID int64) {
	orders := f.ledger.ListByUser(chatID)
	if len(orders) == 0 {
		f.send(tgbotapi.NewMessage(chatID, "📭 У вас нет активных заказов."))
		return
	}

	var b strings.Builder
	b.WriteString("📦 Ваши активные заказы:\n\n")
	for _, o := range orders {
		label := o.ProductID
		if p, ok := f.catalog.Get(o.ProductID); ok {
			label = p.Label
		}
		fmt.Fprintf(&b, "• №%s — %s, %s грн.\n", o.ID, label, o.Amount.String())
	}
	f.send(tgbotapi.NewMessage(chatID, b.String()))
}

// handleCallback serves the inline cancel flow. Cancelling takes two
// taps: the first asks for confirmation, only the second removes the
// order.
func (f *Flow) handleCallback(q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID
	msgID := q.Message.MessageID

	switch {
	case q.Data == cbCancelNo:
		f.request(tgbotapi.NewCallback(q.ID, "Отмена отменена"))

	case strings.HasPrefix(q.Data, cbConfirmPrefix):
		orderID := strings.TrimPrefix(q.Data, cbConfirmPrefix)
		if o, err := f.ledger.Get(orderID); err == nil && o.UserID == chatID {
			f.ledger.Remove(orderID)
			f.sessions.Clear(chatID)
		}
		f.request(tgbotapi.NewCallback(q.ID, ""))
		f.send(tgbotapi.NewEditMessageText(chatID, msgID,
			fmt.Sprintf("Заказ №%s отменён.", orderID)))

	case strings.HasPrefix(q.Data, cbCancelPrefix):
		orderID := strings.TrimPrefix(q.Data, cbCancelPrefix)
		markup := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Да, отменить", cbConfirmPrefix+orderID),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Нет", cbCancelNo),
			),
		)
		f.request(tgbotapi.NewCallback(q.ID, ""))
		f.send(tgbotapi.NewEditMessageTextAndMarkup(chatID, msgID,
			fmt.Sprintf("Отменить заказ №%s?", orderID), markup))
	}
}

// sendTemp posts a status line and deletes the previous one, so the
// chat does not fill up with stale prompts.
func (f *Flow) sendTemp(chatID int64, text string) {
	sent, err := f.sender.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		f.log.WithError(err).Warn("send failed")
		return
	}

	f.mu.Lock()
	prev, ok := f.lastStatus[chatID]
	f.lastStatus[chatID] = sent.MessageID
	f.mu.Unlock()

	if ok {
		f.request(tgbotapi.NewDeleteMessage(chatID, prev))
	}
}

func (f *Flow) cityKeyboard() tgbotapi.ReplyKeyboardMarkup {
	rows := make([][]tgbotapi.KeyboardButton, 0, len(f.catalog.Cities()))
	for _, c := range f.catalog.Cities() {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(c)))
	}
	return tgbotapi.NewReplyKeyboard(rows...)
}

func (f *Flow) productKeyboard() tgbotapi.ReplyKeyboardMarkup {
	products := f.catalog.Products()
	var rows [][]tgbotapi.KeyboardButton
	for i := 0; i < len(products); i += 2 {
		row := []tgbotapi.KeyboardButton{tgbotapi.NewKeyboardButton(products[i].Label)}
		if i+1 < len(products) {
			row = append(row, tgbotapi.NewKeyboardButton(products[i+1].Label))
		}
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnMyOrders)))
	return tgbotapi.NewReplyKeyboard(rows...)
}

func (f *Flow) send(c tgbotapi.Chattable) {
	if _, err := f.sender.Send(c); err != nil {
		f.log.WithError(err).Warn("send failed")
	}
}

func (f *Flow) request(c tgbotapi.Chattable) {
	if _, err := f.sender.Request(c); err != nil {
		f.log.WithError(err).Debug("request failed")
	}
}
