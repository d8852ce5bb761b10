// Package fulfill delivers the purchased item's stash location and
// retires the order.
package fulfill

import (
	"fmt"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"telegram-gift-bot/internal/catalog"
	"telegram-gift-bot/internal/ledger"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Sessions interface {
	Clear(chatID int64)
}

type OrderRemover interface {
	Remove(id string)
}

type Fulfiller struct {
	sender   Sender
	catalog  *catalog.Catalog
	ledger   OrderRemover
	sessions Sessions
	log      logrus.FieldLogger
}

func New(sender Sender, cat *catalog.Catalog, led OrderRemover, sess Sessions, log logrus.FieldLogger) *Fulfiller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fulfiller{sender: sender, catalog: cat, ledger: led, sessions: sess, log: log}
}

// Fulfill sends the delivery payload and evicts the order. Eviction is
// unconditional: a failed send or a missing photo must not leave a paid
// order in the ledger, or a retried callback could deliver twice.
func (f *Fulfiller) Fulfill(o ledger.Order) {
	defer func() {
		f.ledger.Remove(o.ID)
		f.sessions.Clear(o.UserID)
	}()

	p, ok := f.catalog.Get(o.ProductID)
	if !ok {
		f.log.WithField("order_id", o.ID).Error("fulfill: product missing from catalog")
		return
	}

	f.send(o.UserID, tgbotapi.NewMessage(o.UserID, p.DeliveryText))

	if p.DeliveryPhoto != "" {
		if _, err := os.Stat(p.DeliveryPhoto); err == nil {
			f.send(o.UserID, tgbotapi.NewPhoto(o.UserID, tgbotapi.FilePath(p.DeliveryPhoto)))
		} else {
			f.log.WithField("photo", p.DeliveryPhoto).Warn("fulfill: delivery photo missing, text only")
		}
	}

	f.send(o.UserID, tgbotapi.NewMessage(o.UserID, fmt.Sprintf(
		"🧹 Почистим за тобой грязюку…\nЗаказ №%s будет удалён!", o.ID)))
}

func (f *Fulfiller) send(chatID int64, c tgbotapi.Chattable) {
	if _, err := f.sender.Send(c); err != nil {
		f.log.WithError(err).WithField("chat_id", chatID).Warn("fulfill: send failed")
	}
}
