// Package payment validates provider callbacks and applies them to the
// order ledger exactly once.
package payment

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"telegram-gift-bot/internal/audit"
	"telegram-gift-bot/internal/ledger"
)

type Code int

const (
	CodeOK Code = iota
	CodeDuplicate
	CodeMalformed
	CodeBadSignature
	CodeNotFound
	CodeAmountMismatch
	CodePaymentFailed
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeDuplicate:
		return "duplicate"
	case CodeMalformed:
		return "malformed"
	case CodeBadSignature:
		return "bad_signature"
	case CodeNotFound:
		return "order_not_found"
	case CodeAmountMismatch:
		return "amount_mismatch"
	case CodePaymentFailed:
		return "payment_failed"
	}
	return "unknown"
}

type Outcome struct {
	Code   Code
	Order  ledger.Order
	Reason string
}

// Ledger is the slice of the order store the reconciler needs.
type Ledger interface {
	Get(id string) (ledger.Order, error)
	FindByTx(tx string) (ledger.Order, error)
	Transition(id string, next ledger.Status) (ledger.Order, error)
	Remove(id string)
}

// Notifier pushes a plain text message to the buyer's chat.
type Notifier interface {
	Notify(chatID int64, text string)
}

// Fulfiller hands the paid order over for delivery.
type Fulfiller interface {
	Fulfill(o ledger.Order)
}

type Reconciler struct {
	ledger   Ledger
	resolver Resolver
	verifier Verifier
	notifier Notifier
	fulfill  Fulfiller
	audit    *audit.Logger
	log      logrus.FieldLogger

	// cancelOnFailure drops the order when the provider reports a
	// declined payment; otherwise it stays pending and retryable.
	cancelOnFailure bool
}

type Deps struct {
	Ledger          Ledger
	Resolver        Resolver
	Verifier        Verifier
	Notifier        Notifier
	Fulfiller       Fulfiller
	Audit           *audit.Logger
	Log             logrus.FieldLogger
	CancelOnFailure bool
}

func NewReconciler(d Deps) *Reconciler {
	if d.Audit == nil {
		d.Audit = audit.NewWriter(io.Discard)
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &Reconciler{
		ledger:          d.Ledger,
		resolver:        d.Resolver,
		verifier:        d.Verifier,
		notifier:        d.Notifier,
		fulfill:         d.Fulfiller,
		audit:           d.Audit,
		log:             d.Log,
		cancelOnFailure: d.CancelOnFailure,
	}
}

// Reconcile runs one callback through the full pipeline: identify,
// authenticate, match, dedupe, check the amount, then settle. Providers
// retry delivery, so a callback for an already settled order is a
// success, not an error.
func (r *Reconciler) Reconcile(form url.Values) Outcome {
	id, err := r.resolver.Resolve(form)
	if err != nil {
		return r.reject(CodeMalformed, err.Error(), form)
	}

	// Authenticity comes before the ledger lookup: a forged callback
	// must not learn which order ids exist.
	if err := r.verifier.Verify(form, id.Raw); err != nil {
		if errors.Is(err, ErrBadSignature) {
			return r.reject(CodeBadSignature, "signature mismatch", form)
		}
		return r.reject(CodeMalformed, err.Error(), form)
	}

	order, err := r.lookup(id)
	if err != nil {
		return r.reject(CodeNotFound, fmt.Sprintf("no order for %q", id.Raw), form)
	}

	if order.Status.Terminal() {
		r.audit.Event(CodeDuplicate.String(), "order already "+order.Status.String(), form)
		return Outcome{Code: CodeDuplicate, Order: order}
	}

	rawAmount := form.Get("amount")
	if rawAmount == "" {
		return r.reject(CodeMalformed, "missing required field \"amount\"", form)
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return r.reject(CodeMalformed, "unparseable amount "+rawAmount, form)
	}
	// Compared against the snapshot taken at order creation, never the
	// live catalog price.
	if !amount.Equal(order.Amount) {
		r.notifier.Notify(order.UserID, fmt.Sprintf(
			"⚠️ Сумма оплаты по заказу №%s не совпадает (%s вместо %s грн.). Обратитесь в поддержку.",
			order.ID, amount.String(), order.Amount.String()))
		return r.reject(CodeAmountMismatch,
			fmt.Sprintf("order %s: got %s, want %s", order.ID, amount.String(), order.Amount.String()), form)
	}

	if !successStatus(form.Get("status")) {
		return r.paymentFailed(order, form)
	}

	// The status check and the write are one atomic step in the
	// ledger; the loser of a duplicate race lands in ErrTerminal.
	paid, err := r.ledger.Transition(order.ID, ledger.StatusPaid)
	switch {
	case errors.Is(err, ledger.ErrTerminal):
		r.audit.Event(CodeDuplicate.String(), "lost settle race", form)
		return Outcome{Code: CodeDuplicate, Order: paid}
	case errors.Is(err, ledger.ErrNotFound):
		return r.reject(CodeNotFound, "order evicted before settle", form)
	case err != nil:
		return r.reject(CodeMalformed, err.Error(), form)
	}

	r.log.WithFields(logrus.Fields{"order_id": paid.ID, "user_id": paid.UserID}).
		Info("payment confirmed")
	r.audit.Event(CodeOK.String(), "", form)

	r.notifier.Notify(paid.UserID, "🎉 Оплата подтверждена! Готовлю выдачу...")
	r.fulfill.Fulfill(paid)
	return Outcome{Code: CodeOK, Order: paid}
}

func (r *Reconciler) lookup(id Identity) (ledger.Order, error) {
	if id.TxID != "" {
		return r.ledger.FindByTx(id.TxID)
	}
	return r.ledger.Get(id.OrderID)
}

func (r *Reconciler) paymentFailed(order ledger.Order, form url.Values) Outcome {
	r.audit.Event(CodePaymentFailed.String(), "provider status "+form.Get("status"), form)
	r.notifier.Notify(order.UserID, "❌ Оплата не прошла. Попробуйте снова.")

	if r.cancelOnFailure {
		if _, err := r.ledger.Transition(order.ID, ledger.StatusCancelled); err == nil {
			r.ledger.Remove(order.ID)
		}
	}
	return Outcome{Code: CodePaymentFailed, Order: order}
}

func (r *Reconciler) reject(code Code, reason string, form url.Values) Outcome {
	r.log.WithFields(logrus.Fields{"outcome": code.String(), "reason": reason}).
		Warn("payment callback rejected")
	r.audit.Event(code.String(), reason, form)
	return Outcome{Code: code, Reason: reason}
}

// An absent status field is the implicit-success marker some
// deployments use.
func successStatus(s string) bool {
	switch s {
	case "", "success", "paid", "ok":
		return true
	}
	return false
}
