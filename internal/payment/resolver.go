package payment

import (
	"fmt"
	"net/url"
	"regexp"
)

// Identity is the extracted order reference from a callback. Raw is the
// untouched field value the provider signed over; exactly one of
// OrderID or TxID is set depending on the scheme.
type Identity struct {
	Raw     string
	OrderID string
	TxID    string
}

// Resolver extracts the order identity from a raw callback. Which
// scheme is in play depends on the provider deployment, so it is
// selected by configuration, not hard-coded.
type Resolver interface {
	Resolve(form url.Values) (Identity, error)
}

const (
	SchemeOrderID = "order_id"
	SchemeDesc    = "desc"
	SchemeTxID    = "tx_id"
)

func NewResolver(scheme string) (Resolver, error) {
	switch scheme {
	case SchemeOrderID, "":
		return orderIDResolver{}, nil
	case SchemeDesc:
		return descResolver{}, nil
	case SchemeTxID:
		return txIDResolver{}, nil
	}
	return nil, fmt.Errorf("unknown identity scheme %q", scheme)
}

// orderIDResolver reads the order id straight from the callback.
type orderIDResolver struct{}

func (orderIDResolver) Resolve(form url.Values) (Identity, error) {
	id := form.Get("order_id")
	if id == "" {
		return Identity{}, errMissingField("order_id")
	}
	return Identity{Raw: id, OrderID: id}, nil
}

var orderNumberRe = regexp.MustCompile(`\d{4,}`)

// descResolver digs the order number out of the provider's free-text
// payment description.
type descResolver struct{}

func (descResolver) Resolve(form url.Values) (Identity, error) {
	var raw string
	for _, field := range []string{"desc", "description", "comment"} {
		if v := form.Get(field); v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return Identity{}, errMissingField("desc")
	}
	id := orderNumberRe.FindString(raw)
	if id == "" {
		return Identity{}, fmt.Errorf("no order number in description %q", raw)
	}
	return Identity{Raw: raw, OrderID: id}, nil
}

// txIDResolver matches via the provider transaction reference that was
// handed out with the payment link.
type txIDResolver struct{}

func (txIDResolver) Resolve(form url.Values) (Identity, error) {
	tx := form.Get("txID")
	if tx == "" {
		tx = form.Get("tx_id")
	}
	if tx == "" {
		return Identity{}, errMissingField("txID")
	}
	return Identity{Raw: tx, TxID: tx}, nil
}

func errMissingField(name string) error {
	return fmt.Errorf("missing required field %q", name)
}
