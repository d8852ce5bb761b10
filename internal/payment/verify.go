package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
)

var ErrBadSignature = errors.New("signature mismatch")

// Verifier checks the authenticity of a callback before anything in it
// is trusted. identityRaw is the raw identity field value the resolver
// extracted; it is part of the signed string.
type Verifier interface {
	Verify(form url.Values, identityRaw string) error
}

const (
	SignatureHMAC      = "hmac"
	SignatureSecretKey = "secret_key"
)

func NewVerifier(scheme, secret string) (Verifier, error) {
	switch scheme {
	case SignatureHMAC, "":
		return hmacVerifier{secret: []byte(secret)}, nil
	case SignatureSecretKey:
		return secretKeyVerifier{secret: secret}, nil
	}
	return nil, fmt.Errorf("unknown signature scheme %q", scheme)
}

// hmacVerifier recomputes HMAC-SHA256 over the provider's canonical
// string: identity + amount + status, concatenated as-is.
type hmacVerifier struct {
	secret []byte
}

func (v hmacVerifier) Verify(form url.Values, identityRaw string) error {
	sig := form.Get("signature")
	if sig == "" {
		return errMissingField("signature")
	}
	if len(v.secret) == 0 {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(identityRaw + form.Get("amount") + form.Get("status")))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// secretKeyVerifier compares a plain shared secret echoed back by the
// provider. Weaker than the HMAC scheme but some deployments use it.
type secretKeyVerifier struct {
	secret string
}

func (v secretKeyVerifier) Verify(form url.Values, _ string) error {
	key := form.Get("secret_key")
	if key == "" {
		return errMissingField("secret_key")
	}
	if v.secret == "" {
		return ErrBadSignature
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(v.secret)) != 1 {
		return ErrBadSignature
	}
	return nil
}
