package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Provider names as they appear in results, stored outcomes and events.
const (
	ProviderWebpay = "webpay"
	ProviderFlow   = "flow"
)

// MaxOrderIDLength is the tightest merchant-order length bound across the
// integrated providers.
const MaxOrderIDLength = 45

// ErrValidation marks caller-fault errors. Wrapped with field detail at the
// point of rejection; never retried.
var ErrValidation = errors.New("validation error")

// ErrTransient marks the provider failure class that is worth retrying.
var ErrTransient = errors.New("provider temporarily unavailable")

// ErrSignatureMismatch rejects inbound callbacks whose signature does not
// recompute over the delivered payload.
var ErrSignatureMismatch = errors.New("signature mismatch")

// ProtocolError means the provider answered but the response is missing a
// field the protocol requires. The body is kept for diagnosis.
type ProtocolError struct {
	Provider string
	Body     string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: unexpected response: %s", e.Provider, e.Body)
}

// Number tolerates both numeric and string JSON representations, the way
// mobile clients actually send amounts.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*n = Number(s)
	return nil
}

// StartRequest is one checkout attempt as received from the client.
type StartRequest struct {
	Provider    string `json:"provider,omitempty"`
	Amount      Number `json:"amount"`
	OrderID     string `json:"orderId,omitempty"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// Normalize validates the request and fills defaults: provider falls back to
// webpay, the order id to a timestamp-based one. Returns the coerced amount.
func (r *StartRequest) Normalize() (int64, error) {
	if r.Provider == "" {
		r.Provider = ProviderWebpay
	}
	if r.Provider != ProviderWebpay && r.Provider != ProviderFlow {
		return 0, errors.Wrapf(ErrValidation, "unknown provider %q", r.Provider)
	}

	if r.Amount == "" {
		return 0, errors.Wrap(ErrValidation, "amount is required")
	}
	amount, err := strconv.ParseInt(string(r.Amount), 10, 64)
	if err != nil || amount <= 0 {
		return 0, errors.Wrapf(ErrValidation, "invalid amount %q", string(r.Amount))
	}

	if r.OrderID == "" {
		r.OrderID = fmt.Sprintf("PRE-%d", time.Now().UnixMilli())
	}
	if len(r.OrderID) > MaxOrderIDLength {
		return 0, errors.Wrapf(ErrValidation, "orderId exceeds %d characters", MaxOrderIDLength)
	}

	if r.Provider == ProviderFlow && strings.TrimSpace(r.Email) == "" {
		return 0, errors.Wrap(ErrValidation, "email is required for flow payments")
	}

	return amount, nil
}

// StartResult is returned to the client after a successful creation.
type StartResult struct {
	OK             bool   `json:"ok"`
	Provider       string `json:"provider"`
	Token          string `json:"token"`
	OrderID        string `json:"orderId"`
	Amount         int64  `json:"amount"`
	RedirectTarget string `json:"redirectTarget"`
}

// Result is the reconciliation envelope. OK reports whether the
// reconciliation call itself succeeded; Status is empty when unresolved.
type Result struct {
	OK        bool            `json:"ok"`
	Provider  string          `json:"provider,omitempty"`
	OrderID   string          `json:"orderId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Paid      bool            `json:"paid"`
	Transient bool            `json:"transient,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Error     string          `json:"error,omitempty"`
}
