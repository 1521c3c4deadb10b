package flow

import "encoding/json"

// LinkRequest is one payment-link creation attempt.
type LinkRequest struct {
	OrderID         string
	Subject         string
	Amount          int64
	Email           string
	ConfirmationURL string
	ReturnURL       string
}

// LinkResponse is the provider's answer to a link creation. The URL the payer
// must visit is URL with the token appended as a query parameter.
type LinkResponse struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	FlowOrder int64  `json:"flowOrder"`
}

// PaymentURL builds the complete link the payer is sent to.
func (r *LinkResponse) PaymentURL() string {
	return r.URL + "?token=" + r.Token
}

// StatusResponse is the provider's view of a payment, fetched by token or by
// merchant order. Status is the provider's numeric code, mapped to the
// internal state by the caller.
type StatusResponse struct {
	FlowOrder     int64           `json:"flowOrder"`
	CommerceOrder string          `json:"commerceOrder"`
	Status        int             `json:"status"`
	Subject       string          `json:"subject"`
	Amount        json.Number     `json:"amount"`
	Payer         string          `json:"payer"`
	RequestDate   string          `json:"requestDate"`
	Raw           json.RawMessage `json:"-"`
}

// apiError is the provider's error payload.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
