package webpay

import (
	"encoding/json"
	"strings"
)

// CreateResponse is the provider's answer to a transaction creation.
type CreateResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// CommitResponse is the definitive outcome of a redirect transaction.
// ResponseCode is a pointer because 0 means approved and must be
// distinguishable from an absent field.
type CommitResponse struct {
	ResponseCode      *int            `json:"response_code"`
	Status            string          `json:"status"`
	Amount            int64           `json:"amount"`
	BuyOrder          string          `json:"buy_order"`
	SessionID         string          `json:"session_id"`
	AuthorizationCode string          `json:"authorization_code"`
	TransactionDate   string          `json:"transaction_date"`
	Raw               json.RawMessage `json:"-"`
}

// Authorized reports whether the provider approved the transaction: response
// code zero and status AUTHORIZED, compared case-insensitively.
func (c *CommitResponse) Authorized() bool {
	return c.ResponseCode != nil && *c.ResponseCode == 0 &&
		strings.EqualFold(c.Status, "AUTHORIZED")
}

// Code returns the response code, or -1 when the provider omitted it.
func (c *CommitResponse) Code() int {
	if c.ResponseCode == nil {
		return -1
	}
	return *c.ResponseCode
}
