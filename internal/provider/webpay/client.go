package webpay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payment-bridge/internal/payment"
	"payment-bridge/internal/sign"
	"github.com/pkg/errors"
)

// Environments. Sandbox and production endpoints are never mixed: a client
// is built for exactly one of them.
const (
	EnvIntegration = "integration"
	EnvProduction  = "production"
)

const (
	integrationBaseURL = "https://webpay3gint.transbank.cl"
	productionBaseURL  = "https://webpay3g.transbank.cl"

	createPath = "/webpayserver/api/transactions"
	commitPath = "/webpayserver/api/transactions/commit"
	initPath   = "/webpayserver/initTransaction"

	defaultTimeoutMs = 20_000
)

// Client talks to the card-redirect provider. All calls are form-encoded and
// carry a signature over the sorted parameter set; this provider uses the
// query-string layout with an uppercase hex digest.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	env          string
	commerceCode string
	signer       *sign.Signer
	logger       *slog.Logger
}

func NewClient(env, commerceCode, apiKey string, timeoutMs int, logger *slog.Logger) *Client {
	baseURL := integrationBaseURL
	if env == EnvProduction {
		baseURL = productionBaseURL
	}
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	return &Client{
		httpClient:   &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL:      baseURL,
		env:          env,
		commerceCode: commerceCode,
		signer:       sign.NewSigner(apiKey, sign.LayoutQuery, true),
		logger:       logger,
	}
}

// Environment returns the environment the client was built for.
func (c *Client) Environment() string {
	if c.env == EnvProduction {
		return EnvProduction
	}
	return EnvIntegration
}

// InitURL is the hosted page the end user's browser must POST the token to.
func (c *Client) InitURL() string {
	return c.baseURL + initPath
}

// Create opens a transaction and returns the provider token plus the hosted
// redirect URL. A response missing either field is a protocol error.
func (c *Client) Create(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*CreateResponse, error) {
	params := map[string]string{
		"commerce_code": c.commerceCode,
		"buy_order":     buyOrder,
		"session_id":    sessionID,
		"amount":        strconv.FormatInt(amount, 10),
		"return_url":    returnURL,
	}

	body, err := c.post(ctx, createPath, params)
	if err != nil {
		return nil, err
	}

	var resp CreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &payment.ProtocolError{Provider: payment.ProviderWebpay, Body: string(body)}
	}
	if resp.Token == "" || resp.URL == "" {
		return nil, &payment.ProtocolError{Provider: payment.ProviderWebpay, Body: string(body)}
	}

	c.logger.InfoContext(ctx, "Created webpay transaction", "buyOrder", buyOrder, "env", c.Environment())
	return &resp, nil
}

// Commit confirms a transaction by token and returns the provider's
// definitive outcome.
func (c *Client) Commit(ctx context.Context, token string) (*CommitResponse, error) {
	if token == "" {
		return nil, errors.Wrap(payment.ErrValidation, "token is required")
	}

	params := map[string]string{
		"commerce_code": c.commerceCode,
		"token_ws":      token,
	}

	body, err := c.post(ctx, commitPath, params)
	if err != nil {
		return nil, err
	}

	var resp CommitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &payment.ProtocolError{Provider: payment.ProviderWebpay, Body: string(body)}
	}
	if resp.ResponseCode == nil && resp.Status == "" {
		return nil, &payment.ProtocolError{Provider: payment.ProviderWebpay, Body: string(body)}
	}
	resp.Raw = body

	c.logger.InfoContext(ctx, "Committed webpay transaction",
		"buyOrder", resp.BuyOrder, "status", resp.Status, "responseCode", resp.Code())
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	form := url.Values{}
	for k, v := range sign.Filter(params) {
		form.Set(k, v)
	}
	form.Set("s", c.signer.Sign(params))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "building webpay request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling webpay")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading webpay response")
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webpay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}
