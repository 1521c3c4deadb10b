package flow

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

const (
	defaultBaseURL   = "https://sandbox.flow.cl/api"
	defaultTimeoutMs = 20_000

	createPath        = "/payment/create"
	statusPath        = "/payment/getStatus"
	statusByOrderPath = "/payment/getStatusByCommerceId"

	// The provider signals "come back in a moment" with this code or with a
	// human-readable variant of the same message.
	transientErrorCode = 100
)

// Client talks to the payment-link provider. Requests are signed with the
// concat layout and a lowercase hex digest, the parameter set always
// including the api key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	signer     *sign.Signer
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey, secret string, timeoutMs int, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}

	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		signer:     sign.NewSigner(secret, sign.LayoutConcat, false),
		logger:     logger,
	}
}

// CreateLink opens a payment and returns the link the payer must follow.
func (c *Client) CreateLink(ctx context.Context, req LinkRequest) (*LinkResponse, error) {
	params := map[string]string{
		"apiKey":          c.apiKey,
		"commerceOrder":   req.OrderID,
		"subject":         req.Subject,
		"amount":          strconv.FormatInt(req.Amount, 10),
		"email":           req.Email,
		"urlConfirmation": req.ConfirmationURL,
		"urlReturn":       req.ReturnURL,
	}

	body, err := c.postForm(ctx, createPath, params)
	if err != nil {
		return nil, err
	}

	var resp LinkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &payment.ProtocolError{Provider: payment.ProviderFlow, Body: string(body)}
	}
	if resp.Token == "" || resp.URL == "" {
		return nil, &payment.ProtocolError{Provider: payment.ProviderFlow, Body: string(body)}
	}

	c.logger.InfoContext(ctx, "Created flow payment link", "commerceOrder", req.OrderID, "flowOrder", resp.FlowOrder)
	return &resp, nil
}

// StatusByToken fetches the payment state for a provider token.
func (c *Client) StatusByToken(ctx context.Context, token string) (*StatusResponse, error) {
	if token == "" {
		return nil, errors.Wrap(payment.ErrValidation, "token is required")
	}
	return c.getStatus(ctx, statusPath, map[string]string{
		"apiKey": c.apiKey,
		"token":  token,
	})
}

// StatusByOrder fetches the payment state by merchant order id, for callers
// that never learned the token.
func (c *Client) StatusByOrder(ctx context.Context, orderID string) (*StatusResponse, error) {
	if orderID == "" {
		return nil, errors.Wrap(payment.ErrValidation, "orderId is required")
	}
	return c.getStatus(ctx, statusByOrderPath, map[string]string{
		"apiKey":     c.apiKey,
		"commerceId": orderID,
	})
}

// VerifyCallback recomputes the signature over an inbound callback payload
// (with the signature field already removed) and compares it to the one the
// provider attached.
func (c *Client) VerifyCallback(params map[string]string, signature string) bool {
	return c.signer.Verify(params, signature)
}

func (c *Client) getStatus(ctx context.Context, path string, params map[string]string) (*StatusResponse, error) {
	query := url.Values{}
	for k, v := range sign.Filter(params) {
		query.Set(k, v)
	}
	query.Set("s", c.signer.Sign(params))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building flow status request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &payment.ProtocolError{Provider: payment.ProviderFlow, Body: string(body)}
	}
	if resp.Status == 0 && resp.CommerceOrder == "" {
		return nil, &payment.ProtocolError{Provider: payment.ProviderFlow, Body: string(body)}
	}
	resp.Raw = body

	return &resp, nil
}

func (c *Client) postForm(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	form := url.Values{}
	for k, v := range sign.Filter(params) {
		form.Set(k, v)
	}
	form.Set("s", c.signer.Sign(params))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "building flow request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling flow")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading flow response")
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
			if isTransient(apiErr) {
				return nil, errors.Wrapf(payment.ErrTransient, "flow: %s", apiErr.Message)
			}
			return nil, fmt.Errorf("flow error %d: %s", apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("flow returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func isTransient(e apiError) bool {
	return e.Code == transientErrorCode ||
		strings.Contains(strings.ToLower(e.Message), "no service available")
}
