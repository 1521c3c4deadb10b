package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"payment-bridge/internal/bridge"
	"payment-bridge/internal/event"
	"payment-bridge/internal/index"
	"payment-bridge/internal/logcontext"
	"payment-bridge/internal/payment"
	"payment-bridge/internal/provider/flow"
	"payment-bridge/internal/provider/webpay"
	"payment-bridge/internal/service"
	"payment-bridge/internal/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	startSuccessCounter    = metrics.GetOrCreateCounter(`payment_start_total{result="success"}`)
	startValidationCounter = metrics.GetOrCreateCounter(`payment_start_total{result="validation_error"}`)
	startProviderCounter   = metrics.GetOrCreateCounter(`payment_start_total{result="provider_error"}`)

	webhookAcceptedCounter = metrics.GetOrCreateCounter(`payment_webhook_total{result="accepted"}`)
	webhookProbeCounter    = metrics.GetOrCreateCounter(`payment_webhook_total{result="no_token"}`)
	webhookRejectedCounter = metrics.GetOrCreateCounter(`payment_webhook_total{result="signature_mismatch"}`)

	returnCommitCounter = metrics.GetOrCreateCounter(`payment_return_total{result="committed"}`)
	returnErrorCounter  = metrics.GetOrCreateCounter(`payment_return_total{result="error"}`)
)

// CardClient is the slice of the redirect provider the handlers use.
type CardClient interface {
	Create(ctx context.Context, buyOrder, sessionID string, amount int64, returnURL string) (*webpay.CreateResponse, error)
	Commit(ctx context.Context, token string) (*webpay.CommitResponse, error)
	InitURL() string
	Environment() string
}

// LinkClient is the slice of the payment-link provider the handlers use.
type LinkClient interface {
	CreateLink(ctx context.Context, req flow.LinkRequest) (*flow.LinkResponse, error)
	VerifyCallback(params map[string]string, signature string) bool
}

type Handler struct {
	baseURL    string
	card       CardClient
	link       LinkClient
	reconciler *service.Reconciler
	index      index.Index
	outcomes   service.OutcomeWriter
	publisher  *event.Publisher
	logger     *slog.Logger
}

func NewHandler(baseURL string, card CardClient, link LinkClient, reconciler *service.Reconciler,
	idx index.Index, outcomes service.OutcomeWriter, publisher *event.Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		baseURL:    baseURL,
		card:       card,
		link:       link,
		reconciler: reconciler,
		index:      idx,
		outcomes:   outcomes,
		publisher:  publisher,
		logger:     logger,
	}
}

// Register wires the HTTP surface onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments/start", h.Start)
	mux.HandleFunc("GET /payments/forward/{token}", h.Forward)
	mux.HandleFunc("/payments/return", h.Return)
	mux.HandleFunc("/payments/confirm", h.Confirm)
	mux.HandleFunc("GET /payments/status", h.Status)
	mux.HandleFunc("GET /health", h.Health)
}

// Start creates a transaction with the selected provider and answers with the
// token and the target the client must send the payer to.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := logcontext.AppendCtx(r.Context(), slog.String("requestId", uuid.New().String()))

	var req payment.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		startValidationCounter.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}

	amount, err := req.Normalize()
	if err != nil {
		startValidationCounter.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("orderId", req.OrderID))

	var result *payment.StartResult
	switch req.Provider {
	case payment.ProviderFlow:
		result, err = h.startFlow(ctx, &req, amount)
	default:
		result, err = h.startWebpay(ctx, &req, amount)
	}

	if err != nil {
		startProviderCounter.Inc()
		h.logger.ErrorContext(ctx, "Error starting payment", "provider", req.Provider, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "could not start the transaction"})
		return
	}

	if h.index != nil {
		if err := h.index.Put(ctx, result.OrderID, result.Token); err != nil {
			h.logger.WarnContext(ctx, "Error recording order token", "orderId", result.OrderID, "error", err)
		}
	}

	startSuccessCounter.Inc()
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) startWebpay(ctx context.Context, req *payment.StartRequest, amount int64) (*payment.StartResult, error) {
	returnURL := h.baseURL + "/payments/return"
	if req.CallbackURL != "" {
		// Double-encoded so the value survives the provider's own redirect
		// round trip; the return handler decodes twice.
		returnURL += "?cb=" + url.QueryEscape(url.QueryEscape(req.CallbackURL))
	}

	sessionID := uuid.New().String()
	resp, err := h.card.Create(ctx, req.OrderID, sessionID, amount, returnURL)
	if err != nil {
		return nil, err
	}

	return &payment.StartResult{
		OK:             true,
		Provider:       payment.ProviderWebpay,
		Token:          resp.Token,
		OrderID:        req.OrderID,
		Amount:         amount,
		RedirectTarget: h.baseURL + "/payments/forward/" + resp.Token,
	}, nil
}

func (h *Handler) startFlow(ctx context.Context, req *payment.StartRequest, amount int64) (*payment.StartResult, error) {
	subject := req.Description
	if subject == "" {
		subject = "Order " + req.OrderID
	}

	resp, err := h.link.CreateLink(ctx, flow.LinkRequest{
		OrderID:         req.OrderID,
		Subject:         subject,
		Amount:          amount,
		Email:           req.Email,
		ConfirmationURL: h.baseURL + "/payments/confirm",
		ReturnURL:       h.baseURL + "/payments/return",
	})
	if err != nil {
		return nil, err
	}

	return &payment.StartResult{
		OK:             true,
		Provider:       payment.ProviderFlow,
		Token:          resp.Token,
		OrderID:        req.OrderID,
		Amount:         amount,
		RedirectTarget: resp.PaymentURL(),
	}, nil
}

// Forward serves the auto-submitting document that carries the token to the
// redirect provider's hosted page. No validation: the provider validates the
// token itself.
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	writeHTML(w, bridge.ForwardPage(token, h.card.InitURL(), h.card.Environment()))
}

// Return receives the redirect provider's synchronous return, commits the
// transaction and hands the outcome back to the caller: as a redirect
// document when a client callback was registered, as JSON otherwise.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cb := ""
	if raw := r.URL.Query().Get("cb"); raw != "" {
		cb = decodeTwice(raw)
	}

	token := extractToken(r, "token_ws", "TBK_TOKEN")
	if token == "" {
		if cb != "" {
			writeHTML(w, bridge.NavigatePage(cb+"?status=failed&code=NO_TOKEN", "Payment canceled. Returning to the app..."))
			return
		}
		http.Error(w, "missing token_ws (canceled or invalid)", http.StatusBadRequest)
		return
	}

	commit, err := h.card.Commit(ctx, token)
	if err != nil {
		returnErrorCounter.Inc()
		h.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		if cb != "" {
			writeHTML(w, bridge.NavigatePage(cb+"?status=failed&code=COMMIT_ERROR", "Payment failed. Returning to the app..."))
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "could not confirm the transaction"})
		return
	}

	returnCommitCounter.Inc()
	success := commit.Authorized()
	h.recordCardOutcome(ctx, commit, token)

	if cb != "" {
		status := "failed"
		message := "Payment rejected. Returning to the app..."
		if success {
			status = "success"
			message = "Payment approved. Returning to the app..."
		}
		target := fmt.Sprintf("%s?status=%s&amount=%d&order=%s&token_ws=%s&code=%d",
			cb, status, commit.Amount, url.QueryEscape(commit.BuyOrder), url.QueryEscape(token), commit.Code())
		writeHTML(w, bridge.NavigatePage(target, message))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": success, "commit": json.RawMessage(commit.Raw)})
}

// Confirm is the provider webhook. Providers are inconsistent about the
// method and probe the endpoint, so it accepts GET and POST, tolerates a
// missing token, and always acknowledges except on a signature mismatch.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "unreadable payload"})
		return
	}

	params, signature := callbackParams(r)
	if signature != "" && !h.link.VerifyCallback(params, signature) {
		webhookRejectedCounter.Inc()
		h.logger.WarnContext(ctx, "Webhook signature mismatch")
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": payment.ErrSignatureMismatch.Error()})
		return
	}

	token := extractToken(r, "token")
	if token == "" {
		webhookProbeCounter.Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "no token"})
		return
	}

	webhookAcceptedCounter.Inc()
	result := h.reconciler.Resolve(ctx, token, "")
	if !result.OK {
		// Acknowledge anyway: the outcome stays retrievable via the status
		// endpoint and the provider must not retry indefinitely.
		h.logger.ErrorContext(ctx, "Webhook reconciliation failed", "error", result.Error)
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Status resolves the definitive payment state by token or merchant order id.
// Always answers 200 with the result envelope; ok/error fields carry the
// outcome.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	orderID := r.URL.Query().Get("orderId")

	result := h.reconciler.Resolve(r.Context(), token, orderID)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordCardOutcome persists and publishes a committed redirect transaction.
// Failures are logged only; the payer-facing response never depends on them.
func (h *Handler) recordCardOutcome(ctx context.Context, commit *webpay.CommitResponse, token string) {
	status := payment.StatusRejected
	if commit.Authorized() {
		status = payment.StatusPaid
	}

	if h.outcomes != nil && commit.BuyOrder != "" {
		record := &store.OutcomeRecord{
			OrderID:     commit.BuyOrder,
			Provider:    payment.ProviderWebpay,
			Status:      string(status),
			RawResponse: commit.Raw,
			UpdatedAt:   time.Now(),
		}
		if err := h.outcomes.Upsert(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "Error persisting payment outcome", "orderId", commit.BuyOrder, "error", err)
		}
	}

	h.publisher.Publish(ctx, event.StatusEvent{
		OrderID:    commit.BuyOrder,
		Token:      token,
		Provider:   payment.ProviderWebpay,
		Status:     status,
		Paid:       status.Paid(),
		OccurredAt: time.Now(),
	})
}

// extractToken reads the first of names from the form body, then from the
// query string.
func extractToken(r *http.Request, names ...string) string {
	_ = r.ParseForm()
	for _, name := range names {
		if v := r.PostForm.Get(name); v != "" {
			return v
		}
	}
	for _, name := range names {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
	}
	return ""
}

// callbackParams flattens the webhook payload into the parameter set the
// signature covers, separating out the signature field itself.
func callbackParams(r *http.Request) (map[string]string, string) {
	values := r.PostForm
	if len(values) == 0 {
		values = r.URL.Query()
	}

	params := make(map[string]string, len(values))
	signature := ""
	for k, vs := range values {
		if len(vs) == 0 {
			continue
		}
		if k == "s" {
			signature = vs[0]
			continue
		}
		params[k] = vs[0]
	}
	return params, signature
}

func decodeTwice(raw string) string {
	once, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	twice, err := url.QueryUnescape(once)
	if err != nil {
		return once
	}
	return twice
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeHTML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}
