package api_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"payment-bridge/internal/api"
	"payment-bridge/internal/event"
	"payment-bridge/internal/index"
	"payment-bridge/internal/payment"
	"payment-bridge/internal/provider/flow"
	"payment-bridge/internal/provider/webpay"
	"payment-bridge/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCard struct {
	createCalls int
	commitCalls int
	createResp  *webpay.CreateResponse
	commitResp  *webpay.CommitResponse
	err         error
}

func (f *fakeCard) Create(_ context.Context, _, _ string, _ int64, _ string) (*webpay.CreateResponse, error) {
	f.createCalls++
	return f.createResp, f.err
}

func (f *fakeCard) Commit(_ context.Context, _ string) (*webpay.CommitResponse, error) {
	f.commitCalls++
	return f.commitResp, f.err
}

func (f *fakeCard) InitURL() string {
	return "https://webpay3gint.transbank.cl/webpayserver/initTransaction"
}

func (f *fakeCard) Environment() string { return webpay.EnvIntegration }

type fakeLink struct {
	createCalls int
	createResp  *flow.LinkResponse
	err         error
	validSig    string
}

func (f *fakeLink) CreateLink(_ context.Context, _ flow.LinkRequest) (*flow.LinkResponse, error) {
	f.createCalls++
	return f.createResp, f.err
}

func (f *fakeLink) VerifyCallback(_ map[string]string, signature string) bool {
	return signature == f.validSig
}

type fakeStatus struct {
	calls int
	resp  *flow.StatusResponse
	err   error
}

func (f *fakeStatus) StatusByToken(_ context.Context, _ string) (*flow.StatusResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeStatus) StatusByOrder(_ context.Context, _ string) (*flow.StatusResponse, error) {
	f.calls++
	return f.resp, f.err
}

type fixture struct {
	card   *fakeCard
	link   *fakeLink
	status *fakeStatus
	mux    *http.ServeMux
}

func newFixture() *fixture {
	f := &fixture{
		card: &fakeCard{
			createResp: &webpay.CreateResponse{Token: "tok-ws-1", URL: "https://webpay3gint.transbank.cl/init"},
			commitResp: authorizedCommit(),
		},
		link: &fakeLink{
			createResp: &flow.LinkResponse{URL: "https://sandbox.flow.cl/app/web/pay.php", Token: "tok-flow-1", FlowOrder: 1},
			validSig:   "valid-signature",
		},
		status: &fakeStatus{resp: &flow.StatusResponse{CommerceOrder: "ORD-1", Status: 2, Raw: []byte(`{"status":2}`)}},
	}

	logger := slog.Default()
	publisher := event.NewPublisher(nil, logger)
	reconciler := service.NewReconciler(f.status, index.NewMemory(), nil, publisher, logger,
		service.WithBackoffUnit(time.Millisecond))

	handler := api.NewHandler("https://api.example.cl", f.card, f.link, reconciler,
		index.NewMemory(), nil, publisher, logger)

	f.mux = http.NewServeMux()
	handler.Register(f.mux)
	return f
}

func authorizedCommit() *webpay.CommitResponse {
	zero := 0
	return &webpay.CommitResponse{
		ResponseCode: &zero,
		Status:       "AUTHORIZED",
		Amount:       10000,
		BuyOrder:     "ORD-1",
		Raw:          []byte(`{"response_code":0,"status":"AUTHORIZED"}`),
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStart_Webpay(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/payments/start",
		strings.NewReader(`{"amount": 10000, "email": "a@b.cl", "orderId": "ORD-1"}`))
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "tok-ws-1", body["token"])
	assert.Equal(t, "ORD-1", body["orderId"])
	assert.Contains(t, body["redirectTarget"], "tok-ws-1")
	assert.Equal(t, 1, f.card.createCalls)
}

func TestStart_Flow(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/payments/start",
		strings.NewReader(`{"provider": "flow", "amount": "2500", "email": "a@b.cl", "orderId": "ORD-2"}`))
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "tok-flow-1", body["token"])
	assert.Contains(t, body["redirectTarget"], "?token=tok-flow-1")
	assert.Equal(t, 1, f.link.createCalls)
	assert.Equal(t, 0, f.card.createCalls)
}

func TestStart_MissingAmount(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/payments/start",
		strings.NewReader(`{"email": "a@b.cl", "orderId": "ORD-1"}`))
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Contains(t, body["error"], "amount")
	assert.Equal(t, 0, f.card.createCalls, "no outbound call on validation failure")
	assert.Equal(t, 0, f.link.createCalls)
}

func TestStart_ProviderError(t *testing.T) {
	f := newFixture()
	f.card.createResp = nil
	f.card.err = &payment.ProtocolError{Provider: payment.ProviderWebpay, Body: "{}"}

	req := httptest.NewRequest(http.MethodPost, "/payments/start",
		strings.NewReader(`{"amount": 10000, "orderId": "ORD-1"}`))
	rec := f.do(req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
}

func TestForward(t *testing.T) {
	f := newFixture()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/payments/forward/tok-ws-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `value="tok-ws-1"`)
	assert.Contains(t, rec.Body.String(), "webpayserver/initTransaction")
}

func TestReturn_CommitJSON(t *testing.T) {
	f := newFixture()

	form := url.Values{"token_ws": {"tok-ws-1"}}
	req := httptest.NewRequest(http.MethodPost, "/payments/return", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 1, f.card.commitCalls)
}

func TestReturn_CommitRedirectsToCallback(t *testing.T) {
	f := newFixture()

	cb := url.QueryEscape(url.QueryEscape("myapp://pay/result"))
	form := url.Values{"token_ws": {"tok-ws-1"}}
	req := httptest.NewRequest(http.MethodPost, "/payments/return?cb="+cb, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "myapp://pay/result")
	assert.Contains(t, rec.Body.String(), "status=success")
	assert.Contains(t, rec.Body.String(), "order=ORD-1")
	assert.Contains(t, rec.Body.String(), "token_ws=tok-ws-1")
}

func TestReturn_TokenFromQuery(t *testing.T) {
	f := newFixture()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/payments/return?TBK_TOKEN=tok-ws-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.card.commitCalls)
}

func TestReturn_NoToken(t *testing.T) {
	f := newFixture()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/payments/return", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cb := url.QueryEscape(url.QueryEscape("myapp://pay/result"))
	rec = f.do(httptest.NewRequest(http.MethodGet, "/payments/return?cb="+cb, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status=failed")
	assert.Contains(t, rec.Body.String(), "code=NO_TOKEN")
	assert.Equal(t, 0, f.card.commitCalls)
}

func TestConfirm_WithToken(t *testing.T) {
	f := newFixture()

	form := url.Values{"token": {"tok-flow-1"}}
	req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 1, f.status.calls)
}

func TestConfirm_NoTokenIsNeutralSuccess(t *testing.T) {
	f := newFixture()

	rec := f.do(httptest.NewRequest(http.MethodPost, "/payments/confirm", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, 0, f.status.calls, "a probe must not trigger reconciliation")
}

func TestConfirm_SignatureMismatch(t *testing.T) {
	f := newFixture()

	form := url.Values{"token": {"tok-flow-1"}, "s": {"tampered"}}
	req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, 0, f.status.calls, "no side effects on signature mismatch")
}

func TestConfirm_ValidSignature(t *testing.T) {
	f := newFixture()

	form := url.Values{"token": {"tok-flow-1"}, "s": {"valid-signature"}}
	req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.status.calls)
}

func TestConfirm_ReconcileFailureStillAcknowledged(t *testing.T) {
	f := newFixture()
	f.status.resp = nil
	f.status.err = assert.AnError

	form := url.Values{"token": {"tok-flow-1"}}
	req := httptest.NewRequest(http.MethodPost, "/payments/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)

	assert.Equal(t, http.StatusOK, rec.Code, "provider must not be made to retry on internal failure")
}

func TestStatus_Paid(t *testing.T) {
	f := newFixture()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/payments/status?token=tok-flow-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "paid", body["status"])
	assert.Equal(t, true, body["paid"])
}

func TestStatus_SoftFailure(t *testing.T) {
	f := newFixture()
	f.status.resp = nil
	f.status.err = assert.AnError

	rec := f.do(httptest.NewRequest(http.MethodGet, "/payments/status?token=tok-flow-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code, "status endpoint soft-fails")
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])
}

func TestHealth(t *testing.T) {
	f := newFixture()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
