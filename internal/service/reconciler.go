package service

import (
	"context"
	"log/slog"
	"time"

	"payment-bridge/internal/event"
	"payment-bridge/internal/index"
	"payment-bridge/internal/payment"
	"payment-bridge/internal/provider/flow"
	"payment-bridge/internal/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffUnit = time.Second
)

var (
	reconcileSuccessCounter   = metrics.GetOrCreateCounter(`payment_reconcile_total{result="success"}`)
	reconcileTransientCounter = metrics.GetOrCreateCounter(`payment_reconcile_total{result="transient"}`)
	reconcileErrorCounter     = metrics.GetOrCreateCounter(`payment_reconcile_total{result="error"}`)

	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`payment_reconcile_duration_milliseconds`)
)

// StatusClient is the slice of the link provider used for reconciliation.
type StatusClient interface {
	StatusByToken(ctx context.Context, token string) (*flow.StatusResponse, error)
	StatusByOrder(ctx context.Context, orderID string) (*flow.StatusResponse, error)
}

// OutcomeWriter persists reconciled outcomes. A nil writer disables
// persistence.
type OutcomeWriter interface {
	Upsert(ctx context.Context, record *store.OutcomeRecord) error
}

// Reconciler resolves a definitive payment state from the provider. Token
// lookups are preferred; a merchant order id is resolved through the token
// index first and the provider's order lookup second.
type Reconciler struct {
	client      StatusClient
	index       index.Index
	outcomes    OutcomeWriter
	publisher   *event.Publisher
	logger      *slog.Logger
	maxAttempts int
	backoffUnit time.Duration
}

type Option func(*Reconciler)

// WithBackoffUnit overrides the linear backoff unit between transient
// retries.
func WithBackoffUnit(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.backoffUnit = d
		}
	}
}

// WithMaxAttempts overrides the transient retry bound.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewReconciler(client StatusClient, idx index.Index, outcomes OutcomeWriter, publisher *event.Publisher, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:      client,
		index:       idx,
		outcomes:    outcomes,
		publisher:   publisher,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		backoffUnit: defaultBackoffUnit,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve queries the provider for the state behind token or orderID and
// returns the mapped result. The call is idempotent: repeated queries for an
// unchanged payment return the same result. Persistence and event publishing
// failures never change the result.
func (r *Reconciler) Resolve(ctx context.Context, token, orderID string) payment.Result {
	startTime := time.Now()
	defer func() {
		reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	if token == "" && orderID == "" {
		reconcileErrorCounter.Inc()
		return payment.Result{OK: false, Provider: payment.ProviderFlow, Error: "token or orderId is required"}
	}

	if token == "" && r.index != nil {
		cached, ok, err := r.index.Get(ctx, orderID)
		if err != nil {
			r.logger.WarnContext(ctx, "Error reading token index", "orderId", orderID, "error", err)
		} else if ok {
			token = cached
		}
	}

	resp, err := r.query(ctx, token, orderID)
	if err != nil {
		result := payment.Result{
			OK:       false,
			Provider: payment.ProviderFlow,
			OrderID:  orderID,
			Token:    token,
			Error:    err.Error(),
		}
		if errors.Is(err, payment.ErrTransient) {
			result.Transient = true
			reconcileTransientCounter.Inc()
		} else {
			reconcileErrorCounter.Inc()
		}
		return result
	}

	status := payment.StatusFromCode(resp.Status)
	result := payment.Result{
		OK:       true,
		Provider: payment.ProviderFlow,
		OrderID:  resp.CommerceOrder,
		Token:    token,
		Status:   status,
		Paid:     status.Paid(),
		Raw:      resp.Raw,
	}

	r.persist(ctx, result)
	r.publisher.Publish(ctx, event.StatusEvent{
		OrderID:    result.OrderID,
		Token:      token,
		Provider:   payment.ProviderFlow,
		Status:     status,
		Paid:       result.Paid,
		OccurredAt: time.Now(),
	})

	reconcileSuccessCounter.Inc()
	return result
}

// query runs the status call with the bounded transient retry loop: up to
// maxAttempts sequential tries, waiting attempt*backoffUnit between them.
// Non-transient failures are returned immediately.
func (r *Reconciler) query(ctx context.Context, token, orderID string) (*flow.StatusResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		var resp *flow.StatusResponse
		var err error

		if token != "" {
			resp, err = r.client.StatusByToken(ctx, token)
		} else {
			resp, err = r.client.StatusByOrder(ctx, orderID)
		}

		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, payment.ErrTransient) {
			return nil, err
		}

		lastErr = err
		r.logger.WarnContext(ctx, "Transient provider error",
			"attempt", attempt, "maxAttempts", r.maxAttempts, "error", err)

		if attempt == r.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * r.backoffUnit):
		}
	}

	return nil, lastErr
}

func (r *Reconciler) persist(ctx context.Context, result payment.Result) {
	if r.outcomes == nil || result.OrderID == "" {
		return
	}

	record := &store.OutcomeRecord{
		OrderID:     result.OrderID,
		Provider:    result.Provider,
		Status:      string(result.Status),
		RawResponse: result.Raw,
		UpdatedAt:   time.Now(),
	}

	if err := r.outcomes.Upsert(ctx, record); err != nil {
		// Outcome is still known and retrievable from the provider, so a
		// storage failure must not surface to the caller.
		r.logger.ErrorContext(ctx, "Error persisting payment outcome", "orderId", result.OrderID, "error", err)
	}
}
