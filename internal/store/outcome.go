package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutcomeRecord is the durable trace of a reconciled payment, keyed by
// merchant order id. RawResponse keeps the provider payload for audit.
type OutcomeRecord struct {
	OrderID     string          `json:"orderId"`
	Provider    string          `json:"provider"`
	Status      string          `json:"status"`
	RawResponse json.RawMessage `json:"rawResponse,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type OutcomeStore struct {
	pool *pgxpool.Pool
}

func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

// Upsert writes the latest reconciled state for an order. Repeated writes
// for the same order merge: the newest status and payload replace the old
// ones, the raw payload is kept when the new reconciliation carried none.
func (s *OutcomeStore) Upsert(ctx context.Context, record *OutcomeRecord) error {
	query := `INSERT INTO payment_outcome (order_id, provider, status, raw_response, updated_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (order_id) DO UPDATE SET
	            provider = EXCLUDED.provider,
	            status = EXCLUDED.status,
	            raw_response = COALESCE(EXCLUDED.raw_response, payment_outcome.raw_response),
	            updated_at = EXCLUDED.updated_at`

	var raw any
	if len(record.RawResponse) > 0 {
		raw = []byte(record.RawResponse)
	}

	_, err := s.pool.Exec(ctx, query, record.OrderID, record.Provider, record.Status, raw, record.UpdatedAt)
	return err
}

func (s *OutcomeStore) GetByOrderID(ctx context.Context, orderID string) (*OutcomeRecord, error) {
	query := `SELECT order_id, provider, status, raw_response, updated_at
	          FROM payment_outcome WHERE order_id = $1`
	row := s.pool.QueryRow(ctx, query, orderID)

	var record OutcomeRecord
	err := row.Scan(&record.OrderID, &record.Provider, &record.Status, &record.RawResponse, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
