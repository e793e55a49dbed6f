package db

import (
	"context"

	"paylink-service/internal/payment"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// PaymentRepository is the Postgres backed payment.Store.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

var _ payment.Store = (*PaymentRepository)(nil)

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, rec *payment.Record) error {
	query := `INSERT INTO payments (payment_id, amount, receiver, status, created_at, updated_at)
	          VALUES ($1, $2::numeric, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, rec.ID, rec.Amount.String(), rec.Receiver, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return payment.ErrDuplicateID
		}
		return errors.Wrap(err, "failed to insert payment")
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Record, error) {
	query := `SELECT payment_id, amount::text, receiver, status, tx_hash, created_at, updated_at
	          FROM payments WHERE payment_id = $1`

	var entity PaymentEntity
	err := r.pool.QueryRow(ctx, query, id).Scan(&entity.PaymentID, &entity.Amount, &entity.Receiver,
		&entity.Status, &entity.TxHash, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to load payment %s", id)
	}

	rec, err := entity.toRecord()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode payment %s", id)
	}
	return rec, nil
}

// UpdateStatus applies a transition as a single conditional update. When no row
// matches, the current status is read back to classify the rejection.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, id string, status payment.Status, txHash string) error {
	if !status.Valid() {
		return payment.ErrInvalidTransition
	}
	if status == payment.StatusPaid && txHash == "" {
		return payment.ErrMissingTxHash
	}

	var hash *string
	if status == payment.StatusPaid {
		hash = &txHash
	}

	sources := make([]string, 0, 2)
	for _, s := range payment.SourcesFor(status) {
		sources = append(sources, string(s))
	}

	query := `UPDATE payments SET status = $2, tx_hash = $3, updated_at = now()
	          WHERE payment_id = $1 AND status = ANY($4)`
	tag, err := r.pool.Exec(ctx, query, id, string(status), hash, sources)
	if err != nil {
		return errors.Wrapf(err, "failed to update payment %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := payment.CheckUpdate(current.Status, status, txHash); err != nil {
		return err
	}
	// the row moved between our update and the read
	return payment.ErrInvalidTransition
}
