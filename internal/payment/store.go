package payment

import "context"

// Store is the ledger of payment records. Implementations must make every
// operation atomic per record.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// UpdateStatus moves a record to status. txHash is stored only for StatusPaid
	// and cleared otherwise.
	UpdateStatus(ctx context.Context, id string, status Status, txHash string) error
}
