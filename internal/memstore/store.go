package memstore

import (
	"context"
	"sync"
	"time"

	"paylink-service/internal/payment"
)

// Store keeps payment records in process memory. It backs `serve --store memory`
// and the tests; records do not survive a restart.
type Store struct {
	mu      sync.RWMutex
	records map[string]payment.Record
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[string]payment.Record),
		now:     time.Now,
	}
}

func (s *Store) Create(_ context.Context, r *payment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return payment.ErrDuplicateID
	}
	s.records[r.ID] = *r
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return &r, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status payment.Status, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return payment.ErrNotFound
	}
	if err := payment.CheckUpdate(r.Status, status, txHash); err != nil {
		return err
	}

	r.Status = status
	r.TxHash = ""
	if status == payment.StatusPaid {
		r.TxHash = txHash
	}
	r.UpdatedAt = s.now()
	s.records[id] = r
	return nil
}

// Len reports how many records are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
