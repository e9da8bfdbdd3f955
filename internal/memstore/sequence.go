package memstore

import (
	"context"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
)

func (s *Store) LockCounter(_ context.Context, _ db.Querier, key sequence.Key) (string, error) {
	return s.st.counters[key], nil
}

func (s *Store) StoreCounter(_ context.Context, _ db.Querier, key sequence.Key, code string) error {
	if err := s.injected("StoreCounter"); err != nil {
		return err
	}
	s.st.counters[key] = code
	return nil
}

// SetCounter overwrites the latest code of a counter.
func (s *Store) SetCounter(key sequence.Key, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.counters[key] = code
}
