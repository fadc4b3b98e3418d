package storage

import (
	"sync"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/exchange"
)

// InMemoryStore keeps committed changesets in maps. Used when no data
// directory is configured and in tests.
type InMemoryStore struct {
	mu       sync.Mutex
	events   []events.Event
	balances map[ledger.Key]ledger.Entry
	orders   map[uint64]*orderbook.Order
	nonce    uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		balances: make(map[ledger.Key]ledger.Entry),
		orders:   make(map[uint64]*orderbook.Order),
	}
}

func (s *InMemoryStore) Commit(cs *exchange.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cs.Event)
	for _, e := range cs.Balances {
		s.balances[e.Key()] = e
	}
	for _, o := range cs.Orders {
		s.orders[o.ID] = o.Clone()
	}
	s.nonce = cs.Nonce
	return nil
}

func (s *InMemoryStore) Load() (*exchange.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &exchange.Snapshot{
		Nonce:  s.nonce,
		Events: append([]events.Event(nil), s.events...),
	}
	for _, e := range s.balances {
		snap.Balances = append(snap.Balances, e)
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o.Clone())
	}
	return snap, nil
}

var _ exchange.Store = (*InMemoryStore)(nil)
