package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/exchange"
)

// PebbleStore persists the audit log next to the materialized balances and
// orders it produces. Each changeset is one synced batch, so the event and
// the state it describes are written together or not at all.
type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
}

func NewPebbleStore(path string, logger *zap.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, logger: logger}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes one operation's event and state changes atomically.
func (s *PebbleStore) Commit(cs *exchange.Changeset) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	val, err := encodeJSON(cs.Event)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", cs.Event.Seq, err)
	}
	if err := batch.Set(eventKey(cs.Event.Seq), val, nil); err != nil {
		return err
	}

	for _, e := range cs.Balances {
		val, err := encodeJSON(e)
		if err != nil {
			return fmt.Errorf("encode balance: %w", err)
		}
		if err := batch.Set(balanceKey(e.Asset, e.Account), val, nil); err != nil {
			return err
		}
	}

	for _, o := range cs.Orders {
		val, err := encodeJSON(o)
		if err != nil {
			return fmt.Errorf("encode order %d: %w", o.ID, err)
		}
		if err := batch.Set(orderKey(o.ID), val, nil); err != nil {
			return err
		}
	}

	if err := batch.Set(nonceKey(), encodeUint64(cs.Nonce), nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit seq %d: %w", cs.Event.Seq, err)
	}
	return nil
}

// Load reads the complete persisted state.
func (s *PebbleStore) Load() (*exchange.Snapshot, error) {
	snap := &exchange.Snapshot{}

	nonce, err := s.loadNonce()
	if err != nil {
		return nil, err
	}
	snap.Nonce = nonce

	err = s.scan(prefixEvent, func(val []byte) error {
		var ev events.Event
		if err := decodeJSON(val, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		snap.Events = append(snap.Events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(prefixBalance, func(val []byte) error {
		var e ledger.Entry
		if err := decodeJSON(val, &e); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}
		snap.Balances = append(snap.Balances, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.scan(prefixOrder, func(val []byte) error {
		var o orderbook.Order
		if err := decodeJSON(val, &o); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		snap.Orders = append(snap.Orders, &o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("store_loaded",
		zap.Int("events", len(snap.Events)),
		zap.Int("balances", len(snap.Balances)),
		zap.Int("orders", len(snap.Orders)),
		zap.Uint64("nonce", snap.Nonce))
	return snap, nil
}

// Events returns up to limit persisted events with Seq > since, in order.
func (s *PebbleStore) Events(since uint64, limit int) ([]events.Event, error) {
	var out []events.Event
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(since + 1),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var ev events.Event
		if err := decodeJSON(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

func (s *PebbleStore) loadNonce() (uint64, error) {
	val, closer, err := s.db.Get(nonceKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

func (s *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ exchange.Store = (*PebbleStore)(nil)
