package exchange

import (
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
)

// Changeset is everything one operation changed. A Store must persist it
// atomically: all of it or none of it.
type Changeset struct {
	Event    events.Event
	Balances []ledger.Entry
	Orders   []*orderbook.Order
	Nonce    uint64
}

type Store interface {
	Commit(cs *Changeset) error
}

// Snapshot is the full engine state as persisted.
type Snapshot struct {
	Balances []ledger.Entry
	Orders   []*orderbook.Order
	Nonce    uint64
	Events   []events.Event
}
