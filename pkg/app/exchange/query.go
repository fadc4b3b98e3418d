package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
)

// Reads wait only for an operation's in-memory mutation segments. Balances
// change only after any external transfer behind them has succeeded.

func (e *Engine) BalanceOf(a asset.ID, account common.Address) *uint256.Int {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.ledger.BalanceOf(a, account)
}

func (e *Engine) Order(id uint64) (*orderbook.Order, bool) {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.book.Get(id)
}

// Nonce is the id of the most recently created order.
func (e *Engine) Nonce() uint64 {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.book.Nonce()
}

func (e *Engine) Orders() []*orderbook.Order {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.book.Orders()
}

func (e *Engine) OpenOrders() []*orderbook.Order {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.book.Open()
}

func (e *Engine) OrdersBy(maker common.Address) []*orderbook.Order {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.book.OrdersBy(maker)
}

// Events returns up to limit events with Seq > since. limit <= 0 means all.
func (e *Engine) Events(since uint64, limit int) []events.Event {
	return e.log.Since(since, limit)
}

func (e *Engine) LastSeq() uint64 { return e.log.LastSeq() }

func (e *Engine) FeeSchedule() settlement.FeeSchedule { return e.fees }

// QuoteFill previews what filling order id would move right now.
func (e *Engine) QuoteFill(id uint64) (settlement.Quote, error) {
	o, ok := e.Order(id)
	if !ok {
		return settlement.Quote{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	switch o.Status() {
	case orderbook.StatusFilled:
		return settlement.Quote{}, fmt.Errorf("%w: %d", ErrAlreadyFilled, id)
	case orderbook.StatusCancelled:
		return settlement.Quote{}, fmt.Errorf("%w: %d", ErrAlreadyCancelled, id)
	}
	return settlement.QuoteFill(e.fees, o)
}

// Snapshot copies the whole engine state.
func (e *Engine) Snapshot() *Snapshot {
	e.state.RLock()
	defer e.state.RUnlock()
	return &Snapshot{
		Balances: e.ledger.Entries(),
		Orders:   e.book.Orders(),
		Nonce:    e.book.Nonce(),
		Events:   e.log.Since(0, 0),
	}
}

// Restore loads persisted state into a fresh engine. With verify set, the
// event history is replayed and must reproduce the balances and orders.
func (e *Engine) Restore(snap *Snapshot, verify bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Lock()
	defer e.state.Unlock()

	if e.log.Len() > 0 || e.book.Nonce() > 0 || len(e.ledger.Entries()) > 0 {
		return fmt.Errorf("restore: engine already has state")
	}
	if verify {
		if err := replayMatches(snap); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	if err := e.ledger.Load(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	if err := e.book.Load(snap.Nonce, snap.Orders); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	if err := e.log.Load(snap.Events); err != nil {
		return fmt.Errorf("restore events: %w", err)
	}

	e.openOrders = len(e.book.Open())
	e.metrics.SetOpenOrders(e.openOrders)
	e.metrics.SetLastSeq(e.log.LastSeq())
	e.logger.Info("engine_restored",
		zap.Int("balances", len(snap.Balances)),
		zap.Int("orders", len(snap.Orders)),
		zap.Uint64("nonce", snap.Nonce),
		zap.Uint64("last_seq", e.log.LastSeq()),
		zap.Bool("verified", verify))
	return nil
}

// Verify replays the audit log and checks that it reproduces the current
// balances and orders.
func (e *Engine) Verify() error {
	return replayMatches(e.Snapshot())
}

func replayMatches(snap *Snapshot) error {
	r := events.NewReconstructor()
	if err := r.Replay(snap.Events); err != nil {
		return err
	}
	if err := r.Compare(snap.Balances, snap.Orders, snap.Nonce); err != nil {
		return fmt.Errorf("%w: %v", events.ErrInconsistent, err)
	}
	return nil
}
