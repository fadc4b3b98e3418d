package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrUnauthorized     = errors.New("caller is not the order maker")
	ErrAlreadyCancelled = errors.New("order already cancelled")
	ErrAlreadyFilled    = errors.New("order already filled")
	ErrSameAsset        = errors.New("order buys and sells the same asset")
)

// OrderBook is the registry of every order ever made, indexed by id.
// Ids come from a nonce that starts at 0 and is incremented before use,
// so the first order is 1 and ids are never reused.
type OrderBook struct {
	mu     sync.RWMutex
	nonce  uint64
	orders map[uint64]*Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[uint64]*Order)}
}

func (ob *OrderBook) Nonce() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.nonce
}

// Get returns a copy of order id.
func (ob *OrderBook) Get(id uint64) (*Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Open returns copies of all open orders in id order.
func (ob *OrderBook) Open() []*Order {
	return ob.collect(func(o *Order) bool { return o.IsOpen() })
}

// Orders returns copies of every order in id order.
func (ob *OrderBook) Orders() []*Order {
	return ob.collect(func(*Order) bool { return true })
}

// OrdersBy returns copies of every order made by maker.
func (ob *OrderBook) OrdersBy(maker common.Address) []*Order {
	return ob.collect(func(o *Order) bool { return o.Maker == maker })
}

func (ob *OrderBook) collect(keep func(*Order) bool) []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var out []*Order
	for _, o := range ob.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load replaces the book, used when restoring from storage.
func (ob *OrderBook) Load(nonce uint64, orders []*Order) error {
	m := make(map[uint64]*Order, len(orders))
	for _, o := range orders {
		if o.ID == 0 || o.ID > nonce {
			return fmt.Errorf("order %d outside nonce range 1..%d", o.ID, nonce)
		}
		if o.Filled && o.Cancelled {
			return fmt.Errorf("order %d both filled and cancelled", o.ID)
		}
		m[o.ID] = o.Clone()
	}
	ob.mu.Lock()
	ob.nonce = nonce
	ob.orders = m
	ob.mu.Unlock()
	return nil
}

// Begin opens an undoable change set against the book.
func (ob *OrderBook) Begin() *Change {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return &Change{ob: ob, startNonce: ob.nonce, prev: make(map[uint64]*Order)}
}

// Change records the prior state of every order it touches.
type Change struct {
	ob         *OrderBook
	startNonce uint64
	prev       map[uint64]*Order // nil value: order created by this change
	touched    []uint64
}

// Make records a new order. No balance check is made: an order may be
// placed without the funds to back it and only fails at fill time.
func (c *Change) Make(maker common.Address, assetBuy, assetSell asset.ID,
	amountBuy, amountSell *uint256.Int, now time.Time) (*Order, error) {
	if amountBuy == nil || amountSell == nil || amountBuy.IsZero() || amountSell.IsZero() {
		return nil, asset.ErrZeroAmount
	}
	if assetBuy == assetSell {
		return nil, ErrSameAsset
	}

	ob := c.ob
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.nonce++
	o := &Order{
		ID:         ob.nonce,
		Maker:      maker,
		AssetBuy:   assetBuy,
		AssetSell:  assetSell,
		AmountBuy:  asset.Copy(amountBuy),
		AmountSell: asset.Copy(amountSell),
		CreatedAt:  now,
	}
	ob.orders[o.ID] = o
	c.record(o.ID, nil)
	return o.Clone(), nil
}

// Cancel closes an open order on behalf of its maker. The maker check runs
// before the state checks so that a stranger learns nothing about the order.
func (c *Change) Cancel(caller common.Address, id uint64, now time.Time) (*Order, error) {
	ob := c.ob
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if o.Maker != caller {
		return nil, fmt.Errorf("%w: order %d", ErrUnauthorized, id)
	}
	if o.Cancelled {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyCancelled, id)
	}
	if o.Filled {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyFilled, id)
	}

	c.record(id, o.Clone())
	o.Cancelled = true
	o.ClosedAt = now
	return o.Clone(), nil
}

// Fillable returns a copy of order id if it can still be filled.
func (c *Change) Fillable(id uint64) (*Order, error) {
	ob := c.ob
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return fillable(ob.orders, id)
}

// MarkFilled closes an open order as filled by taker.
func (c *Change) MarkFilled(id uint64, taker common.Address, now time.Time) (*Order, error) {
	ob := c.ob
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, err := fillable(ob.orders, id); err != nil {
		return nil, err
	}
	o := ob.orders[id]
	c.record(id, o.Clone())
	o.Filled = true
	o.Taker = taker
	o.ClosedAt = now
	return o.Clone(), nil
}

func fillable(orders map[uint64]*Order, id uint64) (*Order, error) {
	o, ok := orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if o.Filled {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyFilled, id)
	}
	if o.Cancelled {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyCancelled, id)
	}
	return o.Clone(), nil
}

// Touched returns the current state of every order changed, in id order.
func (c *Change) Touched() []*Order {
	ob := c.ob
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]*Order, 0, len(c.touched))
	for _, id := range c.touched {
		out = append(out, ob.orders[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Revert restores every touched order and the nonce.
func (c *Change) Revert() {
	ob := c.ob
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for id, prev := range c.prev {
		if prev == nil {
			delete(ob.orders, id)
		} else {
			ob.orders[id] = prev
		}
	}
	ob.nonce = c.startNonce
	c.prev = make(map[uint64]*Order)
	c.touched = nil
}

// record must be called with the book lock held; only the first prior
// state of an order in a change is kept.
func (c *Change) record(id uint64, prev *Order) {
	if _, seen := c.prev[id]; seen {
		return
	}
	c.prev[id] = prev
	c.touched = append(c.touched, id)
}
