package events

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
)

var (
	ErrOutOfOrder   = errors.New("event out of order")
	ErrInconsistent = errors.New("event inconsistent with replayed state")
)

// Reconstructor rebuilds balances and order states from the audit log
// alone, the way an external subscriber would. An order is open iff an
// Order event was seen for it and no Cancelled or Trade event.
type Reconstructor struct {
	lastSeq uint64
	ledger  *ledger.Ledger
	book    *orderbook.OrderBook
}

func NewReconstructor() *Reconstructor {
	return &Reconstructor{ledger: ledger.New(), book: orderbook.NewOrderBook()}
}

func (r *Reconstructor) LastSeq() uint64 { return r.lastSeq }

func (r *Reconstructor) Replay(history []Event) error {
	for _, e := range history {
		if err := r.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

// Apply folds one event into the state. A rejected event leaves the
// state untouched.
func (r *Reconstructor) Apply(e Event) error {
	if e.Seq != r.lastSeq+1 {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, e.Seq, r.lastSeq)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	j := r.ledger.Begin()
	c := r.book.Begin()
	if err := r.apply(j, c, e); err != nil {
		j.Revert()
		c.Revert()
		return fmt.Errorf("%w: seq %d (%s): %v", ErrInconsistent, e.Seq, e.Kind, err)
	}
	r.lastSeq = e.Seq
	return nil
}

func (r *Reconstructor) apply(j *ledger.Journal, c *orderbook.Change, e Event) error {
	switch e.Kind {
	case KindDeposit:
		t := e.Transfer
		if err := j.Credit(t.Asset, t.Account, t.Amount); err != nil {
			return err
		}
		return checkBalance(j, t)

	case KindWithdraw:
		t := e.Transfer
		if err := j.Debit(t.Asset, t.Account, t.Amount); err != nil {
			return err
		}
		return checkBalance(j, t)

	case KindOrder:
		info := e.Order
		o, err := c.Make(info.Maker, info.AssetBuy, info.AssetSell, info.AmountBuy, info.AmountSell, info.Timestamp)
		if err != nil {
			return err
		}
		if o.ID != info.ID {
			return fmt.Errorf("order id %d, replayed nonce gives %d", info.ID, o.ID)
		}
		return nil

	case KindCancelled:
		info := e.Order
		if err := sameOrder(c, info); err != nil {
			return err
		}
		_, err := c.Cancel(info.Maker, info.ID, info.Timestamp)
		return err

	case KindTrade:
		tr := e.Trade
		if err := sameOrder(c, &tr.OrderInfo); err != nil {
			return err
		}
		if err := j.Transfer(tr.AssetSell, tr.Maker, tr.Taker, tr.AmountSell); err != nil {
			return err
		}
		if err := j.Transfer(tr.AssetBuy, tr.Taker, tr.Maker, tr.AmountBuy); err != nil {
			return err
		}
		if err := j.Transfer(tr.AssetBuy, tr.Taker, tr.FeeReceiver, tr.Fee); err != nil {
			return err
		}
		_, err := c.MarkFilled(tr.ID, tr.Taker, tr.Timestamp)
		return err
	}
	return fmt.Errorf("unknown kind %q", e.Kind)
}

func checkBalance(j *ledger.Journal, t *Transfer) error {
	if got := j.BalanceOf(t.Asset, t.Account); !got.Eq(t.Balance) {
		return fmt.Errorf("balance %s, event says %s", got.Dec(), t.Balance.Dec())
	}
	return nil
}

// sameOrder checks that a closing event describes the order as it was made.
func sameOrder(c *orderbook.Change, info *OrderInfo) error {
	o, err := c.Fillable(info.ID)
	if err != nil {
		return err
	}
	if o.Maker != info.Maker || o.AssetBuy != info.AssetBuy || o.AssetSell != info.AssetSell ||
		!o.AmountBuy.Eq(info.AmountBuy) || !o.AmountSell.Eq(info.AmountSell) {
		return fmt.Errorf("order %d terms differ from its Order event", info.ID)
	}
	return nil
}

func (r *Reconstructor) Balance(a asset.ID, account common.Address) *uint256.Int {
	return r.ledger.BalanceOf(a, account)
}

func (r *Reconstructor) Entries() []ledger.Entry { return r.ledger.Entries() }

func (r *Reconstructor) Nonce() uint64 { return r.book.Nonce() }

func (r *Reconstructor) Order(id uint64) (*orderbook.Order, bool) { return r.book.Get(id) }

func (r *Reconstructor) Orders() []*orderbook.Order { return r.book.Orders() }

func (r *Reconstructor) OpenOrders() []*orderbook.Order { return r.book.Open() }

// Compare reports the first difference between the replayed state and a
// materialized one. Zero balances and missing entries are equivalent.
func (r *Reconstructor) Compare(entries []ledger.Entry, orders []*orderbook.Order, nonce uint64) error {
	if nonce != r.Nonce() {
		return fmt.Errorf("nonce %d, replay gives %d", nonce, r.Nonce())
	}

	want := nonZero(r.Entries())
	got := nonZero(entries)
	if len(want) != len(got) {
		return fmt.Errorf("%d non-zero balances, replay gives %d", len(got), len(want))
	}
	for k, v := range want {
		if g, ok := got[k]; !ok || !g.Eq(v) {
			return fmt.Errorf("balance %s/%s is %s, replay gives %s",
				k.Asset.Hex(), k.Account.Hex(), asset.Copy(g).Dec(), v.Dec())
		}
	}

	replayed := r.Orders()
	if len(replayed) != len(orders) {
		return fmt.Errorf("%d orders, replay gives %d", len(orders), len(replayed))
	}
	byID := make(map[uint64]*orderbook.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	for _, w := range replayed {
		g, ok := byID[w.ID]
		if !ok {
			return fmt.Errorf("order %d missing", w.ID)
		}
		if g.Status() != w.Status() || g.Maker != w.Maker || g.Taker != w.Taker ||
			!g.AmountBuy.Eq(w.AmountBuy) || !g.AmountSell.Eq(w.AmountSell) ||
			g.AssetBuy != w.AssetBuy || g.AssetSell != w.AssetSell {
			return fmt.Errorf("order %d is %s, replay gives %s", w.ID, g.Status(), w.Status())
		}
	}
	return nil
}

func nonZero(entries []ledger.Entry) map[ledger.Key]*uint256.Int {
	m := make(map[ledger.Key]*uint256.Int, len(entries))
	for _, e := range entries {
		if e.Balance != nil && !e.Balance.IsZero() {
			m[e.Key()] = e.Balance
		}
	}
	return m
}
