// Package events is the exchange's audit log: one event per successful
// state transition, in admission order, sufficient to rebuild every
// balance and order from an empty state.
package events

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
)

// Version of the encoded event schema.
const Version = 1

type Kind string

const (
	KindDeposit   Kind = "Deposit"
	KindWithdraw  Kind = "Withdraw"
	KindOrder     Kind = "Order"
	KindCancelled Kind = "Cancelled"
	KindTrade     Kind = "Trade"
)

// Event carries exactly one payload, selected by Kind.
type Event struct {
	Version int       `json:"v"`
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`

	Transfer *Transfer  `json:"transfer,omitempty"`
	Order    *OrderInfo `json:"order,omitempty"`
	Trade    *TradeInfo `json:"trade,omitempty"`
}

// Transfer is the payload of Deposit and Withdraw. Balance is the
// account's balance of Asset after the transfer.
type Transfer struct {
	Asset   asset.ID       `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

// OrderInfo is the payload of Order and Cancelled.
type OrderInfo struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"maker"`
	AssetBuy   asset.ID       `json:"assetBuy"`
	AssetSell  asset.ID       `json:"assetSell"`
	AmountBuy  *uint256.Int   `json:"amountBuy"`
	AmountSell *uint256.Int   `json:"amountSell"`
	Timestamp  time.Time      `json:"timestamp"`
}

type TradeInfo struct {
	OrderInfo
	Taker       common.Address `json:"taker"`
	Fee         *uint256.Int   `json:"fee"`
	FeeReceiver common.Address `json:"feeReceiver"`
}

func NewDeposit(a asset.ID, account common.Address, amount, balance *uint256.Int, at time.Time) Event {
	return Event{Version: Version, Kind: KindDeposit, Time: at, Transfer: &Transfer{
		Asset: a, Account: account, Amount: asset.Copy(amount), Balance: asset.Copy(balance),
	}}
}

func NewWithdraw(a asset.ID, account common.Address, amount, balance *uint256.Int, at time.Time) Event {
	return Event{Version: Version, Kind: KindWithdraw, Time: at, Transfer: &Transfer{
		Asset: a, Account: account, Amount: asset.Copy(amount), Balance: asset.Copy(balance),
	}}
}

func NewOrder(o *orderbook.Order) Event {
	info := orderInfo(o, o.CreatedAt)
	return Event{Version: Version, Kind: KindOrder, Time: o.CreatedAt, Order: &info}
}

func NewCancelled(o *orderbook.Order) Event {
	info := orderInfo(o, o.ClosedAt)
	return Event{Version: Version, Kind: KindCancelled, Time: o.ClosedAt, Order: &info}
}

func NewTrade(tr *settlement.Trade) Event {
	o := tr.Order
	return Event{Version: Version, Kind: KindTrade, Time: o.ClosedAt, Trade: &TradeInfo{
		OrderInfo:   orderInfo(o, o.ClosedAt),
		Taker:       tr.Taker,
		Fee:         asset.Copy(tr.Fee),
		FeeReceiver: tr.FeeReceiver,
	}}
}

func orderInfo(o *orderbook.Order, at time.Time) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Maker:      o.Maker,
		AssetBuy:   o.AssetBuy,
		AssetSell:  o.AssetSell,
		AmountBuy:  asset.Copy(o.AmountBuy),
		AmountSell: asset.Copy(o.AmountSell),
		Timestamp:  at,
	}
}

// Validate checks that the payload matches the kind.
func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("event %d: unsupported version %d", e.Seq, e.Version)
	}
	ok := false
	switch e.Kind {
	case KindDeposit, KindWithdraw:
		ok = e.Transfer != nil && e.Order == nil && e.Trade == nil &&
			e.Transfer.Amount != nil && e.Transfer.Balance != nil
	case KindOrder, KindCancelled:
		ok = e.Order != nil && e.Transfer == nil && e.Trade == nil &&
			e.Order.AmountBuy != nil && e.Order.AmountSell != nil
	case KindTrade:
		ok = e.Trade != nil && e.Transfer == nil && e.Order == nil &&
			e.Trade.AmountBuy != nil && e.Trade.AmountSell != nil && e.Trade.Fee != nil
	default:
		return fmt.Errorf("event %d: unknown kind %q", e.Seq, e.Kind)
	}
	if !ok {
		return fmt.Errorf("event %d: payload does not match kind %s", e.Seq, e.Kind)
	}
	return nil
}

// OrderID returns the order an event refers to, or 0 for transfers.
func (e Event) OrderID() uint64 {
	switch {
	case e.Order != nil:
		return e.Order.ID
	case e.Trade != nil:
		return e.Trade.ID
	}
	return 0
}

// Accounts lists every account whose state the event changes.
func (e Event) Accounts() []common.Address {
	switch {
	case e.Transfer != nil:
		return []common.Address{e.Transfer.Account}
	case e.Order != nil:
		return []common.Address{e.Order.Maker}
	case e.Trade != nil:
		return []common.Address{e.Trade.Maker, e.Trade.Taker, e.Trade.FeeReceiver}
	}
	return nil
}
