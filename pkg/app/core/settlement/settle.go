// Package settlement executes a fill: the exchange of an order's two legs
// between maker and taker plus the taker fee, as one unit.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
)

var (
	ErrInsufficientMakerBalance = errors.New("maker balance does not cover the order")
	ErrInsufficientTakerBalance = errors.New("taker balance does not cover amount plus fee")
)

type Trade struct {
	Order       *orderbook.Order
	Taker       common.Address
	Fee         *uint256.Int
	FeeReceiver common.Address
}

// Quote is what a fill of an order would cost and pay out right now.
type Quote struct {
	OrderID       uint64       `json:"orderId"`
	Fee           *uint256.Int `json:"fee"`
	TakerPays     *uint256.Int `json:"takerPays"`
	TakerReceives *uint256.Int `json:"takerReceives"`
	MakerReceives *uint256.Int `json:"makerReceives"`
}

func QuoteFill(s FeeSchedule, o *orderbook.Order) (Quote, error) {
	fee := s.Fee(o.AmountBuy)
	cost, err := asset.Add(o.AmountBuy, fee)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		OrderID:       o.ID,
		Fee:           fee,
		TakerPays:     cost,
		TakerReceives: asset.Copy(o.AmountSell),
		MakerReceives: asset.Copy(o.AmountBuy),
	}, nil
}

// Fill settles order id against taker:
//
//	maker  -> taker     AmountSell of AssetSell
//	taker  -> maker     AmountBuy  of AssetBuy
//	taker  -> receiver  fee        of AssetBuy
//
// and marks the order filled. Every precondition is checked before the
// first transfer. If Fill returns an error the caller must Revert both j
// and c, which leaves ledger and book exactly as they were.
func Fill(j *ledger.Journal, c *orderbook.Change, s FeeSchedule,
	taker common.Address, id uint64, now time.Time) (*Trade, error) {
	o, err := c.Fillable(id)
	if err != nil {
		return nil, err
	}

	q, err := QuoteFill(s, o)
	if err != nil {
		return nil, err
	}

	if have := j.BalanceOf(o.AssetSell, o.Maker); have.Lt(o.AmountSell) {
		return nil, fmt.Errorf("%w: order %d needs %s, maker has %s",
			ErrInsufficientMakerBalance, id, o.AmountSell.Dec(), have.Dec())
	}
	if have := j.BalanceOf(o.AssetBuy, taker); have.Lt(q.TakerPays) {
		return nil, fmt.Errorf("%w: order %d needs %s, taker has %s",
			ErrInsufficientTakerBalance, id, q.TakerPays.Dec(), have.Dec())
	}

	if err := j.Transfer(o.AssetSell, o.Maker, taker, o.AmountSell); err != nil {
		return nil, err
	}
	if err := j.Transfer(o.AssetBuy, taker, o.Maker, o.AmountBuy); err != nil {
		return nil, err
	}
	if err := j.Transfer(o.AssetBuy, taker, s.Receiver, q.Fee); err != nil {
		return nil, err
	}

	filled, err := c.MarkFilled(id, taker, now)
	if err != nil {
		return nil, err
	}
	return &Trade{Order: filled, Taker: taker, Fee: q.Fee, FeeReceiver: s.Receiver}, nil
}
