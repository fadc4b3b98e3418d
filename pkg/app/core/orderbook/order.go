package orderbook

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

type Status uint8

const (
	StatusOpen Status = iota
	StatusFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is a maker's standing offer to give AmountSell of AssetSell for
// exactly AmountBuy of AssetBuy. It is filled whole or not at all.
type Order struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"maker"`
	AssetBuy   asset.ID       `json:"assetBuy"`
	AssetSell  asset.ID       `json:"assetSell"`
	AmountBuy  *uint256.Int   `json:"amountBuy"`
	AmountSell *uint256.Int   `json:"amountSell"`
	CreatedAt  time.Time      `json:"createdAt"`

	// Filled and Cancelled only ever go from false to true, and never both.
	Filled    bool `json:"filled"`
	Cancelled bool `json:"cancelled"`

	// Set when the order leaves the open state.
	Taker    common.Address `json:"taker"`
	ClosedAt time.Time      `json:"closedAt"`
}

func (o *Order) Status() Status {
	switch {
	case o.Filled:
		return StatusFilled
	case o.Cancelled:
		return StatusCancelled
	default:
		return StatusOpen
	}
}

func (o *Order) IsOpen() bool { return !o.Filled && !o.Cancelled }

func (o *Order) Clone() *Order {
	c := *o
	c.AmountBuy = asset.Copy(o.AmountBuy)
	c.AmountSell = asset.Copy(o.AmountSell)
	return &c
}
