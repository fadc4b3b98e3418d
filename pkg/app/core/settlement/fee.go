package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidFeeSchedule = errors.New("invalid fee schedule")

// FeeSchedule charges the taker Rate/Scale of the order's AmountBuy, in
// the buy asset, credited to Receiver. The maker pays nothing.
type FeeSchedule struct {
	Receiver common.Address `json:"receiver"`
	Rate     uint64         `json:"rate"`
	Scale    uint64         `json:"scale"`
}

func (s FeeSchedule) Validate() error {
	if s.Scale == 0 {
		return fmt.Errorf("%w: zero scale", ErrInvalidFeeSchedule)
	}
	if s.Rate > s.Scale {
		return fmt.Errorf("%w: rate %d above scale %d", ErrInvalidFeeSchedule, s.Rate, s.Scale)
	}
	return nil
}

// Fee returns amountBuy * Rate / Scale, truncated toward zero. With
// Rate <= Scale the result never exceeds amountBuy.
func (s FeeSchedule) Fee(amountBuy *uint256.Int) *uint256.Int {
	fee, _ := new(uint256.Int).MulDivOverflow(amountBuy, uint256.NewInt(s.Rate), uint256.NewInt(s.Scale))
	return fee
}
