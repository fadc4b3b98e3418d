// Package asset defines how the exchange names assets and represents amounts.
//
// Assets are identified by address: the zero address is the native asset,
// every other address is a fungible token contract. Amounts are unsigned
// 256-bit integers in the asset's smallest unit.
package asset

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ID identifies an asset held by the exchange.
type ID = common.Address

// Native is the sentinel identifier of the chain's native asset.
var Native = ID{}

var (
	ErrAmountOverflow = errors.New("amount overflows 256 bits")
	ErrZeroAmount     = errors.New("amount must be positive")
	ErrInvalidAmount  = errors.New("invalid amount")
)

func IsNative(id ID) bool { return id == Native }

// Amount returns a fresh amount holding v.
func Amount(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Copy returns an independent copy of a, treating nil as zero.
func Copy(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(a)
}

// Add returns a+b, failing instead of wrapping.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrAmountOverflow, a.Dec(), b.Dec())
	}
	return sum, nil
}

// Parse reads a decimal or 0x-prefixed hex amount.
func Parse(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v := new(uint256.Int)
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return v, nil
}

// ParseID reads a hex address. "native", "" and "0x0" all name the native asset.
func ParseID(s string) (ID, error) {
	switch s {
	case "", "native", "0x0", "0x":
		return Native, nil
	}
	if !common.IsHexAddress(s) {
		return ID{}, fmt.Errorf("invalid asset address %q", s)
	}
	return common.HexToAddress(s), nil
}
