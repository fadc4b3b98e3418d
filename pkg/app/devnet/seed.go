// Package devnet populates a fresh exchange running on the simulated chain
// with a small, realistic history: deposits, a cancelled order, filled
// orders and an open book in both directions.
package devnet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/exchange"
	"github.com/KekcoinBlockchain/eth-dex/pkg/crypto"
)

// OpenOrdersPerSide is how many resting orders each account leaves behind.
const OpenOrdersPerSide = 10

var ErrNotFresh = errors.New("devnet seed requires an empty exchange")

// Well-known development keys. Never fund these anywhere real.
var devKeys = [2]string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
}

// Signers returns the two devnet accounts, stable across restarts so their
// keys can be used with the request signer.
func Signers() ([2]*crypto.Signer, error) {
	var out [2]*crypto.Signer
	for i, k := range devKeys {
		s, err := crypto.FromPrivateKeyHex(k)
		if err != nil {
			return out, err
		}
		out[i] = s
	}
	return out, nil
}

// Chain is the part of the simulated chain the seeder needs to fund
// accounts before they deposit.
type Chain interface {
	Custody() common.Address
	Mint(a asset.ID, to common.Address, amount *uint256.Int) error
	Approve(tok, owner, spender common.Address, amount *uint256.Int) error
}

// Result lists the order ids the seed produced, by final status.
type Result struct {
	Cancelled []uint64
	Filled    []uint64
	Open      []uint64
}

func ether(milli uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(milli), uint256.NewInt(1e15))
}

func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

// Seed runs the devnet scenario against e. accounts[0] trades native for
// token, accounts[1] the other way round. The exchange must have no
// history yet.
func Seed(ctx context.Context, e *exchange.Engine, chain Chain, token common.Address,
	accounts [2]common.Address, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if e.LastSeq() != 0 {
		return nil, ErrNotFresh
	}
	buyer, seller := accounts[0], accounts[1]

	if err := chain.Mint(asset.Native, buyer, ether(100_000)); err != nil {
		return nil, fmt.Errorf("fund %s: %w", buyer.Hex(), err)
	}
	if err := chain.Mint(token, seller, tokens(10_000)); err != nil {
		return nil, fmt.Errorf("fund %s: %w", seller.Hex(), err)
	}
	if err := chain.Approve(token, seller, chain.Custody(), tokens(10_000)); err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}

	if _, err := e.DepositNative(ctx, buyer, ether(2_000)); err != nil {
		return nil, fmt.Errorf("deposit native: %w", err)
	}
	if _, err := e.DepositToken(ctx, token, seller, tokens(10_000)); err != nil {
		return nil, fmt.Errorf("deposit token: %w", err)
	}
	logger.Info("devnet_funded",
		zap.String("buyer", buyer.Hex()),
		zap.String("seller", seller.Hex()),
		zap.String("token", token.Hex()))

	res := &Result{}

	o, err := e.MakeOrder(ctx, buyer, token, asset.Native, tokens(100), ether(100))
	if err != nil {
		return nil, err
	}
	if _, err := e.CancelOrder(ctx, buyer, o.ID); err != nil {
		return nil, err
	}
	res.Cancelled = append(res.Cancelled, o.ID)

	for _, leg := range []struct{ tokens, milli uint64 }{{90, 90}, {50, 50}, {20, 150}} {
		o, err := e.MakeOrder(ctx, buyer, token, asset.Native, tokens(leg.tokens), ether(leg.milli))
		if err != nil {
			return nil, err
		}
		if _, err := e.FillOrder(ctx, seller, o.ID); err != nil {
			return nil, fmt.Errorf("fill order %d: %w", o.ID, err)
		}
		res.Filled = append(res.Filled, o.ID)
	}

	for i := uint64(1); i <= OpenOrdersPerSide; i++ {
		o, err := e.MakeOrder(ctx, buyer, token, asset.Native, tokens(10*i), ether(10*i))
		if err != nil {
			return nil, err
		}
		res.Open = append(res.Open, o.ID)
	}
	for i := uint64(1); i <= OpenOrdersPerSide; i++ {
		o, err := e.MakeOrder(ctx, seller, asset.Native, token, ether(10*i), tokens(10*i))
		if err != nil {
			return nil, err
		}
		res.Open = append(res.Open, o.ID)
	}

	logger.Info("devnet_seeded",
		zap.Int("cancelled", len(res.Cancelled)),
		zap.Int("filled", len(res.Filled)),
		zap.Int("open", len(res.Open)),
		zap.Uint64("last_seq", e.LastSeq()))
	return res, nil
}
