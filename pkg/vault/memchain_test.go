package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

var (
	custody = common.HexToAddress("0xE0000000000000000000000000000000000000E0")
	alice   = common.HexToAddress("0xAA00000000000000000000000000000000000000")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestDeployTokenAddressesAreDistinct(t *testing.T) {
	c := NewMemChain(custody, nil)
	a := c.DeployToken("DAPP")
	b := c.DeployToken("mDAI")
	assert.NotEqual(t, a, b)
	assert.False(t, asset.IsNative(a))
	sym, ok := c.Symbol(b)
	assert.True(t, ok)
	assert.Equal(t, "mDAI", sym)
}

func TestReceiveAndReleaseNative(t *testing.T) {
	ctx := context.Background()
	c := NewMemChain(custody, nil)
	require.NoError(t, c.Mint(asset.Native, alice, amt(10)))

	require.NoError(t, c.ReceiveNative(ctx, alice, amt(4)))
	assert.Equal(t, uint64(6), c.BalanceOf(asset.Native, alice).Uint64())
	assert.Equal(t, uint64(4), c.BalanceOf(asset.Native, custody).Uint64())

	err := c.ReceiveNative(ctx, alice, amt(7))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, c.Release(ctx, asset.Native, alice, amt(4)))
	assert.Equal(t, uint64(10), c.BalanceOf(asset.Native, alice).Uint64())
	assert.True(t, c.BalanceOf(asset.Native, custody).IsZero())
}

func TestPullTokenNeedsAllowance(t *testing.T) {
	ctx := context.Background()
	c := NewMemChain(custody, nil)
	tok := c.DeployToken("DAPP")
	require.NoError(t, c.Mint(tok, alice, amt(100)))

	assert.ErrorIs(t, c.PullToken(ctx, tok, alice, amt(10)), ErrInsufficientAllowance)

	require.NoError(t, c.Approve(tok, alice, custody, amt(10)))
	require.NoError(t, c.PullToken(ctx, tok, alice, amt(10)))
	assert.Equal(t, uint64(90), c.BalanceOf(tok, alice).Uint64())
	assert.True(t, c.Allowance(tok, alice, custody).IsZero(), "allowance must be spent")

	assert.ErrorIs(t, c.PullToken(ctx, common.HexToAddress("0x99"), alice, amt(1)), ErrUnknownToken)
}

func TestHookErrorRevertsTransfer(t *testing.T) {
	ctx := context.Background()
	c := NewMemChain(custody, nil)
	tok := c.DeployToken("DAPP")
	require.NoError(t, c.Mint(tok, alice, amt(50)))
	require.NoError(t, c.Approve(tok, alice, custody, amt(50)))

	boom := errors.New("receiver rejected")
	var seen Transfer
	c.SetHook(func(_ context.Context, tr Transfer) error {
		seen = tr
		return boom
	})

	assert.ErrorIs(t, c.PullToken(ctx, tok, alice, amt(20)), boom)
	assert.Equal(t, alice, seen.From)
	assert.Equal(t, uint64(50), c.BalanceOf(tok, alice).Uint64())
	assert.True(t, c.BalanceOf(tok, custody).IsZero())
	assert.Equal(t, uint64(50), c.Allowance(tok, alice, custody).Uint64())
}

func TestCancelledContext(t *testing.T) {
	c := NewMemChain(custody, nil)
	require.NoError(t, c.Mint(asset.Native, alice, amt(1)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.ReceiveNative(ctx, alice, amt(1)), context.Canceled)
}
