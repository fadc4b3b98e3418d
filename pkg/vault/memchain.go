// Package vault simulates the chain the exchange custodies assets on:
// native balances, token contracts with allowances, and the exchange's own
// custody account. It implements the engine's Vault interface.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownToken          = errors.New("unknown token")
)

// Transfer is one movement of value on the chain.
type Transfer struct {
	Asset  asset.ID
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

// TransferHook runs after a transfer is applied and before it is
// acknowledged, like a token callback. An error reverts the transfer. The
// hook runs without the chain lock held and may call back into the chain
// or the exchange with the ctx it was given.
type TransferHook func(ctx context.Context, t Transfer) error

type token struct {
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[[2]common.Address]*uint256.Int // owner, spender
}

type MemChain struct {
	mu       sync.Mutex
	custody  common.Address
	deployer common.Address
	deployed uint64
	native   map[common.Address]*uint256.Int
	tokens   map[common.Address]*token
	hook     TransferHook
	logger   *zap.Logger
}

// NewMemChain creates a chain where custody is the exchange's account.
func NewMemChain(custody common.Address, logger *zap.Logger) *MemChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemChain{
		custody:  custody,
		deployer: common.HexToAddress("0x00000000000000000000000000000000000dE910"),
		native:   make(map[common.Address]*uint256.Int),
		tokens:   make(map[common.Address]*token),
		logger:   logger,
	}
}

func (c *MemChain) Custody() common.Address { return c.custody }

func (c *MemChain) SetHook(h TransferHook) {
	c.mu.Lock()
	c.hook = h
	c.mu.Unlock()
}

// DeployToken creates a token contract at a CREATE-derived address.
func (c *MemChain) DeployToken(symbol string) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := crypto.CreateAddress(c.deployer, c.deployed)
	c.deployed++
	c.tokens[addr] = &token{
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[[2]common.Address]*uint256.Int),
	}
	c.logger.Info("token_deployed", zap.String("symbol", symbol), zap.Stringer("address", addr))
	return addr
}

func (c *MemChain) Symbol(tok common.Address) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[tok]
	if !ok {
		return "", false
	}
	return t.symbol, true
}

// Mint creates amount of a out of thin air for to.
func (c *MemChain) Mint(a asset.ID, to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	balances, err := c.balancesLocked(a)
	if err != nil {
		return err
	}
	next, err := asset.Add(asset.Copy(balances[to]), amount)
	if err != nil {
		return err
	}
	balances[to] = next
	return nil
}

func (c *MemChain) BalanceOf(a asset.ID, who common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	balances, err := c.balancesLocked(a)
	if err != nil {
		return new(uint256.Int)
	}
	return asset.Copy(balances[who])
}

// Approve sets the amount spender may pull from owner's tok balance.
func (c *MemChain) Approve(tok, owner, spender common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[tok]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tok.Hex())
	}
	t.allowances[[2]common.Address{owner, spender}] = asset.Copy(amount)
	return nil
}

func (c *MemChain) Allowance(tok, owner, spender common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[tok]
	if !ok {
		return new(uint256.Int)
	}
	return asset.Copy(t.allowances[[2]common.Address{owner, spender}])
}

// ReceiveNative moves native value sent along with a deposit call into custody.
func (c *MemChain) ReceiveNative(ctx context.Context, from common.Address, amount *uint256.Int) error {
	return c.move(ctx, Transfer{Asset: asset.Native, From: from, To: c.custody, Amount: amount}, false)
}

// PullToken is transferFrom(from, custody, amount) executed by the custody
// account; it spends from's allowance to custody.
func (c *MemChain) PullToken(ctx context.Context, tok, from common.Address, amount *uint256.Int) error {
	return c.move(ctx, Transfer{Asset: tok, From: from, To: c.custody, Amount: amount}, true)
}

// Release pays amount of a out of custody.
func (c *MemChain) Release(ctx context.Context, a asset.ID, to common.Address, amount *uint256.Int) error {
	return c.move(ctx, Transfer{Asset: a, From: c.custody, To: to, Amount: amount}, false)
}

func (c *MemChain) move(ctx context.Context, t Transfer, spendAllowance bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	undo, err := c.applyLocked(t, spendAllowance)
	hook := c.hook
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if hook != nil {
		if err := hook(ctx, t); err != nil {
			c.mu.Lock()
			undo()
			c.mu.Unlock()
			c.logger.Debug("transfer_reverted", zap.Stringer("asset", t.Asset), zap.Error(err))
			return err
		}
	}
	return nil
}

func (c *MemChain) applyLocked(t Transfer, spendAllowance bool) (func(), error) {
	balances, err := c.balancesLocked(t.Asset)
	if err != nil {
		return nil, err
	}

	var allowances map[[2]common.Address]*uint256.Int
	allowKey := [2]common.Address{t.From, c.custody}
	prevAllowance := new(uint256.Int)
	if spendAllowance {
		allowances = c.tokens[t.Asset].allowances
		prevAllowance = asset.Copy(allowances[allowKey])
		if prevAllowance.Lt(t.Amount) {
			return nil, fmt.Errorf("%w: %s allows %s, needs %s",
				ErrInsufficientAllowance, t.From.Hex(), prevAllowance.Dec(), t.Amount.Dec())
		}
	}

	prevFrom := asset.Copy(balances[t.From])
	if prevFrom.Lt(t.Amount) {
		return nil, fmt.Errorf("%w: %s holds %s, needs %s",
			ErrInsufficientFunds, t.From.Hex(), prevFrom.Dec(), t.Amount.Dec())
	}
	balances[t.From] = new(uint256.Int).Sub(prevFrom, t.Amount)
	prevTo := asset.Copy(balances[t.To])
	next, err := asset.Add(asset.Copy(balances[t.To]), t.Amount)
	if err != nil {
		balances[t.From] = prevFrom
		return nil, err
	}
	balances[t.To] = next
	if spendAllowance {
		allowances[allowKey] = new(uint256.Int).Sub(prevAllowance, t.Amount)
	}

	return func() {
		balances[t.From] = prevFrom
		balances[t.To] = prevTo
		if t.From == t.To {
			balances[t.From] = prevFrom
		}
		if spendAllowance {
			allowances[allowKey] = prevAllowance
		}
	}, nil
}

func (c *MemChain) balancesLocked(a asset.ID) (map[common.Address]*uint256.Int, error) {
	if asset.IsNative(a) {
		return c.native, nil
	}
	t, ok := c.tokens[a]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, a.Hex())
	}
	return t.balances, nil
}
