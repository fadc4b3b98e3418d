// Package exchange is the custodial exchange engine: the only entry point
// that mutates balances and orders. Operations are admitted one at a time,
// either complete fully or leave no trace, and emit exactly one audit
// event when they succeed.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
	"github.com/KekcoinBlockchain/eth-dex/pkg/metrics"
	"github.com/KekcoinBlockchain/eth-dex/pkg/util"
)

type Config struct {
	Fees  settlement.FeeSchedule
	Vault Vault
	// Store is optional; without one the engine is memory-only.
	Store   Store
	Clock   util.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type haltState struct{ err error }

type Engine struct {
	mu    sync.Mutex   // admits one operation at a time
	state sync.RWMutex // guards in-memory state against readers mid-mutation

	ledger *ledger.Ledger
	book   *orderbook.OrderBook
	log    *events.Log

	fees    settlement.FeeSchedule
	vault   Vault
	store   Store
	clock   util.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	openOrders int
	halted     atomic.Pointer[haltState]
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Fees.Validate(); err != nil {
		return nil, err
	}
	if cfg.Vault == nil {
		return nil, errors.New("exchange: vault is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		ledger:  ledger.New(),
		book:    orderbook.NewOrderBook(),
		log:     events.NewLog(cfg.Logger),
		fees:    cfg.Fees,
		vault:   cfg.Vault,
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	e.log.OnSinkError = func(s events.Sink, _ error) {
		e.metrics.SinkFailed(fmt.Sprintf("%T", s))
	}
	return e, nil
}

// AddSink registers s to receive every event committed from now on.
func (e *Engine) AddSink(s events.Sink) { e.log.AddSink(s) }

// Halted returns the persistence failure that stopped the engine, if any.
func (e *Engine) Halted() error {
	if h := e.halted.Load(); h != nil {
		return h.err
	}
	return nil
}

// ============================================================================
// Balance operations
// ============================================================================

// DepositNative credits account with the native amount it sent along with
// the call, and returns the resulting balance.
func (e *Engine) DepositNative(ctx context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.run(ctx, "deposit_native", func(ctx context.Context) (err error) {
		balance, err = e.deposit(ctx, asset.Native, account, amount, func() error {
			return e.vault.ReceiveNative(ctx, account, amount)
		})
		return err
	})
	return balance, err
}

// DepositToken pulls amount of token from account's allowance to the
// exchange and credits it. The native asset is rejected: it has its own path.
func (e *Engine) DepositToken(ctx context.Context, token, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.run(ctx, "deposit_token", func(ctx context.Context) (err error) {
		if asset.IsNative(token) {
			return ErrWrongAssetPath
		}
		balance, err = e.deposit(ctx, token, account, amount, func() error {
			return e.vault.PullToken(ctx, token, account, amount)
		})
		return err
	})
	return balance, err
}

func (e *Engine) deposit(ctx context.Context, a asset.ID, account common.Address, amount *uint256.Int, receive func() error) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if _, err := asset.Add(e.ledger.BalanceOf(a, account), amount); err != nil {
		return nil, err
	}
	if err := receive(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferNotAuthorized, err)
	}

	t := e.begin()
	if err := e.mutate(t, func() error { return t.j.Credit(a, account, amount) }); err != nil {
		// the vault already holds the funds; memory and chain now disagree
		return nil, e.halt(fmt.Errorf("credit %s after receipt: %w", a.Hex(), err))
	}
	ev, err := e.finish(ctx, t, true, func() events.Event {
		return events.NewDeposit(a, account, amount, e.ledger.BalanceOf(a, account), e.clock.Now())
	})
	if ev.Transfer == nil {
		return nil, err
	}
	return asset.Copy(ev.Transfer.Balance), err
}

// Withdraw pays amount of a out to account and debits it. The balance is
// checked before the payout and debited only once the payout succeeded, so
// no reader ever sees a debit whose payout failed.
func (e *Engine) Withdraw(ctx context.Context, a asset.ID, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.run(ctx, "withdraw", func(ctx context.Context) (err error) {
		balance, err = e.withdraw(ctx, a, account, amount)
		return err
	})
	return balance, err
}

func (e *Engine) WithdrawNative(ctx context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.run(ctx, "withdraw_native", func(ctx context.Context) (err error) {
		balance, err = e.withdraw(ctx, asset.Native, account, amount)
		return err
	})
	return balance, err
}

func (e *Engine) WithdrawToken(ctx context.Context, token, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.run(ctx, "withdraw_token", func(ctx context.Context) (err error) {
		if asset.IsNative(token) {
			return ErrWrongAssetPath
		}
		balance, err = e.withdraw(ctx, token, account, amount)
		return err
	})
	return balance, err
}

func (e *Engine) withdraw(ctx context.Context, a asset.ID, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}

	// e.mu is held, so no other operation can spend the balance between
	// this check and the debit below.
	if have := e.BalanceOf(a, account); have.Lt(amount) {
		return nil, fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, account.Hex(), have.Dec(), a.Hex(), amount.Dec())
	}
	if err := e.vault.Release(ctx, a, account, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferNotAuthorized, err)
	}

	t := e.begin()
	if err := e.mutate(t, func() error { return t.j.Debit(a, account, amount) }); err != nil {
		// the payout already left custody
		return nil, e.halt(fmt.Errorf("debit %s after payout: %w", a.Hex(), err))
	}
	ev, err := e.finish(ctx, t, true, func() events.Event {
		return events.NewWithdraw(a, account, amount, e.ledger.BalanceOf(a, account), e.clock.Now())
	})
	if ev.Transfer == nil {
		return nil, err
	}
	return asset.Copy(ev.Transfer.Balance), err
}

// ============================================================================
// Order operations
// ============================================================================

// MakeOrder records an offer to give amountSell of assetSell for amountBuy
// of assetBuy. The maker's balance is not checked until a fill.
func (e *Engine) MakeOrder(ctx context.Context, maker common.Address, assetBuy, assetSell asset.ID,
	amountBuy, amountSell *uint256.Int) (*orderbook.Order, error) {
	var order *orderbook.Order
	err := e.run(ctx, "make_order", func(ctx context.Context) error {
		t := e.begin()
		err := e.mutate(t, func() (err error) {
			order, err = t.c.Make(maker, assetBuy, assetSell, amountBuy, amountSell, e.clock.Now())
			return err
		})
		if err != nil {
			return err
		}
		if _, err := e.finish(ctx, t, false, func() events.Event { return events.NewOrder(order) }); err != nil {
			return err
		}
		e.trackOpen(1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder closes an open order. Only its maker may cancel it.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, id uint64) (*orderbook.Order, error) {
	var order *orderbook.Order
	err := e.run(ctx, "cancel_order", func(ctx context.Context) error {
		t := e.begin()
		err := e.mutate(t, func() (err error) {
			order, err = t.c.Cancel(caller, id, e.clock.Now())
			return err
		})
		if err != nil {
			return err
		}
		if _, err := e.finish(ctx, t, false, func() events.Event { return events.NewCancelled(order) }); err != nil {
			return err
		}
		e.trackOpen(-1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// FillOrder settles order id against taker in one atomic step.
func (e *Engine) FillOrder(ctx context.Context, taker common.Address, id uint64) (*settlement.Trade, error) {
	var trade *settlement.Trade
	err := e.run(ctx, "fill_order", func(ctx context.Context) error {
		t := e.begin()
		err := e.mutate(t, func() (err error) {
			trade, err = settlement.Fill(t.j, t.c, e.fees, taker, id, e.clock.Now())
			return err
		})
		if err != nil {
			return err
		}
		if _, err := e.finish(ctx, t, false, func() events.Event { return events.NewTrade(trade) }); err != nil {
			return err
		}
		e.trackOpen(-1)
		e.metrics.AddFee(trade.Order.AssetBuy.Hex(), trade.Fee)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// ============================================================================
// Admission, journaling and commit
// ============================================================================

// run admits one operation. A call made from inside a running operation
// (through the vault or a sink) is rejected rather than queued behind it.
// Once admitted the operation runs to completion even if ctx is cancelled.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if inOperation(ctx, e) {
		e.metrics.ObserveOp(op, Code(ErrReentrantCall), 0)
		e.logger.Warn("reentrant_call_rejected", zap.String("op", op))
		return ErrReentrantCall
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var err error
	if h := e.Halted(); h != nil {
		err = fmt.Errorf("%w: %v", ErrHalted, h)
	} else {
		err = fn(withinOperation(context.WithoutCancel(ctx), e))
	}
	e.metrics.ObserveOp(op, Code(err), time.Since(start))
	if err != nil {
		e.logger.Debug("operation_rejected", zap.String("op", op), zap.String("code", Code(err)), zap.Error(err))
	}
	return err
}

type txn struct {
	j *ledger.Journal
	c *orderbook.Change
}

func (t *txn) revert() {
	t.j.Revert()
	t.c.Revert()
}

func (e *Engine) begin() *txn {
	return &txn{j: e.ledger.Begin(), c: e.book.Begin()}
}

// mutate applies fn under the state lock. If fn fails, everything the
// transaction did so far is undone.
func (e *Engine) mutate(t *txn, fn func() error) error {
	e.state.Lock()
	defer e.state.Unlock()
	if err := fn(); err != nil {
		t.revert()
		return err
	}
	return nil
}

// finish persists the transaction with the event build returns, appends
// the event to the log and publishes it. external marks a transaction whose
// underlying transfer already happened: a failed commit cannot be undone
// then, so the engine keeps the change in memory and halts.
func (e *Engine) finish(ctx context.Context, t *txn, external bool, build func() events.Event) (events.Event, error) {
	e.state.Lock()
	ev := build()
	ev.Seq = e.log.NextSeq()

	var persistErr error
	if e.store != nil {
		persistErr = e.store.Commit(&Changeset{
			Event:    ev,
			Balances: t.j.Touched(),
			Orders:   t.c.Touched(),
			Nonce:    e.book.Nonce(),
		})
	}
	if persistErr != nil && !external {
		t.revert()
		e.state.Unlock()
		e.logger.Error("commit_failed", zap.String("kind", string(ev.Kind)), zap.Error(persistErr))
		return events.Event{}, fmt.Errorf("persist %s: %w", ev.Kind, persistErr)
	}
	if err := e.log.Append(ev); err != nil {
		e.state.Unlock()
		return events.Event{}, e.halt(err)
	}
	e.state.Unlock()

	e.log.Publish(ctx, ev)
	e.metrics.SetLastSeq(ev.Seq)
	e.logger.Debug("event_committed", zap.Uint64("seq", ev.Seq), zap.String("kind", string(ev.Kind)))

	if persistErr != nil {
		return ev, e.halt(fmt.Errorf("%s seq %d applied but not persisted: %w", ev.Kind, ev.Seq, persistErr))
	}
	return ev, nil
}

// halt stops all further operations and returns the error to report.
func (e *Engine) halt(err error) error {
	e.halted.CompareAndSwap(nil, &haltState{err: err})
	e.metrics.SetHalted()
	e.logger.Error("engine_halted", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrHalted, err)
}

func (e *Engine) trackOpen(delta int) {
	e.openOrders += delta
	e.metrics.SetOpenOrders(e.openOrders)
}
