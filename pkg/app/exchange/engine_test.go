package exchange

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
	"github.com/KekcoinBlockchain/eth-dex/pkg/metrics"
	"github.com/KekcoinBlockchain/eth-dex/pkg/util"
	"github.com/KekcoinBlockchain/eth-dex/pkg/vault"
)

var (
	custody     = common.HexToAddress("0xE0000000000000000000000000000000000000E0")
	feeReceiver = common.HexToAddress("0xFEE0000000000000000000000000000000000001")
	alice       = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob         = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

type fixture struct {
	engine *Engine
	chain  *vault.MemChain
	token  common.Address
	clock  *util.ManualClock
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	chain := vault.NewMemChain(custody, nil)
	token := chain.DeployToken("DAPP")
	for _, who := range []common.Address{alice, bob} {
		require.NoError(t, chain.Mint(asset.Native, who, amt(1_000_000)))
		require.NoError(t, chain.Mint(token, who, amt(1_000_000)))
		require.NoError(t, chain.Approve(token, who, custody, amt(1_000_000)))
	}

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	reg := prometheus.NewRegistry()
	e, err := New(Config{
		Fees:    settlement.FeeSchedule{Receiver: feeReceiver, Rate: 10, Scale: 1000},
		Vault:   chain,
		Store:   store,
		Clock:   clock,
		Metrics: metrics.New(reg),
	})
	require.NoError(t, err)
	return &fixture{engine: e, chain: chain, token: token, clock: clock, reg: reg}
}

// metric reads one sample from the fixture's registry; 0 when absent.
func (f *fixture) metric(t *testing.T, name string, labels ...string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Fees: settlement.FeeSchedule{Rate: 1, Scale: 0}, Vault: vault.NewMemChain(custody, nil)})
	assert.ErrorIs(t, err, settlement.ErrInvalidFeeSchedule)

	_, err = New(Config{Fees: settlement.FeeSchedule{Rate: 1, Scale: 10}})
	assert.Error(t, err)
}

func TestNativeDepositThenWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	bal, err := f.engine.DepositNative(ctx, alice, amt(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), bal.Uint64())

	bal, err = f.engine.WithdrawNative(ctx, alice, amt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), bal.Uint64())

	assert.Equal(t, uint64(7), f.engine.BalanceOf(asset.Native, alice).Uint64())
	assert.Equal(t, uint64(7), f.chain.BalanceOf(asset.Native, custody).Uint64())
	assert.Equal(t, uint64(999_993), f.chain.BalanceOf(asset.Native, alice).Uint64())

	evs := f.engine.Events(0, 0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindDeposit, evs[0].Kind)
	assert.Equal(t, events.KindWithdraw, evs[1].Kind)
	assert.Equal(t, uint64(7), evs[1].Transfer.Balance.Uint64())
	assert.Equal(t, uint64(3), evs[1].Transfer.Amount.Uint64())
}

func TestTokenDepositUsesAllowance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositToken(ctx, f.token, alice, amt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), f.engine.BalanceOf(f.token, alice).Uint64())
	assert.Equal(t, uint64(999_900), f.chain.Allowance(f.token, alice, custody).Uint64())

	carol := common.HexToAddress("0xCC")
	_, err = f.engine.DepositToken(ctx, f.token, carol, amt(1))
	assert.ErrorIs(t, err, ErrTransferNotAuthorized)
	assert.ErrorIs(t, err, vault.ErrInsufficientAllowance)
	assert.True(t, f.engine.BalanceOf(f.token, carol).IsZero())
	assert.Equal(t, uint64(1), f.engine.LastSeq())
}

func TestWrongAssetPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositToken(ctx, asset.Native, alice, amt(1))
	assert.ErrorIs(t, err, ErrWrongAssetPath)
	_, err = f.engine.WithdrawToken(ctx, asset.Native, alice, amt(1))
	assert.ErrorIs(t, err, ErrWrongAssetPath)
	assert.Zero(t, f.engine.LastSeq())
}

func TestZeroAmountsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositNative(ctx, alice, amt(0))
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = f.engine.Withdraw(ctx, asset.Native, alice, nil)
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(0), amt(1))
	assert.ErrorIs(t, err, ErrZeroAmount)
	assert.Zero(t, f.engine.Nonce(), "rejected order must not consume an id")
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositNative(ctx, alice, amt(5))
	require.NoError(t, err)

	_, err = f.engine.WithdrawNative(ctx, alice, amt(6))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(5), f.engine.BalanceOf(asset.Native, alice).Uint64())
	assert.Equal(t, uint64(5), f.chain.BalanceOf(asset.Native, custody).Uint64())
	assert.Equal(t, uint64(1), f.engine.LastSeq())
}

func TestFillWithFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositToken(ctx, f.token, alice, amt(100))
	require.NoError(t, err)
	_, err = f.engine.DepositNative(ctx, bob, amt(1010))
	require.NoError(t, err)

	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1000), amt(20))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), o.ID)
	assert.True(t, o.IsOpen())

	q, err := f.engine.QuoteFill(o.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), q.Fee.Uint64())
	assert.Equal(t, uint64(1010), q.TakerPays.Uint64())

	f.clock.Advance(time.Second)
	tr, err := f.engine.FillOrder(ctx, bob, o.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tr.Fee.Uint64())
	assert.Equal(t, bob, tr.Order.Taker)

	e := f.engine
	assert.Equal(t, uint64(80), e.BalanceOf(f.token, alice).Uint64())
	assert.Equal(t, uint64(1000), e.BalanceOf(asset.Native, alice).Uint64())
	assert.Equal(t, uint64(20), e.BalanceOf(f.token, bob).Uint64())
	assert.True(t, e.BalanceOf(asset.Native, bob).IsZero())
	assert.Equal(t, uint64(10), e.BalanceOf(asset.Native, feeReceiver).Uint64())

	got, ok := e.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, orderbook.StatusFilled, got.Status())
	assert.Empty(t, e.OpenOrders())

	evs := e.Events(0, 0)
	require.Len(t, evs, 4)
	last := evs[3]
	assert.Equal(t, events.KindTrade, last.Kind)
	assert.Equal(t, uint64(4), last.Seq)
	assert.Equal(t, bob, last.Trade.Taker)
	assert.Equal(t, feeReceiver, last.Trade.FeeReceiver)

	assert.Equal(t, 10.0, f.metric(t, "dex_settlement_fees_collected_total", "asset", asset.Native.Hex()))
	assert.NoError(t, e.Verify())
}

func TestFillTwentyTokensForTwoNative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositToken(ctx, f.token, alice, amt(100))
	require.NoError(t, err)
	_, err = f.engine.DepositNative(ctx, bob, amt(2))
	require.NoError(t, err)

	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(2), amt(20))
	require.NoError(t, err)
	tr, err := f.engine.FillOrder(ctx, bob, o.ID)
	require.NoError(t, err)
	assert.True(t, tr.Fee.IsZero(), "2 * 10 / 1000 truncates to zero")

	e := f.engine
	assert.Equal(t, uint64(80), e.BalanceOf(f.token, alice).Uint64())
	assert.Equal(t, uint64(2), e.BalanceOf(asset.Native, alice).Uint64())
	assert.True(t, e.BalanceOf(asset.Native, bob).IsZero())
	assert.Equal(t, uint64(20), e.BalanceOf(f.token, bob).Uint64())
	assert.True(t, e.BalanceOf(asset.Native, feeReceiver).IsZero())

	evs := e.Events(0, 0)
	require.Len(t, evs, 4)
	trade := evs[3].Trade
	require.NotNil(t, trade)
	assert.Equal(t, o.ID, trade.ID)
	assert.Equal(t, alice, trade.Maker)
	assert.Equal(t, bob, trade.Taker)
	assert.Equal(t, asset.Native, trade.AssetBuy)
	assert.Equal(t, f.token, trade.AssetSell)
	assert.Equal(t, uint64(2), trade.AmountBuy.Uint64())
	assert.Equal(t, uint64(20), trade.AmountSell.Uint64())
	assert.True(t, trade.Fee.IsZero())
	assert.Equal(t, feeReceiver, trade.FeeReceiver)
}

func TestFeeTruncatesOnFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositToken(ctx, f.token, alice, amt(10))
	require.NoError(t, err)
	_, err = f.engine.DepositNative(ctx, bob, amt(2018))
	require.NoError(t, err)

	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1999), amt(10))
	require.NoError(t, err)
	q, err := f.engine.QuoteFill(o.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), q.Fee.Uint64(), "19.99 rounds down")

	tr, err := f.engine.FillOrder(ctx, bob, o.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), tr.Fee.Uint64())
	assert.Equal(t, uint64(19), f.engine.BalanceOf(asset.Native, feeReceiver).Uint64())
	assert.True(t, f.engine.BalanceOf(asset.Native, bob).IsZero())
}

func TestFillMissingOrder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.FillOrder(context.Background(), bob, 99)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Zero(t, f.engine.LastSeq())

	_, err = f.engine.QuoteFill(99)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(10), amt(10))
	require.NoError(t, err)

	_, err = f.engine.CancelOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	cancelled, err := f.engine.CancelOrder(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusCancelled, cancelled.Status())

	_, err = f.engine.CancelOrder(ctx, alice, o.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	_, err = f.engine.FillOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	_, err = f.engine.QuoteFill(o.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)

	_, err = f.engine.CancelOrder(ctx, alice, 42)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	assert.Equal(t, uint64(2), f.engine.LastSeq())
}

func TestDoubleFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositToken(ctx, f.token, alice, amt(50))
	require.NoError(t, err)
	_, err = f.engine.DepositNative(ctx, bob, amt(5000))
	require.NoError(t, err)
	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1000), amt(20))
	require.NoError(t, err)

	_, err = f.engine.FillOrder(ctx, bob, o.ID)
	require.NoError(t, err)
	before := f.engine.Snapshot()

	_, err = f.engine.FillOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, ErrAlreadyFilled)
	_, err = f.engine.CancelOrder(ctx, alice, o.ID)
	assert.ErrorIs(t, err, ErrAlreadyFilled)
	assert.Equal(t, before, f.engine.Snapshot())
}

func TestFillInsufficientBalancesLeaveNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositNative(ctx, bob, amt(1005))
	require.NoError(t, err)
	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1000), amt(20))
	require.NoError(t, err)

	_, err = f.engine.FillOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, ErrInsufficientMakerBalance)

	_, err = f.engine.DepositToken(ctx, f.token, alice, amt(20))
	require.NoError(t, err)
	before := f.engine.Snapshot()

	_, err = f.engine.FillOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, ErrInsufficientTakerBalance, "1005 does not cover 1000 plus a fee of 10")
	assert.Equal(t, before, f.engine.Snapshot())
	assert.Len(t, f.engine.OpenOrders(), 1)
}

func TestReentrantCallFromVaultRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var nested error
	f.chain.SetHook(func(hctx context.Context, tr vault.Transfer) error {
		if tr.To == custody {
			_, nested = f.engine.DepositNative(hctx, tr.From, amt(1))
			// reads stay available while an operation is in flight
			_ = f.engine.BalanceOf(asset.Native, tr.From)
		}
		return nil
	})

	bal, err := f.engine.DepositNative(ctx, alice, amt(10))
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrReentrantCall)
	assert.Equal(t, uint64(10), bal.Uint64())
	assert.Equal(t, uint64(1), f.engine.LastSeq())
}

func TestReentrantHookFailureAbortsDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.chain.SetHook(func(hctx context.Context, tr vault.Transfer) error {
		_, err := f.engine.MakeOrder(hctx, tr.From, asset.Native, f.token, amt(1), amt(1))
		return err
	})

	_, err := f.engine.DepositNative(ctx, alice, amt(10))
	assert.ErrorIs(t, err, ErrTransferNotAuthorized)
	assert.ErrorIs(t, err, ErrReentrantCall)
	assert.True(t, f.engine.BalanceOf(asset.Native, alice).IsZero())
	assert.True(t, f.chain.BalanceOf(asset.Native, custody).IsZero())
	assert.Zero(t, f.engine.Nonce())
	assert.Zero(t, f.engine.LastSeq())
}

func TestReleaseFailureRestoresBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositNative(ctx, alice, amt(10))
	require.NoError(t, err)

	rejected := errors.New("receiver reverted")
	var during []uint64
	f.chain.SetHook(func(hctx context.Context, tr vault.Transfer) error {
		if tr.From != custody {
			return nil
		}
		during = append(during, f.engine.BalanceOf(asset.Native, alice).Uint64())
		// a reader on another goroutine, outside the operation
		done := make(chan uint64)
		go func() { done <- f.engine.BalanceOf(asset.Native, alice).Uint64() }()
		during = append(during, <-done)
		return rejected
	})

	_, err = f.engine.WithdrawNative(ctx, alice, amt(4))
	assert.ErrorIs(t, err, ErrTransferNotAuthorized)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, []uint64{10, 10}, during, "no reader may see a debit whose payout fails")
	assert.Equal(t, uint64(10), f.engine.BalanceOf(asset.Native, alice).Uint64())
	assert.Equal(t, uint64(10), f.chain.BalanceOf(asset.Native, custody).Uint64())
	assert.Equal(t, uint64(1), f.engine.LastSeq())
}

func TestWithdrawDebitsOnlyAfterPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositNative(ctx, alice, amt(3))
	require.NoError(t, err)

	var during uint64
	f.chain.SetHook(func(hctx context.Context, tr vault.Transfer) error {
		if tr.From == custody {
			during = f.engine.BalanceOf(asset.Native, alice).Uint64()
		}
		return nil
	})

	bal, err := f.engine.WithdrawNative(ctx, alice, amt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), during)
	assert.True(t, bal.IsZero())
	assert.True(t, f.engine.BalanceOf(asset.Native, alice).IsZero())
	assert.NoError(t, f.engine.Verify())
}

func TestWithdrawEverythingThenNothingLeft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.DepositNative(ctx, alice, amt(3))
	require.NoError(t, err)
	bal, err := f.engine.WithdrawNative(ctx, alice, amt(3))
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.True(t, f.engine.BalanceOf(asset.Native, alice).IsZero())

	evs := f.engine.Events(0, 0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindWithdraw, evs[1].Kind)
	assert.Equal(t, uint64(3), evs[1].Transfer.Amount.Uint64())
	assert.True(t, evs[1].Transfer.Balance.IsZero())

	_, err = f.engine.WithdrawNative(ctx, alice, amt(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(2), f.engine.LastSeq())
	assert.True(t, f.chain.BalanceOf(asset.Native, custody).IsZero())
}

func TestSinkReceivesEventsAndCannotReenter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var (
		seen   []uint64
		nested error
	)
	f.engine.AddSink(events.SinkFunc(func(sctx context.Context, ev events.Event) error {
		seen = append(seen, ev.Seq)
		_, nested = f.engine.CancelOrder(sctx, alice, 1)
		return nil
	}))
	f.engine.AddSink(events.SinkFunc(func(context.Context, events.Event) error {
		return errors.New("broker down")
	}))

	_, err := f.engine.DepositNative(ctx, alice, amt(1))
	require.NoError(t, err, "a failing sink must not fail the operation")
	_, err = f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1), amt(1))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, seen)
	assert.ErrorIs(t, nested, ErrReentrantCall)
	assert.Equal(t, 2.0, f.metric(t, "dex_audit_sink_failures_total", "sink", "events.SinkFunc"))
}

func TestCancelledContextNotAdmitted(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.DepositNative(ctx, alice, amt(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.chain.BalanceOf(asset.Native, custody).IsZero())
}

type failingStore struct {
	mu      sync.Mutex
	fail    bool
	commits int
}

func (s *failingStore) Commit(*Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.commits++
	return nil
}

func TestStoreFailureRevertsInternalOperation(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	f := newFixture(t, store)
	_, err := f.engine.DepositNative(ctx, alice, amt(10))
	require.NoError(t, err)

	store.fail = true
	_, err = f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1), amt(1))
	require.Error(t, err)
	assert.Zero(t, f.engine.Nonce())
	assert.Equal(t, uint64(1), f.engine.LastSeq())
	assert.NoError(t, f.engine.Halted())

	store.fail = false
	o, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1), amt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), o.ID)
}

func TestStoreFailureAfterTransferHalts(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{fail: true}
	f := newFixture(t, store)

	bal, err := f.engine.DepositNative(ctx, alice, amt(10))
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, uint64(10), bal.Uint64(), "funds already moved stay credited")
	assert.Equal(t, uint64(1), f.engine.LastSeq())
	assert.Error(t, f.engine.Halted())
	assert.Equal(t, 1.0, f.metric(t, "dex_engine_halted"))

	store.fail = false
	_, err = f.engine.WithdrawNative(ctx, alice, amt(1))
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, uint64(10), f.chain.BalanceOf(asset.Native, custody).Uint64())
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositToken(ctx, f.token, alice, amt(100))
	require.NoError(t, err)
	_, err = f.engine.DepositNative(ctx, bob, amt(5000))
	require.NoError(t, err)
	o1, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(1000), amt(20))
	require.NoError(t, err)
	o2, err := f.engine.MakeOrder(ctx, alice, asset.Native, f.token, amt(500), amt(10))
	require.NoError(t, err)
	_, err = f.engine.FillOrder(ctx, bob, o1.ID)
	require.NoError(t, err)
	_, err = f.engine.CancelOrder(ctx, alice, o2.ID)
	require.NoError(t, err)
	_, err = f.engine.MakeOrder(ctx, bob, f.token, asset.Native, amt(5), amt(50))
	require.NoError(t, err)
	_, err = f.engine.WithdrawToken(ctx, f.token, bob, amt(5))
	require.NoError(t, err)

	snap := f.engine.Snapshot()
	restored := newFixture(t, nil)
	require.NoError(t, restored.engine.Restore(snap, true))

	assert.Equal(t, snap, restored.engine.Snapshot())
	assert.Equal(t, uint64(3), restored.engine.Nonce())
	assert.Len(t, restored.engine.OpenOrders(), 1)
	assert.NoError(t, restored.engine.Verify())

	assert.Error(t, restored.engine.Restore(snap, false), "restore needs a fresh engine")
}

func TestRestoreDetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.engine.DepositNative(ctx, alice, amt(10))
	require.NoError(t, err)

	snap := f.engine.Snapshot()
	snap.Balances[0].Balance = amt(11)

	restored := newFixture(t, nil)
	err = restored.engine.Restore(snap, true)
	assert.ErrorIs(t, err, events.ErrInconsistent)
	assert.Zero(t, restored.engine.LastSeq())
}

// Every unit the exchange holds is somebody's ledger balance.
func TestConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	e := f.engine

	_, err := e.DepositToken(ctx, f.token, alice, amt(300))
	require.NoError(t, err)
	_, err = e.DepositNative(ctx, bob, amt(9000))
	require.NoError(t, err)
	_, err = e.DepositToken(ctx, f.token, bob, amt(40))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		o, err := e.MakeOrder(ctx, alice, asset.Native, f.token, amt(1000+uint64(i)*37), amt(30))
		require.NoError(t, err)
		_, _ = e.FillOrder(ctx, bob, o.ID)
	}
	_, err = e.WithdrawNative(ctx, alice, amt(700))
	require.NoError(t, err)

	for _, a := range []asset.ID{asset.Native, f.token} {
		total := new(uint256.Int)
		for _, entry := range e.Snapshot().Balances {
			if entry.Asset == a {
				total.Add(total, entry.Balance)
			}
		}
		assert.Equal(t, f.chain.BalanceOf(a, custody).Dec(), total.Dec(), "asset %s", a.Hex())
	}
	assert.NoError(t, e.Verify())
}

func (f *fixture) requireBacked(t *testing.T) {
	t.Helper()
	snap := f.engine.Snapshot()
	for _, a := range []asset.ID{asset.Native, f.token} {
		total := new(uint256.Int)
		for _, entry := range snap.Balances {
			if entry.Asset == a {
				total.Add(total, entry.Balance)
			}
		}
		require.Equal(t, f.chain.BalanceOf(a, custody).Dec(), total.Dec(), "asset %s", a.Hex())
	}
}

func randomStep(ctx context.Context, f *fixture, rng *rand.Rand) error {
	actors := []common.Address{alice, bob}
	who := actors[rng.IntN(2)]
	tokenOrNative := func() asset.ID {
		if rng.IntN(2) == 0 {
			return asset.Native
		}
		return f.token
	}
	id := uint64(rng.IntN(int(f.engine.Nonce())+2)) + 1

	var err error
	switch rng.IntN(6) {
	case 0:
		_, err = f.engine.DepositNative(ctx, who, amt(rng.Uint64N(500)))
	case 1:
		_, err = f.engine.DepositToken(ctx, f.token, who, amt(rng.Uint64N(500)))
	case 2:
		_, err = f.engine.Withdraw(ctx, tokenOrNative(), who, amt(rng.Uint64N(300)))
	case 3:
		buy := tokenOrNative()
		sell := f.token
		if buy == f.token {
			sell = asset.Native
		}
		_, err = f.engine.MakeOrder(ctx, who, buy, sell, amt(rng.Uint64N(400)), amt(rng.Uint64N(400)))
	case 4:
		_, err = f.engine.CancelOrder(ctx, who, id)
	case 5:
		_, err = f.engine.FillOrder(ctx, who, id)
	}
	return err
}

func TestConservationUnderRandomSequences(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		f := newFixture(t, nil)
		rng := rand.New(rand.NewPCG(seed, seed*7919))
		ctx := context.Background()
		for i := 0; i < 300; i++ {
			err := randomStep(ctx, f, rng)
			require.NotEqual(t, "internal", Code(err), "seed %d step %d: %v", seed, i, err)
			f.requireBacked(t)
		}
		require.NoError(t, f.engine.Verify(), "seed %d", seed)
	}
}

func TestConcurrentOperationsStayConsistent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := uint64(0); w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(w, 42))
			for i := 0; i < 100; i++ {
				_ = randomStep(ctx, f, rng)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.engine.OpenOrders()
			f.engine.BalanceOf(asset.Native, alice)
			f.engine.Events(0, 10)
		}
	}()
	wg.Wait()

	f.requireBacked(t)
	assert.NoError(t, f.engine.Verify())
	assert.Equal(t, float64(len(f.engine.OpenOrders())), f.metric(t, "dex_orderbook_open_orders"))
}

func TestCodes(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "order_not_found", Code(ErrOrderNotFound))
	assert.Equal(t, "insufficient_taker_balance", Code(ErrInsufficientTakerBalance))
	assert.Equal(t, "halted", Code(ErrHalted))
	assert.Equal(t, "internal", Code(errors.New("boom")))
}
