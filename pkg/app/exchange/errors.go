package exchange

import (
	"errors"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/ledger"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/orderbook"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/settlement"
)

// Every error an engine operation returns wraps one of these.
var (
	ErrOrderNotFound            = orderbook.ErrOrderNotFound
	ErrUnauthorized             = orderbook.ErrUnauthorized
	ErrAlreadyFilled            = orderbook.ErrAlreadyFilled
	ErrAlreadyCancelled         = orderbook.ErrAlreadyCancelled
	ErrSameAsset                = orderbook.ErrSameAsset
	ErrInsufficientBalance      = ledger.ErrInsufficientBalance
	ErrInsufficientMakerBalance = settlement.ErrInsufficientMakerBalance
	ErrInsufficientTakerBalance = settlement.ErrInsufficientTakerBalance
	ErrZeroAmount               = asset.ErrZeroAmount
	ErrAmountOverflow           = asset.ErrAmountOverflow

	ErrWrongAssetPath        = errors.New("native asset must use the native deposit/withdraw path")
	ErrTransferNotAuthorized = errors.New("underlying asset transfer not authorized")
	ErrReentrantCall         = errors.New("re-entrant call rejected")
	ErrHalted                = errors.New("engine halted")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrOrderNotFound, "order_not_found"},
	{ErrUnauthorized, "unauthorized"},
	{ErrAlreadyFilled, "already_filled"},
	{ErrAlreadyCancelled, "already_cancelled"},
	{ErrSameAsset, "same_asset"},
	{ErrInsufficientMakerBalance, "insufficient_maker_balance"},
	{ErrInsufficientTakerBalance, "insufficient_taker_balance"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrZeroAmount, "zero_amount"},
	{ErrAmountOverflow, "amount_overflow"},
	{ErrWrongAssetPath, "wrong_asset_path"},
	{ErrTransferNotAuthorized, "transfer_not_authorized"},
	{ErrReentrantCall, "reentrant_call"},
	{ErrHalted, "halted"},
}

// Code returns a stable snake_case name for err: "ok" for nil and
// "internal" for anything outside the engine's error set.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
