package exchange

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

// Vault moves the underlying assets between users and the exchange's
// custody. The engine calls it with a context that marks the call as
// coming from inside an operation; anything the vault triggers that calls
// back into the engine with that context is rejected with ErrReentrantCall.
type Vault interface {
	// ReceiveNative takes amount of the native asset sent by from.
	ReceiveNative(ctx context.Context, from common.Address, amount *uint256.Int) error
	// PullToken takes amount of token from from's pre-authorized allowance.
	PullToken(ctx context.Context, token, from common.Address, amount *uint256.Int) error
	// Release pays amount of a out of custody to to.
	Release(ctx context.Context, a asset.ID, to common.Address, amount *uint256.Int) error
}

type operationKey struct{}

func withinOperation(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, operationKey{}, e)
}

func inOperation(ctx context.Context, e *Engine) bool {
	owner, _ := ctx.Value(operationKey{}).(*Engine)
	return owner == e
}
