package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

// Key schema:
//
//	evt:<seq, 20 digits>            → Event
//	bal:<asset>:<account>           → ledger.Entry
//	ord:<id, 20 digits>             → Order
//	meta:nonce                      → last order id, 8 bytes big-endian
//
// Sequence numbers and ids are zero-padded so iteration order is numeric.
const (
	prefixEvent   = "evt:"
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
)

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func balanceKey(a asset.ID, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, a.Hex(), account.Hex()))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func nonceKey() []byte { return []byte("meta:nonce") }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
