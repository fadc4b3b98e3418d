package api

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/KekcoinBlockchain/eth-dex/pkg/crypto"
)

const replayCacheSize = 100_000

// replayGuard remembers signed requests that were already accepted. An
// entry has to outlive the timestamp window on both sides of now, after
// which checkTimestamp rejects the request on its own.
type replayGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func newReplayGuard(skew time.Duration) *replayGuard {
	return &replayGuard{
		seen: expirable.NewLRU[string, struct{}](replayCacheSize, nil, 2*skew),
	}
}

// firstUse records the request and reports whether it had not been seen.
// The key is the signed digest, not the signature, so a re-encoded
// signature over the same request is still a replay.
func (g *replayGuard) firstUse(account common.Address, method, path string, body []byte, ts string) bool {
	key := account.Hex() + string(crypto.RequestDigest(method, path, body, ts))

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(key) {
		return false
	}
	g.seen.Add(key, struct{}{})
	return true
}
