// Package ledger holds custodial balances keyed by (asset, account).
//
// All mutations go through a Journal so that a failing operation can be
// rolled back to exactly the state it started from.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Key addresses one balance entry.
type Key struct {
	Asset   asset.ID
	Account common.Address
}

// Entry is a balance entry as exported for persistence and snapshots.
type Entry struct {
	Asset   asset.ID       `json:"asset"`
	Account common.Address `json:"account"`
	Balance *uint256.Int   `json:"balance"`
}

func (e Entry) Key() Key { return Key{Asset: e.Asset, Account: e.Account} }

// Ledger is safe for concurrent readers; writers are expected to be
// serialized by the caller (the exchange engine admits one at a time).
type Ledger struct {
	mu       sync.RWMutex
	balances map[Key]*uint256.Int
}

func New() *Ledger {
	return &Ledger{balances: make(map[Key]*uint256.Int)}
}

// BalanceOf returns a copy of the balance, zero for unknown entries.
func (l *Ledger) BalanceOf(a asset.ID, account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return asset.Copy(l.balances[Key{a, account}])
}

// Total sums every balance held in asset a.
func (l *Ledger) Total(a asset.ID) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(uint256.Int)
	for k, v := range l.balances {
		if k.Asset == a {
			total.Add(total, v)
		}
	}
	return total
}

// Entries returns every balance entry sorted by asset, then account.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, Entry{Asset: k.Asset, Account: k.Account, Balance: asset.Copy(v)})
	}
	sortEntries(out)
	return out
}

// Load replaces the ledger contents, used when restoring from storage.
func (l *Ledger) Load(entries []Entry) error {
	balances := make(map[Key]*uint256.Int, len(entries))
	for _, e := range entries {
		if _, dup := balances[e.Key()]; dup {
			return fmt.Errorf("duplicate balance entry %s/%s", e.Asset.Hex(), e.Account.Hex())
		}
		balances[e.Key()] = asset.Copy(e.Balance)
	}
	l.mu.Lock()
	l.balances = balances
	l.mu.Unlock()
	return nil
}

// Begin opens a journal for one operation.
func (l *Ledger) Begin() *Journal {
	return &Journal{l: l}
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if c := bytes.Compare(es[i].Asset[:], es[j].Asset[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(es[i].Account[:], es[j].Account[:]) < 0
	})
}
