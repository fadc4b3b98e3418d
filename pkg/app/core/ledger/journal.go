package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/asset"
)

type undo struct {
	key     Key
	prev    *uint256.Int
	existed bool
}

// Journal records the prior value of every entry it changes.
type Journal struct {
	l    *Ledger
	log  []undo
	seen map[Key]bool
}

func (j *Journal) BalanceOf(a asset.ID, account common.Address) *uint256.Int {
	return j.l.BalanceOf(a, account)
}

// Credit adds amount to (a, account), creating the entry on first use.
func (j *Journal) Credit(a asset.ID, account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	j.l.mu.Lock()
	defer j.l.mu.Unlock()

	k := Key{a, account}
	cur, existed := j.l.balances[k]
	next, err := asset.Add(asset.Copy(cur), amount)
	if err != nil {
		return err
	}
	j.record(k, cur, existed)
	j.l.balances[k] = next
	return nil
}

// Debit removes amount from (a, account).
func (j *Journal) Debit(a asset.ID, account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	j.l.mu.Lock()
	defer j.l.mu.Unlock()

	k := Key{a, account}
	cur, existed := j.l.balances[k]
	if cur == nil || cur.Lt(amount) {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, account.Hex(), asset.Copy(cur).Dec(), a.Hex(), amount.Dec())
	}
	j.record(k, cur, existed)
	j.l.balances[k] = new(uint256.Int).Sub(cur, amount)
	return nil
}

// Transfer moves amount of a between accounts. On failure nothing moves.
func (j *Journal) Transfer(a asset.ID, from, to common.Address, amount *uint256.Int) error {
	mark := len(j.log)
	if err := j.Debit(a, from, amount); err != nil {
		return err
	}
	if err := j.Credit(a, to, amount); err != nil {
		j.rollbackTo(mark)
		return err
	}
	return nil
}

// Touched returns the current value of every entry changed in this journal.
func (j *Journal) Touched() []Entry {
	j.l.mu.RLock()
	defer j.l.mu.RUnlock()
	out := make([]Entry, 0, len(j.seen))
	for k := range j.seen {
		out = append(out, Entry{Asset: k.Asset, Account: k.Account, Balance: asset.Copy(j.l.balances[k])})
	}
	sortEntries(out)
	return out
}

// Revert undoes every change recorded by the journal, newest first.
func (j *Journal) Revert() {
	j.rollbackTo(0)
}

func (j *Journal) rollbackTo(mark int) {
	j.l.mu.Lock()
	defer j.l.mu.Unlock()
	for i := len(j.log) - 1; i >= mark; i-- {
		u := j.log[i]
		if u.existed {
			j.l.balances[u.key] = u.prev
		} else {
			delete(j.l.balances, u.key)
		}
	}
	j.log = j.log[:mark]
	j.seen = make(map[Key]bool, len(j.log))
	for _, u := range j.log {
		j.seen[u.key] = true
	}
}

// record must be called with the ledger lock held. The stored pointer is
// never mutated in place, only replaced, so keeping it is enough.
func (j *Journal) record(k Key, prev *uint256.Int, existed bool) {
	if j.seen == nil {
		j.seen = make(map[Key]bool)
	}
	j.seen[k] = true
	j.log = append(j.log, undo{key: k, prev: prev, existed: existed})
}
