// Package noncetrack manages per-account transaction sequence numbers.
//
// The tracker is sharded by account address so that contention on one account
// never stalls allocation for another. A shard entry is created once per
// account and keeps a stable identity for the lifetime of the process; the
// shard array itself is the only cross-account shared state.
//
// Confirmations must be monotonic per account at the chain level. The tracker
// trusts the caller on this point and reports ErrOutOfOrderConfirm when the
// precondition is violated instead of silently correcting, since masking such
// errors risks nonce corruption.
package noncetrack

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// shardCount must be a power of two.
const shardCount = 64

type accountState struct {
	next     uint64
	mark     uint64 // nonces below mark are confirmed on chain
	inflight map[uint64]struct{}
	freed    map[uint64]struct{} // released before broadcast, eligible for reuse
}

type shard struct {
	mu       sync.Mutex
	accounts map[common.Address]*accountState
}

// Tracker allocates, releases and confirms nonces per account.
type Tracker struct {
	shards [shardCount]shard
}

func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].accounts = make(map[common.Address]*accountState)
	}
	return t
}

func (t *Tracker) shardFor(account common.Address) *shard {
	// the low address byte is uniformly distributed already
	return &t.shards[account[common.AddressLength-1]&(shardCount-1)]
}

// state returns the record for account, creating it on first touch.
// The shard lock must be held.
func (s *shard) state(account common.Address) *accountState {
	st, ok := s.accounts[account]
	if !ok {
		st = &accountState{
			inflight: make(map[uint64]struct{}),
			freed:    make(map[uint64]struct{}),
		}
		s.accounts[account] = st
	}
	return st
}

// Allocate hands out the next free nonce for account and records it as in
// flight. Released nonces are reused lowest-first so allocations stay
// contiguous. Allocation order matches call order per account.
func (t *Tracker) Allocate(account common.Address) uint64 {
	s := t.shardFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(account)
	if len(st.freed) > 0 {
		lowest := uint64(0)
		first := true
		for n := range st.freed {
			if first || n < lowest {
				lowest = n
				first = false
			}
		}
		delete(st.freed, lowest)
		st.inflight[lowest] = struct{}{}
		return lowest
	}

	n := st.next
	st.next++
	st.inflight[n] = struct{}{}
	return n
}

// Release returns an in-flight nonce to the free pool. Valid only for a
// transaction that failed before it was ever broadcast; a broadcast nonce
// stays consumed even if the transaction later fails.
func (t *Tracker) Release(account common.Address, nonce uint64) error {
	s := t.shardFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[account]
	if !ok {
		return ErrInvalidRelease
	}
	if _, ok := st.inflight[nonce]; !ok {
		return ErrInvalidRelease
	}
	delete(st.inflight, nonce)

	if nonce+1 == st.next {
		// roll the tail back, swallowing any freed run right below it
		st.next = nonce
		for st.next > st.mark {
			if _, ok := st.freed[st.next-1]; !ok {
				break
			}
			delete(st.freed, st.next-1)
			st.next--
		}
	} else {
		st.freed[nonce] = struct{}{}
	}
	return nil
}

// Confirm records that nonce was included on chain and advances the account's
// high-water mark past it. Confirmations may skip nonces (the chain is the
// source of truth); everything below the confirmed nonce is considered spent.
func (t *Tracker) Confirm(account common.Address, nonce uint64) error {
	s := t.shardFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(account)
	if nonce < st.mark {
		return ErrOutOfOrderConfirm
	}
	st.mark = nonce + 1
	for n := range st.inflight {
		if n <= nonce {
			delete(st.inflight, n)
		}
	}
	for n := range st.freed {
		if n < st.mark {
			delete(st.freed, n)
		}
	}
	if st.next < st.mark {
		st.next = st.mark
	}
	return nil
}

// Confirmed returns the account's high-water mark: the lowest nonce not yet
// known to be included.
func (t *Tracker) Confirmed(account common.Address) uint64 {
	s := t.shardFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[account]
	if !ok {
		return 0
	}
	return st.mark
}

// InFlight returns the number of allocated-but-unconfirmed nonces for account.
func (t *Tracker) InFlight(account common.Address) int {
	s := t.shardFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.accounts[account]
	if !ok {
		return 0
	}
	return len(st.inflight)
}

// SyncFloor raises the account's allocation floor to the chain nonce, seeding
// new accounts and re-synchronizing after restart. It never lowers state: a
// floor below what is already tracked is ignored.
func (t *Tracker) SyncFloor(account common.Address, chainNonce uint64) {
	s := t.shardFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(account)
	if chainNonce <= st.mark {
		return
	}
	st.mark = chainNonce
	if st.next < chainNonce {
		st.next = chainNonce
	}
	for n := range st.freed {
		if n < chainNonce {
			delete(st.freed, n)
		}
	}
}
