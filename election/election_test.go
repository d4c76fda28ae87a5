package election

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/registry"
	"govcore/types"
)

func addrEq(a, b crypto.Address) bool { return bytes.Equal(a.Bytes(), b.Bytes()) }

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addr(t *testing.T, seed byte) crypto.Address {
	t.Helper()
	var b [32]byte
	b[31] = seed
	a, err := crypto.NewAddress(crypto.AccountPrefix, b[:])
	require.NoError(t, err)
	return a
}

func delegatesWithVotes(t *testing.T, votes []uint64) []Delegate {
	t.Helper()
	out := make([]Delegate, len(votes))
	for i, v := range votes {
		out[i] = Delegate{Account: addr(t, byte(i+1)), Vote: types.NewAmount(v)}
	}
	return out
}

// S6: 32 delegates with votes {6369, 1, 1, ..., 1}; cap = 6400/8 = 800.
func TestRedistributeVotesSingleWhale(t *testing.T) {
	votes := make([]uint64, 32)
	votes[0] = 6369
	for i := 1; i < 32; i++ {
		votes[i] = 1
	}
	delegates := delegatesWithVotes(t, votes)

	out := RedistributeVotes(delegates, DefaultRetiringCount)
	require.Equal(t, uint64(800), out[0].Vote.Uint64())
	for i := 1; i < 32; i++ {
		require.LessOrEqual(t, out[i].Vote.Uint64(), uint64(800))
		require.Equal(t, uint64(180), out[i].Vote.Uint64())
	}
}

// Two-whale case from the same source table: cap = 2030/8 = 253.
func TestRedistributeVotesTwoWhales(t *testing.T) {
	votes := make([]uint64, 32)
	votes[0], votes[1] = 1000, 1000
	for i := 2; i < 32; i++ {
		votes[i] = 1
	}
	delegates := delegatesWithVotes(t, votes)

	out := RedistributeVotes(delegates, DefaultRetiringCount)
	require.Equal(t, uint64(253), out[0].Vote.Uint64())
	require.Equal(t, uint64(253), out[1].Vote.Uint64())
	for i := 2; i < 32; i++ {
		require.LessOrEqual(t, out[i].Vote.Uint64(), uint64(253))
		require.Equal(t, uint64(50), out[i].Vote.Uint64())
	}
}

// Baseline case: votes {0..31}, cap = 496/8 = 62; nobody exceeds the cap so
// redistribution is a no-op.
func TestRedistributeVotesNoOpBelowCap(t *testing.T) {
	votes := make([]uint64, 32)
	for i := range votes {
		votes[i] = uint64(i)
	}
	delegates := delegatesWithVotes(t, votes)

	out := RedistributeVotes(delegates, DefaultRetiringCount)
	for i, d := range out {
		require.Equal(t, votes[i], d.Vote.Uint64())
	}
}

func TestGetElectionWinnersReturnsTopKByRank(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(8)
	mgr := New(reg, DefaultNumDelegates, DefaultRetiringCount, DefaultTermLengthEpochs)

	var addrs []crypto.Address
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		for i := 0; i < 10; i++ {
			a := addr(t, byte(i+1))
			addrs = append(addrs, a)
			require.NoError(t, reg.PutCandidate(tx, a, registry.CandidateInfo{VotesReceivedWeighted: types.NewAmount(uint64(10 - i))}))
		}
		return nil
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		winners, err := mgr.GetElectionWinners(tx, 4)
		require.NoError(t, err)
		require.Equal(t, []crypto.Address{addrs[0], addrs[1], addrs[2], addrs[3]}, winners)
		return nil
	}))
}

// Fewer than RetiringCount candidates forces a term extension: the
// delegate set carries over unchanged, every StartingTerm flag clears,
// and the block is flagged as an extension.
func TestGetNextEpochDelegatesExtendsTermWhenTooFewWinners(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(4)
	mgr := New(reg, 4, 2, types.Epoch(4))

	current := []Delegate{
		{Account: addr(t, 1), Vote: types.NewAmount(10), StartingTerm: true, TermStartEpoch: 1},
		{Account: addr(t, 2), Vote: types.NewAmount(20), StartingTerm: true, TermStartEpoch: 1},
	}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		// Only one candidate registered: fewer than RetiringCount=2.
		return reg.PutCandidate(tx, addr(t, 3), registry.CandidateInfo{VotesReceivedWeighted: types.NewAmount(5)})
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		next, isExtension, err := mgr.GetNextEpochDelegates(tx, current, types.Epoch(5))
		require.NoError(t, err)
		require.True(t, isExtension)
		require.Equal(t, current[0].Account, next[0].Account)
		require.Equal(t, current[1].Account, next[1].Account)
		for _, d := range next {
			require.False(t, d.StartingTerm)
		}
		return nil
	}))
}

func TestGetNextEpochDelegatesMergesWinnersWhenEnoughAvailable(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(4)
	mgr := New(reg, 4, 2, types.Epoch(4))

	retiring := addr(t, 1)
	staying := addr(t, 2)
	current := []Delegate{
		{Account: retiring, Vote: types.NewAmount(10), StartingTerm: true, TermStartEpoch: 1},
		{Account: staying, Vote: types.NewAmount(20), StartingTerm: true, TermStartEpoch: 4},
	}

	w1, w2 := addr(t, 3), addr(t, 4)
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		require.NoError(t, reg.PutCandidate(tx, w1, registry.CandidateInfo{VotesReceivedWeighted: types.NewAmount(30)}))
		require.NoError(t, reg.PutCandidate(tx, w2, registry.CandidateInfo{VotesReceivedWeighted: types.NewAmount(25)}))
		return nil
	}))

	// retiring's term started at epoch 1 and TermLengthEpochs=4: it retires
	// at epoch 5 (5-1 >= 4). staying started at epoch 4: 5-4 < 4, stays.
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		next, isExtension, err := mgr.GetNextEpochDelegates(tx, current, types.Epoch(5))
		require.NoError(t, err)
		require.False(t, isExtension)
		require.Len(t, next, 3)

		var sawStaying, sawRetiring bool
		for _, d := range next {
			if addrEq(d.Account, staying) {
				sawStaying = true
				require.False(t, d.StartingTerm)
			}
			if addrEq(d.Account, retiring) {
				sawRetiring = true
			}
			if addrEq(d.Account, w1) || addrEq(d.Account, w2) {
				require.True(t, d.StartingTerm)
				require.Equal(t, types.Epoch(5), d.TermStartEpoch)
			}
		}
		require.True(t, sawStaying)
		require.False(t, sawRetiring)
		return nil
	}))
}

// 32 candidates with weighted votes 99..68: the top eight are the accounts
// holding 99..92, in that order.
func TestGetElectionWinnersThirtyTwoCandidates(t *testing.T) {
	store := newTestStore(t)
	reg := registry.New(8)
	mgr := New(reg, DefaultNumDelegates, DefaultRetiringCount, DefaultTermLengthEpochs)

	var addrs []crypto.Address
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		for i := 0; i < 32; i++ {
			a := addr(t, byte(i+1))
			addrs = append(addrs, a)
			require.NoError(t, reg.PutCandidate(tx, a, registry.CandidateInfo{VotesReceivedWeighted: types.NewAmount(uint64(99 - i))}))
		}
		return nil
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		winners, err := mgr.GetElectionWinners(tx, 8)
		require.NoError(t, err)
		require.Equal(t, addrs[:8], winners)
		return nil
	}))
}
