package registry

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/types"
)

func bytesEqualAddr(a, b crypto.Address) bool { return bytes.Equal(a.Bytes(), b.Bytes()) }

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

// S5: 32 candidates with votes 99..68; top 8 are 99..92 in that order.
func TestRankCandidatesOrdersByVotesDescending(t *testing.T) {
	store := newTestStore(t)
	reg := New(8)

	var addrs []crypto.Address
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		for i := 0; i < 32; i++ {
			a := addr(t, byte(i+1))
			addrs = append(addrs, a)
			info := CandidateInfo{VotesReceivedWeighted: types.NewAmount(uint64(99 - i)), CurStake: types.NewAmount(10)}
			if err := reg.PutCandidate(tx, a, info); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		leading, err := reg.GetLeadingCandidates(tx)
		require.NoError(t, err)
		require.Len(t, leading, 8)

		ranked, err := reg.RankCandidates(tx, leading)
		require.NoError(t, err)
		require.Equal(t, addrs[0], ranked[0]) // votes=99
		require.Equal(t, addrs[7], ranked[7]) // votes=92
		return nil
	}))
}

// S5 tie-break: equal votes, higher stake ranks higher.
func TestRankCandidatesTieBreaksOnStake(t *testing.T) {
	store := newTestStore(t)
	reg := New(8)
	a := addr(t, 1)
	b := addr(t, 2)

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		require.NoError(t, reg.PutCandidate(tx, a, CandidateInfo{VotesReceivedWeighted: types.NewAmount(92), CurStake: types.NewAmount(10)}))
		require.NoError(t, reg.PutCandidate(tx, b, CandidateInfo{VotesReceivedWeighted: types.NewAmount(92), CurStake: types.NewAmount(20)}))
		return nil
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		ranked, err := reg.RankCandidates(tx, []crypto.Address{a, b})
		require.NoError(t, err)
		require.Equal(t, b, ranked[0], "higher stake must rank first on a vote tie")
		return nil
	}))
}

func TestLeadingSetEvictsMinimumWhenFull(t *testing.T) {
	store := newTestStore(t)
	reg := New(2)
	a := addr(t, 1)
	b := addr(t, 2)
	c := addr(t, 3)

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		require.NoError(t, reg.PutCandidate(tx, a, CandidateInfo{VotesReceivedWeighted: types.NewAmount(10)}))
		require.NoError(t, reg.PutCandidate(tx, b, CandidateInfo{VotesReceivedWeighted: types.NewAmount(20)}))
		return nil
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		leading, err := reg.GetLeadingCandidates(tx)
		require.NoError(t, err)
		require.Len(t, leading, 2)
		return nil
	}))

	// c has fewer votes than both existing members: must not displace anyone.
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return reg.PutCandidate(tx, c, CandidateInfo{VotesReceivedWeighted: types.NewAmount(5)})
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		leading, err := reg.GetLeadingCandidates(tx)
		require.NoError(t, err)
		require.Len(t, leading, 2)
		for _, addr := range leading {
			require.NotEqual(t, c, addr)
		}
		return nil
	}))

	// now raise c's votes above the current minimum (a, votes=10): must evict a.
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return reg.PutCandidate(tx, c, CandidateInfo{VotesReceivedWeighted: types.NewAmount(15)})
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		leading, err := reg.GetLeadingCandidates(tx)
		require.NoError(t, err)
		require.Len(t, leading, 2)
		var found bool
		for _, addr := range leading {
			if bytesEqualAddr(addr, c) {
				found = true
			}
			require.NotEqual(t, a, addr)
		}
		require.True(t, found)
		return nil
	}))
}

func TestCandidateAddVoteResetsOnNewerEpochRejectsOnOlder(t *testing.T) {
	store := newTestStore(t)
	reg := New(8)
	a := addr(t, 1)

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		require.NoError(t, reg.PutCandidate(tx, a, CandidateInfo{}))
		return nil
	}))

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		rejected, err := reg.CandidateAddVote(tx, a, types.NewAmount(100), types.Epoch(5))
		require.NoError(t, err)
		require.False(t, rejected)
		rejected, err = reg.CandidateAddVote(tx, a, types.NewAmount(50), types.Epoch(5))
		require.NoError(t, err)
		require.False(t, rejected)
		return nil
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		info, _, err := reg.GetCandidate(tx, a)
		require.NoError(t, err)
		require.Equal(t, uint64(150), info.VotesReceivedWeighted.Uint64())
		require.Equal(t, types.Epoch(5), info.EpochModified)
		return nil
	}))

	// newer epoch resets before adding.
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		rejected, err := reg.CandidateAddVote(tx, a, types.NewAmount(70), types.Epoch(6))
		require.NoError(t, err)
		require.False(t, rejected)
		return nil
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		info, _, err := reg.GetCandidate(tx, a)
		require.NoError(t, err)
		require.Equal(t, uint64(70), info.VotesReceivedWeighted.Uint64())
		return nil
	}))

	// older epoch is rejected, leaving the record untouched.
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		rejected, err := reg.CandidateAddVote(tx, a, types.NewAmount(999), types.Epoch(3))
		require.NoError(t, err)
		require.True(t, rejected)
		return nil
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		info, _, err := reg.GetCandidate(tx, a)
		require.NoError(t, err)
		require.Equal(t, uint64(70), info.VotesReceivedWeighted.Uint64())
		return nil
	}))
}

func TestTopCandidatesScansEntireTable(t *testing.T) {
	store := newTestStore(t)
	reg := New(8)

	var addrs []crypto.Address
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		for i := 0; i < 10; i++ {
			a := addr(t, byte(i+1))
			addrs = append(addrs, a)
			// LeadingCapacity is 8, so entries below the window's minimum
			// never enter leading_candidates, but TopCandidates must still
			// see them via the full-table scan.
			require.NoError(t, reg.PutCandidate(tx, a, CandidateInfo{VotesReceivedWeighted: types.NewAmount(uint64(10 - i))}))
		}
		return nil
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		top, err := reg.TopCandidates(tx, 3)
		require.NoError(t, err)
		require.Equal(t, []crypto.Address{addrs[0], addrs[1], addrs[2]}, top)
		return nil
	}))
}

func TestMarkAndDrainRemoveCandidates(t *testing.T) {
	store := newTestStore(t)
	reg := New(8)
	a := addr(t, 1)
	b := addr(t, 2)

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		require.NoError(t, reg.MarkRemoveCandidate(tx, a))
		require.NoError(t, reg.MarkRemoveCandidate(tx, b))
		return nil
	}))

	var drained []crypto.Address
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return reg.DrainRemoveCandidates(tx, func(addr crypto.Address) error {
			drained = append(drained, addr)
			return nil
		})
	}))
	require.ElementsMatch(t, []crypto.Address{a, b}, drained)

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return reg.DrainRemoveCandidates(tx, func(crypto.Address) error {
			t.Fatal("drain should be empty after first pass")
			return nil
		})
	}))
}
