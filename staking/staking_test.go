package staking

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/liability"
	"govcore/types"
	"govcore/votingpower"
)

func newTestEnv(t *testing.T) (*kvstore.Store, *Engine, *votingpower.Ledger) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	vp := votingpower.New(50)
	engine := New(liability.New(), vp, types.Epoch(10))
	return store, engine, vp
}

func addr(t *testing.T, seed byte) crypto.Address {
	t.Helper()
	var b [32]byte
	b[31] = seed
	a, err := crypto.NewAddress(crypto.AccountPrefix, b[:])
	require.NoError(t, err)
	return a
}

// S1: self-stake creates StakedFunds and contributes to self-stake voting power.
func TestStakeSelfStakeCreatesStakedFunds(t *testing.T) {
	store, engine, vp := newTestEnv(t)
	a := addr(t, 1)
	acct := &types.Account{Balance: types.NewAmount(1000), AvailableBalance: types.NewAmount(1000)}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, a, acct, types.NewAmount(100), a, types.Epoch(1))
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		sf, ok, err := engine.GetStaked(tx, a)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.NewAmount(100), sf.Amount)

		info, ok, err := vp.Get(tx, a)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.NewAmount(100), info.Next.SelfStake)
		return nil
	}))
	require.Equal(t, types.NewAmount(900), acct.AvailableBalance)
}

// S3: reducing a proxy lock creates a ThawingFunds entry and reduces locked-proxied.
func TestStakeReduceCreatesThawing(t *testing.T) {
	store, engine, vp := newTestEnv(t)
	rep := addr(t, 1)
	b := addr(t, 2)
	bAcct := &types.Account{Balance: types.NewAmount(200), AvailableBalance: types.NewAmount(200), Rep: rep}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(50), rep, types.Epoch(1))
	}))
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(25), rep, types.Epoch(1))
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		sf, ok, err := engine.GetStaked(tx, b)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.NewAmount(25), sf.Amount)

		var thawed []ThawingFunds
		require.NoError(t, engine.ForEachThawing(tx, b, func(tf ThawingFunds) (bool, error) {
			thawed = append(thawed, tf)
			return true, nil
		}))
		require.Len(t, thawed, 1)
		require.Equal(t, types.NewAmount(25), thawed[0].Amount)
		require.Equal(t, types.Epoch(11), thawed[0].ExpirationEpoch)

		info, ok, err := vp.Get(tx, rep)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.NewAmount(25), info.Next.LockedProxied)
		return nil
	}))
}

// S4: proxying to a different rep draws from the old stake and then the
// thawing entry, both backed by a secondary liability to the old target;
// available balance is left untouched.
func TestStakeChangeTargetDrawsFromThawingAndAvailable(t *testing.T) {
	store, engine, vp := newTestEnv(t)
	repA := addr(t, 1)
	repC := addr(t, 3)
	b := addr(t, 2)
	bAcct := &types.Account{Balance: types.NewAmount(200), AvailableBalance: types.NewAmount(200), Rep: repA}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(50), repA, types.Epoch(1))
	}))
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(25), repA, types.Epoch(1))
	}))

	bAcct.Rep = repC
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(50), repC, types.Epoch(1))
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		sf, ok, err := engine.GetStaked(tx, b)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, repC, sf.Target)
		require.Equal(t, types.NewAmount(50), sf.Amount)

		conflict, err := engine.Liabilities.HasConflictingSecondary(tx, b, repA)
		require.NoError(t, err)
		require.False(t, conflict, "secondary liability to repA must exist with target repA itself")

		// The old rep loses both B's locked stake and B's unlocked
		// available balance; the new rep gains both.
		infoA, ok, err := vp.Get(tx, repA)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.ZeroAmount(), infoA.Next.LockedProxied)
		require.Equal(t, types.ZeroAmount(), infoA.Next.UnlockedProxied)

		infoC, ok, err := vp.Get(tx, repC)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.NewAmount(50), infoC.Next.LockedProxied)
		require.Equal(t, types.NewAmount(150), infoC.Next.UnlockedProxied)
		return nil
	}))
}

// extract must refuse to bind a secondary liability against the owner's own
// address when the StakedFunds being retargeted is a self-stake
// (source.target == owner): self-stake is never the target of a secondary
// liability created from the same owner. Without the guard, changing
// target away from a self-stake would
// create a Source=owner,Target=owner secondary liability that then conflicts
// with every subsequent, legitimately different target.
func TestStakeChangeTargetFromSelfStakeCreatesNoSelfSecondary(t *testing.T) {
	store, engine, _ := newTestEnv(t)
	owner := addr(t, 1)
	repC := addr(t, 2)
	repD := addr(t, 3)
	acct := &types.Account{Balance: types.NewAmount(200), AvailableBalance: types.NewAmount(200)}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, owner, acct, types.NewAmount(100), owner, types.Epoch(1))
	}))

	acct.Rep = repC
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, owner, acct, types.NewAmount(60), repC, types.Epoch(1))
	}))

	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		sf, ok, err := engine.GetStaked(tx, owner)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, repC, sf.Target)
		require.Equal(t, types.NewAmount(60), sf.Amount)

		// Self-stake cannot be extracted into a lock proxy, so the whole
		// 100 thaws under owner's own address and the new 60 stake is
		// drawn from available balance instead. None of it may register
		// as a secondary liability, which would otherwise make every
		// later target look conflicting.
		conflict, err := engine.Liabilities.HasConflictingSecondary(tx, owner, repD)
		require.NoError(t, err)
		require.False(t, conflict, "self-stake residue must not create a secondary liability against owner's own address")

		var thawedToSelf types.Amount
		require.NoError(t, engine.ForEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
			if addrEqual(tf.Target, owner) {
				thawedToSelf = thawedToSelf.MustAdd(tf.Amount)
			}
			return true, nil
		}))
		require.Equal(t, types.NewAmount(100), thawedToSelf)
		require.Equal(t, types.NewAmount(40), acct.AvailableBalance)
		return nil
	}))

	// owner can still legitimately retarget to a different rep afterwards;
	// this would have silently failed (residue always thawing instead of
	// moving) had the spurious self-secondary been created above.
	acct.Rep = repD
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, owner, acct, types.NewAmount(60), repD, types.Epoch(1))
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		sf, ok, err := engine.GetStaked(tx, owner)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, repD, sf.Target)
		require.Equal(t, types.NewAmount(60), sf.Amount)
		return nil
	}))
}

func TestPruneThawingIdempotent(t *testing.T) {
	store, engine, _ := newTestEnv(t)
	rep := addr(t, 1)
	b := addr(t, 2)
	bAcct := &types.Account{Balance: types.NewAmount(200), AvailableBalance: types.NewAmount(200), Rep: rep}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(50), rep, types.Epoch(1))
	}))
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, b, bAcct, types.NewAmount(0), rep, types.Epoch(1))
	}))

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.PruneThawing(tx, b, bAcct, types.Epoch(20))
	}))
	balanceAfterFirstPrune := bAcct.AvailableBalance

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.PruneThawing(tx, b, bAcct, types.Epoch(20))
	}))
	require.Equal(t, balanceAfterFirstPrune, bAcct.AvailableBalance)
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	store, engine, _ := newTestEnv(t)
	a := addr(t, 1)
	acct := &types.Account{Balance: types.NewAmount(100), AvailableBalance: types.NewAmount(100)}

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, a, acct, types.NewAmount(100), a, types.Epoch(1))
	}))
	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.Stake(tx, a, acct, types.NewAmount(0), a, types.Epoch(1))
	}))

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.MarkThawingAsFrozen(tx, a, types.Epoch(1))
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		var entries []ThawingFunds
		require.NoError(t, engine.ForEachThawing(tx, a, func(tf ThawingFunds) (bool, error) {
			entries = append(entries, tf)
			return true, nil
		}))
		require.Len(t, entries, 1)
		require.True(t, entries[0].Frozen())
		return nil
	}))

	require.NoError(t, store.Update(func(tx *kvstore.Txn) error {
		return engine.SetExpirationOfFrozen(tx, a, types.Epoch(5))
	}))
	require.NoError(t, store.View(func(tx *kvstore.Txn) error {
		var entries []ThawingFunds
		require.NoError(t, engine.ForEachThawing(tx, a, func(tf ThawingFunds) (bool, error) {
			entries = append(entries, tf)
			return true, nil
		}))
		require.Len(t, entries, 1)
		require.Equal(t, types.Epoch(15), entries[0].ExpirationEpoch)
		return nil
	}))
}
