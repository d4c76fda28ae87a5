// Package epoch implements the epoch transition applier: at an epoch
// boundary it rewrites the candidate/representative registries, advances
// thawing freeze state, redistributes and promotes the delegate set, and
// drains the deferred-removal tables. It also owns the epoch-chain
// storage (records and the Tip pointer) that both the election manager's
// output and the governance validator's dead-period check read.
package epoch

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/rlp"

	"govcore/crypto"
	"govcore/election"
	"govcore/internal/kvstore"
	"govcore/liability"
	"govcore/registry"
	"govcore/staking"
	"govcore/types"
	"govcore/votingpower"
)

// Record is the persisted epoch block: the delegate set elected for one
// epoch, chained to its predecessor by digest.
type Record struct {
	Epoch       types.Epoch
	Previous    types.Hash
	Delegates   []election.Delegate
	IsExtension bool
	Timestamp   uint64
}

// Digest computes the epoch block's content-addressed hash, chained into
// the next epoch block's Previous field.
func (r Record) Digest() types.Hash {
	encoded, err := rlp.EncodeToBytes(r)
	if err != nil {
		panic(err)
	}
	return types.Keccak256(encoded)
}

// Tip is the persisted pointer to the most recently committed epoch block.
type Tip struct {
	Epoch  types.Epoch
	Digest types.Hash
}

var tipKey = []byte("tip")

func epochKey(epoch types.Epoch) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(epoch))
	return b[:]
}

// GetTip returns the current epoch tip, if the chain has committed at
// least one epoch block.
func GetTip(tx *kvstore.Txn) (Tip, bool, error) {
	var tip Tip
	ok, err := tx.GetRLP(kvstore.TableEpochTip, tipKey, &tip)
	if err != nil || !ok {
		return Tip{}, ok, err
	}
	return tip, true, nil
}

// GetRecord fetches the committed epoch block for epoch, if any.
func GetRecord(tx *kvstore.Txn, epoch types.Epoch) (Record, bool, error) {
	var rec Record
	ok, err := tx.GetRLP(kvstore.TableEpoch, epochKey(epoch), &rec)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	return rec, true, nil
}

// CurrentDelegates returns the delegate set named by the current epoch
// tip, used by the governance validator to reject AnnounceCandidacy
// requests from a sitting delegate.
func CurrentDelegates(tx *kvstore.Txn) ([]election.Delegate, error) {
	tip, ok, err := GetTip(tx)
	if err != nil || !ok {
		return nil, err
	}
	rec, ok, err := GetRecord(tx, tip.Epoch)
	if err != nil || !ok {
		return nil, err
	}
	return rec.Delegates, nil
}

// IsCurrentDelegate reports whether addr appears in the current delegate set.
func IsCurrentDelegate(tx *kvstore.Txn, addr crypto.Address) (bool, error) {
	delegates, err := CurrentDelegates(tx)
	if err != nil {
		return false, err
	}
	for _, d := range delegates {
		if addrEqual(d.Account, addr) {
			return true, nil
		}
	}
	return false, nil
}

func addrEqual(a, b crypto.Address) bool {
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// Applier runs the epoch transition. Every collaborator is injected at
// construction; nothing is reached for globally.
type Applier struct {
	Registry    *registry.Registry
	Staking     *staking.Engine
	VotingPower *votingpower.Ledger
	Liabilities *liability.Ledger
	Election    *election.Manager
}

// New constructs an Applier.
func New(reg *registry.Registry, stakingEngine *staking.Engine, votingPower *votingpower.Ledger, liabilities *liability.Ledger, electionMgr *election.Manager) *Applier {
	return &Applier{
		Registry:    reg,
		Staking:     stakingEngine,
		VotingPower: votingPower,
		Liabilities: liabilities,
		Election:    electionMgr,
	}
}

func putTip(tx *kvstore.Txn, tip Tip) error {
	return tx.PutRLP(kvstore.TableEpochTip, tipKey, tip)
}

func putRecord(tx *kvstore.Txn, rec Record) error {
	return tx.PutRLP(kvstore.TableEpoch, epochKey(rec.Epoch), rec)
}

// delegateSet indexes a delegate slice by account for membership tests.
func delegateSet(delegates []election.Delegate) map[[32]byte]election.Delegate {
	set := make(map[[32]byte]election.Delegate, len(delegates))
	for _, d := range delegates {
		var k [32]byte
		copy(k[:], d.Account.Bytes())
		set[k] = d
	}
	return set
}

// TransitionNextEpoch runs once at the commit of epoch block nextEpoch.
// It computes the next delegate set through the election manager and
// applies every side effect that set implies: deferred registry removals,
// delegate-elect promotion out of the candidate table, thawing
// freeze/unfreeze, and candidate stake promotion. The computed Record is
// returned so the consensus layer can package and propagate it; this core
// is the sole deterministic authority for its contents.
func (a *Applier) TransitionNextEpoch(tx *kvstore.Txn, nextEpoch types.Epoch, timestamp int64) (Record, error) {
	currentEpoch := types.Epoch(0)
	if nextEpoch > 0 {
		currentEpoch = nextEpoch - 1
	}

	tip, hasTip, err := GetTip(tx)
	if err != nil {
		return Record{}, err
	}
	var current []election.Delegate
	var previousDigest types.Hash
	if hasTip {
		rec, ok, err := GetRecord(tx, tip.Epoch)
		if err != nil {
			return Record{}, err
		}
		if ok {
			current = rec.Delegates
			previousDigest = rec.Digest()
		}
	}

	// Step 1: drain deferred removals accumulated during the epoch.
	if err := a.Registry.DrainRemoveCandidates(tx, func(addr crypto.Address) error {
		return a.Registry.DeleteCandidate(tx, addr)
	}); err != nil {
		return Record{}, err
	}
	if err := a.Registry.DrainRemoveReps(tx, func(addr crypto.Address) error {
		if err := a.Registry.DeleteRep(tx, addr); err != nil {
			return err
		}
		return a.VotingPower.DeleteIfEmpty(tx, addr)
	}); err != nil {
		return Record{}, err
	}

	// Compute the next delegate set.
	next, isExtension, err := a.Election.GetNextEpochDelegates(tx, current, nextEpoch)
	if err != nil {
		return Record{}, err
	}

	if !isExtension {
		currentSet := delegateSet(current)
		nextSet := delegateSet(next)

		// Step 2: the new delegate-elects are removed from the candidate
		// set (they are delegates now, not candidates).
		for _, d := range next {
			if !d.StartingTerm {
				continue
			}
			if err := a.Registry.DeleteCandidate(tx, d.Account); err != nil {
				return Record{}, err
			}
			// Step 5: freeze thawing created while campaigning, now that
			// the account is about to serve as an active delegate. The
			// election was held during currentEpoch, so that is the
			// epoch whose thawing expirations match.
			if err := a.Staking.MarkThawingAsFrozen(tx, d.Account, currentEpoch); err != nil {
				return Record{}, err
			}
		}

		// Step 4: delegates whose term ended this boundary unfreeze.
		for k, d := range currentSet {
			if _, stillServing := nextSet[k]; stillServing {
				continue
			}
			if err := a.Staking.SetExpirationOfFrozen(tx, d.Account, currentEpoch); err != nil {
				return Record{}, err
			}
		}
	}
	// Step 3 (non-elected current candidates remain eligible for
	// re-election) requires no action: apart from the delegate-elect rows
	// deleted in step 2, this implementation removes candidate rows only via
	// the deferred "remove" tables drained in step 1, so a candidate who
	// simply didn't win stays exactly as they
	// were, minus any RenounceCandidacy already drained above.

	// Step 6: promote every remaining candidate's next_stake -> cur_stake.
	// Collected first, then written, so the mutation pass never mutates
	// the table out from under the read cursor.
	type promo struct {
		addr crypto.Address
		info registry.CandidateInfo
	}
	var promotions []promo
	if err := a.Registry.ForEachCandidate(tx, func(addr crypto.Address, info registry.CandidateInfo) (bool, error) {
		promotions = append(promotions, promo{addr: addr, info: info})
		return true, nil
	}); err != nil {
		return Record{}, err
	}
	for _, p := range promotions {
		p.info.CurStake = p.info.NextStake
		if err := a.Registry.PutCandidate(tx, p.addr, p.info); err != nil {
			return Record{}, err
		}
	}
	// Step 7 (voting-power rows self-promote lazily) requires no action
	// here by design; see votingpower.Ledger.transitionIfNecessary.

	rec := Record{
		Epoch:       nextEpoch,
		Previous:    previousDigest,
		Delegates:   next,
		IsExtension: isExtension,
		Timestamp:   uint64(timestamp),
	}
	if err := putRecord(tx, rec); err != nil {
		return Record{}, err
	}
	if err := putTip(tx, Tip{Epoch: nextEpoch, Digest: rec.Digest()}); err != nil {
		return Record{}, err
	}
	return rec, nil
}
