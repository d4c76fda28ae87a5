// Package staking implements the staking engine: it maintains each
// account's StakedFunds and ordered ThawingFunds, and moves amounts
// between stake, thaw, and available balance under epoch-aware rules.
package staking

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/liability"
	"govcore/observability/metrics"
	"govcore/types"
	"govcore/votingpower"
)

// ErrProtocolInvariant reports a stake request whose target does not match
// the account's declared rep.
var ErrProtocolInvariant = errors.New("staking: target does not match declared rep")

// StakedFunds is the single per-owner record backing an account's current
// stake.
type StakedFunds struct {
	Target        crypto.Address
	Amount        types.Amount
	LiabilityHash types.Hash
}

// ThawingFunds is one of potentially many per-owner records tracking funds
// on their way back to available balance (or frozen while the owner is an
// active delegate).
type ThawingFunds struct {
	Target          crypto.Address
	Amount          types.Amount
	ExpirationEpoch types.Epoch
	LiabilityHash   types.Hash
}

// Frozen reports whether the thawing entry is held indefinitely because its
// owner is an active delegate.
func (t ThawingFunds) Frozen() bool { return t.ExpirationEpoch == 0 }

// Engine provides the staking operations. It collaborates with the
// liability ledger and the voting-power ledger, both passed in at
// construction rather than reached for globally.
type Engine struct {
	Liabilities         *liability.Ledger
	VotingPower         *votingpower.Ledger
	ThawingPeriodEpochs types.Epoch

	// Metrics may be left nil (every observer method is a no-op on a nil
	// receiver); core.New sets it on the node's engine.
	Metrics *metrics.Governance
}

// New constructs a Staking Engine.
func New(liabilities *liability.Ledger, votingPower *votingpower.Ledger, thawingPeriodEpochs types.Epoch) *Engine {
	return &Engine{Liabilities: liabilities, VotingPower: votingPower, ThawingPeriodEpochs: thawingPeriodEpochs}
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

// --- StakedFunds storage ---

func (e *Engine) getStaked(tx *kvstore.Txn, owner crypto.Address) (StakedFunds, bool, error) {
	var sf StakedFunds
	ok, err := tx.GetRLP(kvstore.TableStaking, owner.Bytes(), &sf)
	if err != nil || !ok {
		return StakedFunds{}, ok, err
	}
	return sf, true, nil
}

func (e *Engine) putStaked(tx *kvstore.Txn, owner crypto.Address, sf StakedFunds) error {
	if sf.Amount.IsZero() {
		return tx.Del(kvstore.TableStaking, owner.Bytes())
	}
	return tx.PutRLP(kvstore.TableStaking, owner.Bytes(), sf)
}

// --- ThawingFunds storage (dup table, descending-expiration iteration) ---

func complementEpoch(epoch types.Epoch) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ^uint32(epoch))
	return b
}

func thawingSuffix(target crypto.Address, expirationEpoch types.Epoch) []byte {
	c := complementEpoch(expirationEpoch)
	suffix := make([]byte, 0, 4+32)
	suffix = append(suffix, c[:]...)
	suffix = append(suffix, target.Bytes()...)
	return suffix
}

func (e *Engine) forEachThawing(tx *kvstore.Txn, owner crypto.Address, fn func(ThawingFunds) (bool, error)) error {
	return tx.ForEachDup(kvstore.TableThawing, owner.Bytes(), func(entry kvstore.DupEntry) (bool, error) {
		var tf ThawingFunds
		if err := rlp.DecodeBytes(entry.Value, &tf); err != nil {
			return false, err
		}
		return fn(tf)
	})
}

// addThawing creates or consolidates a thawing entry for owner, to target,
// expiring at expirationEpoch, adding delta to its amount. Because the
// backing liability's hash is H(owner,target,expirationEpoch), two thawing
// entries that would share (target,expirationEpoch) always resolve to the
// same liability, so consolidation is just "add to the existing record."
func (e *Engine) addThawing(tx *kvstore.Txn, owner, target crypto.Address, delta types.Amount, expirationEpoch types.Epoch) error {
	if delta.IsZero() {
		return nil
	}
	suffix := thawingSuffix(target, expirationEpoch)
	existing, found, err := e.getThawingEntry(tx, owner, suffix)
	if err != nil {
		return err
	}
	if found {
		existing.Amount = existing.Amount.MustAdd(delta)
		if err := e.Liabilities.Consolidate(tx, existing.LiabilityHash, delta); err != nil {
			return err
		}
		return tx.PutDupRLP(kvstore.TableThawing, owner.Bytes(), suffix, existing)
	}
	hash, err := e.Liabilities.CreateExpiring(tx, target, owner, delta, expirationEpoch)
	if err != nil {
		return err
	}
	tf := ThawingFunds{Target: target, Amount: delta, ExpirationEpoch: expirationEpoch, LiabilityHash: hash}
	return tx.PutDupRLP(kvstore.TableThawing, owner.Bytes(), suffix, tf)
}

func (e *Engine) getThawingEntry(tx *kvstore.Txn, owner crypto.Address, suffix []byte) (ThawingFunds, bool, error) {
	var found ThawingFunds
	hasMatch := false
	err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if bytesEqual(thawingSuffix(tf.Target, tf.ExpirationEpoch), suffix) {
			found = tf
			hasMatch = true
			return false, nil
		}
		return true, nil
	})
	return found, hasMatch, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// removeThawing deletes a thawing entry and its backing liability entirely.
func (e *Engine) removeThawing(tx *kvstore.Txn, owner crypto.Address, tf ThawingFunds) error {
	suffix := thawingSuffix(tf.Target, tf.ExpirationEpoch)
	if err := tx.DelDup(kvstore.TableThawing, owner.Bytes(), suffix); err != nil {
		return err
	}
	return e.Liabilities.Delete(tx, tf.LiabilityHash)
}

// takeFromThawing reduces a thawing entry's amount by at most limit, deleting
// it if fully consumed, and returns the amount actually taken.
func (e *Engine) takeFromThawing(tx *kvstore.Txn, owner crypto.Address, tf ThawingFunds, limit types.Amount) (types.Amount, error) {
	taken := tf.Amount.Min(limit)
	if taken.IsZero() {
		return types.ZeroAmount(), nil
	}
	remaining := tf.Amount.SubClamped(taken)
	suffix := thawingSuffix(tf.Target, tf.ExpirationEpoch)
	if remaining.IsZero() {
		if err := e.removeThawing(tx, owner, tf); err != nil {
			return types.ZeroAmount(), err
		}
		return taken, nil
	}
	if err := e.Liabilities.UpdateAmount(tx, tf.LiabilityHash, remaining); err != nil {
		return types.ZeroAmount(), err
	}
	tf.Amount = remaining
	if err := tx.PutDupRLP(kvstore.TableThawing, owner.Bytes(), suffix, tf); err != nil {
		return types.ZeroAmount(), err
	}
	return taken, nil
}

// SetAvailableBalance assigns acct a new available balance and mirrors the
// delta into the proxy target's unlocked-proxied slot when the account
// proxies to a rep. Every available-balance change in this core goes
// through here (fee charges, draws into stake, thaw-prune credits), so a
// rep's unlocked_proxied tracks the live available balance of every
// account proxying to it.
func (e *Engine) SetAvailableBalance(tx *kvstore.Txn, acct *types.Account, newBalance types.Amount, epoch types.Epoch) error {
	old := acct.AvailableBalance
	acct.AvailableBalance = newBalance
	if acct.Rep.IsZero() {
		return nil
	}
	switch {
	case newBalance.GreaterThan(old):
		return e.VotingPower.AddUnlockedProxied(tx, acct.Rep, epoch, newBalance.SubClamped(old))
	case old.GreaterThan(newBalance):
		return e.VotingPower.SubtractUnlockedProxied(tx, acct.Rep, epoch, old.SubClamped(newBalance))
	}
	return nil
}

// contributeVotingPower applies delta (positive = add, negative expressed
// via the add flag) to target's self-stake slot when target is the owner
// themself, or its locked-proxied slot otherwise.
func (e *Engine) contributeVotingPower(tx *kvstore.Txn, owner, target crypto.Address, epoch types.Epoch, delta types.Amount, add bool) error {
	selfStake := addrEqual(owner, target)
	switch {
	case add && selfStake:
		return e.VotingPower.AddSelfStake(tx, target, epoch, delta)
	case add && !selfStake:
		return e.VotingPower.AddLockedProxied(tx, target, epoch, delta)
	case !add && selfStake:
		return e.VotingPower.SubtractSelfStake(tx, target, epoch, delta)
	default:
		return e.VotingPower.SubtractLockedProxied(tx, target, epoch, delta)
	}
}

// extract moves up to limit from an existing StakedFunds or ThawingFunds
// source into toTarget, creating the cross-target secondary liability the
// move requires. If the source's target already matches toTarget, no
// liability is needed. Self-stake is never the target of a secondary
// liability created from the same owner: when sourceTarget is the owner
// themself, extraction across a differing toTarget always yields zero,
// same as a refused secondary, so
// the residue thaws instead of spuriously binding the owner's own address
// as a secondary-liability target. If a required secondary liability
// cannot be created (uniqueness conflict), extraction yields zero and the
// caller thaws the full residue instead.
func (e *Engine) extract(tx *kvstore.Txn, owner crypto.Address, sourceTarget crypto.Address, sourceAmount types.Amount, sourceExpiration types.Epoch, limit types.Amount, toTarget crypto.Address, epoch types.Epoch) (types.Amount, error) {
	if addrEqual(sourceTarget, toTarget) {
		return sourceAmount.Min(limit), nil
	}
	if addrEqual(sourceTarget, owner) {
		return types.ZeroAmount(), nil
	}
	secondaryExpiration := epoch + e.ThawingPeriodEpochs
	if sourceExpiration > secondaryExpiration {
		secondaryExpiration = sourceExpiration
	}
	_, ok, err := e.Liabilities.CreateSecondary(tx, sourceTarget, owner, sourceAmount.Min(limit), secondaryExpiration)
	if err != nil {
		return types.ZeroAmount(), err
	}
	if !ok {
		e.Metrics.ObserveLiabilityConflict()
		return types.ZeroAmount(), nil
	}
	return sourceAmount.Min(limit), nil
}

// Stake makes owner's staked funds equal amount, bound to target, as of
// epoch, moving funds among available balance, thawing, and stake as
// necessary. acct is mutated in place; the caller persists it.
func (e *Engine) Stake(tx *kvstore.Txn, owner crypto.Address, acct *types.Account, amount types.Amount, target crypto.Address, epoch types.Epoch) error {
	current, existed, err := e.getStaked(tx, owner)
	if err != nil {
		return err
	}
	if !existed {
		current = StakedFunds{Target: target, Amount: types.ZeroAmount()}
		if !addrEqual(target, owner) {
			if err := e.VotingPower.AddUnlockedProxied(tx, target, epoch, acct.AvailableBalance); err != nil {
				return err
			}
		}
	}

	selfTargetOK := addrEqual(target, owner) && acct.Rep.IsZero()
	proxyTargetOK := !addrEqual(target, owner) && addrEqual(target, acct.Rep)
	if !selfTargetOK && !proxyTargetOK {
		return ErrProtocolInvariant
	}

	if err := e.Liabilities.PruneSecondary(tx, owner, epoch); err != nil {
		return err
	}

	switch {
	case !addrEqual(current.Target, target):
		if err := e.changeTarget(tx, owner, acct, &current, amount, target, epoch); err != nil {
			return err
		}
	case amount.LessThan(current.Amount):
		delta := current.Amount.SubClamped(amount)
		if err := e.contributeVotingPower(tx, owner, target, epoch, delta, false); err != nil {
			return err
		}
		if err := e.addThawing(tx, owner, target, delta, epoch+e.ThawingPeriodEpochs); err != nil {
			return err
		}
		current.Amount = amount
	case amount.GreaterThan(current.Amount):
		if err := e.growStake(tx, owner, acct, &current, amount, target, epoch); err != nil {
			return err
		}
	}

	if current.Amount.IsZero() {
		if !current.LiabilityHash.IsZero() {
			if err := e.Liabilities.Delete(tx, current.LiabilityHash); err != nil {
				return err
			}
		}
		return e.putStaked(tx, owner, current)
	}
	if current.LiabilityHash.IsZero() {
		hash, err := e.Liabilities.CreateUnexpiring(tx, target, owner, current.Amount)
		if err != nil {
			return err
		}
		current.LiabilityHash = hash
	} else {
		if err := e.Liabilities.UpdateAmount(tx, current.LiabilityHash, current.Amount); err != nil {
			return err
		}
	}
	return e.putStaked(tx, owner, current)
}

// changeTarget handles the case where the request's target differs from
// the existing StakedFunds' target.
func (e *Engine) changeTarget(tx *kvstore.Txn, owner crypto.Address, acct *types.Account, current *StakedFunds, amount types.Amount, target crypto.Address, epoch types.Epoch) error {
	oldTarget, oldAmount, oldExpiration := current.Target, current.Amount, types.Epoch(0)
	if err := e.contributeVotingPower(tx, owner, oldTarget, epoch, oldAmount, false); err != nil {
		return err
	}
	if !addrEqual(oldTarget, owner) {
		if err := e.VotingPower.SubtractUnlockedProxied(tx, oldTarget, epoch, acct.AvailableBalance); err != nil {
			return err
		}
	}

	extracted, err := e.extract(tx, owner, oldTarget, oldAmount, oldExpiration, amount, target, epoch)
	if err != nil {
		return err
	}
	residue := oldAmount.SubClamped(extracted)
	if !residue.IsZero() {
		if err := e.addThawing(tx, owner, oldTarget, residue, epoch+e.ThawingPeriodEpochs); err != nil {
			return err
		}
	}
	if !current.LiabilityHash.IsZero() {
		if err := e.Liabilities.Delete(tx, current.LiabilityHash); err != nil {
			return err
		}
	}

	current.Target = target
	current.Amount = types.ZeroAmount()
	current.LiabilityHash = types.Hash{}
	if err := e.contributeVotingPower(tx, owner, target, epoch, extracted, true); err != nil {
		return err
	}
	if !addrEqual(target, owner) {
		if err := e.VotingPower.AddUnlockedProxied(tx, target, epoch, acct.AvailableBalance); err != nil {
			return err
		}
	}
	current.Amount = extracted

	if amount.GreaterThan(current.Amount) {
		return e.growStake(tx, owner, acct, current, amount, target, epoch)
	}
	return nil
}

// growStake raises the stake toward amount: draw the shortfall from
// existing thawing first (same-target entries need no new liability;
// different-target entries need a secondary liability), then from
// available balance.
func (e *Engine) growStake(tx *kvstore.Txn, owner crypto.Address, acct *types.Account, current *StakedFunds, amount types.Amount, target crypto.Address, epoch types.Epoch) error {
	remainder := amount.SubClamped(current.Amount)
	if err := e.contributeVotingPower(tx, owner, target, epoch, remainder, true); err != nil {
		return err
	}

	var candidates []ThawingFunds
	if err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if tf.Frozen() {
			return true, nil
		}
		candidates = append(candidates, tf)
		return true, nil
	}); err != nil {
		return err
	}

	for _, tf := range candidates {
		if remainder.IsZero() {
			break
		}
		drawn, err := e.extract(tx, owner, tf.Target, tf.Amount, tf.ExpirationEpoch, remainder, target, epoch)
		if err != nil {
			return err
		}
		if drawn.IsZero() {
			continue
		}
		if _, err := e.takeFromThawing(tx, owner, tf, drawn); err != nil {
			return err
		}
		remainder = remainder.SubClamped(drawn)
	}

	if !remainder.IsZero() {
		if err := e.SetAvailableBalance(tx, acct, acct.AvailableBalance.SubClamped(remainder), epoch); err != nil {
			return err
		}
	}

	current.Amount = amount
	return nil
}

// CanSatisfy reports whether owner can fund a stake of amount+fee to
// target as of epoch: available balance, pruneable thawing, and the
// current stake and thawing layers all count when their targets are
// compatible.
func (e *Engine) CanSatisfy(tx *kvstore.Txn, owner crypto.Address, acct types.Account, amount types.Amount, target crypto.Address, epoch types.Epoch, fee types.Amount) (bool, error) {
	current, _, err := e.getStaked(tx, owner)
	if err != nil {
		return false, err
	}

	pruneable, err := e.pruneableThawingAmount(tx, owner, epoch)
	if err != nil {
		return false, err
	}

	// A layer bound to another target counts only if extract could move it:
	// never self-targeted funds, and only without a conflicting secondary
	// liability. The first such target counted is held; a second is refused.
	var pending crypto.Address
	compatibleStake := types.ZeroAmount()
	if addrEqual(current.Target, target) {
		compatibleStake = current.Amount
	} else if !addrEqual(current.Target, owner) {
		conflict, err := e.Liabilities.HasConflictingSecondary(tx, owner, current.Target)
		if err != nil {
			return false, err
		}
		if !conflict {
			compatibleStake = current.Amount
			pending = current.Target
		}
	}

	compatibleThawing := types.ZeroAmount()
	if err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if tf.ExpirationEpoch > 0 && tf.ExpirationEpoch <= epoch {
			return true, nil // already counted in pruneable
		}
		if tf.Frozen() {
			return true, nil // growStake never draws from frozen entries
		}
		if addrEqual(tf.Target, target) {
			compatibleThawing = compatibleThawing.MustAdd(tf.Amount)
			return true, nil
		}
		if addrEqual(tf.Target, owner) || (!pending.IsZero() && !addrEqual(pending, tf.Target)) {
			return true, nil
		}
		conflict, err := e.Liabilities.HasConflictingSecondary(tx, owner, tf.Target)
		if err != nil {
			return false, err
		}
		if !conflict {
			compatibleThawing = compatibleThawing.MustAdd(tf.Amount)
			pending = tf.Target
		}
		return true, nil
	}); err != nil {
		return false, err
	}

	total := acct.AvailableBalance.MustAdd(pruneable).MustAdd(compatibleStake).MustAdd(compatibleThawing)
	needed := amount.MustAdd(fee)
	return !total.LessThan(needed), nil
}

func (e *Engine) pruneableThawingAmount(tx *kvstore.Txn, owner crypto.Address, epoch types.Epoch) (types.Amount, error) {
	total := types.ZeroAmount()
	err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if tf.ExpirationEpoch > 0 && tf.ExpirationEpoch <= epoch {
			total = total.MustAdd(tf.Amount)
		}
		return true, nil
	})
	return total, err
}

// PruneThawing deletes every thawing entry with
// 0 < expiration_epoch <= currentEpoch and credits available_balance.
// Idempotent per (owner, epoch) via acct.EpochThawingUpdated.
func (e *Engine) PruneThawing(tx *kvstore.Txn, owner crypto.Address, acct *types.Account, currentEpoch types.Epoch) error {
	if acct.EpochThawingUpdated >= currentEpoch {
		return nil
	}
	var expired []ThawingFunds
	if err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if tf.ExpirationEpoch > 0 && tf.ExpirationEpoch <= currentEpoch {
			expired = append(expired, tf)
		}
		return true, nil
	}); err != nil {
		return err
	}
	for _, tf := range expired {
		if err := e.SetAvailableBalance(tx, acct, acct.AvailableBalance.MustAdd(tf.Amount), currentEpoch); err != nil {
			return err
		}
		if err := e.removeThawing(tx, owner, tf); err != nil {
			return err
		}
	}
	acct.EpochThawingUpdated = currentEpoch
	return nil
}

// MarkThawingAsFrozen freezes every thawing entry targeting owner
// themselves whose expiration equals epochOfElection+ThawingPeriodEpochs,
// called when owner becomes an elected delegate at epochOfElection.
func (e *Engine) MarkThawingAsFrozen(tx *kvstore.Txn, owner crypto.Address, epochOfElection types.Epoch) error {
	target := epochOfElection + e.ThawingPeriodEpochs
	var matches []ThawingFunds
	if err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if addrEqual(tf.Target, owner) && tf.ExpirationEpoch == target {
			matches = append(matches, tf)
		}
		return true, nil
	}); err != nil {
		return err
	}
	for _, tf := range matches {
		if err := e.removeThawing(tx, owner, tf); err != nil {
			return err
		}
		hash, err := e.Liabilities.CreateUnexpiring(tx, owner, owner, tf.Amount)
		if err != nil {
			return err
		}
		frozen := ThawingFunds{Target: owner, Amount: tf.Amount, ExpirationEpoch: 0, LiabilityHash: hash}
		if err := tx.PutDupRLP(kvstore.TableThawing, owner.Bytes(), thawingSuffix(owner, 0), frozen); err != nil {
			return err
		}
	}
	return nil
}

// SetExpirationOfFrozen unfreezes every self-targeted frozen thawing entry
// for owner, assigning a fresh expiration of epochUnfrozen+ThawingPeriodEpochs.
// Called when owner leaves the delegate set at epochUnfrozen.
func (e *Engine) SetExpirationOfFrozen(tx *kvstore.Txn, owner crypto.Address, epochUnfrozen types.Epoch) error {
	newExpiration := epochUnfrozen + e.ThawingPeriodEpochs
	var matches []ThawingFunds
	if err := e.forEachThawing(tx, owner, func(tf ThawingFunds) (bool, error) {
		if addrEqual(tf.Target, owner) && tf.Frozen() {
			matches = append(matches, tf)
		}
		return true, nil
	}); err != nil {
		return err
	}
	for _, tf := range matches {
		if err := e.removeThawing(tx, owner, tf); err != nil {
			return err
		}
		hash, err := e.Liabilities.CreateExpiring(tx, owner, owner, tf.Amount, newExpiration)
		if err != nil {
			return err
		}
		unfrozen := ThawingFunds{Target: owner, Amount: tf.Amount, ExpirationEpoch: newExpiration, LiabilityHash: hash}
		if err := tx.PutDupRLP(kvstore.TableThawing, owner.Bytes(), thawingSuffix(owner, newExpiration), unfrozen); err != nil {
			return err
		}
	}
	return nil
}

// GetStaked returns owner's current StakedFunds, if any.
func (e *Engine) GetStaked(tx *kvstore.Txn, owner crypto.Address) (StakedFunds, bool, error) {
	return e.getStaked(tx, owner)
}

// ForEachThawing exposes the owner's thawing entries in descending
// expiration order for callers outside the package (e.g. balance
// conservation tests).
func (e *Engine) ForEachThawing(tx *kvstore.Txn, owner crypto.Address, fn func(ThawingFunds) (bool, error)) error {
	return e.forEachThawing(tx, owner, fn)
}
