// Package votingpower implements the voting-power ledger: the two-slot
// (current/next) lazy-promotion accounting that turns self-stake and
// proxied stake into a representative's tallyable voting power.
package votingpower

import (
	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/types"
)

// DilutionFactorPercent scales unlocked-proxied stake's contribution to
// voting power. The formula's shape is fixed but the percentage is a
// deployment parameter, wired through config rather than hardcoded (see
// config.Config.DilutionFactorPercent).
const DefaultDilutionFactorPercent = 50

// Snapshot is one slot of a rep's voting-power accounting.
type Snapshot struct {
	SelfStake       types.Amount
	LockedProxied   types.Amount
	UnlockedProxied types.Amount
}

func (s Snapshot) isZero() bool {
	return s.SelfStake.IsZero() && s.LockedProxied.IsZero() && s.UnlockedProxied.IsZero()
}

// Info is the persisted VotingPowerInfo record.
type Info struct {
	Current       Snapshot
	Next          Snapshot
	EpochModified types.Epoch
}

// Fallback is the persisted VotingPowerFallback record.
type Fallback struct {
	Epoch    types.Epoch
	Snapshot Snapshot
}

// Ledger provides the Voting-Power Ledger's operations. It is stateless;
// every method threads a *kvstore.Txn explicitly.
type Ledger struct {
	DilutionFactorPercent uint64
}

// New constructs a Ledger with the given dilution factor (0-100).
func New(dilutionFactorPercent uint64) *Ledger {
	return &Ledger{DilutionFactorPercent: dilutionFactorPercent}
}

func (l *Ledger) get(tx *kvstore.Txn, rep crypto.Address) (Info, bool, error) {
	var info Info
	ok, err := tx.GetRLP(kvstore.TableVotingPower, rep.Bytes(), &info)
	if err != nil || !ok {
		return Info{}, ok, err
	}
	return info, true, nil
}

func (l *Ledger) put(tx *kvstore.Txn, rep crypto.Address, info Info) error {
	return tx.PutRLP(kvstore.TableVotingPower, rep.Bytes(), info)
}

func (l *Ledger) getFallback(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch) (Fallback, bool, error) {
	key := fallbackKey(rep, epoch)
	var fb Fallback
	ok, err := tx.GetRLP(kvstore.TableVotingPowerFallback, key, &fb)
	if err != nil || !ok {
		return Fallback{}, ok, err
	}
	return fb, true, nil
}

func fallbackKey(rep crypto.Address, epoch types.Epoch) []byte {
	key := rep.Bytes()
	var epochBytes [4]byte
	epochBytes[0] = byte(epoch >> 24)
	epochBytes[1] = byte(epoch >> 16)
	epochBytes[2] = byte(epoch >> 8)
	epochBytes[3] = byte(epoch)
	return append(key, epochBytes[:]...)
}

// transitionIfNecessary promotes next into current when a write in a newer
// epoch is observed, and records the promoted value (what current holds for
// epoch E) as a fallback, so readers racing the promotion within epoch E see
// the same figure before and after it. Returns the (possibly promoted) Info
// to mutate.
func (l *Ledger) transitionIfNecessary(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch) (Info, error) {
	info, ok, err := l.get(tx, rep)
	if err != nil {
		return Info{}, err
	}
	if !ok {
		info = Info{EpochModified: epoch}
		return info, nil
	}
	if info.EpochModified < epoch {
		if _, exists, err := l.getFallback(tx, rep, epoch); err != nil {
			return Info{}, err
		} else if !exists {
			fb := Fallback{Epoch: epoch, Snapshot: info.Next}
			if err := tx.PutRLP(kvstore.TableVotingPowerFallback, fallbackKey(rep, epoch), fb); err != nil {
				return Info{}, err
			}
		}
		info.Current = info.Next
		info.EpochModified = epoch
	}
	return info, nil
}

func (l *Ledger) mutate(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, fn func(next *Snapshot)) error {
	info, err := l.transitionIfNecessary(tx, rep, epoch)
	if err != nil {
		return err
	}
	fn(&info.Next)
	return l.put(tx, rep, info)
}

// AddSelfStake mutates next.self_stake by delta.
func (l *Ledger) AddSelfStake(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, delta types.Amount) error {
	return l.mutate(tx, rep, epoch, func(next *Snapshot) {
		next.SelfStake = next.SelfStake.MustAdd(delta)
	})
}

// SubtractSelfStake mutates next.self_stake by -delta, clamped at zero.
func (l *Ledger) SubtractSelfStake(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, delta types.Amount) error {
	return l.mutate(tx, rep, epoch, func(next *Snapshot) {
		next.SelfStake = next.SelfStake.SubClamped(delta)
	})
}

// AddLockedProxied mutates next.locked_proxied by delta.
func (l *Ledger) AddLockedProxied(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, delta types.Amount) error {
	return l.mutate(tx, rep, epoch, func(next *Snapshot) {
		next.LockedProxied = next.LockedProxied.MustAdd(delta)
	})
}

// SubtractLockedProxied mutates next.locked_proxied by -delta, clamped at zero.
func (l *Ledger) SubtractLockedProxied(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, delta types.Amount) error {
	return l.mutate(tx, rep, epoch, func(next *Snapshot) {
		next.LockedProxied = next.LockedProxied.SubClamped(delta)
	})
}

// AddUnlockedProxied mutates next.unlocked_proxied by delta.
func (l *Ledger) AddUnlockedProxied(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, delta types.Amount) error {
	return l.mutate(tx, rep, epoch, func(next *Snapshot) {
		next.UnlockedProxied = next.UnlockedProxied.MustAdd(delta)
	})
}

// SubtractUnlockedProxied mutates next.unlocked_proxied by -delta, clamped at zero.
func (l *Ledger) SubtractUnlockedProxied(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch, delta types.Amount) error {
	return l.mutate(tx, rep, epoch, func(next *Snapshot) {
		next.UnlockedProxied = next.UnlockedProxied.SubClamped(delta)
	})
}

// votingPowerOf computes the voting-power formula over a snapshot.
func (l *Ledger) votingPowerOf(s Snapshot) (types.Amount, error) {
	dilutedUnlocked, err := s.UnlockedProxied.MulDivFloor(l.DilutionFactorPercent, 100)
	if err != nil {
		return types.Amount{}, err
	}
	return s.SelfStake.MustAdd(s.LockedProxied).MustAdd(dilutedUnlocked), nil
}

// GetCurrentVotingPower reads a rep's voting power for epoch with the
// three-tier rule: prefer the epoch's fallback snapshot, then the promoted
// current slot, then next (when current has not yet been promoted for this
// epoch).
func (l *Ledger) GetCurrentVotingPower(tx *kvstore.Txn, rep crypto.Address, epoch types.Epoch) (types.Amount, error) {
	if fb, ok, err := l.getFallback(tx, rep, epoch); err != nil {
		return types.Amount{}, err
	} else if ok {
		return l.votingPowerOf(fb.Snapshot)
	}

	info, ok, err := l.get(tx, rep)
	if err != nil {
		return types.Amount{}, err
	}
	if !ok {
		return types.ZeroAmount(), nil
	}
	if info.EpochModified >= epoch {
		return l.votingPowerOf(info.Current)
	}
	return l.votingPowerOf(info.Next)
}

// Get returns the raw VotingPowerInfo record for rep, if any.
func (l *Ledger) Get(tx *kvstore.Txn, rep crypto.Address) (Info, bool, error) {
	return l.get(tx, rep)
}

// DeleteIfEmpty removes rep's VotingPowerInfo record when both slots are
// zero. Callers invoke this from the registry's removal path, not
// automatically on every mutation; a record with any residual power
// survives its rep's deregistration.
func (l *Ledger) DeleteIfEmpty(tx *kvstore.Txn, rep crypto.Address) error {
	info, ok, err := l.get(tx, rep)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if info.Current.isZero() && info.Next.isZero() {
		return tx.Del(kvstore.TableVotingPower, rep.Bytes())
	}
	return nil
}
