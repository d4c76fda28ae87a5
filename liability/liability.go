// Package liability implements the liability ledger: primary
// (unexpiring/expiring) and secondary obligations that staked and thawing
// funds owe to their targets.
package liability

import (
	"encoding/binary"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/types"
)

// Kind distinguishes the three liability forms.
type Kind uint8

const (
	KindUnexpiringPrimary Kind = iota
	KindExpiringPrimary
	KindSecondary
)

// Liability is the stored record for master_liabilities, keyed by Hash().
type Liability struct {
	Source          crypto.Address
	Target          crypto.Address
	Amount          types.Amount
	ExpirationEpoch types.Epoch
	Kind            Kind
}

// Hash computes the liability's content-addressed key, H(source,target,expiration_epoch).
func Hash(source, target crypto.Address, expirationEpoch types.Epoch) types.Hash {
	var epochBytes [4]byte
	binary.BigEndian.PutUint32(epochBytes[:], uint32(expirationEpoch))
	return types.Keccak256(source.Bytes(), target.Bytes(), epochBytes[:])
}

// Ledger provides the liability operations. It is stateless; every
// method threads a *kvstore.Txn explicitly.
type Ledger struct{}

// New constructs a Ledger.
func New() *Ledger { return &Ledger{} }

func (l *Ledger) get(tx *kvstore.Txn, hash types.Hash) (Liability, bool, error) {
	var rec Liability
	ok, err := tx.GetRLP(kvstore.TableMasterLiabilities, hash[:], &rec)
	if err != nil || !ok {
		return Liability{}, ok, err
	}
	return rec, true, nil
}

func (l *Ledger) put(tx *kvstore.Txn, hash types.Hash, rec Liability) error {
	return tx.PutRLP(kvstore.TableMasterLiabilities, hash[:], rec)
}

// CreateUnexpiring creates the unexpiring primary liability backing a
// StakedFunds record and returns its hash.
func (l *Ledger) CreateUnexpiring(tx *kvstore.Txn, target, source crypto.Address, amount types.Amount) (types.Hash, error) {
	return l.createPrimary(tx, target, source, amount, 0, KindUnexpiringPrimary)
}

// CreateExpiring creates the expiring primary liability backing a
// ThawingFunds record and returns its hash.
func (l *Ledger) CreateExpiring(tx *kvstore.Txn, target, source crypto.Address, amount types.Amount, expirationEpoch types.Epoch) (types.Hash, error) {
	return l.createPrimary(tx, target, source, amount, expirationEpoch, KindExpiringPrimary)
}

func (l *Ledger) createPrimary(tx *kvstore.Txn, target, source crypto.Address, amount types.Amount, expirationEpoch types.Epoch, kind Kind) (types.Hash, error) {
	hash := Hash(source, target, expirationEpoch)
	rec := Liability{Source: source, Target: target, Amount: amount, ExpirationEpoch: expirationEpoch, Kind: kind}
	if err := l.put(tx, hash, rec); err != nil {
		return types.Hash{}, err
	}
	return hash, nil
}

// HasConflictingSecondary reports whether source already holds a secondary
// liability whose target differs from candidateTarget. Used both by
// CreateSecondary and by the staking engine's can_satisfy validation.
func (l *Ledger) HasConflictingSecondary(tx *kvstore.Txn, source, candidateTarget crypto.Address) (bool, error) {
	conflict := false
	err := tx.ForEachDup(kvstore.TableSecondaryLiabilities, source.Bytes(), func(entry kvstore.DupEntry) (bool, error) {
		var hash types.Hash
		copy(hash[:], entry.Value)
		rec, ok, err := l.get(tx, hash)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if !rec.Target.IsZero() && !addrEqual(rec.Target, candidateTarget) {
			conflict = true
			return false, nil
		}
		return true, nil
	})
	return conflict, err
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

// CreateSecondary creates a secondary liability obligating source to target
// until expirationEpoch. It refuses (returns ok=false, no error) when the
// source already holds a secondary liability with a different target — the
// caller (the staking engine) must treat false as "request cannot be
// satisfied"; the staking algorithm has a defined fallback (thaw instead)
// rather than a hard failure.
func (l *Ledger) CreateSecondary(tx *kvstore.Txn, target, source crypto.Address, amount types.Amount, expirationEpoch types.Epoch) (types.Hash, bool, error) {
	conflict, err := l.HasConflictingSecondary(tx, source, target)
	if err != nil {
		return types.Hash{}, false, err
	}
	if conflict {
		return types.Hash{}, false, nil
	}
	hash := Hash(source, target, expirationEpoch)
	if existing, ok, err := l.get(tx, hash); err != nil {
		return types.Hash{}, false, err
	} else if ok {
		// Same (source, target, expiration): the obligation already exists
		// and is already indexed, so the amounts consolidate.
		sum, err := existing.Amount.Add(amount)
		if err != nil {
			return types.Hash{}, false, err
		}
		existing.Amount = sum
		if err := l.put(tx, hash, existing); err != nil {
			return types.Hash{}, false, err
		}
		return hash, true, nil
	}
	rec := Liability{Source: source, Target: target, Amount: amount, ExpirationEpoch: expirationEpoch, Kind: KindSecondary}
	if err := l.put(tx, hash, rec); err != nil {
		return types.Hash{}, false, err
	}
	// Indexed by target (delegate accounting) and by source (uniqueness +
	// pruning).
	sortSuffix := hash[:]
	if err := tx.PutDup(kvstore.TableRepLiabilities, target.Bytes(), sortSuffix, hash[:]); err != nil {
		return types.Hash{}, false, err
	}
	if err := tx.PutDup(kvstore.TableSecondaryLiabilities, source.Bytes(), sortSuffix, hash[:]); err != nil {
		return types.Hash{}, false, err
	}
	return hash, true, nil
}

// UpdateAmount overwrites the amount recorded for an existing liability,
// keeping its hash stable — the hash is derived only from (source, target,
// expiration), so topping up an existing primary liability never changes
// its key.
func (l *Ledger) UpdateAmount(tx *kvstore.Txn, hash types.Hash, newAmount types.Amount) error {
	rec, ok, err := l.get(tx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec.Amount = newAmount
	return l.put(tx, hash, rec)
}

// Consolidate adds delta to the liability's recorded amount.
func (l *Ledger) Consolidate(tx *kvstore.Txn, hash types.Hash, delta types.Amount) error {
	rec, ok, err := l.get(tx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	sum, err := rec.Amount.Add(delta)
	if err != nil {
		return err
	}
	return l.UpdateAmount(tx, hash, sum)
}

// Get returns the liability for hash, if present.
func (l *Ledger) Get(tx *kvstore.Txn, hash types.Hash) (Liability, bool, error) {
	return l.get(tx, hash)
}

// Delete removes a liability and its secondary indices.
func (l *Ledger) Delete(tx *kvstore.Txn, hash types.Hash) error {
	rec, ok, err := l.get(tx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.Kind == KindSecondary {
		if err := tx.DelDup(kvstore.TableRepLiabilities, rec.Target.Bytes(), hash[:]); err != nil {
			return err
		}
		if err := tx.DelDup(kvstore.TableSecondaryLiabilities, rec.Source.Bytes(), hash[:]); err != nil {
			return err
		}
	}
	return tx.Del(kvstore.TableMasterLiabilities, hash[:])
}

// PruneSecondary removes every secondary liability owed by source whose
// expiration_epoch has passed as of currentEpoch. Nothing beyond the
// liability records themselves needs adjusting: a secondary liability never
// itself holds funds, it only restricts which targets the owner's staked or
// thawing funds may bind to, so pruning it is a pure deletion.
func (l *Ledger) PruneSecondary(tx *kvstore.Txn, source crypto.Address, currentEpoch types.Epoch) error {
	var expired []types.Hash
	err := tx.ForEachDup(kvstore.TableSecondaryLiabilities, source.Bytes(), func(entry kvstore.DupEntry) (bool, error) {
		var hash types.Hash
		copy(hash[:], entry.Value)
		rec, ok, err := l.get(tx, hash)
		if err != nil {
			return false, err
		}
		if ok && rec.ExpirationEpoch != 0 && types.Epoch(rec.ExpirationEpoch) <= currentEpoch {
			expired = append(expired, hash)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, hash := range expired {
		if err := l.Delete(tx, hash); err != nil {
			return err
		}
	}
	return nil
}
