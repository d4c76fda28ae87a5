package types

import "govcore/crypto"

// Account holds the core-relevant attributes of a chain account: balances,
// subchain tips, and the target of its stake. Everything else about an
// account (nonces, signing keys, non-governance balances) lives outside
// this core.
type Account struct {
	Balance                Amount
	AvailableBalance       Amount
	BlockCount             uint64
	GovernanceSubchainHead Hash
	EpochThawingUpdated    Epoch
	Rep                    crypto.Address
}

// StakedAmount returns Balance - AvailableBalance - Σthawing, i.e. the
// amount currently backing the account's StakedFunds record. Callers that
// need the literal conservation check compute thawing separately and
// compare against Balance directly; this helper is for callers that
// already know the thawing total.
func (a Account) StakedAmount(thawingTotal Amount) Amount {
	return a.Balance.SubClamped(a.AvailableBalance).SubClamped(thawingTotal)
}
