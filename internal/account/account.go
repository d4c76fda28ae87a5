// Package account provides the account table reader/writer, shared by the
// governance validator and the core wiring that read or mutate Account
// state.
package account

import (
	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/types"
)

// Get fetches owner's Account record. A missing record is reported as a
// zero-value Account with ok=false, matching the "account not yet
// provisioned" case for a brand-new address.
func Get(tx *kvstore.Txn, owner crypto.Address) (types.Account, bool, error) {
	var acct types.Account
	ok, err := tx.GetRLP(kvstore.TableAccount, owner.Bytes(), &acct)
	if err != nil || !ok {
		return types.Account{}, ok, err
	}
	return acct, true, nil
}

// Put persists owner's Account record.
func Put(tx *kvstore.Txn, owner crypto.Address, acct types.Account) error {
	return tx.PutRLP(kvstore.TableAccount, owner.Bytes(), acct)
}
