package kvstore

import "github.com/ethereum/go-ethereum/rlp"

// PutRLP RLP-encodes val and stores it at key in table; every persisted
// struct in the store goes through this encoding.
func (t *Txn) PutRLP(table string, key []byte, val interface{}) error {
	encoded, err := rlp.EncodeToBytes(val)
	if err != nil {
		return err
	}
	return t.Put(table, key, encoded)
}

// GetRLP fetches and RLP-decodes the value at key in table into out. ok is
// false when the key is absent.
func (t *Txn) GetRLP(table string, key []byte, out interface{}) (ok bool, err error) {
	raw, found, err := t.Get(table, key)
	if err != nil || !found {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// PutDupRLP is PutDup with RLP encoding of the value.
func (t *Txn) PutDupRLP(table string, owner, sortSuffix []byte, val interface{}) error {
	encoded, err := rlp.EncodeToBytes(val)
	if err != nil {
		return err
	}
	return t.PutDup(table, owner, sortSuffix, encoded)
}
