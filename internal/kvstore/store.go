// Package kvstore is the store adapter: a typed get/put/del/cursor
// interface over an ordered, transactional, duplicate-key-capable
// key/value engine, backed by go.etcd.io/bbolt, which already provides
// the single-writer/multi-reader MVCC model the rest of the core assumes.
package kvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// StoreError wraps any engine-level fault from the underlying bbolt
// database. Key-not-found is never a StoreError, only a
// storage/durability fault is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("kvstore: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Table names. Dup tables (duplicate-key tables) are emulated with
// composite keys; see dupKey below.
const (
	TableAccount              = "account"
	TableRequest              = "request"
	TableRequestBlock         = "request_block"
	TableEpoch                = "epoch"
	TableEpochTip             = "epoch_tip"
	TableMicroBlock           = "micro_block"
	TableMicroBlockTip        = "micro_block_tip"
	TableRequestTip           = "request_tip"
	TableRepresentative       = "representative"
	TableCandidate            = "candidate"
	TableLeadingCandidates    = "leading_candidates"
	TableRemoveCandidates     = "remove_candidates" // dup
	TableRemoveReps           = "remove_reps"       // dup
	TableVotingPower          = "voting_power"
	TableVotingPowerFallback  = "voting_power_fallback"
	TableStaking              = "staking"
	TableThawing              = "thawing" // dup
	TableMasterLiabilities    = "master_liabilities"
	TableRepLiabilities       = "rep_liabilities"       // dup, keyed by target: delegate accounting
	TableSecondaryLiabilities = "secondary_liabilities" // dup, keyed by source: uniqueness + pruning
	TableEpochRewards         = "epoch_rewards"
	TableGlobalEpochRewards   = "global_epoch_rewards"
	TableMeta                 = "meta"
)

// allTables lists every bucket created at open time.
var allTables = []string{
	TableAccount, TableRequest, TableRequestBlock, TableEpoch, TableEpochTip,
	TableMicroBlock, TableMicroBlockTip, TableRequestTip, TableRepresentative,
	TableCandidate, TableLeadingCandidates, TableRemoveCandidates,
	TableRemoveReps, TableVotingPower, TableVotingPowerFallback, TableStaking,
	TableThawing, TableMasterLiabilities, TableRepLiabilities,
	TableSecondaryLiabilities, TableEpochRewards,
	TableGlobalEpochRewards, TableMeta,
}

// ErrNotFound is never returned by Get; missing keys are reported as a
// false "ok" boolean. It exists only for callers that need a sentinel for
// higher-level "record must exist" checks.
var ErrNotFound = errors.New("kvstore: not found")

// SchemaVersion is the store layout this build reads and writes. The meta
// table records the version the store was created with; Open refuses a
// store written at a higher version.
const SchemaVersion uint32 = 1

var schemaVersionKey = []byte("schema_version")

// ErrSchemaTooNew reports a store written by a newer build than this one.
var ErrSchemaTooNew = errors.New("kvstore: store schema version is newer than this build supports")

// Store wraps a bbolt database and exposes the typed store surface.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt-backed store at path, creating every table
// bucket declared above if missing.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, wrapErr("open", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, table := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(TableMeta))
		if stored := meta.Get(schemaVersionKey); stored != nil {
			if len(stored) != 4 || binary.BigEndian.Uint32(stored) > SchemaVersion {
				return ErrSchemaTooNew
			}
			return nil
		}
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], SchemaVersion)
		return meta.Put(schemaVersionKey, v[:])
	}); err != nil {
		_ = db.Close()
		if errors.Is(err, ErrSchemaTooNew) {
			return nil, err
		}
		return nil, wrapErr("init-buckets", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return wrapErr("close", s.db.Close())
}

// Txn is a transaction handle, read-only or read-write, over every table.
type Txn struct {
	tx *bolt.Tx
}

// View runs fn inside a read-only, snapshot-consistent transaction. Any
// number of View transactions may run concurrently with each other and
// with an in-flight Update.
func (s *Store) View(fn func(*Txn) error) error {
	return wrapErr("view", s.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	}))
}

// Update runs fn inside the single write transaction; bbolt serializes
// concurrent Update calls, so writers never interleave.
func (s *Store) Update(fn func(*Txn) error) error {
	return wrapErr("update", s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	}))
}

func (t *Txn) bucket(table string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return b, nil
}

// Get fetches the raw value for key in table. ok is false when the key is
// absent; err is non-nil only for genuine engine faults.
func (t *Txn) Get(table string, key []byte) (value []byte, ok bool, err error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, false, wrapErr("get", err)
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put writes value at key in table.
func (t *Txn) Put(table string, key, value []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return wrapErr("put", err)
	}
	return wrapErr("put", b.Put(key, value))
}

// Del removes key from table. Deleting an absent key is a no-op.
func (t *Txn) Del(table string, key []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return wrapErr("del", err)
	}
	return wrapErr("del", b.Delete(key))
}

// dup tables: emulated LMDB-style MDB_DUPSORT semantics.
//
// Every "dup" table stores entries under a composite key
// ownerKey || 0x00 || sortSuffix, so that a bolt cursor seeking to
// ownerKey||0x00 and walking forward visits every duplicate for that owner
// in sortSuffix order, stopping the instant the owner prefix no longer
// matches. This is the standard way to emulate MDB_DUPSORT over a plain
// ordered byte-string keyspace.
const dupSeparator = 0x00

func dupKey(owner, sortSuffix []byte) []byte {
	key := make([]byte, 0, len(owner)+1+len(sortSuffix))
	key = append(key, owner...)
	key = append(key, dupSeparator)
	key = append(key, sortSuffix...)
	return key
}

func dupPrefix(owner []byte) []byte {
	key := make([]byte, 0, len(owner)+1)
	key = append(key, owner...)
	key = append(key, dupSeparator)
	return key
}

// PutDup inserts (or overwrites) a duplicate-key entry for owner, ordered
// by sortSuffix. Ascending byte order on sortSuffix is bolt's natural
// cursor order; callers that need descending iteration (e.g. thawing funds
// by expiration_epoch) pass the bitwise complement of their sort field.
func (t *Txn) PutDup(table string, owner, sortSuffix, value []byte) error {
	return t.Put(table, dupKey(owner, sortSuffix), value)
}

// DelDup removes exactly the one duplicate entry identified by
// (owner, sortSuffix).
func (t *Txn) DelDup(table string, owner, sortSuffix []byte) error {
	return t.Del(table, dupKey(owner, sortSuffix))
}

// DupEntry is one (sortSuffix, value) pair returned while iterating a
// dup table's entries for a given owner.
type DupEntry struct {
	SortSuffix []byte
	Value      []byte
}

// ForEachDup walks every duplicate entry for owner in dup-table table, in
// ascending sortSuffix order, until fn returns false or the entries are
// exhausted. This is the cursor next_dup primitive.
func (t *Txn) ForEachDup(table string, owner []byte, fn func(entry DupEntry) (keepGoing bool, err error)) error {
	b, err := t.bucket(table)
	if err != nil {
		return wrapErr("foreachdup", err)
	}
	prefix := dupPrefix(owner)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		suffix := append([]byte(nil), k[len(prefix):]...)
		keepGoing, err := fn(DupEntry{SortSuffix: suffix, Value: append([]byte(nil), v...)})
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}

// ForEach walks every key/value pair in table in ascending key order.
func (t *Txn) ForEach(table string, fn func(key, value []byte) (keepGoing bool, err error)) error {
	b, err := t.bucket(table)
	if err != nil {
		return wrapErr("foreach", err)
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		keepGoing, err := fn(append([]byte(nil), k...), append([]byte(nil), v...))
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}
