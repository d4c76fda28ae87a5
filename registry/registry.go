// Package registry implements the candidate / representative registry:
// the mutable candidate and representative sets, their deferred "remove"
// tables, and the leading-candidates top-k window the election manager
// reads.
package registry

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/types"
)

// CandidateInfo is the persisted per-candidate record.
type CandidateInfo struct {
	CurStake              types.Amount
	NextStake             types.Amount
	VotesReceivedWeighted types.Amount
	BLSKey                []byte
	ECIESKey              []byte
	EpochModified         types.Epoch
}

// RepInfo is the persisted per-representative record: the subchain tips
// that let the validator enforce "at most one of X per epoch." Each tip is
// paired with the epoch it was last set in, since a hash alone tells a
// validator "this is not a replay" but not "this already happened this
// epoch." The two together make the per-type subchains checkable.
type RepInfo struct {
	RepActionTip           types.Hash
	RepActionEpoch         types.Epoch
	CandidacyActionTip     types.Hash
	CandidacyActionEpoch   types.Epoch
	ElectionVoteTip        types.Hash
	ElectionVoteEpoch      types.Epoch
	GovernanceSubchainHead types.Hash
}

// Registry provides the registry's operations. LeadingCapacity is the
// leading-candidates window size (NUM_DELEGATES / TERM_LENGTH).
type Registry struct {
	LeadingCapacity int
}

// New constructs a Registry with the given leading-candidates capacity.
func New(leadingCapacity int) *Registry {
	return &Registry{LeadingCapacity: leadingCapacity}
}

var removeSentinel = []byte("remove")

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

// --- Candidate table ---

// GetCandidate fetches addr's CandidateInfo, if present.
func (r *Registry) GetCandidate(tx *kvstore.Txn, addr crypto.Address) (CandidateInfo, bool, error) {
	var info CandidateInfo
	ok, err := tx.GetRLP(kvstore.TableCandidate, addr.Bytes(), &info)
	if err != nil || !ok {
		return CandidateInfo{}, ok, err
	}
	return info, true, nil
}

// PutCandidate stores addr's updated CandidateInfo and maintains the
// leading-candidates window. The three admission branches (already
// leading / under capacity / evict-the-minimum) collapse into a single
// recompute over {current leading set} ∪ {addr} — safe because, by the
// window's invariant, every candidate outside the leading set already
// ranks at or below its minimum member.
func (r *Registry) PutCandidate(tx *kvstore.Txn, addr crypto.Address, info CandidateInfo) error {
	if err := tx.PutRLP(kvstore.TableCandidate, addr.Bytes(), info); err != nil {
		return err
	}
	return r.admitToLeadingSet(tx, addr, info)
}

// CandidateAddVote accumulates an election vote's weight onto a candidate:
// on observed-epoch strictly greater than stored epoch_modified, the
// accumulator resets to zero before adding; on
// observed-epoch strictly less, the vote is rejected (rejected=true, no
// error); otherwise the weight simply accumulates.
func (r *Registry) CandidateAddVote(tx *kvstore.Txn, addr crypto.Address, weight types.Amount, epoch types.Epoch) (rejected bool, err error) {
	info, _, err := r.GetCandidate(tx, addr)
	if err != nil {
		return false, err
	}
	switch {
	case epoch > info.EpochModified:
		info.VotesReceivedWeighted = weight
		info.EpochModified = epoch
	case epoch < info.EpochModified:
		return true, nil
	default:
		sum, err := info.VotesReceivedWeighted.Add(weight)
		if err != nil {
			return false, err
		}
		info.VotesReceivedWeighted = sum
	}
	return false, r.PutCandidate(tx, addr, info)
}

// ForEachCandidate walks every candidate row.
func (r *Registry) ForEachCandidate(tx *kvstore.Txn, fn func(crypto.Address, CandidateInfo) (bool, error)) error {
	return tx.ForEach(kvstore.TableCandidate, func(key, value []byte) (bool, error) {
		addr := crypto.MustNewAddress(crypto.AccountPrefix, key)
		var info CandidateInfo
		if err := rlp.DecodeBytes(value, &info); err != nil {
			return false, err
		}
		return fn(addr, info)
	})
}

// TopCandidates implements get_election_winners(k): scans every candidate
// row and returns the top k by the ranking comparator.
func (r *Registry) TopCandidates(tx *kvstore.Txn, k int) ([]crypto.Address, error) {
	var addrs []crypto.Address
	if err := r.ForEachCandidate(tx, func(a crypto.Address, _ CandidateInfo) (bool, error) {
		addrs = append(addrs, a)
		return true, nil
	}); err != nil {
		return nil, err
	}
	ranked, err := r.RankCandidates(tx, addrs)
	if err != nil {
		return nil, err
	}
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// DeleteCandidate removes addr's CandidateInfo and, if present, its slot in
// the leading-candidates window.
func (r *Registry) DeleteCandidate(tx *kvstore.Txn, addr crypto.Address) error {
	if err := tx.Del(kvstore.TableCandidate, addr.Bytes()); err != nil {
		return err
	}
	leading, err := r.GetLeadingCandidates(tx)
	if err != nil {
		return err
	}
	filtered := leading[:0]
	for _, a := range leading {
		if !addrEqual(a, addr) {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == len(leading) {
		return nil
	}
	return r.putLeadingSet(tx, filtered)
}

// MarkRemoveCandidate defers addr's removal to the next epoch transition
// pass, so a reader can walk the candidate table and decide while
// iterating without mutating it mid-cursor.
func (r *Registry) MarkRemoveCandidate(tx *kvstore.Txn, addr crypto.Address) error {
	return tx.PutDup(kvstore.TableRemoveCandidates, removeSentinel, addr.Bytes(), addr.Bytes())
}

// DrainRemoveCandidates walks every deferred candidate removal, invoking fn
// for each, then clears the table.
func (r *Registry) DrainRemoveCandidates(tx *kvstore.Txn, fn func(crypto.Address) error) error {
	var addrs []crypto.Address
	if err := tx.ForEachDup(kvstore.TableRemoveCandidates, removeSentinel, func(entry kvstore.DupEntry) (bool, error) {
		addrs = append(addrs, crypto.MustNewAddress(crypto.AccountPrefix, entry.Value))
		return true, nil
	}); err != nil {
		return err
	}
	for _, a := range addrs {
		if err := fn(a); err != nil {
			return err
		}
		if err := tx.DelDup(kvstore.TableRemoveCandidates, removeSentinel, a.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// --- Representative table ---

// GetRep fetches addr's RepInfo, if present.
func (r *Registry) GetRep(tx *kvstore.Txn, addr crypto.Address) (RepInfo, bool, error) {
	var info RepInfo
	ok, err := tx.GetRLP(kvstore.TableRepresentative, addr.Bytes(), &info)
	if err != nil || !ok {
		return RepInfo{}, ok, err
	}
	return info, true, nil
}

// PutRep stores addr's updated RepInfo.
func (r *Registry) PutRep(tx *kvstore.Txn, addr crypto.Address, info RepInfo) error {
	return tx.PutRLP(kvstore.TableRepresentative, addr.Bytes(), info)
}

// DeleteRep removes addr's RepInfo.
func (r *Registry) DeleteRep(tx *kvstore.Txn, addr crypto.Address) error {
	return tx.Del(kvstore.TableRepresentative, addr.Bytes())
}

// MarkRemoveRep defers addr's removal to the next epoch transition pass.
func (r *Registry) MarkRemoveRep(tx *kvstore.Txn, addr crypto.Address) error {
	return tx.PutDup(kvstore.TableRemoveReps, removeSentinel, addr.Bytes(), addr.Bytes())
}

// DrainRemoveReps walks every deferred rep removal, invoking fn for each,
// then clears the table.
func (r *Registry) DrainRemoveReps(tx *kvstore.Txn, fn func(crypto.Address) error) error {
	var addrs []crypto.Address
	if err := tx.ForEachDup(kvstore.TableRemoveReps, removeSentinel, func(entry kvstore.DupEntry) (bool, error) {
		addrs = append(addrs, crypto.MustNewAddress(crypto.AccountPrefix, entry.Value))
		return true, nil
	}); err != nil {
		return err
	}
	for _, a := range addrs {
		if err := fn(a); err != nil {
			return err
		}
		if err := tx.DelDup(kvstore.TableRemoveReps, removeSentinel, a.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// --- Leading-candidates window ---

var leadingSetKey = []byte("set")

type leadingSetRecord struct {
	Addresses [][32]byte
}

// GetLeadingCandidates returns the current leading-candidates window, in no
// particular stored order (callers needing rank order call RankCandidates).
func (r *Registry) GetLeadingCandidates(tx *kvstore.Txn) ([]crypto.Address, error) {
	var rec leadingSetRecord
	ok, err := tx.GetRLP(kvstore.TableLeadingCandidates, leadingSetKey, &rec)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]crypto.Address, len(rec.Addresses))
	for i, b := range rec.Addresses {
		out[i] = crypto.MustNewAddress(crypto.AccountPrefix, b[:])
	}
	return out, nil
}

func (r *Registry) putLeadingSet(tx *kvstore.Txn, addrs []crypto.Address) error {
	rec := leadingSetRecord{Addresses: make([][32]byte, len(addrs))}
	for i, a := range addrs {
		copy(rec.Addresses[i][:], a.Bytes())
	}
	return tx.PutRLP(kvstore.TableLeadingCandidates, leadingSetKey, rec)
}

// compareCandidates is the ranking comparator: greater
// votes_received_weighted; tiebreak greater cur_stake; tiebreak greater
// account address. Returns >0 when a ranks above b.
func compareCandidates(aAddr crypto.Address, a CandidateInfo, bAddr crypto.Address, b CandidateInfo) int {
	if c := a.VotesReceivedWeighted.Cmp(b.VotesReceivedWeighted); c != 0 {
		return c
	}
	if c := a.CurStake.Cmp(b.CurStake); c != 0 {
		return c
	}
	ab, bb := aAddr.Bytes(), bAddr.Bytes()
	for i := range ab {
		if ab[i] != bb[i] {
			if ab[i] > bb[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// RankCandidates sorts addrs by the ranking comparator, highest first.
func (r *Registry) RankCandidates(tx *kvstore.Txn, addrs []crypto.Address) ([]crypto.Address, error) {
	type entry struct {
		addr crypto.Address
		info CandidateInfo
	}
	entries := make([]entry, 0, len(addrs))
	for _, a := range addrs {
		info, ok, err := r.GetCandidate(tx, a)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, entry{addr: a, info: info})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return compareCandidates(entries[i].addr, entries[i].info, entries[j].addr, entries[j].info) > 0
	})
	out := make([]crypto.Address, len(entries))
	for i, e := range entries {
		out[i] = e.addr
	}
	return out, nil
}

func (r *Registry) admitToLeadingSet(tx *kvstore.Txn, addr crypto.Address, info CandidateInfo) error {
	leading, err := r.GetLeadingCandidates(tx)
	if err != nil {
		return err
	}

	alreadyIn := false
	for _, a := range leading {
		if addrEqual(a, addr) {
			alreadyIn = true
			break
		}
	}

	var pool []crypto.Address
	switch {
	case alreadyIn:
		pool = leading
	case len(leading) < r.LeadingCapacity:
		pool = append(append([]crypto.Address{}, leading...), addr)
	default:
		ranked, err := r.RankCandidates(tx, leading)
		if err != nil {
			return err
		}
		minAddr := ranked[len(ranked)-1]
		minInfo, _, err := r.GetCandidate(tx, minAddr)
		if err != nil {
			return err
		}
		if compareCandidates(addr, info, minAddr, minInfo) <= 0 {
			return nil // candidate does not displace the current minimum
		}
		pool = append([]crypto.Address{}, leading...)
		filtered := pool[:0]
		for _, a := range pool {
			if !addrEqual(a, minAddr) {
				filtered = append(filtered, a)
			}
		}
		pool = append(filtered, addr)
	}

	ranked, err := r.RankCandidates(tx, pool)
	if err != nil {
		return err
	}
	if len(ranked) > r.LeadingCapacity {
		ranked = ranked[:r.LeadingCapacity]
	}
	return r.putLeadingSet(tx, ranked)
}
