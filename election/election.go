// Package election implements the election manager: winner selection,
// next-epoch delegate-set computation (retiring-delegate identification,
// term extension, the delegate merge), vote-weight redistribution, and
// the ElectionVote weight formula.
package election

import (
	"sort"

	"govcore/crypto"
	"govcore/internal/kvstore"
	"govcore/registry"
	"govcore/types"
)

// DefaultNumDelegates, DefaultRetiringCount and DefaultTermLengthEpochs are
// the chain's standard parameters: 32 delegates served in 4 staggered
// cohorts of 8, so 8 retire at every epoch boundary and each delegate serves
// 4 epochs. DefaultRetiringCount also doubles as the vote-cap divisor
// (total_vote / 8).
const (
	DefaultNumDelegates     = 32
	DefaultRetiringCount    = 8
	DefaultTermLengthEpochs = types.Epoch(4)
	TotalVoteUnits          = 8
)

// Delegate is one member of the delegate set.
type Delegate struct {
	Account        crypto.Address
	Vote           types.Amount
	Stake          types.Amount
	StartingTerm   bool
	TermStartEpoch types.Epoch
}

// Manager provides the election operations. RetiringCount must
// equal NumDelegates/TermLengthEpochs; it is carried explicitly (rather than
// computed from a hardwired 32) so callers can exercise smaller delegate
// sets in tests. The vote-redistribution cap divisor (total_vote/divisor)
// is RetiringCount in every observed scenario.
type Manager struct {
	Registry         *registry.Registry
	NumDelegates     int
	RetiringCount    int
	TermLengthEpochs types.Epoch
}

// New constructs a Manager.
func New(reg *registry.Registry, numDelegates, retiringCount int, termLengthEpochs types.Epoch) *Manager {
	return &Manager{
		Registry:         reg,
		NumDelegates:     numDelegates,
		RetiringCount:    retiringCount,
		TermLengthEpochs: termLengthEpochs,
	}
}

// GetElectionWinners implements get_election_winners(k): the top k
// candidates by the registry's ranking comparator.
func (m *Manager) GetElectionWinners(tx *kvstore.Txn, k int) ([]crypto.Address, error) {
	return m.Registry.TopCandidates(tx, k)
}

// VoteWeight implements the ElectionVote weight formula:
// voter_voting_power * sub_vote / TOTAL_VOTE_UNITS.
func VoteWeight(voterVotingPower types.Amount, subVoteUnits uint64) (types.Amount, error) {
	return voterVotingPower.MulDivFloor(subVoteUnits, TotalVoteUnits)
}

// RedistributeVotes caps delegate vote weights:
// voteCap = total_vote/capDivisor, computed
// once from the pre-redistribution sum and held fixed across iterations.
// While any delegate's vote exceeds the voteCap, every delegate currently over
// it is clamped simultaneously and the combined overflow is spread
// proportionally (weighted by each recipient's current vote) among the
// delegates still under the voteCap, repeating until nobody exceeds the voteCap.
// Input is not mutated; a new slice is returned.
func RedistributeVotes(delegates []Delegate, capDivisor uint64) []Delegate {
	out := make([]Delegate, len(delegates))
	copy(out, delegates)
	if len(out) == 0 || capDivisor == 0 {
		return out
	}

	total := types.ZeroAmount()
	for _, d := range out {
		total = total.MustAdd(d.Vote)
	}
	voteCap, err := total.MulDivFloor(1, capDivisor)
	if err != nil {
		return out
	}

	for iter := 0; iter < len(out); iter++ {
		overflow := types.ZeroAmount()
		var belowIdx []int
		anyClamped := false
		for i := range out {
			if out[i].Vote.GreaterThan(voteCap) {
				overflow = overflow.MustAdd(out[i].Vote.SubClamped(voteCap))
				out[i].Vote = voteCap
				anyClamped = true
			} else {
				belowIdx = append(belowIdx, i)
			}
		}
		if !anyClamped || overflow.IsZero() || len(belowIdx) == 0 {
			break
		}
		sumBelow := types.ZeroAmount()
		for _, i := range belowIdx {
			sumBelow = sumBelow.MustAdd(out[i].Vote)
		}
		if sumBelow.IsZero() {
			break
		}
		overflowUnits := overflow.Uint64()
		for _, i := range belowIdx {
			portion, portionErr := out[i].Vote.MulDivFloor(overflowUnits, sumBelow.Uint64())
			if portionErr != nil {
				continue
			}
			out[i].Vote = out[i].Vote.MustAdd(portion)
		}
	}
	return out
}

// GetNextEpochDelegates implements get_next_epoch_delegates: identifies the
// retiring cohort, extends the term if fewer than RetiringCount winners are
// available, otherwise merges the non-retiring delegates with the winners
// (StartingTerm=true on the new entries) and redistributes votes.
func (m *Manager) GetNextEpochDelegates(tx *kvstore.Txn, current []Delegate, nextEpoch types.Epoch) (next []Delegate, isExtension bool, err error) {
	retiring := make(map[[32]byte]bool)
	for _, d := range current {
		if nextEpoch-d.TermStartEpoch >= m.TermLengthEpochs {
			retiring[addrKey(d.Account)] = true
		}
	}

	winners, err := m.Registry.TopCandidates(tx, m.RetiringCount)
	if err != nil {
		return nil, false, err
	}
	if len(winners) < m.RetiringCount {
		next = make([]Delegate, len(current))
		copy(next, current)
		for i := range next {
			next[i].StartingTerm = false
		}
		return next, true, nil
	}

	var nonRetiring []Delegate
	for _, d := range current {
		if !retiring[addrKey(d.Account)] {
			d.StartingTerm = false
			nonRetiring = append(nonRetiring, d)
		}
	}

	next = make([]Delegate, 0, len(nonRetiring)+len(winners))
	next = append(next, nonRetiring...)
	for _, w := range winners {
		info, _, infoErr := m.Registry.GetCandidate(tx, w)
		if infoErr != nil {
			return nil, false, infoErr
		}
		next = append(next, Delegate{
			Account:        w,
			Vote:           info.VotesReceivedWeighted,
			Stake:          info.CurStake,
			StartingTerm:   true,
			TermStartEpoch: nextEpoch,
		})
	}

	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Vote.GreaterThan(next[j].Vote)
	})

	return RedistributeVotes(next, uint64(m.RetiringCount)), false, nil
}

func addrKey(a crypto.Address) [32]byte {
	var k [32]byte
	copy(k[:], a.Bytes())
	return k
}
