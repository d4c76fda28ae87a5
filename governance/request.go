// Package governance implements the governance request validator and
// applier: the per-request-type preconditions and effects, dispatched
// over a tagged-variant Request with an exhaustive handler per variant.
package governance

import (
	"github.com/ethereum/go-ethereum/rlp"

	"govcore/crypto"
	"govcore/types"
)

// RequestType tags which of the eight governance request kinds a Request
// carries. The zero value is intentionally not a valid type, so a
// zero-valued Request is never silently treated as StartRepresenting.
type RequestType uint8

const (
	RequestTypeInvalid RequestType = iota
	RequestTypeStartRepresenting
	RequestTypeStopRepresenting
	RequestTypeAnnounceCandidacy
	RequestTypeRenounceCandidacy
	RequestTypeElectionVote
	RequestTypeProxy
	RequestTypeStake
	RequestTypeUnstake
)

// VoteAllocation is one candidate's sub-vote allocation within an
// ElectionVote request; the sum of SubVoteUnits across a single request
// is capped at election.TotalVoteUnits.
type VoteAllocation struct {
	Candidate    crypto.Address
	SubVoteUnits uint64
}

// Request is the governance request wire format: the common envelope
// every request carries, plus the fields relevant to whichever
// RequestType it is. Unused fields for a given type are simply left zero;
// the validator and applier only read the fields their own type defines.
type Request struct {
	Type                   RequestType
	Origin                 crypto.Address
	Previous               types.Hash
	Sequence               uint64
	Fee                    types.Amount
	EpochNum               types.Epoch
	GovernanceSubchainPrev types.Hash
	Signature              []byte

	// StartRepresenting / Stake / Proxy(lock_proxy)
	Stake types.Amount
	// Proxy(rep)
	Target crypto.Address
	// AnnounceCandidacy
	BLSKey   []byte
	ECIESKey []byte
	// ElectionVote
	Votes []VoteAllocation
}

// signingBody is the RLP shape hashed to produce a request's content
// address: every field except Signature.
type signingBody struct {
	Type                   RequestType
	Origin                 crypto.Address
	Previous               types.Hash
	Sequence               uint64
	Fee                    types.Amount
	EpochNum               types.Epoch
	GovernanceSubchainPrev types.Hash
	Stake                  types.Amount
	Target                 crypto.Address
	BLSKey                 []byte
	ECIESKey               []byte
	Votes                  []VoteAllocation
}

// Hash computes the request's content-addressed digest, used both as the
// anti-replay "previous" reference for the account's next request and as
// the value chained into the per-type RepInfo subchain tips.
func (r Request) Hash() types.Hash {
	body := signingBody{
		Type: r.Type, Origin: r.Origin, Previous: r.Previous, Sequence: r.Sequence,
		Fee: r.Fee, EpochNum: r.EpochNum, GovernanceSubchainPrev: r.GovernanceSubchainPrev,
		Stake: r.Stake, Target: r.Target, BLSKey: r.BLSKey, ECIESKey: r.ECIESKey, Votes: r.Votes,
	}
	encoded, err := rlp.EncodeToBytes(body)
	if err != nil {
		panic(err)
	}
	return types.Keccak256(encoded)
}
