package governance

import "errors"

// Error kinds returned by the validator. The first six are recovered locally: the
// request is rejected and its write transaction aborted without any state
// change. InvalidPrevious/InvalidSequence are part of the same taxonomy but
// are produced by the request-ordering collaborator, not by this package;
// they are listed here only so callers can switch over the complete error
// kind set.
var (
	ErrInvalidPrevious        = errors.New("governance: invalid previous reference")
	ErrInvalidSequence        = errors.New("governance: invalid sequence number")
	ErrBadSubchain            = errors.New("governance: request does not continue the account's governance subchain")
	ErrNotRepresentative      = errors.New("governance: account is not a representative")
	ErrNotCandidate           = errors.New("governance: account is not a candidate")
	ErrAlreadyRepresentative  = errors.New("governance: account is already a representative")
	ErrAlreadyCandidate       = errors.New("governance: account is already a candidate")
	ErrAlreadyDelegate        = errors.New("governance: account is currently an elected delegate")
	ErrInsufficientStake      = errors.New("governance: stake below the required minimum")
	ErrInsufficientBalance    = errors.New("governance: insufficient balance to satisfy the request")
	ErrLiabilityConflict      = errors.New("governance: secondary liability would violate the one-target-per-source invariant")
	ErrDeadPeriod             = errors.New("governance: submitted during the unresolved-epoch dead period")
	ErrWrongEpoch             = errors.New("governance: request does not name the current epoch")
	ErrTooManyVoteUnits       = errors.New("governance: election vote allocates more than the total vote units")
	ErrVoteTargetNotCandidate = errors.New("governance: election vote target is not a candidate")
	ErrUnknownRequestType     = errors.New("governance: unknown request type")
)
