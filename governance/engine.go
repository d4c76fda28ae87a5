package governance

import (
	"govcore/crypto"
	"govcore/election"
	"govcore/epoch"
	"govcore/internal/account"
	"govcore/internal/kvstore"
	"govcore/registry"
	"govcore/staking"
	"govcore/types"
	"govcore/votingpower"
)

// Engine validates and applies governance requests: Validate checks a
// request's preconditions against the current state without mutating
// anything; Apply performs the request's effect. The consensus pipeline
// calls Validate then, only on success, Apply — the persistence layer
// never applies a request whose validation failed.
type Engine struct {
	Registry         *registry.Registry
	Staking          *staking.Engine
	VotingPower      *votingpower.Ledger
	MinRepStake      types.Amount
	MinDelegateStake types.Amount
}

// New constructs a Governance Request Validator/Applier.
func New(reg *registry.Registry, stakingEngine *staking.Engine, votingPower *votingpower.Ledger, minRepStake, minDelegateStake types.Amount) *Engine {
	return &Engine{
		Registry:         reg,
		Staking:          stakingEngine,
		VotingPower:      votingPower,
		MinRepStake:      minRepStake,
		MinDelegateStake: minDelegateStake,
	}
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

// Validate runs the per-account subchain check and the per-request-type
// preconditions, without mutating any state. currentEpoch is the epoch the
// pipeline has attached to this request; the dead-period rule is checked
// against the stored epoch tip.
func (e *Engine) Validate(tx *kvstore.Txn, req Request, currentEpoch types.Epoch, acct types.Account) error {
	if tip, ok, err := epoch.GetTip(tx); err != nil {
		return err
	} else if ok && req.EpochNum == tip.Epoch+1 {
		return ErrDeadPeriod
	}
	if req.EpochNum != currentEpoch {
		return ErrWrongEpoch
	}
	if req.GovernanceSubchainPrev != acct.GovernanceSubchainHead {
		return ErrBadSubchain
	}
	// The fee always comes out of available balance alone; staked and
	// thawing funds can cover the staked amount but never the fee.
	if acct.AvailableBalance.LessThan(req.Fee) {
		return ErrInsufficientBalance
	}

	switch req.Type {
	case RequestTypeStartRepresenting:
		return e.validateStartRepresenting(tx, req, acct)
	case RequestTypeStopRepresenting:
		return e.validateStopRepresenting(tx, req)
	case RequestTypeAnnounceCandidacy:
		return e.validateAnnounceCandidacy(tx, req, acct, currentEpoch)
	case RequestTypeRenounceCandidacy:
		return e.validateRenounceCandidacy(tx, req)
	case RequestTypeElectionVote:
		return e.validateElectionVote(tx, req, currentEpoch)
	case RequestTypeProxy:
		return e.validateProxy(tx, req, acct)
	case RequestTypeStake:
		return e.validateStake(tx, req, acct)
	case RequestTypeUnstake:
		return e.validateUnstake(tx, req)
	default:
		return ErrUnknownRequestType
	}
}

// Apply implements the effect side of each request type. Callers must have
// already called Validate successfully in the same transaction; an
// in-apply invariant violation (e.g. a secondary liability conflict that
// Validate did not foresee) is a bug, and is returned as an error for the
// caller to treat as fatal rather than as a rejected request.
func (e *Engine) Apply(tx *kvstore.Txn, req Request, currentEpoch types.Epoch, acct *types.Account) error {
	// Charge the fee before the type-specific effect, so that a proxy
	// target's unlocked-proxied accounting (which mirrors every
	// available-balance change) sees the post-fee balance — and sees it
	// against the account's rep as of the moment the fee was paid, not the
	// rep a Proxy request is about to switch to.
	if !req.Fee.IsZero() {
		acct.Balance = acct.Balance.SubClamped(req.Fee)
		if err := e.Staking.SetAvailableBalance(tx, acct, acct.AvailableBalance.SubClamped(req.Fee), currentEpoch); err != nil {
			return err
		}
	}

	switch req.Type {
	case RequestTypeStartRepresenting:
		if err := e.applyStartRepresenting(tx, req, acct, currentEpoch); err != nil {
			return err
		}
	case RequestTypeStopRepresenting:
		if err := e.applyStopRepresenting(tx, req); err != nil {
			return err
		}
	case RequestTypeAnnounceCandidacy:
		if err := e.applyAnnounceCandidacy(tx, req, acct, currentEpoch); err != nil {
			return err
		}
	case RequestTypeRenounceCandidacy:
		if err := e.applyRenounceCandidacy(tx, req); err != nil {
			return err
		}
	case RequestTypeElectionVote:
		if err := e.applyElectionVote(tx, req, currentEpoch); err != nil {
			return err
		}
	case RequestTypeProxy:
		if err := e.applyProxy(tx, req, acct, currentEpoch); err != nil {
			return err
		}
	case RequestTypeStake:
		if err := e.applyStake(tx, req, acct, currentEpoch); err != nil {
			return err
		}
	case RequestTypeUnstake:
		if err := e.applyUnstake(tx, req, acct, currentEpoch); err != nil {
			return err
		}
	default:
		return ErrUnknownRequestType
	}
	// The request the new subchain head references must itself be stored,
	// so later validators (and the consensus collaborator's chain splicing)
	// can resolve the head back to a concrete request.
	hash := req.Hash()
	if err := tx.PutRLP(kvstore.TableRequest, hash[:], req); err != nil {
		return err
	}
	acct.GovernanceSubchainHead = hash
	acct.BlockCount++
	return account.Put(tx, req.Origin, *acct)
}

// GetRequest resolves a stored governance request by its content hash.
func GetRequest(tx *kvstore.Txn, hash types.Hash) (Request, bool, error) {
	var req Request
	ok, err := tx.GetRLP(kvstore.TableRequest, hash[:], &req)
	if err != nil || !ok {
		return Request{}, ok, err
	}
	return req, true, nil
}

// --- StartRepresenting ---

func (e *Engine) validateStartRepresenting(tx *kvstore.Txn, req Request, acct types.Account) error {
	if _, isRep, err := e.Registry.GetRep(tx, req.Origin); err != nil {
		return err
	} else if isRep {
		return ErrAlreadyRepresentative
	}
	if req.Stake.LessThan(e.MinRepStake) {
		return ErrInsufficientStake
	}
	ok, err := e.Staking.CanSatisfy(tx, req.Origin, acct, req.Stake, req.Origin, req.EpochNum, req.Fee)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}

func (e *Engine) applyStartRepresenting(tx *kvstore.Txn, req Request, acct *types.Account, currentEpoch types.Epoch) error {
	if err := e.Staking.Stake(tx, req.Origin, acct, req.Stake, req.Origin, currentEpoch); err != nil {
		return err
	}
	info := registry.RepInfo{
		RepActionTip:           req.Hash(),
		RepActionEpoch:         currentEpoch,
		GovernanceSubchainHead: req.Hash(),
	}
	return e.Registry.PutRep(tx, req.Origin, info)
}

// --- StopRepresenting ---

func (e *Engine) validateStopRepresenting(tx *kvstore.Txn, req Request) error {
	if _, isRep, err := e.Registry.GetRep(tx, req.Origin); err != nil {
		return err
	} else if !isRep {
		return ErrNotRepresentative
	}
	if _, isCandidate, err := e.Registry.GetCandidate(tx, req.Origin); err != nil {
		return err
	} else if isCandidate {
		return ErrAlreadyCandidate
	}
	return nil
}

func (e *Engine) applyStopRepresenting(tx *kvstore.Txn, req Request) error {
	return e.Registry.MarkRemoveRep(tx, req.Origin)
}

// --- AnnounceCandidacy ---

func (e *Engine) validateAnnounceCandidacy(tx *kvstore.Txn, req Request, acct types.Account, currentEpoch types.Epoch) error {
	if _, isCandidate, err := e.Registry.GetCandidate(tx, req.Origin); err != nil {
		return err
	} else if isCandidate {
		return ErrAlreadyCandidate
	}
	if isDelegate, err := epoch.IsCurrentDelegate(tx, req.Origin); err != nil {
		return err
	} else if isDelegate {
		return ErrAlreadyDelegate
	}
	effectiveStake := req.Stake
	if effectiveStake.IsZero() {
		if sf, ok, err := e.Staking.GetStaked(tx, req.Origin); err != nil {
			return err
		} else if ok && addrEqual(sf.Target, req.Origin) {
			effectiveStake = sf.Amount
		}
	}
	if effectiveStake.LessThan(e.MinDelegateStake) {
		return ErrInsufficientStake
	}
	if !req.Stake.IsZero() {
		ok, err := e.Staking.CanSatisfy(tx, req.Origin, acct, req.Stake, req.Origin, req.EpochNum, req.Fee)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientBalance
		}
	}
	return nil
}

func (e *Engine) applyAnnounceCandidacy(tx *kvstore.Txn, req Request, acct *types.Account, currentEpoch types.Epoch) error {
	if !req.Stake.IsZero() {
		if err := e.Staking.Stake(tx, req.Origin, acct, req.Stake, req.Origin, currentEpoch); err != nil {
			return err
		}
	}
	if _, isRep, err := e.Registry.GetRep(tx, req.Origin); err != nil {
		return err
	} else if !isRep {
		if err := e.Registry.PutRep(tx, req.Origin, registry.RepInfo{
			RepActionTip: req.Hash(), RepActionEpoch: currentEpoch, GovernanceSubchainHead: req.Hash(),
		}); err != nil {
			return err
		}
	}

	sf, _, err := e.Staking.GetStaked(tx, req.Origin)
	if err != nil {
		return err
	}
	curStake := sf.Amount
	if !addrEqual(sf.Target, req.Origin) {
		curStake = types.ZeroAmount()
	}
	info := registry.CandidateInfo{
		CurStake: curStake, NextStake: curStake,
		VotesReceivedWeighted: types.ZeroAmount(),
		BLSKey:                req.BLSKey,
		ECIESKey:              req.ECIESKey,
		EpochModified:         currentEpoch,
	}
	if err := e.Registry.PutCandidate(tx, req.Origin, info); err != nil {
		return err
	}

	repInfo, _, err := e.Registry.GetRep(tx, req.Origin)
	if err != nil {
		return err
	}
	repInfo.CandidacyActionTip = req.Hash()
	repInfo.CandidacyActionEpoch = currentEpoch
	return e.Registry.PutRep(tx, req.Origin, repInfo)
}

// --- RenounceCandidacy ---

func (e *Engine) validateRenounceCandidacy(tx *kvstore.Txn, req Request) error {
	if _, isCandidate, err := e.Registry.GetCandidate(tx, req.Origin); err != nil {
		return err
	} else if !isCandidate {
		return ErrNotCandidate
	}
	return nil
}

func (e *Engine) applyRenounceCandidacy(tx *kvstore.Txn, req Request) error {
	if err := e.Registry.MarkRemoveCandidate(tx, req.Origin); err != nil {
		return err
	}
	repInfo, ok, err := e.Registry.GetRep(tx, req.Origin)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	repInfo.CandidacyActionTip = req.Hash()
	return e.Registry.PutRep(tx, req.Origin, repInfo)
}

// --- ElectionVote ---

func (e *Engine) validateElectionVote(tx *kvstore.Txn, req Request, currentEpoch types.Epoch) error {
	repInfo, isRep, err := e.Registry.GetRep(tx, req.Origin)
	if err != nil {
		return err
	}
	if !isRep {
		return ErrNotRepresentative
	}
	if repInfo.ElectionVoteEpoch == currentEpoch {
		return ErrBadSubchain
	}
	var total uint64
	for _, v := range req.Votes {
		total += v.SubVoteUnits
		if _, isCandidate, err := e.Registry.GetCandidate(tx, v.Candidate); err != nil {
			return err
		} else if !isCandidate {
			return ErrVoteTargetNotCandidate
		}
	}
	if total > election.TotalVoteUnits {
		return ErrTooManyVoteUnits
	}
	return nil
}

func (e *Engine) applyElectionVote(tx *kvstore.Txn, req Request, currentEpoch types.Epoch) error {
	votingPower, err := e.VotingPower.GetCurrentVotingPower(tx, req.Origin, currentEpoch)
	if err != nil {
		return err
	}
	for _, v := range req.Votes {
		weight, err := election.VoteWeight(votingPower, v.SubVoteUnits)
		if err != nil {
			return err
		}
		if _, err := e.Registry.CandidateAddVote(tx, v.Candidate, weight, currentEpoch); err != nil {
			return err
		}
	}
	repInfo, _, err := e.Registry.GetRep(tx, req.Origin)
	if err != nil {
		return err
	}
	repInfo.ElectionVoteTip = req.Hash()
	repInfo.ElectionVoteEpoch = currentEpoch
	return e.Registry.PutRep(tx, req.Origin, repInfo)
}

// --- Proxy ---

func (e *Engine) validateProxy(tx *kvstore.Txn, req Request, acct types.Account) error {
	if _, isRep, err := e.Registry.GetRep(tx, req.Target); err != nil {
		return err
	} else if !isRep {
		return ErrNotRepresentative
	}
	ok, err := e.Staking.CanSatisfy(tx, req.Origin, acct, req.Stake, req.Target, req.EpochNum, req.Fee)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}

func (e *Engine) applyProxy(tx *kvstore.Txn, req Request, acct *types.Account, currentEpoch types.Epoch) error {
	acct.Rep = req.Target
	return e.Staking.Stake(tx, req.Origin, acct, req.Stake, req.Target, currentEpoch)
}

// --- Stake ---

func (e *Engine) validateStake(tx *kvstore.Txn, req Request, acct types.Account) error {
	_, isRep, err := e.Registry.GetRep(tx, req.Origin)
	if err != nil {
		return err
	}
	_, isCandidate, err := e.Registry.GetCandidate(tx, req.Origin)
	if err != nil {
		return err
	}
	if !isRep && !isCandidate {
		return ErrNotRepresentative
	}
	minimum := e.MinRepStake
	if isCandidate {
		minimum = e.MinDelegateStake
	}
	if req.Stake.LessThan(minimum) {
		return ErrInsufficientStake
	}
	ok, err := e.Staking.CanSatisfy(tx, req.Origin, acct, req.Stake, req.Origin, req.EpochNum, req.Fee)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}

func (e *Engine) applyStake(tx *kvstore.Txn, req Request, acct *types.Account, currentEpoch types.Epoch) error {
	if err := e.Staking.Stake(tx, req.Origin, acct, req.Stake, req.Origin, currentEpoch); err != nil {
		return err
	}
	if _, isCandidate, err := e.Registry.GetCandidate(tx, req.Origin); err != nil {
		return err
	} else if isCandidate {
		info, _, err := e.Registry.GetCandidate(tx, req.Origin)
		if err != nil {
			return err
		}
		info.NextStake = req.Stake
		return e.Registry.PutCandidate(tx, req.Origin, info)
	}
	return nil
}

// --- Unstake ---

func (e *Engine) validateUnstake(tx *kvstore.Txn, req Request) error {
	if _, isRep, err := e.Registry.GetRep(tx, req.Origin); err != nil {
		return err
	} else if isRep {
		return ErrAlreadyRepresentative
	}
	if _, isCandidate, err := e.Registry.GetCandidate(tx, req.Origin); err != nil {
		return err
	} else if isCandidate {
		return ErrAlreadyCandidate
	}
	return nil
}

func (e *Engine) applyUnstake(tx *kvstore.Txn, req Request, acct *types.Account, currentEpoch types.Epoch) error {
	sf, ok, err := e.Staking.GetStaked(tx, req.Origin)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.Staking.Stake(tx, req.Origin, acct, types.ZeroAmount(), sf.Target, currentEpoch)
}
