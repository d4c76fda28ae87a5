// Package core wires the store, ledgers, registries, and managers behind
// the two calls the consensus pipeline needs: Apply, for each committed
// request, and TransitionNextEpoch, for each committed epoch block. It is
// the single construction point — every manager below is built once,
// here, and threaded through by reference rather than reached for as a
// package global.
package core

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"govcore/config"
	"govcore/crypto"
	"govcore/election"
	"govcore/epoch"
	"govcore/governance"
	"govcore/internal/account"
	"govcore/internal/kvstore"
	"govcore/liability"
	"govcore/observability/metrics"
	"govcore/registry"
	"govcore/staking"
	"govcore/types"
	"govcore/votingpower"
)

// Core owns the store and every component built on top of it.
type Core struct {
	Store *kvstore.Store

	Liability   *liability.Ledger
	Staking     *staking.Engine
	VotingPower *votingpower.Ledger
	Registry    *registry.Registry
	Election    *election.Manager
	Governance  *governance.Engine
	Epoch       *epoch.Applier

	metrics *metrics.Governance
	log     *slog.Logger
}

// New constructs the component graph from cfg and store, leaves first:
// the liability and voting-power ledgers have no dependencies, the staking
// engine sits on both, the election manager reads the registry, and the
// governance engine and epoch applier sit on everything below them.
func New(store *kvstore.Store, cfg *config.Config, logger *slog.Logger) *Core {
	m := metrics.New()
	liabilityLedger := liability.New()
	votingPowerLedger := votingpower.New(cfg.DilutionFactorPercent)
	stakingEngine := staking.New(liabilityLedger, votingPowerLedger, types.Epoch(cfg.ThawingPeriodEpochs))
	stakingEngine.Metrics = m
	reg := registry.New(cfg.RetiringCount())
	electionMgr := election.New(reg, cfg.NumDelegates, cfg.RetiringCount(), types.Epoch(cfg.TermLength))

	minRep := types.NewAmount(cfg.MinRepStake)
	minDelegate := types.NewAmount(cfg.MinDelegateStake)
	govEngine := governance.New(reg, stakingEngine, votingPowerLedger, minRep, minDelegate)
	epochApplier := epoch.New(reg, stakingEngine, votingPowerLedger, liabilityLedger, electionMgr)

	return &Core{
		Store:       store,
		Liability:   liabilityLedger,
		Staking:     stakingEngine,
		VotingPower: votingPowerLedger,
		Registry:    reg,
		Election:    electionMgr,
		Governance:  govEngine,
		Epoch:       epochApplier,
		metrics:     m,
		log:         logger,
	}
}

// Apply realizes the consensus pipeline's per-request contract: it opens
// the single write transaction for this request, loads the origin
// account, prunes any thawing funds that matured since the account was
// last touched (nothing else in this core calls PruneThawing, so this is
// its only production call site), validates, and applies. An applied
// request cannot fail partway — an in-apply invariant violation is a bug,
// not a rejection. A validation failure aborts the transaction and
// returns the rejection reason; the persistence layer is expected not to
// have ordered this request into a block once it sees the error.
func (c *Core) Apply(req governance.Request, currentEpoch types.Epoch) error {
	return c.Store.Update(func(tx *kvstore.Txn) error {
		acct, _, err := account.Get(tx, req.Origin)
		if err != nil {
			return err
		}

		before := acct.AvailableBalance
		ranPrune := acct.EpochThawingUpdated < currentEpoch
		if err := c.Staking.PruneThawing(tx, req.Origin, &acct, currentEpoch); err != nil {
			return err
		}
		credited := acct.AvailableBalance.SubClamped(before)
		c.metrics.ObserveThawPrune(ranPrune, float64(credited.Uint64()))

		if err := c.Governance.Validate(tx, req, currentEpoch, acct); err != nil {
			if req.Type == governance.RequestTypeElectionVote {
				c.metrics.ObserveVoteTally(false)
			}
			return err
		}
		if err := c.Governance.Apply(tx, req, currentEpoch, &acct); err != nil {
			c.log.Error("governance apply failed after successful validation",
				slog.String("request_origin", req.Origin.String()),
				slog.Any("error", err))
			return err
		}
		if req.Type == governance.RequestTypeElectionVote {
			c.metrics.ObserveVoteTally(true)
		}
		return nil
	})
}

// TransitionNextEpoch realizes the consensus pipeline's per-epoch-block
// contract. It opens the single write transaction for the epoch boundary,
// runs the epoch applier, and returns the resulting epoch record for the
// caller to package and propagate; this core computes the next delegate
// set itself rather than receiving one.
func (c *Core) TransitionNextEpoch(nextEpoch types.Epoch) (epoch.Record, error) {
	correlationID := uuid.NewString()
	var rec epoch.Record
	err := c.Store.Update(func(tx *kvstore.Txn) error {
		var err error
		rec, err = c.Epoch.TransitionNextEpoch(tx, nextEpoch, time.Now().Unix())
		return err
	})
	if err != nil {
		c.log.Error("epoch transition failed",
			slog.String("correlation_id", correlationID),
			slog.Any("epoch", nextEpoch),
			slog.Any("error", err))
		return epoch.Record{}, err
	}
	c.log.Info("epoch transition committed",
		slog.String("correlation_id", correlationID),
		slog.Any("epoch", rec.Epoch),
		slog.Bool("is_extension", rec.IsExtension),
		slog.Int("delegate_count", len(rec.Delegates)))
	if !rec.IsExtension {
		c.metrics.ObserveVoteRedistribution()
	}
	c.metrics.ObserveEpochTransition(rec.IsExtension, len(rec.Delegates), countCandidates(c, rec))
	return rec, nil
}

func countCandidates(c *Core, rec epoch.Record) int {
	var n int
	_ = c.Store.View(func(tx *kvstore.Txn) error {
		return c.Registry.ForEachCandidate(tx, func(_ crypto.Address, _ registry.CandidateInfo) (bool, error) {
			n++
			return true, nil
		})
	})
	return n
}
