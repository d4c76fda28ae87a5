// Package metrics exposes the prometheus counters and gauges this core
// emits for epoch transitions, election tallies, and thaw prunes: a
// lazily-initialized, process-wide registry reached through a constructor
// rather than package globals read directly.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Governance holds every metric this core records. A nil *Governance is
// valid everywhere it's read: every method is a no-op on a nil receiver, so
// callers that don't want metrics (e.g. unit tests) can simply pass nil.
type Governance struct {
	epochTransitions   *prometheus.CounterVec
	delegateExtensions prometheus.Counter
	electionWinners    prometheus.Histogram
	votesTallied       *prometheus.CounterVec
	voteRedistributed  prometheus.Counter
	thawPrunes         *prometheus.CounterVec
	thawPruneAmount    prometheus.Counter
	liabilityConflicts prometheus.Counter
	activeDelegates    prometheus.Gauge
	activeCandidates   prometheus.Gauge
}

var (
	once     sync.Once
	registry *Governance
)

// New lazily constructs and registers the governance metrics against the
// default prometheus registry; repeated calls return the same instance.
func New() *Governance {
	once.Do(func() {
		g := &Governance{
			epochTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "epoch",
				Name:      "transitions_total",
				Help:      "Epoch transitions applied, segmented by outcome (extension or rotation).",
			}, []string{"outcome"}),
			delegateExtensions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "epoch",
				Name:      "term_extensions_total",
				Help:      "Epoch boundaries where fewer than the required candidates forced a term extension.",
			}),
			electionWinners: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "govcore",
				Subsystem: "election",
				Name:      "winners_selected",
				Help:      "Number of election winners selected per epoch boundary.",
				Buckets:   prometheus.LinearBuckets(0, 1, 9),
			}),
			votesTallied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "election",
				Name:      "votes_tallied_total",
				Help:      "ElectionVote requests tallied, segmented by acceptance.",
			}, []string{"outcome"}),
			voteRedistributed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "election",
				Name:      "vote_redistributions_total",
				Help:      "Times the delegate vote-weight cap redistribution ran at an epoch boundary.",
			}),
			thawPrunes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "staking",
				Name:      "thaw_prunes_total",
				Help:      "PruneThawing calls, segmented by owner-epoch idempotence.",
			}, []string{"outcome"}),
			thawPruneAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "staking",
				Name:      "thaw_pruned_amount_total",
				Help:      "Cumulative amount credited back to available balance by thaw pruning.",
			}),
			liabilityConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "govcore",
				Subsystem: "liability",
				Name:      "secondary_conflicts_total",
				Help:      "Secondary liability creations refused because the source already holds one to a different target.",
			}),
			activeDelegates: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "govcore",
				Subsystem: "registry",
				Name:      "active_delegates",
				Help:      "Size of the current epoch's delegate set.",
			}),
			activeCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "govcore",
				Subsystem: "registry",
				Name:      "active_candidates",
				Help:      "Number of candidate rows observed at the last epoch transition.",
			}),
		}
		prometheus.MustRegister(
			g.epochTransitions, g.delegateExtensions, g.electionWinners,
			g.votesTallied, g.voteRedistributed, g.thawPrunes,
			g.thawPruneAmount, g.liabilityConflicts, g.activeDelegates,
			g.activeCandidates,
		)
		registry = g
	})
	return registry
}

// ObserveEpochTransition records one epoch boundary's outcome and the
// resulting delegate/candidate counts.
func (g *Governance) ObserveEpochTransition(isExtension bool, delegateCount, candidateCount int) {
	if g == nil {
		return
	}
	outcome := "rotation"
	if isExtension {
		outcome = "extension"
		g.delegateExtensions.Inc()
	}
	g.epochTransitions.WithLabelValues(outcome).Inc()
	g.activeDelegates.Set(float64(delegateCount))
	g.activeCandidates.Set(float64(candidateCount))
}

// ObserveVoteRedistribution records one redistribute_votes pass.
func (g *Governance) ObserveVoteRedistribution() {
	if g == nil {
		return
	}
	g.voteRedistributed.Inc()
}

// ObserveVoteTally records one ElectionVote request's acceptance outcome.
func (g *Governance) ObserveVoteTally(accepted bool) {
	if g == nil {
		return
	}
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	g.votesTallied.WithLabelValues(outcome).Inc()
}

// ObserveThawPrune records a PruneThawing call and the amount it credited
// back to available balance; ran reports whether pruning actually walked
// the table (false when epoch_thawing_updated already matched the current
// epoch and the prune was skipped as already done).
func (g *Governance) ObserveThawPrune(ran bool, creditedAmount float64) {
	if g == nil {
		return
	}
	outcome := "skipped"
	if ran {
		outcome = "ran"
		g.thawPruneAmount.Add(creditedAmount)
	}
	g.thawPrunes.WithLabelValues(outcome).Inc()
}

// ObserveLiabilityConflict records a refused secondary-liability creation.
func (g *Governance) ObserveLiabilityConflict() {
	if g == nil {
		return
	}
	g.liabilityConflicts.Inc()
}
