// Package metrics exposes prometheus collectors for the pos core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EpochTransitions counts epoch transitions processed.
	EpochTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_pos_epoch_transitions",
			Help: "Number of epoch transitions processed.",
		},
	)

	// SlashedTokens counts the total tokens moved to the slash pool.
	SlashedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_pos_slashed_tokens",
			Help: "Total tokens moved to the slash pool.",
		},
	)

	// MintedTokens counts the total tokens minted by the inflation
	// controller.
	MintedTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_pos_minted_tokens",
			Help: "Total tokens minted by the inflation controller.",
		},
	)

	// EvidenceIngested counts accepted misbehavior evidence.
	EvidenceIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_pos_evidence_ingested",
			Help: "Number of accepted misbehavior evidence submissions.",
		},
	)

	// ParameterChangesScheduled counts scheduled parameter changes.
	ParameterChangesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurelia_pos_parameter_changes_scheduled",
			Help: "Number of scheduled governance parameter changes.",
		},
	)

	// CurrentEpoch reports the current epoch.
	CurrentEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_pos_current_epoch",
			Help: "Current epoch.",
		},
	)

	// ConsensusValidators reports the current consensus set size.
	ConsensusValidators = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurelia_pos_consensus_validators",
			Help: "Size of the consensus validator set.",
		},
	)

	registerOnce sync.Once
)

// Register registers the pos collectors with the default prometheus
// registry. It is safe to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EpochTransitions,
			SlashedTokens,
			MintedTokens,
			EvidenceIngested,
			ParameterChangesScheduled,
			CurrentEpoch,
			ConsensusValidators,
		)
	})
}
