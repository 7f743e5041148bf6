package api

import (
	"fmt"

	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/epochtime"
)

// CommissionRateStep sets a commission rate and its starting epoch.
type CommissionRateStep struct {
	// Start is the epoch the rate goes in effect at.
	Start epochtime.EpochTime `json:"start"`
	// Rate is the commission rate, in [0, 1].
	Rate fixed.Fixed `json:"rate"`
}

// CommissionSchedule is a validator's commission rate schedule: the
// list of rate steps, ascending by start epoch. The first step is the
// step in effect, later steps are scheduled future changes.
type CommissionSchedule struct {
	Rates []CommissionRateStep `json:"rates,omitempty"`
}

// RateAt returns the rate in effect at the given epoch, or nil if no
// step has started yet.
func (cs *CommissionSchedule) RateAt(now epochtime.EpochTime) *fixed.Fixed {
	var latestStartedStep *CommissionRateStep
	for i := range cs.Rates {
		step := &cs.Rates[i]
		if step.Start > now {
			break
		}
		latestStartedStep = step
	}
	if latestStartedStep == nil {
		return nil
	}
	return &latestStartedStep.Rate
}

// Prune discards steps that can no longer affect any observable epoch.
// The latest step started on or before horizon is kept as the step in
// effect.
func (cs *CommissionSchedule) Prune(horizon epochtime.EpochTime) {
	for len(cs.Rates) > 1 {
		if cs.Rates[1].Start > horizon {
			// Remaining steps haven't started yet, keep them and the
			// current active one.
			break
		}

		cs.Rates = cs.Rates[1:]
	}
}

// ScheduleChange schedules a rate change taking effect at the target
// epoch, replacing any already scheduled changes at or after it.
//
// The change is validated against the rate that would be in effect
// just before the target: its magnitude must not exceed maxChange and
// the new rate must stay in [0, 1].
func (cs *CommissionSchedule) ScheduleChange(rate *fixed.Fixed, target epochtime.EpochTime, maxChange *fixed.Fixed) error {
	if rate.Sign() < 0 || rate.Cmp(fixed.One()) > 0 {
		return ErrCommissionOutOfBounds
	}

	// Drop future steps fully covered by the new change.
	spliceIndex := 0
	for ; spliceIndex < len(cs.Rates); spliceIndex++ {
		if cs.Rates[spliceIndex].Start >= target {
			break
		}
	}
	retained := cs.Rates[:spliceIndex]

	if prev := (&CommissionSchedule{Rates: retained}).RateAt(target); prev != nil {
		change := rate.Clone().Sub(prev)
		if change.Sign() < 0 {
			change.Neg()
		}
		if change.Cmp(maxChange) > 0 {
			return ErrCommissionOutOfBounds
		}
	}

	cs.Rates = append(retained, CommissionRateStep{
		Start: target,
		Rate:  *rate.Clone(),
	})
	return nil
}

// SanityCheck verifies that the schedule is well formed: steps
// strictly ascending and every rate in [0, 1].
func (cs *CommissionSchedule) SanityCheck() error {
	for i := range cs.Rates {
		step := &cs.Rates[i]
		if i > 0 && step.Start <= cs.Rates[i-1].Start {
			return fmt.Errorf("pos: commission step %d start epoch %d not after previous step start epoch %d",
				i, step.Start, cs.Rates[i-1].Start)
		}
		if step.Rate.Sign() < 0 || step.Rate.Cmp(fixed.One()) > 0 {
			return fmt.Errorf("pos: commission step %d rate %s out of bounds", i, step.Rate)
		}
	}
	return nil
}
