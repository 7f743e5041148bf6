package api

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurelia-network/aurelia-core/common/fixed"
)

func ratio(t *testing.T, num, den int64) *fixed.Fixed {
	f, err := fixed.FromRatio(num, den)
	require.NoError(t, err, "FromRatio")
	return f
}

func TestCommissionScheduleChange(t *testing.T) {
	require := require.New(t)

	maxChange := ratio(t, 5, 100)

	var cs CommissionSchedule
	require.Nil(cs.RateAt(10), "empty schedule has no rate")

	// Initial rate has nothing to diff against.
	require.NoError(cs.ScheduleChange(ratio(t, 10, 100), 0, maxChange), "initial rate")
	require.Zero(cs.RateAt(5).Cmp(ratio(t, 10, 100)), "rate in effect")

	// Within the allowed change.
	require.NoError(cs.ScheduleChange(ratio(t, 14, 100), 7, maxChange), "change within bounds")
	require.Zero(cs.RateAt(6).Cmp(ratio(t, 10, 100)), "old rate before start")
	require.Zero(cs.RateAt(7).Cmp(ratio(t, 14, 100)), "new rate from start")

	// Exceeding the allowed change.
	err := cs.ScheduleChange(ratio(t, 20, 100), 9, maxChange)
	require.Equal(ErrCommissionOutOfBounds, err, "change exceeding max")

	// Downward change is bounded too.
	err = cs.ScheduleChange(ratio(t, 8, 100), 9, maxChange)
	require.Equal(ErrCommissionOutOfBounds, err, "downward change exceeding max")

	// Out of [0, 1] rejected outright.
	err = cs.ScheduleChange(ratio(t, 3, 2), 9, maxChange)
	require.Equal(ErrCommissionOutOfBounds, err, "rate over unity")

	// Replacing a scheduled change revalidates against the rate in
	// effect before it.
	require.NoError(cs.ScheduleChange(ratio(t, 12, 100), 7, maxChange), "replace pending change")
	require.Zero(cs.RateAt(7).Cmp(ratio(t, 12, 100)), "replaced rate")
	require.Len(cs.Rates, 2, "replacement does not grow the schedule")

	require.NoError(cs.SanityCheck(), "SanityCheck")
}

func TestCommissionSchedulePrune(t *testing.T) {
	require := require.New(t)

	maxChange := ratio(t, 100, 100)
	var cs CommissionSchedule
	require.NoError(cs.ScheduleChange(ratio(t, 1, 100), 0, maxChange), "step 0")
	require.NoError(cs.ScheduleChange(ratio(t, 2, 100), 5, maxChange), "step 5")
	require.NoError(cs.ScheduleChange(ratio(t, 3, 100), 10, maxChange), "step 10")

	cs.Prune(7)
	require.Len(cs.Rates, 2, "Prune drops superseded steps")
	require.Zero(cs.RateAt(7).Cmp(ratio(t, 2, 100)), "rate in effect survives pruning")
	require.Zero(cs.RateAt(10).Cmp(ratio(t, 3, 100)), "future step survives pruning")
}
