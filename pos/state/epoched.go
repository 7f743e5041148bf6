package state

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

// StakeDelta is a scheduled stake change. Increases and decreases are
// tracked separately so deltas stay representable with unsigned
// arithmetic and merge by component-wise addition.
type StakeDelta struct {
	Up   quantity.Quantity `json:"up,omitempty"`
	Down quantity.Quantity `json:"down,omitempty"`
}

// IsZero returns true iff the delta has no effect.
func (d *StakeDelta) IsZero() bool {
	return d.Up.IsZero() && d.Down.IsZero()
}

// Apply folds the delta into the given stake. Applying a decrease
// larger than the stake is an invariant violation.
func (d *StakeDelta) Apply(stake *quantity.Quantity) error {
	if err := stake.Add(&d.Up); err != nil {
		return err
	}
	if err := stake.Sub(&d.Down); err != nil {
		return api.ErrFatalInvariant
	}
	return nil
}

// StakeDelta returns the stake delta scheduled at the given epoch for
// the given validator.
func (s *ImmutableState) StakeDelta(ctx context.Context, epoch epochtime.EpochTime, addr api.Address) (*StakeDelta, error) {
	value, err := s.tree.Get(ctx, stakeDeltaKeyFmt.Encode(uint64(epoch), &addr))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return &StakeDelta{}, nil
	}

	var d StakeDelta
	if err = cbor.Unmarshal(value, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// StakeDeltasAt returns all stake deltas scheduled at the given epoch,
// ordered by validator address.
func (s *ImmutableState) StakeDeltasAt(ctx context.Context, epoch epochtime.EpochTime) (map[api.Address]*StakeDelta, []api.Address, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	deltas := make(map[api.Address]*StakeDelta)
	var order []api.Address
	for it.Seek(stakeDeltaKeyFmt.Encode(uint64(epoch))); it.Valid(); it.Next() {
		var decEpoch uint64
		var addr api.Address
		if !stakeDeltaKeyFmt.Decode(it.Key(), &decEpoch, &addr) || decEpoch != uint64(epoch) {
			break
		}

		var d StakeDelta
		if err := cbor.Unmarshal(it.Value(), &d); err != nil {
			return nil, nil, err
		}
		deltas[addr] = &d
		order = append(order, addr)
	}
	if it.Err() != nil {
		return nil, nil, it.Err()
	}
	return deltas, order, nil
}

// StakeSnapshot returns the validator's stake snapshot at the start of
// the given closed epoch.
func (s *ImmutableState) StakeSnapshot(ctx context.Context, epoch epochtime.EpochTime, addr api.Address) (*quantity.Quantity, error) {
	return s.loadStoredBalance(ctx, stakeSnapshotKeyFmt.Encode(uint64(epoch), &addr))
}

// TotalStakeSnapshot returns the total consensus voting power snapshot
// at the start of the given closed epoch.
func (s *ImmutableState) TotalStakeSnapshot(ctx context.Context, epoch epochtime.EpochTime) (*quantity.Quantity, error) {
	return s.loadStoredBalance(ctx, totalStakeSnapshotKeyFmt.Encode(uint64(epoch)))
}

// StakeAt returns the validator's stake as observed at the start of
// the given epoch.
//
// For epochs up to the current one this is the recorded snapshot. For
// future epochs within the pipeline window it is the scheduled view:
// the current snapshot with all pending deltas up to the requested
// epoch applied.
func (s *ImmutableState) StakeAt(ctx context.Context, epoch epochtime.EpochTime, addr api.Address) (*quantity.Quantity, error) {
	current, err := s.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	if epoch <= current {
		return s.StakeSnapshot(ctx, epoch, addr)
	}

	stake, err := s.StakeSnapshot(ctx, current, addr)
	if err != nil {
		return nil, err
	}
	for e := current + 1; e <= epoch; e++ {
		delta, err := s.StakeDelta(ctx, e, addr)
		if err != nil {
			return nil, err
		}
		if err = delta.Apply(stake); err != nil {
			return nil, err
		}
	}
	return stake, nil
}

// AddStakeDelta schedules a stake increase at the target epoch. The
// target must be a future epoch.
func (s *MutableState) AddStakeDelta(ctx context.Context, target epochtime.EpochTime, addr api.Address, amount *quantity.Quantity) error {
	return s.mergeStakeDelta(ctx, target, addr, amount, nil)
}

// SubStakeDelta schedules a stake decrease at the target epoch. The
// target must be a future epoch.
func (s *MutableState) SubStakeDelta(ctx context.Context, target epochtime.EpochTime, addr api.Address, amount *quantity.Quantity) error {
	return s.mergeStakeDelta(ctx, target, addr, nil, amount)
}

func (s *MutableState) mergeStakeDelta(ctx context.Context, target epochtime.EpochTime, addr api.Address, up, down *quantity.Quantity) error {
	current, err := s.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	if target <= current {
		return api.ErrInvalidEpochWrite
	}

	delta, err := s.StakeDelta(ctx, target, addr)
	if err != nil {
		return err
	}
	if up != nil {
		if err = delta.Up.Add(up); err != nil {
			return err
		}
	}
	if down != nil {
		if err = delta.Down.Add(down); err != nil {
			return err
		}
	}

	return s.tree.Insert(ctx, stakeDeltaKeyFmt.Encode(uint64(target), &addr), cbor.Marshal(delta))
}

// RemoveStakeDelta removes the stake delta entry at the given epoch.
func (s *MutableState) RemoveStakeDelta(ctx context.Context, epoch epochtime.EpochTime, addr api.Address) error {
	return s.tree.Remove(ctx, stakeDeltaKeyFmt.Encode(uint64(epoch), &addr))
}

// SetStakeSnapshot records the validator's stake snapshot for the
// given epoch. Zero snapshots are persisted too, as the distinction
// between zero stake and no record matters for slashing lookups.
func (s *MutableState) SetStakeSnapshot(ctx context.Context, epoch epochtime.EpochTime, addr api.Address, stake *quantity.Quantity) error {
	return s.tree.Insert(ctx, stakeSnapshotKeyFmt.Encode(uint64(epoch), &addr), cbor.Marshal(stake))
}

// SetTotalStakeSnapshot records the total consensus voting power
// snapshot for the given epoch.
func (s *MutableState) SetTotalStakeSnapshot(ctx context.Context, epoch epochtime.EpochTime, total *quantity.Quantity) error {
	return s.tree.Insert(ctx, totalStakeSnapshotKeyFmt.Encode(uint64(epoch)), cbor.Marshal(total))
}

// PruneEpochedData removes snapshots, deltas and reward accumulators
// behind the given horizon epoch.
func (s *MutableState) PruneEpochedData(ctx context.Context, horizon epochtime.EpochTime) error {
	type epochPrefixed struct {
		seek   []byte
		decode func(key []byte) (uint64, bool)
	}
	formats := []epochPrefixed{
		{stakeDeltaKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := stakeDeltaKeyFmt.Decode(key, &e)
			return e, ok
		}},
		{stakeSnapshotKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := stakeSnapshotKeyFmt.Decode(key, &e)
			return e, ok
		}},
		{totalStakeSnapshotKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := totalStakeSnapshotKeyFmt.Decode(key, &e)
			return e, ok
		}},
		{rewardsAccumKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := rewardsAccumKeyFmt.Decode(key, &e)
			return e, ok
		}},
		{consensusSetKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := consensusSetKeyFmt.Decode(key, &e)
			return e, ok
		}},
		{belowCapacitySetKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := belowCapacitySetKeyFmt.Decode(key, &e)
			return e, ok
		}},
		{belowThresholdSetKeyFmt.Encode(), func(key []byte) (uint64, bool) {
			var e uint64
			ok := belowThresholdSetKeyFmt.Decode(key, &e)
			return e, ok
		}},
	}

	for _, f := range formats {
		var stale [][]byte

		it := s.tree.NewIterator(ctx)
		for it.Seek(f.seek); it.Valid(); it.Next() {
			epoch, ok := f.decode(it.Key())
			if !ok || epoch >= uint64(horizon) {
				break
			}
			stale = append(stale, append([]byte{}, it.Key()...))
		}
		err := it.Err()
		it.Close()
		if err != nil {
			return err
		}

		for _, key := range stale {
			if err := s.tree.Remove(ctx, key); err != nil {
				return err
			}
		}
	}

	return nil
}

// ReduceStakeSnapshot reduces the stake snapshot at the given epoch by
// up to amount, clamping at zero, and returns the amount removed.
func (s *MutableState) ReduceStakeSnapshot(ctx context.Context, epoch epochtime.EpochTime, addr api.Address, amount *quantity.Quantity) (*quantity.Quantity, error) {
	stake, err := s.StakeSnapshot(ctx, epoch, addr)
	if err != nil {
		return nil, err
	}
	removed, err := stake.SubUpTo(amount)
	if err != nil {
		return nil, err
	}
	if err = s.SetStakeSnapshot(ctx, epoch, addr, stake); err != nil {
		return nil, err
	}
	return removed, nil
}

// ReduceStakeDeltaUp reduces the scheduled increase at the given epoch
// by up to amount and returns the amount removed.
func (s *MutableState) ReduceStakeDeltaUp(ctx context.Context, epoch epochtime.EpochTime, addr api.Address, amount *quantity.Quantity) (*quantity.Quantity, error) {
	delta, err := s.StakeDelta(ctx, epoch, addr)
	if err != nil {
		return nil, err
	}
	removed, err := delta.Up.SubUpTo(amount)
	if err != nil {
		return nil, err
	}
	if err = s.writeStakeDelta(ctx, epoch, addr, delta); err != nil {
		return nil, err
	}
	return removed, nil
}

// ReduceStakeDeltaDown reduces the scheduled decrease at the given
// epoch by up to amount and returns the amount removed.
func (s *MutableState) ReduceStakeDeltaDown(ctx context.Context, epoch epochtime.EpochTime, addr api.Address, amount *quantity.Quantity) (*quantity.Quantity, error) {
	delta, err := s.StakeDelta(ctx, epoch, addr)
	if err != nil {
		return nil, err
	}
	removed, err := delta.Down.SubUpTo(amount)
	if err != nil {
		return nil, err
	}
	if err = s.writeStakeDelta(ctx, epoch, addr, delta); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *MutableState) writeStakeDelta(ctx context.Context, epoch epochtime.EpochTime, addr api.Address, delta *StakeDelta) error {
	key := stakeDeltaKeyFmt.Encode(uint64(epoch), &addr)
	if delta.IsZero() {
		return s.tree.Remove(ctx, key)
	}
	return s.tree.Insert(ctx, key, cbor.Marshal(delta))
}
