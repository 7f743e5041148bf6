package state

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/keyformat"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

// RewardAccumulator returns the accumulated block-reward fraction for
// the given validator in the given epoch.
func (s *ImmutableState) RewardAccumulator(ctx context.Context, epoch epochtime.EpochTime, addr api.Address) (*fixed.Fixed, error) {
	value, err := s.tree.Get(ctx, rewardsAccumKeyFmt.Encode(uint64(epoch), &addr))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return fixed.Zero(), nil
	}

	var f fixed.Fixed
	if err = cbor.Unmarshal(value, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// RewardAccumulators returns all accumulated block-reward fractions
// for the given epoch, ordered by validator address.
func (s *ImmutableState) RewardAccumulators(ctx context.Context, epoch epochtime.EpochTime) (map[api.Address]*fixed.Fixed, []api.Address, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	accums := make(map[api.Address]*fixed.Fixed)
	var order []api.Address
	for it.Seek(rewardsAccumKeyFmt.Encode(uint64(epoch))); it.Valid(); it.Next() {
		var decEpoch uint64
		var addr api.Address
		if !rewardsAccumKeyFmt.Decode(it.Key(), &decEpoch, &addr) || decEpoch != uint64(epoch) {
			break
		}

		var f fixed.Fixed
		if err := cbor.Unmarshal(it.Value(), &f); err != nil {
			return nil, nil, err
		}
		accums[addr] = &f
		order = append(order, addr)
	}
	if it.Err() != nil {
		return nil, nil, it.Err()
	}
	return accums, order, nil
}

// SetRewardAccumulator sets the accumulated block-reward fraction for
// the given validator in the given epoch.
func (s *MutableState) SetRewardAccumulator(ctx context.Context, epoch epochtime.EpochTime, addr api.Address, f *fixed.Fixed) error {
	return s.tree.Insert(ctx, rewardsAccumKeyFmt.Encode(uint64(epoch), &addr), cbor.Marshal(f))
}

func (s *ImmutableState) productAt(ctx context.Context, kf *keyformat.KeyFormat, addr api.Address, epoch epochtime.EpochTime) (*fixed.Fixed, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	// The product series is only written for epochs the validator
	// earned in, so take the latest entry at or before the requested
	// epoch. An empty series is the neutral product.
	latest := fixed.One()
	for it.Seek(kf.Encode(&addr)); it.Valid(); it.Next() {
		var decAddr api.Address
		var decEpoch uint64
		if !kf.Decode(it.Key(), &decAddr, &decEpoch) {
			break
		}
		if !decAddr.Equal(addr) || decEpoch > uint64(epoch) {
			break
		}

		var f fixed.Fixed
		if err := cbor.Unmarshal(it.Value(), &f); err != nil {
			return nil, err
		}
		latest = &f
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return latest, nil
}

// SelfProductAt returns the self-bond rewards product for the given
// validator as of the given epoch.
func (s *ImmutableState) SelfProductAt(ctx context.Context, addr api.Address, epoch epochtime.EpochTime) (*fixed.Fixed, error) {
	return s.productAt(ctx, selfProductKeyFmt, addr, epoch)
}

// DelegProductAt returns the delegation rewards product for the given
// validator as of the given epoch.
func (s *ImmutableState) DelegProductAt(ctx context.Context, addr api.Address, epoch epochtime.EpochTime) (*fixed.Fixed, error) {
	return s.productAt(ctx, delegProductKeyFmt, addr, epoch)
}

// SetSelfProduct sets the self-bond rewards product for the given
// validator at the given epoch.
func (s *MutableState) SetSelfProduct(ctx context.Context, addr api.Address, epoch epochtime.EpochTime, f *fixed.Fixed) error {
	return s.tree.Insert(ctx, selfProductKeyFmt.Encode(&addr, uint64(epoch)), cbor.Marshal(f))
}

// SetDelegProduct sets the delegation rewards product for the given
// validator at the given epoch.
func (s *MutableState) SetDelegProduct(ctx context.Context, addr api.Address, epoch epochtime.EpochTime, f *fixed.Fixed) error {
	return s.tree.Insert(ctx, delegProductKeyFmt.Encode(&addr, uint64(epoch)), cbor.Marshal(f))
}
