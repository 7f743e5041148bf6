package state

import (
	"context"
	"math/big"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/keyformat"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

// setStakeKeySize is the width of the inverted-stake component of
// ordered set keys. 32 bytes fit any stake the supply can reach.
const setStakeKeySize = 32

var setStakeKeyCeiling = new(big.Int).Lsh(big.NewInt(1), setStakeKeySize*8)

// SetMember is an entry of an ordered validator set.
type SetMember struct {
	Address api.Address
	Stake   quantity.Quantity
}

// invertedStakeKey encodes the stake as a fixed-width big-endian
// complement, so that ascending key order yields stake-descending
// iteration with address-ascending tie break.
func invertedStakeKey(stake *quantity.Quantity, addr api.Address) []byte {
	var inv big.Int
	inv.Sub(setStakeKeyCeiling, stake.ToBigInt())
	inv.Sub(&inv, big.NewInt(1))

	buf := make([]byte, setStakeKeySize+api.AddressSize)
	inv.FillBytes(buf[:setStakeKeySize])
	copy(buf[setStakeKeySize:], addr[:])
	return buf
}

func decodeSetKey(data []byte) (api.Address, bool) {
	var addr api.Address
	if len(data) != setStakeKeySize+api.AddressSize {
		return addr, false
	}
	copy(addr[:], data[setStakeKeySize:])
	return addr, true
}

func (s *ImmutableState) orderedSet(ctx context.Context, kf *keyformat.KeyFormat, epoch epochtime.EpochTime) ([]*SetMember, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var members []*SetMember
	for it.Seek(kf.Encode(uint64(epoch))); it.Valid(); it.Next() {
		var decEpoch uint64
		var rest []byte
		if !kf.Decode(it.Key(), &decEpoch, &rest) || decEpoch != uint64(epoch) {
			break
		}
		addr, ok := decodeSetKey(rest)
		if !ok {
			break
		}

		var stake quantity.Quantity
		if err := cbor.Unmarshal(it.Value(), &stake); err != nil {
			return nil, err
		}
		members = append(members, &SetMember{Address: addr, Stake: stake})
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return members, nil
}

// ConsensusSet returns the consensus validator set at the given epoch,
// ordered by stake descending with address ascending tie break.
func (s *ImmutableState) ConsensusSet(ctx context.Context, epoch epochtime.EpochTime) ([]*SetMember, error) {
	return s.orderedSet(ctx, consensusSetKeyFmt, epoch)
}

// BelowCapacitySet returns the below-capacity validator set at the
// given epoch, ordered like the consensus set.
func (s *ImmutableState) BelowCapacitySet(ctx context.Context, epoch epochtime.EpochTime) ([]*SetMember, error) {
	return s.orderedSet(ctx, belowCapacitySetKeyFmt, epoch)
}

// BelowThresholdSet returns the below-threshold membership set at the
// given epoch, ordered by address.
func (s *ImmutableState) BelowThresholdSet(ctx context.Context, epoch epochtime.EpochTime) ([]api.Address, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var members []api.Address
	for it.Seek(belowThresholdSetKeyFmt.Encode(uint64(epoch))); it.Valid(); it.Next() {
		var decEpoch uint64
		var addr api.Address
		if !belowThresholdSetKeyFmt.Decode(it.Key(), &decEpoch, &addr) || decEpoch != uint64(epoch) {
			break
		}
		members = append(members, addr)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return members, nil
}

// ClearSets removes all set entries for the given epoch.
func (s *MutableState) ClearSets(ctx context.Context, epoch epochtime.EpochTime) error {
	prefixes := [][]byte{
		consensusSetKeyFmt.Encode(uint64(epoch)),
		belowCapacitySetKeyFmt.Encode(uint64(epoch)),
		belowThresholdSetKeyFmt.Encode(uint64(epoch)),
	}

	for _, prefix := range prefixes {
		var stale [][]byte

		it := s.tree.NewIterator(ctx)
		for it.Seek(prefix); it.Valid(); it.Next() {
			key := it.Key()
			if len(key) < len(prefix) || string(key[:len(prefix)]) != string(prefix) {
				break
			}
			stale = append(stale, append([]byte{}, key...))
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

// AddConsensusSetMember adds a member to the consensus set at the
// given epoch.
func (s *MutableState) AddConsensusSetMember(ctx context.Context, epoch epochtime.EpochTime, m *SetMember) error {
	key := consensusSetKeyFmt.Encode(uint64(epoch), invertedStakeKey(&m.Stake, m.Address))
	return s.tree.Insert(ctx, key, cbor.Marshal(&m.Stake))
}

// AddBelowCapacitySetMember adds a member to the below-capacity set at
// the given epoch.
func (s *MutableState) AddBelowCapacitySetMember(ctx context.Context, epoch epochtime.EpochTime, m *SetMember) error {
	key := belowCapacitySetKeyFmt.Encode(uint64(epoch), invertedStakeKey(&m.Stake, m.Address))
	return s.tree.Insert(ctx, key, cbor.Marshal(&m.Stake))
}

// AddBelowThresholdSetMember adds a member to the below-threshold set
// at the given epoch.
func (s *MutableState) AddBelowThresholdSetMember(ctx context.Context, epoch epochtime.EpochTime, addr api.Address) error {
	return s.tree.Insert(ctx, belowThresholdSetKeyFmt.Encode(uint64(epoch), &addr), []byte{})
}
