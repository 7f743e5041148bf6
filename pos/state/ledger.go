package state

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

// Bond returns the bond record under (owner, validator, start), or nil
// if it does not exist.
func (s *ImmutableState) Bond(ctx context.Context, owner, validator api.Address, start epochtime.EpochTime) (*api.BondRecord, error) {
	value, err := s.tree.Get(ctx, bondKeyFmt.Encode(&owner, &validator, uint64(start)))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	var b api.BondRecord
	if err = cbor.Unmarshal(value, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// BondsFor returns the bond records under (owner, validator), ordered
// by start epoch ascending. This is the FIFO order unbonding consumes
// bonds in.
func (s *ImmutableState) BondsFor(ctx context.Context, owner, validator api.Address) ([]*api.BondRecord, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var bonds []*api.BondRecord
	for it.Seek(bondKeyFmt.Encode(&owner, &validator)); it.Valid(); it.Next() {
		var decOwner, decValidator api.Address
		var start uint64
		if !bondKeyFmt.Decode(it.Key(), &decOwner, &decValidator, &start) {
			break
		}
		if !decOwner.Equal(owner) || !decValidator.Equal(validator) {
			break
		}

		var b api.BondRecord
		if err := cbor.Unmarshal(it.Value(), &b); err != nil {
			return nil, err
		}
		bonds = append(bonds, &b)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return bonds, nil
}

// Bonds returns all bond records, ordered by (owner, validator, start).
func (s *ImmutableState) Bonds(ctx context.Context) ([]*api.BondRecord, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var bonds []*api.BondRecord
	for it.Seek(bondKeyFmt.Encode()); it.Valid(); it.Next() {
		var decOwner, decValidator api.Address
		var start uint64
		if !bondKeyFmt.Decode(it.Key(), &decOwner, &decValidator, &start) {
			break
		}

		var b api.BondRecord
		if err := cbor.Unmarshal(it.Value(), &b); err != nil {
			return nil, err
		}
		bonds = append(bonds, &b)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return bonds, nil
}

// BondsToValidator returns all bond records delegated to the given
// validator, ordered by (owner, start).
func (s *ImmutableState) BondsToValidator(ctx context.Context, validator api.Address) ([]*api.BondRecord, error) {
	bonds, err := s.Bonds(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []*api.BondRecord
	for _, b := range bonds {
		if b.Validator.Equal(validator) {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// SetBond sets the bond record. Bonds with a zero amount are removed.
func (s *MutableState) SetBond(ctx context.Context, b *api.BondRecord) error {
	key := bondKeyFmt.Encode(&b.Owner, &b.Validator, uint64(b.Start))
	if b.Amount.IsZero() {
		return s.tree.Remove(ctx, key)
	}
	return s.tree.Insert(ctx, key, cbor.Marshal(b))
}

// RemoveBond removes the bond record.
func (s *MutableState) RemoveBond(ctx context.Context, owner, validator api.Address, start epochtime.EpochTime) error {
	return s.tree.Remove(ctx, bondKeyFmt.Encode(&owner, &validator, uint64(start)))
}

// UnbondsFor returns the unbond records under (owner, validator),
// ordered by (bond start, withdrawable epoch).
func (s *ImmutableState) UnbondsFor(ctx context.Context, owner, validator api.Address) ([]*api.UnbondRecord, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var unbonds []*api.UnbondRecord
	for it.Seek(unbondKeyFmt.Encode(&owner, &validator)); it.Valid(); it.Next() {
		var decOwner, decValidator api.Address
		var start, withdrawable uint64
		if !unbondKeyFmt.Decode(it.Key(), &decOwner, &decValidator, &start, &withdrawable) {
			break
		}
		if !decOwner.Equal(owner) || !decValidator.Equal(validator) {
			break
		}

		var u api.UnbondRecord
		if err := cbor.Unmarshal(it.Value(), &u); err != nil {
			return nil, err
		}
		unbonds = append(unbonds, &u)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return unbonds, nil
}

// Unbonds returns all unbond records, ordered by
// (owner, validator, bond start, withdrawable epoch).
func (s *ImmutableState) Unbonds(ctx context.Context) ([]*api.UnbondRecord, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var unbonds []*api.UnbondRecord
	for it.Seek(unbondKeyFmt.Encode()); it.Valid(); it.Next() {
		var decOwner, decValidator api.Address
		var start, withdrawable uint64
		if !unbondKeyFmt.Decode(it.Key(), &decOwner, &decValidator, &start, &withdrawable) {
			break
		}

		var u api.UnbondRecord
		if err := cbor.Unmarshal(it.Value(), &u); err != nil {
			return nil, err
		}
		unbonds = append(unbonds, &u)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return unbonds, nil
}

// SetUnbond sets the unbond record, overwriting any record under the
// same key.
func (s *MutableState) SetUnbond(ctx context.Context, u *api.UnbondRecord) error {
	key := unbondKeyFmt.Encode(&u.Owner, &u.Validator, uint64(u.Start), uint64(u.Withdrawable))
	return s.tree.Insert(ctx, key, cbor.Marshal(u))
}

// RemoveUnbond removes the unbond record.
func (s *MutableState) RemoveUnbond(ctx context.Context, u *api.UnbondRecord) error {
	return s.tree.Remove(ctx, unbondKeyFmt.Encode(&u.Owner, &u.Validator, uint64(u.Start), uint64(u.Withdrawable)))
}

// Redelegation returns the redelegation record under (owner, source,
// dest, start), or nil if it does not exist.
func (s *ImmutableState) Redelegation(ctx context.Context, owner, source, dest api.Address, start epochtime.EpochTime) (*api.RedelegationRecord, error) {
	value, err := s.tree.Get(ctx, redelegationKeyFmt.Encode(&owner, &source, &dest, uint64(start)))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	var r api.RedelegationRecord
	if err = cbor.Unmarshal(value, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Redelegations returns all redelegation records, ordered by
// (owner, source, dest, start).
func (s *ImmutableState) Redelegations(ctx context.Context) ([]*api.RedelegationRecord, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var redelegations []*api.RedelegationRecord
	for it.Seek(redelegationKeyFmt.Encode()); it.Valid(); it.Next() {
		var decOwner, decSource, decDest api.Address
		var start uint64
		if !redelegationKeyFmt.Decode(it.Key(), &decOwner, &decSource, &decDest, &start) {
			break
		}

		var r api.RedelegationRecord
		if err := cbor.Unmarshal(it.Value(), &r); err != nil {
			return nil, err
		}
		redelegations = append(redelegations, &r)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return redelegations, nil
}

// RedelegationsFromSource returns all redelegation records out of the
// given source validator, ordered by (start, owner, dest). This is the
// order retroactive slashes are carried in.
func (s *ImmutableState) RedelegationsFromSource(ctx context.Context, source api.Address) ([]*api.RedelegationRecord, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	type indexEntry struct {
		owner, dest api.Address
		start       uint64
	}
	var entries []indexEntry
	for it.Seek(redelegationSrcIndexKeyFmt.Encode(&source)); it.Valid(); it.Next() {
		var decSource, decOwner, decDest api.Address
		var start uint64
		if !redelegationSrcIndexKeyFmt.Decode(it.Key(), &decSource, &start, &decOwner, &decDest) {
			break
		}
		if !decSource.Equal(source) {
			break
		}
		entries = append(entries, indexEntry{owner: decOwner, dest: decDest, start: start})
	}
	if it.Err() != nil {
		return nil, it.Err()
	}

	var redelegations []*api.RedelegationRecord
	for _, e := range entries {
		r, err := s.Redelegation(ctx, e.owner, source, e.dest, epochtime.EpochTime(e.start))
		if err != nil {
			return nil, err
		}
		if r != nil {
			redelegations = append(redelegations, r)
		}
	}
	return redelegations, nil
}

// SetRedelegation sets the redelegation record and its source index
// entry. Records with a zero amount are removed.
func (s *MutableState) SetRedelegation(ctx context.Context, r *api.RedelegationRecord) error {
	key := redelegationKeyFmt.Encode(&r.Owner, &r.Source, &r.Dest, uint64(r.Start))
	indexKey := redelegationSrcIndexKeyFmt.Encode(&r.Source, uint64(r.Start), &r.Owner, &r.Dest)

	if r.Amount.IsZero() {
		if err := s.tree.Remove(ctx, key); err != nil {
			return err
		}
		return s.tree.Remove(ctx, indexKey)
	}

	if err := s.tree.Insert(ctx, key, cbor.Marshal(r)); err != nil {
		return err
	}
	return s.tree.Insert(ctx, indexKey, []byte{})
}

// RemoveRedelegation removes the redelegation record and its source
// index entry.
func (s *MutableState) RemoveRedelegation(ctx context.Context, r *api.RedelegationRecord) error {
	if err := s.tree.Remove(ctx, redelegationKeyFmt.Encode(&r.Owner, &r.Source, &r.Dest, uint64(r.Start))); err != nil {
		return err
	}
	return s.tree.Remove(ctx, redelegationSrcIndexKeyFmt.Encode(&r.Source, uint64(r.Start), &r.Owner, &r.Dest))
}
