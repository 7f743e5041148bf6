package state

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

// QueuedSlash returns the queued slash under the given key, or nil if
// it does not exist.
func (s *ImmutableState) QueuedSlash(ctx context.Context, procEpoch epochtime.EpochTime, validator api.Address, infractionEpoch epochtime.EpochTime, typ api.InfractionType) (*api.QueuedSlash, error) {
	value, err := s.tree.Get(ctx, queuedSlashKeyFmt.Encode(uint64(procEpoch), &validator, uint64(infractionEpoch), uint32(typ)))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	var q api.QueuedSlash
	if err = cbor.Unmarshal(value, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// QueuedSlashes returns all queued slashes with processing epoch in
// [from, to], ordered by (processing epoch, validator, infraction
// epoch, type).
func (s *ImmutableState) QueuedSlashes(ctx context.Context, from, to epochtime.EpochTime) ([]*api.QueuedSlash, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var slashes []*api.QueuedSlash
	for it.Seek(queuedSlashKeyFmt.Encode(uint64(from))); it.Valid(); it.Next() {
		var procEpoch, infractionEpoch uint64
		var validator api.Address
		var typ uint32
		if !queuedSlashKeyFmt.Decode(it.Key(), &procEpoch, &validator, &infractionEpoch, &typ) || procEpoch > uint64(to) {
			break
		}

		var q api.QueuedSlash
		if err := cbor.Unmarshal(it.Value(), &q); err != nil {
			return nil, err
		}
		slashes = append(slashes, &q)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return slashes, nil
}

// HasEvidence returns whether evidence for (validator, infraction
// epoch, type) is already queued or finalized.
func (s *ImmutableState) HasEvidence(ctx context.Context, validator api.Address, infractionEpoch epochtime.EpochTime, typ api.InfractionType) (bool, error) {
	final, err := s.FinalizedSlash(ctx, validator, infractionEpoch, typ)
	if err != nil {
		return false, err
	}
	if final != nil {
		return true, nil
	}

	// The processing epoch is derived from the infraction epoch, so a
	// prefix scan is not needed. Still, the processing epoch depends
	// on the unbonding length in effect at ingest, so scan the queue
	// to be safe across parameter changes.
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	for it.Seek(queuedSlashKeyFmt.Encode()); it.Valid(); it.Next() {
		var procEpoch, decInfraction uint64
		var decValidator api.Address
		var decType uint32
		if !queuedSlashKeyFmt.Decode(it.Key(), &procEpoch, &decValidator, &decInfraction, &decType) {
			break
		}
		if decValidator.Equal(validator) && decInfraction == uint64(infractionEpoch) && decType == uint32(typ) {
			return true, nil
		}
	}
	return false, it.Err()
}

// QueueSlash enqueues a slash for processing.
func (s *MutableState) QueueSlash(ctx context.Context, q *api.QueuedSlash) error {
	key := queuedSlashKeyFmt.Encode(uint64(q.ProcessEpoch), &q.Validator, uint64(q.InfractionEpoch), uint32(q.Type))
	return s.tree.Insert(ctx, key, cbor.Marshal(q))
}

// RemoveQueuedSlash removes a queued slash.
func (s *MutableState) RemoveQueuedSlash(ctx context.Context, q *api.QueuedSlash) error {
	key := queuedSlashKeyFmt.Encode(uint64(q.ProcessEpoch), &q.Validator, uint64(q.InfractionEpoch), uint32(q.Type))
	return s.tree.Remove(ctx, key)
}

// FinalizedSlash returns the finalized slash under (validator,
// infraction epoch, type), or nil if it does not exist.
func (s *ImmutableState) FinalizedSlash(ctx context.Context, validator api.Address, infractionEpoch epochtime.EpochTime, typ api.InfractionType) (*api.FinalizedSlash, error) {
	value, err := s.tree.Get(ctx, finalSlashKeyFmt.Encode(&validator, uint64(infractionEpoch), uint32(typ)))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	var f api.FinalizedSlash
	if err = cbor.Unmarshal(value, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// FinalizedSlashesFor returns all finalized slashes of the given
// validator, ordered by (infraction epoch, type).
func (s *ImmutableState) FinalizedSlashesFor(ctx context.Context, validator api.Address) ([]*api.FinalizedSlash, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var slashes []*api.FinalizedSlash
	for it.Seek(finalSlashKeyFmt.Encode(&validator)); it.Valid(); it.Next() {
		var decValidator api.Address
		var infractionEpoch uint64
		var typ uint32
		if !finalSlashKeyFmt.Decode(it.Key(), &decValidator, &infractionEpoch, &typ) {
			break
		}
		if !decValidator.Equal(validator) {
			break
		}

		var f api.FinalizedSlash
		if err := cbor.Unmarshal(it.Value(), &f); err != nil {
			return nil, err
		}
		slashes = append(slashes, &f)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return slashes, nil
}

// SetFinalizedSlash records a finalized slash.
func (s *MutableState) SetFinalizedSlash(ctx context.Context, f *api.FinalizedSlash) error {
	key := finalSlashKeyFmt.Encode(&f.Validator, uint64(f.InfractionEpoch), uint32(f.Type))
	return s.tree.Insert(ctx, key, cbor.Marshal(f))
}

// FinalizedSlashes returns all finalized slashes, ordered by
// (validator, infraction epoch, type).
func (s *ImmutableState) FinalizedSlashes(ctx context.Context) ([]*api.FinalizedSlash, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var slashes []*api.FinalizedSlash
	for it.Seek(finalSlashKeyFmt.Encode()); it.Valid(); it.Next() {
		var validator api.Address
		var infractionEpoch uint64
		var typ uint32
		if !finalSlashKeyFmt.Decode(it.Key(), &validator, &infractionEpoch, &typ) {
			break
		}

		var f api.FinalizedSlash
		if err := cbor.Unmarshal(it.Value(), &f); err != nil {
			return nil, err
		}
		slashes = append(slashes, &f)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return slashes, nil
}
