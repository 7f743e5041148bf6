// Package core implements the epoched proof-of-stake state machine.
//
// The core executes strictly serially inside block execution: each
// transaction runs in its own storage transaction that either commits
// in full or leaves no trace, and the epoch transition runs as one
// atomic storage transaction attached to the first block of the new
// epoch. A failure inside the transition is fatal, as recovering
// would risk silent state divergence between nodes.
package core

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/logging"
	"github.com/aurelia-network/aurelia-core/common/pubsub"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/pos/api"
	"github.com/aurelia-network/aurelia-core/pos/metrics"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
	"github.com/aurelia-network/aurelia-core/storage/kv"
)

// Core is the proof-of-stake state machine.
type Core struct {
	backend kv.Backend
	logger  *logging.Logger

	eventNotifier *pubsub.Broker
}

// New creates a new proof-of-stake core on top of the given storage
// backend.
func New(backend kv.Backend) *Core {
	return &Core{
		backend:       backend,
		logger:        logging.GetLogger("pos/core"),
		eventNotifier: pubsub.NewBroker(false),
	}
}

// WatchEvents returns a channel that produces a stream of pos events.
func (c *Core) WatchEvents() (<-chan *api.Event, *pubsub.Subscription) {
	typedCh := make(chan *api.Event)
	sub := c.eventNotifier.Subscribe()
	sub.Unwrap(typedCh)

	return typedCh, sub
}

// blockCtx carries the state of a single storage transaction's worth
// of execution: the mutable state wrapper and the events accumulated
// so far.
type blockCtx struct {
	state  *posState.MutableState
	events []*api.Event
	height int64
}

func (b *blockCtx) emit(ev *api.Event) {
	ev.Height = b.height
	b.events = append(b.events, ev)
}

// withTx runs fn inside a fresh storage transaction. The transaction
// commits iff fn succeeds; accumulated events are broadcast only after
// a successful commit.
func (c *Core) withTx(ctx context.Context, height int64, fn func(ctx context.Context, bc *blockCtx) error) ([]*api.Event, error) {
	tx := c.backend.NewTransaction()
	defer tx.Discard()

	bc := &blockCtx{
		state:  posState.NewMutableState(tx),
		height: height,
	}

	if err := fn(ctx, bc); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for _, ev := range bc.events {
		c.eventNotifier.Broadcast(ev)
	}
	return bc.events, nil
}

// InitGenesis initializes the pos state from the genesis document.
func (c *Core) InitGenesis(ctx context.Context, genesis *api.Genesis) error {
	if err := genesis.Parameters.SanityCheck(); err != nil {
		return err
	}

	_, err := c.withTx(ctx, 0, func(ctx context.Context, bc *blockCtx) error {
		st := bc.state

		if err := st.SetConsensusParameters(ctx, &genesis.Parameters); err != nil {
			return err
		}
		if err := st.SetEpochState(ctx, &posState.EpochState{Epoch: 0, FirstBlockHeight: 0}); err != nil {
			return err
		}
		if err := st.SetTotalSupply(ctx, genesis.TotalSupply.Clone()); err != nil {
			return err
		}

		for i := range genesis.Accounts {
			acct := &genesis.Accounts[i]
			if err := st.SetAccount(ctx, acct.Address, &posState.Account{Balance: *acct.Balance.Clone()}); err != nil {
				return err
			}
		}

		for i := range genesis.Validators {
			gv := &genesis.Validators[i]
			body := cbor.Marshal(&api.BecomeValidator{
				ConsensusKey:        gv.ConsensusKey,
				CommissionRate:      gv.CommissionRate,
				MaxCommissionChange: gv.MaxCommissionChange,
				Metadata:            gv.Metadata,
				SelfBond:            gv.SelfBond,
			})
			if err := c.becomeValidator(ctx, bc, gv.Address, body, true); err != nil {
				return err
			}
		}

		params, err := st.ConsensusParameters(ctx)
		if err != nil {
			return err
		}
		if err := c.recomputeValidatorSets(ctx, bc, params, 0, false); err != nil {
			return err
		}

		return c.checkInvariants(ctx, st, 0)
	})
	return err
}

// OnNewBlock processes a new block from the consensus engine.
//
// It advances the epoch clock if the block is the first of a new
// epoch, ingests misbehavior evidence, accumulates block rewards, and
// credits transaction fees to the proposer. A non-nil error from the
// epoch transition is fatal and the node must halt.
func (c *Core) OnNewBlock(
	ctx context.Context,
	header *api.BlockHeader,
	proposer api.Address,
	signers []api.Address,
	evidence []*api.Evidence,
	fees *quantity.Quantity,
) ([]*api.Event, error) {
	var events []*api.Event

	// Epoch transitions, each as its own atomic storage transaction.
	// A block can cross more than one boundary if the chain stalled.
	for {
		var transitioned bool
		transitionEvents, err := c.withTx(ctx, header.Height, func(ctx context.Context, bc *blockCtx) error {
			var terr error
			transitioned, terr = c.maybeTransitionEpoch(ctx, bc, header)
			return terr
		})
		if err != nil {
			c.logger.Error("epoch transition failed, halting",
				"err", err,
				"height", header.Height,
			)
			return nil, api.ErrFatalInvariant
		}
		events = append(events, transitionEvents...)
		if !transitioned {
			break
		}
	}

	// Evidence ingest. Duplicates are silently dropped, malformed
	// evidence rejects only itself.
	for _, ev := range evidence {
		evEvents, err := c.withTx(ctx, header.Height, func(ctx context.Context, bc *blockCtx) error {
			return c.ingestEvidence(ctx, bc, ev)
		})
		if err != nil {
			c.logger.Warn("failed to ingest evidence",
				"err", err,
				"validator", ev.Validator,
				"infraction_epoch", ev.InfractionEpoch,
			)
			continue
		}
		events = append(events, evEvents...)
	}

	// Block rewards and fees.
	rewardEvents, err := c.withTx(ctx, header.Height, func(ctx context.Context, bc *blockCtx) error {
		if err := c.accumulateBlockRewards(ctx, bc, proposer, signers); err != nil {
			return err
		}
		return c.creditFees(ctx, bc, proposer, fees)
	})
	if err != nil {
		c.logger.Error("failed to accumulate block rewards",
			"err", err,
			"height", header.Height,
		)
		return nil, err
	}
	events = append(events, rewardEvents...)

	return events, nil
}

// ExecuteTx executes a single pos transaction in its own storage
// transaction. Validation failures reject the transaction and leave
// no state change.
func (c *Core) ExecuteTx(ctx context.Context, tx *api.Tx) ([]*api.Event, error) {
	if !tx.Sender.IsValid() || tx.Sender.IsReserved() {
		return nil, api.ErrInvalidArgument
	}

	return c.withTx(ctx, 0, func(ctx context.Context, bc *blockCtx) error {
		switch tx.Method {
		case api.MethodBecomeValidator:
			return c.becomeValidator(ctx, bc, tx.Sender, tx.Body, false)
		case api.MethodBond:
			return c.bond(ctx, bc, tx.Sender, tx.Body)
		case api.MethodUnbond:
			return c.unbond(ctx, bc, tx.Sender, tx.Body)
		case api.MethodWithdraw:
			return c.withdraw(ctx, bc, tx.Sender, tx.Body)
		case api.MethodRedelegate:
			return c.redelegate(ctx, bc, tx.Sender, tx.Body)
		case api.MethodChangeCommission:
			return c.changeCommission(ctx, bc, tx.Sender, tx.Body)
		case api.MethodChangeConsensusKey:
			return c.changeConsensusKey(ctx, bc, tx.Sender, tx.Body)
		case api.MethodDeactivate:
			return c.deactivateValidator(ctx, bc, tx.Sender)
		case api.MethodReactivate:
			return c.reactivateValidator(ctx, bc, tx.Sender)
		case api.MethodUnjail:
			return c.unjailValidator(ctx, bc, tx.Sender)
		default:
			return api.ErrInvalidArgument
		}
	})
}

// ScheduleParameterChange schedules a governance parameter change that
// takes effect at the given epoch transition.
func (c *Core) ScheduleParameterChange(ctx context.Context, epoch uint64, params *api.Parameters) error {
	if err := params.SanityCheck(); err != nil {
		return err
	}

	_, err := c.withTx(ctx, 0, func(ctx context.Context, bc *blockCtx) error {
		current, err := bc.state.CurrentEpoch(ctx)
		if err != nil {
			return err
		}
		if epoch <= uint64(current) {
			return api.ErrInvalidEpochWrite
		}
		return bc.state.ScheduleParameters(ctx, toEpoch(epoch), params)
	})
	if err == nil {
		metrics.ParameterChangesScheduled.Inc()
	}
	return err
}
