package stream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/freshet-io/freshet/pkg/log"
	"github.com/freshet-io/freshet/pkg/metrics"
	"github.com/freshet-io/freshet/pkg/types"
)

// BarrierNotifier is where an actor reports barrier passage; implemented
// by the LocalBarrierManager.
type BarrierNotifier interface {
	OnBarrierPassed(actorID uint32, b *types.Barrier)
}

// Actor drives one executor pipeline: it pulls messages from the root
// executor, routes them through its dispatchers, and reports barriers.
// Each actor is one goroutine; all executor state is confined to it.
type Actor struct {
	id         uint32
	fragmentID uint32
	exec       Executor
	dispatchers []*Dispatcher
	shared     *SharedContext
	notifier   BarrierNotifier
	token      *ShutdownToken
	logger     zerolog.Logger
}

// NewActor creates an actor
func NewActor(id, fragmentID uint32, exec Executor, dispatchers []*Dispatcher, shared *SharedContext, notifier BarrierNotifier) *Actor {
	return &Actor{
		id:          id,
		fragmentID:  fragmentID,
		exec:        exec,
		dispatchers: dispatchers,
		shared:      shared,
		notifier:    notifier,
		token:       NewShutdownToken(),
		logger:      log.WithActorID(id),
	}
}

// ID returns the actor id
func (a *Actor) ID() uint32 {
	return a.id
}

// FragmentID returns the owning fragment
func (a *Actor) FragmentID() uint32 {
	return a.fragmentID
}

// Token returns the actor's shutdown token
func (a *Actor) Token() *ShutdownToken {
	return a.token
}

// Run executes the actor until its stream ends, it is stopped by a
// barrier mutation, or an error escapes the pipeline.
func (a *Actor) Run(ctx context.Context) error {
	metrics.ActorsTotal.Inc()
	defer metrics.ActorsTotal.Dec()
	defer a.closeOutputs()

	resolve := func(down uint32) *Channel {
		return a.shared.Channel(a.id, down)
	}

	for {
		if err := a.token.Check(); err != nil {
			return err
		}
		msg, err := a.exec.Next(ctx)
		if errors.Is(err, ErrEndOfStream) {
			a.logger.Debug().Msg("Actor input exhausted")
			return nil
		}
		if err != nil {
			a.logger.Error().Err(err).Msg("Actor pipeline failed")
			return err
		}

		for _, d := range a.dispatchers {
			if err := d.Dispatch(ctx, msg, resolve); err != nil {
				return err
			}
		}

		if msg.IsBarrier() {
			b := msg.Barrier
			a.notifier.OnBarrierPassed(a.id, b)
			if stopsSelf(b, a.id) {
				a.logger.Info().Str("epoch", b.Epoch.Curr.String()).Msg("Actor stopping on barrier")
				return nil
			}
		}
	}
}

func stopsSelf(b *types.Barrier, actorID uint32) bool {
	stop, ok := b.Mutation.(types.StopMutation)
	if !ok {
		if u, ok := b.Mutation.(types.UpdateMutation); ok {
			for _, id := range u.DroppedActors {
				if id == actorID {
					return true
				}
			}
		}
		return false
	}
	for _, id := range stop.Actors {
		if id == actorID {
			return true
		}
	}
	return false
}

func (a *Actor) closeOutputs() {
	for _, d := range a.dispatchers {
		d.CloseOutputs()
	}
}
