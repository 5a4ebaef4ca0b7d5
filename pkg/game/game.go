package game

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/cbodonnell/plaza/pkg/kinematic"
	"github.com/cbodonnell/plaza/pkg/log"
)

// Loop ticks a World on a fixed interval.
type Loop struct {
	world    *World
	interval time.Duration
	onTick   func(player Body)
	ticks    atomic.Uint64
}

// NewLoopOptions contains options for creating a new Loop.
type NewLoopOptions struct {
	World *World
	// Interval defaults to constants.TickInterval.
	Interval time.Duration
	// OnTick receives the player after every tick, e.g. to broadcast its position.
	OnTick func(player Body)
}

func NewLoop(opts NewLoopOptions) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = constants.TickInterval
	}
	return &Loop{
		world:    opts.World,
		interval: interval,
		onTick:   opts.OnTick,
	}
}

// Ticks is the number of completed ticks.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Start runs the loop until ctx is done.
func (l *Loop) Start(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Debug("Simulating %s every %s", l.world.City(), l.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick runs one iteration of the loop.
func (l *Loop) Tick() {
	l.world.Update(l.interval)
	ticks := l.ticks.Add(1)
	player := l.world.Player()
	log.Trace("Tick %d: player at (%.1f, %.1f)", ticks, player.Position.X, player.Position.Y)
	// only moves are reported
	if l.onTick != nil && player.Velocity != (kinematic.Vector{}) {
		l.onTick(player)
	}
}
