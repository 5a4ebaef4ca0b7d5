package game

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/cbodonnell/plaza/pkg/config"
	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/cbodonnell/plaza/pkg/kinematic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorld(t *testing.T, m config.CityMap, seed int64) *World {
	t.Helper()
	if m.City == "" {
		m.City = "Manila"
	}
	w, err := NewWorld(NewWorldOptions{Map: m, Rand: rand.New(rand.NewSource(seed))})
	require.NoError(t, err)
	return w
}

func TestWorld_PlayerSeekSnaps(t *testing.T) {
	w := newTestWorld(t, config.CityMap{
		Width:       200,
		Height:      200,
		PlayerStart: config.Point{X: 10, Y: 10},
		PlayerSpeed: 5,
	}, 1)

	require.True(t, w.MovePlayerTo(22, 10))

	var steps []float64
	for i := 0; i < 3; i++ {
		before := w.Player().Position
		w.Update(constants.TickInterval)
		steps = append(steps, w.Player().Position.X-before.X)
	}

	assert.Equal(t, []float64{5, 5, 2}, steps)
	player := w.Player()
	assert.Equal(t, kinematic.Vector{X: 22, Y: 10}, player.Position)
	assert.False(t, player.IsMoving)
	assert.Equal(t, kinematic.DirectionRight, player.Direction)

	w.Update(constants.TickInterval)
	assert.Equal(t, kinematic.Vector{}, w.Player().Velocity)
}

func TestWorld_MovePlayerTo(t *testing.T) {
	tests := []struct {
		name   string
		x, y   float64
		ok     bool
		target kinematic.Vector
	}{
		{name: "inside", x: 50, y: 60, ok: true, target: kinematic.Vector{X: 50, Y: 60}},
		{name: "clamped to bounds", x: 500, y: -20, ok: true, target: kinematic.Vector{X: 200 - constants.PlayerWidth, Y: 0}},
		{name: "nan", x: math.NaN(), y: 10, ok: false, target: kinematic.Vector{X: 10, Y: 10}},
		{name: "inf", x: 10, y: math.Inf(-1), ok: false, target: kinematic.Vector{X: 10, Y: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorld(t, config.CityMap{
				Width:       200,
				Height:      200,
				PlayerStart: config.Point{X: 10, Y: 10},
			}, 1)
			assert.Equal(t, tt.ok, w.MovePlayerTo(tt.x, tt.y))
			assert.Equal(t, tt.target, w.Player().Target)
		})
	}
}

func TestWorld_PlayerBlockedByBuilding(t *testing.T) {
	w := newTestWorld(t, config.CityMap{
		Width:       400,
		Height:      400,
		PlayerStart: config.Point{X: 50, Y: 50},
		PlayerSpeed: 4,
		Buildings: []config.BuildingSpec{
			{Name: "Wall", X: 100, Y: 0, Width: 50, Height: 200},
		},
	}, 1)

	require.True(t, w.MovePlayerTo(300, 50))
	for i := 0; i < 100; i++ {
		w.Update(constants.TickInterval)
	}

	player := w.Player()
	assert.Equal(t, 100-constants.PlayerWidth, player.Position.X)
	assert.Equal(t, 50.0, player.Position.Y)
	assert.False(t, player.IsMoving)
	assert.False(t, w.BlockedAt(player.Position.X, player.Position.Y))
}

func TestWorld_PlayerSlidesAlongBuilding(t *testing.T) {
	w := newTestWorld(t, config.CityMap{
		Width:       400,
		Height:      400,
		PlayerStart: config.Point{X: 76, Y: 50},
		PlayerSpeed: 4,
		Buildings: []config.BuildingSpec{
			{Name: "Wall", X: 100, Y: 0, Width: 50, Height: 200},
		},
	}, 1)

	// walking straight down next to the wall is not blocked by it
	require.True(t, w.MovePlayerTo(76, 150))
	for i := 0; i < 100; i++ {
		w.Update(constants.TickInterval)
	}
	assert.Equal(t, kinematic.Vector{X: 76, Y: 150}, w.Player().Position)
}

func TestNPC_IgnoresBuildings(t *testing.T) {
	w := newTestWorld(t, config.CityMap{
		Width:       400,
		Height:      400,
		PlayerStart: config.Point{X: 10, Y: 10},
		NPCSpeed:    5,
		Buildings: []config.BuildingSpec{
			{Name: "Wall", X: 100, Y: 0, Width: 50, Height: 200},
		},
		NPCs: []config.NPCSpec{{Name: "Maria", Role: "market vendor", X: 80, Y: 50}},
	}, 1)

	npc := w.npcs[w.npcOrder[0]]
	npc.Target = kinematic.Vector{X: 180, Y: 50}
	npc.IsMoving = true
	npc.retargetIn = time.Hour

	for i := 0; i < 30; i++ {
		w.Update(constants.TickInterval)
	}

	got, ok := w.NPC(npc.ID)
	require.True(t, ok)
	assert.Equal(t, kinematic.Vector{X: 180, Y: 50}, got.Position)
}

func TestRetargetDelay_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		d := RetargetDelay(rng)
		assert.GreaterOrEqual(t, d, constants.NPCRetargetMin)
		assert.Less(t, d, constants.NPCRetargetMax)
	}
}

func TestNPC_RetargetsWithinRadius(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	bounds := Bounds{Width: 1000, Height: 1000}
	for i := 0; i < 200; i++ {
		npc := &NPC{Body: newBody(500, 500, 1.5), retargetIn: 10 * time.Millisecond}
		npc.Update(constants.TickInterval, rng, bounds, 50)

		assert.LessOrEqual(t, npc.Target.Distance(kinematic.Vector{X: 500, Y: 500}), 50.0)
		assert.GreaterOrEqual(t, npc.RetargetIn(), constants.NPCRetargetMin)
		assert.Less(t, npc.RetargetIn(), constants.NPCRetargetMax)
	}
}

func TestNPC_RetargetClampedToBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	bounds := Bounds{Width: 100, Height: 100}
	for i := 0; i < 200; i++ {
		npc := &NPC{Body: newBody(0, 100, 1.5)}
		npc.Update(constants.TickInterval, rng, bounds, 50)

		assert.GreaterOrEqual(t, npc.Target.X, 0.0)
		assert.LessOrEqual(t, npc.Target.Y, 100.0)
	}
}

func TestWorld_NearbyNPCs(t *testing.T) {
	w := newTestWorld(t, config.CityMap{
		Width:       1000,
		Height:      1000,
		PlayerStart: config.Point{X: 100, Y: 100},
		NPCs: []config.NPCSpec{
			{Name: "Far", Role: "teacher", X: 400, Y: 400},
			{Name: "Near", Role: "chef", X: 160, Y: 100},
			{Name: "Nearest", Role: "nurse", X: 110, Y: 100},
		},
	}, 1)

	nearby := w.NearbyNPCs(constants.NPCInteractRadius)
	require.Len(t, nearby, 2)
	assert.Equal(t, "Nearest", nearby[0].Name)
	assert.Equal(t, "Near", nearby[1].Name)

	npc, ok := w.NPCAt(158, 100, 10)
	require.True(t, ok)
	assert.Equal(t, "Near", npc.Name)
	assert.Equal(t, npc.ID, npc.Persona().ID)

	_, ok = w.NPCAt(700, 700, 10)
	assert.False(t, ok)

	_, ok = w.NPC("missing")
	assert.False(t, ok)
}

func TestWorld_DeterministicWithSeed(t *testing.T) {
	m := config.DefaultCityMap("manila")
	a := newTestWorld(t, m, 42)
	b := newTestWorld(t, m, 42)

	for i := 0; i < 300; i++ {
		a.Update(constants.TickInterval)
		b.Update(constants.TickInterval)
	}

	assert.Equal(t, a.NPCs(), b.NPCs())
	assert.Equal(t, "Manila", a.City())
	assert.Len(t, a.NPCs(), 6)
	assert.Len(t, a.Buildings(), 5)
}

func TestNewWorld_InvalidMap(t *testing.T) {
	_, err := NewWorld(NewWorldOptions{Map: config.CityMap{
		City:        "Manila",
		Width:       100,
		Height:      100,
		PlayerStart: config.Point{X: 500, Y: 500},
	}})
	assert.Error(t, err)
}

func TestLoop_Tick(t *testing.T) {
	w := newTestWorld(t, config.CityMap{
		Width:       200,
		Height:      200,
		PlayerStart: config.Point{X: 10, Y: 10},
		PlayerSpeed: 5,
	}, 1)

	var reported []kinematic.Vector
	loop := NewLoop(NewLoopOptions{
		World: w,
		OnTick: func(player Body) {
			reported = append(reported, player.Position)
		},
	})

	loop.Tick()
	assert.Empty(t, reported, "a still player is not reported")

	require.True(t, w.MovePlayerTo(22, 10))
	for i := 0; i < 5; i++ {
		loop.Tick()
	}
	assert.Equal(t, []kinematic.Vector{{X: 15, Y: 10}, {X: 20, Y: 10}, {X: 22, Y: 10}}, reported)
	assert.Equal(t, uint64(6), loop.Ticks())
}

func TestLoop_StartStopsOnCancel(t *testing.T) {
	w := newTestWorld(t, config.CityMap{Width: 200, Height: 200}, 1)
	loop := NewLoop(NewLoopOptions{World: w, Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop.Start(ctx)
	}()

	assert.Eventually(t, func() bool { return loop.Ticks() > 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
