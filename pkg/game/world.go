package game

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cbodonnell/plaza/pkg/config"
	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/cbodonnell/plaza/pkg/kinematic"
	"github.com/google/uuid"
	"github.com/solarlune/resolv"
)

// World is the local simulation of one city.
type World struct {
	mu sync.RWMutex

	city         string
	bounds       Bounds
	wanderRadius float64
	space        *resolv.Space
	buildings    []Building
	player       *Player
	npcs         map[string]*NPC
	npcOrder     []string
	rng          *rand.Rand
}

// NewWorldOptions contains options for creating a new World.
type NewWorldOptions struct {
	Map config.CityMap
	// Rand drives NPC ids, wander targets and timers. Defaults to a time-seeded source.
	Rand *rand.Rand
}

func NewWorld(opts NewWorldOptions) (*World, error) {
	m := opts.Map
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid city map: %v", err)
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	space, buildings := NewCollisionSpace(m)
	w := &World{
		city:         m.City,
		bounds:       Bounds{Width: m.Width, Height: m.Height},
		wanderRadius: m.WanderRadius,
		space:        space,
		buildings:    buildings,
		npcs:         make(map[string]*NPC, len(m.NPCs)),
		rng:          rng,
	}

	w.player = NewPlayer(m.PlayerStart.X, m.PlayerStart.Y, m.PlayerSpeed)
	w.player.Teleport(m.PlayerStart.X, m.PlayerStart.Y, w.bounds)
	w.space.Add(w.player.Object)

	for _, spec := range m.NPCs {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, fmt.Errorf("failed to generate NPC id: %v", err)
		}
		pos := w.bounds.Clamp(kinematic.Vector{X: spec.X, Y: spec.Y}, 0, 0)
		npc := &NPC{
			Body:       newBody(pos.X, pos.Y, m.NPCSpeed),
			ID:         id.String(),
			Name:       spec.Name,
			Role:       spec.Role,
			Emoji:      spec.Emoji,
			retargetIn: RetargetDelay(rng),
		}
		w.npcs[npc.ID] = npc
		w.npcOrder = append(w.npcOrder, npc.ID)
	}

	return w, nil
}

func (w *World) City() string {
	return w.city
}

func (w *World) Bounds() Bounds {
	return w.bounds
}

func (w *World) Buildings() []Building {
	return append([]Building(nil), w.buildings...)
}

// Update advances every timer and integrator by one tick of dt.
func (w *World) Update(dt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.player.Update(w.bounds)
	for _, id := range w.npcOrder {
		w.npcs[id].Update(dt, w.rng, w.bounds, w.wanderRadius)
	}
}

// MovePlayerTo sets the player's walk target. It returns false for a
// non-finite target, which leaves the player untouched.
func (w *World) MovePlayerTo(x float64, y float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.player.MoveTo(x, y, w.bounds)
}

// Player returns a copy of the player's body.
func (w *World) Player() Body {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.player.Body
}

// NPCs returns copies of every NPC in spawn order.
func (w *World) NPCs() []NPC {
	w.mu.RLock()
	defer w.mu.RUnlock()
	npcs := make([]NPC, 0, len(w.npcOrder))
	for _, id := range w.npcOrder {
		npcs = append(npcs, *w.npcs[id])
	}
	return npcs
}

// NPC returns a copy of the NPC with the given id.
func (w *World) NPC(id string) (NPC, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	npc, ok := w.npcs[id]
	if !ok {
		return NPC{}, false
	}
	return *npc, true
}

// NearbyNPCs returns the NPCs within radius of the player, closest first.
func (w *World) NearbyNPCs(radius float64) []NPC {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.within(w.player.Position, radius)
}

// NPCAt returns the closest NPC within radius of (x, y).
func (w *World) NPCAt(x float64, y float64, radius float64) (NPC, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	npcs := w.within(kinematic.Vector{X: x, Y: y}, radius)
	if len(npcs) == 0 {
		return NPC{}, false
	}
	return npcs[0], true
}

func (w *World) within(from kinematic.Vector, radius float64) []NPC {
	npcs := []NPC{}
	for _, id := range w.npcOrder {
		npc := w.npcs[id]
		if npc.Position.Distance(from) <= radius {
			npcs = append(npcs, *npc)
		}
	}
	sort.SliceStable(npcs, func(i, j int) bool {
		return npcs[i].Position.Distance(from) < npcs[j].Position.Distance(from)
	})
	return npcs
}

// BlockedAt reports whether a player-sized box at (x, y) would overlap a building.
func (w *World) BlockedAt(x float64, y float64) bool {
	for _, b := range w.buildings {
		if x < b.X+b.Width && x+constants.PlayerWidth > b.X && y < b.Y+b.Height && y+constants.PlayerHeight > b.Y {
			return true
		}
	}
	return false
}
