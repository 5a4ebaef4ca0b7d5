package game

import (
	"math"
	"math/rand"
	"time"

	"github.com/cbodonnell/plaza/pkg/dialogue"
	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/cbodonnell/plaza/pkg/kinematic"
)

// NPC wanders around its current position, picking a new random target on
// its own timer. NPCs pass through buildings.
type NPC struct {
	Body
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Emoji string `json:"emoji,omitempty"`

	retargetIn time.Duration
}

// RetargetDelay draws a delay in [NPCRetargetMin, NPCRetargetMax).
func RetargetDelay(rng *rand.Rand) time.Duration {
	span := constants.NPCRetargetMax - constants.NPCRetargetMin
	return constants.NPCRetargetMin + time.Duration(rng.Int63n(int64(span)))
}

// RetargetIn is the time left before the NPC picks a new target.
func (n *NPC) RetargetIn() time.Duration {
	return n.retargetIn
}

// Update advances the NPC timer by dt and moves it one tick.
func (n *NPC) Update(dt time.Duration, rng *rand.Rand, bounds Bounds, radius float64) {
	n.retargetIn -= dt
	if n.retargetIn <= 0 {
		n.Target = wanderTarget(n.Position, rng, bounds, radius)
		n.IsMoving = n.Target != n.Position
		n.retargetIn = RetargetDelay(rng)
	}
	n.seek(bounds, 0, 0)
}

// wanderTarget picks a uniformly distributed point within radius of from,
// clamped to bounds.
func wanderTarget(from kinematic.Vector, rng *rand.Rand, bounds Bounds, radius float64) kinematic.Vector {
	angle := rng.Float64() * 2 * math.Pi
	distance := radius * math.Sqrt(rng.Float64())
	return bounds.Clamp(kinematic.Vector{
		X: from.X + math.Cos(angle)*distance,
		Y: from.Y + math.Sin(angle)*distance,
	}, 0, 0)
}

// Persona is the NPC as seen by the dialogue client.
func (n NPC) Persona() dialogue.Persona {
	return dialogue.Persona{ID: n.ID, Name: n.Name, Role: n.Role}
}
