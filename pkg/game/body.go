package game

import (
	"math"

	"github.com/cbodonnell/plaza/pkg/kinematic"
)

// Bounds is the walkable rectangle of a map, from the origin.
type Bounds struct {
	Width  float64
	Height float64
}

// Clamp keeps a box of the given size inside the bounds.
func (b Bounds) Clamp(v kinematic.Vector, w float64, h float64) kinematic.Vector {
	return kinematic.Vector{
		X: kinematic.Clamp(v.X, 0, math.Max(0, b.Width-w)),
		Y: kinematic.Clamp(v.Y, 0, math.Max(0, b.Height-h)),
	}
}

// Body is the moving part shared by the player and NPCs.
type Body struct {
	Position  kinematic.Vector    `json:"position"`
	Velocity  kinematic.Vector    `json:"velocity"`
	Target    kinematic.Vector    `json:"target"`
	Speed     float64             `json:"speed"`
	IsMoving  bool                `json:"isMoving"`
	Direction kinematic.Direction `json:"direction"`
}

func newBody(x float64, y float64, speed float64) Body {
	p := kinematic.Vector{X: x, Y: y}
	return Body{
		Position:  p,
		Target:    p,
		Speed:     speed,
		Direction: kinematic.DirectionDown,
	}
}

// seek is the collision-free integrator: one straight step towards the target.
func (b *Body) seek(bounds Bounds, w float64, h float64) {
	if !b.IsMoving {
		b.Velocity = kinematic.Vector{}
		return
	}
	next, _, arrived := kinematic.Seek(b.Position, b.Target, b.Speed)
	next = bounds.Clamp(next, w, h)
	b.move(next.X-b.Position.X, next.Y-b.Position.Y)
	if arrived {
		b.IsMoving = false
	}
}

func (b *Body) move(dx float64, dy float64) {
	b.Position.X += dx
	b.Position.Y += dy
	b.Velocity = kinematic.Vector{X: dx, Y: dy}
	b.Direction = kinematic.Facing(dx, dy, b.Direction)
}
