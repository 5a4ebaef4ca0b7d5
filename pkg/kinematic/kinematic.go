package kinematic

// This package includes the straight-line movement helpers shared by players and NPCs.

import (
	"math"
)

// Vector is a 2D position or velocity in world units.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns v - o.
func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y}
}

// Length returns the euclidean length of v.
func (v Vector) Length() float64 {
	return math.Hypot(v.X, v.Y)
}

// Distance returns the euclidean distance between v and o.
func (v Vector) Distance(o Vector) float64 {
	return v.Sub(o).Length()
}

// IsFinite reports whether both components are finite numbers.
func (v Vector) IsFinite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}

// Seek returns the next position when moving from position towards target at
// speed units per tick, the velocity applied, and whether the target was reached.
// When the remaining distance is below speed the position snaps onto the target.
func Seek(position Vector, target Vector, speed float64) (next Vector, velocity Vector, arrived bool) {
	delta := target.Sub(position)
	distance := delta.Length()
	if distance < speed || distance == 0 {
		return target, delta, true
	}
	velocity = Vector{
		X: delta.X / distance * speed,
		Y: delta.Y / distance * speed,
	}
	next = Vector{
		X: position.X + velocity.X,
		Y: position.Y + velocity.Y,
	}
	return next, velocity, false
}

// Direction is a coarse 4-way facing.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Facing returns the direction of the dominant axis of movement.
// Ties go to the horizontal axis; no movement returns fallback.
func Facing(dx float64, dy float64, fallback Direction) Direction {
	if dx == 0 && dy == 0 {
		return fallback
	}
	if math.Abs(dx) >= math.Abs(dy) {
		if dx < 0 {
			return DirectionLeft
		}
		return DirectionRight
	}
	if dy < 0 {
		return DirectionUp
	}
	return DirectionDown
}

// Clamp limits value to the range [min, max].
func Clamp(value float64, min float64, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}
