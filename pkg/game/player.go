package game

import (
	"math"

	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/cbodonnell/plaza/pkg/kinematic"
	"github.com/solarlune/resolv"
)

// Player is the locally controlled participant. It walks towards its
// target and stops against buildings, one axis at a time.
type Player struct {
	Body
	Object *resolv.Object
}

func NewPlayer(x float64, y float64, speed float64) *Player {
	return &Player{
		Body:   newBody(x, y, speed),
		Object: resolv.NewObject(x, y, constants.PlayerWidth, constants.PlayerHeight, constants.CollisionSpaceTagPlayer),
	}
}

// MoveTo sets a new target, clamped to bounds. Non-finite targets are ignored.
func (p *Player) MoveTo(x float64, y float64, bounds Bounds) bool {
	target := kinematic.Vector{X: x, Y: y}
	if !target.IsFinite() {
		return false
	}
	p.Target = bounds.Clamp(target, constants.PlayerWidth, constants.PlayerHeight)
	p.IsMoving = p.Target != p.Position
	return true
}

// Update advances the player one tick.
func (p *Player) Update(bounds Bounds) {
	if !p.IsMoving {
		p.Velocity = kinematic.Vector{}
		return
	}

	next, _, _ := kinematic.Seek(p.Position, p.Target, p.Speed)
	next = bounds.Clamp(next, constants.PlayerWidth, constants.PlayerHeight)

	// X-axis
	dx := next.X - p.Position.X
	if collision := p.Object.Check(dx, 0, constants.CollisionSpaceTagBuilding); collision != nil {
		for _, o := range collision.Objects {
			if c := collision.ContactWithObject(o).X; overlaps(p.Object, dx, 0, o) && math.Abs(c) < math.Abs(dx) {
				dx = c
			}
		}
	}
	p.Object.Position.X = p.Position.X + dx
	p.Object.Update()

	// Y-axis
	dy := next.Y - p.Position.Y
	if collision := p.Object.Check(0, dy, constants.CollisionSpaceTagBuilding); collision != nil {
		for _, o := range collision.Objects {
			if c := collision.ContactWithObject(o).Y; overlaps(p.Object, 0, dy, o) && math.Abs(c) < math.Abs(dy) {
				dy = c
			}
		}
	}

	p.move(dx, dy)

	// Update the player collision object
	p.Object.Position.X = p.Position.X
	p.Object.Position.Y = p.Position.Y
	p.Object.Update()

	switch {
	case p.Position == p.Target:
		p.IsMoving = false
	case dx == 0 && dy == 0:
		// pressed against a building with nowhere left to go
		p.IsMoving = false
	}
}

// Teleport places the player without walking, e.g. when restoring a saved position.
func (p *Player) Teleport(x float64, y float64, bounds Bounds) {
	pos := bounds.Clamp(kinematic.Vector{X: x, Y: y}, constants.PlayerWidth, constants.PlayerHeight)
	p.Position = pos
	p.Target = pos
	p.Velocity = kinematic.Vector{}
	p.IsMoving = false
	p.Object.Position.X = pos.X
	p.Object.Position.Y = pos.Y
	p.Object.Update()
}

// overlaps reports whether obj moved by (dx, dy) would intersect other.
// Check only reports shared cells, so touching edges and cell neighbours
// are filtered here.
func overlaps(obj *resolv.Object, dx float64, dy float64, other *resolv.Object) bool {
	x, y := obj.Position.X+dx, obj.Position.Y+dy
	return x < other.Position.X+other.Size.X && x+obj.Size.X > other.Position.X &&
		y < other.Position.Y+other.Size.Y && y+obj.Size.Y > other.Position.Y
}
