package game

import (
	"math"

	"github.com/cbodonnell/plaza/pkg/config"
	"github.com/cbodonnell/plaza/pkg/game/constants"
	"github.com/solarlune/resolv"
)

// Building is a static obstacle the player cannot walk through.
type Building struct {
	Name   string
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Contains reports whether the point lies strictly inside the building.
func (b Building) Contains(x float64, y float64) bool {
	return x > b.X && x < b.X+b.Width && y > b.Y && y < b.Y+b.Height
}

// NewCollisionSpace builds the collision space of a city with one object per building.
func NewCollisionSpace(m config.CityMap) (*resolv.Space, []Building) {
	space := resolv.NewSpace(
		int(math.Ceil(m.Width)), int(math.Ceil(m.Height)),
		constants.CollisionCellSize, constants.CollisionCellSize,
	)
	buildings := make([]Building, 0, len(m.Buildings))
	for _, b := range m.Buildings {
		buildings = append(buildings, Building{Name: b.Name, X: b.X, Y: b.Y, Width: b.Width, Height: b.Height})
		space.Add(resolv.NewObject(b.X, b.Y, b.Width, b.Height, constants.CollisionSpaceTagBuilding))
	}
	return space, buildings
}
