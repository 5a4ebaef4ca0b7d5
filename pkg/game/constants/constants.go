package constants

import "time"

const (
	// PlayerWidth is the width of the player's collision box
	PlayerWidth float64 = 24.0
	// PlayerHeight is the height of the player's collision box
	PlayerHeight float64 = 24.0

	// NPCRetargetMin is the shortest time an NPC walks before picking a new target
	NPCRetargetMin = 3000 * time.Millisecond
	// NPCRetargetMax bounds the retarget delay, exclusive
	NPCRetargetMax = 6000 * time.Millisecond

	// CollisionCellSize is the cell size of the collision space
	CollisionCellSize = 16

	// TickInterval is the default simulation step
	TickInterval = time.Second / 30

	// NPCInteractRadius is how close the player must be to talk to an NPC
	NPCInteractRadius float64 = 120.0
)

// Collision space tags
const (
	CollisionSpaceTagBuilding = "building"
	CollisionSpaceTagPlayer   = "player"
)
