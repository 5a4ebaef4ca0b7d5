package kinematic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeek_SnapsWithoutOvershoot(t *testing.T) {
	position := Vector{X: 0, Y: 0}
	target := Vector{X: 12, Y: 0}

	var steps []float64
	for i := 0; i < 3; i++ {
		next, _, _ := Seek(position, target, 5)
		steps = append(steps, next.X-position.X)
		position = next
	}

	assert.Equal(t, []float64{5, 5, 2}, steps)
	assert.Equal(t, target, position)

	next, velocity, arrived := Seek(position, target, 5)
	assert.True(t, arrived)
	assert.Equal(t, target, next)
	assert.Equal(t, Vector{}, velocity)
}

func TestSeek_Diagonal(t *testing.T) {
	next, velocity, arrived := Seek(Vector{}, Vector{X: 30, Y: 40}, 5)
	assert.False(t, arrived)
	assert.InDelta(t, 3, next.X, 1e-9)
	assert.InDelta(t, 4, next.Y, 1e-9)
	assert.InDelta(t, 5, velocity.Length(), 1e-9)
}

func TestFacing(t *testing.T) {
	tests := []struct {
		name   string
		dx, dy float64
		want   Direction
	}{
		{name: "right", dx: 3, dy: 1, want: DirectionRight},
		{name: "left", dx: -3, dy: 1, want: DirectionLeft},
		{name: "down", dx: 1, dy: 3, want: DirectionDown},
		{name: "up", dx: 1, dy: -3, want: DirectionUp},
		{name: "tie is horizontal", dx: -2, dy: 2, want: DirectionLeft},
		{name: "still keeps fallback", dx: 0, dy: 0, want: DirectionUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Facing(tt.dx, tt.dy, DirectionUp))
		})
	}
}

func TestVector_IsFinite(t *testing.T) {
	assert.True(t, Vector{X: 1, Y: 2}.IsFinite())
	assert.False(t, Vector{X: math.NaN(), Y: 2}.IsFinite())
	assert.False(t, Vector{X: 1, Y: math.Inf(1)}.IsFinite())
}
