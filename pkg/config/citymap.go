package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/cbodonnell/plaza/pkg/presence"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMapWidth     = 1600.0
	DefaultMapHeight    = 1200.0
	DefaultPlayerSpeed  = 4.0
	DefaultNPCSpeed     = 1.5
	DefaultWanderRadius = 50.0
)

// CityMap describes the walkable area of one city: its bounds, the static
// buildings the player collides with and the NPCs that wander it.
type CityMap struct {
	City         string         `yaml:"city"`
	Width        float64        `yaml:"width"`
	Height       float64        `yaml:"height"`
	PlayerStart  Point          `yaml:"player_start"`
	PlayerSpeed  float64        `yaml:"player_speed"`
	NPCSpeed     float64        `yaml:"npc_speed"`
	WanderRadius float64        `yaml:"wander_radius"`
	Buildings    []BuildingSpec `yaml:"buildings"`
	NPCs         []NPCSpec      `yaml:"npcs"`
}

type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type BuildingSpec struct {
	Name   string  `yaml:"name"`
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

type NPCSpec struct {
	Name  string  `yaml:"name"`
	Role  string  `yaml:"role"`
	Emoji string  `yaml:"emoji,omitempty"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
}

// LoadCityMap reads a city map from path. An empty path yields the built-in
// map of city.
func LoadCityMap(path string, city string) (CityMap, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCityMap(city), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return CityMap{}, fmt.Errorf("failed to read city map: %v", err)
	}
	return ParseCityMap(b, city)
}

// ParseCityMap decodes a YAML city map. A map without a city takes city.
func ParseCityMap(b []byte, city string) (CityMap, error) {
	m := CityMap{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return CityMap{}, fmt.Errorf("city map: %w", err)
	}
	if m.City == "" {
		m.City = city
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return CityMap{}, fmt.Errorf("city map: %w", err)
	}
	return m, nil
}

// Normalize fills unset tuning with defaults.
func (m *CityMap) Normalize() {
	m.City = strings.TrimSpace(m.City)
	if m.Width <= 0 {
		m.Width = DefaultMapWidth
	}
	if m.Height <= 0 {
		m.Height = DefaultMapHeight
	}
	if m.PlayerSpeed <= 0 {
		m.PlayerSpeed = DefaultPlayerSpeed
	}
	if m.NPCSpeed <= 0 {
		m.NPCSpeed = DefaultNPCSpeed
	}
	if m.WanderRadius <= 0 {
		m.WanderRadius = DefaultWanderRadius
	}
	if m.PlayerStart == (Point{}) {
		m.PlayerStart = Point{X: m.Width / 2, Y: m.Height / 2}
	}
}

func (m CityMap) Validate() error {
	if m.City == "" {
		return fmt.Errorf("city is required")
	}
	if !m.contains(m.PlayerStart.X, m.PlayerStart.Y) {
		return fmt.Errorf("player start %.0f,%.0f is outside the map", m.PlayerStart.X, m.PlayerStart.Y)
	}
	for i, b := range m.Buildings {
		if b.Width <= 0 || b.Height <= 0 {
			return fmt.Errorf("building %d (%s) has no area", i, b.Name)
		}
		if !m.contains(b.X, b.Y) || !m.contains(b.X+b.Width, b.Y+b.Height) {
			return fmt.Errorf("building %d (%s) is outside the map", i, b.Name)
		}
		if b.X < m.PlayerStart.X && m.PlayerStart.X < b.X+b.Width && b.Y < m.PlayerStart.Y && m.PlayerStart.Y < b.Y+b.Height {
			return fmt.Errorf("player start is inside building %d (%s)", i, b.Name)
		}
	}
	for i, n := range m.NPCs {
		if n.Name == "" {
			return fmt.Errorf("npc %d has no name", i)
		}
		if !m.contains(n.X, n.Y) {
			return fmt.Errorf("npc %d (%s) is outside the map", i, n.Name)
		}
	}
	return nil
}

func (m CityMap) contains(x float64, y float64) bool {
	return x >= 0 && y >= 0 && x <= m.Width && y <= m.Height
}

var defaultNPCs = []NPCSpec{
	{Name: "Maria", Role: "market vendor", Emoji: "🧺"},
	{Name: "Juan", Role: "jeepney driver", Emoji: "🚌"},
	{Name: "Rosa", Role: "nurse", Emoji: "🩺"},
	{Name: "Jose", Role: "construction worker", Emoji: "👷"},
	{Name: "Ana", Role: "teacher", Emoji: "📚"},
	{Name: "Miguel", Role: "chef", Emoji: "🍳"},
}

var defaultBuildings = []BuildingSpec{
	{Name: "City Hall", X: 200, Y: 150, Width: 240, Height: 160},
	{Name: "Market", X: 1100, Y: 180, Width: 260, Height: 140},
	{Name: "Church", X: 220, Y: 820, Width: 180, Height: 200},
	{Name: "Mall", X: 1050, Y: 800, Width: 320, Height: 220},
	{Name: "School", X: 650, Y: 120, Width: 200, Height: 120},
}

// DefaultCityMap is the built-in layout used for every known city.
// Unknown cities get the same layout under their own name.
func DefaultCityMap(city string) CityMap {
	if name, ok := presence.CanonicalCity(city); ok {
		city = name
	}
	m := CityMap{
		City:      city,
		Width:     DefaultMapWidth,
		Height:    DefaultMapHeight,
		Buildings: append([]BuildingSpec(nil), defaultBuildings...),
	}
	for i, n := range defaultNPCs {
		// spread around the plaza in the middle of the map
		n.X = 500 + float64(i%3)*300
		n.Y = 450 + float64(i/3)*300
		m.NPCs = append(m.NPCs, n)
	}
	m.Normalize()
	return m
}
