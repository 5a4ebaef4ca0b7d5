package presence

import (
	"math"
	"strings"
)

const (
	// DefaultPlaneSize is the side of the square ground plane used by the 3D world
	DefaultPlaneSize = 6000.0
	// MetersPerUnit is the scale of one world unit on the ground
	MetersPerUnit = 1.0

	metersPerDegreeLat = 111320.0
)

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Cities maps known city names to their reference coordinates.
var Cities = map[string]LatLng{
	"Manila":         {Lat: 14.5994, Lng: 120.9842},
	"Quezon City":    {Lat: 14.6760, Lng: 121.0437},
	"Makati":         {Lat: 14.5547, Lng: 121.0244},
	"Cebu City":      {Lat: 10.3157, Lng: 123.8854},
	"Davao City":     {Lat: 7.1907, Lng: 125.4553},
	"Baguio":         {Lat: 16.4023, Lng: 120.5960},
	"Iloilo City":    {Lat: 10.7202, Lng: 122.5621},
	"Cagayan de Oro": {Lat: 8.4542, Lng: 124.6319},
	"Zamboanga City": {Lat: 6.9214, Lng: 122.0790},
	"Bacolod":        {Lat: 10.6765, Lng: 122.9509},
}

// CityCoordinates looks a city up case-insensitively.
func CityCoordinates(city string) (LatLng, bool) {
	name, ok := CanonicalCity(city)
	if !ok {
		return LatLng{}, false
	}
	return Cities[name], true
}

// CanonicalCity returns the spelling of a known city as it appears in Cities.
func CanonicalCity(city string) (string, bool) {
	if _, ok := Cities[city]; ok {
		return city, true
	}
	for name := range Cities {
		if strings.EqualFold(name, city) {
			return name, true
		}
	}
	return "", false
}

// WorldToLatLng maps a world position on a square plane of the given size,
// centred on the city's reference coordinates, to a lat/lng.
// World y grows southwards. It returns false for unknown cities or
// non-finite input.
func WorldToLatLng(planeSize float64, city string, x float64, y float64) (LatLng, bool) {
	origin, ok := CityCoordinates(city)
	if !ok || planeSize <= 0 {
		return LatLng{}, false
	}
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return LatLng{}, false
	}
	half := planeSize / 2
	northMeters := -(y - half) * MetersPerUnit
	eastMeters := (x - half) * MetersPerUnit

	lat := origin.Lat + northMeters/metersPerDegreeLat
	lng := origin.Lng + eastMeters/(metersPerDegreeLat*math.Cos(origin.Lat*math.Pi/180))
	return LatLng{Lat: lat, Lng: lng}, true
}
