// Package geo holds the pure validation and geometry helpers shared by the
// character registry and the websocket layer.
package geo

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
)

// Vector is a 3-component coordinate or angle triple.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// idPattern matches "character-" followed by 5 to 20 digits.
var idPattern = regexp.MustCompile(`^character-\d{5,20}$`)

// usernamePattern matches 3 to 20 characters of letters, digits,
// hyphen, underscore, dot and space.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._\- ]{3,20}$`)

// ValidID reports whether id is in the accepted character id format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidUsername reports whether name is an acceptable display name.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// ValidNumber reports whether n is a finite real number.
func ValidNumber(n float64) bool {
	return !math.IsNaN(n) && !math.IsInf(n, 0)
}

// ValidVector reports whether all three components are finite.
func ValidVector(v Vector) bool {
	return ValidNumber(v.X) && ValidNumber(v.Y) && ValidNumber(v.Z)
}

// RandomID returns a fresh id in the valid format. Ids are correlation
// keys, not a security boundary, so math/rand is fine here.
func RandomID() string {
	return fmt.Sprintf("character-%05d", rand.Intn(100000))
}

// Distance returns the ground-plane distance between two positions.
// The Y axis is height, not map position, so it is excluded.
func Distance(a, b Vector) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dz*dz)
}

// Bounds is the axis-aligned cube positions are clamped into.
type Bounds struct {
	Min Vector
	Max Vector
}

// DefaultBounds is the 0..10 play area used unless configured otherwise.
var DefaultBounds = Bounds{Min: Vector{0, 0, 0}, Max: Vector{10, 10, 10}}

// Contains reports whether v lies inside the bounds, inclusive.
func (b Bounds) Contains(v Vector) bool {
	return v.X >= b.Min.X && v.X <= b.Max.X &&
		v.Y >= b.Min.Y && v.Y <= b.Max.Y &&
		v.Z >= b.Min.Z && v.Z <= b.Max.Z
}

// Clamp returns a copy of v with each component clamped into the bounds.
func (b Bounds) Clamp(v Vector) Vector {
	return Vector{
		X: clamp(v.X, b.Min.X, b.Max.X),
		Y: clamp(v.Y, b.Min.Y, b.Max.Y),
		Z: clamp(v.Z, b.Min.Z, b.Max.Z),
	}
}

// ClampHeight clamps a scalar height into the vertical extent of the bounds.
func (b Bounds) ClampHeight(h float64) float64 {
	return clamp(h, b.Min.Y, b.Max.Y)
}

func clamp(n, lo, hi float64) float64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
