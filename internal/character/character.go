// Package character holds the authoritative in-memory registry of connected
// characters and the validation rules that guard it.
package character

import (
	"github.com/christopherjohns/presence/internal/geo"
)

// Character is the replicated state for one connected participant.
type Character struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Position geo.Vector `json:"position"`
	Rotation geo.Vector `json:"rotation"`

	// Optional camera state, present once the client has reported it.
	CameraPosition *geo.Vector `json:"cameraPosition,omitempty"`
	PlayerHeight   *float64    `json:"playerHeight,omitempty"`
}
