// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"math"
)

const MaxNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

// SessionID is the relay-assigned identity of one connected channel.
// It is valid only for the lifetime of that connection.
type SessionID string

type Facing string

const (
	FacingUp    Facing = "up"
	FacingDown  Facing = "down"
	FacingLeft  Facing = "left"
	FacingRight Facing = "right"
)

func (f Facing) Valid() bool {
	switch f {
	case FacingUp, FacingDown, FacingLeft, FacingRight:
		return true
	}
	return false
}

// Delta returns the unit step this facing moves along, in canvas
// coordinates (y grows downward).
func (f Facing) Delta() (dx, dy float64) {
	switch f {
	case FacingUp:
		return 0, -1
	case FacingDown:
		return 0, 1
	case FacingLeft:
		return -1, 0
	case FacingRight:
		return 1, 0
	}
	return 0, 0
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Position) DistanceTo(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Participant is one player as seen over the relay. The local
// participant is owned by the presence synchronizer; remote ones are
// replicas updated only from inbound relay messages.
type Participant struct {
	ID       SessionID `json:"id"`
	Name     string    `json:"name"`
	Position Position  `json:"position"`
	Facing   Facing    `json:"direction"`
	Moving   bool      `json:"moving"`
}

// ValidateName checks a display name. Uniqueness is deliberately not
// enforced; collisions are a display concern only.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

func NewParticipant(id SessionID, name string) *Participant {
	return &Participant{ID: id, Name: name, Facing: FacingDown}
}
