package main

import (
	"math"

	"spaceship-sync/internal/state"
)

const (
	PlayerRadius   = 20.0
	PlayerMaxHP    = 100
	PlayerAccel    = 600.0 // pixels/s²
	PlayerMaxSpeed = 350.0 // pixels/s
	PlayerFriction = 0.97  // velocity multiplier per tick
	PlayerBoostMul = 1.6   // boost speed multiplier
	TurnSpeed      = 8.0   // radians/s max turn rate
	deadZone       = 50.0  // pointer distance under which the ship brakes
	shipTypes      = 4
)

// Player is one ship in a world
type Player struct {
	ID       string
	Name     string
	X, Y     float64
	VX, VY   float64
	Rotation float64
	HP       int
	MaxHP    int
	ShipType int
	Score    int
	Boosting bool
	TargetX  float64 // pointer world X
	TargetY  float64 // pointer world Y
	TargetR  float64 // target rotation (toward pointer)
	hasInput bool
}

// NewPlayer creates a new player at a random position in the inner half of the world
func NewPlayer(id, name string, shipType int, worldW, worldH float64) *Player {
	p := &Player{
		ID:       id,
		Name:     name,
		X:        worldW/4 + randFloat()*worldW/2,
		Y:        worldH/4 + randFloat()*worldH/2,
		HP:       PlayerMaxHP,
		MaxHP:    PlayerMaxHP,
		ShipType: shipType % shipTypes,
	}
	p.TargetX, p.TargetY = p.X, p.Y
	return p
}

// Steer applies a client input
func (p *Player) Steer(in ClientInput) {
	// Only retarget when the pointer is far enough away to give a stable angle
	dx := in.MX - p.X
	dy := in.MY - p.Y
	if dx*dx+dy*dy > 25 {
		p.TargetR = math.Atan2(dy, dx)
	}
	p.TargetX = in.MX
	p.TargetY = in.MY
	p.Boosting = in.Boost
	p.hasInput = true
}

// Update moves the player one tick (dt in seconds); the world wraps at its edges
func (p *Player) Update(dt, worldW, worldH float64) {
	diff := NormalizeAngle(p.TargetR - p.Rotation)
	maxTurn := TurnSpeed * dt
	p.Rotation += Clamp(diff, -maxTurn, maxTurn)

	accel := PlayerAccel * dt
	if p.Boosting {
		accel *= PlayerBoostMul
	}

	speedFactor := 1.0
	if !p.hasInput || Distance(p.X, p.Y, p.TargetX, p.TargetY) <= deadZone {
		speedFactor = 0
	}
	accel *= speedFactor
	p.VX += math.Cos(p.Rotation) * accel
	p.VY += math.Sin(p.Rotation) * accel

	// Brake harder when idle so the ship stops instead of coasting forever
	friction := PlayerFriction
	if speedFactor == 0 {
		friction = 0.95
	}
	p.VX *= friction
	p.VY *= friction

	maxSpd := PlayerMaxSpeed
	if p.Boosting {
		maxSpd *= PlayerBoostMul
	}
	if speed := math.Hypot(p.VX, p.VY); speed > maxSpd {
		scale := maxSpd / speed
		p.VX *= scale
		p.VY *= scale
	}

	p.X = wrap(p.X+p.VX*dt, worldW)
	p.Y = wrap(p.Y+p.VY*dt, worldH)
}

func wrap(v, size float64) float64 {
	if v < 0 {
		return v + size
	}
	if v > size {
		return v - size
	}
	return v
}

// Status names what the ship is doing
func (p *Player) Status() string {
	switch {
	case math.Hypot(p.VX, p.VY) < 1:
		return "idle"
	case p.Boosting:
		return "boosting"
	}
	return "cruising"
}

// State is the snapshot handed to the sync layer
func (p *Player) State() state.State {
	return state.State{
		"id":        p.ID,
		"name":      p.Name,
		"ship":      p.ShipType,
		"x":         p.X,
		"y":         p.Y,
		"rotation":  math.Round(p.Rotation*100) / 100,
		"velocityX": p.VX,
		"velocityY": p.VY,
		"health":    p.HP,
		"maxHealth": p.MaxHP,
		"score":     p.Score,
		"boost":     p.Boosting,
		"state":     p.Status(),
	}
}
