package main

import (
	"math"

	"spaceship-sync/internal/state"
)

const (
	AsteroidMinSize  = 20.0
	AsteroidMaxSize  = 60.0
	AsteroidMinSpeed = 10.0
	AsteroidMaxSpeed = 40.0
	AsteroidSpinMax  = 1.0
	AsteroidOre      = 10.0 // ore units per size unit
	MineRate         = 15.0 // ore mined per second while a ship touches the rock
)

// Asteroid drifts in a straight line and holds ore that ships mine
type Asteroid struct {
	ID       string
	X, Y     float64
	VX, VY   float64
	Rotation float64
	Spin     float64
	Size     float64
	Ore      float64
	Alive    bool
	worldW   float64
	worldH   float64
}

// NewAsteroid spawns an asteroid at a random position with a random drift
func NewAsteroid(worldW, worldH float64) *Asteroid {
	a := &Asteroid{
		ID:     GenerateID(4),
		X:      randFloat() * worldW,
		Y:      randFloat() * worldH,
		Size:   AsteroidMinSize + randFloat()*(AsteroidMaxSize-AsteroidMinSize),
		Spin:   (randFloat()*2 - 1) * AsteroidSpinMax,
		Alive:  true,
		worldW: worldW,
		worldH: worldH,
	}
	a.Ore = math.Round(a.Size / AsteroidMinSize * AsteroidOre)
	speed := AsteroidMinSpeed + randFloat()*(AsteroidMaxSpeed-AsteroidMinSpeed)
	angle := randFloat() * 2 * math.Pi
	a.VX = math.Cos(angle) * speed
	a.VY = math.Sin(angle) * speed
	a.Rotation = randFloat() * 2 * math.Pi
	return a
}

// Update moves the asteroid; it dies once fully off-map (no wrapping)
func (a *Asteroid) Update(dt float64) {
	if !a.Alive {
		return
	}
	a.X += a.VX * dt
	a.Y += a.VY * dt
	a.Rotation += a.Spin * dt

	margin := a.Size * 2
	if a.X < -margin || a.X > a.worldW+margin || a.Y < -margin || a.Y > a.worldH+margin {
		a.Alive = false
	}
}

// Touches reports whether a ship at (x, y) is in mining range
func (a *Asteroid) Touches(x, y float64) bool {
	return Distance(a.X, a.Y, x, y) <= a.Size+PlayerRadius
}

// Mine removes up to amount ore and returns true when the rock is depleted
func (a *Asteroid) Mine(amount float64) bool {
	if !a.Alive {
		return false
	}
	a.Ore -= amount
	if a.Ore <= 0 {
		a.Ore = 0
		a.Alive = false
		return true
	}
	return false
}

// State is the snapshot handed to the sync layer
func (a *Asteroid) State() state.State {
	return state.State{
		"id":       a.ID,
		"x":        a.X,
		"y":        a.Y,
		"size":     math.Round(a.Size),
		"health":   math.Round(a.Ore*10) / 10,
		"rotation": math.Round(a.Rotation*100) / 100,
	}
}
