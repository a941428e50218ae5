package main

import (
	"fmt"
	"math"

	"spaceship-sync/internal/state"
)

// ChunkCoord addresses one cell of the chunk grid
type ChunkCoord struct {
	CX, CY int
}

// ID is the collection key a chunk's contents are synced under
func (c ChunkCoord) ID() string {
	return fmt.Sprintf("chunk:%d:%d", c.CX, c.CY)
}

// ChunkGrid partitions the world into square chunks. Each chunk's contents
// are synced to a viewer as one identity-keyed collection.
type ChunkGrid struct {
	Size       float64
	Cols, Rows int
}

// NewChunkGrid covers a worldW x worldH world with chunks of the given size
func NewChunkGrid(worldW, worldH, size float64) ChunkGrid {
	return ChunkGrid{
		Size: size,
		Cols: int(math.Ceil(worldW / size)),
		Rows: int(math.Ceil(worldH / size)),
	}
}

// ChunkAt returns the chunk holding (x, y), clamped to the grid
func (g ChunkGrid) ChunkAt(x, y float64) ChunkCoord {
	cx := int(x / g.Size)
	cy := int(y / g.Size)
	if x < 0 {
		cx = 0
	} else if cx >= g.Cols {
		cx = g.Cols - 1
	}
	if y < 0 {
		cy = 0
	} else if cy >= g.Rows {
		cy = g.Rows - 1
	}
	return ChunkCoord{CX: cx, CY: cy}
}

// Around returns the chunks within radius chunks of c, row by row
func (g ChunkGrid) Around(c ChunkCoord, radius int) []ChunkCoord {
	out := make([]ChunkCoord, 0, (2*radius+1)*(2*radius+1))
	for cy := c.CY - radius; cy <= c.CY+radius; cy++ {
		if cy < 0 || cy >= g.Rows {
			continue
		}
		for cx := c.CX - radius; cx <= c.CX+radius; cx++ {
			if cx < 0 || cx >= g.Cols {
				continue
			}
			out = append(out, ChunkCoord{CX: cx, CY: cy})
		}
	}
	return out
}

// Bucket groups asteroid states by the chunk their centre lies in
func (g ChunkGrid) Bucket(asteroids []*Asteroid) map[ChunkCoord][]state.State {
	out := make(map[ChunkCoord][]state.State)
	for _, a := range asteroids {
		if !a.Alive {
			continue
		}
		c := g.ChunkAt(a.X, a.Y)
		out[c] = append(out[c], a.State())
	}
	return out
}
