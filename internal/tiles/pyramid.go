// Package tiles enumerates the tile coordinates of a job's pyramid.
//
// Everything here is derived from the bounding box and zoom range alone, so a
// persisted cursor is enough to resume an interrupted sweep.
package tiles

import (
	"fmt"
	"iter"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/veranemoloko/tilesweep/internal/domain"
)

// MaxZoom is the deepest zoom level a pyramid may reach.
const MaxZoom = 24

// maxLat is the latitude limit of the Web Mercator projection.
const maxLat = 85.05112877980659

// Range is the inclusive column/row extent of a bounding box at one zoom level.
type Range struct {
	Z          uint32
	MinX, MaxX uint32
	MinY, MaxY uint32
	Empty      bool
}

// Count returns the number of tiles inside the range.
func (r Range) Count() int64 {
	if r.Empty {
		return 0
	}
	return int64(r.MaxX-r.MinX+1) * int64(r.MaxY-r.MinY+1)
}

func (r Range) contains(x, y uint32) bool {
	return !r.Empty && x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// RangeAt projects a bounding box onto the tile grid at zoom z. Indices are
// clamped to [0, 2^z-1]; an inverted box yields an empty range.
func RangeAt(b domain.BoundingBox, z uint32) Range {
	nw := maptile.At(orb.Point{clampLon(b.MinLon), clampLat(b.MaxLat)}, maptile.Zoom(z))
	se := maptile.At(orb.Point{clampLon(b.MaxLon), clampLat(b.MinLat)}, maptile.Zoom(z))

	last := uint32(1)<<z - 1
	r := Range{
		Z:    z,
		MinX: min(nw.X, last),
		MaxX: min(se.X, last),
		MinY: min(nw.Y, last),
		MaxY: min(se.Y, last),
	}
	if b.MinLon > b.MaxLon || b.MinLat > b.MaxLat || r.MinX > r.MaxX || r.MinY > r.MaxY {
		r.Empty = true
	}
	return r
}

func clampLon(lon float64) float64 {
	return max(-180, min(180, lon))
}

func clampLat(lat float64) float64 {
	return max(-maxLat, min(maxLat, lat))
}

// Pyramid is the ordered set of tiles a sweep visits: ascending zoom, then
// ascending column, then ascending row.
type Pyramid struct {
	minZ, maxZ uint32
	ranges     []Range
}

// NewPyramid precomputes the per-zoom ranges of a bounding box.
func NewPyramid(b domain.BoundingBox, minZ, maxZ uint32) (*Pyramid, error) {
	if minZ > maxZ {
		return nil, fmt.Errorf("min zoom %d greater than max zoom %d", minZ, maxZ)
	}
	if maxZ > MaxZoom {
		return nil, fmt.Errorf("max zoom %d exceeds %d", maxZ, MaxZoom)
	}

	p := &Pyramid{minZ: minZ, maxZ: maxZ}
	for z := minZ; z <= maxZ; z++ {
		p.ranges = append(p.ranges, RangeAt(b, z))
	}
	return p, nil
}

// ForJob builds the pyramid of a configured job.
func ForJob(job domain.MapJob) (*Pyramid, error) {
	return NewPyramid(job.BBox, job.MinZoom, job.MaxZoom)
}

// Range returns the extent at zoom z, empty when z is outside the pyramid.
func (p *Pyramid) Range(z uint32) Range {
	if z < p.minZ || z > p.maxZ {
		return Range{Z: z, Empty: true}
	}
	return p.ranges[z-p.minZ]
}

// Count returns the number of tiles in one sweep.
func (p *Pyramid) Count() int64 {
	var n int64
	for _, r := range p.ranges {
		n += r.Count()
	}
	return n
}

// Contains reports whether c belongs to the sweep.
func (p *Pyramid) Contains(c domain.TileCoord) bool {
	return p.Range(c.Z).contains(c.X, c.Y)
}

// First returns the first coordinate of the sweep; false when the pyramid is empty.
func (p *Pyramid) First() (domain.TileCoord, bool) {
	return p.firstFrom(p.minZ)
}

// Next returns the coordinate following c; false when c is the last one.
func (p *Pyramid) Next(c domain.TileCoord) (domain.TileCoord, bool) {
	if !p.Contains(c) {
		return p.Seek(c)
	}
	r := p.Range(c.Z)
	if c.Y < r.MaxY {
		return domain.TileCoord{Z: c.Z, X: c.X, Y: c.Y + 1}, true
	}
	if c.X < r.MaxX {
		return domain.TileCoord{Z: c.Z, X: c.X + 1, Y: r.MinY}, true
	}
	return p.firstFrom(c.Z + 1)
}

// Seek returns c itself when it belongs to the sweep, otherwise the first
// coordinate that sorts after it. A cursor persisted against a different
// configuration therefore never replays earlier tiles.
func (p *Pyramid) Seek(c domain.TileCoord) (domain.TileCoord, bool) {
	if c.Z < p.minZ {
		return p.First()
	}
	if c.Z > p.maxZ {
		return domain.TileCoord{}, false
	}

	r := p.Range(c.Z)
	switch {
	case r.Empty || c.X > r.MaxX:
		return p.firstFrom(c.Z + 1)
	case c.X < r.MinX:
		return domain.TileCoord{Z: c.Z, X: r.MinX, Y: r.MinY}, true
	case c.Y < r.MinY:
		return domain.TileCoord{Z: c.Z, X: c.X, Y: r.MinY}, true
	case c.Y > r.MaxY:
		if c.X < r.MaxX {
			return domain.TileCoord{Z: c.Z, X: c.X + 1, Y: r.MinY}, true
		}
		return p.firstFrom(c.Z + 1)
	}
	return c, true
}

// All yields the sweep starting at from (inclusive, after Seek).
func (p *Pyramid) All(from domain.TileCoord) iter.Seq[domain.TileCoord] {
	return func(yield func(domain.TileCoord) bool) {
		c, ok := p.Seek(from)
		for ok {
			if !yield(c) {
				return
			}
			c, ok = p.Next(c)
		}
	}
}

func (p *Pyramid) firstFrom(z uint32) (domain.TileCoord, bool) {
	for ; z <= p.maxZ; z++ {
		r := p.Range(z)
		if !r.Empty {
			return domain.TileCoord{Z: z, X: r.MinX, Y: r.MinY}, true
		}
	}
	return domain.TileCoord{}, false
}
