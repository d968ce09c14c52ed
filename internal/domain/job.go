package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BoundingBox is a geographic extent in degrees (WGS84).
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// MBTilesBounds renders the box the way the MBTiles metadata table expects it.
func (b BoundingBox) MBTilesBounds() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// TileCoord addresses one tile in the XYZ (slippy map) scheme.
type TileCoord struct {
	Z uint32 `json:"z"`
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

func (c TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// TMSRow returns the row in the TMS scheme used by MBTiles, where row 0 is the southernmost.
func (c TileCoord) TMSRow() uint32 {
	return (uint32(1)<<c.Z - 1) - c.Y
}

// MapJob is one configured download target. It is immutable once built.
type MapJob struct {
	Name        string
	URLTemplate string
	Mirrors     []string
	BBox        BoundingBox
	MinZoom     uint32
	MaxZoom     uint32
	Spacing     time.Duration
	ArchivePath string
	DisplayName string
}

// TileURL substitutes mirror and coordinate into the job's URL template.
// {-y} is replaced with the TMS row for services that address tiles that way.
func (j MapJob) TileURL(mirror string, c TileCoord) string {
	r := strings.NewReplacer(
		"{server}", mirror,
		"{z}", strconv.FormatUint(uint64(c.Z), 10),
		"{x}", strconv.FormatUint(uint64(c.X), 10),
		"{-y}", strconv.FormatUint(uint64(c.TMSRow()), 10),
		"{y}", strconv.FormatUint(uint64(c.Y), 10),
	)
	return r.Replace(j.URLTemplate)
}
