// Package dem models the digital elevation model the orthorectification
// kernel reads: a single-band elevation grid with its geotransform, nodata
// sentinel and value range.
package dem

import (
	"math"

	"github.com/openaerialmap/orthorectify/geo"
)

// Sample constrains the elevation sample types the pipeline supports.
type Sample interface {
	~uint8 | ~uint16 | ~float32
}

// Grid is an in-memory elevation raster. It is loaded once and shared
// read-only across all workers for the lifetime of the process.
type Grid[T Sample] struct {
	Width  int
	Height int

	// Data is row-major, length Width*Height.
	Data []T

	Transform geo.Transform

	// WKT is the CRS well-known text, possibly empty.
	WKT string

	HasNoData bool
	NoData    float64

	// Min and Max span the non-nodata cells.
	Min float64
	Max float64

	// OffsetX and OffsetY are the georeferencing offsets subtracted from
	// camera poses; reconstructions store poses in a local frame while the
	// DEM lives in a global one.
	OffsetX float64
	OffsetY float64
}

// Model is the loaded DEM behind one of the supported sample types. Callers
// type-switch on *Grid[uint8], *Grid[uint16] or *Grid[float32] exactly once;
// the kernel itself is generic and does no per-cell type dispatch.
type Model interface {
	Size() (width, height int)
	GeoTransform() geo.Transform
	CRS() string
	Range() (min, max float64)
	SetOffsets(x, y float64)
	sealed()
}

// At returns the elevation at the given cell.
func (g *Grid[T]) At(col, row int) T {
	return g.Data[row*g.Width+col]
}

// Size returns the grid dimensions.
func (g *Grid[T]) Size() (int, int) { return g.Width, g.Height }

// GeoTransform returns the grid's affine transform.
func (g *Grid[T]) GeoTransform() geo.Transform { return g.Transform }

// CRS returns the well-known text of the grid's spatial reference.
func (g *Grid[T]) CRS() string { return g.WKT }

// Range returns the elevation range over non-nodata cells.
func (g *Grid[T]) Range() (float64, float64) { return g.Min, g.Max }

// SetOffsets stamps the pose offsets onto the grid.
func (g *Grid[T]) SetOffsets(x, y float64) {
	g.OffsetX = x
	g.OffsetY = y
}

func (g *Grid[T]) sealed() {}

// ComputeRange scans the grid and fills Min and Max, skipping nodata cells.
func (g *Grid[T]) ComputeRange() {
	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, v := range g.Data {
		f := float64(v)
		if g.HasNoData && f == g.NoData {
			continue
		}
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	g.Min = lo
	g.Max = hi
}
