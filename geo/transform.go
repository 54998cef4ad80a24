// Package geo contains the affine geotransform arithmetic shared by the DEM
// and the orthorectified outputs.
package geo

// Transform holds the six GDAL-ordered geotransform coefficients
// (origin x, x scale, x rotation, origin y, y rotation, y scale) mapping
// raster indices to world coordinates:
//
//	wx = ox + col*sx + row*rx
//	wy = oy + col*ry + row*sy
type Transform [6]float64

// NewTransform builds a transform from the GDAL coefficient order.
func NewTransform(gt [6]float64) Transform {
	return Transform(gt)
}

// OriginX returns the world x coordinate of the raster origin.
func (t Transform) OriginX() float64 { return t[0] }

// OriginY returns the world y coordinate of the raster origin.
func (t Transform) OriginY() float64 { return t[3] }

// ScaleX returns the x pixel size in world units.
func (t Transform) ScaleX() float64 { return t[1] }

// ScaleY returns the y pixel size in world units (negative for north-up).
func (t Transform) ScaleY() float64 { return t[5] }

// Index maps a world coordinate to a continuous pixel index. The full 2x2
// affine part is inverted so rotated transforms stay correct.
func (t Transform) Index(wx, wy float64) (col, row float64) {
	dx := wx - t[0]
	dy := wy - t[3]
	det := t[1]*t[5] - t[2]*t[4]
	col = (t[5]*dx - t[2]*dy) / det
	row = (t[1]*dy - t[4]*dx) / det
	return col, row
}

// Center returns the world coordinate of the centre of the pixel at the given
// continuous index.
func (t Transform) Center(col, row float64) (wx, wy float64) {
	return t.Corner(col+0.5, row+0.5)
}

// Corner returns the world coordinate of the upper-left corner of the pixel
// at the given continuous index.
func (t Transform) Corner(col, row float64) (wx, wy float64) {
	wx = t[0] + col*t[1] + row*t[2]
	wy = t[3] + col*t[4] + row*t[5]
	return wx, wy
}

// WithOrigin returns a copy of the transform with its translation replaced,
// keeping scale and rotation. Used to stamp cropped outputs.
func (t Transform) WithOrigin(wx, wy float64) Transform {
	t[0] = wx
	t[3] = wy
	return t
}

// GT returns the coefficients in GDAL order.
func (t Transform) GT() [6]float64 {
	return [6]float64(t)
}
