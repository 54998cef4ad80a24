// Package ortho implements the per-shot orthorectification kernel and the
// parallel driver that fans it out across a reconstruction's shots.
package ortho

import (
	"math"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openaerialmap/orthorectify/dem"
	"github.com/openaerialmap/orthorectify/geo"
	"github.com/openaerialmap/orthorectify/raster"
	"github.com/openaerialmap/orthorectify/sfm"
)

// Interpolation selects how source pixels are sampled.
type Interpolation int

// Supported samplers.
const (
	Bilinear Interpolation = iota
	Nearest
)

// ParseInterpolation maps a CLI name to a sampler.
func ParseInterpolation(s string) (Interpolation, error) {
	switch s {
	case "bilinear":
		return Bilinear, nil
	case "nearest":
		return Nearest, nil
	default:
		return 0, errors.Errorf("interpolation method %s is not supported", s)
	}
}

// Options control one kernel invocation.
type Options struct {
	Interpolation      Interpolation
	WithAlpha          bool
	SkipVisibilityTest bool
}

// ErrOutsideDEM is reported when a shot's projection leaves no valid pixel
// inside the DEM, after bounding box and visibility filtering.
var ErrOutsideDEM = errors.New("cannot orthorectify image (is the image inside the DEM bounds?)")

// ErrZeroFocal is reported for shots whose camera carries no usable focal
// length (spherical projections).
var ErrZeroFocal = errors.New("shot camera has no perspective focal length")

// alphaOpaque marks valid pixels in the output alpha band.
const alphaOpaque = 255

// rectified is one kernel result, ready to be written: the cropped raster
// and the geotransform anchoring it in the DEM's frame.
type rectified struct {
	out       *raster.Image
	transform geo.Transform
}

// rotation unpacks a shot's world-to-camera matrix into the collinearity
// coefficients. aN/bN/cN follow the photogrammetric naming: row N of R.
type rotation struct {
	a1, b1, c1 float64
	a2, b2, c2 float64
	a3, b3, c3 float64
}

func newRotation(shot *sfm.Shot) rotation {
	r := shot.Rotation
	return rotation{
		a1: r.At(0, 0), b1: r.At(0, 1), c1: r.At(0, 2),
		a2: r.At(1, 0), b2: r.At(1, 1), c2: r.At(1, 2),
		a3: r.At(2, 0), b3: r.At(2, 1), c3: r.At(2, 2),
	}
}

// groundCoordinates back-projects an image-plane coordinate (relative to the
// principal point) to the DEM grid assuming ground elevation za, via the
// closed-form inverse collinearity equations.
func groundCoordinates[T dem.Sample](
	g *dem.Grid[T],
	rot rotation,
	origin [3]float64,
	f, cpx, cpy, za float64,
) (col, row float64) {
	a1, b1, c1 := rot.a1, rot.b1, rot.c1
	a2, b2, c2 := rot.a2, rot.b2, rot.c2
	a3, b3, c3 := rot.a3, rot.b3, rot.c3
	xs, ys, zs := origin[0], origin[1], origin[2]

	m := a3*b1*cpy - a1*b3*cpy - (a3*b2-a2*b3)*cpx - (a2*b1-a1*b2)*f
	nx := b3*c1*cpy - b1*c3*cpy - (b3*c2-b2*c3)*cpx - (b2*c1-b1*c2)*f
	ny := a3*c1*cpy - a1*c3*cpy - (a3*c2-a2*c3)*cpx - (a2*c1-a1*c2)*f

	xa := g.OffsetX + xs + nx*(za-zs)/m
	ya := g.OffsetY + ys - ny*(za-zs)/m

	return g.Transform.Index(xa, ya)
}

// rectify runs the orthorectification kernel for one shot against an already
// opened source image, returning the cropped, georegistered result.
func rectify[T dem.Sample](
	g *dem.Grid[T],
	shot *sfm.Shot,
	img *raster.Image,
	opts Options,
	logger golog.Logger,
) (*rectified, error) {
	if shot.Focal == 0 {
		return nil, ErrZeroFocal
	}

	xs, ys, zs := shot.Origin.X, shot.Origin.Y, shot.Origin.Z
	origin := [3]float64{xs, ys, zs}

	// Project the camera onto the DEM grid; the continuous position weights
	// the distance map, the truncation is the ray endpoint.
	camGridX, camGridY := g.Transform.Index(xs+g.OffsetX, ys+g.OffsetY)
	camGridXInt := int(camGridX)
	camGridYInt := int(camGridY)

	logger.Debugf("Origin: (%f, %f, %f)", xs, ys, zs)
	logger.Debugf("DEM index: (%f, %f)", camGridX, camGridY)

	w, h := g.Width, g.Height

	var distanceMap []float64
	if !opts.SkipVisibilityTest {
		distanceMap = make([]float64, w*h)
		for j := 0; j < h; j++ {
			for i := 0; i < w; i++ {
				d := math.Hypot(camGridX-float64(i), camGridY-float64(j))
				if d == 0 {
					d = 1e-7
				}
				distanceMap[j*w+i] = d
			}
		}
		logger.Debug("Populated distance map")
	}

	imgW, imgH := img.Width(), img.Height()
	halfImgW := float64(imgW-1) / 2.0
	halfImgH := float64(imgH-1) / 2.0
	bands := img.Bands()

	f := shot.Focal * float64(max(imgW, imgH))
	logger.Debugf("Camera focal: %f coefficient %f", shot.Focal, f)
	logger.Infof("Image dimensions: %dx%d pixels (%d bands)", imgW, imgH, bands)

	rot := newRotation(shot)

	// Iteration window: the four image corners dropped to the DEM at the
	// minimum elevation.
	ulx, uly := groundCoordinates(g, rot, origin, f, -halfImgW, -halfImgH, g.Min)
	urx, ury := groundCoordinates(g, rot, origin, f, halfImgW, -halfImgH, g.Min)
	lrx, lry := groundCoordinates(g, rot, origin, f, halfImgW, halfImgH, g.Min)
	llx, lly := groundCoordinates(g, rot, origin, f, -halfImgW, halfImgH, g.Min)

	bboxMinX := clamp(int(math.Min(math.Min(ulx, urx), math.Min(lrx, llx))), 0, w-1)
	bboxMinY := clamp(int(math.Min(math.Min(uly, ury), math.Min(lry, lly))), 0, h-1)
	bboxMaxX := clamp(int(math.Max(math.Max(ulx, urx), math.Max(lrx, llx))), 0, w-1)
	bboxMaxY := clamp(int(math.Max(math.Max(uly, ury), math.Max(lry, lly))), 0, h-1)

	bboxW := 1 + bboxMaxX - bboxMinX
	bboxH := 1 + bboxMaxY - bboxMinY

	logger.Infof("Iterating over DEM box: [(%d, %d), (%d, %d)] (%dx%d pixels)",
		bboxMinX, bboxMinY, bboxMaxX, bboxMaxY, bboxW, bboxH)

	intermediate := raster.NewEmpty(bboxW, bboxH, bands, img.SampleType(), raster.DefaultDriver)
	mask := make([]bool, bboxW*bboxH)
	values := make([]float64, bands)

	minx, miny := bboxW, bboxH
	maxx, maxy := 0, 0

	// Worst-case ray length from any window cell to the camera cell.
	rayBound := max(
		abs(bboxMinX-camGridXInt), abs(bboxMaxX-camGridXInt),
		abs(bboxMinY-camGridYInt), abs(bboxMaxY-camGridYInt),
	) + 1
	points := make([]point, rayBound)

	for j := bboxMinY; j <= bboxMaxY; j++ {
		imJ := j - bboxMinY

		for i := bboxMinX; i <= bboxMaxX; i++ {
			imI := i - bboxMinX

			za := float64(g.Data[j*w+i])
			if g.HasNoData && za == g.NoData {
				continue
			}

			xa, ya := g.Transform.Center(float64(i), float64(j))

			// The poses live in the local frame, the DEM in the global one.
			xa -= g.OffsetX
			ya -= g.OffsetY

			// Forward collinearity.
			dx := xa - xs
			dy := ya - ys
			dz := za - zs

			den := rot.a3*dx + rot.b3*dy + rot.c3*dz
			x := halfImgW - f*(rot.a1*dx+rot.b1*dy+rot.c1*dz)/den
			y := halfImgH - f*(rot.a2*dx+rot.b2*dy+rot.c2*dz)/den

			if x < 0 || y < 0 || x > float64(imgW-1) || y > float64(imgH-1) {
				continue
			}

			if !opts.SkipVisibilityTest &&
				!visible(g, distanceMap, points, i, j, camGridXInt, camGridYInt, zs, dz) {
				continue
			}

			if opts.Interpolation == Bilinear {
				xi := float64(imgW-1) - x
				yi := float64(imgH-1) - y
				img.Bilinear(xi, yi, values)
			} else {
				xi := imgW - 1 - int(math.Round(x))
				yi := imgH - 1 - int(math.Round(y))
				img.Get(xi, yi, values)
			}

			// All-zero tuples are padding from the undistortion step, not
			// valid samples.
			if allZero(values) {
				continue
			}

			minx = min(minx, imI)
			miny = min(miny, imJ)
			maxx = max(maxx, imI)
			maxy = max(maxy, imJ)

			intermediate.Set(imI, imJ, values)
			mask[imJ*bboxW+imI] = true
		}
	}

	logger.Infof("Output bounds (%d, %d), (%d, %d) pixels", minx, miny, maxx, maxy)

	if minx > maxx || miny > maxy {
		return nil, ErrOutsideDEM
	}

	out := crop(intermediate, mask, bboxW, minx, miny, maxx, maxy, opts.WithAlpha)

	cornerX, cornerY := g.Transform.Corner(float64(bboxMinX+minx), float64(bboxMinY+miny))
	return &rectified{
		out:       out,
		transform: g.Transform.WithOrigin(cornerX, cornerY),
	}, nil
}

// visible ray-marches the DEM between cell (i, j) and the camera cell,
// reporting whether intermediate terrain occludes the cell. The traversal
// starts one cell past (i, j) so a cell never occludes itself.
func visible[T dem.Sample](
	g *dem.Grid[T],
	distanceMap []float64,
	points []point,
	i, j, camX, camY int,
	zs, dz float64,
) bool {
	w, h := g.Width, g.Height
	n := linePoints(i, j, camX, camY, points)
	dist := distanceMap[j*w+i]

	for p := 1; p < n; p++ {
		px, py := points[p].x, points[p].y
		if px < 0 || py < 0 || px >= w || py >= h {
			continue
		}

		rayZ := zs + dz*(distanceMap[py*w+px]/dist)
		if rayZ > g.Max {
			// The ray has climbed above all terrain.
			break
		}
		if float64(g.Data[py*w+px]) > rayZ {
			return false
		}
	}
	return true
}

// crop copies the valid-pixel window of the intermediate raster into a new
// image, optionally appending an alpha band that is opaque exactly where a
// sample was written.
func crop(
	intermediate *raster.Image,
	mask []bool,
	maskStride, minx, miny, maxx, maxy int,
	withAlpha bool,
) *raster.Image {
	outW := maxx - minx + 1
	outH := maxy - miny + 1

	bands := intermediate.Bands()
	targetBands := bands
	if withAlpha {
		targetBands++
	}

	dst := raster.NewEmpty(outW, outH, targetBands, intermediate.SampleType(), raster.DefaultDriver)
	values := make([]float64, targetBands)

	for j := 0; j < outH; j++ {
		for i := 0; i < outW; i++ {
			imI := minx + i
			imJ := miny + j

			if withAlpha {
				if !mask[imJ*maskStride+imI] {
					continue
				}
				intermediate.Get(imI, imJ, values)
				values[targetBands-1] = alphaOpaque
				dst.Set(i, j, values)
				continue
			}

			intermediate.Get(imI, imJ, values)
			dst.Set(i, j, values)
		}
	}
	return dst
}

// writeOutput flushes a kernel result, stamping the geotransform, CRS and
// metadata on the proxy dataset before the final copy.
func writeOutput(res *rectified, outPath, wkt string) error {
	return res.out.Write(outPath, raster.DefaultDriver, func(ds *godal.Dataset) error {
		if err := ds.SetGeoTransform(res.transform.GT()); err != nil {
			return errors.Wrap(err, "could not set output geotransform")
		}
		if err := ds.SetMetadata("WIDTH", strconv.Itoa(res.out.Width())); err != nil {
			return errors.Wrap(err, "could not set output metadata")
		}
		if err := ds.SetMetadata("HEIGHT", strconv.Itoa(res.out.Height())); err != nil {
			return errors.Wrap(err, "could not set output metadata")
		}
		if err := ds.SetMetadata("SOFTWARE", "Orthorectify"); err != nil {
			return errors.Wrap(err, "could not set output metadata")
		}
		if wkt != "" {
			sr, err := godal.NewSpatialRefFromWKT(wkt)
			if err != nil {
				return errors.Wrap(err, "could not parse output projection")
			}
			defer sr.Close()
			if err := ds.SetSpatialRef(sr); err != nil {
				return errors.Wrap(err, "could not set output projection")
			}
		}
		return nil
	})
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
