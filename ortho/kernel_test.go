package ortho

import (
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/openaerialmap/orthorectify/dem"
	"github.com/openaerialmap/orthorectify/geo"
	"github.com/openaerialmap/orthorectify/raster"
	"github.com/openaerialmap/orthorectify/sfm"
)

func flatDEM(w, h int, elev float32) *dem.Grid[float32] {
	g := &dem.Grid[float32]{
		Width:     w,
		Height:    h,
		Data:      make([]float32, w*h),
		Transform: geo.NewTransform([6]float64{0, 1, 0, 0, 0, 1}),
	}
	for i := range g.Data {
		g.Data[i] = elev
	}
	g.ComputeRange()
	return g
}

func constantImage(w, h, bands int, val float64) *raster.Image {
	im := raster.NewEmpty(w, h, bands, godal.Byte, raster.DefaultDriver)
	vals := make([]float64, bands)
	for b := range vals {
		vals[b] = val
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Set(x, y, vals)
		}
	}
	return im
}

func nadirShot(x, y, z, focal float64) *sfm.Shot {
	return &sfm.Shot{
		ID:       "test_shot.tif",
		Rotation: mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
		Origin:   r3.Vector{X: x, Y: y, Z: z},
		Focal:    focal,
	}
}

// alphaAt reads the last band at an output pixel.
func alphaAt(im *raster.Image, x, y int) float64 {
	vals := make([]float64, im.Bands())
	im.Get(x, y, vals)
	return vals[im.Bands()-1]
}

// outIndex maps a DEM cell to the output pixel of a rectified result.
func outIndex(g *dem.Grid[float32], res *rectified, col, row int) (int, int) {
	wx, wy := res.transform.Corner(0, 0)
	oc, or := g.Transform.Index(wx, wy)
	return col - int(oc), row - int(or)
}

func TestRectifyOverheadCamera(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(100, 100, 10)
	img := constantImage(200, 200, 3, 1)
	shot := nadirShot(50, 50, 1000, 0.5)

	res, err := rectify(g, shot, img, Options{Interpolation: Bilinear, WithAlpha: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	// every DEM cell projects inside the image: the output covers the grid
	test.That(t, res.out.Width(), test.ShouldEqual, 100)
	test.That(t, res.out.Height(), test.ShouldEqual, 100)
	test.That(t, res.out.Bands(), test.ShouldEqual, 4)

	wx, wy := res.transform.Corner(0, 0)
	test.That(t, wx, test.ShouldEqual, 0.0)
	test.That(t, wy, test.ShouldEqual, 0.0)

	for y := 0; y < res.out.Height(); y++ {
		for x := 0; x < res.out.Width(); x++ {
			test.That(t, alphaAt(res.out, x, y), test.ShouldEqual, 255.0)
		}
	}
}

func TestRectifyDeterministic(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(100, 100, 10)
	img := constantImage(200, 200, 3, 9)
	shot := nadirShot(50, 50, 1000, 0.5)
	opts := Options{Interpolation: Bilinear, WithAlpha: true}

	first, err := rectify(g, shot, img, opts, logger)
	test.That(t, err, test.ShouldBeNil)
	second, err := rectify(g, shot, img, opts, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, second.out.Width(), test.ShouldEqual, first.out.Width())
	test.That(t, second.out.Height(), test.ShouldEqual, first.out.Height())
	test.That(t, second.transform, test.ShouldResemble, first.transform)

	a := make([]float64, first.out.Bands())
	b := make([]float64, second.out.Bands())
	for y := 0; y < first.out.Height(); y++ {
		for x := 0; x < first.out.Width(); x++ {
			first.out.Get(x, y, a)
			second.out.Get(x, y, b)
			test.That(t, b, test.ShouldResemble, a)
		}
	}
}

func TestRectifyNoDataExcluded(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(100, 100, 10)
	g.HasNoData = true
	g.NoData = -9999
	for j := 40; j < 60; j++ {
		for i := 40; i < 60; i++ {
			g.Data[j*g.Width+i] = -9999
		}
	}
	g.ComputeRange()

	img := constantImage(200, 200, 3, 9)
	shot := nadirShot(50, 50, 1000, 0.5)

	res, err := rectify(g, shot, img, Options{Interpolation: Bilinear, WithAlpha: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.out.Width(), test.ShouldEqual, 100)
	test.That(t, res.out.Height(), test.ShouldEqual, 100)

	for j := 40; j < 60; j++ {
		for i := 40; i < 60; i++ {
			x, y := outIndex(g, res, i, j)
			test.That(t, alphaAt(res.out, x, y), test.ShouldEqual, 0.0)
		}
	}
	x, y := outIndex(g, res, 10, 10)
	test.That(t, alphaAt(res.out, x, y), test.ShouldEqual, 255.0)
}

func TestRectifyVisibility(t *testing.T) {
	logger := golog.NewTestLogger(t)

	// flat terrain with a tall wall section at column 20, in front of the
	// camera row only so the window corners stay visible
	g := flatDEM(50, 50, 0)
	for j := 23; j <= 27; j++ {
		g.Data[j*g.Width+20] = 50
	}
	g.ComputeRange()

	img := constantImage(100, 100, 3, 9)
	// low camera on the west side: cells behind the wall are occluded
	shot := nadirShot(5, 25, 30, 0.1)

	occluded, err := rectify(g, shot, img, Options{Interpolation: Bilinear, WithAlpha: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	open, err := rectify(g, shot, img,
		Options{Interpolation: Bilinear, WithAlpha: true, SkipVisibilityTest: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	// the cell straight behind the wall is dropped by the ray-march and kept
	// without it
	x, y := outIndex(g, occluded, 40, 25)
	test.That(t, alphaAt(occluded.out, x, y), test.ShouldEqual, 0.0)
	x, y = outIndex(g, open, 40, 25)
	test.That(t, alphaAt(open.out, x, y), test.ShouldEqual, 255.0)

	// visibility is monotone: everything visible with the test enabled is
	// also written with it disabled
	test.That(t, open.out.Width(), test.ShouldEqual, occluded.out.Width())
	test.That(t, open.out.Height(), test.ShouldEqual, occluded.out.Height())
	for y := 0; y < occluded.out.Height(); y++ {
		for x := 0; x < occluded.out.Width(); x++ {
			if alphaAt(occluded.out, x, y) == 255 {
				test.That(t, alphaAt(open.out, x, y), test.ShouldEqual, 255.0)
			}
		}
	}
}

func TestRectifyAllZeroSamplesExcluded(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(100, 100, 10)
	shot := nadirShot(50, 50, 1000, 0.5)

	// a fully black source never produces a pixel
	img := constantImage(200, 200, 3, 0)
	_, err := rectify(g, shot, img, Options{Interpolation: Bilinear, WithAlpha: true}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrOutsideDEM), test.ShouldBeTrue)

	// black columns crop away: the sampling flip maps image columns < 100
	// to DEM columns >= 50
	img = constantImage(200, 200, 3, 9)
	vals := []float64{0, 0, 0}
	for y := 0; y < 200; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, vals)
		}
	}

	res, err := rectify(g, shot, img, Options{Interpolation: Nearest, WithAlpha: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.out.Width(), test.ShouldEqual, 50)
	test.That(t, res.out.Height(), test.ShouldEqual, 100)

	wx, wy := res.transform.Corner(0, 0)
	test.That(t, wx, test.ShouldEqual, 0.0)
	test.That(t, wy, test.ShouldEqual, 0.0)
}

func TestRectifyClipsToDEM(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(100, 100, 10)
	img := constantImage(200, 200, 3, 9)

	// aimed past the south-east corner: only part of the grid is in view
	shot := nadirShot(120, 120, 1000, 5)

	res, err := rectify(g, shot, img,
		Options{Interpolation: Bilinear, WithAlpha: true, SkipVisibilityTest: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.out.Width(), test.ShouldEqual, 79)
	test.That(t, res.out.Height(), test.ShouldEqual, 79)

	// the cropped origin lines up with the clipped window
	wx, wy := res.transform.Corner(0, 0)
	cwx, cwy := g.Transform.Corner(21, 21)
	test.That(t, wx, test.ShouldEqual, cwx)
	test.That(t, wy, test.ShouldEqual, cwy)
	test.That(t, res.transform.ScaleX(), test.ShouldEqual, g.Transform.ScaleX())
	test.That(t, res.transform.ScaleY(), test.ShouldEqual, g.Transform.ScaleY())
}

func TestRectifyZeroFocal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(10, 10, 1)
	img := constantImage(20, 20, 3, 9)
	shot := nadirShot(5, 5, 100, 0)

	_, err := rectify(g, shot, img, Options{}, logger)
	test.That(t, errors.Is(err, ErrZeroFocal), test.ShouldBeTrue)
}

func TestRectifyWithoutAlphaKeepsSourceBands(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := flatDEM(100, 100, 10)
	img := constantImage(200, 200, 3, 9)
	shot := nadirShot(50, 50, 1000, 0.5)

	res, err := rectify(g, shot, img, Options{Interpolation: Bilinear}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.out.Bands(), test.ShouldEqual, 3)

	vals := make([]float64, 3)
	res.out.Get(50, 50, vals)
	test.That(t, vals, test.ShouldResemble, []float64{9, 9, 9})
}
