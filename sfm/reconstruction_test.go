package sfm

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

const sampleReconstruction = `[
  {
    "cameras": {
      "v2 mavic 4000 3000 perspective 0.85": {
        "projection_type": "perspective",
        "focal": 0.85,
        "width": 4000,
        "height": 3000
      },
      "brown cam": {
        "projection_type": "brown",
        "focal_x": 0.9,
        "width": 1000,
        "height": 800
      },
      "sphere cam": {
        "projection_type": "spherical",
        "width": 1000,
        "height": 500
      }
    },
    "shots": {
      "DJI_0001.JPG": {
        "camera": "v2 mavic 4000 3000 perspective 0.85",
        "rotation": [0, 0, 1.5707963267948966],
        "translation": [1, 2, 3]
      },
      "DJI_0002.JPG": {
        "camera": "brown cam",
        "rotation": [0, 0, 0],
        "translation": [0, 0, 0]
      },
      "PANO_0001.JPG": {
        "camera": "sphere cam",
        "rotation": [0.3, -0.2, 0.1],
        "translation": [5, 6, 7]
      }
    }
  }
]`

func writeReconstruction(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconstruction.json")
	test.That(t, os.WriteFile(path, []byte(doc), 0o644), test.ShouldBeNil)
	return path
}

func shotByID(t *testing.T, shots []Shot, id string) Shot {
	t.Helper()
	for _, s := range shots {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("shot %s not found", id)
	return Shot{}
}

func TestLoadReconstruction(t *testing.T) {
	logger := golog.NewTestLogger(t)
	shots, err := LoadReconstruction(writeReconstruction(t, sampleReconstruction), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(shots), test.ShouldEqual, 3)

	s := shotByID(t, shots, "DJI_0001.JPG")
	test.That(t, s.Focal, test.ShouldEqual, 0.85)

	// rotation [0,0,pi/2] is a quarter turn about z
	test.That(t, s.Rotation.At(0, 0), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, s.Rotation.At(0, 1), test.ShouldAlmostEqual, -1, 1e-12)
	test.That(t, s.Rotation.At(1, 0), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, s.Rotation.At(2, 2), test.ShouldAlmostEqual, 1, 1e-12)

	// O = -R^T t
	test.That(t, s.Origin.X, test.ShouldAlmostEqual, -2, 1e-12)
	test.That(t, s.Origin.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, s.Origin.Z, test.ShouldAlmostEqual, -3, 1e-12)

	// brown cameras use focal_x, zero pose yields identity at the origin
	s = shotByID(t, shots, "DJI_0002.JPG")
	test.That(t, s.Focal, test.ShouldEqual, 0.9)
	test.That(t, s.Rotation.At(0, 0), test.ShouldEqual, 1.0)
	test.That(t, s.Origin, test.ShouldResemble, r3.Vector{})

	// spherical cameras carry no usable focal
	s = shotByID(t, shots, "PANO_0001.JPG")
	test.That(t, s.Focal, test.ShouldEqual, 0.0)
}

func TestRotationIsOrthonormal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	shots, err := LoadReconstruction(writeReconstruction(t, sampleReconstruction), logger)
	test.That(t, err, test.ShouldBeNil)

	for _, s := range shots {
		var rtr mat.Dense
		rtr.Mul(s.Rotation.T(), s.Rotation)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				want := 0.0
				if i == j {
					want = 1.0
				}
				test.That(t, rtr.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
			}
		}
		test.That(t, mat.Det(s.Rotation), test.ShouldAlmostEqual, 1, 1e-12)
	}
}

func TestExpSO3(t *testing.T) {
	// zero vector is the identity
	r := expSO3(r3.Vector{})
	test.That(t, mat.EqualApprox(r, mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), 1e-15), test.ShouldBeTrue)

	// a rotation about x by pi flips y and z
	r = expSO3(r3.Vector{X: math.Pi})
	test.That(t, r.At(0, 0), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, r.At(1, 1), test.ShouldAlmostEqual, -1, 1e-12)
	test.That(t, r.At(2, 2), test.ShouldAlmostEqual, -1, 1e-12)
}

func TestUnknownProjectionIsFatal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	doc := `[{"cameras": {"bad": {"projection_type": "equirectangular", "focal": 1, "width": 10, "height": 10}},
		"shots": {"a.jpg": {"camera": "bad", "rotation": [0,0,0], "translation": [0,0,0]}}}]`
	_, err := LoadReconstruction(writeReconstruction(t, doc), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unrecognised projection type")
}

func TestMissingCameraIsFatal(t *testing.T) {
	logger := golog.NewTestLogger(t)
	doc := `[{"cameras": {},
		"shots": {"a.jpg": {"camera": "ghost", "rotation": [0,0,0], "translation": [0,0,0]}}}]`
	_, err := LoadReconstruction(writeReconstruction(t, doc), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "could not find camera model")
}

func TestEmptyDocumentIsFatal(t *testing.T) {
	logger := golog.NewTestLogger(t)

	_, err := LoadReconstruction(writeReconstruction(t, `[]`), logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = LoadReconstruction(writeReconstruction(t, `[{"cameras": {}, "shots": {}}]`), logger)
	test.That(t, err, test.ShouldNotBeNil)
}
