// Package sfm reads the solved structure-from-motion reconstruction that the
// orthorectification pipeline consumes: camera models and per-image shots
// with world poses.
package sfm

import (
	"encoding/json"
	"math"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Camera is one camera model from the reconstruction. Focal is normalised:
// the physical focal length divided by the larger sensor dimension.
type Camera struct {
	ID         string
	Width      int
	Height     int
	Focal      float64
	Projection string
}

// Shot is a single solved pose: a world-to-camera rotation, the camera
// origin in world coordinates and the focal of the referenced camera model.
type Shot struct {
	ID       string
	Rotation *mat.Dense
	Origin   r3.Vector
	Focal    float64
}

type cameraJSON struct {
	ProjectionType string  `json:"projection_type"`
	Focal          float64 `json:"focal"`
	FocalX         float64 `json:"focal_x"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
}

type shotJSON struct {
	Camera      string     `json:"camera"`
	Rotation    [3]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
}

type reconstructionJSON struct {
	Cameras map[string]cameraJSON `json:"cameras"`
	Shots   map[string]shotJSON   `json:"shots"`
}

// LoadReconstruction reads the first reconstruction of the document at path
// and materialises its shots. Unknown camera projection types are fatal.
func LoadReconstruction(path string, logger golog.Logger) ([]Shot, error) {
	logger.Debugf("Loading reconstruction from %s", path)

	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open reconstruction file at %s", path)
	}

	var docs []reconstructionJSON
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, errors.Wrapf(err, "could not parse reconstruction file at %s", path)
	}
	if len(docs) == 0 {
		return nil, errors.Errorf("no reconstructions found in %s", path)
	}
	doc := docs[0]
	if len(doc.Shots) == 0 {
		return nil, errors.Errorf("no shots found in %s", path)
	}

	cameras := map[string]Camera{}
	for id, cj := range doc.Cameras {
		cam, err := newCamera(id, cj)
		if err != nil {
			return nil, err
		}
		cameras[id] = cam
	}

	shots := make([]Shot, 0, len(doc.Shots))
	for id, sj := range doc.Shots {
		cam, ok := cameras[sj.Camera]
		if !ok {
			return nil, errors.Errorf("could not find camera model %q for shot %s", sj.Camera, id)
		}
		shots = append(shots, newShot(id, sj, cam))
	}
	return shots, nil
}

func newCamera(id string, cj cameraJSON) (Camera, error) {
	cam := Camera{
		ID:         id,
		Width:      cj.Width,
		Height:     cj.Height,
		Projection: cj.ProjectionType,
	}
	if cam.Projection == "" {
		cam.Projection = "perspective"
	}

	switch cam.Projection {
	case "perspective", "fisheye", "fisheye_opencv", "dual":
		cam.Focal = cj.Focal
	case "brown", "fisheye62", "fisheye624", "radial", "simple_radial":
		cam.Focal = cj.FocalX
	case "spherical":
		cam.Focal = 0
	default:
		return Camera{}, errors.Errorf("unrecognised projection type: %s", cam.Projection)
	}
	return cam, nil
}

// newShot converts the stored axis-angle rotation r and translation t into
// the pose the kernel consumes: R = exp(r), O = -R^T t.
func newShot(id string, sj shotJSON, cam Camera) Shot {
	r := expSO3(r3.Vector{X: sj.Rotation[0], Y: sj.Rotation[1], Z: sj.Rotation[2]})

	t := mat.NewVecDense(3, []float64{sj.Translation[0], sj.Translation[1], sj.Translation[2]})
	var o mat.VecDense
	o.MulVec(r.T(), t)

	return Shot{
		ID:       id,
		Rotation: r,
		Origin:   r3.Vector{X: -o.AtVec(0), Y: -o.AtVec(1), Z: -o.AtVec(2)},
		Focal:    cam.Focal,
	}
}

// expSO3 is the exponential map from an axis-angle vector to a rotation
// matrix (Rodrigues' formula). A zero vector yields the identity.
func expSO3(r r3.Vector) *mat.Dense {
	theta := r.Norm()
	if theta == 0 {
		return mat.NewDense(3, 3, []float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, 1,
		})
	}
	axis := r.Mul(1 / theta)

	// K is the cross-product matrix of the unit axis.
	k := mat.NewDense(3, 3, []float64{
		0, -axis.Z, axis.Y,
		axis.Z, 0, -axis.X,
		-axis.Y, axis.X, 0,
	})

	var k2 mat.Dense
	k2.Mul(k, k)

	sin, cos := math.Sincos(theta)

	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := k.At(i, j)*sin + k2.At(i, j)*(1-cos)
			if i == j {
				v++
			}
			out.Set(i, j, v)
		}
	}
	return out
}
