package dem

import (
	"github.com/airbusgeo/godal"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openaerialmap/orthorectify/geo"
)

// Load reads the first band of the raster at path entirely into memory.
// Only Byte, UInt16 and Float32 bands are supported; anything else is a
// configuration error reported before any shot runs.
func Load(path string, logger golog.Logger) (Model, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open DEM file %s", path)
	}
	defer func() {
		utilClose(ds, logger)
	}()

	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, errors.Errorf("DEM %s has no raster bands", path)
	}
	band := bands[0]

	st := ds.Structure()
	w, h := st.SizeX, st.SizeY

	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, errors.Wrap(err, "error getting DEM geotransform")
	}

	var wkt string
	if sr := ds.SpatialRef(); sr != nil {
		defer sr.Close()
		if exported, err := sr.WKT(); err == nil {
			wkt = exported
		}
	}

	nodata, hasNodata := band.NoData()
	if hasNodata {
		logger.Debugf("DEM NoData value: %f", nodata)
	} else {
		logger.Debug("DEM has no NoData value")
	}

	dtype := band.Structure().DataType
	logger.Debugf("DEM band type %s", dtype)

	var model Model
	switch dtype {
	case godal.Byte:
		model, err = readGrid[uint8](band, w, h, geo.NewTransform(gt), wkt, nodata, hasNodata)
	case godal.UInt16:
		model, err = readGrid[uint16](band, w, h, geo.NewTransform(gt), wkt, nodata, hasNodata)
	case godal.Float32:
		model, err = readGrid[float32](band, w, h, geo.NewTransform(gt), wkt, nodata, hasNodata)
	default:
		return nil, errors.Errorf("DEM band data type %s is not supported", dtype)
	}
	if err != nil {
		return nil, errors.Wrap(err, "error reading DEM")
	}

	min, max := model.Range()
	logger.Infof("DEM Minimum: %f", min)
	logger.Infof("DEM Maximum: %f", max)
	logger.Infof("DEM dimensions: %dx%d pixels", w, h)

	return model, nil
}

func readGrid[T Sample](band godal.Band, w, h int, tr geo.Transform, wkt string, nodata float64, hasNodata bool) (*Grid[T], error) {
	g := &Grid[T]{
		Width:     w,
		Height:    h,
		Data:      make([]T, w*h),
		Transform: tr,
		WKT:       wkt,
		NoData:    nodata,
		HasNoData: hasNodata,
	}
	if err := band.Read(0, 0, g.Data, w, h); err != nil {
		return nil, err
	}
	g.ComputeRange()
	return g, nil
}

func utilClose(ds *godal.Dataset, logger golog.Logger) {
	if err := ds.Close(); err != nil {
		logger.Debugw("error closing dataset", "error", err)
	}
}
