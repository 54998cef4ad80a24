package raster

import (
	"math"
	"os"

	"github.com/airbusgeo/godal"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// DefaultDriver is the raster driver used when the caller does not name one.
const DefaultDriver = "GTiff"

// Open loads the raster at path entirely into memory.
//
// Three and four band images are loaded natively in any supported sample
// type. Single band images are promoted to RGB: byte data is replicated,
// wider integer data is min/max scaled down to bytes. Heterogeneous band
// types and other band counts are rejected.
func Open(path string) (*Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "file %s does not exist", path)
	}

	ds, err := godal.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open image at %s", path)
	}
	defer ds.Close() //nolint:errcheck

	st := ds.Structure()
	w, h, nbands := st.SizeX, st.SizeY, st.NBands

	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, errors.Errorf("image %s has no raster bands", path)
	}
	dtype := bands[0].Structure().DataType
	for _, b := range bands[1:] {
		if b.Structure().DataType != dtype {
			return nil, errors.Errorf("image %s has non-homogeneous band types", path)
		}
	}

	switch nbands {
	case 3, 4:
		return openMultiband(bands, w, h, dtype)
	case 1:
		return openSingleband(bands[0], w, h, dtype)
	case 2:
		return nil, errors.Errorf("unsupported image with 2 bands and type %s", dtype)
	default:
		return nil, errors.Errorf("unsupported image with %d bands", nbands)
	}
}

func openMultiband(bands []godal.Band, w, h int, dtype godal.DataType) (*Image, error) {
	im := NewEmpty(w, h, len(bands), dtype, DefaultDriver)
	for bi, band := range bands {
		if err := readBandInto(band, im, bi, dtype); err != nil {
			return nil, err
		}
	}
	return im, nil
}

// openSingleband expands grayscale input to RGB the way the rest of the
// pipeline expects. Integer types wider than a byte are range-compressed.
func openSingleband(band godal.Band, w, h int, dtype godal.DataType) (*Image, error) {
	switch dtype {
	case godal.Byte:
		im := NewEmpty(w, h, 3, godal.Byte, DefaultDriver)
		buf := make([]uint8, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return nil, errors.Wrap(err, "error reading raster band")
		}
		for i, v := range buf {
			f := float64(v)
			im.data[i*3] = f
			im.data[i*3+1] = f
			im.data[i*3+2] = f
		}
		return im, nil
	case godal.UInt16:
		buf := make([]uint16, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return nil, errors.Wrap(err, "error reading raster band")
		}
		return scaleToRGB(buf, w, h), nil
	case godal.UInt32:
		buf := make([]uint32, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return nil, errors.Wrap(err, "error reading raster band")
		}
		return scaleToRGB(buf, w, h), nil
	default:
		return nil, errors.Errorf("unsupported image type %s", dtype)
	}
}

func scaleToRGB[T uint16 | uint32](buf []T, w, h int) *Image {
	lo, hi := buf[0], buf[0]
	for _, v := range buf {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := float64(hi) - float64(lo)
	if span == 0 {
		span = 1
	}

	im := NewEmpty(w, h, 3, godal.Byte, DefaultDriver)
	for i, v := range buf {
		scaled := clampFloat((float64(v)-float64(lo))/span*256, 0, 255)
		f := math.Trunc(scaled)
		im.data[i*3] = f
		im.data[i*3+1] = f
		im.data[i*3+2] = f
	}
	return im
}

func readBandInto(band godal.Band, im *Image, bi int, dtype godal.DataType) error {
	w, h := im.width, im.height
	switch dtype {
	case godal.Byte:
		buf := make([]uint8, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return errors.Wrap(err, "error reading raster band")
		}
		for i, v := range buf {
			im.data[i*im.bands+bi] = float64(v)
		}
	case godal.UInt16:
		buf := make([]uint16, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return errors.Wrap(err, "error reading raster band")
		}
		for i, v := range buf {
			im.data[i*im.bands+bi] = float64(v)
		}
	case godal.Float32:
		buf := make([]float32, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return errors.Wrap(err, "error reading raster band")
		}
		for i, v := range buf {
			im.data[i*im.bands+bi] = float64(v)
		}
	default:
		return errors.Errorf("unsupported image type %s", dtype)
	}
	return nil
}

// Write flushes the image to path. The samples are first staged into an
// in-memory proxy dataset; configure runs on the proxy before the final copy
// so callers can stamp the geotransform, CRS and metadata. Any pre-existing
// file at path is removed.
func (im *Image) Write(path, driver string, configure func(*godal.Dataset) error) (err error) {
	if driver == "" {
		driver = im.driver
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return errors.Wrapf(rmErr, "could not remove existing file at %s", path)
		}
	}

	mem, err := godal.Create(godal.Memory, "", im.bands, im.dtype, im.width, im.height)
	if err != nil {
		return errors.Wrap(err, "could not create in-memory dataset")
	}
	defer func() {
		err = multierr.Combine(err, mem.Close())
	}()

	if configure != nil {
		if err := configure(mem); err != nil {
			return err
		}
	}

	for bi, band := range mem.Bands() {
		if err := im.writeBand(band, bi); err != nil {
			return err
		}
	}

	out, err := mem.Translate(path, []string{"-of", driver})
	if err != nil {
		return errors.Wrapf(err, "could not create image at %s", path)
	}
	return out.Close()
}

func (im *Image) writeBand(band godal.Band, bi int) error {
	w, h := im.width, im.height
	var buf interface{}
	switch im.dtype {
	case godal.Byte:
		typed := make([]uint8, w*h)
		for i := range typed {
			typed[i] = uint8(im.quantize(im.data[i*im.bands+bi]))
		}
		buf = typed
	case godal.UInt16:
		typed := make([]uint16, w*h)
		for i := range typed {
			typed[i] = uint16(im.quantize(im.data[i*im.bands+bi]))
		}
		buf = typed
	case godal.Float32:
		typed := make([]float32, w*h)
		for i := range typed {
			typed[i] = float32(im.data[i*im.bands+bi])
		}
		buf = typed
	default:
		return errors.Errorf("unsupported sample type %s", im.dtype)
	}
	if err := band.Write(0, 0, buf, w, h); err != nil {
		return errors.Wrap(err, "could not write raster band")
	}
	return nil
}
