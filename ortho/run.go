package ortho

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/openaerialmap/orthorectify/dem"
	"github.com/openaerialmap/orthorectify/raster"
	"github.com/openaerialmap/orthorectify/sfm"
)

// Config is the validated run configuration the CLI hands to the driver.
type Config struct {
	DatasetPath string
	DEMPath     string
	OutDir      string

	// TargetImages restricts processing to the named shot stems. Empty
	// means every shot in the reconstruction.
	TargetImages []string

	Options Options

	// Threads is the worker count; -1 uses all available cores.
	Threads int
}

// Validate rejects configurations that must fail before any shot runs.
func (c *Config) Validate() error {
	if c.DatasetPath == "" {
		return errors.New("dataset path is required")
	}
	if c.Threads < -1 || c.Threads == 0 {
		return errors.Errorf("invalid number of threads: %d", c.Threads)
	}
	return nil
}

// Run loads the DEM and the reconstruction once, then orthorectifies every
// selected shot in parallel. Per-shot failures are reported and do not stop
// the other workers; only configuration failures return an error.
func Run(ctx context.Context, cfg Config, logger golog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create output directory %s", cfg.OutDir)
	}

	logger.Infof("Reading DEM: %s", cfg.DEMPath)
	model, err := dem.Load(cfg.DEMPath, logger)
	if err != nil {
		return err
	}

	if model.CRS() != "" {
		logger.Debugf("DEM CRS (wkt): %s", model.CRS())

		offX, offY, err := dem.ReadOffsets(
			filepath.Join(cfg.DatasetPath, "odm_georeferencing", "coords.txt"))
		if err != nil {
			return err
		}
		logger.Infof("DEM offset (%d, %d)", offX, offY)
		model.SetOffsets(float64(offX), float64(offY))
	}

	start := time.Now()
	logger.Info("Loading undistorted dataset")
	shots, err := sfm.LoadReconstruction(
		filepath.Join(cfg.DatasetPath, "opensfm", "reconstruction.json"), logger)
	if err != nil {
		return err
	}
	logger.Infof("Undistorted dataset loaded in %s", humanDuration(time.Since(start)))

	logger.Debug("Found shots:")
	for i := range shots {
		logger.Debug(shots[i].ID)
	}

	selected := selectShots(shots, cfg.TargetImages, logger)
	if len(selected) == 0 {
		logger.Warn("No images selected for processing")
		return nil
	}

	threads := cfg.Threads
	if threads == -1 {
		threads = runtime.NumCPU()
		logger.Infof("Using all available threads (%d)", threads)
	} else {
		logger.Infof("Using %d threads", threads)
	}
	if threads > len(selected) {
		threads = len(selected)
	}

	start = time.Now()
	processed := runShots(ctx, cfg, model, selected, threads, logger)
	logger.Infof("Processed %d images in %s", processed, humanDuration(time.Since(start)))
	return nil
}

// selectShots applies the image-list filter. An empty target list keeps all
// shots.
func selectShots(shots []sfm.Shot, targets []string, logger golog.Logger) []sfm.Shot {
	if len(targets) == 0 {
		logger.Info("Processing all images")
		return shots
	}

	logger.Infof("Processing %d images", len(targets))
	for _, t := range targets {
		logger.Debug(t)
	}

	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}

	var selected []sfm.Shot
	for i := range shots {
		if wanted[shots[i].ID] {
			selected = append(selected, shots[i])
			continue
		}
		logger.Debugf("Skipping image %s", shots[i].ID)
	}
	return selected
}

// runShots drains the selected shots through a fixed pool of workers and
// returns how many completed. Workers share the read-only DEM and shots
// slice; each owns its source image, output raster and scratch buffers.
func runShots(
	ctx context.Context,
	cfg Config,
	model dem.Model,
	shots []sfm.Shot,
	threads int,
	logger golog.Logger,
) int {
	jobs := make(chan *sfm.Shot)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var processed int
	var shotErrs error

	for worker := 0; worker < threads; worker++ {
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			for shot := range jobs {
				if ctx.Err() != nil {
					continue
				}

				shotLogger := logger.Named(shot.ID)
				err := processOne(cfg, model, shot, shotLogger)

				mu.Lock()
				switch {
				case errors.Is(err, ErrOutsideDEM), errors.Is(err, ErrZeroFocal):
					shotLogger.Warn(err)
				case err != nil:
					shotLogger.Errorw("failed to orthorectify shot", "error", err)
					shotErrs = multierr.Append(shotErrs, errors.Wrap(err, shot.ID))
				default:
					processed++
				}
				mu.Unlock()
			}
		})
	}

	for i := range shots {
		jobs <- &shots[i]
	}
	close(jobs)
	wg.Wait()

	if shotErrs != nil {
		logger.Debugw("per-shot failures", "error", shotErrs)
	}
	return processed
}

// processOne dispatches the generic kernel for the DEM's sample type. The
// switch happens once per shot; the kernel's inner loop stays monomorphic.
func processOne(cfg Config, model dem.Model, shot *sfm.Shot, logger golog.Logger) error {
	logger.Infof("Processing shot %s", shot.ID)

	switch g := model.(type) {
	case *dem.Grid[uint8]:
		return processShot(g, shot, cfg, logger)
	case *dem.Grid[uint16]:
		return processShot(g, shot, cfg, logger)
	case *dem.Grid[float32]:
		return processShot(g, shot, cfg, logger)
	default:
		return errors.Errorf("unexpected DEM model %T", model)
	}
}

func processShot[T dem.Sample](g *dem.Grid[T], shot *sfm.Shot, cfg Config, logger golog.Logger) error {
	start := time.Now()

	fileName := shotFileName(shot.ID)
	imagePath := filepath.Join(cfg.DatasetPath, "opensfm", "undistorted", "images", fileName)
	logger.Debugf("Image file path: %s", imagePath)

	img, err := raster.Open(imagePath)
	if err != nil {
		return err
	}

	res, err := rectify(g, shot, img, cfg.Options, logger)
	if err != nil {
		return err
	}

	outPath := filepath.Join(cfg.OutDir, fileName)
	if err := writeOutput(res, outPath, g.WKT); err != nil {
		return err
	}

	logger.Infof("Orthorectified image %q written in %s", shot.ID, humanDuration(time.Since(start)))
	return nil
}

// shotFileName appends .tif to stems that lack it so outputs mirror the
// undistorted inputs.
func shotFileName(id string) string {
	if strings.EqualFold(filepath.Ext(id), ".tif") {
		return id
	}
	return id + ".tif"
}

// humanDuration renders an elapsed time the way the logs expect: non-zero
// hour/minute/second/millisecond parts, largest first.
func humanDuration(elapsed time.Duration) string {
	hours := elapsed / time.Hour
	elapsed -= hours * time.Hour
	minutes := elapsed / time.Minute
	elapsed -= minutes * time.Minute
	seconds := elapsed / time.Second
	elapsed -= seconds * time.Second
	millis := elapsed / time.Millisecond

	var b strings.Builder
	if hours > 0 {
		fmt.Fprintf(&b, "%dh ", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm ", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&b, "%ds ", seconds)
	}
	if millis > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%dms", millis)
	}
	return strings.TrimSpace(b.String())
}
