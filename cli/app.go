// Package cli defines the orthorectify command line surface.
package cli

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/openaerialmap/orthorectify/ortho"
)

const (
	flagDEM                = "dem"
	flagNoAlpha            = "no-alpha"
	flagInterpolation      = "interpolation"
	flagOutDir             = "outdir"
	flagImageList          = "image-list"
	flagImages             = "images"
	flagSkipVisibilityTest = "skip-visibility-test"
	flagThreads            = "threads"
	flagVerbose            = "verbose"

	defaultDEMPath   = "odm_dem/dsm.tif"
	defaultOutDir    = "orthorectified"
	defaultImageList = "img_list.txt"
)

// NewApp builds the CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:      "orthorectify",
		Usage:     "orthorectify individual images (or all images) from an existing ODM reconstruction",
		ArgsUsage: "<dataset path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagDEM,
				Aliases: []string{"e"},
				Value:   defaultDEMPath,
				Usage:   "absolute path to DEM to use to orthorectify images",
			},
			&cli.BoolFlag{
				Name:  flagNoAlpha,
				Usage: "don't output an alpha channel",
			},
			&cli.StringFlag{
				Name:    flagInterpolation,
				Aliases: []string{"i"},
				Value:   "bilinear",
				Usage:   "type of interpolation to use to sample pixel values (nearest, bilinear)",
			},
			&cli.StringFlag{
				Name:    flagOutDir,
				Aliases: []string{"o"},
				Value:   defaultOutDir,
				Usage:   "output directory where to store results",
			},
			&cli.StringFlag{
				Name:    flagImageList,
				Aliases: []string{"l"},
				Value:   defaultImageList,
				Usage:   "path to file that contains the list of image filenames to orthorectify",
			},
			&cli.StringFlag{
				Name:  flagImages,
				Usage: "comma-separated list of filenames to rectify, overrides --image-list",
			},
			&cli.BoolFlag{
				Name:    flagSkipVisibilityTest,
				Aliases: []string{"s"},
				Usage:   "skip visibility testing (faster but leaves artifacts due to relief displacement)",
			},
			&cli.IntFlag{
				Name:    flagThreads,
				Aliases: []string{"t"},
				Value:   -1,
				Usage:   "number of threads to use (-1 = all)",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "verbose logging",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	if c.Args().Len() == 0 {
		//nolint:errcheck
		cli.ShowAppHelp(c)
		return errors.New("dataset path is required")
	}

	var logger golog.Logger
	if c.Bool(flagVerbose) {
		logger = golog.NewDevelopmentLogger("orthorectify")
	} else {
		logger = golog.NewLogger("orthorectify")
	}

	cfg, err := configFromContext(c)
	if err != nil {
		return err
	}

	return ortho.Run(c.Context, cfg, logger)
}

func configFromContext(c *cli.Context) (ortho.Config, error) {
	dataset := c.Args().First()
	if _, err := os.Stat(dataset); err != nil {
		return ortho.Config{}, errors.Wrapf(err, "dataset %s does not exist", dataset)
	}

	demPath := c.String(flagDEM)
	if demPath == defaultDEMPath {
		demPath = filepath.Join(dataset, defaultDEMPath)
	}
	if _, err := os.Stat(demPath); err != nil {
		return ortho.Config{}, errors.Wrapf(err, "DEM file %s does not exist", demPath)
	}

	interp, err := ortho.ParseInterpolation(c.String(flagInterpolation))
	if err != nil {
		return ortho.Config{}, err
	}

	outDir := c.String(flagOutDir)
	if outDir == defaultOutDir {
		outDir = filepath.Join(dataset, defaultOutDir)
	}

	targets, err := targetImages(c, dataset)
	if err != nil {
		return ortho.Config{}, err
	}

	cfg := ortho.Config{
		DatasetPath:  dataset,
		DEMPath:      demPath,
		OutDir:       outDir,
		TargetImages: targets,
		Options: ortho.Options{
			Interpolation:      interp,
			WithAlpha:          !c.Bool(flagNoAlpha),
			SkipVisibilityTest: c.Bool(flagSkipVisibilityTest),
		},
		Threads: c.Int(flagThreads),
	}
	return cfg, cfg.Validate()
}

// targetImages resolves the shot filter: an explicit --images list wins,
// otherwise the image list file is read. A missing list file is fatal only
// when the user pointed at one; the default list is optional and its absence
// selects every image.
func targetImages(c *cli.Context, dataset string) ([]string, error) {
	if c.IsSet(flagImages) {
		return strings.Split(c.String(flagImages), ","), nil
	}

	listPath := c.String(flagImageList)
	isDefault := listPath == defaultImageList
	if isDefault {
		listPath = filepath.Join(dataset, defaultImageList)
	}

	if _, err := os.Stat(listPath); err != nil {
		if isDefault {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "image list file %s does not exist", listPath)
	}
	return readImageList(listPath)
}

func readImageList(path string) ([]string, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open image list %s", path)
	}
	defer f.Close()

	var images []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r\n")
		if line == "" {
			continue
		}
		images = append(images, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read image list %s", path)
	}
	return images, nil
}
