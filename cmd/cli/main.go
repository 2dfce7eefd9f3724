package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"

	"viammulticalib"
	"viammulticalib/calib"
	"viammulticalib/detect"
	"viammulticalib/se3"
	"viammulticalib/target"
)

func main() {
	err := realMain(os.Args)
	if err != nil {
		panic(err)
	}
}

func realMain(args []string) error {
	app := &cli.App{
		Name:  "multicalib",
		Usage: "calibrate a rig of cameras from chessboard images",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:      "calibrate",
				Usage:     "calibrate from one directory of images per camera, synchronized images share a file name",
				ArgsUsage: "<input dir>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "rows", Usage: "inner corner rows", Required: true},
					&cli.IntFlag{Name: "cols", Usage: "inner corner columns", Required: true},
					&cli.Float64Flag{Name: "square", Usage: "square size", Required: true},
					&cli.StringFlag{Name: "out", Usage: "output `DIR`", Value: "."},
					&cli.IntFlag{Name: "radial", Usage: "radial distortion terms", Value: 2},
					&cli.BoolFlag{Name: "tangential", Usage: "estimate tangential distortion"},
					&cli.BoolFlag{Name: "skew", Usage: "estimate skew"},
					&cli.IntFlag{Name: "sub-pixel", Usage: "corner refinement half window, 0 disables", Value: 5},
					&cli.Float64Flag{Name: "cloud-scale", Usage: "scale of the rig point cloud", Value: 1000},
				},
				Action: calibrateAction,
			},
			{
				Name:      "inspect",
				Usage:     "print a saved calibration",
				ArgsUsage: "<multi_camera.json>",
				Action:    inspectAction,
			},
		},
	}
	return app.Run(args)
}

func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewLogger("cli")
	if c.Bool("debug") {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

func calibrateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("need exactly one input directory")
	}
	logger := newLogger(c)
	ctx := context.Background()

	cameras, frames, err := listImages(c.Args().First())
	if err != nil {
		return err
	}
	logger.Infow("found images", "cameras", cameras, "frames", len(frames))

	cfg := calib.DefaultConfig().WithRadial(c.Int("radial"))
	cfg.Tangential = c.Bool("tangential")
	cfg.EstimateSkew = c.Bool("skew")

	det := &detect.Chessboard{Rows: c.Int("rows"), Cols: c.Int("cols"), SubPixel: c.Int("sub-pixel")}
	cal := calib.NewCalibrator(cfg, logger)
	if err := cal.Initialize(len(cameras), 1); err != nil {
		return err
	}
	if err := cal.SetTargetLayout(det.Layout(c.Float64("square"))); err != nil {
		return err
	}

	sizes := make([]image.Point, len(cameras))
	for _, name := range frames {
		var frame calib.FrameObservation
		for i, dir := range cameras {
			file := filepath.Join(c.Args().First(), dir, name)
			img, err := readImage(file)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return err
			}
			b := img.Bounds()
			size := image.Pt(b.Dx(), b.Dy())
			if sizes[i] != (image.Point{}) && sizes[i] != size {
				return errors.Errorf("%s is %v, other images of camera %s are %v", file, size, dir, sizes[i])
			}
			sizes[i] = size

			set, found, err := det.Detect(img)
			if err != nil {
				return errors.Wrap(err, file)
			}
			if !found {
				logger.Debugf("no chessboard in %s", file)
				continue
			}
			frame.Cameras = append(frame.Cameras, calib.CameraObservation{CameraID: i, Targets: []target.ObservationSet{set}})
		}
		if len(frame.Cameras) == 0 {
			logger.Infof("skipping %s, no camera saw the chessboard", name)
			continue
		}
		if err := cal.AddObservation(frame); err != nil {
			return err
		}
	}

	for i, size := range sizes {
		if size == (image.Point{}) {
			continue
		}
		if err := cal.SetCameraProperties(i, size.X, size.Y); err != nil {
			return err
		}
	}

	if err := cal.Process(ctx); err != nil {
		return err
	}
	fmt.Print(cal.QualityText())

	out := c.String("out")
	if err := viammulticalib.SaveResults(out, cal, cameras, viammulticalib.RigCloudConfig{Scale: c.Float64("cloud-scale")}); err != nil {
		return err
	}
	logger.Infof("results saved to %s", out)
	return nil
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("need exactly one file")
	}
	params, err := viammulticalib.LoadParams(c.Args().First())
	if err != nil {
		return err
	}
	for i, m := range params.Intrinsics {
		fmt.Printf("camera %d: %s\n", i, m.String())
		p := params.CamerasToSensor[i]
		fmt.Printf("  camera to sensor: translation=%v rotation_vector=%v\n", p.Point(), se3.ToRodrigues(p.Orientation()))
	}
	return nil
}

// listImages returns the camera sub directories of dir and the union of the image names in them, both
// sorted.
func listImages(dir string) (cameras, frames []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	names := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cameras = append(cameras, e.Name())
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, err
		}
		for _, f := range files {
			switch filepath.Ext(f.Name()) {
			case ".jpg", ".jpeg", ".png":
				names[f.Name()] = true
			}
		}
	}
	if len(cameras) == 0 {
		return nil, nil, errors.Errorf("no camera directories in %s", dir)
	}
	for n := range names {
		frames = append(frames, n)
	}
	sort.Strings(cameras)
	sort.Strings(frames)
	return cameras, frames, nil
}

func readImage(fn string) (image.Image, error) {
	file, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	return img, err
}
