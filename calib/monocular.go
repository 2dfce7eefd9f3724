package calib

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"viammulticalib/pinhole"
	"viammulticalib/quality"
	"viammulticalib/target"
)

// monoResult is what the monocular stage learns about one camera.
type monoResult struct {
	model   pinhole.Model
	quality quality.CalibrationQuality
	// extrinsics[i] is the pose of the i-th accepted image, taken in frames[i].
	extrinsics []TargetExtrinsics
	frames     []int
}

// monocularCalibration calibrates every camera independently, in parallel, and records the pose of
// every target each camera saw in each frame.
func (c *Calibrator) monocularCalibration(ctx context.Context) error {
	results := make([]monoResult, len(c.cameras))
	layouts := c.layouts.Layouts()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.parallelism())
	for i := range c.cameras {
		g.Go(func() error {
			res, err := c.calibrateCamera(gctx, i, layouts)
			if err != nil {
				return errors.Wrapf(ErrMonocularCalibration, "camera %d: %v", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.frameStates = make([]FrameState, len(c.frames))
	for f := range c.frameStates {
		c.frameStates[f].Cameras = make([]FrameCamera, len(c.cameras))
	}
	c.statistics = make([]CameraStatistics, len(c.cameras))
	c.results = nil
	intrinsics := make([]pinhole.Model, len(c.cameras))
	for i, res := range results {
		intrinsics[i] = res.model
		c.statistics[i].Quality = res.quality
		for k, ext := range res.extrinsics {
			fc := &c.frameStates[res.frames[k]].Cameras[i]
			fc.Present = true
			fc.Observations = append(fc.Observations, ext)
		}
	}
	c.monoIntrinsics = intrinsics
	return nil
}

func (c *Calibrator) calibrateCamera(ctx context.Context, camera int, layouts []target.Layout) (monoResult, error) {
	prior := c.cameras[camera]
	mc := c.monoFactory(camera)
	if err := mc.Initialize(prior.Width, prior.Height, layouts); err != nil {
		return monoResult{}, err
	}

	var res monoResult
	var accepted []int
	for f, frame := range c.frames {
		for _, cam := range frame.Cameras {
			if cam.CameraID != camera {
				continue
			}
			for _, set := range cam.Targets {
				if !mc.AddImage(set) {
					c.logger.Debugf("camera %d frame %d: monocular calibrator skipped target %d with %d points",
						camera, f, set.TargetID, set.Len())
					continue
				}
				res.frames = append(res.frames, f)
				accepted = append(accepted, set.TargetID)
			}
		}
	}
	if len(accepted) == 0 {
		return monoResult{}, errors.New("no usable images")
	}

	model, err := mc.Process(ctx)
	if err != nil {
		return monoResult{}, err
	}
	res.model = model
	res.quality = mc.Quality()
	for i, targetID := range accepted {
		res.extrinsics = append(res.extrinsics, TargetExtrinsics{TargetID: targetID, TargetToCamera: mc.TargetToView(i)})
	}

	var sum float64
	errs := mc.ComputeErrors()
	for _, e := range errs {
		sum += e.MeanError
	}
	if len(errs) > 0 {
		c.logger.Infow("camera calibrated", "camera", camera, "images", len(accepted),
			"mean_error", sum/float64(len(errs)), "intrinsics", model.String())
	}
	return res, nil
}
