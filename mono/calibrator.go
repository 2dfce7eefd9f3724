// Package mono calibrates a single camera from images of planar targets using Zhang's method followed
// by a bundle adjustment of the intrinsics and every target pose.
package mono

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"viammulticalib/bundle"
	"viammulticalib/pinhole"
	"viammulticalib/quality"
	"viammulticalib/se3"
	"viammulticalib/target"
)

// MinPoints is the fewest points an image needs to be used.
const MinPoints = 4

// Config controls a monocular calibration.
type Config struct {
	Param  pinhole.Parameterization
	Bundle bundle.Config
}

// DefaultConfig is zero skew with two radial terms.
func DefaultConfig() Config {
	return Config{
		Param:  pinhole.Parameterization{ZeroSkew: true, NumRadial: 2},
		Bundle: bundle.DefaultConfig(),
	}
}

// Calibrator estimates the intrinsics of one camera.
type Calibrator struct {
	cfg    Config
	logger logging.Logger

	width, height int
	layouts       target.Store
	images        []target.ObservationSet

	model        pinhole.Model
	targetToView []se3.Transform
	scene        *bundle.Scene
}

// NewCalibrator creates a calibrator.
func NewCalibrator(cfg Config, logger logging.Logger) *Calibrator {
	return &Calibrator{cfg: cfg, logger: logger}
}

// Initialize discards previous state and sets the image size and the known targets.
func (c *Calibrator) Initialize(width, height int, layouts []target.Layout) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid image size %dx%d", width, height)
	}
	if err := c.cfg.Param.Validate(); err != nil {
		return err
	}
	c.width, c.height = width, height
	c.layouts = target.Store{}
	for _, l := range layouts {
		if err := c.layouts.Set(l); err != nil {
			return err
		}
	}
	c.images = nil
	c.model = pinhole.Model{}
	c.targetToView = nil
	c.scene = nil
	return nil
}

// AddImage queues the observations of one target in one image. It reports false, and ignores the
// image, when the target is unknown or has fewer than MinPoints points.
func (c *Calibrator) AddImage(set target.ObservationSet) bool {
	if set.Len() < MinPoints {
		return false
	}
	if err := c.layouts.CheckObservations(set); err != nil {
		return false
	}
	c.images = append(c.images, set)
	return true
}

// Process estimates the intrinsics and every target pose.
func (c *Calibrator) Process(ctx context.Context) (pinhole.Model, error) {
	if len(c.images) == 0 {
		return pinhole.Model{}, errors.New("no images")
	}

	f0 := float64(c.width+c.height) / 2
	cx, cy := float64(c.width)/2, float64(c.height)/2
	norm := func(p r2.Point) r2.Point {
		return r2.Point{X: (p.X - cx) / f0, Y: (p.Y - cy) / f0}
	}

	homographies := make([]*mat.Dense, len(c.images))
	for i, img := range c.images {
		layout, _ := c.layouts.Get(img.TargetID)
		plane := make([]r2.Point, img.Len())
		pixels := make([]r2.Point, img.Len())
		for j, o := range img.Points {
			plane[j] = layout.Points[o.Index]
			pixels[j] = norm(o.Pixel)
		}
		h, err := estimateHomography(plane, pixels)
		if err != nil {
			return pinhole.Model{}, errors.Wrapf(err, "image %d", i)
		}
		homographies[i] = h
	}

	kn, err := closedFormIntrinsics(homographies, c.cfg.Param.ZeroSkew)
	if err != nil {
		return pinhole.Model{}, err
	}

	c.targetToView = make([]se3.Transform, len(c.images))
	for i, h := range homographies {
		pose, err := poseFromHomography(kn, h)
		if err != nil {
			return pinhole.Model{}, errors.Wrapf(err, "image %d", i)
		}
		c.targetToView[i] = pose
	}

	initial := pinhole.New(c.width, c.height,
		f0*kn.At(0, 0), f0*kn.At(1, 1), f0*kn.At(0, 1),
		f0*kn.At(0, 2)+cx, f0*kn.At(1, 2)+cy)
	c.logger.Debugf("closed form intrinsics %v", initial)

	c.scene = c.buildScene(initial)
	summary, err := bundle.NewAdjuster(c.cfg.Bundle, c.logger).Process(ctx, c.scene)
	if err != nil {
		return pinhole.Model{}, errors.Wrap(err, "refining intrinsics")
	}
	c.logger.Debugf("mono refinement: %d iterations cost %g -> %g", summary.Iterations, summary.InitialCost, summary.FinalCost)

	c.model = c.scene.Cameras[0].Model
	for i := range c.targetToView {
		c.targetToView[i] = c.scene.Views[i].WorldToView
	}
	return c.model, nil
}

// buildScene has one root view per image and one fixed identity rigid per target, so every view
// pose is a target-to-camera transform.
func (c *Calibrator) buildScene(initial pinhole.Model) *bundle.Scene {
	s := &bundle.Scene{
		Cameras: []bundle.Camera{{Model: initial, Param: c.cfg.Param}},
	}
	for _, l := range c.layouts.Layouts() {
		for l.ID >= len(s.Rigids) {
			s.Rigids = append(s.Rigids, bundle.Rigid{ObjectToWorld: se3.Identity(), Fixed: true})
		}
		pts := make([]r3.Vector, len(l.Points))
		for i := range l.Points {
			pts[i] = l.Point3D(i)
		}
		s.Rigids[l.ID].Points = pts
	}
	for i, img := range c.images {
		s.Views = append(s.Views, bundle.View{Camera: 0, Parent: -1, WorldToView: c.targetToView[i]})
		for _, o := range img.Points {
			s.Observations = append(s.Observations, bundle.Observation{
				View: i, Rigid: img.TargetID, Point: o.Index, Pixel: o.Pixel,
			})
		}
	}
	return s
}

// TargetToView is the pose of the target in accepted image i.
func (c *Calibrator) TargetToView(i int) spatialmath.Pose {
	return c.targetToView[i].Pose()
}

// ComputeErrors summarizes the residuals of every accepted image.
func (c *Calibrator) ComputeErrors() []quality.ImageResults {
	if c.scene == nil {
		return nil
	}
	residuals := make([][]r2.Point, len(c.images))
	for i, o := range c.scene.Observations {
		r, ok := c.scene.Residual(i)
		if !ok {
			continue
		}
		residuals[o.View] = append(residuals[o.View], r)
	}
	out := make([]quality.ImageResults, len(c.images))
	for i := range out {
		out[i] = quality.Summarize(residuals[i])
	}
	return out
}

// Quality scores the coverage and orientation diversity of the accepted images.
func (c *Calibrator) Quality() quality.CalibrationQuality {
	fill := quality.NewFill(c.width, c.height, quality.DefaultCells)
	for _, img := range c.images {
		for _, o := range img.Points {
			fill.Add(o.Pixel)
		}
	}
	var q quality.CalibrationQuality
	q.BorderFill, q.InnerFill = fill.Scores()
	q.Geometric = quality.Geometric(c.targetToView)
	return q
}
