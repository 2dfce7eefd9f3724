// Package calib calibrates a rig of rigidly mounted cameras from synchronized observations of planar
// targets. Each camera is first calibrated on its own, the cameras are then tied together through
// targets they saw at the same time, every frame and target is placed in a world frame defined by the
// first observed target, and finally everything is refined jointly.
package calib

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"viammulticalib/bundle"
	"viammulticalib/mono"
	"viammulticalib/pinhole"
	"viammulticalib/target"
)

// Calibrator is the multi-camera calibration pipeline. It is not safe for concurrent use.
type Calibrator struct {
	cfg    Config
	logger logging.Logger

	monoFactory MonoFactory
	adjuster    BundleAdjuster

	initialized bool
	processed   bool

	cameras    []CameraPrior
	hasCamera  []bool
	layouts    target.Store
	numTargets int
	frames     []FrameObservation

	// working state
	frameStates     []FrameState
	monoIntrinsics  []pinhole.Model
	camerasToSensor []spatialmath.Pose
	targetToWorld   []spatialmath.Pose
	observedTarget  []bool
	graph           *Graph
	scene           *bundle.Scene
	statistics      []CameraStatistics
	histogram       Histogram
	results         *MultiCameraCalibParams
	warnings        []string
	refinement      bundle.Summary

	// observations missing from the residuals, see DroppedObservations
	unplaced     int
	behindCamera int

	meanErrorBefore float64
	meanErrorAfter  float64
}

// NewCalibrator creates a calibrator that uses the Zhang monocular calibrator and the bundle package.
func NewCalibrator(cfg Config, logger logging.Logger) *Calibrator {
	c := &Calibrator{cfg: cfg, logger: logger}
	c.monoFactory = func(camera int) MonoCalibrator {
		return mono.NewCalibrator(c.cfg.Mono(), c.logger.Sublogger(fmt.Sprintf("camera%d", camera)))
	}
	c.adjuster = bundle.NewAdjuster(cfg.Bundle(), logger.Sublogger("bundle"))
	return c
}

// SetMonoFactory replaces the monocular calibrator.
func (c *Calibrator) SetMonoFactory(f MonoFactory) {
	c.monoFactory = f
}

// SetBundleAdjuster replaces the joint refinement engine.
func (c *Calibrator) SetBundleAdjuster(b BundleAdjuster) {
	c.adjuster = b
}

// Initialize discards all state and prepares for a rig of numCameras cameras and numTargets targets.
func (c *Calibrator) Initialize(numCameras, numTargets int) error {
	if numCameras < 1 {
		return errors.Errorf("need at least one camera, got %d", numCameras)
	}
	if numTargets < 1 {
		return errors.Errorf("need at least one target, got %d", numTargets)
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	*c = Calibrator{
		cfg:         c.cfg,
		logger:      c.logger,
		monoFactory: c.monoFactory,
		adjuster:    c.adjuster,
		initialized: true,
		cameras:     make([]CameraPrior, numCameras),
		hasCamera:   make([]bool, numCameras),
		numTargets:  numTargets,
	}
	return nil
}

// NumCameras is the number of cameras in the rig.
func (c *Calibrator) NumCameras() int {
	return len(c.cameras)
}

// NumTargets is the number of targets.
func (c *Calibrator) NumTargets() int {
	return c.numTargets
}

// NumFrames is the number of frames added so far.
func (c *Calibrator) NumFrames() int {
	return len(c.frames)
}

// SetCameraProperties records the image size of a camera. It may be called again to replace it.
func (c *Calibrator) SetCameraProperties(index, width, height int) error {
	if !c.initialized {
		return ErrNotInitialized
	}
	if index < 0 || index >= len(c.cameras) {
		return errors.Errorf("camera index %d out of range [0,%d)", index, len(c.cameras))
	}
	if width <= 0 || height <= 0 {
		return errors.Errorf("camera %d has invalid size %dx%d", index, width, height)
	}
	c.cameras[index] = CameraPrior{Index: index, Width: width, Height: height}
	c.hasCamera[index] = true
	return nil
}

// SetTargetLayout records the points of a target. It may be called again to replace them.
func (c *Calibrator) SetTargetLayout(layout target.Layout) error {
	if !c.initialized {
		return ErrNotInitialized
	}
	if layout.ID < 0 || layout.ID >= c.numTargets {
		return errors.Errorf("target id %d out of range [0,%d)", layout.ID, c.numTargets)
	}
	return c.layouts.Set(layout)
}

// AddObservation appends one frame. Camera and target IDs must be in range and each camera may
// appear at most once per frame.
func (c *Calibrator) AddObservation(frame FrameObservation) error {
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.processed {
		return ErrAlreadyProcessed
	}
	seen := make([]bool, len(c.cameras))
	for _, cam := range frame.Cameras {
		if cam.CameraID < 0 || cam.CameraID >= len(c.cameras) {
			return errors.Wrapf(ErrInvalidObservation, "camera id %d out of range", cam.CameraID)
		}
		if seen[cam.CameraID] {
			return errors.Wrapf(ErrInvalidObservation, "camera %d appears twice in frame %d", cam.CameraID, len(c.frames))
		}
		seen[cam.CameraID] = true
		for _, set := range cam.Targets {
			if set.TargetID < 0 || set.TargetID >= c.numTargets {
				return errors.Wrapf(ErrInvalidObservation, "target id %d out of range", set.TargetID)
			}
			for _, o := range set.Points {
				if o.Index < 0 {
					return errors.Wrapf(ErrInvalidObservation, "negative point index in target %d", set.TargetID)
				}
			}
		}
	}
	c.frames = append(c.frames, frame.Clone())
	return nil
}

func (c *Calibrator) checkInputs() error {
	if !c.initialized {
		return ErrNotInitialized
	}
	if c.processed {
		return ErrAlreadyProcessed
	}
	var missing error
	for i, ok := range c.hasCamera {
		if !ok {
			missing = multierr.Append(missing, errors.Wrapf(ErrMissingCameraProperties, "camera %d", i))
		}
	}
	if err := c.layouts.Validate(c.numTargets); err != nil {
		for _, e := range multierr.Errors(err) {
			missing = multierr.Append(missing, errors.Wrap(ErrMissingTargetLayout, e.Error()))
		}
	}
	if missing != nil {
		return missing
	}
	for f, frame := range c.frames {
		for _, cam := range frame.Cameras {
			for _, set := range cam.Targets {
				if err := c.layouts.CheckObservations(set); err != nil {
					return errors.Wrapf(ErrInvalidObservation, "frame %d camera %d: %v", f, cam.CameraID, err)
				}
			}
		}
	}
	return nil
}

// Process runs the full pipeline. On success Results, Statistics and the pose accessors are populated.
func (c *Calibrator) Process(ctx context.Context) error {
	if err := c.checkInputs(); err != nil {
		return err
	}
	c.processed = true

	c.logger.Infow("calibrating rig", "cameras", len(c.cameras), "targets", c.numTargets, "frames", len(c.frames))

	if err := c.monocularCalibration(ctx); err != nil {
		return err
	}
	c.logger.Info("monocular calibration done")

	if err := c.estimateCameraToSensor(); err != nil {
		return err
	}
	c.logger.Info("camera to sensor transforms found")

	if err := c.anchorWorld(); err != nil {
		return err
	}

	c.scene = c.buildScene()
	c.meanErrorBefore = meanResidual(c.scene)
	summary, err := c.adjuster.Process(ctx, c.scene)
	if err != nil {
		return errors.Wrap(ErrBundleAdjustment, err.Error())
	}
	c.refinement = summary
	c.logger.Infow("bundle adjustment done",
		"iterations", summary.Iterations, "initial_cost", summary.InitialCost, "final_cost", summary.FinalCost)

	c.sceneToOutput()
	c.computeReprojectionErrors()
	c.meanErrorAfter = meanResidual(c.scene)
	c.logger.Infow("calibration finished", "mean_error_before", c.meanErrorBefore, "mean_error_after", c.meanErrorAfter)
	return nil
}

// Layouts returns the target layouts, ordered by target ID.
func (c *Calibrator) Layouts() []target.Layout {
	return c.layouts.Layouts()
}

// Results returns the calibrated rig. ok is false until Process succeeds.
func (c *Calibrator) Results() (MultiCameraCalibParams, bool) {
	if c.results == nil {
		return MultiCameraCalibParams{}, false
	}
	return *c.results, true
}

// Statistics returns per camera quality and residual statistics.
func (c *Calibrator) Statistics() []CameraStatistics {
	return c.statistics
}

// Histogram counts every residual of every camera.
func (c *Calibrator) Histogram() Histogram {
	return c.histogram
}

// TargetToWorld returns the pose of every target in the world frame.
func (c *Calibrator) TargetToWorld() []spatialmath.Pose {
	return c.targetToWorld
}

// SensorToWorld returns the pose of the rig in every frame.
func (c *Calibrator) SensorToWorld() []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(c.frameStates))
	for i, f := range c.frameStates {
		out[i] = f.SensorToWorld
	}
	return out
}

// Graph returns the co-observation graph built during Process.
func (c *Calibrator) Graph() *Graph {
	return c.graph
}

// UnobservedTargets lists targets that no frame could place in the world.
func (c *Calibrator) UnobservedTargets() []int {
	var out []int
	for t, ok := range c.observedTarget {
		if !ok {
			out = append(out, t)
		}
	}
	return out
}

// Warnings are the non fatal problems found during Process.
func (c *Calibrator) Warnings() []string {
	return c.warnings
}

// Refinement reports how the joint refinement went.
func (c *Calibrator) Refinement() bundle.Summary {
	return c.refinement
}

// DroppedObservations counts the observed points that have no residual: points of targets that never
// received a world pose and points that reproject behind their camera. With the histogram total it adds
// up to every point passed to AddObservation.
func (c *Calibrator) DroppedObservations() int {
	return c.unplaced + c.behindCamera
}

// MeanErrorBefore is the mean reprojection error of the initial estimate.
func (c *Calibrator) MeanErrorBefore() float64 {
	return c.meanErrorBefore
}

// MeanErrorAfter is the mean reprojection error after refinement.
func (c *Calibrator) MeanErrorAfter() float64 {
	return c.meanErrorAfter
}

func (c *Calibrator) warn(msg string, keysAndValues ...interface{}) {
	c.logger.Warnw(msg, keysAndValues...)
	text := msg
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		text += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	c.warnings = append(c.warnings, text)
}
