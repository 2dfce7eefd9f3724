package calib

import "github.com/pkg/errors"

var (
	// ErrNotInitialized is returned when Initialize has not been called.
	ErrNotInitialized = errors.New("calibrator is not initialized")
	// ErrAlreadyProcessed is returned when Process or AddObservation is called after Process without
	// calling Initialize again.
	ErrAlreadyProcessed = errors.New("calibrator has already processed its input")
	// ErrMissingCameraProperties is returned when a camera has no image size.
	ErrMissingCameraProperties = errors.New("camera properties not set")
	// ErrMissingTargetLayout is returned when a target has no layout.
	ErrMissingTargetLayout = errors.New("target layout not set")
	// ErrInvalidObservation is returned for observations of unknown cameras, targets or points.
	ErrInvalidObservation = errors.New("invalid observation")
	// ErrFrameWithoutObservations is returned when a frame cannot be placed in the world.
	ErrFrameWithoutObservations = errors.New("frame has no usable observations")
	// ErrDisconnectedRig is returned when some camera never shares a target with a camera of known pose.
	ErrDisconnectedRig = errors.New("cameras are not connected to camera 0")
	// ErrMonocularCalibration is returned when calibrating a single camera fails.
	ErrMonocularCalibration = errors.New("monocular calibration failed")
	// ErrBundleAdjustment is returned when the joint refinement fails.
	ErrBundleAdjustment = errors.New("bundle adjustment failed")
)
