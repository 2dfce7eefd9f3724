package calib

import (
	"context"
	"encoding/json"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"viammulticalib/bundle"
	"viammulticalib/pinhole"
	"viammulticalib/quality"
	"viammulticalib/se3"
	"viammulticalib/target"
)

// CameraPrior is what is known about a camera before calibration.
type CameraPrior struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CameraObservation is everything one camera saw in one frame.
type CameraObservation struct {
	CameraID int                     `json:"camera_id"`
	Targets  []target.ObservationSet `json:"targets"`
}

// FrameObservation is the synchronized set of observations from every camera at one instant.
type FrameObservation struct {
	Cameras []CameraObservation `json:"cameras"`
}

// Clone returns a copy that shares no memory with f.
func (f FrameObservation) Clone() FrameObservation {
	out := FrameObservation{Cameras: make([]CameraObservation, len(f.Cameras))}
	for i, cam := range f.Cameras {
		out.Cameras[i] = CameraObservation{CameraID: cam.CameraID, Targets: make([]target.ObservationSet, len(cam.Targets))}
		for j, set := range cam.Targets {
			out.Cameras[i].Targets[j] = set.Clone()
		}
	}
	return out
}

// TargetExtrinsics is a target pose estimated by the monocular stage.
type TargetExtrinsics struct {
	TargetID       int
	TargetToCamera spatialmath.Pose
}

// FrameCamera holds the target poses one camera estimated in one frame.
type FrameCamera struct {
	Present      bool
	Observations []TargetExtrinsics
}

// Find returns the extrinsics of a target.
func (fc *FrameCamera) Find(targetID int) (TargetExtrinsics, bool) {
	for _, o := range fc.Observations {
		if o.TargetID == targetID {
			return o, true
		}
	}
	return TargetExtrinsics{}, false
}

// FrameState is the working state of one frame. Cameras is dense over camera index.
type FrameState struct {
	Cameras       []FrameCamera
	SensorToWorld spatialmath.Pose
	Anchored      bool
}

// MultiCameraCalibParams is the calibrated rig. CamerasToSensor[0] is always the identity.
type MultiCameraCalibParams struct {
	Intrinsics      []pinhole.Model
	CamerasToSensor []spatialmath.Pose
}

// poseJSON stores a pose as a translation and a rotation vector in radians.
type poseJSON struct {
	Translation r3.Vector `json:"translation"`
	Rotation    r3.Vector `json:"rotation_vector"`
}

type paramsJSON struct {
	Cameras []cameraJSON `json:"cameras"`
}

type cameraJSON struct {
	Intrinsics     pinhole.Model `json:"intrinsics"`
	CameraToSensor poseJSON      `json:"camera_to_sensor"`
}

// MarshalJSON writes one entry per camera.
func (p MultiCameraCalibParams) MarshalJSON() ([]byte, error) {
	out := paramsJSON{Cameras: make([]cameraJSON, len(p.Intrinsics))}
	for i := range p.Intrinsics {
		out.Cameras[i].Intrinsics = p.Intrinsics[i]
		if i < len(p.CamerasToSensor) && p.CamerasToSensor[i] != nil {
			out.Cameras[i].CameraToSensor = poseJSON{
				Translation: p.CamerasToSensor[i].Point(),
				Rotation:    se3.ToRodrigues(p.CamerasToSensor[i].Orientation()),
			}
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (p *MultiCameraCalibParams) UnmarshalJSON(data []byte) error {
	var in paramsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Intrinsics = make([]pinhole.Model, len(in.Cameras))
	p.CamerasToSensor = make([]spatialmath.Pose, len(in.Cameras))
	for i, c := range in.Cameras {
		p.Intrinsics[i] = c.Intrinsics
		p.CamerasToSensor[i] = spatialmath.NewPose(c.CameraToSensor.Translation, se3.FromRodrigues(c.CameraToSensor.Rotation))
	}
	return nil
}

// FrameResiduals are the residuals of one camera in one frame.
type FrameResiduals struct {
	Frame int `json:"frame"`
	// Observed is false when the camera saw nothing in the frame.
	Observed bool `json:"observed"`
	quality.ImageResults
}

// Histogram counts residuals below each threshold. Counts has one more entry than Thresholds; the
// last entry counts every residual.
type Histogram struct {
	Thresholds []float64 `json:"thresholds"`
	Counts     []int     `json:"counts"`
}

func newHistogram(thresholds []float64) Histogram {
	return Histogram{
		Thresholds: append([]float64(nil), thresholds...),
		Counts:     make([]int, len(thresholds)+1),
	}
}

// Add counts one residual.
func (h *Histogram) Add(e float64) {
	for i, t := range h.Thresholds {
		if e < t {
			h.Counts[i]++
		}
	}
	h.Counts[len(h.Thresholds)]++
}

// Total is the number of residuals counted.
func (h Histogram) Total() int {
	return h.Counts[len(h.Counts)-1]
}

// CameraStatistics summarizes the quality of one camera's calibration.
type CameraStatistics struct {
	Quality     quality.CalibrationQuality `json:"quality"`
	Residuals   []FrameResiduals           `json:"residuals"`
	OverallMean float64                    `json:"overall_mean"`
	OverallMax  float64                    `json:"overall_max"`
	Histogram   Histogram                  `json:"histogram"`
}

// MonoCalibrator calibrates a single camera. Images are indexed in the order AddImage accepted them.
type MonoCalibrator interface {
	Initialize(width, height int, layouts []target.Layout) error
	AddImage(set target.ObservationSet) bool
	Process(ctx context.Context) (pinhole.Model, error)
	TargetToView(i int) spatialmath.Pose
	ComputeErrors() []quality.ImageResults
	Quality() quality.CalibrationQuality
}

// MonoFactory creates the calibrator for one camera.
type MonoFactory func(camera int) MonoCalibrator

// BundleAdjuster refines a scene in place.
type BundleAdjuster interface {
	Process(ctx context.Context, scene *bundle.Scene) (bundle.Summary, error)
}
