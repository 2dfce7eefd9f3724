// Package synth renders noiseless observations of planar targets from a known camera rig for tests.
package synth

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"viammulticalib/pinhole"
	"viammulticalib/se3"
	"viammulticalib/target"
)

// Pose builds a transform from a rotation vector and a translation.
func Pose(rx, ry, rz, x, y, z float64) se3.Transform {
	return se3.Transform{
		R: se3.RotationMatrix(se3.FromRodrigues(r3.Vector{X: rx, Y: ry, Z: rz})),
		T: r3.Vector{X: x, Y: y, Z: z},
	}
}

// Rig is the ground truth of a calibration data set.
type Rig struct {
	Cameras        []pinhole.Model
	CameraToSensor []se3.Transform
	Layouts        []target.Layout
	TargetToWorld  []se3.Transform
	// SensorToWorld has one entry per frame.
	SensorToWorld []se3.Transform
	// Clip drops points that project outside the image.
	Clip bool
}

// TargetToCamera is the true pose of target t in camera c at frame f.
func (r *Rig) TargetToCamera(f, c, t int) se3.Transform {
	worldToCamera := r.CameraToSensor[c].Inverse().Compose(r.SensorToWorld[f].Inverse())
	return worldToCamera.Compose(r.TargetToWorld[t])
}

// Observe returns every target seen by camera c in frame f, in target order. Targets with fewer than
// minPoints visible points are omitted.
func (r *Rig) Observe(f, c, minPoints int) []target.ObservationSet {
	var out []target.ObservationSet
	cam := r.Cameras[c]
	for t, l := range r.Layouts {
		toCam := r.TargetToCamera(f, c, t)
		set := target.ObservationSet{TargetID: l.ID}
		for i := range l.Points {
			px, ok := cam.Project(toCam.Apply(l.Point3D(i)))
			if !ok {
				continue
			}
			if r.Clip && (px.X < 0 || px.Y < 0 || px.X >= float64(cam.Width) || px.Y >= float64(cam.Height)) {
				continue
			}
			set.Points = append(set.Points, target.Observation{Index: i, Pixel: px})
		}
		if set.Len() >= minPoints && set.Len() > 0 {
			out = append(out, set)
		}
	}
	return out
}

// AddNoise perturbs every pixel with gaussian noise of the given standard deviation.
func AddNoise(sets []target.ObservationSet, sigma float64, rng *rand.Rand) {
	for i := range sets {
		for j := range sets[i].Points {
			p := &sets[i].Points[j].Pixel
			*p = p.Add(r2.Point{X: rng.NormFloat64() * sigma, Y: rng.NormFloat64() * sigma})
		}
	}
}

// Poses converts transforms to spatialmath poses.
func Poses(ts []se3.Transform) []spatialmath.Pose {
	out := make([]spatialmath.Pose, len(ts))
	for i, t := range ts {
		out[i] = t.Pose()
	}
	return out
}

// Camera is a 640x480 camera with distinct focal lengths and an off-centre principal point.
func Camera() pinhole.Model {
	return pinhole.New(640, 480, 500, 505, 0, 322, 238)
}

// BoardViews returns target-to-camera poses with enough tilt diversity for calibration.
// The board is assumed to be about 0.35 x 0.25 with its origin at a corner.
func BoardViews() []se3.Transform {
	return []se3.Transform{
		Pose(0.3, 0, 0, -0.17, -0.12, 0.8),
		Pose(-0.3, 0.1, 0.05, -0.18, -0.1, 0.9),
		Pose(0, 0.35, -0.05, -0.15, -0.13, 0.85),
		Pose(0.1, -0.35, 0.1, -0.2, -0.12, 0.75),
		Pose(0.2, 0.25, 0.02, -0.16, -0.11, 1.0),
	}
}
