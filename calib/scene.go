package calib

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"viammulticalib/bundle"
	"viammulticalib/pinhole"
	"viammulticalib/se3"
)

// viewIndex is the scene view of a camera in a frame.
func viewIndex(frame, camera, numCameras int) int {
	return frame*numCameras + camera
}

// buildScene lays out the joint refinement. Every frame has one view per camera, observed or not.
// The camera 0 view of each frame carries the world-to-sensor transform; the others hang off it
// through one motion per camera, which is shared by all frames. The motion of camera 0 and the
// rigid that defines the world are fixed.
func (c *Calibrator) buildScene() *bundle.Scene {
	numCameras := len(c.cameras)
	s := &bundle.Scene{}

	param := c.cfg.Param()
	for i := range c.cameras {
		s.Cameras = append(s.Cameras, bundle.Camera{Model: c.monoIntrinsics[i], Param: param})
	}
	for i := range c.cameras {
		s.Motions = append(s.Motions, bundle.Motion{
			Transform: se3.FromPose(c.camerasToSensor[i]).Inverse(),
			Fixed:     i == 0,
		})
	}
	s.Motions[0].Transform = se3.Identity()

	for f := range c.frameStates {
		root := viewIndex(f, 0, numCameras)
		s.Views = append(s.Views, bundle.View{
			Camera:      0,
			Parent:      -1,
			WorldToView: se3.FromPose(c.frameStates[f].SensorToWorld).Inverse(),
		})
		for cam := 1; cam < numCameras; cam++ {
			s.Views = append(s.Views, bundle.View{Camera: cam, Parent: root, Motion: cam})
		}
	}

	seed := c.worldTarget()
	for t := 0; t < c.numTargets; t++ {
		layout, _ := c.layouts.Get(t)
		pts := make([]r3.Vector, len(layout.Points))
		for i := range layout.Points {
			pts[i] = layout.Point3D(i)
		}
		s.Rigids = append(s.Rigids, bundle.Rigid{
			ObjectToWorld: se3.FromPose(c.targetToWorld[t]),
			Points:        pts,
			Fixed:         t == seed || !c.observedTarget[t],
		})
	}
	s.Rigids[seed].ObjectToWorld = se3.Identity()

	c.unplaced = 0
	for f, frame := range c.frames {
		for _, cam := range frame.Cameras {
			v := viewIndex(f, cam.CameraID, numCameras)
			for _, set := range cam.Targets {
				if !c.observedTarget[set.TargetID] {
					// no pose estimate to refine from
					c.unplaced += set.Len()
					continue
				}
				for _, o := range set.Points {
					s.Observations = append(s.Observations, bundle.Observation{
						View: v, Rigid: set.TargetID, Point: o.Index, Pixel: o.Pixel,
					})
				}
			}
		}
	}
	if c.unplaced > 0 {
		c.warn("observations of targets without a world pose are left out of refinement", "points", c.unplaced)
	}
	return s
}

// worldTarget is the target whose frame is the world.
func (c *Calibrator) worldTarget() int {
	for t, ok := range c.observedTarget {
		if ok {
			return t
		}
	}
	return 0
}

// sceneToOutput copies the refined scene into the results and the working state.
func (c *Calibrator) sceneToOutput() {
	s := c.scene
	n := len(c.cameras)
	out := &MultiCameraCalibParams{
		Intrinsics:      make([]pinhole.Model, n),
		CamerasToSensor: make([]spatialmath.Pose, n),
	}
	for i := 0; i < n; i++ {
		out.Intrinsics[i] = s.Cameras[i].Model
		if i == 0 {
			out.CamerasToSensor[i] = spatialmath.NewZeroPose()
			continue
		}
		out.CamerasToSensor[i] = s.Motions[i].Transform.Inverse().Pose()
	}
	c.camerasToSensor = out.CamerasToSensor

	for f := range c.frameStates {
		c.frameStates[f].SensorToWorld = s.Views[viewIndex(f, 0, n)].WorldToView.Inverse().Pose()
	}
	seed := c.worldTarget()
	for t := range c.targetToWorld {
		if t == seed {
			c.targetToWorld[t] = spatialmath.NewZeroPose()
			continue
		}
		c.targetToWorld[t] = s.Rigids[t].ObjectToWorld.Pose()
	}
	c.results = out
}

// meanResidual is the mean reprojection error over every observation in front of its camera.
func meanResidual(s *bundle.Scene) float64 {
	var sum float64
	var n int
	for i := range s.Observations {
		r, ok := s.Residual(i)
		if !ok {
			continue
		}
		sum += r.Norm()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
