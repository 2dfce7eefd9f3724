package calib

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"viammulticalib/se3"
)

// targetSample maps one observation of a target into the world frame.
func targetSample(frame *FrameState, cameraToSensor spatialmath.Pose, targetToCamera spatialmath.Pose) spatialmath.Pose {
	return se3.Compose(frame.SensorToWorld, se3.Compose(cameraToSensor, targetToCamera))
}

// sensorFromTarget is the frame pose implied by a camera's observation of a target with known world pose.
func sensorFromTarget(targetToWorld, targetToCamera, cameraToSensor spatialmath.Pose) spatialmath.Pose {
	return se3.Compose(targetToWorld, se3.Compose(se3.Invert(targetToCamera), se3.Invert(cameraToSensor)))
}

// anchorFrames places every unanchored frame using the first camera, by index, that saw a target with
// a known world pose. It reports whether any frame was anchored.
func anchorFrames(frames []FrameState, camerasToSensor, targetToWorld []spatialmath.Pose, targetKnown []bool) bool {
	progress := false
	for f := range frames {
		frame := &frames[f]
		if frame.Anchored {
			continue
		}
	search:
		for cam := range frame.Cameras {
			fc := &frame.Cameras[cam]
			if !fc.Present {
				continue
			}
			for _, o := range fc.Observations {
				if !targetKnown[o.TargetID] {
					continue
				}
				frame.SensorToWorld = sensorFromTarget(targetToWorld[o.TargetID], o.TargetToCamera, camerasToSensor[cam])
				frame.Anchored = true
				progress = true
				break search
			}
		}
	}
	return progress
}

// averageTarget averages every observation of target t from anchored frames. ok is false if there are none.
func averageTarget(t int, frames []FrameState, camerasToSensor []spatialmath.Pose) (spatialmath.Pose, bool) {
	var samples []spatialmath.Pose
	for f := range frames {
		frame := &frames[f]
		if !frame.Anchored {
			continue
		}
		for cam := range frame.Cameras {
			fc := &frame.Cameras[cam]
			if !fc.Present {
				continue
			}
			if o, ok := fc.Find(t); ok {
				samples = append(samples, targetSample(frame, camerasToSensor[cam], o.TargetToCamera))
			}
		}
	}
	return se3.Average(samples)
}

// anchorWorld estimates the world pose of every target and the sensor pose of every frame. The world
// is the frame of target 0, or of the lowest observed target when target 0 was never seen. Frames and
// targets are resolved alternately until nothing changes, then every target is averaged over all
// frames.
func (c *Calibrator) anchorWorld() error {
	frames := c.frameStates
	numTargets := c.numTargets

	c.observedTarget = make([]bool, numTargets)
	for f := range frames {
		for cam := range frames[f].Cameras {
			for _, o := range frames[f].Cameras[cam].Observations {
				c.observedTarget[o.TargetID] = true
			}
		}
	}

	c.targetToWorld = make([]spatialmath.Pose, numTargets)
	known := make([]bool, numTargets)
	seed := -1
	for t, ok := range c.observedTarget {
		if ok {
			seed = t
			break
		}
	}
	if seed < 0 {
		return errors.Wrap(ErrFrameWithoutObservations, "no target was observed in any frame")
	}
	if seed != 0 {
		c.warn("target 0 was never observed, world frame defined by another target", "target", seed)
	}
	c.targetToWorld[seed] = spatialmath.NewZeroPose()
	known[seed] = true

	for {
		progress := anchorFrames(frames, c.camerasToSensor, c.targetToWorld, known)
		for t := 0; t < numTargets; t++ {
			if known[t] {
				continue
			}
			if pose, ok := averageTarget(t, frames, c.camerasToSensor); ok {
				c.targetToWorld[t] = pose
				known[t] = true
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for f := range frames {
		if frames[f].Anchored {
			continue
		}
		empty := true
		for _, fc := range frames[f].Cameras {
			if len(fc.Observations) > 0 {
				empty = false
				break
			}
		}
		if empty {
			return errors.Wrapf(ErrFrameWithoutObservations, "frame %d", f)
		}
		return errors.Wrapf(ErrFrameWithoutObservations, "frame %d only sees targets unconnected to the world", f)
	}

	for t := 0; t < numTargets; t++ {
		if t == seed {
			continue
		}
		if pose, ok := averageTarget(t, frames, c.camerasToSensor); ok {
			c.targetToWorld[t] = pose
			continue
		}
		c.targetToWorld[t] = spatialmath.NewZeroPose()
		c.warn("target was never observed, using identity world pose", "target", t)
	}
	return nil
}
