package calib

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"viammulticalib/se3"
)

func translation(x, y, z float64) spatialmath.Pose {
	return spatialmath.NewPoseFromPoint(r3.Vector{X: x, Y: y, Z: z})
}

func seen(targetToCamera ...TargetExtrinsics) FrameCamera {
	return FrameCamera{Present: true, Observations: targetToCamera}
}

func TestExtrinsicFromKnownCamera(t *testing.T) {
	frame := &FrameState{Cameras: []FrameCamera{
		{},
		{},
		seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-1, 0, 0)}),
		seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-2, 0, 0)}),
		seen(TargetExtrinsics{TargetID: 1, TargetToCamera: translation(-2, 0, 0)}),
	}}

	pose, ok := extrinsicFromKnownCamera(frame, translation(101, 0, 0), 2, 3)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, se3.AlmostEqual(pose, translation(102, 0, 0), 1e-12, 1e-12), test.ShouldBeTrue)

	_, ok = extrinsicFromKnownCamera(frame, translation(101, 0, 0), 2, 4)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = extrinsicFromKnownCamera(frame, spatialmath.NewZeroPose(), 0, 3)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestExtrinsicWithRotation(t *testing.T) {
	known := synthPose(0.1, 0.2, 0.3, 0.5, 0, 0)
	unknown := synthPose(-0.2, 0.1, 0, 0.9, 0.1, 0)
	targetToSensor := synthPose(0.3, -0.1, 0.2, 0, 0, 2)

	frame := &FrameState{Cameras: []FrameCamera{
		seen(TargetExtrinsics{TargetID: 3, TargetToCamera: se3.Compose(se3.Invert(known), targetToSensor)}),
		seen(TargetExtrinsics{TargetID: 3, TargetToCamera: se3.Compose(se3.Invert(unknown), targetToSensor)}),
	}}
	pose, ok := extrinsicFromKnownCamera(frame, known, 0, 1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, se3.AlmostEqual(pose, unknown, 1e-9, 1e-9), test.ShouldBeTrue)
}

func synthPose(rx, ry, rz, x, y, z float64) spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{X: x, Y: y, Z: z}, se3.FromRodrigues(r3.Vector{X: rx, Y: ry, Z: rz}))
}

func TestSolveCameraToSensor(t *testing.T) {
	// camera 1 links to 0 in frame 0, camera 2 only to camera 1 in frame 1
	frames := []FrameState{
		{Cameras: []FrameCamera{
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(0, 0, 2)}),
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-0.1, 0, 2)}),
			{},
		}},
		{Cameras: []FrameCamera{
			{},
			seen(TargetExtrinsics{TargetID: 1, TargetToCamera: translation(0, 0, 3)}),
			seen(TargetExtrinsics{TargetID: 1, TargetToCamera: translation(-0.3, 0, 3)}),
		}},
	}
	poses, err := solveCameraToSensor(BuildGraph(3, frames), frames)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, se3.IsIdentity(poses[0]), test.ShouldBeTrue)
	test.That(t, se3.AlmostEqual(poses[1], translation(0.1, 0, 0), 1e-12, 1e-12), test.ShouldBeTrue)
	test.That(t, se3.AlmostEqual(poses[2], translation(0.4, 0, 0), 1e-12, 1e-12), test.ShouldBeTrue)

	g := BuildGraph(3, frames)
	test.That(t, g.Links(0, 2), test.ShouldBeEmpty)
	test.That(t, g.Links(2, 1), test.ShouldResemble, []Link{{Frame: 1, Target: 1}})
	test.That(t, g.Neighbors(1), test.ShouldResemble, []int{0, 2})
	test.That(t, g.ConnectedToZero(), test.ShouldResemble, []bool{true, true, true})

	frames = frames[:1]
	_, err = solveCameraToSensor(BuildGraph(3, frames), frames)
	test.That(t, errors.Is(err, ErrDisconnectedRig), test.ShouldBeTrue)
	test.That(t, BuildGraph(3, frames).ConnectedToZero(), test.ShouldResemble, []bool{true, true, false})
}

func TestSolveCameraToSensorFirstFrameWins(t *testing.T) {
	frames := []FrameState{
		{Cameras: []FrameCamera{
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(0, 0, 2)}),
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-0.1, 0, 2)}),
		}},
		{Cameras: []FrameCamera{
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(0, 0, 2)}),
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-0.2, 0, 2)}),
		}},
	}
	poses, err := solveCameraToSensor(BuildGraph(2, frames), frames)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses[1].Point().X, test.ShouldAlmostEqual, 0.1, 1e-12)
}

func TestSolveCameraToSensorEarliestLink(t *testing.T) {
	// camera 2 links to camera 1 in frame 0 and to camera 0 only in frame 1
	frames := []FrameState{
		{Cameras: []FrameCamera{
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(0, 0, 2)}),
			seen(
				TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-0.1, 0, 2)},
				TargetExtrinsics{TargetID: 1, TargetToCamera: translation(-0.1, 0, 3)},
			),
			seen(TargetExtrinsics{TargetID: 1, TargetToCamera: translation(-0.4, 0, 3)}),
		}},
		{Cameras: []FrameCamera{
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(0, 0, 2)}),
			{},
			seen(TargetExtrinsics{TargetID: 0, TargetToCamera: translation(-0.5, 0, 2)}),
		}},
	}
	g := BuildGraph(3, frames)
	test.That(t, g.Neighbors(2), test.ShouldResemble, []int{0, 1})

	poses, err := solveCameraToSensor(g, frames)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, poses[1].Point().X, test.ShouldAlmostEqual, 0.1, 1e-12)
	test.That(t, poses[2].Point().X, test.ShouldAlmostEqual, 0.4, 1e-12)
}
