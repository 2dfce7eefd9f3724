package se3

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
)

func TestRodriguesRoundTrip(t *testing.T) {
	for _, w := range []r3.Vector{
		{X: 0.1, Y: -0.2, Z: 0.3},
		{X: 0, Y: 0, Z: 0},
		{X: 1e-14, Y: 0, Z: 0},
		{X: 0, Y: 3, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: -2e-7, Z: 1e-7},
	} {
		got := ToRodrigues(FromRodrigues(w))
		test.That(t, got.Sub(w).Norm(), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, RotationAngle(FromRodrigues(r3.Vector{X: 1}), spatialmath.NewZeroOrientation()), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestMatrixRoundTrip(t *testing.T) {
	for _, w := range []r3.Vector{
		{X: 0.4, Y: 0.1, Z: -0.2},
		{X: math.Pi - 1e-3, Y: 0, Z: 0},
		{X: 0, Y: math.Pi - 1e-3, Z: 0},
		{X: 0, Y: 0, Z: math.Pi - 1e-3},
	} {
		o := FromRodrigues(w)
		back := FromRotationMatrix(RotationMatrix(o))
		test.That(t, RotationAngle(o, back), test.ShouldBeLessThan, 1e-9)
	}
}

func TestTransformMatchesSpatialmath(t *testing.T) {
	a := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, FromRodrigues(r3.Vector{X: 0.3, Y: -0.1, Z: 0.2}))
	b := spatialmath.NewPose(r3.Vector{X: -4, Y: 0.5, Z: 1}, FromRodrigues(r3.Vector{X: -0.2, Y: 0.6, Z: 0}))
	p := r3.Vector{X: 0.7, Y: -1.1, Z: 2.2}

	ta, tb := FromPose(a), FromPose(b)

	want := spatialmath.Compose(spatialmath.Compose(a, b), spatialmath.NewPoseFromPoint(p)).Point()
	got := ta.Compose(tb).Apply(p)
	test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-9)

	test.That(t, AlmostEqual(ta.Inverse().Pose(), Invert(a), 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, AlmostEqual(ta.Compose(tb).Pose(), Compose(a, b), 1e-9, 1e-9), test.ShouldBeTrue)

	id := ta.Compose(ta.Inverse())
	test.That(t, id.Apply(p).Sub(p).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestOrthogonalize(t *testing.T) {
	r := RotationMatrix(FromRodrigues(r3.Vector{X: 0.2, Y: 0.3, Z: -0.4}))
	noisy := r
	noisy[0] += 0.01
	noisy[4] -= 0.02
	out := Orthogonalize(noisy)

	tr := Transform{R: out}
	for i := 0; i < 3; i++ {
		test.That(t, tr.Column(i).Norm(), test.ShouldAlmostEqual, 1, 1e-9)
	}
	test.That(t, tr.Column(0).Cross(tr.Column(1)).Sub(tr.Column(2)).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, RotationAngle(FromRotationMatrix(out), FromRotationMatrix(r)), test.ShouldBeLessThan, 0.02)
}

func TestAverage(t *testing.T) {
	_, ok := Average(nil)
	test.That(t, ok, test.ShouldBeFalse)

	p := spatialmath.NewPose(r3.Vector{X: 1, Y: -2, Z: 5}, FromRodrigues(r3.Vector{X: 0.5, Y: 0.1, Z: -0.3}))
	avg, ok := Average([]spatialmath.Pose{p, p, p})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, AlmostEqual(avg, p, 1e-9, 1e-9), test.ShouldBeTrue)

	a := spatialmath.NewPose(r3.Vector{X: 0}, FromRodrigues(r3.Vector{Z: 0.1}))
	b := spatialmath.NewPose(r3.Vector{X: 2}, FromRodrigues(r3.Vector{Z: -0.1}))
	avg, _ = Average([]spatialmath.Pose{a, b})
	test.That(t, avg.Point().X, test.ShouldAlmostEqual, 1)
	test.That(t, RotationAngle(avg.Orientation(), spatialmath.NewZeroOrientation()), test.ShouldBeLessThan, 1e-9)
}

func TestIsIdentity(t *testing.T) {
	test.That(t, IsIdentity(spatialmath.NewZeroPose()), test.ShouldBeTrue)
	test.That(t, IsIdentity(spatialmath.NewPoseFromPoint(r3.Vector{X: 1})), test.ShouldBeFalse)
}
