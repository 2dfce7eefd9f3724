package pinhole

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"
)

func TestProject(t *testing.T) {
	m := New(640, 480, 500, 510, 0, 320, 240)

	px, ok := m.Project(r3.Vector{X: 0.1, Y: -0.2, Z: 2})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px.X, test.ShouldAlmostEqual, 320+500*0.05)
	test.That(t, px.Y, test.ShouldAlmostEqual, 240-510*0.1)

	_, ok = m.Project(r3.Vector{X: 0.1, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = m.Project(r3.Vector{X: 0.1, Y: 0, Z: 0})
	test.That(t, ok, test.ShouldBeFalse)

	m.Skew = 2
	px, _ = m.Project(r3.Vector{X: 0, Y: 1, Z: 1})
	test.That(t, px.X, test.ShouldAlmostEqual, 322)

	test.That(t, m.Validate(), test.ShouldBeNil)
	test.That(t, Model{}.Validate(), test.ShouldNotBeNil)
}

func TestDistortionCenterFixed(t *testing.T) {
	m := New(640, 480, 500, 500, 0, 320, 240)
	m.Distortion = &transform.BrownConrady{RadialK1: -0.2, RadialK2: 0.05}

	px, ok := m.Project(r3.Vector{Z: 3})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px.X, test.ShouldAlmostEqual, 320)
	test.That(t, px.Y, test.ShouldAlmostEqual, 240)

	off, _ := m.Project(r3.Vector{X: 0.3, Z: 1})
	test.That(t, off.X, test.ShouldBeLessThan, 320+500*0.3)
}

func TestParameterization(t *testing.T) {
	p := Parameterization{NumRadial: 2, Tangential: true}
	test.That(t, p.Validate(), test.ShouldBeNil)
	test.That(t, p.Len(), test.ShouldEqual, 9)
	test.That(t, Parameterization{ZeroSkew: true}.Len(), test.ShouldEqual, 4)
	test.That(t, Parameterization{NumRadial: 4}.Validate(), test.ShouldNotBeNil)

	m := New(100, 80, 90, 91, 0.5, 49, 41)
	m.Distortion = &transform.BrownConrady{RadialK1: 0.1, RadialK2: -0.01, TangentialP1: 0.001, TangentialP2: -0.002}

	buf := make([]float64, p.Len())
	p.Encode(m, buf)
	test.That(t, buf, test.ShouldResemble, []float64{90, 91, 49, 41, 0.5, 0.1, -0.01, 0.001, -0.002})

	back := p.Decode(100, 80, buf)
	test.That(t, back.PinholeCameraIntrinsics, test.ShouldResemble, m.PinholeCameraIntrinsics)
	test.That(t, back.Skew, test.ShouldEqual, 0.5)
	test.That(t, *back.Distortion, test.ShouldResemble, *m.Distortion)

	plain := Parameterization{ZeroSkew: true}
	buf = make([]float64, plain.Len())
	plain.Encode(m, buf)
	back = plain.Decode(100, 80, buf)
	test.That(t, back.Skew, test.ShouldEqual, 0.0)
	test.That(t, back.Distortion, test.ShouldBeNil)
}
