package bundle

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"viammulticalib/pinhole"
	"viammulticalib/se3"
)

func grid() []r3.Vector {
	var pts []r3.Vector
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			pts = append(pts, r3.Vector{X: float64(x) * 0.1, Y: float64(y) * 0.1})
		}
	}
	return pts
}

func pose(w, t r3.Vector) se3.Transform {
	return se3.Transform{R: se3.RotationMatrix(se3.FromRodrigues(w)), T: t}
}

// twoCameraScene is a stereo rig looking at a fixed board from three places.
func twoCameraScene() *Scene {
	cam := pinhole.New(640, 480, 500, 500, 0, 320, 240)
	s := &Scene{
		Cameras: []Camera{
			{Model: cam, Param: pinhole.Parameterization{ZeroSkew: true}, Fixed: true},
			{Model: cam, Param: pinhole.Parameterization{ZeroSkew: true}, Fixed: true},
		},
		Motions: []Motion{
			{Transform: se3.Identity(), Fixed: true},
			{Transform: pose(r3.Vector{Y: 0.05}, r3.Vector{X: -0.1})},
		},
		Rigids: []Rigid{{ObjectToWorld: se3.Identity(), Points: grid(), Fixed: true}},
	}
	roots := []se3.Transform{
		pose(r3.Vector{X: 0.1}, r3.Vector{X: -0.2, Y: -0.15, Z: 1}),
		pose(r3.Vector{Y: -0.2}, r3.Vector{X: -0.1, Y: -0.1, Z: 1.2}),
		pose(r3.Vector{X: -0.15, Z: 0.3}, r3.Vector{X: -0.25, Y: -0.1, Z: 0.9}),
	}
	for _, r := range roots {
		root := len(s.Views)
		s.Views = append(s.Views,
			View{Camera: 0, Parent: -1, WorldToView: r},
			View{Camera: 1, Parent: root, Motion: 1},
		)
	}
	for v := range s.Views {
		for i := range s.Rigids[0].Points {
			s.Observations = append(s.Observations, Observation{View: v, Rigid: 0, Point: i})
		}
	}
	for i := range s.Observations {
		px, ok := s.Predict(i)
		if !ok {
			panic("synthetic point behind camera")
		}
		s.Observations[i].Pixel = px
	}
	return s
}

func meanError(s *Scene) float64 {
	var sum float64
	for i := range s.Observations {
		r, _ := s.Residual(i)
		sum += r.Norm()
	}
	return sum / float64(len(s.Observations))
}

func TestProcessRecoversMotion(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s := twoCameraScene()
	truth := s.Motions[1].Transform

	s.Motions[1].Transform = pose(r3.Vector{Y: 0.08, Z: 0.01}, r3.Vector{X: -0.12, Y: 0.01})
	s.Views[2].WorldToView = s.Views[2].WorldToView.Perturb(r3.Vector{X: 0.01}, r3.Vector{Z: 0.02})
	before := meanError(s)
	test.That(t, before, test.ShouldBeGreaterThan, 1)

	summary, err := NewAdjuster(DefaultConfig(), logger).Process(context.Background(), s)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, summary.InitialCost)
	test.That(t, meanError(s), test.ShouldBeLessThan, 1e-6)
	test.That(t, se3.AlmostEqual(s.Motions[1].Transform.Pose(), truth.Pose(), 1e-6, 1e-6), test.ShouldBeTrue)

	// fixed elements are untouched
	test.That(t, s.Motions[0].Transform, test.ShouldResemble, se3.Identity())
	test.That(t, s.Rigids[0].ObjectToWorld, test.ShouldResemble, se3.Identity())
}

func TestProcessRefinesIntrinsics(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s := twoCameraScene()
	s.Cameras[1].Fixed = false
	s.Cameras[1].Model.Fx = 520
	s.Cameras[1].Model.Ppy = 250

	_, err := NewAdjuster(DefaultConfig(), logger).Process(context.Background(), s)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Cameras[1].Model.Fx, test.ShouldAlmostEqual, 500, 1e-4)
	test.That(t, s.Cameras[1].Model.Ppy, test.ShouldAlmostEqual, 240, 1e-4)
}

func TestProcessAlreadyOptimal(t *testing.T) {
	s := twoCameraScene()
	summary, err := NewAdjuster(DefaultConfig(), logging.NewTestLogger(t)).Process(context.Background(), s)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Converged, test.ShouldBeTrue)
	test.That(t, summary.Iterations, test.ShouldEqual, 0)
}

func TestProcessErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	adj := NewAdjuster(DefaultConfig(), logger)

	s := twoCameraScene()
	s.Views[0].WorldToView.T.Z = -5
	_, err := adj.Process(context.Background(), s)
	test.That(t, err, test.ShouldBeError, ErrBehindCamera)

	s = twoCameraScene()
	s.Observations = append(s.Observations, Observation{View: 99})
	_, err = adj.Process(context.Background(), s)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "view 99")

	s = twoCameraScene()
	s.Views[1].Parent = 3
	test.That(t, s.Validate(), test.ShouldNotBeNil)

	s = twoCameraScene()
	s.Motions[1].Transform.T.X = -0.2
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = adj.Process(ctx, s)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestHuber(t *testing.T) {
	p := &problem{huber: 2}
	test.That(t, p.huberWeight(1), test.ShouldEqual, 1.0)
	test.That(t, p.huberWeight(4), test.ShouldEqual, 0.5)
	test.That(t, p.huberCost(1), test.ShouldEqual, 0.5)
	test.That(t, p.huberCost(4), test.ShouldEqual, 6.0)

	p.huber = 0
	test.That(t, p.huberWeight(100), test.ShouldEqual, 1.0)
}
