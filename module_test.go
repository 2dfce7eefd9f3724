package viammulticalib

import (
	"bytes"
	"context"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/utils"
	"go.viam.com/test"

	"viammulticalib/bundle"
	"viammulticalib/calib"
	"viammulticalib/internal/synth"
	"viammulticalib/pinhole"
	"viammulticalib/se3"
	"viammulticalib/target"
)

// renderedImage is a blank image that carries what a detector would find in it.
type renderedImage struct {
	*image.Gray
	set   target.ObservationSet
	found bool
}

type renderedDetector struct{}

func (renderedDetector) Detect(img image.Image) (target.ObservationSet, bool, error) {
	r, ok := img.(renderedImage)
	if !ok {
		return target.ObservationSet{}, false, errors.New("not a rendered image")
	}
	return r.set, r.found, nil
}

func twoCameraRig() *synth.Rig {
	rig := &synth.Rig{
		Cameras: []pinhole.Model{
			synth.Camera(),
			pinhole.New(640, 480, 480, 482, 0, 318, 242),
		},
		CameraToSensor: []se3.Transform{se3.Identity(), synth.Pose(0, 0.02, 0, 0.1, 0, 0)},
		Layouts:        []target.Layout{target.ChessboardLayout(0, 5, 7, 0.05)},
		TargetToWorld:  []se3.Transform{se3.Identity()},
	}
	for _, v := range synth.BoardViews() {
		rig.SensorToWorld = append(rig.SensorToWorld, v.Inverse())
	}
	return rig
}

func testConfig() *Config {
	return &Config{Cameras: []string{"left", "right"}, Rows: 5, Cols: 7, SquareSize: 0.05}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	deps, optional, err := cfg.Validate("services.0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"left", "right"})
	test.That(t, optional, test.ShouldBeNil)

	for _, bad := range []func(*Config){
		func(c *Config) { c.Cameras = nil },
		func(c *Config) { c.Cameras = []string{"left", "left"} },
		func(c *Config) { c.Cameras = []string{""} },
		func(c *Config) { c.Rows = 1 },
		func(c *Config) { c.SquareSize = 0 },
		func(c *Config) { c.Calibration = &calib.Config{HuberThreshold: -1} },
	} {
		cfg := testConfig()
		bad(cfg)
		_, _, err := cfg.Validate("services.0")
		test.That(t, err, test.ShouldNotBeNil)
	}

	test.That(t, testConfig().subPixel(), test.ShouldEqual, 5)
	test.That(t, (&Config{SubPixel: -1}).subPixel(), test.ShouldEqual, 0)
	test.That(t, testConfig().cloudScale(), test.ShouldEqual, 1000.0)
	test.That(t, testConfig().calibConfig().Radial(), test.ShouldEqual, calib.DefaultNumRadial)
}

func TestPartialCalibrationConfig(t *testing.T) {
	cfg, err := resource.TransformAttributeMap[*Config](utils.AttributeMap{
		"cameras":     []interface{}{"left", "right"},
		"rows":        5,
		"cols":        7,
		"square_size": 0.05,
		"calibration": map[string]interface{}{"num_radial": 3},
	})
	test.That(t, err, test.ShouldBeNil)
	_, _, err = cfg.Validate("services.0")
	test.That(t, err, test.ShouldBeNil)

	c := cfg.calibConfig()
	test.That(t, c.Param(), test.ShouldResemble, pinhole.Parameterization{ZeroSkew: true, NumRadial: 3})
	test.That(t, c.Bundle().HuberThreshold, test.ShouldEqual, bundle.DefaultConfig().HuberThreshold)
	test.That(t, c.Bundle().MaxIterations, test.ShouldEqual, bundle.DefaultConfig().MaxIterations)
}

func TestDoCommand(t *testing.T) {
	ctx := context.Background()
	rig := twoCameraRig()
	dir := t.TempDir()

	var frame atomic.Int32
	var hidden atomic.Bool
	grab := func(_ context.Context, i int) (image.Image, error) {
		cam := rig.Cameras[i]
		img := renderedImage{Gray: image.NewGray(image.Rect(0, 0, cam.Width, cam.Height))}
		if !hidden.Load() {
			sets := rig.Observe(int(frame.Load()), i, 4)
			img.set, img.found = sets[0], true
		}
		return img, nil
	}

	cfg := testConfig()
	cfg.OutputDir = dir
	s := newRig(genericservice.Named("rig"), cfg, logging.NewTestLogger(t), grab, renderedDetector{})

	_, err := s.DoCommand(ctx, map[string]interface{}{"command": "calibrate"})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = s.DoCommand(ctx, map[string]interface{}{"command": "report"})
	test.That(t, err, test.ShouldNotBeNil)

	hidden.Store(true)
	resp, err := s.DoCommand(ctx, map[string]interface{}{"command": "capture"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["added"], test.ShouldBeFalse)
	hidden.Store(false)

	for f := range rig.SensorToWorld {
		frame.Store(int32(f))
		resp, err := s.DoCommand(ctx, map[string]interface{}{"command": "capture"})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["added"], test.ShouldBeTrue)
		test.That(t, resp["frames"], test.ShouldEqual, f+1)
	}

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "calibrate"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["mean_error_after"], test.ShouldBeLessThan, 1e-4)
	baselines := resp["baselines"].([]interface{})
	test.That(t, baselines[0], test.ShouldEqual, 0.0)
	test.That(t, baselines[1], test.ShouldAlmostEqual, 0.1, 1e-5)
	test.That(t, resp["params"].(map[string]interface{})["cameras"], test.ShouldHaveLength, 2)

	for _, name := range []string{ParamsFile, QualityFile, IndexToCameraFile, ResidualPlotFile, ErrorHistFile, RigCloudFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		test.That(t, err, test.ShouldBeNil)
	}
	params, err := LoadParams(filepath.Join(dir, ParamsFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, se3.AlmostEqual(params.CamerasToSensor[1], rig.CameraToSensor[1].Pose(), 1e-5, 1e-5), test.ShouldBeTrue)
	index, err := os.ReadFile(filepath.Join(dir, IndexToCameraFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(index), test.ShouldEqual, "0 left\n1 right\n")

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "report"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["text"], test.ShouldContainSubstring, "Calibration Quality Metrics:")

	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "status"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["frames"], test.ShouldEqual, len(rig.SensorToWorld))
	test.That(t, resp["calibrated"], test.ShouldBeTrue)

	_, err = s.DoCommand(ctx, map[string]interface{}{"command": "reset"})
	test.That(t, err, test.ShouldBeNil)
	resp, err = s.DoCommand(ctx, map[string]interface{}{"command": "status"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["frames"], test.ShouldEqual, 0)
	test.That(t, resp["calibrated"], test.ShouldBeFalse)

	_, err = s.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	test.That(t, errors.Is(err, errUnknownCmd), test.ShouldBeTrue)
	test.That(t, s.Close(ctx), test.ShouldBeNil)
}

func TestCaptureRejectsResizedCamera(t *testing.T) {
	var width atomic.Int32
	width.Store(640)
	grab := func(_ context.Context, i int) (image.Image, error) {
		return renderedImage{Gray: image.NewGray(image.Rect(0, 0, int(width.Load()), 480))}, nil
	}
	s := newRig(genericservice.Named("rig"), testConfig(), logging.NewTestLogger(t), grab, renderedDetector{})

	_, err := s.DoCommand(context.Background(), map[string]interface{}{"command": "capture"})
	test.That(t, err, test.ShouldBeNil)
	width.Store(800)
	_, err = s.DoCommand(context.Background(), map[string]interface{}{"command": "capture"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "changed size")
}

func TestRigPointCloud(t *testing.T) {
	rig := twoCameraRig()
	c := calib.NewCalibrator(calib.DefaultConfig(), logging.NewTestLogger(t))
	_, err := RigPointCloud(c, RigCloudConfig{})
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, c.Initialize(2, 1), test.ShouldBeNil)
	for i, cam := range rig.Cameras {
		test.That(t, c.SetCameraProperties(i, cam.Width, cam.Height), test.ShouldBeNil)
	}
	test.That(t, c.SetTargetLayout(rig.Layouts[0]), test.ShouldBeNil)
	for f := range rig.SensorToWorld {
		var frame calib.FrameObservation
		for i := range rig.Cameras {
			frame.Cameras = append(frame.Cameras, calib.CameraObservation{CameraID: i, Targets: rig.Observe(f, i, 4)})
		}
		test.That(t, c.AddObservation(frame), test.ShouldBeNil)
	}
	test.That(t, c.Process(context.Background()), test.ShouldBeNil)

	pc, err := RigPointCloud(c, RigCloudConfig{Scale: 1000})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 35+2*len(rig.SensorToWorld))
	test.That(t, pc.MetaData().HasColor, test.ShouldBeTrue)

	corner := rig.Layouts[0].Point3D(34).Mul(1000)
	_, ok := pc.At(corner.X, corner.Y, corner.Z)
	test.That(t, ok, test.ShouldBeTrue)

	var buf bytes.Buffer
	test.That(t, WriteRigPCD(&buf, c, RigCloudConfig{}), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldContainSubstring, "POINTS 45\n")
}
