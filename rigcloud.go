package viammulticalib

import (
	"image/color"
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"viammulticalib/calib"
	"viammulticalib/se3"
)

// RigCloudConfig controls how a calibrated rig is drawn as a point cloud.
type RigCloudConfig struct {
	// Scale multiplies every coordinate, e.g. 1000 to turn meters into the millimeters viam expects.
	Scale float64

	TargetColor color.NRGBA
	// CameraColors is indexed by camera and wraps around.
	CameraColors []color.NRGBA
}

var defaultCameraColors = []color.NRGBA{
	{R: 255, A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, G: 255, A: 255},
	{R: 255, B: 255, A: 255},
	{G: 255, B: 255, A: 255},
}

func (cfg RigCloudConfig) scale() float64 {
	if cfg.Scale <= 0 {
		return 1
	}
	return cfg.Scale
}

func (cfg RigCloudConfig) cameraColor(i int) color.NRGBA {
	colors := cfg.CameraColors
	if len(colors) == 0 {
		colors = defaultCameraColors
	}
	return colors[i%len(colors)]
}

// RigPointCloud places every target point and the centre of every camera in every frame in the world
// frame of a processed calibration.
func RigPointCloud(c *calib.Calibrator, cfg RigCloudConfig) (pointcloud.PointCloud, error) {
	res, ok := c.Results()
	if !ok {
		return nil, errors.New("rig is not calibrated")
	}
	scale := cfg.scale()
	targetColor := cfg.TargetColor
	if targetColor == (color.NRGBA{}) {
		targetColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}

	pc := pointcloud.New()
	targetToWorld := c.TargetToWorld()
	for _, l := range c.Layouts() {
		toWorld := se3.FromPose(targetToWorld[l.ID])
		for i := range l.Points {
			p := toWorld.Apply(l.Point3D(i)).Mul(scale)
			if err := pc.Set(p, pointcloud.NewColoredData(targetColor)); err != nil {
				return nil, err
			}
		}
	}

	for _, sensorToWorld := range c.SensorToWorld() {
		for cam, cameraToSensor := range res.CamerasToSensor {
			center := spatialmath.Compose(sensorToWorld, cameraToSensor).Point()
			if err := pc.Set(center.Mul(scale), pointcloud.NewColoredData(cfg.cameraColor(cam))); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}

// WriteRigPCD writes RigPointCloud as a binary PCD file.
func WriteRigPCD(w io.Writer, c *calib.Calibrator, cfg RigCloudConfig) error {
	pc, err := RigPointCloud(c, cfg)
	if err != nil {
		return err
	}
	return pointcloud.ToPCD(pc, w, pointcloud.PCDBinary)
}

// cameraCenters is the position of every camera in the sensor frame.
func cameraCenters(params calib.MultiCameraCalibParams) []r3.Vector {
	out := make([]r3.Vector, len(params.CamerasToSensor))
	for i, p := range params.CamerasToSensor {
		out[i] = p.Point()
	}
	return out
}
