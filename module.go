package viammulticalib

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	"golang.org/x/sync/errgroup"

	"viammulticalib/calib"
	"viammulticalib/detect"
	"viammulticalib/target"
)

var (
	RigCalibration = resource.NewModel("viam", "multi-camera-calibration", "rig-calibration")
	errUnknownCmd  = errors.New("unknown command")
)

func init() {
	resource.RegisterService(genericservice.API, RigCalibration,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newRigCalibration,
		},
	)
}

type Config struct {
	Cameras []string `json:"cameras"`

	// inner corners of the chessboard
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	SquareSize float64 `json:"square_size"`

	// SubPixel is the half size of the corner refinement window, 0 uses 5 and a negative value disables it.
	SubPixel int `json:"sub_pixel"`

	// OutputDir receives the results after every successful calibration when set.
	OutputDir string `json:"output_dir"`
	// CloudScale scales the rig point cloud, default 1000 for meters to millimeters.
	CloudScale float64 `json:"cloud_scale"`

	Calibration *calib.Config `json:"calibration,omitempty"`
}

// Validate ensures all parts of the config are valid and returns the cameras as required dependencies.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if len(cfg.Cameras) == 0 {
		return nil, nil, errors.New("need cameras")
	}
	seen := map[string]bool{}
	for _, c := range cfg.Cameras {
		if c == "" {
			return nil, nil, errors.New("camera names must not be empty")
		}
		if seen[c] {
			return nil, nil, fmt.Errorf("camera %q listed twice", c)
		}
		seen[c] = true
	}
	if cfg.Rows < 2 || cfg.Cols < 2 {
		return nil, nil, fmt.Errorf("need rows and cols of at least 2 inner corners, got %dx%d", cfg.Rows, cfg.Cols)
	}
	if cfg.SquareSize <= 0 {
		return nil, nil, errors.New("need square_size")
	}
	if cfg.Calibration != nil {
		if err := cfg.Calibration.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg.Cameras, nil, nil
}

func (cfg *Config) calibConfig() calib.Config {
	if cfg.Calibration == nil {
		return calib.DefaultConfig()
	}
	return *cfg.Calibration
}

func (cfg *Config) subPixel() int {
	switch {
	case cfg.SubPixel < 0:
		return 0
	case cfg.SubPixel == 0:
		return 5
	default:
		return cfg.SubPixel
	}
}

func (cfg *Config) cloudScale() float64 {
	if cfg.CloudScale <= 0 {
		return 1000
	}
	return cfg.CloudScale
}

// Detector finds a calibration target in an image.
type Detector interface {
	Detect(img image.Image) (target.ObservationSet, bool, error)
}

// grabFunc returns the current image of camera i.
type grabFunc func(ctx context.Context, i int) (image.Image, error)

type rigCalibration struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config

	grab     grabFunc
	detector Detector
	layout   target.Layout

	mu         sync.Mutex
	sizes      []image.Point
	frames     []calib.FrameObservation
	calibrator *calib.Calibrator
}

func newRigCalibration(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewRigCalibration(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewRigCalibration(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	cams := make([]camera.Camera, len(conf.Cameras))
	for i, n := range conf.Cameras {
		var err error
		cams[i], err = camera.FromDependencies(deps, n)
		if err != nil {
			return nil, err
		}
	}
	grab := func(ctx context.Context, i int) (image.Image, error) {
		return camera.DecodeImageFromCamera(ctx, cams[i], nil, nil)
	}
	det := &detect.Chessboard{Rows: conf.Rows, Cols: conf.Cols, SubPixel: conf.subPixel()}
	return newRig(name, conf, logger, grab, det), nil
}

func newRig(name resource.Name, conf *Config, logger logging.Logger, grab grabFunc, det Detector) *rigCalibration {
	return &rigCalibration{
		name:     name,
		logger:   logger,
		cfg:      conf,
		grab:     grab,
		detector: det,
		layout:   target.ChessboardLayout(0, conf.Rows, conf.Cols, conf.SquareSize),
		sizes:    make([]image.Point, len(conf.Cameras)),
	}
}

func (s *rigCalibration) Name() resource.Name {
	return s.name
}

// DoCommand drives the calibration:
//
//	{"command": "capture"}    grab one synchronized frame from every camera
//	{"command": "calibrate"}  calibrate from every captured frame
//	{"command": "report"}     quality report of the last calibration
//	{"command": "status"}     frames captured and whether a calibration is available
//	{"command": "reset"}      drop every frame and the last calibration
func (s *rigCalibration) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, _ := cmd["command"].(string)
	switch name {
	case "capture":
		return s.capture(ctx)
	case "calibrate":
		return s.calibrate(ctx)
	case "report":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.calibrator == nil {
			return nil, errors.New("not calibrated yet")
		}
		return map[string]interface{}{"text": s.calibrator.QualityText()}, nil
	case "status":
		s.mu.Lock()
		defer s.mu.Unlock()
		return map[string]interface{}{"frames": len(s.frames), "calibrated": s.calibrator != nil}, nil
	case "reset":
		s.mu.Lock()
		defer s.mu.Unlock()
		s.frames = nil
		s.calibrator = nil
		return map[string]interface{}{"frames": 0}, nil
	default:
		return nil, errors.Wrapf(errUnknownCmd, "%q", name)
	}
}

// capture grabs every camera at once and keeps the frame when at least one camera saw the board.
func (s *rigCalibration) capture(ctx context.Context) (map[string]interface{}, error) {
	n := len(s.cfg.Cameras)
	imgs := make([]image.Image, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			img, err := s.grab(gctx, i)
			if err != nil {
				return errors.Wrapf(err, "camera %s", s.cfg.Cameras[i])
			}
			imgs[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var frame calib.FrameObservation
	detected := make([]bool, n)
	for i, img := range imgs {
		set, found, err := s.detector.Detect(img)
		if err != nil {
			return nil, errors.Wrapf(err, "camera %s", s.cfg.Cameras[i])
		}
		if !found {
			continue
		}
		detected[i] = true
		frame.Cameras = append(frame.Cameras, calib.CameraObservation{
			CameraID: i,
			Targets:  []target.ObservationSet{set},
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, img := range imgs {
		b := img.Bounds()
		size := image.Pt(b.Dx(), b.Dy())
		if s.sizes[i] != (image.Point{}) && s.sizes[i] != size {
			return nil, fmt.Errorf("camera %s changed size from %v to %v", s.cfg.Cameras[i], s.sizes[i], size)
		}
		s.sizes[i] = size
	}
	added := len(frame.Cameras) > 0
	if added {
		s.frames = append(s.frames, frame)
	}
	s.logger.Debugw("capture", "detected", detected, "frames", len(s.frames))
	return map[string]interface{}{"added": added, "detected": toList(detected), "frames": len(s.frames)}, nil
}

func (s *rigCalibration) calibrate(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, errors.New("no frames captured")
	}

	c := calib.NewCalibrator(s.cfg.calibConfig(), s.logger)
	if err := c.Initialize(len(s.cfg.Cameras), 1); err != nil {
		return nil, err
	}
	for i, size := range s.sizes {
		if size == (image.Point{}) {
			return nil, fmt.Errorf("no image from camera %s", s.cfg.Cameras[i])
		}
		if err := c.SetCameraProperties(i, size.X, size.Y); err != nil {
			return nil, err
		}
	}
	if err := c.SetTargetLayout(s.layout); err != nil {
		return nil, err
	}
	for _, f := range s.frames {
		if err := c.AddObservation(f); err != nil {
			return nil, err
		}
	}
	if err := c.Process(ctx); err != nil {
		return nil, err
	}
	s.calibrator = c

	if s.cfg.OutputDir != "" {
		if err := SaveResults(s.cfg.OutputDir, c, s.cfg.Cameras, RigCloudConfig{Scale: s.cfg.cloudScale()}); err != nil {
			s.logger.Warnw("could not save every result", "dir", s.cfg.OutputDir, "err", err)
		}
	}

	res, _ := c.Results()
	params, err := toMap(res)
	if err != nil {
		return nil, err
	}
	centers := cameraCenters(res)
	baselines := make([]float64, len(centers))
	for i, p := range centers {
		baselines[i] = p.Norm()
	}
	return map[string]interface{}{
		"params":            params,
		"baselines":         toList(baselines),
		"mean_error_before": c.MeanErrorBefore(),
		"mean_error_after":  c.MeanErrorAfter(),
		"warnings":          toList(c.Warnings()),
	}, nil
}

// toMap converts v to the generic form DoCommand returns.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// toList converts a slice to the list type DoCommand results can carry.
func toList[T any](xs []T) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func (s *rigCalibration) Close(context.Context) error {
	return nil
}
