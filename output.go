package viammulticalib

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"viammulticalib/calib"
)

// Files written by SaveResults.
const (
	ParamsFile        = "multi_camera.json"
	QualityFile       = "quality.txt"
	IndexToCameraFile = "index_to_camera.txt"
	ResidualPlotFile  = "residuals.png"
	ErrorHistFile     = "errors.png"
	RigCloudFile      = "rig.pcd"
)

// SaveResults writes everything a processed calibration produced into dir. cameraNames maps camera
// index to a name and may be nil.
func SaveResults(dir string, c *calib.Calibrator, cameraNames []string, cloud RigCloudConfig) error {
	res, ok := c.Results()
	if !ok {
		return errors.New("rig is not calibrated")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ParamsFile), data, 0o644); err != nil {
		return errors.Wrap(err, "cannot save parameters")
	}
	if err := os.WriteFile(filepath.Join(dir, QualityFile), []byte(c.QualityText()), 0o644); err != nil {
		return errors.Wrap(err, "cannot save quality report")
	}

	var index strings.Builder
	for i := 0; i < c.NumCameras(); i++ {
		name := fmt.Sprintf("camera%d", i)
		if i < len(cameraNames) {
			name = cameraNames[i]
		}
		fmt.Fprintf(&index, "%d %s\n", i, name)
	}
	if err := os.WriteFile(filepath.Join(dir, IndexToCameraFile), []byte(index.String()), 0o644); err != nil {
		return err
	}

	// the parameters are saved even when the plots or the cloud fail
	var extra error
	extra = multierr.Append(extra, c.SaveResidualPlot(filepath.Join(dir, ResidualPlotFile)))
	extra = multierr.Append(extra, c.SaveErrorHistogram(filepath.Join(dir, ErrorHistFile), 40))

	f, err := os.Create(filepath.Join(dir, RigCloudFile))
	if err != nil {
		return multierr.Append(extra, err)
	}
	extra = multierr.Append(extra, WriteRigPCD(f, c, cloud))
	extra = multierr.Append(extra, f.Close())
	return extra
}

// LoadParams reads a file written by SaveResults.
func LoadParams(file string) (calib.MultiCameraCalibParams, error) {
	var p calib.MultiCameraCalibParams
	data, err := os.ReadFile(file)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Wrapf(err, "cannot parse %s", file)
	}
	return p, nil
}
