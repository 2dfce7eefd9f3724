package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"viammulticalib/calib"
	"viammulticalib/internal/synth"
	"viammulticalib/pinhole"
)

func touch(t *testing.T, path string) {
	t.Helper()
	test.That(t, os.MkdirAll(filepath.Dir(path), 0o755), test.ShouldBeNil)
	test.That(t, os.WriteFile(path, nil, 0o644), test.ShouldBeNil)
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "right", "002.png"))
	touch(t, filepath.Join(dir, "right", "001.png"))
	touch(t, filepath.Join(dir, "left", "001.png"))
	touch(t, filepath.Join(dir, "left", "notes.txt"))
	touch(t, filepath.Join(dir, "README"))

	cameras, frames, err := listImages(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cameras, test.ShouldResemble, []string{"left", "right"})
	test.That(t, frames, test.ShouldResemble, []string{"001.png", "002.png"})

	_, _, err = listImages(filepath.Join(dir, "left"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInspect(t *testing.T) {
	params := calib.MultiCameraCalibParams{
		Intrinsics:      []pinhole.Model{synth.Camera()},
		CamerasToSensor: []spatialmath.Pose{spatialmath.NewZeroPose()},
	}
	data, err := json.Marshal(params)
	test.That(t, err, test.ShouldBeNil)
	file := filepath.Join(t.TempDir(), "multi_camera.json")
	test.That(t, os.WriteFile(file, data, 0o644), test.ShouldBeNil)

	test.That(t, realMain([]string{"multicalib", "inspect", file}), test.ShouldBeNil)
	test.That(t, realMain([]string{"multicalib", "inspect"}), test.ShouldNotBeNil)
	test.That(t, realMain([]string{"multicalib", "calibrate", "--rows", "5", "--cols", "7", "--square", "1", t.TempDir()}),
		test.ShouldNotBeNil)
}
