package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/github-runner-image-builder/internal/config"
)

// StateDir holds local run history and staged downloads.
var StateDir = "/var/lib/github-runner-image-builder"

// HistoryDir is where build run records are kept.
func HistoryDir() string {
	return filepath.Join(StateDir, "history")
}

// StagingDir is where images are staged between download and upload.
func StagingDir() string {
	return filepath.Join(StateDir, "staging")
}

// Prepare creates the state directories.
func Prepare() error {
	for _, dir := range []string{HistoryDir(), StagingDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	getLogger().Debug("state directories ready", "state_dir", StateDir)
	return nil
}

// Verify checks that a clouds.yaml can be found and returns it. An explicit
// path takes precedence over the default search locations.
func Verify(cloudsPath string) (config.CloudsFile, error) {
	paths := config.DefaultCloudsPaths()
	if cloudsPath != "" {
		paths = []string{cloudsPath}
	}
	clouds, err := config.FindClouds(paths)
	if err != nil {
		return config.CloudsFile{}, err
	}
	getLogger().Debug("using clouds.yaml", "path", clouds.Path, "clouds", clouds.Names)
	return clouds, nil
}

// ClearStaging removes images left behind by interrupted runs.
func ClearStaging() error {
	getLogger().Info("clearing staged images", "dir", StagingDir())

	entries, err := os.ReadDir(StagingDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(StagingDir(), entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}
