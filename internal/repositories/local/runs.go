package local

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	models "github.com/canonical/github-runner-image-builder/internal/models"
)

// LocalRunRepository persists build run records in JSON files under BaseDir.
type LocalRunRepository struct {
	BaseDir string
}

// Save writes the run record to disk using its ID as the filename. Saving a
// run again overwrites the previous record.
func (rep *LocalRunRepository) Save(run models.BuildRun) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(rep.BaseDir, run.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// List returns every recorded run, newest first.
func (rep *LocalRunRepository) List() ([]models.BuildRun, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var runs []models.BuildRun
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		run, err := rep.loadRun(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}

	slices.SortFunc(runs, func(a, b models.BuildRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return runs, nil
}

// LatestForImage returns the newest successful run that published imageName.
func (rep *LocalRunRepository) LatestForImage(imageName string) (*models.BuildRun, error) {
	runs, err := rep.List()
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.ImageName == imageName && run.Succeeded() {
			clone := run
			return &clone, nil
		}
	}
	return nil, nil
}

// Get returns the run with the provided ID.
func (rep *LocalRunRepository) Get(runID string) (*models.BuildRun, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	return rep.loadRun(filepath.Join(rep.BaseDir, runID+".json"))
}

func (rep *LocalRunRepository) loadRun(path string) (*models.BuildRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var run models.BuildRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
