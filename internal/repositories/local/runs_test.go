package local

import (
	"path/filepath"
	"testing"
	"time"

	models "github.com/canonical/github-runner-image-builder/internal/models"
)

func TestLocalRunRepositorySaveAndGet(t *testing.T) {
	t.Parallel()

	repo := &LocalRunRepository{BaseDir: filepath.Join(t.TempDir(), "runs")}
	run := models.BuildRun{
		ID:        "run-1",
		Cloud:     "primary",
		ImageName: "t1-jammy-x64",
		Status:    models.BuildStatusSucceeded,
		StartedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Publications: []models.Publication{
			{Cloud: "primary", ImageID: "img-1", ImageName: "t1-jammy-x64"},
			{Cloud: "east", ImageName: "t1-jammy-x64", Error: "quota exceeded"},
		},
	}
	if err := repo.Save(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.Get("run-1")
	if err != nil || got == nil {
		t.Fatalf("unexpected get result: %v %v", got, err)
	}
	if ids := got.ImageIDs(); len(ids) != 1 || ids[0] != "img-1" {
		t.Fatalf("unexpected image ids: got %v want [img-1]", ids)
	}

	missing, err := repo.Get("absent")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for a missing run, got %v %v", missing, err)
	}
}

func TestLocalRunRepositoryLatestForImage(t *testing.T) {
	t.Parallel()

	repo := &LocalRunRepository{BaseDir: t.TempDir()}
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	runs := []models.BuildRun{
		{ID: "old", ImageName: "img", Status: models.BuildStatusSucceeded, StartedAt: base},
		{ID: "new", ImageName: "img", Status: models.BuildStatusSucceeded, StartedAt: base.Add(2 * time.Hour)},
		{ID: "failed", ImageName: "img", Status: models.BuildStatusFailed, StartedAt: base.Add(3 * time.Hour)},
		{ID: "other", ImageName: "other", Status: models.BuildStatusSucceeded, StartedAt: base.Add(4 * time.Hour)},
	}
	for _, run := range runs {
		if err := repo.Save(run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	latest, err := repo.LatestForImage("img")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest == nil || latest.ID != "new" {
		t.Fatalf("unexpected latest run: got %+v want id %q", latest, "new")
	}

	all, err := repo.List()
	if err != nil || len(all) != 4 || all[0].ID != "other" {
		t.Fatalf("unexpected list: %+v err %v", all, err)
	}
}

func TestLocalRunRepositoryRequiresBaseDir(t *testing.T) {
	t.Parallel()

	if err := (&LocalRunRepository{}).Save(models.BuildRun{ID: "x"}); err == nil {
		t.Fatal("expected error without base directory")
	}
	runs, err := (&LocalRunRepository{BaseDir: filepath.Join(t.TempDir(), "missing")}).List()
	if err != nil || runs != nil {
		t.Fatalf("expected empty history, got %v %v", runs, err)
	}
}
