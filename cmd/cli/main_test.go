package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/logging"
	"github.com/canonical/github-runner-image-builder/internal/models"
	"github.com/canonical/github-runner-image-builder/internal/repositories/local"
)

func newTestApp(t *testing.T, env config.Environment) (*app, *bytes.Buffer) {
	t.Helper()
	var levelVar slog.LevelVar
	stdout := &bytes.Buffer{}
	return &app{
		logger: logging.NewCLI(&bytes.Buffer{}, &levelVar),
		level:  &levelVar,
		env:    env,
		stdout: stdout,
	}, stdout
}

func TestCloudInitRenderPrintsScript(t *testing.T) {
	a, stdout := newTestApp(t, config.Environment{})
	root := newRootCommand(a)
	root.SetArgs([]string{"cloud-init", "render", "--arch", "arm64", "--base-image", "jammy", "--runner-version", "2.317.0", "--log-level", "error"})

	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout.String(), "2.317.0") {
		t.Fatalf("rendered script does not mention the runner version:\n%s", stdout.String())
	}
	if a.level.Level() != slog.LevelError {
		t.Fatalf("unexpected level: got %v want %v", a.level.Level(), slog.LevelError)
	}
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	a, _ := newTestApp(t, config.Environment{})
	root := newRootCommand(a)
	root.SetArgs([]string{"cloud-init", "render", "--log-format", "xml"})

	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected an error for an unknown log format")
	}
}

func TestRunRequiresTwoArguments(t *testing.T) {
	a, _ := newTestApp(t, config.Environment{})
	root := newRootCommand(a)
	root.SetArgs([]string{"run", "only-cloud"})

	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected an argument error")
	}
}

func TestHistoryListsRuns(t *testing.T) {
	dir := t.TempDir()
	runs := &local.LocalRunRepository{BaseDir: filepath.Join(dir, "history")}
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	err := runs.Save(models.BuildRun{
		ID:           "run-1",
		Cloud:        "primary",
		ImageName:    "ci-noble-x64",
		Status:       models.BuildStatusSucceeded,
		StartedAt:    started,
		Publications: []models.Publication{{Cloud: "primary", ImageID: "img-1"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, stdout := newTestApp(t, config.Environment{StateDir: dir})
	root := newRootCommand(a)
	root.SetArgs([]string{"history"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"ci-noble-x64", "succeeded", "img-1", started.Format(time.RFC3339)} {
		if !strings.Contains(out, want) {
			t.Fatalf("history output missing %q:\n%s", want, out)
		}
	}
}
