package simple

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/models"
	"github.com/canonical/github-runner-image-builder/internal/repositories/local"
	"github.com/canonical/github-runner-image-builder/internal/setup"
)

func TestBuildRequestUsesEnvironment(t *testing.T) {
	t.Parallel()

	env := config.Environment{
		Prefix:        "ci",
		Flavor:        "builder",
		Network:       "builders",
		Proxy:         "http://proxy:3128",
		RunnerVersion: "2.317.0",
		ScriptURL:     "https://example.com/s.sh",
		Retention:     3,
		UploadClouds:  []string{"east"},
	}
	req := BuildRequest(env, RunOptions{CloudName: "primary", Base: config.Noble, Arch: arch.ARM64}, map[string]string{"TOKEN": "x"})

	require.NoError(t, req.Validate())
	assert.Equal(t, "ci-noble-arm64", req.OutputImageName())
	assert.Equal(t, 3, req.Retention)
	assert.Equal(t, []string{"east"}, req.UploadClouds)
	assert.Equal(t, []string{"TOKEN"}, req.Script.SecretNames())
}

func TestApplyEnvironmentKeepsFileValues(t *testing.T) {
	t.Parallel()

	static := config.StaticConfig{CloudName: "from-file", Flavor: "large", Retention: 2}
	env := config.Environment{CloudName: "from-env", Flavor: "small", Network: "builders"}

	got := ApplyEnvironment(static, env, nil)
	assert.Equal(t, "from-file", got.CloudName)
	assert.Equal(t, "large", got.Flavor)
	assert.Equal(t, "builders", got.Network)
	assert.Equal(t, 2, got.Retention)
}

func TestResolveWorkers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 4, resolveWorkers(4, config.Environment{Parallelism: 2}))
	assert.Equal(t, 2, resolveWorkers(0, config.Environment{Parallelism: 2}))
	assert.Equal(t, 0, resolveWorkers(0, config.Environment{}))
}

func TestKeyOwner(t *testing.T) {
	t.Parallel()

	owner, err := KeyOwner("")
	require.NoError(t, err)
	assert.Nil(t, owner)

	owner, err = KeyOwner("1000:1001")
	require.NoError(t, err)
	assert.Equal(t, 1000, owner.UID)
	assert.Equal(t, 1001, owner.GID)

	owner, err = KeyOwner("root")
	require.NoError(t, err)
	assert.Equal(t, 0, owner.UID)

	_, err = KeyOwner("1000:staff")
	assert.Error(t, err)
}

func TestRenderCloudInitIncludesRunnerVersion(t *testing.T) {
	t.Parallel()

	data, err := RenderCloudInit(config.Environment{RunnerVersion: "2.317.0"}, config.Jammy, arch.X64)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2.317.0")
}

func TestHistoryReadsStateDir(t *testing.T) {
	previous := setup.StateDir
	t.Cleanup(func() { setup.StateDir = previous })

	dir := t.TempDir()
	runs := &local.LocalRunRepository{BaseDir: filepath.Join(dir, "history")}
	require.NoError(t, os.MkdirAll(runs.BaseDir, 0o750))
	require.NoError(t, runs.Save(models.BuildRun{ID: "run-1", ImageName: "ci-jammy-x64", Status: models.BuildStatusSucceeded}))

	history, err := History(config.Environment{StateDir: dir})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "run-1", history[0].ID)
}
