package matrix

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/publish"
)

type runnerFunc func(ctx context.Context, req config.BuildRequest) ([]publish.Outcome, error)

func (f runnerFunc) Build(ctx context.Context, req config.BuildRequest) ([]publish.Outcome, error) {
	return f(ctx, req)
}

type finderFunc func(ctx context.Context, cloudName, imageName string) (string, error)

func (f finderFunc) LatestBuildID(ctx context.Context, cloudName, imageName string) (string, error) {
	return f(ctx, cloudName, imageName)
}

func static() config.StaticConfig {
	return config.StaticConfig{CloudName: "primary", Prefix: "t1", Retention: 1}
}

func TestExpand(t *testing.T) {
	t.Parallel()

	m := config.BuildMatrix{Arch: arch.ARM64, Bases: []config.BaseImage{config.Jammy, config.Noble, config.Jammy}, UploadClouds: []string{"east"}}
	s := static()
	s.Script = config.ScriptConfig{URL: "https://example.com/s.sh"}

	reqs := Expand(m, s)
	require.Len(t, reqs, 2)
	assert.Equal(t, config.Jammy, reqs[0].Base)
	assert.Equal(t, config.Noble, reqs[1].Base)
	for _, req := range reqs {
		assert.Equal(t, arch.ARM64, req.Arch)
		assert.Equal(t, []string{"east"}, req.UploadClouds)
		assert.Equal(t, "https://example.com/s.sh", req.Script.URL)
	}
	assert.Equal(t, "t1-noble-arm64", reqs[1].OutputImageName())
}

func TestExpandSuffixesSharedImageName(t *testing.T) {
	t.Parallel()

	s := static()
	s.ImageName = "runner"
	reqs := Expand(config.BuildMatrix{Arch: arch.X64, Bases: []config.BaseImage{config.Jammy, config.Noble}}, s)
	assert.Equal(t, "runner-jammy", reqs[0].ImageName)
	assert.Equal(t, "runner-noble", reqs[1].ImageName)

	single := Expand(config.BuildMatrix{Arch: arch.X64, Bases: []config.BaseImage{config.Noble}}, s)
	assert.Equal(t, "runner", single[0].ImageName)
}

func TestRunCollectsResultsInOrder(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	runner := runnerFunc(func(_ context.Context, req config.BuildRequest) ([]publish.Outcome, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return []publish.Outcome{
			{Cloud: "primary", Image: cloud.Image{ID: "img-" + string(req.Base)}},
			{Cloud: "east", Err: errors.New("quota")},
		}, nil
	})

	o := &Orchestrator{Runner: runner, Workers: 1}
	results, err := o.Run(context.Background(), config.BuildMatrix{Arch: arch.X64, Bases: []config.BaseImage{config.Jammy, config.Noble}}, static())
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "img-jammy", results[0].ImageID)
	assert.Equal(t, config.Jammy, results[0].Base)
	assert.Equal(t, "img-noble", results[2].ImageID)
	assert.Error(t, results[3].Err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	cancelled := map[config.BaseImage]bool{}
	runner := runnerFunc(func(ctx context.Context, req config.BuildRequest) ([]publish.Outcome, error) {
		if req.Base == config.Jammy {
			return nil, builderr.New(builderr.CloudInitFail, "cloud-init exploded")
		}
		<-ctx.Done()
		mu.Lock()
		cancelled[req.Base] = true
		mu.Unlock()
		return nil, ctx.Err()
	})

	o := &Orchestrator{Runner: runner, Workers: 2}
	_, err := o.Run(context.Background(), config.BuildMatrix{Arch: arch.X64, Bases: []config.BaseImage{config.Jammy, config.Noble}}, static())
	require.Error(t, err)
	assert.True(t, builderr.Is(err, builderr.CloudInitFail))
	assert.True(t, cancelled[config.Noble])
}

func TestRunPoolFailures(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(context.Context, config.BuildRequest) ([]publish.Outcome, error) { return nil, nil })
	m := config.BuildMatrix{Arch: arch.X64, Bases: []config.BaseImage{config.Jammy}}

	_, err := (&Orchestrator{Runner: runner}).Run(context.Background(), config.BuildMatrix{Arch: arch.X64}, static())
	assert.True(t, builderr.Is(err, builderr.BuildBatchFail), "no jobs: %v", err)

	_, err = (&Orchestrator{Runner: runner, Workers: -1}).Run(context.Background(), m, static())
	assert.True(t, builderr.Is(err, builderr.BuildBatchFail), "negative workers: %v", err)

	bad := static()
	bad.Retention = 0
	_, err = (&Orchestrator{Runner: runner}).Run(context.Background(), m, bad)
	assert.True(t, builderr.Is(err, builderr.BuildBatchFail), "invalid static: %v", err)
	assert.True(t, builderr.Is(err, builderr.InvalidConfig))

	_, err = (&Orchestrator{}).Run(context.Background(), m, static())
	assert.True(t, builderr.Is(err, builderr.BuildBatchFail), "no runner: %v", err)
}

func TestFetchLatestFiltersMissing(t *testing.T) {
	t.Parallel()

	finder := finderFunc(func(_ context.Context, cloudName, imageName string) (string, error) {
		if cloudName == "east" && imageName == "t1-jammy-x64" {
			return "east-jammy", nil
		}
		if cloudName == "west" && imageName == "t1-noble-x64" {
			return "west-noble", nil
		}
		return "", nil
	})
	o := &Orchestrator{Finder: finder, Workers: 2}
	images, err := o.FetchLatest(context.Background(), config.BuildMatrix{
		Arch:         arch.X64,
		Bases:        []config.BaseImage{config.Jammy, config.Noble},
		UploadClouds: []string{"east", "west"},
	}, static())
	require.NoError(t, err)
	assert.Equal(t, []LatestImage{
		{Arch: arch.X64, Base: config.Jammy, CloudName: "east", ImageID: "east-jammy"},
		{Arch: arch.X64, Base: config.Noble, CloudName: "west", ImageID: "west-noble"},
	}, images)
}

func TestFetchLatestDefaultsToBuildCloud(t *testing.T) {
	t.Parallel()

	var clouds []string
	var mu sync.Mutex
	finder := finderFunc(func(_ context.Context, cloudName, _ string) (string, error) {
		mu.Lock()
		clouds = append(clouds, cloudName)
		mu.Unlock()
		return "id", nil
	})
	o := &Orchestrator{Finder: finder}
	images, err := o.FetchLatest(context.Background(), config.BuildMatrix{Arch: arch.X64, Bases: []config.BaseImage{config.Jammy}}, static())
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, []string{"primary"}, clouds)
}

func TestDefaultWorkers(t *testing.T) {
	t.Parallel()

	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}
