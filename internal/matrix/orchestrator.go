// Package matrix expands a build matrix into jobs and runs them with bounded
// parallelism.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/publish"
)

// JobRunner builds a single request.
type JobRunner interface {
	Build(ctx context.Context, req config.BuildRequest) ([]publish.Outcome, error)
}

// LatestFinder looks up the newest image id by name; empty means none.
type LatestFinder interface {
	LatestBuildID(ctx context.Context, cloudName, imageName string) (string, error)
}

// BuildResult reports one published image. Err is set when replication to
// CloudName failed while the build itself succeeded.
type BuildResult struct {
	Arch      arch.Architecture
	Base      config.BaseImage
	CloudName string
	ImageID   string
	Err       error
}

// LatestImage is the newest image for a (base, arch) cell on one cloud.
type LatestImage struct {
	Arch      arch.Architecture
	Base      config.BaseImage
	CloudName string
	ImageID   string
}

// Orchestrator runs every cell of a matrix.
type Orchestrator struct {
	Logger *slog.Logger
	Runner JobRunner
	Finder LatestFinder
	// Workers bounds concurrent jobs; zero means DefaultWorkers.
	Workers int
}

// DefaultWorkers leaves one CPU for the rest of the host.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

// Expand produces one request per base image. When an explicit image name
// is shared by several bases, the base is appended so revisions of
// different releases never prune each other.
func Expand(m config.BuildMatrix, static config.StaticConfig) []config.BuildRequest {
	bases := lo.Uniq(m.Bases)
	return lo.Map(bases, func(base config.BaseImage, _ int) config.BuildRequest {
		imageName := static.ImageName
		if imageName != "" && len(bases) > 1 {
			imageName = fmt.Sprintf("%s-%s", imageName, base)
		}
		return config.BuildRequest{
			Arch:          m.Arch,
			Base:          base,
			RunnerVersion: static.RunnerVersion,
			Script:        static.Script,
			ImageName:     imageName,
			Prefix:        static.Prefix,
			CloudName:     static.CloudName,
			UploadClouds:  m.UploadClouds,
			Retention:     static.Retention,
			Proxy:         static.Proxy,
			Flavor:        static.Flavor,
			Network:       static.Network,
		}
	})
}

// Run builds every cell. The first failing job cancels the others and its
// error is returned; results are ordered like Expand.
func (o *Orchestrator) Run(ctx context.Context, m config.BuildMatrix, static config.StaticConfig) ([]BuildResult, error) {
	if o.Runner == nil {
		return nil, builderr.New(builderr.BuildBatchFail, "no job runner configured")
	}
	requests, workers, err := o.prepare(m, static)
	if err != nil {
		return nil, err
	}
	logger := o.logger()
	logger.Info("running build matrix", "jobs", len(requests), "workers", workers)

	results := make([][]BuildResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range requests {
		g.Go(func() error {
			outcomes, err := o.Runner.Build(gctx, req)
			if err != nil {
				return fmt.Errorf("build %s/%s: %w", req.Base, req.Arch, err)
			}
			results[i] = lo.Map(outcomes, func(out publish.Outcome, _ int) BuildResult {
				return BuildResult{Arch: req.Arch, Base: req.Base, CloudName: out.Cloud, ImageID: out.Image.ID, Err: out.Err}
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.Flatten(results), nil
}

// FetchLatest returns the newest image of every cell on every destination
// cloud. Cells without an image are left out.
func (o *Orchestrator) FetchLatest(ctx context.Context, m config.BuildMatrix, static config.StaticConfig) ([]LatestImage, error) {
	if o.Finder == nil {
		return nil, builderr.New(builderr.BuildBatchFail, "no image finder configured")
	}
	requests, workers, err := o.prepare(m, static)
	if err != nil {
		return nil, err
	}

	type lookup struct {
		req   config.BuildRequest
		cloud string
	}
	lookups := lo.FlatMap(requests, func(req config.BuildRequest, _ int) []lookup {
		clouds := req.UploadClouds
		if len(clouds) == 0 {
			clouds = []string{req.CloudName}
		}
		return lo.Map(clouds, func(name string, _ int) lookup { return lookup{req: req, cloud: name} })
	})

	found := make([]LatestImage, len(lookups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, l := range lookups {
		g.Go(func() error {
			id, err := o.Finder.LatestBuildID(gctx, l.cloud, l.req.OutputImageName())
			if err != nil {
				return fmt.Errorf("latest %s on %s: %w", l.req.OutputImageName(), l.cloud, err)
			}
			found[i] = LatestImage{Arch: l.req.Arch, Base: l.req.Base, CloudName: l.cloud, ImageID: id}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.Filter(found, func(img LatestImage, _ int) bool { return img.ImageID != "" }), nil
}

func (o *Orchestrator) prepare(m config.BuildMatrix, static config.StaticConfig) ([]config.BuildRequest, int, error) {
	workers := o.Workers
	if workers == 0 {
		workers = DefaultWorkers()
	}
	if workers < 0 {
		return nil, 0, builderr.New(builderr.BuildBatchFail, "invalid worker count %d", workers)
	}
	if err := static.Validate(); err != nil {
		return nil, 0, builderr.Wrap(builderr.BuildBatchFail, err, "invalid batch configuration")
	}
	requests := Expand(m, static)
	if len(requests) == 0 {
		return nil, 0, builderr.New(builderr.BuildBatchFail, "build matrix has no jobs")
	}
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			return nil, 0, builderr.Wrap(builderr.BuildBatchFail, err, "invalid job %s/%s", req.Base, req.Arch)
		}
	}
	return requests, workers, nil
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger.With("component", "matrix")
	}
	return slog.Default().With("component", "matrix")
}
