// Package publish turns stopped build VMs into image revisions and spreads
// them across clouds.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/artifacts"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

const (
	DefaultSnapshotTimeout      = 30 * time.Minute
	DefaultSnapshotPollInterval = 5 * time.Second
	activePollAttempts          = 10
	activePollInterval          = 60 * time.Second
)

// API is what publishing needs from the cloud hosting the build VM.
type API interface {
	cloud.Images
	CreateServerImage(ctx context.Context, serverID, name string) (cloud.Image, error)
	Name() string
}

// Outcome is the result of publishing to one cloud.
type Outcome struct {
	Cloud string
	Image cloud.Image
	Err   error
}

// Request describes where and how a snapshot is published.
type Request struct {
	ImageName    string
	Arch         arch.Architecture
	Retention    int
	UploadClouds []string
}

// UploadRequest describes a file upload to a single cloud.
type UploadRequest struct {
	Name       string
	Path       string
	Arch       arch.Architecture
	Retention  int
	Properties map[string]string
}

// Publisher snapshots, prunes and replicates images.
type Publisher struct {
	Logger    *slog.Logger
	Connector cloud.Connector
	Staging   artifacts.Store

	// SnapshotTimeout bounds the wait for a new snapshot to settle.
	SnapshotTimeout      time.Duration
	SnapshotPollInterval time.Duration
	// ActivePolicy governs the final check that an image is active.
	ActivePolicy *retry.Policy
}

// Publish snapshots serverID and returns one outcome per destination cloud.
// The error is non-nil only when the primary snapshot could not be produced.
func (p *Publisher) Publish(ctx context.Context, api API, serverID string, req Request) ([]Outcome, error) {
	logger := p.logger().With("image", req.ImageName, "server", serverID)

	image, err := p.Snapshot(ctx, api, serverID, req.ImageName)
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot created", "image_id", image.ID, "status", image.Status)

	if err := p.Prune(ctx, api, req.ImageName, req.Retention); err != nil {
		return nil, err
	}

	image, err = p.WaitActive(ctx, api, image)
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot active", "image_id", image.ID)

	return p.Replicate(ctx, api, image, req.UploadClouds, req.Arch, req.Retention)
}

// Snapshot creates an image from the server and waits, up to
// SnapshotTimeout, for it to leave the queued and saving states.
func (p *Publisher) Snapshot(ctx context.Context, api API, serverID, name string) (cloud.Image, error) {
	timeout := p.snapshotTimeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	image, err := api.CreateServerImage(waitCtx, serverID, name)
	if err != nil {
		return cloud.Image{}, builderr.Wrap(builderr.UploadImageFail, err, "snapshot server").WithResource(serverID)
	}
	return p.settle(ctx, waitCtx, api, image)
}

// settle polls image until it is active or failed. Running out of waitCtx
// is a SnapshotTimeout; cancellation of the parent ctx is returned as is.
func (p *Publisher) settle(ctx, waitCtx context.Context, api cloud.Images, image cloud.Image) (cloud.Image, error) {
	interval := p.SnapshotPollInterval
	if interval <= 0 {
		interval = DefaultSnapshotPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := image
	for {
		switch current.Status {
		case cloud.ImageStatusActive:
			return current, nil
		case cloud.ImageStatusKilled, cloud.ImageStatusDeleted, cloud.ImageStatusPendingDelete:
			return cloud.Image{}, builderr.New(builderr.UploadImageFail, "image entered status %q", current.Status).WithResource(image.ID)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return cloud.Image{}, ctx.Err()
			}
			return cloud.Image{}, builderr.New(builderr.SnapshotTimeout,
				"image still %q after %s", current.Status, p.snapshotTimeout()).WithResource(image.ID)
		case <-ticker.C:
		}

		latest, err := api.GetImage(waitCtx, image.ID)
		switch {
		case err != nil && waitCtx.Err() == nil:
			return cloud.Image{}, builderr.Wrap(builderr.UploadImageFail, err, "get image").WithResource(image.ID)
		case err != nil:
			continue
		case latest == nil:
			return cloud.Image{}, builderr.New(builderr.UploadImageFail, "image disappeared").WithResource(image.ID)
		}
		current = *latest
		p.logger().Debug("waiting for snapshot", "image_id", image.ID, "status", current.Status)
	}
}

func (p *Publisher) snapshotTimeout() time.Duration {
	if p.SnapshotTimeout > 0 {
		return p.SnapshotTimeout
	}
	return DefaultSnapshotTimeout
}

var errNotActive = errors.New("image is not active yet")

// WaitActive polls until image is active. SnapshotTimeout names the image
// when it never becomes active, UploadImageFail when it failed.
func (p *Publisher) WaitActive(ctx context.Context, api cloud.Images, image cloud.Image) (cloud.Image, error) {
	if image.Status == cloud.ImageStatusActive {
		return image, nil
	}

	current := image
	check := func(ctx context.Context) error {
		latest, err := api.GetImage(ctx, image.ID)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("image %s not found", image.ID)
		}
		current = *latest
		switch current.Status {
		case cloud.ImageStatusActive:
			return nil
		case cloud.ImageStatusKilled, cloud.ImageStatusDeleted, cloud.ImageStatusPendingDelete:
			return retry.Permanent(builderr.New(builderr.UploadImageFail, "image entered status %q", current.Status).WithResource(image.ID))
		default:
			return errNotActive
		}
	}

	err := retry.DoNotify(ctx, p.activePolicy(), check, func(attempt int, err error, wait time.Duration) {
		p.logger().Debug("waiting for image", "image_id", image.ID, "status", current.Status, "attempt", attempt)
	})
	if err == nil {
		return current, nil
	}
	if builderr.Is(err, builderr.UploadImageFail) || ctx.Err() != nil {
		return cloud.Image{}, err
	}

	// One last look before giving up.
	if check(ctx) == nil {
		return current, nil
	}
	return cloud.Image{}, builderr.Wrap(builderr.SnapshotTimeout, err, "image did not become active").WithResource(image.ID)
}

// Prune keeps the newest retention images called name and deletes the rest.
func (p *Publisher) Prune(ctx context.Context, api cloud.Images, name string, retention int) error {
	images, err := api.ListImages(ctx, name)
	if err != nil {
		return builderr.Wrap(builderr.ImagePruneFail, err, "list images").WithResource(name)
	}
	if retention < 0 {
		retention = 0
	}
	if len(images) <= retention {
		return nil
	}

	slices.SortStableFunc(images, func(a, b cloud.Image) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	for _, image := range images[retention:] {
		deleted, err := api.DeleteImage(ctx, image.ID)
		if err != nil {
			return builderr.Wrap(builderr.ImagePruneFail, err, "delete image").WithResource(image.ID)
		}
		if !deleted {
			return builderr.New(builderr.ImagePruneFail, "image was not deleted").WithResource(image.ID)
		}
		p.logger().Info("pruned image revision", "image", name, "image_id", image.ID, "created_at", image.CreatedAt)
	}
	return nil
}

// Replicate copies image to each target cloud. Without targets the image
// itself is the only outcome. Failures are reported per target.
func (p *Publisher) Replicate(ctx context.Context, api API, image cloud.Image, targets []string, architecture arch.Architecture, retention int) ([]Outcome, error) {
	if len(targets) == 0 {
		return []Outcome{{Cloud: api.Name(), Image: image}}, nil
	}
	if p.Connector == nil {
		return nil, builderr.New(builderr.UploadImageFail, "no connector configured for replication")
	}

	staging, cleanup, err := p.staging()
	if err != nil {
		return nil, builderr.Wrap(builderr.UploadImageFail, err, "prepare staging")
	}
	defer cleanup()

	reader, err := api.DownloadImage(ctx, image.ID)
	if err != nil {
		return nil, builderr.Wrap(builderr.UploadImageFail, err, "download image").WithResource(image.ID)
	}
	artifact, err := staging.Stage(reader, artifacts.ImageArtifact, ".img", map[string]string{
		"image_id": image.ID,
		"name":     image.Name,
		"cloud":    api.Name(),
	})
	reader.Close()
	if err != nil {
		return nil, builderr.Wrap(builderr.UploadImageFail, err, "stage image").WithResource(image.ID)
	}
	defer staging.Remove(artifact)

	path, err := artifacts.PathFromURI(artifact.URI)
	if err != nil {
		return nil, builderr.Wrap(builderr.UploadImageFail, err, "stage image")
	}
	p.logger().Info("image staged for replication", "image_id", image.ID, "size", artifact.Size, "sha256", artifact.Checksum)

	outcomes := lo.Map(targets, func(target string, _ int) Outcome {
		uploaded, err := p.uploadTo(ctx, target, UploadRequest{
			Name:      image.Name,
			Path:      path,
			Arch:      architecture,
			Retention: retention,
		})
		return Outcome{Cloud: target, Image: uploaded, Err: err}
	})
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			p.logger().Error("replication failed", "cloud", outcome.Cloud, "image", image.Name, "error", outcome.Err)
		}
	}
	return outcomes, nil
}

func (p *Publisher) uploadTo(ctx context.Context, target string, req UploadRequest) (cloud.Image, error) {
	conn, err := p.Connector.Connect(ctx, target)
	if err != nil {
		return cloud.Image{}, builderr.Wrap(builderr.UploadImageFail, err, "connect to %s", target)
	}
	defer conn.Close()
	return p.Upload(ctx, conn, req)
}

// Upload stores the file at req.Path as a new revision, waits for it to be
// active and prunes old ones.
func (p *Publisher) Upload(ctx context.Context, api cloud.Images, req UploadRequest) (cloud.Image, error) {
	properties := map[string]string{"architecture": req.Arch.CloudArch()}
	for k, v := range req.Properties {
		properties[k] = v
	}
	image, err := api.UploadImage(ctx, cloud.UploadImageOpts{
		Name:            req.Name,
		Path:            req.Path,
		DiskFormat:      "qcow2",
		ContainerFormat: "bare",
		Properties:      properties,
	})
	if err != nil {
		return cloud.Image{}, builderr.Wrap(builderr.UploadImageFail, err, "upload image").WithResource(req.Name)
	}
	image, err = p.WaitActive(ctx, api, image)
	if err != nil {
		return cloud.Image{}, err
	}
	if err := p.Prune(ctx, api, req.Name, req.Retention); err != nil {
		return cloud.Image{}, err
	}
	p.logger().Info("image uploaded", "image", req.Name, "image_id", image.ID)
	return image, nil
}

// Latest returns the newest image called name, or nil when there is none.
func (p *Publisher) Latest(ctx context.Context, api cloud.Images, name string) (*cloud.Image, error) {
	images, err := api.ListImages(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list images %s: %w", name, err)
	}
	if len(images) == 0 {
		return nil, nil
	}
	latest := lo.MaxBy(images, func(a, b cloud.Image) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
	return &latest, nil
}

func (p *Publisher) staging() (artifacts.Store, func(), error) {
	if p.Staging != nil {
		return p.Staging, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "image-builder-staging-*")
	if err != nil {
		return nil, nil, err
	}
	return &artifacts.LocalStore{BaseDir: dir}, func() { _ = os.RemoveAll(dir) }, nil
}

func (p *Publisher) activePolicy() retry.Policy {
	if p.ActivePolicy != nil {
		return *p.ActivePolicy
	}
	return retry.Fixed(activePollAttempts, activePollInterval)
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
