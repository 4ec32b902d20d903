package services

import (
	"context"
	"log/slog"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/artifacts"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/keys"
	"github.com/canonical/github-runner-image-builder/internal/publish"
	"github.com/canonical/github-runner-image-builder/internal/reconcile"
)

// BaseImageFetcher downloads a verified upstream cloud image.
type BaseImageFetcher interface {
	Fetch(ctx context.Context, base config.BaseImage, architecture arch.Architecture) (artifacts.Artifact, error)
}

// InitRequest selects what init prepares on a cloud.
type InitRequest struct {
	CloudName string
	Prefix    string
	Arch      arch.Architecture
	Bases     []config.BaseImage
}

// InitService prepares a cloud for builds: base images, keypair and the
// shared security group.
type InitService struct {
	Logger     *slog.Logger
	Connector  cloud.Connector
	Fetcher    BaseImageFetcher
	Staging    artifacts.Store
	Reconciler *reconcile.Reconciler
	Publisher  *publish.Publisher
}

// Init uploads one base image per requested release and reconciles the
// shared resources. Only the newest base image revision is kept.
func (s *InitService) Init(ctx context.Context, req InitRequest) ([]cloud.Image, error) {
	if !req.Arch.IsValid() {
		return nil, builderr.New(builderr.InvalidConfig, "unsupported architecture %q", req.Arch)
	}
	bases := req.Bases
	if len(bases) == 0 {
		bases = config.SupportedBases()
	}
	logger := s.logger().With("cloud", req.CloudName, "arch", req.Arch)

	api, err := s.Connector.Connect(ctx, req.CloudName)
	if err != nil {
		return nil, err
	}
	defer api.Close()

	publisher := publish.Publisher{}
	if s.Publisher != nil {
		publisher = *s.Publisher
	}
	publisher.Logger = logger

	uploaded := make([]cloud.Image, 0, len(bases))
	for _, base := range bases {
		image, err := s.uploadBase(ctx, api, &publisher, req, base, logger)
		if err != nil {
			return nil, err
		}
		uploaded = append(uploaded, image)
	}

	reconciler := reconcile.Reconciler{Keys: keys.Store{}}
	if s.Reconciler != nil {
		reconciler = *s.Reconciler
	}
	reconciler.Logger = logger
	for _, base := range bases {
		template := config.BuildRequest{Prefix: req.Prefix, Base: base, Arch: req.Arch}
		if _, err := reconciler.Reconcile(ctx, api, template.BuilderName(), template.KeypairName()); err != nil {
			return nil, err
		}
	}
	logger.Info("cloud initialized", "base_images", len(uploaded))
	return uploaded, nil
}

func (s *InitService) uploadBase(ctx context.Context, api cloud.Images, publisher *publish.Publisher, req InitRequest, base config.BaseImage, logger *slog.Logger) (cloud.Image, error) {
	artifact, err := s.Fetcher.Fetch(ctx, base, req.Arch)
	if err != nil {
		return cloud.Image{}, err
	}
	defer func() {
		if s.Staging == nil {
			return
		}
		if err := s.Staging.Remove(artifact); err != nil {
			logger.Warn("failed to remove staged base image", "artifact", artifact.ID, "error", err)
		}
	}()

	path, err := artifacts.PathFromURI(artifact.URI)
	if err != nil {
		return cloud.Image{}, builderr.Wrap(builderr.BaseImageDownloadFail, err, "locate staged base image")
	}
	name := config.BaseImageName(req.Prefix, base, req.Arch)
	return publisher.Upload(ctx, api, publish.UploadRequest{
		Name:       name,
		Path:       path,
		Arch:       req.Arch,
		Retention:  1,
		Properties: map[string]string{"os_distro": "ubuntu", "os_version": base.Version(), "checksum_sha256": artifact.Checksum},
	})
}

func (s *InitService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("component", "init")
	}
	return slog.Default().With("component", "init")
}
