package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/canonical/github-runner-image-builder/internal/build"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/cloudinit"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/keys"
	"github.com/canonical/github-runner-image-builder/internal/logging"
	"github.com/canonical/github-runner-image-builder/internal/models"
	"github.com/canonical/github-runner-image-builder/internal/placement"
	"github.com/canonical/github-runner-image-builder/internal/publish"
	"github.com/canonical/github-runner-image-builder/internal/reconcile"
	"github.com/canonical/github-runner-image-builder/internal/remote"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

// SessionFactory returns the session opener used to reach build VMs
// provisioned with identity.
type SessionFactory func(identity keys.Identity) (build.SessionOpener, error)

// RunRepository records build runs.
type RunRepository interface {
	Save(run models.BuildRun) error
}

// BuildService runs one build request end to end on a single cloud
// connection: reconcile, place, boot, customize, snapshot and publish.
type BuildService struct {
	Logger     *slog.Logger
	Connector  cloud.Connector
	Reconciler *reconcile.Reconciler
	Publisher  *publish.Publisher
	Sessions   SessionFactory
	Runs       RunRepository

	// Builder carries timeouts and policies; its Sessions and Publisher are
	// filled in per run.
	Builder build.Builder
	// SessionPolicy is used by the default SSH session factory.
	SessionPolicy *retry.Policy
	APTPackages   []string
}

// Build runs req and returns one outcome per destination cloud.
func (s *BuildService) Build(ctx context.Context, req config.BuildRequest) ([]publish.Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	run := models.BuildRun{
		ID:        uuid.NewString(),
		Cloud:     req.CloudName,
		Base:      req.Base.String(),
		Arch:      req.Arch.String(),
		ImageName: req.OutputImageName(),
		Status:    models.BuildStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	logger := logging.WithRedaction(s.logger(), lo.Values(req.Script.Secrets)...).With(
		"job", run.ID,
		"cloud", req.CloudName,
		"image", run.ImageName,
	)
	logger.Info("starting image build", "base", req.Base, "arch", req.Arch)

	outcomes, err := s.build(ctx, req, logger)
	s.record(run, outcomes, err, logger)
	if err != nil {
		logger.Error("image build failed", "error", err)
		return nil, err
	}
	logger.Info("image build finished", "published", len(outcomes))
	return outcomes, nil
}

func (s *BuildService) build(ctx context.Context, req config.BuildRequest, logger *slog.Logger) ([]publish.Outcome, error) {
	api, err := s.Connector.Connect(ctx, req.CloudName)
	if err != nil {
		return nil, err
	}
	defer api.Close()

	reconciler := s.reconciler(logger)
	identity, err := reconciler.Reconcile(ctx, api, req.BuilderName(), req.KeypairName())
	if err != nil {
		return nil, err
	}

	selector := &placement.Selector{Logger: logger, API: api}
	selection, err := selector.Select(ctx, req.Flavor, req.Network)
	if err != nil {
		return nil, err
	}

	publisher := s.publisher(logger)
	baseImage, err := publisher.Latest(ctx, api, req.BaseImageName())
	if err != nil {
		return nil, builderr.Wrap(builderr.ResourceReconcileFail, err, "look up base image").WithResource(req.BaseImageName())
	}
	if baseImage == nil {
		return nil, builderr.New(builderr.ResourceReconcileFail, "base image %q not found, run init first", req.BaseImageName()).WithResource(req.BaseImageName())
	}

	params := cloudinit.ParamsFor(req.Base, req.Arch, req.RunnerVersion, req.Proxy)
	if len(s.APTPackages) > 0 {
		params = params.WithPackages(s.APTPackages)
	}
	userData, err := cloudinit.Render(params)
	if err != nil {
		return nil, err
	}

	sessions, err := s.sessions(identity, logger)
	if err != nil {
		return nil, err
	}

	builder := s.Builder
	builder.Logger = logger
	builder.Sessions = sessions
	builder.Publisher = publisher
	return builder.Run(ctx, api, build.Job{
		Request:       req,
		Placement:     selection,
		BaseImageID:   baseImage.ID,
		KeyName:       identity.Name,
		SecurityGroup: reconciler.SecurityGroup(),
		UserData:      userData,
	})
}

// record stores the run. History is informational, so a failed write is
// only logged.
func (s *BuildService) record(run models.BuildRun, outcomes []publish.Outcome, err error, logger *slog.Logger) {
	if s.Runs == nil {
		return
	}
	run.FinishedAt = time.Now().UTC()
	run.Status = models.BuildStatusSucceeded
	switch {
	case errors.Is(err, context.Canceled):
		run.Status = models.BuildStatusCancelled
		run.Error = err.Error()
	case err != nil:
		run.Status = models.BuildStatusFailed
		run.Error = err.Error()
	}
	run.Publications = lo.Map(outcomes, func(o publish.Outcome, _ int) models.Publication {
		p := models.Publication{Cloud: o.Cloud, ImageID: o.Image.ID, ImageName: run.ImageName}
		if o.Err != nil {
			p.Error = o.Err.Error()
		}
		return p
	})
	if err := s.Runs.Save(run); err != nil {
		logger.Warn("failed to record build run", "error", err)
	}
}

// LatestBuildID returns the id of the newest image called imageName on
// cloudName, or an empty string when there is none.
func (s *BuildService) LatestBuildID(ctx context.Context, cloudName, imageName string) (string, error) {
	api, err := s.Connector.Connect(ctx, cloudName)
	if err != nil {
		return "", err
	}
	defer api.Close()

	latest, err := s.publisher(s.logger()).Latest(ctx, api, imageName)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", nil
	}
	return latest.ID, nil
}

func (s *BuildService) sessions(identity keys.Identity, logger *slog.Logger) (build.SessionOpener, error) {
	if s.Sessions != nil {
		return s.Sessions(identity)
	}
	signer, err := keys.Signer(identity.PrivateKey)
	if err != nil {
		return nil, builderr.Wrap(builderr.ResourceReconcileFail, err, "load builder key")
	}
	policy := retry.Exponential(10)
	if s.SessionPolicy != nil {
		policy = *s.SessionPolicy
	}
	return &remote.Executor{
		Logger: logger,
		Dialer: remote.SSHDialer{User: remote.DefaultUser, Signer: signer},
		Policy: policy,
	}, nil
}

func (s *BuildService) reconciler(logger *slog.Logger) *reconcile.Reconciler {
	r := reconcile.Reconciler{Keys: keys.Store{}}
	if s.Reconciler != nil {
		r = *s.Reconciler
	}
	r.Logger = logger
	return &r
}

func (s *BuildService) publisher(logger *slog.Logger) *publish.Publisher {
	p := publish.Publisher{Connector: s.Connector}
	if s.Publisher != nil {
		p = *s.Publisher
	}
	if p.Connector == nil {
		p.Connector = s.Connector
	}
	p.Logger = logger
	return &p
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
