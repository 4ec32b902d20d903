package simple

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"strings"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/artifacts"
	"github.com/canonical/github-runner-image-builder/internal/baseimage"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/cloud/openstack"
	"github.com/canonical/github-runner-image-builder/internal/cloudinit"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/keys"
	"github.com/canonical/github-runner-image-builder/internal/logging"
	"github.com/canonical/github-runner-image-builder/internal/matrix"
	"github.com/canonical/github-runner-image-builder/internal/models"
	"github.com/canonical/github-runner-image-builder/internal/publish"
	"github.com/canonical/github-runner-image-builder/internal/reconcile"
	"github.com/canonical/github-runner-image-builder/internal/repositories/local"
	"github.com/canonical/github-runner-image-builder/internal/services"
	"github.com/canonical/github-runner-image-builder/internal/setup"
)

// RunOptions are the per-invocation values of a single build that are not
// part of the environment.
type RunOptions struct {
	CloudName      string
	ImageName      string
	Base           config.BaseImage
	Arch           arch.Architecture
	CallbackScript string
}

// Stack holds the services wired against one clouds.yaml.
type Stack struct {
	Clouds config.CloudsFile
	Build  *services.BuildService
	Init   *services.InitService
}

// NewStack wires the OpenStack connector, key store, reconciler, publisher
// and services from env.
func NewStack(env config.Environment, logger *slog.Logger) (*Stack, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	if env.StateDir != "" {
		setup.StateDir = env.StateDir
	}
	if err := setup.Prepare(); err != nil {
		return nil, err
	}
	clouds, err := setup.Verify(env.CloudsYAML)
	if err != nil {
		return nil, err
	}
	owner, err := KeyOwner(env.KeyOwner)
	if err != nil {
		return nil, err
	}

	connector := &openstack.Connector{Clouds: clouds, Logger: logger.With("driver", "openstack")}
	staging := &artifacts.LocalStore{BaseDir: setup.StagingDir()}
	reconciler := &reconcile.Reconciler{
		Logger: logger.With("service", "reconcile"),
		Keys:   keys.Store{Path: env.KeyPath, Owner: owner},
	}
	publisher := &publish.Publisher{
		Logger:    logger.With("service", "publish"),
		Connector: connector,
		Staging:   staging,
	}
	runs := &local.LocalRunRepository{BaseDir: setup.HistoryDir()}

	return &Stack{
		Clouds: clouds,
		Build: &services.BuildService{
			Logger:     logger.With("service", "build"),
			Connector:  connector,
			Reconciler: reconciler,
			Publisher:  publisher,
			Runs:       runs,
		},
		Init: &services.InitService{
			Logger:    logger.With("service", "init"),
			Connector: connector,
			Fetcher: &baseimage.Fetcher{
				Logger:  logger.With("service", "baseimage"),
				Staging: staging,
			},
			Staging:    staging,
			Reconciler: reconciler,
			Publisher:  publisher,
		},
	}, nil
}

// BuildRequest combines the environment defaults with opts.
func BuildRequest(env config.Environment, opts RunOptions, secrets map[string]string) config.BuildRequest {
	return config.BuildRequest{
		Arch:          opts.Arch,
		Base:          opts.Base,
		RunnerVersion: env.RunnerVersion,
		Script:        config.ScriptConfig{URL: env.ScriptURL, Secrets: secrets},
		ImageName:     opts.ImageName,
		Prefix:        env.Prefix,
		CloudName:     opts.CloudName,
		UploadClouds:  env.UploadClouds,
		Retention:     env.Retention,
		Proxy:         env.Proxy,
		Flavor:        env.Flavor,
		Network:       env.Network,
	}
}

// ApplyEnvironment fills the values a matrix file left empty from env.
func ApplyEnvironment(static config.StaticConfig, env config.Environment, secrets map[string]string) config.StaticConfig {
	static.CloudName = firstNonEmpty(static.CloudName, env.CloudName)
	static.Prefix = firstNonEmpty(static.Prefix, env.Prefix)
	static.Flavor = firstNonEmpty(static.Flavor, env.Flavor)
	static.Network = firstNonEmpty(static.Network, env.Network)
	static.Proxy = firstNonEmpty(static.Proxy, env.Proxy)
	static.RunnerVersion = firstNonEmpty(static.RunnerVersion, env.RunnerVersion)
	static.Script.URL = firstNonEmpty(static.Script.URL, env.ScriptURL)
	static.Script.Secrets = secrets
	return static
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// Run builds a single image and hands the resulting ids to the callback
// script.
func Run(ctx context.Context, env config.Environment, opts RunOptions, logger *slog.Logger) ([]publish.Outcome, error) {
	logger = logging.Ensure(logger)
	stack, err := NewStack(env, logger)
	if err != nil {
		return nil, err
	}
	opts.CloudName, err = stack.Clouds.Resolve(firstNonEmpty(opts.CloudName, env.CloudName))
	if err != nil {
		return nil, err
	}

	req := BuildRequest(env, opts, config.ProcessSecrets())
	outcomes, err := stack.Build.Build(ctx, req)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			logger.Warn("replication failed", "cloud", outcome.Cloud, "error", outcome.Err)
			continue
		}
		ids = append(ids, outcome.Image.ID)
	}
	if err := services.RunCallback(ctx, logger, opts.CallbackScript, ids); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// RunMatrix builds every cell of the matrix file at path.
func RunMatrix(ctx context.Context, env config.Environment, path string, workers int, logger *slog.Logger) ([]matrix.BuildResult, error) {
	stack, m, static, err := loadMatrix(env, path, logger)
	if err != nil {
		return nil, err
	}
	o := &matrix.Orchestrator{Logger: logger, Runner: stack.Build, Workers: resolveWorkers(workers, env)}
	return o.Run(ctx, m, static)
}

// FetchLatest returns the newest image of every cell of the matrix file at
// path.
func FetchLatest(ctx context.Context, env config.Environment, path string, workers int, logger *slog.Logger) ([]matrix.LatestImage, error) {
	stack, m, static, err := loadMatrix(env, path, logger)
	if err != nil {
		return nil, err
	}
	o := &matrix.Orchestrator{Logger: logger, Finder: stack.Build, Workers: resolveWorkers(workers, env)}
	return o.FetchLatest(ctx, m, static)
}

func loadMatrix(env config.Environment, path string, logger *slog.Logger) (*Stack, config.BuildMatrix, config.StaticConfig, error) {
	m, static, err := config.LoadMatrixFile(path)
	if err != nil {
		return nil, config.BuildMatrix{}, config.StaticConfig{}, err
	}
	stack, err := NewStack(env, logger)
	if err != nil {
		return nil, config.BuildMatrix{}, config.StaticConfig{}, err
	}
	static = ApplyEnvironment(static, env, config.ProcessSecrets())
	if static.CloudName, err = stack.Clouds.Resolve(static.CloudName); err != nil {
		return nil, config.BuildMatrix{}, config.StaticConfig{}, err
	}
	return stack, m, static, nil
}

func resolveWorkers(flag int, env config.Environment) int {
	if flag > 0 {
		return flag
	}
	return env.Parallelism
}

// Init uploads base images and prepares shared resources on a cloud.
func Init(ctx context.Context, env config.Environment, req services.InitRequest, logger *slog.Logger) ([]cloud.Image, error) {
	stack, err := NewStack(env, logger)
	if err != nil {
		return nil, err
	}
	if req.CloudName, err = stack.Clouds.Resolve(firstNonEmpty(req.CloudName, env.CloudName)); err != nil {
		return nil, err
	}
	req.Prefix = firstNonEmpty(req.Prefix, env.Prefix)
	if err := setup.ClearStaging(); err != nil {
		return nil, err
	}
	return stack.Init.Init(ctx, req)
}

// LatestBuildID returns the newest image id named imageName, or an empty
// string when there is none.
func LatestBuildID(ctx context.Context, env config.Environment, cloudName, imageName string, logger *slog.Logger) (string, error) {
	stack, err := NewStack(env, logger)
	if err != nil {
		return "", err
	}
	if cloudName, err = stack.Clouds.Resolve(firstNonEmpty(cloudName, env.CloudName)); err != nil {
		return "", err
	}
	return stack.Build.LatestBuildID(ctx, cloudName, imageName)
}

// History lists locally recorded build runs, newest first.
func History(env config.Environment) ([]models.BuildRun, error) {
	if env.StateDir != "" {
		setup.StateDir = env.StateDir
	}
	runs := &local.LocalRunRepository{BaseDir: setup.HistoryDir()}
	return runs.List()
}

// RenderCloudInit produces the user-data script for a build.
func RenderCloudInit(env config.Environment, base config.BaseImage, architecture arch.Architecture) ([]byte, error) {
	return cloudinit.Render(cloudinit.ParamsFor(base, architecture, env.RunnerVersion, env.Proxy))
}

// WriteSeed renders the user-data script into a NoCloud seed ISO at path.
func WriteSeed(env config.Environment, base config.BaseImage, architecture arch.Architecture, hostname, path string) error {
	userData, err := RenderCloudInit(env, base, architecture)
	if err != nil {
		return err
	}
	return cloudinit.WriteSeedISO(path, hostname, userData)
}

// KeyOwner resolves "user", "uid" or "uid:gid" into the owner of the stored
// private key. An empty value leaves ownership untouched.
func KeyOwner(value string) (*keys.Owner, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	name, group, hasGroup := strings.Cut(value, ":")
	owner := &keys.Owner{}
	if uid, err := strconv.Atoi(name); err == nil {
		owner.UID, owner.GID = uid, uid
	} else {
		u, err := user.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("look up key owner %q: %w", name, err)
		}
		if owner.UID, err = strconv.Atoi(u.Uid); err != nil {
			return nil, fmt.Errorf("key owner %q has non-numeric uid %q", name, u.Uid)
		}
		if owner.GID, err = strconv.Atoi(u.Gid); err != nil {
			return nil, fmt.Errorf("key owner %q has non-numeric gid %q", name, u.Gid)
		}
	}
	if hasGroup {
		gid, err := strconv.Atoi(group)
		if err != nil {
			return nil, fmt.Errorf("invalid key owner group %q", group)
		}
		owner.GID = gid
	}
	return owner, nil
}
