package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/publish"
	"github.com/canonical/github-runner-image-builder/internal/remote"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

// Builder drives one disposable VM from creation to snapshot. The VM is
// deleted on every exit path.
type Builder struct {
	Logger    *slog.Logger
	Sessions  SessionOpener
	Publisher ImagePublisher

	CreateTimeout time.Duration
	DeleteTimeout time.Duration
	// ReadinessPolicy governs polling for cloud-init completion.
	ReadinessPolicy *retry.Policy
	// OnTransition observes every state change.
	OnTransition func(State)
}

const cloudInitDoneMarker = "status: done"

var errNotReady = errors.New("cloud-init has not finished")

// Run builds job on api and returns the published images.
func (b *Builder) Run(ctx context.Context, api API, job Job) (outcomes []publish.Outcome, err error) {
	req := job.Request
	logger := b.logger().With("vm", req.BuilderName(), "image", req.OutputImageName())

	b.transition(StateProvisioning)
	server, err := b.createServer(ctx, api, job)
	if err != nil {
		b.transition(StateFailed)
		return nil, err
	}
	logger = logger.With("server", server.ID)
	logger.Info("build vm created")
	defer func() {
		if err != nil {
			b.transition(StateFailed)
		}
		b.deleteServer(ctx, api, server.ID, logger)
	}()

	b.transition(StateBooting)
	session, err := b.Sessions.Connect(ctx, remote.Target{
		Name:      server.Name,
		Addresses: serverAddresses(api, server.ID),
	})
	if err != nil {
		b.logConsole(ctx, api, server.ID, logger, slog.LevelError)
		return nil, err
	}
	defer session.Close()

	if err := b.waitReady(ctx, api, session, server.ID, logger); err != nil {
		return nil, err
	}
	b.transition(StateReady)
	logger.Info("cloud-init finished")

	if req.Script.Enabled() {
		b.transition(StateCustomizing)
		if err := runScript(ctx, session, req.Script, logger); err != nil {
			return nil, err
		}
		logger.Info("external script completed")
	}

	if err := api.StopServer(ctx, server.ID); err != nil {
		return nil, builderr.Wrap(builderr.UploadImageFail, err, "stop build vm before snapshot").WithResource(server.ID)
	}
	b.transition(StateStopped)
	b.logConsole(ctx, api, server.ID, logger, slog.LevelDebug)

	b.transition(StateSnapshotting)
	outcomes, err = b.Publisher.Publish(ctx, api, server.ID, publish.Request{
		ImageName:    req.OutputImageName(),
		Arch:         req.Arch,
		Retention:    req.Retention,
		UploadClouds: req.UploadClouds,
	})
	if err != nil {
		return nil, err
	}
	b.transition(StatePublished)
	return outcomes, nil
}

func (b *Builder) createServer(ctx context.Context, api API, job Job) (cloud.Server, error) {
	timeout := b.CreateTimeout
	if timeout <= 0 {
		timeout = DefaultCreateTimeout
	}
	createCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	server, err := api.CreateServer(createCtx, cloud.CreateServerOpts{
		Name:          job.Request.BuilderName(),
		ImageID:       job.BaseImageID,
		FlavorID:      job.Placement.FlavorID,
		NetworkID:     job.Placement.NetworkID,
		KeyName:       job.KeyName,
		SecurityGroup: job.SecurityGroup,
		UserData:      job.UserData,
		Timeout:       timeout,
	})
	if err != nil {
		return cloud.Server{}, fmt.Errorf("create build vm %s: %w", job.Request.BuilderName(), err)
	}
	return server, nil
}

// deleteServer runs detached from ctx so cancelled builds still clean up.
// Failures are logged; the next reconciliation removes leftovers.
func (b *Builder) deleteServer(ctx context.Context, api API, serverID string, logger *slog.Logger) {
	timeout := b.DeleteTimeout
	if timeout <= 0 {
		timeout = DefaultDeleteTimeout
	}
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := api.DeleteServer(deleteCtx, serverID); err != nil {
		logger.Error("failed to delete build vm", "error", err)
		return
	}
	b.transition(StateTerminated)
	logger.Info("build vm deleted")
}

func (b *Builder) waitReady(ctx context.Context, api API, session remote.Session, serverID string, logger *slog.Logger) error {
	status := remote.Command{Name: "cloud-init status", Command: "cloud-init status --wait", Timeout: cloudInitStatusTimeout}

	err := retry.DoNotify(ctx, b.readinessPolicy(), func(ctx context.Context) error {
		result, err := session.Run(ctx, status)
		if err != nil {
			return retry.Permanent(builderr.Wrap(builderr.CloudInitFail, err, "query cloud-init status"))
		}
		done := strings.Contains(result.Stdout, cloudInitDoneMarker)
		// Exit status 2 reports recoverable errors after completion.
		if !result.OK() && !(done && result.ExitStatus == 2) {
			return retry.Permanent(builderr.New(builderr.CloudInitFail,
				"cloud-init exited with status %d: %s", result.ExitStatus, strings.TrimSpace(result.Stdout+" "+result.Stderr)))
		}
		if !done {
			return errNotReady
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Info("waiting for cloud-init", "attempt", attempt, "retry_in", wait)
	})
	if err == nil {
		return nil
	}

	b.logConsole(ctx, api, serverID, logger, slog.LevelError)
	if builderr.Is(err, builderr.CloudInitFail) || ctx.Err() != nil {
		return err
	}
	return builderr.Wrap(builderr.CloudInitFail, err, "cloud-init did not finish")
}

func (b *Builder) logConsole(ctx context.Context, api API, serverID string, logger *slog.Logger, level slog.Level) {
	if !logger.Enabled(ctx, level) {
		return
	}
	output, err := api.ConsoleOutput(context.WithoutCancel(ctx), serverID)
	if err != nil {
		logger.Warn("failed to fetch console output", "error", err)
		return
	}
	logger.Log(ctx, level, "build vm console output", "console", output)
}

func serverAddresses(api API, serverID string) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		server, err := api.GetServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		if server == nil {
			return nil, fmt.Errorf("server %s disappeared", serverID)
		}
		return server.IPs(), nil
	}
}

// scriptCommands are run in order for a configured customization script.
func scriptCommands(script config.ScriptConfig) []remote.Command {
	names := script.SecretNames()
	run := "sudo " + externalScriptPath
	if len(names) > 0 {
		run = fmt.Sprintf("sudo --preserve-env=%s %s", strings.Join(names, ","), externalScriptPath)
	}
	return []remote.Command{
		{
			Name:    "download external script",
			Command: fmt.Sprintf("sudo curl --fail --silent --show-error --location %s -o %s && sudo chmod +x %s", remote.ShellQuote(script.URL), externalScriptPath, externalScriptPath),
			Timeout: scriptDownloadTimeout,
		},
		{Name: "run external script", Command: run, Timeout: scriptRunTimeout, Env: script.Secrets},
		{Name: "remove external script", Command: "sudo rm " + externalScriptPath, Timeout: housekeepingTimeout},
		{Name: "flush journal", Command: "sudo journalctl --flush && sudo journalctl --rotate && sudo journalctl --merge --vacuum-size=1", Timeout: housekeepingTimeout},
		{Name: "truncate auth log", Command: "cat /dev/null | sudo tee /var/log/auth.log", Timeout: housekeepingTimeout},
	}
}

func runScript(ctx context.Context, session remote.Session, script config.ScriptConfig, logger *slog.Logger) error {
	for _, cmd := range scriptCommands(script) {
		logger.Info("running remote command", "step", cmd.Name)
		result, err := session.Run(ctx, cmd)
		if err != nil {
			return builderr.Wrap(builderr.ExternalScriptFail, err, "%s", cmd.Name)
		}
		if !result.OK() {
			return builderr.New(builderr.ExternalScriptFail, "%s exited with status %d: %s", cmd.Name, result.ExitStatus, strings.TrimSpace(result.Stderr))
		}
	}
	return nil
}

func (b *Builder) readinessPolicy() retry.Policy {
	if b.ReadinessPolicy != nil {
		return *b.ReadinessPolicy
	}
	return retry.Exponential(10)
}

func (b *Builder) transition(state State) {
	if b.OnTransition != nil {
		b.OnTransition(state)
	}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
