package build

import (
	"context"

	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/publish"
	"github.com/canonical/github-runner-image-builder/internal/remote"
)

// API is the cloud surface a build touches.
type API interface {
	cloud.Compute
	publish.API
}

// SessionOpener establishes a shell session with a booted VM.
type SessionOpener interface {
	Connect(ctx context.Context, target remote.Target) (remote.Session, error)
}

// ImagePublisher converts the stopped VM into published images.
type ImagePublisher interface {
	Publish(ctx context.Context, api publish.API, serverID string, req publish.Request) ([]publish.Outcome, error)
}
