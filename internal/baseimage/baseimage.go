// Package baseimage fetches Ubuntu cloud images used to boot build VMs.
package baseimage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/artifacts"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

const DefaultMirror = "https://cloud-images.ubuntu.com"

const checksumFile = "SHA256SUMS"

// DownloadPolicy is applied to a whole download-and-verify cycle.
var DownloadPolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   5 * time.Second,
	MaxDelay:    30 * time.Second,
	Multiplier:  2,
}

// FileName is the name of the cloud image file for base and architecture.
func FileName(base config.BaseImage, architecture arch.Architecture) string {
	return fmt.Sprintf("%s-server-cloudimg-%s.img", base, architecture.CloudImageArch())
}

// Fetcher downloads and verifies cloud images into a staging store.
type Fetcher struct {
	Logger *slog.Logger
	Client *http.Client
	// Mirror replaces DefaultMirror when set.
	Mirror  string
	Staging artifacts.Store
	Policy  *retry.Policy
}

// Fetch downloads the current cloud image for base and architecture and
// returns it once its checksum matches the published SHA256SUMS.
func (f *Fetcher) Fetch(ctx context.Context, base config.BaseImage, architecture arch.Architecture) (artifacts.Artifact, error) {
	if f.Staging == nil {
		return artifacts.Artifact{}, builderr.New(builderr.BaseImageDownloadFail, "no staging store configured")
	}
	name := FileName(base, architecture)
	logger := f.logger().With("base", base, "arch", architecture)

	var staged artifacts.Artifact
	err := retry.DoNotify(ctx, f.policy(), func(ctx context.Context) error {
		want, err := f.expectedChecksum(ctx, base, name)
		if err != nil {
			return err
		}
		artifact, err := f.download(ctx, base, name)
		if err != nil {
			return err
		}
		if !strings.EqualFold(artifact.Checksum, want) {
			_ = f.Staging.Remove(artifact)
			return fmt.Errorf("checksum mismatch for %s: got %s want %s", name, artifact.Checksum, want)
		}
		staged = artifact
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("base image download failed", "attempt", attempt, "error", err, "retry_in", wait)
	})
	if err != nil {
		if ctx.Err() != nil {
			return artifacts.Artifact{}, err
		}
		return artifacts.Artifact{}, builderr.Wrap(builderr.BaseImageDownloadFail, err, "fetch %s", name)
	}
	logger.Info("base image downloaded", "file", name, "size", staged.Size, "sha256", staged.Checksum)
	return staged, nil
}

func (f *Fetcher) expectedChecksum(ctx context.Context, base config.BaseImage, name string) (string, error) {
	body, err := f.get(ctx, f.url(base, checksumFile))
	if err != nil {
		return "", err
	}
	defer body.Close()

	sum, err := ParseChecksums(body, name)
	if err != nil {
		return "", err
	}
	return sum, nil
}

func (f *Fetcher) download(ctx context.Context, base config.BaseImage, name string) (artifacts.Artifact, error) {
	body, err := f.get(ctx, f.url(base, name))
	if err != nil {
		return artifacts.Artifact{}, err
	}
	defer body.Close()

	return f.Staging.Stage(body, artifacts.BaseImageArtifact, ".img", map[string]string{
		"base": string(base),
		"file": name,
	})
}

func (f *Fetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("GET %s: %s", url, resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return resp.Body, nil
}

func (f *Fetcher) url(base config.BaseImage, file string) string {
	mirror := f.Mirror
	if mirror == "" {
		mirror = DefaultMirror
	}
	return fmt.Sprintf("%s/%s/current/%s", strings.TrimRight(mirror, "/"), base, file)
}

var errChecksumMissing = errors.New("no checksum listed")

// ParseChecksums finds the sha256 for file in a SHA256SUMS listing. Lines
// are "<hex> <name>" or "<hex> *<name>" for binary mode.
func ParseChecksums(r io.Reader, file string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		if strings.TrimPrefix(fields[1], "*") == file {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w for %s", errChecksumMissing, file)
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) policy() retry.Policy {
	if f.Policy != nil {
		return *f.Policy
	}
	return DownloadPolicy
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger.With("component", "baseimage")
	}
	return slog.Default().With("component", "baseimage")
}
