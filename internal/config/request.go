package config

import (
	"fmt"
	"strings"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
)

// SharedSecurityGroupName is the security group every build VM joins.
const SharedSecurityGroupName = "github-runner-image-builder-v1"

// DefaultRetention is the number of image revisions kept per name.
const DefaultRetention = 5

// ScriptConfig points at an optional customization script and the secrets
// exposed to it.
type ScriptConfig struct {
	URL     string
	Secrets map[string]string
}

// Enabled reports whether a script should be run.
func (s ScriptConfig) Enabled() bool {
	return s.URL != ""
}

// SecretNames returns the secret keys, in a stable order.
func (s ScriptConfig) SecretNames() []string {
	return sortedKeys(s.Secrets)
}

// BuildRequest is one image build job.
type BuildRequest struct {
	Arch          arch.Architecture
	Base          BaseImage
	RunnerVersion string
	Script        ScriptConfig
	ImageName     string
	Prefix        string
	CloudName     string
	UploadClouds  []string
	Retention     int
	Proxy         string
	Flavor        string
	Network       string
}

// Validate checks the request for values the pipeline cannot work with.
func (r BuildRequest) Validate() error {
	if !r.Arch.IsValid() {
		return builderr.New(builderr.InvalidConfig, "unsupported architecture %q", r.Arch)
	}
	if r.Base.Version() == "" {
		return builderr.New(builderr.InvalidConfig, "unsupported base image %q", r.Base)
	}
	if r.Retention < 1 {
		return builderr.New(builderr.InvalidConfig, "retention must be at least 1, got %d", r.Retention)
	}
	if r.CloudName == "" {
		return builderr.New(builderr.InvalidConfig, "cloud name is required")
	}
	if r.RunnerVersion != "" && strings.ContainsAny(r.RunnerVersion, " \t\n'\"") {
		return builderr.New(builderr.InvalidConfig, "invalid runner version %q", r.RunnerVersion)
	}
	return nil
}

// BuilderName is the deterministic name of the build VM for this request.
func (r BuildRequest) BuilderName() string {
	return withPrefix(r.Prefix, fmt.Sprintf("%s-%s-builder", r.Base, r.Arch))
}

// OutputImageName is the name published images are stored under.
func (r BuildRequest) OutputImageName() string {
	if r.ImageName != "" {
		return r.ImageName
	}
	return DefaultImageName(r.Prefix, r.Base, r.Arch)
}

// KeypairName is the cloud keypair the build VM is created with.
func (r BuildRequest) KeypairName() string {
	return KeypairName(r.Prefix)
}

// BaseImageName is the name of the uploaded upstream image the VM boots from.
func (r BuildRequest) BaseImageName() string {
	return BaseImageName(r.Prefix, r.Base, r.Arch)
}

// DefaultImageName is "{prefix}-{base}-{arch}".
func DefaultImageName(prefix string, base BaseImage, architecture arch.Architecture) string {
	return withPrefix(prefix, fmt.Sprintf("%s-%s", base, architecture))
}

// KeypairName is "{prefix}-image-builder-ssh-key".
func KeypairName(prefix string) string {
	return withPrefix(prefix, "image-builder-ssh-key")
}

// BaseImageName is "{prefix}-image-builder-base-{base}-{arch}".
func BaseImageName(prefix string, base BaseImage, architecture arch.Architecture) string {
	return withPrefix(prefix, fmt.Sprintf("image-builder-base-%s-%s", base, architecture))
}

func withPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}
