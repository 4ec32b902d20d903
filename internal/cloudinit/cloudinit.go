// Package cloudinit renders the first-boot script run on build VMs.
package cloudinit

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/config"
)

//go:embed assets/cloud-init.sh.tmpl
var embeddedScript string

var scriptTemplate = template.Must(template.New("cloud-init.sh").Parse(embeddedScript))

// DefaultAPTPackages are installed on every runner image.
var DefaultAPTPackages = []string{
	"build-essential",
	"docker.io",
	"gh",
	"jq",
	"npm",
	"python3-dev",
	"python3-pip",
	"python-is-python3",
	"shellcheck",
	"tar",
	"time",
	"unzip",
	"wget",
}

// Params are the values substituted into the script.
type Params struct {
	ProxyURL      string
	APTPackages   string
	HWEVersion    string
	RunnerVersion string
	RunnerArch    string
}

// ParamsFor derives script parameters for a build.
func ParamsFor(base config.BaseImage, architecture arch.Architecture, runnerVersion, proxy string) Params {
	return Params{
		ProxyURL:      proxy,
		APTPackages:   strings.Join(DefaultAPTPackages, " "),
		HWEVersion:    base.HWEVersion(),
		RunnerVersion: runnerVersion,
		RunnerArch:    architecture.String(),
	}
}

// WithPackages replaces the APT package list.
func (p Params) WithPackages(packages []string) Params {
	p.APTPackages = strings.Join(packages, " ")
	return p
}

// Render produces the user-data script.
func Render(params Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("render cloud-init script: %w", err)
	}
	return buf.Bytes(), nil
}

// SeedVolumeLabel is the label cloud-init's NoCloud datasource looks for.
const SeedVolumeLabel = "cidata"

// WriteSeedISO writes a NoCloud seed image holding userData, for booting the
// builder image on hypervisors without a metadata service.
func WriteSeedISO(path, hostname string, userData []byte) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", uuid.NewString(), hostname)
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return fmt.Errorf("add meta-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader(userData), "user-data"); err != nil {
		return fmt.Errorf("add user-data: %w", err)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create seed image: %w", err)
	}
	defer out.Close()

	if err := writer.WriteTo(out, SeedVolumeLabel); err != nil {
		return fmt.Errorf("write seed image: %w", err)
	}
	return nil
}
