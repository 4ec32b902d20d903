package config

import (
	"fmt"
	"strings"
)

// BaseImage is an Ubuntu release codename used as the build VM boot disk.
type BaseImage string

const (
	Jammy BaseImage = "jammy"
	Noble BaseImage = "noble"
)

// SupportedBases lists the releases images can be built from.
func SupportedBases() []BaseImage {
	return []BaseImage{Jammy, Noble}
}

func (b BaseImage) String() string {
	return string(b)
}

// Version returns the release version, e.g. "22.04".
func (b BaseImage) Version() string {
	switch b {
	case Jammy:
		return "22.04"
	case Noble:
		return "24.04"
	default:
		return ""
	}
}

// HWEVersion is the hardware enablement kernel series installed by cloud-init.
func (b BaseImage) HWEVersion() string {
	return b.Version()
}

// ParseBase accepts a codename or a version tag.
func ParseBase(value string) (BaseImage, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "jammy", "22.04":
		return Jammy, nil
	case "noble", "24.04":
		return Noble, nil
	default:
		return "", fmt.Errorf("unsupported base image %q (supported: jammy, noble)", value)
	}
}

// ParseBases parses a list of codenames, dropping duplicates.
func ParseBases(values []string) ([]BaseImage, error) {
	seen := map[BaseImage]bool{}
	out := make([]BaseImage, 0, len(values))
	for _, value := range values {
		base, err := ParseBase(value)
		if err != nil {
			return nil, err
		}
		if seen[base] {
			continue
		}
		seen[base] = true
		out = append(out, base)
	}
	return out, nil
}
