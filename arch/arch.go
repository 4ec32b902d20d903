package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture identifies the runner architecture an image is built for.
type Architecture string

const (
	ARM64 Architecture = "arm64"
	X64   Architecture = "x64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{ARM64, X64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case ARM64, X64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// CloudArch is the value stored in the image "architecture" property.
func (a Architecture) CloudArch() string {
	switch a {
	case ARM64:
		return "aarch64"
	case X64:
		return "x86_64"
	default:
		return ""
	}
}

// CloudImageArch is the suffix used by cloud-images.ubuntu.com file names.
func (a Architecture) CloudImageArch() string {
	switch a {
	case ARM64:
		return "arm64"
	case X64:
		return "amd64"
	default:
		return ""
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Architecture {
	arch, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return arch
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X64), "amd64", "x86_64", "x86-64":
		return X64
	case string(ARM64), "aarch64":
		return ARM64
	default:
		return ""
	}
}

// Host returns the architecture of the running process.
func Host() (Architecture, error) {
	return Parse(runtime.GOARCH)
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
