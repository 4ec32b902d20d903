package cloudinit

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/config"
)

func TestRenderSubstitutesParams(t *testing.T) {
	t.Parallel()

	script, err := Render(ParamsFor(config.Noble, arch.ARM64, "2.317.0", "http://proxy:3128"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := string(script)
	for _, fragment := range []string{
		"#!/bin/bash",
		"linux-generic-hwe-24.04",
		`local version="2.317.0"`,
		"actions-runner-linux-arm64-",
		"https_proxy=http://proxy:3128",
		"python-is-python3 shellcheck",
	} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("expected %q in rendered script", fragment)
		}
	}
}

func TestRenderWithoutProxy(t *testing.T) {
	t.Parallel()

	script, err := Render(ParamsFor(config.Jammy, arch.X64, "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(script), "proxy") {
		t.Fatal("expected no proxy configuration")
	}
	if !strings.Contains(string(script), "linux-generic-hwe-22.04") {
		t.Fatal("expected jammy hwe kernel")
	}
}

func TestWriteSeedISO(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.iso")
	if err := WriteSeedISO(path, "builder", []byte("#!/bin/bash\necho hi\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open iso: %v", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("read iso: %v", err)
	}
	label, err := image.Label()
	if err != nil {
		t.Fatalf("read label: %v", err)
	}
	if !strings.EqualFold(label, SeedVolumeLabel) {
		t.Fatalf("unexpected label: got %q want %q", label, SeedVolumeLabel)
	}

	root, err := image.RootDir()
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("list root: %v", err)
	}
	found := false
	for _, child := range children {
		name := strings.ReplaceAll(strings.ToLower(child.Name()), "_", "-")
		if strings.HasPrefix(name, "user-data") {
			data, err := io.ReadAll(child.Reader())
			if err != nil {
				t.Fatalf("read user-data: %v", err)
			}
			found = strings.Contains(string(data), "echo hi")
		}
	}
	if !found {
		t.Fatal("expected user-data on the seed image")
	}
}
