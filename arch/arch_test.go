package arch

import "testing"

func TestNormalizeAliases(t *testing.T) {
	t.Parallel()

	cases := map[string]Architecture{
		"x64":     X64,
		"AMD64":   X64,
		"x86_64":  X64,
		"arm64":   ARM64,
		" aarch64": ARM64,
		"riscv64": "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("unexpected architecture for %q: got %q want %q", in, got, want)
		}
	}
}

func TestCloudNames(t *testing.T) {
	t.Parallel()

	if got := X64.CloudArch(); got != "x86_64" {
		t.Fatalf("unexpected cloud arch: got %q want %q", got, "x86_64")
	}
	if got := ARM64.CloudArch(); got != "aarch64" {
		t.Fatalf("unexpected cloud arch: got %q want %q", got, "aarch64")
	}
	if got := X64.CloudImageArch(); got != "amd64" {
		t.Fatalf("unexpected image arch: got %q want %q", got, "amd64")
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Parse("s390x"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}
