package baseimage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/artifacts"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

func sum(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

func mirror(t *testing.T, image string, listed string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/noble/current/SHA256SUMS", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "%s *noble-server-cloudimg-arm64.img\n%s *noble-server-cloudimg-amd64.img\n", sum("other"), listed)
	})
	mux.HandleFunc("/noble/current/noble-server-cloudimg-amd64.img", func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		fmt.Fprint(w, image)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

func TestFileName(t *testing.T) {
	t.Parallel()

	if got := FileName(config.Jammy, arch.ARM64); got != "jammy-server-cloudimg-arm64.img" {
		t.Fatalf("unexpected file name: got %q", got)
	}
	if got := FileName(config.Noble, arch.X64); got != "noble-server-cloudimg-amd64.img" {
		t.Fatalf("unexpected file name: got %q", got)
	}
}

func TestParseChecksums(t *testing.T) {
	t.Parallel()

	listing := "ABC123 *a.img\nnot a checksum line at all\ndef456  b.img\n"
	got, err := ParseChecksums(strings.NewReader(listing), "b.img")
	if err != nil || got != "def456" {
		t.Fatalf("unexpected checksum: got %q err %v", got, err)
	}
	got, err = ParseChecksums(strings.NewReader(listing), "a.img")
	if err != nil || got != "abc123" {
		t.Fatalf("unexpected checksum: got %q err %v", got, err)
	}
	if _, err := ParseChecksums(strings.NewReader(listing), "c.img"); err == nil {
		t.Fatal("expected error for unlisted file")
	}
}

func TestFetchVerifiesChecksum(t *testing.T) {
	t.Parallel()

	srv, downloads := mirror(t, "disk bytes", sum("disk bytes"))
	f := &Fetcher{
		Client:  srv.Client(),
		Mirror:  srv.URL,
		Staging: &artifacts.LocalStore{BaseDir: t.TempDir()},
		Policy:  &retry.Policy{MaxAttempts: 3},
	}

	artifact, err := f.Fetch(context.Background(), config.Noble, arch.X64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if artifact.Kind != artifacts.BaseImageArtifact {
		t.Fatalf("unexpected kind: got %q", artifact.Kind)
	}
	path, err := artifacts.PathFromURI(artifact.URI)
	if err != nil {
		t.Fatalf("unexpected uri: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "disk bytes" {
		t.Fatalf("unexpected staged content: %q err %v", data, err)
	}
	if downloads.Load() != 1 {
		t.Fatalf("unexpected downloads: got %d want 1", downloads.Load())
	}
}

func TestFetchRetriesOnMismatch(t *testing.T) {
	t.Parallel()

	srv, downloads := mirror(t, "corrupted", sum("disk bytes"))
	dir := t.TempDir()
	f := &Fetcher{
		Client:  srv.Client(),
		Mirror:  srv.URL,
		Staging: &artifacts.LocalStore{BaseDir: dir},
		Policy:  &retry.Policy{MaxAttempts: 3},
	}

	_, err := f.Fetch(context.Background(), config.Noble, arch.X64)
	if !builderr.Is(err, builderr.BaseImageDownloadFail) {
		t.Fatalf("unexpected error: %v", err)
	}
	if downloads.Load() != 3 {
		t.Fatalf("unexpected downloads: got %d want 3", downloads.Load())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected mismatched downloads to be removed, found %d entries", len(entries))
	}
}

func TestFetchMissingImageIsNotRetried(t *testing.T) {
	t.Parallel()

	srv, _ := mirror(t, "disk bytes", sum("disk bytes"))
	f := &Fetcher{
		Client:  srv.Client(),
		Mirror:  srv.URL,
		Staging: &artifacts.LocalStore{BaseDir: t.TempDir()},
		Policy:  &retry.Policy{MaxAttempts: 3},
	}

	_, err := f.Fetch(context.Background(), config.Jammy, arch.X64)
	if !builderr.Is(err, builderr.BaseImageDownloadFail) {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected a single attempt for a missing file: %v", err)
	}
}
