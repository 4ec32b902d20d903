package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStageRecordsChecksum(t *testing.T) {
	t.Parallel()

	store := &LocalStore{BaseDir: filepath.Join(t.TempDir(), "staging")}
	artifact, err := store.Stage(strings.NewReader("hello"), ImageArtifact, ".img", map[string]string{"image": "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if artifact.Checksum != want {
		t.Fatalf("unexpected checksum: got %q want %q", artifact.Checksum, want)
	}
	if artifact.Size != 5 {
		t.Fatalf("unexpected size: got %d want %d", artifact.Size, 5)
	}

	path, err := PathFromURI(artifact.URI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path + ".json"); err != nil {
		t.Fatalf("expected metadata sidecar: %v", err)
	}

	if err := store.Remove(artifact); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact to be removed, got %v", err)
	}
}

func TestClearMissingDirectory(t *testing.T) {
	t.Parallel()

	store := &LocalStore{BaseDir: filepath.Join(t.TempDir(), "absent")}
	if err := store.Clear(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPathFromURIRejectsOtherSchemes(t *testing.T) {
	t.Parallel()

	if _, err := PathFromURI("s3://bucket/key"); err == nil {
		t.Fatal("expected error for non-file URI")
	}
}
