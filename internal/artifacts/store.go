package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store stages large files (image downloads) on local disk.
type Store interface {
	Stage(src io.Reader, kind ArtifactKind, ext string, metadata map[string]string) (Artifact, error)
	Remove(artifact Artifact) error
	Clear() error
}

// LocalStore persists artifacts and a JSON metadata sidecar under BaseDir.
type LocalStore struct {
	BaseDir string
}

// Stage copies src into the store, recording its size and sha256 checksum.
func (store *LocalStore) Stage(src io.Reader, kind ArtifactKind, ext string, metadata map[string]string) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return Artifact{}, err
	}

	artifactID := uuid.NewString()
	destPath := filepath.Join(store.BaseDir, artifactID+ext)
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, err
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hash), src)
	if err != nil {
		dst.Close()
		_ = os.Remove(destPath)
		return Artifact{}, fmt.Errorf("stage %s artifact: %w", kind, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(destPath)
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         fileURI(destPath),
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		Size:        size,
		ContentType: detectContentType(destPath),
		CreatedAt:   time.Now().UTC(),
		Metadata:    cloneMetadata(metadata),
	}
	if err := writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}
	return artifact, nil
}

// Remove deletes the artifact file and its metadata document.
func (store *LocalStore) Remove(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes everything under the store's base directory.
func (store *LocalStore) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func metadataPath(path string) string {
	return path + ".json"
}

func fileURI(path string) string {
	return "file://" + path
}

// PathFromURI returns the local path of a file:// artifact URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("unsupported URI scheme")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".img", ".qcow2":
		return "application/x-qemu-disk"
	case ".iso":
		return "application/x-iso9660-image"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
