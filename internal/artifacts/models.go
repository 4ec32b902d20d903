package artifacts

import "time"

type ArtifactKind string

const (
	ImageArtifact     ArtifactKind = "image"      // Snapshot downloaded for replication
	BaseImageArtifact ArtifactKind = "base-image" // Upstream cloud image fetched by init
	SeedArtifact      ArtifactKind = "seed"       // NoCloud seed volume
)

type Artifact struct {
	ID   string
	Kind ArtifactKind
	URI  string

	Checksum    string
	Size        int64
	ContentType string
	CreatedAt   time.Time
	Metadata    map[string]string
}
