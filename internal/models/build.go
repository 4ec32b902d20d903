package models

import (
	"time"
)

// BuildStatus captures overall lifecycle states for an image build run.
type BuildStatus string

// Supported build statuses.
const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Publication is one image revision made available on one cloud.
type Publication struct {
	Cloud     string
	ImageID   string
	ImageName string
	Error     string `json:",omitempty"`
}

// BuildRun records a single build job for later inspection.
type BuildRun struct {
	ID         string
	Cloud      string
	Base       string
	Arch       string
	ImageName  string
	Status     BuildStatus
	Error      string `json:",omitempty"`
	StartedAt  time.Time
	FinishedAt time.Time

	Publications []Publication
	Metadata     map[string]string `json:",omitempty"`
}

// Succeeded reports whether the run published at least its primary image.
func (r BuildRun) Succeeded() bool {
	return r.Status == BuildStatusSucceeded
}

// ImageIDs returns the ids of all successful publications.
func (r BuildRun) ImageIDs() []string {
	ids := make([]string, 0, len(r.Publications))
	for _, p := range r.Publications {
		if p.Error == "" && p.ImageID != "" {
			ids = append(ids, p.ImageID)
		}
	}
	return ids
}
