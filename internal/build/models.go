package build

import (
	"time"

	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/placement"
)

// State is a step in a build VM's life.
type State string

const (
	StateProvisioning State = "provisioning"
	StateBooting      State = "booting"
	StateReady        State = "ready"
	StateCustomizing  State = "customizing"
	StateStopped      State = "stopped"
	StateSnapshotting State = "snapshotting"
	StatePublished    State = "published"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// Job is everything needed to drive one build VM.
type Job struct {
	Request       config.BuildRequest
	Placement     placement.Selection
	BaseImageID   string
	KeyName       string
	SecurityGroup string
	UserData      []byte
}

// Timeouts applied by the builder.
const (
	DefaultCreateTimeout   = 20 * time.Minute
	DefaultDeleteTimeout   = 20 * time.Minute
	cloudInitStatusTimeout = 30 * time.Minute
	scriptDownloadTimeout  = 2 * time.Minute
	scriptRunTimeout       = 60 * time.Minute
	housekeepingTimeout    = 2 * time.Minute
)

const externalScriptPath = "/root/external.sh"
