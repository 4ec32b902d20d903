// Package builderr defines the failure taxonomy shared by the image builder
// components.
package builderr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it.
type Kind string

const (
	AddressNotFound          Kind = "address_not_found"
	CloudInitFail            Kind = "cloud_init_fail"
	ExternalScriptFail       Kind = "external_script_fail"
	FlavorNotFound           Kind = "flavor_not_found"
	FlavorRequirementsNotMet Kind = "flavor_requirements_not_met"
	NetworkNotFound          Kind = "network_not_found"
	UploadImageFail          Kind = "upload_image_fail"
	SnapshotTimeout          Kind = "snapshot_timeout"
	ResourceReconcileFail    Kind = "resource_reconcile_fail"
	BuildBatchFail           Kind = "build_batch_fail"
	ImagePruneFail           Kind = "image_prune_fail"
	CloudsConfigFail         Kind = "clouds_config_fail"
	InvalidConfig            Kind = "invalid_config"
	BaseImageDownloadFail    Kind = "base_image_download_fail"
)

// Error is a classified builder failure. Resource optionally names the cloud
// object involved (image id, flavor name, ...).
type Error struct {
	Kind     Kind
	Message  string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = e.Message
	}
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, New(kind, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it reachable through errors.Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithResource returns a copy of e naming the affected resource.
func (e *Error) WithResource(resource string) *Error {
	clone := *e
	clone.Resource = resource
	return &clone
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return "", false
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var classified *Error
		if !errors.As(err, &classified) {
			return false
		}
		if classified.Kind == kind {
			return true
		}
		err = classified.Err
	}
	return false
}

// ResourceOf returns the resource recorded on the first error of the given kind.
func ResourceOf(err error, kind Kind) string {
	for err != nil {
		var classified *Error
		if !errors.As(err, &classified) {
			return ""
		}
		if classified.Kind == kind {
			return classified.Resource
		}
		err = classified.Err
	}
	return ""
}
