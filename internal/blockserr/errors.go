// Package blockserr defines the sum type of error kinds that every
// block-conversion pipeline can return. Each kind carries the context a
// caller needs to decide the exit code and, for the kinds that leave the
// device in a state requiring attention, to print a recovery recipe.
package blockserr

import (
	"errors"
	"fmt"
)

// UnsupportedSuperblock is returned when a probe did not recognize the
// on-disk layout, or recognized it but found a version outside the set
// this package round-trips.
type UnsupportedSuperblock struct {
	Device  string
	Details string
}

func (e *UnsupportedSuperblock) Error() string {
	return fmt.Sprintf("unsupported superblock on %s: %s", e.Device, e.Details)
}

// UnsupportedLayout is returned when an on-disk structure is recognized but
// has a shape this package does not implement, e.g. an LVM segment that is
// not linear/single-stripe.
type UnsupportedLayout struct {
	Details string
}

func (e *UnsupportedLayout) Error() string {
	return fmt.Sprintf("unsupported layout: %s", e.Details)
}

// CantShrink is returned when the filesystem is full, or is of a kind
// (XFS) that forbids shrinking altogether.
type CantShrink struct {
	Device string
	Reason string
}

func (e *CantShrink) Error() string {
	return fmt.Sprintf("cannot shrink %s: %s", e.Device, e.Reason)
}

// OverlappingPartition is returned when reserving space before a partition
// failed because that space is already occupied by another partition.
type OverlappingPartition struct {
	Device string
	Detail string
}

func (e *OverlappingPartition) Error() string {
	return fmt.Sprintf("cannot reserve space before partition on %s: %s", e.Device, e.Detail)
}

// MissingRequirement is returned when a required external tool is absent
// from PATH.
type MissingRequirement struct {
	Cmd string
	Pkg string
}

func (e *MissingRequirement) Error() string {
	if e.Pkg != "" {
		return fmt.Sprintf("missing required command %q (install package %q)", e.Cmd, e.Pkg)
	}
	return fmt.Sprintf("missing required command %q", e.Cmd)
}

// DeviceBusy is returned when an exclusive open was refused by the kernel,
// typically because the device is mounted or otherwise held open elsewhere.
type DeviceBusy struct {
	Device string
}

func (e *DeviceBusy) Error() string {
	return fmt.Sprintf("device busy (mounted or held open): %s", e.Device)
}

// ExternalCommandFailed wraps any non-zero exit from a spawned tool.
type ExternalCommandFailed struct {
	Argv   []string
	Status int
	Stderr string
}

func (e *ExternalCommandFailed) Error() string {
	return fmt.Sprintf("command %v exited %d: %s", e.Argv, e.Status, e.Stderr)
}

// RecoveryRequired wraps an error that left the device mid-mutation,
// requiring the operator to follow the attached recipe by hand. It is
// returned by internal/layer's BCacheBacking when a backing device does
// not attach to its cache set within the timeout.
type RecoveryRequired struct {
	Err    error
	Recipe string
}

func (e *RecoveryRequired) Error() string {
	return fmt.Sprintf("%v (manual recovery required)", e.Err)
}

func (e *RecoveryRequired) Unwrap() error { return e.Err }

func IsCantShrink(err error) bool {
	_, ok := err.(*CantShrink)
	return ok
}

func IsDeviceBusy(err error) bool {
	_, ok := err.(*DeviceBusy)
	return ok
}

func IsUnsupportedSuperblock(err error) bool {
	_, ok := err.(*UnsupportedSuperblock)
	return ok
}

func IsOverlappingPartition(err error) bool {
	_, ok := err.(*OverlappingPartition)
	return ok
}

// Kind returns a short, stable name for err's blockserr type, or ""
// for an error this package didn't produce — used by internal/history
// to record which kind of failure a run ended with.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*RecoveryRequired)):
		return "RecoveryRequired"
	case errors.As(err, new(*UnsupportedSuperblock)):
		return "UnsupportedSuperblock"
	case errors.As(err, new(*UnsupportedLayout)):
		return "UnsupportedLayout"
	case errors.As(err, new(*CantShrink)):
		return "CantShrink"
	case errors.As(err, new(*OverlappingPartition)):
		return "OverlappingPartition"
	case errors.As(err, new(*MissingRequirement)):
		return "MissingRequirement"
	case errors.As(err, new(*DeviceBusy)):
		return "DeviceBusy"
	case errors.As(err, new(*ExternalCommandFailed)):
		return "ExternalCommandFailed"
	default:
		return ""
	}
}

// ExitCode maps err to one of spec.md §6's three exit codes: 0 is the
// caller's job to return on a nil error, 1 marks a user error (bad
// input, unsupported on-disk state, a missing tool), and 2 marks an
// internal bail (an external command misbehaved, or a mutation was
// left half-done and needs manual recovery).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.As(err, new(*RecoveryRequired)) {
		return 2
	}
	switch {
	case errors.As(err, new(*UnsupportedSuperblock)),
		errors.As(err, new(*UnsupportedLayout)),
		errors.As(err, new(*CantShrink)),
		errors.As(err, new(*OverlappingPartition)),
		errors.As(err, new(*MissingRequirement)),
		errors.As(err, new(*DeviceBusy)):
		return 1
	default:
		return 2
	}
}
