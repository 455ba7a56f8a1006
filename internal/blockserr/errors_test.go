package blockserr

import "testing"

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"unsupported superblock", &UnsupportedSuperblock{Device: "/dev/sda1"}, "UnsupportedSuperblock"},
		{"unsupported layout", &UnsupportedLayout{Details: "striped LV"}, "UnsupportedLayout"},
		{"cant shrink", &CantShrink{Device: "/dev/sda1", Reason: "xfs"}, "CantShrink"},
		{"overlapping partition", &OverlappingPartition{Device: "/dev/sda"}, "OverlappingPartition"},
		{"missing requirement", &MissingRequirement{Cmd: "lvm"}, "MissingRequirement"},
		{"device busy", &DeviceBusy{Device: "/dev/sda1"}, "DeviceBusy"},
		{"recovery required", &RecoveryRequired{Err: &DeviceBusy{Device: "/dev/sda1"}}, "RecoveryRequired"},
		{"external command failed", &ExternalCommandFailed{Argv: []string{"lvm"}, Status: 5}, "ExternalCommandFailed"},
		{"plain error", errUnknown{}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Kind(c.err); got != c.want {
				t.Errorf("Kind(%v) = %q, want %q", c.err, got, c.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"unsupported superblock", &UnsupportedSuperblock{Device: "/dev/sda1"}, 1},
		{"unsupported layout", &UnsupportedLayout{Details: "striped LV"}, 1},
		{"cant shrink", &CantShrink{Device: "/dev/sda1", Reason: "xfs"}, 1},
		{"overlapping partition", &OverlappingPartition{Device: "/dev/sda"}, 1},
		{"missing requirement", &MissingRequirement{Cmd: "lvm"}, 1},
		{"device busy", &DeviceBusy{Device: "/dev/sda1"}, 1},
		{"recovery required", &RecoveryRequired{Err: &DeviceBusy{Device: "/dev/sda1"}}, 2},
		{"external command failed", &ExternalCommandFailed{Argv: []string{"lvm"}, Status: 5}, 2},
		{"plain error", errUnknown{}, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ExitCode(c.err); got != c.want {
				t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

type errUnknown struct{}

func (errUnknown) Error() string { return "unknown" }
