// Package maintboot implements the BLOCKS_ARGS environment contract
// spec.md places out of scope beyond that hand-off: `to-bcache
// --maintboot` needs to shape correctly-formed arguments for an
// external maintenance-boot bootstrap, without this module owning that
// bootstrap's implementation.
//
// Grounded on original_source/maintboot_operations.cpp's
// call_maintboot/parse_maintboot_args: a JSON object with "command" and
// "device" (the filesystem UUID) plus caller-supplied extra keys,
// URL-encoded into a single environment variable.
package maintboot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/superfly/blocks/internal/extutil"
)

// pkgs is call_maintboot's fixed --pkgs argument: the tool set the
// maintenance-boot environment needs to run any retrofit command.
const pkgs = "python3-blocks util-linux dash mount base-files libc-bin nilfs-tools reiserfsprogs xfsprogs e2fsprogs btrfs-tools lvm2 cryptsetup-bin bcache-tools"

const initscript = "/usr/share/blocks/maintboot.init"

// Args is the payload carried in BLOCKS_ARGS: the command name, the
// target device's filesystem UUID, and any command-specific extras.
type Args struct {
	Command string
	Device  string // filesystem UUID, not a devpath — survives device renumbering
	Extra   map[string]string
}

// EncodeArgs renders a as the URL-encoded JSON string BLOCKS_ARGS
// carries, ready to append to an "--append BLOCKS_ARGS=..." maintboot
// invocation argument.
func EncodeArgs(a Args) (string, error) {
	if a.Device == "" {
		return "", fmt.Errorf("maintboot: device UUID is required")
	}
	m := map[string]string{"command": a.Command, "device": a.Device}
	for k, v := range a.Extra {
		if k == "command" || k == "device" {
			return "", fmt.Errorf("maintboot: extra argument %q collides with a reserved key", k)
		}
		m[k] = v
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("maintboot: encoding args: %w", err)
	}
	return url.QueryEscape(string(body)), nil
}

// DecodeArgs parses a BLOCKS_ARGS value produced by EncodeArgs (or by
// the maintboot bootstrap's own environment), the inverse operation
// parse_maintboot_args performs on the other end of the hand-off.
func DecodeArgs(raw string) (Args, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return Args{}, fmt.Errorf("maintboot: url-decoding BLOCKS_ARGS: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(decoded), &m); err != nil {
		return Args{}, fmt.Errorf("maintboot: parsing BLOCKS_ARGS json: %w", err)
	}
	a := Args{Command: m["command"], Device: m["device"], Extra: map[string]string{}}
	if a.Device == "" {
		return Args{}, fmt.Errorf("maintboot: BLOCKS_ARGS is missing the device field")
	}
	for k, v := range m {
		if k == "command" || k == "device" {
			continue
		}
		a.Extra[k] = v
	}
	return a, nil
}

// Invoke hands a off to the external maintboot bootstrap, mirroring
// call_maintboot's invocation shape exactly: the fixed --pkgs and
// --initscript arguments, and BLOCKS_ARGS carried through --append.
func Invoke(ctx context.Context, runner *extutil.Runner, a Args) error {
	if runner == nil {
		runner = extutil.New()
	}
	encoded, err := EncodeArgs(a)
	if err != nil {
		return err
	}
	if _, err := runner.Run(ctx, "maintboot",
		"--pkgs", pkgs,
		"--initscript", initscript,
		"--append", "BLOCKS_ARGS="+encoded,
	); err != nil {
		return fmt.Errorf("maintboot: invoking bootstrap for command %q: %w", a.Command, err)
	}
	return nil
}
