package executor

import (
	"fmt"
	"os"
)

// SandboxMode controls whether commands are bridged to the host.
type SandboxMode string

const (
	SandboxAuto   SandboxMode = "auto"
	SandboxAlways SandboxMode = "always"
	SandboxNever  SandboxMode = "never"
)

// Defaults for the elevation helper and host bridge.
const (
	DefaultElevationHelper = "pkexec"
)

// DefaultHostBridge is the prefix that escapes a Flatpak sandbox.
var DefaultHostBridge = []string{"flatpak-spawn", "--host"}

// flatpakInfoPath exists inside every Flatpak sandbox.
var flatpakInfoPath = "/.flatpak-info"

// ParseSandboxMode validates a textual sandbox mode. Empty maps to auto.
func ParseSandboxMode(s string) (SandboxMode, error) {
	switch SandboxMode(s) {
	case "", SandboxAuto:
		return SandboxAuto, nil
	case SandboxAlways:
		return SandboxAlways, nil
	case SandboxNever:
		return SandboxNever, nil
	default:
		return "", fmt.Errorf("invalid sandbox mode %q (want auto, always or never)", s)
	}
}

// InSandbox reports whether the process runs inside a Flatpak sandbox.
func InSandbox() bool {
	if os.Getenv("FLATPAK_ID") != "" {
		return true
	}
	_, err := os.Stat(flatpakInfoPath)
	return err == nil
}

func (m SandboxMode) resolve() bool {
	switch m {
	case SandboxAlways:
		return true
	case SandboxNever:
		return false
	default:
		return InSandbox()
	}
}

// elevatedArgv returns the argv for cmd with the elevation helper applied
// when requested. The caller's identity is never consulted: an explicit
// Privileged flag always elevates, and an unprivileged command never does.
func (x *Executor) elevatedArgv(cmd Command) []string {
	argv := make([]string, 0, len(cmd.Args)+len(x.elevation)+1)
	if cmd.Privileged {
		argv = append(argv, x.elevation...)
	}
	argv = append(argv, cmd.Name)
	argv = append(argv, cmd.Args...)
	return argv
}

// BuildArgv returns the exact argument vector Execute will spawn,
// including the host bridge when sandboxed. The bridge is always the
// outermost prefix so elevation happens on the host.
func (x *Executor) BuildArgv(cmd Command) []string {
	inner := x.elevatedArgv(cmd)
	if !x.sandboxed || len(x.hostBridge) == 0 {
		return inner
	}
	argv := make([]string, 0, len(x.hostBridge)+len(inner))
	argv = append(argv, x.hostBridge...)
	return append(argv, inner...)
}

// Sandboxed reports whether commands are being bridged to the host.
func (x *Executor) Sandboxed() bool {
	return x.sandboxed
}
