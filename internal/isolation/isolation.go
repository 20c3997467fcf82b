// Package isolation implements the Isolation Driver (C1): the narrow
// {create, start, exec, reset, stop, remove} contract over a sandboxed
// execution environment described in spec.md §4.1. It generalizes the
// teacher's md-CLI container wrapper (container.Ops) from a single
// git-branch-scoped mount into a three-mount, host-callback-aware, reset-
// capable driver.
package isolation

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPrerequisiteMissing is returned by EnsureAvailable when the underlying
// runtime is unreachable or the configured image cannot be resolved.
var ErrPrerequisiteMissing = errors.New("isolation: prerequisite missing")

// ErrProvisionFailed is returned by Provision on setup failure.
var ErrProvisionFailed = errors.New("isolation: provision failed")

// ErrResetFailed is returned by Reset when the post-condition (running,
// empty, no surviving processes) cannot be established. Per spec.md §4.1
// and §7, this is treated by the Loop Controller as an unrecoverable
// blocker for the current run.
var ErrResetFailed = errors.New("isolation: reset failed")

// ErrExecFailed is returned by Exec on a transport-level failure (distinct
// from a non-zero exit code, which is reported via Outcome).
var ErrExecFailed = errors.New("isolation: exec failed")

// Mount describes one bind mount into the environment.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Spec describes the environment to provision.
type Spec struct {
	Image  string
	Mounts []Mount
	// ExtraHosts maps a hostname to an IP/alias the environment should be
	// able to resolve, used for host-callback reachability (spec.md §4.1).
	ExtraHosts map[string]string
	// Labels are attached to the environment for later discovery (orphan
	// cleanup on resume, keep-for-debug marking).
	Labels map[string]string
	// ReadySentinel is a command run after start to confirm the
	// environment is ready to accept Exec calls.
	ReadySentinel []string
}

// Handle identifies a provisioned environment.
type Handle struct {
	ID string
}

// Outcome is the result of an Exec call.
type Outcome struct {
	ExitCode int
	TimedOut bool
}

// Driver is the narrow contract the Loop Controller depends on. Any
// compliant implementation suffices, per spec.md §4.1.
type Driver interface {
	// EnsureAvailable validates the runtime is reachable and the
	// configured image exists or is pullable. Called once at Supervisor
	// start.
	EnsureAvailable(ctx context.Context, image string) error

	// Provision starts a long-running environment satisfying spec and
	// waits for the ready sentinel to succeed.
	Provision(ctx context.Context, spec Spec) (Handle, error)

	// Exec runs argv inside the environment, draining stdout/stderr fully
	// into the given sinks. On timeout the in-environment process is
	// killed and a synthetic non-zero exit code is returned with
	// TimedOut=true.
	Exec(ctx context.Context, h Handle, argv []string, env map[string]string, timeout time.Duration, stdout, stderr io.Writer) (Outcome, error)

	// Reset produces a state observationally indistinguishable from a
	// freshly Provisioned environment: same mounts, empty working
	// directory, no surviving processes. Verifies the post-condition
	// before returning; on mismatch returns ErrResetFailed.
	Reset(ctx context.Context, h Handle, spec Spec) (Handle, error)

	// Destroy tears down the environment. If keepForDebug, the
	// environment is left running and labelled for inspection instead of
	// being removed.
	Destroy(ctx context.Context, h Handle, keepForDebug bool) error
}
