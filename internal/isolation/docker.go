package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Docker implements Driver by shelling out to the docker CLI, the same
// os/exec.CommandContext + stderr-buffer-on-failure idiom the teacher uses
// for its own `md`/`git` wrapper commands (container/container.go).
type Docker struct {
	// Bin is the docker binary name or path; defaults to "docker".
	Bin string
}

func (d *Docker) bin() string {
	if d.Bin == "" {
		return "docker"
	}
	return d.Bin
}

// EnsureAvailable runs `docker info` to confirm the daemon is reachable,
// then `docker image inspect` (falling back to `docker pull`) to confirm
// the image is usable.
func (d *Docker) EnsureAvailable(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, d.bin(), "info") //nolint:gosec // fixed args, no user input.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: docker info: %v: %s", ErrPrerequisiteMissing, err, stderr.String())
	}
	if image == "" {
		return nil
	}
	inspect := exec.CommandContext(ctx, d.bin(), "image", "inspect", image) //nolint:gosec // image comes from trusted config.
	if err := inspect.Run(); err == nil {
		return nil
	}
	slog.Info("pulling isolation image", "image", image)
	pull := exec.CommandContext(ctx, d.bin(), "pull", image) //nolint:gosec // image comes from trusted config.
	var pullErr bytes.Buffer
	pull.Stderr = &pullErr
	if err := pull.Run(); err != nil {
		return fmt.Errorf("%w: pull image %s: %v: %s", ErrPrerequisiteMissing, image, err, pullErr.String())
	}
	return nil
}

// Provision starts an idle long-running container (sleep infinity) with
// the requested mounts, extra-host mappings, and labels, then runs the
// ready sentinel.
func (d *Docker) Provision(ctx context.Context, spec Spec) (Handle, error) {
	args := []string{"run", "-d"}
	for _, m := range spec.Mounts {
		flag := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			flag += ":ro"
		}
		args = append(args, "-v", flag)
	}
	for host, ip := range sortedHosts(spec.ExtraHosts) {
		args = append(args, "--add-host", fmt.Sprintf("%s:%s", host, ip))
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image, "sleep", "infinity")

	cmd := exec.CommandContext(ctx, d.bin(), args...) //nolint:gosec // args built from trusted Spec, not raw user input.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Handle{}, fmt.Errorf("%w: docker run: %v: %s", ErrProvisionFailed, err, stderr.String())
	}
	id := strings.TrimSpace(stdout.String())
	h := Handle{ID: id}

	if len(spec.ReadySentinel) > 0 {
		var sentinelStderr bytes.Buffer
		out, err := d.Exec(ctx, h, spec.ReadySentinel, nil, 30*time.Second, io.Discard, &sentinelStderr)
		if err != nil {
			return Handle{}, fmt.Errorf("%w: ready sentinel: %v", ErrProvisionFailed, err)
		}
		if out.TimedOut {
			return Handle{}, fmt.Errorf("%w: ready sentinel timed out", ErrProvisionFailed)
		}
		if out.ExitCode != 0 {
			return Handle{}, fmt.Errorf("%w: ready sentinel exited %d: %s", ErrProvisionFailed, out.ExitCode, strings.TrimSpace(sentinelStderr.String()))
		}
	}
	return h, nil
}

// Exec runs argv inside the container via `docker exec`, draining stdout
// and stderr into the given sinks. On timeout the process is killed and a
// synthetic failure outcome is returned.
func (d *Docker) Exec(ctx context.Context, h Handle, argv []string, env map[string]string, timeout time.Duration, stdout, stderr io.Writer) (Outcome, error) {
	if len(argv) == 0 {
		return Outcome{}, fmt.Errorf("%w: empty argv", ErrExecFailed)
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"exec"}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, h.ID)
	args = append(args, argv...)

	cmd := exec.CommandContext(runCtx, d.bin(), args...) //nolint:gosec // args built from trusted caller-supplied argv/env.
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	if runCtx.Err() != nil {
		return Outcome{ExitCode: -1, TimedOut: true}, nil
	}
	if err == nil {
		return Outcome{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{ExitCode: exitErr.ExitCode()}, nil
	}
	return Outcome{}, fmt.Errorf("%w: %v", ErrExecFailed, err)
}

// Reset destroys and re-provisions the environment, then verifies the
// working directory is empty and the container is running before
// returning — the "recreate-from-image" strategy spec.md §4.1 allows.
func (d *Docker) Reset(ctx context.Context, h Handle, spec Spec) (Handle, error) {
	if h.ID != "" {
		stop := exec.CommandContext(ctx, d.bin(), "stop", "-t", "5", h.ID) //nolint:gosec // h.ID is our own provisioned container id.
		_ = stop.Run()
		rm := exec.CommandContext(ctx, d.bin(), "rm", "-f", h.ID) //nolint:gosec
		_ = rm.Run()
	}

	newHandle, err := d.Provision(ctx, spec)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: re-provision: %v", ErrResetFailed, err)
	}

	// Verify post-condition: running, and the read-write workdir mount is
	// empty.
	var workdir string
	for _, m := range spec.Mounts {
		if !m.ReadOnly {
			workdir = m.ContainerPath
			break
		}
	}
	if workdir != "" {
		var out bytes.Buffer
		if _, err := d.Exec(ctx, newHandle, []string{"sh", "-c", "ls -A " + shellQuote(workdir)}, nil, 10*time.Second, &out, io.Discard); err != nil {
			return Handle{}, fmt.Errorf("%w: verify empty workdir: %v", ErrResetFailed, err)
		}
		if strings.TrimSpace(out.String()) != "" {
			return Handle{}, fmt.Errorf("%w: workdir %s not empty after reset", ErrResetFailed, workdir)
		}
	}
	return newHandle, nil
}

// Destroy stops and removes the container, unless keepForDebug, in which
// case it is left running and relabeled for inspection.
func (d *Docker) Destroy(ctx context.Context, h Handle, keepForDebug bool) error {
	if h.ID == "" {
		return nil
	}
	if keepForDebug {
		label := exec.CommandContext(ctx, d.bin(), "label", h.ID, "smile.debug=1") //nolint:gosec
		_ = label.Run()
		slog.Info("keeping environment for debugging", "id", h.ID)
		return nil
	}
	rm := exec.CommandContext(ctx, d.bin(), "rm", "-f", h.ID) //nolint:gosec
	var stderr bytes.Buffer
	rm.Stderr = &stderr
	if err := rm.Run(); err != nil {
		return fmt.Errorf("docker rm %s: %w: %s", h.ID, err, stderr.String())
	}
	return nil
}

func sortedHosts(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
