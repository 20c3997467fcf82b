// Package supervisor wires the Config Loader, Isolation Driver, Durable
// State Store, Event Bus, Loop Controller, and HTTP Ingress into one running
// process (C7), and derives the Gap Report once the run reaches a terminal
// status, per spec.md §4.7/§5. Grounded on the teacher's cmd/caic-backend
// main.go wiring (flag parsing, component construction, errgroup-driven
// shutdown) and server.Server's ctx-cancel-then-wait shutdown idiom.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/ksid"
	"golang.org/x/sync/errgroup"

	"github.com/smileorch/smile/internal/config"
	"github.com/smileorch/smile/internal/eventbus"
	"github.com/smileorch/smile/internal/ingress"
	"github.com/smileorch/smile/internal/isolation"
	"github.com/smileorch/smile/internal/loop"
	"github.com/smileorch/smile/internal/report"
	"github.com/smileorch/smile/internal/statestore"
)

// ingressHostname is the name actors resolve, inside the environment, to
// reach this process's Ingress API. Mapped via Spec.ExtraHosts at
// Provision time, since the loopback address the Ingress listener binds
// to on the host is not reachable from inside a container.
const ingressHostname = "smile-host"

// ingressCallbackURL rewrites the host's listen address into the URL an
// actor inside the environment should POST its result to, per spec.md
// §4.1's "platform-specific extra-host mapping... required on Linux
// hosts".
func ingressCallbackURL(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = addr
	}
	return fmt.Sprintf("http://%s:%s", ingressHostname, port)
}

// ErrStaleState is returned by New when a previous run's state.json exists
// but cannot be safely resumed: either it was produced by a different
// tutorial/config (fingerprint mismatch) or it already reached a terminal
// status. Both cases require the operator to remove the state file (or
// point at a different state directory) before starting a new run, per the
// Open Question resolved in the grounding ledger: SMILE never silently
// discards or overwrites a previous run's record.
var ErrStaleState = errors.New("supervisor: stale state file")

// Supervisor owns the full set of C1-C6 components for one run and drives
// them to completion.
type Supervisor struct {
	Config   *config.Config
	Tutorial *loop.Tutorial
	Addr     string

	driver     isolation.Driver
	store      *statestore.Store
	lock       *statestore.Lock
	bus        *eventbus.Bus
	commands   chan loop.Command
	controller *loop.Controller
	server     *ingress.Server
	state      *loop.LoopState
}

// New loads the tutorial, resolves the state directory, and either resumes
// a matching in-progress run or starts a fresh one. It acquires the
// workspace lock before returning; Run releases it when it returns, and a
// caller that never calls Run must release it itself (Supervisor has no
// Close method).
func New(cfg *config.Config, addr string) (*Supervisor, error) {
	tutorialBytes, err := os.ReadFile(cfg.Tutorial)
	if err != nil {
		return nil, fmt.Errorf("read tutorial %s: %w", cfg.Tutorial, err)
	}
	tutorial := &loop.Tutorial{Path: cfg.Tutorial, Bytes: tutorialBytes}

	stateDir := filepath.Dir(cfg.StateFile)
	store, err := statestore.New(stateDir)
	if err != nil {
		return nil, err
	}

	fingerprint := cfg.Digest() + "|" + tutorial.ContentDigest()

	existing, err := store.Load()
	if err != nil {
		return nil, err
	}

	var state *loop.LoopState
	switch {
	case existing == nil:
		now := time.Now().UTC()
		state = &loop.LoopState{
			RunID:                ksid.NewID().String(),
			Status:               loop.StatusStarting,
			StartedAt:            now,
			UpdatedAt:            now,
			WorkspaceFingerprint: fingerprint,
		}
	case existing.WorkspaceFingerprint != fingerprint:
		return nil, fmt.Errorf("%w: %s was produced by a different tutorial or config; remove it to start a new run", ErrStaleState, store.StatePath())
	case existing.Status.Terminal():
		return nil, fmt.Errorf("%w: %s already reached terminal status %q; remove it to start a new run", ErrStaleState, store.StatePath(), existing.Status)
	default:
		slog.Info("resuming in-progress run", "run_id", existing.RunID, "status", existing.Status, "iteration", existing.Iteration)
		state = existing
	}

	lock, err := store.AcquireLock(state.RunID)
	if err != nil {
		return nil, err
	}

	driver := &isolation.Docker{}
	bus := eventbus.New()
	commands := make(chan loop.Command, 8)

	workDir := filepath.Join(stateDir, "workspace")
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	logsDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	tutorialDir, err := filepath.Abs(filepath.Dir(cfg.Tutorial))
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("resolve tutorial dir: %w", err)
	}
	workDirAbs, err := filepath.Abs(workDir)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	logsDirAbs, err := filepath.Abs(logsDir)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("resolve logs dir: %w", err)
	}

	// Three bind mounts per spec.md §4.1: the tutorial is read-only (the
	// Student must not be able to edit the thing it's being graded against),
	// the workspace is where the Student actually works, and logs is where
	// both actors may leave auxiliary output for the Gap Report.
	envSpec := isolation.Spec{
		Image: cfg.ContainerImage,
		Mounts: []isolation.Mount{
			{HostPath: tutorialDir, ContainerPath: "/tutorial", ReadOnly: true},
			{HostPath: workDirAbs, ContainerPath: "/workspace"},
			{HostPath: logsDirAbs, ContainerPath: "/logs"},
		},
		ExtraHosts:    map[string]string{ingressHostname: "host-gateway"},
		Labels:        map[string]string{"smile.run_id": state.RunID},
		ReadySentinel: []string{"sh", "-c", "true"},
	}

	spawner := newActorSpawner(driver, cfg.LLMProvider, ingressCallbackURL(addr), state.RunID)

	controller := &loop.Controller{
		Config:   cfg,
		Driver:   driver,
		Store:    store,
		Bus:      bus,
		Spawner:  spawner,
		Tutorial: tutorial,
		EnvSpec:  envSpec,
		Commands: commands,
	}

	// initialSnapshot is a frozen copy taken before the Controller starts
	// mutating state; it is the StatusSnapshot fallback for an observer that
	// connects before the first persisted write, and must never alias the
	// live LoopState the Controller owns (that would race against its
	// single-goroutine mutation in Run).
	initialSnapshot := state.Snapshot()
	server := ingress.NewServer(state.RunID, commands, bus, func() *loop.LoopState {
		ls, err := store.Load()
		if err != nil || ls == nil {
			return initialSnapshot
		}
		return ls
	})

	return &Supervisor{
		Config:     cfg,
		Tutorial:   tutorial,
		Addr:       addr,
		driver:     driver,
		store:      store,
		lock:       lock,
		bus:        bus,
		commands:   commands,
		controller: controller,
		server:     server,
		state:      state,
	}, nil
}

// Run starts the ingress server, drives the Controller to a terminal
// status, destroys the environment, writes the Gap Report, and returns the
// exit code corresponding to the final status (spec.md §6). The workspace
// lock is always released before Run returns.
func (sv *Supervisor) Run(ctx context.Context) (int, error) {
	defer func() {
		if err := sv.lock.Release(); err != nil {
			slog.Warn("failed to release workspace lock", "err", err)
		}
	}()

	if err := sv.driver.EnsureAvailable(ctx, sv.Config.ContainerImage); err != nil {
		return 10, err
	}

	serverCtx, cancelServer := context.WithCancel(ctx)
	var eg errgroup.Group
	eg.Go(func() error {
		return sv.server.ListenAndServe(serverCtx, sv.Addr)
	})

	final := sv.controller.Run(ctx, sv.state)

	cancelServer()
	if err := eg.Wait(); err != nil {
		slog.Warn("ingress server exited with error", "err", err)
	}

	sv.destroyEnvironment(final)
	sv.bus.Close()

	if final.Status == loop.StatusCompleted {
		if err := sv.store.Clear(); err != nil {
			slog.Warn("failed to clear state file after completion", "err", err)
		}
	}

	if err := sv.writeReport(final); err != nil {
		slog.Error("failed to write gap report", "err", err)
	}

	return final.Status.ExitCode(), nil
}

func (sv *Supervisor) destroyEnvironment(final *loop.LoopState) {
	h := sv.controller.Handle()
	if h.ID == "" {
		return
	}
	keep := sv.Config.Container.KeepOnSuccess
	if final.Status != loop.StatusCompleted {
		keep = sv.Config.Container.KeepOnFailure
	}
	if err := sv.driver.Destroy(context.Background(), h, keep); err != nil {
		slog.Warn("failed to destroy environment", "err", err)
	}
}

// writeReport derives the Gap Report from the terminal state and writes
// smile-report.json and smile-report.md into the configured output directory.
func (sv *Supervisor) writeReport(final *loop.LoopState) error {
	r := report.Build(final, sv.Tutorial)

	if err := os.MkdirAll(sv.Config.OutputDir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	jsonData, err := report.JSON(r)
	if err != nil {
		return fmt.Errorf("render gap report json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sv.Config.OutputDir, "smile-report.json"), jsonData, 0o640); err != nil {
		return fmt.Errorf("write smile-report.json: %w", err)
	}

	md, err := report.Markdown(r)
	if err != nil {
		return fmt.Errorf("render gap report markdown: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sv.Config.OutputDir, "smile-report.md"), []byte(md), 0o640); err != nil {
		return fmt.Errorf("write smile-report.md: %w", err)
	}
	return nil
}

// RunID returns the active run's identifier, assigned at New.
func (sv *Supervisor) RunID() string {
	return sv.state.RunID
}
