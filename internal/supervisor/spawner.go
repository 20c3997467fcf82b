package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/smileorch/smile/internal/config"
	"github.com/smileorch/smile/internal/isolation"
	"github.com/smileorch/smile/internal/loop"
	"github.com/smileorch/smile/internal/runner"
)

// actorSpawner adapts runner.Runner to loop.ActorSpawner: SpawnStudent and
// SpawnMentor return as soon as the actor process has launched inside the
// environment. The actor itself is the one that reports its structured
// result, POSTing it to the Ingress API (internal/ingress) using the
// ingress URL and run_id this spawner injects into its environment — the
// Controller never learns of a result through this type directly, per
// spec.md §4.1/§4.4's black-box actor contract.
type actorSpawner struct {
	runner *runner.Runner

	// studentArgv/mentorArgv are the in-environment entrypoints for each
	// role, derived from the configured LLM provider (providerArgv).
	studentArgv []string
	mentorArgv  []string

	// ingressURL and runID are injected into every actor's environment so
	// it knows where, and under what run, to POST its result.
	ingressURL string
	runID      string
}

func newActorSpawner(driver isolation.Driver, provider config.Provider, ingressURL, runID string) *actorSpawner {
	return &actorSpawner{
		runner:      &runner.Runner{Driver: driver},
		studentArgv: providerArgv(provider, runner.RoleStudent),
		mentorArgv:  providerArgv(provider, runner.RoleMentor),
		ingressURL:  ingressURL,
		runID:       runID,
	}
}

// actorEnv builds the environment variables every actor process receives:
// where to call back, which run it belongs to, and how long it has before
// the Controller synthesizes a timeout on its behalf (SPEC_FULL.md §4.4).
func (a *actorSpawner) actorEnv(behavior config.StudentBehavior) map[string]string {
	return map[string]string{
		"SMILE_INGRESS_URL":          a.ingressURL,
		"SMILE_RUN_ID":               a.runID,
		"SMILE_STEP_TIMEOUT_SECONDS": strconv.Itoa(behavior.TimeoutSeconds),
	}
}

// providerArgv maps a configured provider to the non-interactive CLI
// invocation run inside the isolation environment, mirroring the teacher's
// harness-name-to-subcommand mapping (agent/codex/codex.go's
// []string{"codex", "app-server"}).
func providerArgv(p config.Provider, role runner.Role) []string {
	switch p {
	case config.ProviderCodex:
		return []string{"codex", "exec", "--json", string(role)}
	case config.ProviderGemini:
		return []string{"gemini", "--yolo", "--role", string(role)}
	case config.ProviderClaude:
		fallthrough
	default:
		return []string{"claude", "--print", "--role", string(role)}
	}
}

func (a *actorSpawner) SpawnStudent(ctx context.Context, h isolation.Handle, iteration int, tutorial *loop.Tutorial, mentorNotes []loop.MentorNote, behavior config.StudentBehavior) error {
	if h.ID == "" {
		return fmt.Errorf("spawn student: no environment handle")
	}
	go a.runStudent(ctx, h, iteration, tutorial, mentorNotes, behavior)
	return nil
}

func (a *actorSpawner) SpawnMentor(ctx context.Context, h isolation.Handle, iteration int, question string, prior *loop.StudentOutput, behavior config.StudentBehavior) error {
	if h.ID == "" {
		return fmt.Errorf("spawn mentor: no environment handle")
	}
	go a.runMentor(ctx, h, iteration, question, prior, behavior)
	return nil
}

// runStudent execs the Student actor to completion. It does not submit a
// Command itself: the actor's own process is expected to POST its result
// to the Ingress API before exiting, which is how the Controller actually
// learns of it (internal/ingress.Server.handleStudentResult). An error here
// means the actor never got that far (it crashed, failed to launch, or the
// environment's Exec transport failed); the Controller's own step timeout
// is what notices a silent actor and synthesizes an ask_mentor.
func (a *actorSpawner) runStudent(ctx context.Context, h isolation.Handle, iteration int, tutorial *loop.Tutorial, mentorNotes []loop.MentorNote, behavior config.StudentBehavior) {
	req := runner.Request{
		Role:        runner.RoleStudent,
		Tutorial:    tutorial,
		MentorNotes: mentorNotes,
		Iteration:   iteration,
		Behavior:    behavior,
		Argv:        a.studentArgv,
		Env:         a.actorEnv(behavior),
	}
	if _, err := a.runner.Run(ctx, h, req); err != nil {
		slog.Error("student actor run failed", "iteration", iteration, "err", err)
	}
}

// runMentor mirrors runStudent for the Mentor actor.
func (a *actorSpawner) runMentor(ctx context.Context, h isolation.Handle, iteration int, question string, prior *loop.StudentOutput, behavior config.StudentBehavior) {
	req := runner.Request{
		Role:         runner.RoleMentor,
		Question:     question,
		PriorAttempt: prior,
		Iteration:    iteration,
		Behavior:     behavior,
		Argv:         a.mentorArgv,
		Env:          a.actorEnv(behavior),
	}
	if _, err := a.runner.Run(ctx, h, req); err != nil {
		slog.Error("mentor actor run failed", "iteration", iteration, "err", err)
	}
}
