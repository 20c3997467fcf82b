// Package runner builds the Student/Mentor prompts for one iteration and
// spawns each role's actor process inside the isolation environment,
// grounded on the teacher's agent.Backend.Start/opts shape (backend.go) and
// Runner.Start's container-exec lifecycle (task/runner.go). Unlike the
// teacher, a Student/Mentor actor is a black box: it reads its prompt from
// the environment, calls an external model, and reports its structured
// result by POSTing to the Ingress API itself (internal/ingress) rather
// than printing it to stdout — Runner.Run only drives the actor to
// completion and keeps its captured output for audit. RecoverStudentOutput
// and RecoverMentorAnswer, defined in this package, are what the Ingress
// API calls on the POSTed body; nothing in Runner.Run parses it.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smileorch/smile/internal/config"
	"github.com/smileorch/smile/internal/isolation"
	"github.com/smileorch/smile/internal/loop"
)

// Role identifies which side of the conversation is being run.
type Role string

// Recognized roles.
const (
	RoleStudent Role = "student"
	RoleMentor  Role = "mentor"
)

// Request describes one actor invocation.
type Request struct {
	Role Role

	// Tutorial is the read-only tutorial handle, included verbatim in every
	// prompt it is set for, per spec.md §4.4's pre-iteration preparation
	// sequence.
	Tutorial *loop.Tutorial

	// MentorNotes is the accumulated Q&A history, appended to every Student
	// prompt after the first.
	MentorNotes []loop.MentorNote

	// Question is set only for RoleMentor: the Student's question_for_mentor.
	Question string

	// PriorAttempt is set only for RoleMentor: the full StudentOutput that
	// triggered the consultation, so the Mentor sees what was tried.
	PriorAttempt *loop.StudentOutput

	Iteration int
	Behavior  config.StudentBehavior

	// Argv is the command to exec inside the environment (actor entrypoint).
	Argv []string
	Env  map[string]string
}

// Outcome is what a single actor invocation produced. The actor's
// structured result itself does not travel through Outcome — it reaches
// the Controller via the actor's own POST to the Ingress API — so Outcome
// only carries what the exec transport observed.
type Outcome struct {
	// RawOutput is the actor's full captured stdout, kept for audit/replay.
	RawOutput string
}

// Runner spawns actor processes inside one provisioned isolation
// environment. It does not parse their structured result, which arrives
// through the Ingress API.
type Runner struct {
	Driver isolation.Driver
}

// Run composes req's prompt and execs it inside h. The actor is expected
// to report its result by POSTing to the Ingress API before it exits (see
// req.Env's SMILE_INGRESS_URL); Run itself only drives the process to
// completion and returns its captured stdout for audit.
func (r *Runner) Run(ctx context.Context, h isolation.Handle, req Request) (Outcome, error) {
	if req.Role != RoleStudent && req.Role != RoleMentor {
		return Outcome{}, fmt.Errorf("unknown role %q", req.Role)
	}

	prompt := composePrompt(req)

	var stdout, stderr bytes.Buffer
	timeout := time.Duration(req.Behavior.TimeoutSeconds) * time.Second
	env := map[string]string{"SMILE_PROMPT": prompt}
	for k, v := range req.Env {
		env[k] = v
	}

	out, err := r.Driver.Exec(ctx, h, req.Argv, env, timeout, &stdout, &stderr)
	if err != nil {
		return Outcome{}, fmt.Errorf("exec %s actor: %w", req.Role, err)
	}
	if out.TimedOut {
		return Outcome{}, fmt.Errorf("%s actor timed out after %s", req.Role, timeout)
	}
	if out.ExitCode != 0 {
		return Outcome{}, fmt.Errorf("%s actor exited %d: %s", req.Role, out.ExitCode, strings.TrimSpace(stderr.String()))
	}

	return Outcome{RawOutput: stdout.String()}, nil
}

// composePrompt builds the actor's input text: the tutorial whenever
// req.Tutorial is set, mentor Q&A history, and the question/prior-attempt
// for a Mentor turn.
// Grounded on the teacher's RestartSession prompt-composition shape
// (task/runner.go), generalized from "resume with an extra instruction" to
// "assemble the full role-specific briefing every iteration".
func composePrompt(req Request) string {
	var b strings.Builder

	switch req.Role {
	case RoleStudent:
		fmt.Fprintf(&b, "You are a student following a tutorial. This is iteration %d.\n\n", req.Iteration)
		if req.Tutorial != nil {
			b.WriteString("=== TUTORIAL ===\n")
			b.Write(req.Tutorial.Bytes)
			b.WriteString("\n\n")
		}
		if len(req.MentorNotes) > 0 {
			b.WriteString("=== MENTOR NOTES (from earlier iterations) ===\n")
			for _, n := range req.MentorNotes {
				fmt.Fprintf(&b, "[iteration %d] Q: %s\nA: %s\n\n", n.Iteration, n.Question, n.AnswerText)
			}
		}
		writeBehaviorGuidance(&b, req.Behavior)

	case RoleMentor:
		b.WriteString("You are a mentor helping a student who got stuck following a tutorial.\n\n")
		if req.Tutorial != nil {
			b.WriteString("=== TUTORIAL ===\n")
			b.Write(req.Tutorial.Bytes)
			b.WriteString("\n\n")
		}
		if req.PriorAttempt != nil {
			fmt.Fprintf(&b, "=== STUDENT'S CURRENT STEP ===\n%s\n\n", req.PriorAttempt.CurrentStep)
			if len(req.PriorAttempt.AttemptedActions) > 0 {
				b.WriteString("=== ATTEMPTED ACTIONS ===\n")
				for _, a := range req.PriorAttempt.AttemptedActions {
					fmt.Fprintf(&b, "- %s\n", a)
				}
				b.WriteString("\n")
			}
		}
		fmt.Fprintf(&b, "=== QUESTION ===\n%s\n", req.Question)
	}

	return b.String()
}

func writeBehaviorGuidance(b *strings.Builder, behavior config.StudentBehavior) {
	switch behavior.PatienceLevel {
	case config.PatienceLow:
		b.WriteString("Ask the mentor promptly if anything is unclear.\n")
	case config.PatienceHigh:
		b.WriteString("Try multiple approaches before asking the mentor for help.\n")
	}
	if behavior.AskOnAmbiguity {
		b.WriteString("If a step is ambiguous, ask the mentor rather than guessing.\n")
	}
	if behavior.AskOnMissingTool {
		b.WriteString("If a required tool is missing, ask the mentor rather than silently skipping the step.\n")
	}
	if behavior.AskOnVersionConflict {
		b.WriteString("If you hit a version conflict, ask the mentor rather than picking one side.\n")
	}
	fmt.Fprintf(b, "You should ask_mentor after %d failed retries on the same step.\n", behavior.MaxRetriesBeforeHelp)
}
