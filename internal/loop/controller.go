package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smileorch/smile/internal/config"
	"github.com/smileorch/smile/internal/eventbus"
	"github.com/smileorch/smile/internal/isolation"
)

// StateStore is the narrow persistence contract the Controller depends on.
// *statestore.Store satisfies this structurally; Controller cannot import
// statestore directly (statestore imports loop for LoopState), so the
// dependency is inverted here per Go convention.
type StateStore interface {
	Load() (*LoopState, error)
	Save(ls *LoopState) error
	Clear() error
}

// ActorSpawner launches a Student or Mentor actor inside an already
// provisioned environment. It returns once the actor process has started
// (or failed to start); the actor's structured result arrives later,
// out-of-band, as a Command submitted through the Controller's command
// channel. A non-nil error here is the "transient spawn/exec error" case
// from spec.md §4.4 and triggers the Controller's single-retry-then-Error
// policy.
type ActorSpawner interface {
	SpawnStudent(ctx context.Context, h isolation.Handle, iteration int, tutorial *Tutorial, mentorNotes []MentorNote, behavior config.StudentBehavior) error
	SpawnMentor(ctx context.Context, h isolation.Handle, iteration int, question string, prior *StudentOutput, behavior config.StudentBehavior) error
}

// CommandKind identifies the shape of a Command.
type CommandKind string

// Recognized command kinds, one per ingress endpoint plus an internal
// QueryStatus used by GET /api/status when the ingress Server has no
// StatusSnapshot function.
const (
	CmdSubmitStudent CommandKind = "submit_student"
	CmdSubmitMentor  CommandKind = "submit_mentor"
	CmdStop          CommandKind = "stop"
	CmdQueryStatus   CommandKind = "query_status"
)

// Command is the single-threaded scheduler's unit of external input. The
// Controller processes exactly one Command (or timer, or shutdown signal)
// per select iteration, so no locking is needed around LoopState.
type Command struct {
	Kind CommandKind

	// StudentOutput/StudentRecovered are set for CmdSubmitStudent; the
	// ingress layer has already applied runner.RecoverStudentOutput.
	StudentOutput    *StudentOutput
	StudentRecovered bool

	// MentorAnswer/MentorRecovered are set for CmdSubmitMentor.
	MentorAnswer    string
	MentorRecovered bool

	// Reason is set for CmdStop (e.g. "user-requested").
	Reason string

	// Reply, if non-nil, receives exactly one CommandResult before the
	// Controller processes its next input. Callers that don't need
	// acknowledgment (e.g. a fire-and-forget Stop) may leave it nil.
	Reply chan CommandResult
}

// CommandResult acknowledges a Command. State is populated for
// CmdQueryStatus; Accepted is false if the command did not apply to the
// Controller's current phase (e.g. a student submission while awaiting a
// mentor answer).
type CommandResult struct {
	Accepted bool
	Err      error
	State    *LoopState
}

// maxInvalidSubmissions is the "3 strikes" cap from spec.md §4.4: after
// this many consecutive invalid Student submissions in one iteration, the
// run is forced to cannot_complete rather than waiting forever.
const maxInvalidSubmissions = 3

// Controller drives one LoopState through the orchestration state machine
// (C4), per spec.md §4.4. It generalizes the teacher's Runner (task/
// runner.go), which serializes container setup/exec/push operations around
// a single Task, into a cooperative scheduler that also owns the iteration
// transition table instead of reacting to agent wire events.
type Controller struct {
	Config   *config.Config
	Driver   isolation.Driver
	Store    StateStore
	Bus      *eventbus.Bus
	Spawner  ActorSpawner
	Tutorial *Tutorial

	// EnvSpec describes the environment to provision/reset each iteration.
	EnvSpec isolation.Spec

	// Commands delivers SubmitStudent/SubmitMentor/Stop/QueryStatus from
	// the ingress layer.
	Commands <-chan Command

	handle       isolation.Handle
	provisioned  bool
	spawnRetried bool // whether the current iteration's spawn has already been retried once

	// pendingStudentOutput carries the ask_mentor StudentOutput across the
	// Mentor phase so the iteration record can be completed once the
	// Mentor answers. It is scheduler-local working state, not durable
	// LoopState content.
	pendingStudentOutput *StudentOutput
}

// Handle returns the most recently provisioned environment handle, so the
// Supervisor can destroy it once Run returns. Zero-valued if Run never
// reached beginIteration.
func (c *Controller) Handle() isolation.Handle {
	return c.handle
}

// Run drives state until it reaches a terminal status, persisting after
// every transition and publishing to Bus before returning to select. ctx
// governs the entire run; cancellation surfaces as StatusError.
func (c *Controller) Run(ctx context.Context, state *LoopState) *LoopState {
	globalDeadline := state.StartedAt.Add(c.Config.GlobalTimeout())

	for !state.Status.Terminal() {
		select {
		case <-ctx.Done():
			c.finish(state, StatusError, "context canceled: "+ctx.Err().Error())
			continue
		default:
		}

		if time.Now().After(globalDeadline) {
			c.finish(state, StatusTimeout, "global timeout exceeded")
			continue
		}

		switch state.Status {
		case StatusStarting:
			c.beginIteration(ctx, state)
		case StatusRunningStudent:
			c.awaitStudent(ctx, state, globalDeadline)
		case StatusAwaitingStudent:
			c.awaitStudent(ctx, state, globalDeadline)
		case StatusRunningMentor:
			c.awaitMentor(ctx, state, globalDeadline)
		case StatusAwaitingMentor:
			c.awaitMentor(ctx, state, globalDeadline)
		default:
			c.finish(state, StatusError, fmt.Sprintf("unhandled status %q", state.Status))
		}
	}

	c.persistAndPublish(state)
	return state
}

// beginIteration runs the pre-iteration preparation sequence from
// spec.md §4.4: bump the iteration counter, (re)provision the environment,
// persist the RunningStudent state, and spawn the Student actor.
func (c *Controller) beginIteration(ctx context.Context, state *LoopState) {
	if state.Iteration >= c.Config.MaxIterations {
		c.finish(state, StatusMaxIterations, "iteration limit reached")
		return
	}
	state.Iteration++
	state.invalidSubmissions = 0
	c.spawnRetried = false

	var err error
	if c.provisioned {
		c.handle, err = c.Driver.Reset(ctx, c.handle, c.EnvSpec)
	} else {
		c.handle, err = c.Driver.Provision(ctx, c.EnvSpec)
	}
	if err != nil {
		if errors.Is(err, isolation.ErrResetFailed) {
			c.finish(state, StatusBlocker, "environment reset failed: "+err.Error())
			return
		}
		c.finish(state, StatusError, "environment provision failed: "+err.Error())
		return
	}
	c.provisioned = true

	state.Status = StatusRunningStudent
	state.UpdatedAt = time.Now().UTC()
	c.persistAndPublish(state)

	if spawnErr := c.Spawner.SpawnStudent(ctx, c.handle, state.Iteration, c.Tutorial, state.MentorNotes, c.Config.StudentBehavior); spawnErr != nil {
		c.handleSpawnFailure(ctx, state, spawnErr, StatusAwaitingStudent, func() error {
			return c.Spawner.SpawnStudent(ctx, c.handle, state.Iteration, c.Tutorial, state.MentorNotes, c.Config.StudentBehavior)
		})
		return
	}

	state.Status = StatusAwaitingStudent
	state.UpdatedAt = time.Now().UTC()
	c.persistAndPublish(state)
}

// handleSpawnFailure applies the single-retry-then-Error policy from
// spec.md §4.4: a transient spawn/exec error is retried exactly once
// before the run is forced to StatusError. On a successful retry the state
// moves to next (the Awaiting* status of the actor being spawned).
func (c *Controller) handleSpawnFailure(ctx context.Context, state *LoopState, firstErr error, next Status, retry func() error) {
	if c.spawnRetried {
		c.finish(state, StatusError, "actor spawn failed twice: "+firstErr.Error())
		return
	}
	c.spawnRetried = true
	slog.Warn("actor spawn failed, retrying once", "err", firstErr)
	if err := retry(); err != nil {
		c.finish(state, StatusError, "actor spawn failed after retry: "+err.Error())
		return
	}
	state.Status = next
	state.UpdatedAt = time.Now().UTC()
	c.persistAndPublish(state)
}

// awaitStudent waits for a CmdSubmitStudent command (or a step timeout, a
// global timeout, a stop request, or a status query) while in
// RunningStudent/AwaitingStudent. Per spec.md §4.4's transition table, a
// step timeout here is an instructional event (AwaitingStudent
// --step_timeout--> RunningMentor, synthesized ask_mentor), distinct from
// the global timeout (any non-terminal --global_timeout--> Timeout), which
// takes priority when both deadlines have passed by the time a timer fires.
func (c *Controller) awaitStudent(ctx context.Context, state *LoopState, globalDeadline time.Time) {
	state.Status = StatusAwaitingStudent
	stepDeadline := time.Now().Add(c.Config.StepTimeout())

	select {
	case <-time.After(time.Until(globalDeadline)):
		c.finish(state, StatusTimeout, "global timeout exceeded")

	case <-time.After(time.Until(stepDeadline)):
		if !time.Now().Before(globalDeadline) {
			c.finish(state, StatusTimeout, "global timeout exceeded")
			return
		}
		c.synthesizeStudentTimeout(ctx, state)

	case <-ctx.Done():
		c.finish(state, StatusError, "context canceled: "+ctx.Err().Error())

	case cmd, ok := <-c.Commands:
		if !ok {
			c.finish(state, StatusError, "command channel closed")
			return
		}
		c.dispatchStudentCommand(ctx, state, cmd)
	}
}

// synthesizeStudentTimeout implements AwaitingStudent --step_timeout-->
// RunningMentor with a synthesized ask_mentor carrying reason "no callback",
// per spec.md §4.4 and §7's Instructional tier ("step timeout on Student,
// synthesized ask_mentor").
func (c *Controller) synthesizeStudentTimeout(ctx context.Context, state *LoopState) {
	out := &StudentOutput{
		Status:            StudentAskMentor,
		CurrentStep:       "unknown",
		QuestionForMentor: "no callback",
		Reason:            "no callback",
	}
	c.transitionToMentor(ctx, state, out)
}

func (c *Controller) dispatchStudentCommand(ctx context.Context, state *LoopState, cmd Command) {
	switch cmd.Kind {
	case CmdStop:
		c.finish(state, StatusError, stopReason(cmd.Reason))
		reply(cmd, CommandResult{Accepted: true})

	case CmdQueryStatus:
		reply(cmd, CommandResult{Accepted: true, State: state.Snapshot()})

	case CmdSubmitStudent:
		c.applyStudentSubmission(ctx, state, cmd)

	default:
		reply(cmd, CommandResult{Accepted: false, Err: fmt.Errorf("not awaiting a %s command", cmd.Kind)})
	}
}

func (c *Controller) applyStudentSubmission(ctx context.Context, state *LoopState, cmd Command) {
	out := cmd.StudentOutput
	if out == nil || out.Validate() != nil {
		state.invalidSubmissions++
		reply(cmd, CommandResult{Accepted: false, Err: errors.New("invalid student submission")})
		if state.invalidSubmissions >= maxInvalidSubmissions {
			c.recordIteration(state, &StudentOutput{
				Status:      StudentCannotComplete,
				CurrentStep: "unknown",
				Reason:      "repeated malformed submissions",
			}, nil)
			c.finish(state, StatusBlocker, "student submission invalid after repeated attempts")
		}
		return
	}

	reply(cmd, CommandResult{Accepted: true})

	switch out.Status {
	case StudentCompleted:
		c.recordIteration(state, out, nil)
		c.finish(state, StatusCompleted, "")

	case StudentCannotComplete:
		c.recordIteration(state, out, nil)
		c.finish(state, StatusBlocker, "student reported cannot_complete: "+out.Reason)

	case StudentAskMentor:
		// AwaitingStudent --SubmitStudent(ask_mentor) & iter==maxIter-->
		// MaxIterations; no Mentor run, per spec.md §4.4/§8's literal
		// maxIterations=1 boundary case.
		if state.Iteration == c.Config.MaxIterations {
			c.recordIteration(state, out, nil)
			c.finish(state, StatusMaxIterations, "iteration limit reached")
			return
		}
		c.transitionToMentor(ctx, state, out)
	}
}

// transitionToMentor implements AwaitingStudent --SubmitStudent(ask_mentor)
// & iter<maxIter--> RunningMentor (and the synthesized-timeout equivalent),
// spawning the Mentor actor against out's question.
func (c *Controller) transitionToMentor(ctx context.Context, state *LoopState, out *StudentOutput) {
	c.pendingStudentOutput = out
	state.Status = StatusRunningMentor
	state.UpdatedAt = time.Now().UTC()
	c.persistAndPublish(state)
	c.spawnRetried = false
	if spawnErr := c.Spawner.SpawnMentor(ctx, c.handle, state.Iteration, out.QuestionForMentor, out, c.Config.StudentBehavior); spawnErr != nil {
		c.handleSpawnFailure(ctx, state, spawnErr, StatusAwaitingMentor, func() error {
			return c.Spawner.SpawnMentor(ctx, c.handle, state.Iteration, out.QuestionForMentor, out, c.Config.StudentBehavior)
		})
		return
	}
	state.Status = StatusAwaitingMentor
	state.UpdatedAt = time.Now().UTC()
	c.persistAndPublish(state)
}

// awaitMentor mirrors awaitStudent, but per spec.md §4.4's transition table
// a Mentor step timeout is a Blocker ("mentor did not respond"), not a
// synthesized submission — there is no further actor to ask.
func (c *Controller) awaitMentor(ctx context.Context, state *LoopState, globalDeadline time.Time) {
	state.Status = StatusAwaitingMentor
	stepDeadline := time.Now().Add(c.Config.StepTimeout())

	select {
	case <-time.After(time.Until(globalDeadline)):
		c.finish(state, StatusTimeout, "global timeout exceeded")

	case <-time.After(time.Until(stepDeadline)):
		if !time.Now().Before(globalDeadline) {
			c.finish(state, StatusTimeout, "global timeout exceeded")
			return
		}
		c.recordIteration(state, c.pendingStudentOutput, nil)
		c.pendingStudentOutput = nil
		c.finish(state, StatusBlocker, "mentor step timeout exceeded")

	case <-ctx.Done():
		c.finish(state, StatusError, "context canceled: "+ctx.Err().Error())

	case cmd, ok := <-c.Commands:
		if !ok {
			c.finish(state, StatusError, "command channel closed")
			return
		}
		c.dispatchMentorCommand(state, cmd)
	}
}

func (c *Controller) dispatchMentorCommand(state *LoopState, cmd Command) {
	switch cmd.Kind {
	case CmdStop:
		c.finish(state, StatusError, stopReason(cmd.Reason))
		reply(cmd, CommandResult{Accepted: true})

	case CmdQueryStatus:
		reply(cmd, CommandResult{Accepted: true, State: state.Snapshot()})

	case CmdSubmitMentor:
		answer := cmd.MentorAnswer
		reply(cmd, CommandResult{Accepted: true})

		note := MentorNote{
			Iteration:  state.Iteration,
			Question:   c.pendingStudentOutput.QuestionForMentor,
			AnswerText: truncateAnswer(answer),
			Timestamp:  time.Now().UTC(),
		}
		state.MentorNotes = append(state.MentorNotes, note)
		c.recordIteration(state, c.pendingStudentOutput, &answer)
		c.pendingStudentOutput = nil

		state.Status = StatusStarting
		state.UpdatedAt = time.Now().UTC()
		c.persistAndPublish(state)

	default:
		reply(cmd, CommandResult{Accepted: false, Err: fmt.Errorf("not awaiting a %s command", cmd.Kind)})
	}
}

// recordIteration closes out the current iteration's history entry.
func (c *Controller) recordIteration(state *LoopState, out *StudentOutput, mentorAnswer *string) {
	rec := IterationRecord{
		Iteration:     state.Iteration,
		StartedAt:     state.UpdatedAt,
		EndedAt:       time.Now().UTC(),
		StudentOutput: out,
	}
	if mentorAnswer != nil {
		rec.MentorOutput = mentorAnswer
	}
	state.History = append(state.History, rec)
}

// finish moves state to a terminal status with the given reason.
func (c *Controller) finish(state *LoopState, status Status, reason string) {
	state.Status = status
	state.TerminalReason = reason
	state.UpdatedAt = time.Now().UTC()
}

func (c *Controller) persistAndPublish(state *LoopState) {
	if err := c.Store.Save(state); err != nil {
		slog.Error("failed to persist loop state", "err", err)
	}
	if c.Bus != nil {
		c.Bus.Publish(eventbus.Event{Kind: eventbus.KindSnapshot, Payload: state.Snapshot()})
	}
}

func stopReason(reason string) string {
	if reason == "" {
		return "stopped by operator"
	}
	return reason
}

func reply(cmd Command, res CommandResult) {
	if cmd.Reply == nil {
		return
	}
	select {
	case cmd.Reply <- res:
	default:
	}
}
