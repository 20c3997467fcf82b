// Package loop implements the orchestration state machine (C4): LoopState,
// the Student/Mentor iteration contract, and the Controller that drives
// transitions per spec.md §4.4.
package loop

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Status is one of the LoopState statuses named in spec.md §3.
type Status string

// Recognized statuses. Completed, MaxIterations, Blocker, Timeout, and
// Error are terminal.
const (
	StatusStarting        Status = "starting"
	StatusRunningStudent  Status = "running_student"
	StatusAwaitingStudent Status = "awaiting_student"
	StatusRunningMentor   Status = "running_mentor"
	StatusAwaitingMentor  Status = "awaiting_mentor"
	StatusCompleted       Status = "completed"
	StatusMaxIterations   Status = "max_iterations"
	StatusBlocker         Status = "blocker"
	StatusTimeout         Status = "timeout"
	StatusError           Status = "error"
)

// Terminal reports whether s is one of the five terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusMaxIterations, StatusBlocker, StatusTimeout, StatusError:
		return true
	default:
		return false
	}
}

// ExitCode maps a terminal status to the CLI exit code from spec.md §6.
// Non-terminal statuses map to 4 (Error) as a defensive default.
func (s Status) ExitCode() int {
	switch s {
	case StatusCompleted:
		return 0
	case StatusBlocker:
		return 1
	case StatusMaxIterations:
		return 2
	case StatusTimeout:
		return 3
	default:
		return 4
	}
}

// StudentResultStatus is the status field of a StudentOutput.
type StudentResultStatus string

// Recognized StudentOutput statuses.
const (
	StudentCompleted      StudentResultStatus = "completed"
	StudentAskMentor      StudentResultStatus = "ask_mentor"
	StudentCannotComplete StudentResultStatus = "cannot_complete"
)

func (s StudentResultStatus) valid() bool {
	switch s {
	case StudentCompleted, StudentAskMentor, StudentCannotComplete:
		return true
	default:
		return false
	}
}

// StudentOutput is the structured contract a Student runner POSTs back, per
// spec.md §3.
type StudentOutput struct {
	Status            StudentResultStatus `json:"status"`
	CurrentStep       string              `json:"current_step"`
	AttemptedActions  []string            `json:"attempted_actions"`
	Summary           string              `json:"summary"`
	FilesCreated      []string            `json:"files_created"`
	CommandsRun       []string            `json:"commands_run"`
	Problem           string              `json:"problem,omitempty"`
	QuestionForMentor string              `json:"question_for_mentor,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

// Validate enforces the required-when rules from spec.md §3.
func (o *StudentOutput) Validate() error {
	o.Status = StudentResultStatus(strings.ToLower(string(o.Status)))
	if !o.Status.valid() {
		return fmt.Errorf("invalid status %q: want one of completed, ask_mentor, cannot_complete", o.Status)
	}
	if o.CurrentStep == "" {
		return fmt.Errorf("current_step is required")
	}
	if o.Status == StudentAskMentor && o.QuestionForMentor == "" {
		return fmt.Errorf("question_for_mentor is required when status is ask_mentor")
	}
	if o.Status == StudentCannotComplete && o.Reason == "" {
		return fmt.Errorf("reason is required when status is cannot_complete")
	}
	return nil
}

// mentorNoteTruncateCap is the implementation-defined size bound on
// MentorNote.AnswerText suggested by spec.md §9 (~2000 tokens ≈ 8 KiB).
const mentorNoteTruncateCap = 8 * 1024

// MentorNote is one accumulated Mentor consultation, per spec.md §3.
type MentorNote struct {
	Iteration  int       `json:"iteration"`
	Question   string    `json:"question"`
	AnswerText string    `json:"answer_text"`
	Timestamp  time.Time `json:"timestamp"`
}

// truncateAnswer caps AnswerText at mentorNoteTruncateCap bytes before
// persistence, per spec.md §3/§9.
func truncateAnswer(s string) string {
	if len(s) <= mentorNoteTruncateCap {
		return s
	}
	return s[:mentorNoteTruncateCap]
}

// IterationRecord is one completed iteration: the Student phase and an
// optional Mentor phase, per spec.md §3.
type IterationRecord struct {
	Iteration     int            `json:"iteration"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	StudentOutput *StudentOutput `json:"student_output"`
	MentorOutput  *string        `json:"mentor_output,omitempty"`
}

// Tutorial is the read-only handle described in spec.md §3: raw bytes plus
// resolved images. The core never parses the tutorial; it only references
// it for fingerprinting and report metadata.
type Tutorial struct {
	Path   string          `json:"path"`
	Bytes  []byte          `json:"-"`
	Images []TutorialImage `json:"images,omitempty"`
}

// TutorialImage is one resolved image referenced by the tutorial.
type TutorialImage struct {
	Format string `json:"format"` // PNG, JPG, GIF, SVG
	Bytes  []byte `json:"-"`
}

// ContentDigest returns a stable BLAKE2b-256 hex digest of the tutorial
// bytes, used for workspace fingerprinting.
func (t *Tutorial) ContentDigest() string {
	sum := blake2b.Sum256(t.Bytes)
	return hex.EncodeToString(sum[:])
}

// LoopState is the single durable document described in spec.md §3.
type LoopState struct {
	RunID                string            `json:"run_id"`
	Status               Status            `json:"status"`
	Iteration            int               `json:"iteration"`
	MentorNotes          []MentorNote      `json:"mentor_notes"`
	History              []IterationRecord `json:"history"`
	StartedAt            time.Time         `json:"started_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	WorkspaceFingerprint string            `json:"workspace_fingerprint"`

	// TerminalReason carries the human-readable cause for Error/Blocker/
	// Timeout terminal states (e.g. "stopped by operator", "environment
	// reset failed: ...").
	TerminalReason string `json:"terminal_reason,omitempty"`

	// invalidSubmissions counts consecutive invalid submissions for the
	// current iteration (spec.md §4.4 failure semantics); not persisted.
	invalidSubmissions int
}

// Snapshot returns a copy of s suitable for publishing to observers or
// serving from GET /api/status: the MentorNotes and History slices are
// copied, so appending to or replacing their elements does not affect the
// Controller's owned state, but the StudentOutput and MentorOutput values
// the history records point to are shared.
func (s *LoopState) Snapshot() *LoopState {
	cp := *s
	cp.MentorNotes = append([]MentorNote(nil), s.MentorNotes...)
	cp.History = append([]IterationRecord(nil), s.History...)
	cp.invalidSubmissions = 0
	return &cp
}

// Validate checks the structural invariants from spec.md §3 that can be
// checked on a standalone document (the per-transition invariants are
// enforced by Controller).
func (s *LoopState) Validate(maxIterations int) error {
	if s.Iteration > maxIterations {
		return fmt.Errorf("iteration %d exceeds maxIterations %d", s.Iteration, maxIterations)
	}
	if s.UpdatedAt.Before(s.StartedAt) {
		return fmt.Errorf("updated_at %s precedes started_at %s", s.UpdatedAt, s.StartedAt)
	}
	wantHistory := s.Iteration
	switch s.Status {
	case StatusRunningStudent, StatusAwaitingStudent, StatusRunningMentor, StatusAwaitingMentor:
		wantHistory = s.Iteration - 1
	}
	if wantHistory < 0 {
		wantHistory = 0
	}
	if len(s.History) != wantHistory {
		return fmt.Errorf("history length %d inconsistent with iteration %d in status %s (want %d)", len(s.History), s.Iteration, s.Status, wantHistory)
	}
	return nil
}
