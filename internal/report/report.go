// Package report implements the Gap Report Builder (C6): deterministic
// derivation of Summary/Gaps/Timeline/Audit/Recommendations from a terminal
// LoopState, per spec.md §4.6. Grounded on the teacher's "scan lines,
// classify by pattern, emit a structured issue" shape (backend/internal/
// task/safety.go's CheckSafety/scanDiffForSecrets), generalized from
// scanning a git diff for secrets to scanning tutorial bytes for the
// location of a Student's stuck step, and on eventconv.go's per-message-
// type projection switch, generalized to a per-iteration Timeline
// projection.
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/smileorch/smile/internal/loop"
)

// GapKind classifies why a Student consulted the Mentor.
type GapKind string

// Recognized gap kinds.
const (
	GapAmbiguity       GapKind = "ambiguity"
	GapMissingTool     GapKind = "missing_tool"
	GapVersionConflict GapKind = "version_conflict"
	GapOther           GapKind = "other"
)

// classifiers are checked in order against the Student's question text;
// the first match wins. Mirrors safety.go's ordered secretPatterns table.
var classifiers = []struct {
	re   *regexp.Regexp
	kind GapKind
}{
	{regexp.MustCompile(`(?i)version|compat|deprecat`), GapVersionConflict},
	{regexp.MustCompile(`(?i)not found|missing|not installed|no such (file|command)`), GapMissingTool},
	{regexp.MustCompile(`(?i)ambiguous|unclear|which one|not sure|ambig`), GapAmbiguity},
}

func classify(question string) GapKind {
	for _, c := range classifiers {
		if c.re.MatchString(question) {
			return c.kind
		}
	}
	return GapOther
}

// Gap is one point where the tutorial required Mentor clarification.
type Gap struct {
	Iteration int     `json:"iteration"`
	Kind      GapKind `json:"kind"`
	Step      string  `json:"step"`
	Question  string  `json:"question"`
	Answer    string  `json:"answer,omitempty"`
	Location  string  `json:"location,omitempty"`
}

// TimelineEntry projects one IterationRecord into a flat, report-friendly
// shape.
type TimelineEntry struct {
	Iteration   int    `json:"iteration"`
	Step        string `json:"step"`
	Outcome     string `json:"outcome"` // mirrors StudentResultStatus
	AskedMentor bool   `json:"asked_mentor"`
	Summary     string `json:"summary"`
}

// AuditStats summarizes the run for quick scanning.
type AuditStats struct {
	TotalIterations     int             `json:"total_iterations"`
	MentorConsultations int             `json:"mentor_consultations"`
	GapsByKind          map[GapKind]int `json:"gaps_by_kind"`
	FinalStatus         loop.Status     `json:"final_status"`
	TerminalReason      string          `json:"terminal_reason,omitempty"`
}

// Report is the complete derived document, per spec.md §4.6.
type Report struct {
	RunID           string          `json:"run_id"`
	TutorialPath    string          `json:"tutorial_path"`
	Summary         string          `json:"summary"`
	Gaps            []Gap           `json:"gaps"`
	Timeline        []TimelineEntry `json:"timeline"`
	Audit           AuditStats      `json:"audit"`
	Recommendations []string        `json:"recommendations"`
}

// Build derives a Report from a terminal LoopState. state must satisfy
// state.Status.Terminal(); Build does not itself enforce this so that
// partial/interrupted states can still be inspected for debugging.
func Build(state *loop.LoopState, tutorial *loop.Tutorial) *Report {
	r := &Report{
		RunID: state.RunID,
		Audit: AuditStats{
			TotalIterations: len(state.History),
			GapsByKind:      make(map[GapKind]int),
			FinalStatus:     state.Status,
			TerminalReason:  state.TerminalReason,
		},
	}
	if tutorial != nil {
		r.TutorialPath = tutorial.Path
	}

	noteByIteration := make(map[int]string)
	for _, n := range state.MentorNotes {
		noteByIteration[n.Iteration] = n.AnswerText
	}

	for _, rec := range state.History {
		out := rec.StudentOutput
		if out == nil {
			continue
		}
		entry := TimelineEntry{
			Iteration: rec.Iteration,
			Step:      out.CurrentStep,
			Outcome:   string(out.Status),
			Summary:   out.Summary,
		}
		if out.Status == loop.StudentAskMentor {
			entry.AskedMentor = true
			r.Audit.MentorConsultations++

			kind := classify(out.QuestionForMentor)
			r.Audit.GapsByKind[kind]++

			gap := Gap{
				Iteration: rec.Iteration,
				Kind:      kind,
				Step:      out.CurrentStep,
				Question:  out.QuestionForMentor,
				Answer:    noteByIteration[rec.Iteration],
			}
			if tutorial != nil {
				gap.Location = locate(tutorial.Bytes, out.CurrentStep)
			}
			r.Gaps = append(r.Gaps, gap)
		}
		r.Timeline = append(r.Timeline, entry)
	}

	r.Summary = summarize(state)
	r.Recommendations = recommend(r.Gaps)
	return r
}

// summarize produces the one-paragraph outcome description.
func summarize(state *loop.LoopState) string {
	switch state.Status {
	case loop.StatusCompleted:
		return fmt.Sprintf("The student completed the tutorial in %d iteration(s) with %d mentor consultation(s).", state.Iteration, len(state.MentorNotes))
	case loop.StatusBlocker:
		return fmt.Sprintf("The student could not complete the tutorial: %s", state.TerminalReason)
	case loop.StatusMaxIterations:
		return fmt.Sprintf("The student did not finish within the %d-iteration limit.", state.Iteration)
	case loop.StatusTimeout:
		return "The run exceeded its configured time budget before completing."
	default:
		return fmt.Sprintf("The run ended in status %q: %s", state.Status, state.TerminalReason)
	}
}

// recommend turns the observed Gaps into actionable tutorial-authoring
// suggestions, grouped by kind so repeated gaps of the same shape collapse
// into one recommendation.
func recommend(gaps []Gap) []string {
	if len(gaps) == 0 {
		return nil
	}
	counts := make(map[GapKind]int)
	for _, g := range gaps {
		counts[g.Kind]++
	}

	kinds := make([]GapKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var out []string
	for _, k := range kinds {
		n := counts[k]
		switch k {
		case GapVersionConflict:
			out = append(out, fmt.Sprintf("Pin explicit tool/dependency versions — %d step(s) triggered version ambiguity.", n))
		case GapMissingTool:
			out = append(out, fmt.Sprintf("List prerequisite tools explicitly — %d step(s) assumed a tool that was not available.", n))
		case GapAmbiguity:
			out = append(out, fmt.Sprintf("Clarify instructions — %d step(s) were ambiguous enough to need mentor input.", n))
		default:
			out = append(out, fmt.Sprintf("Review %d step(s) that required unplanned clarification.", n))
		}
	}
	return out
}

// locate returns a "line N" reference for the first line of tutorial that
// contains a recognizable fragment of step, or "" if none is found.
// Mirrors safety.go's line-scanning idiom (bufio.Scanner over raw bytes,
// classify each line, remember the first match).
func locate(tutorial []byte, step string) string {
	fragment := strings.TrimSpace(step)
	if fragment == "" {
		return ""
	}
	if len(fragment) > 40 {
		fragment = fragment[:40]
	}

	scanner := bufio.NewScanner(bytes.NewReader(tutorial))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if strings.Contains(scanner.Text(), fragment) {
			return fmt.Sprintf("line %d", lineNo)
		}
	}
	return ""
}
