package report

import (
	"strings"
	"testing"
	"time"

	"github.com/smileorch/smile/internal/loop"
)

func TestBuild_CompletedNoGaps(t *testing.T) {
	state := &loop.LoopState{
		RunID:     "run-1",
		Status:    loop.StatusCompleted,
		Iteration: 1,
		History: []loop.IterationRecord{
			{Iteration: 1, StudentOutput: &loop.StudentOutput{Status: loop.StudentCompleted, CurrentStep: "step 1", Summary: "done"}},
		},
	}
	r := Build(state, &loop.Tutorial{Path: "tutorial.md", Bytes: []byte("# step 1\ndo the thing\n")})

	if len(r.Gaps) != 0 {
		t.Errorf("Gaps len = %d, want 0", len(r.Gaps))
	}
	if r.Audit.MentorConsultations != 0 {
		t.Errorf("MentorConsultations = %d, want 0", r.Audit.MentorConsultations)
	}
	if !strings.Contains(r.Summary, "completed") {
		t.Errorf("Summary = %q, want mention of completion", r.Summary)
	}
}

func TestBuild_WithGapsClassifiesAndLocates(t *testing.T) {
	tutorialBytes := []byte("intro\ninstall node version 18 or later\nrun the server\n")
	state := &loop.LoopState{
		RunID:     "run-2",
		Status:    loop.StatusCompleted,
		Iteration: 2,
		MentorNotes: []loop.MentorNote{
			{Iteration: 1, Question: "which node version?", AnswerText: "use node 18", Timestamp: time.Now()},
		},
		History: []loop.IterationRecord{
			{Iteration: 1, StudentOutput: &loop.StudentOutput{
				Status:            loop.StudentAskMentor,
				CurrentStep:       "install node version 18 or later",
				QuestionForMentor: "which node version?",
			}},
			{Iteration: 2, StudentOutput: &loop.StudentOutput{Status: loop.StudentCompleted, CurrentStep: "run the server", Summary: "done"}},
		},
	}
	r := Build(state, &loop.Tutorial{Path: "tutorial.md", Bytes: tutorialBytes})

	if len(r.Gaps) != 1 {
		t.Fatalf("Gaps len = %d, want 1", len(r.Gaps))
	}
	gap := r.Gaps[0]
	if gap.Kind != GapVersionConflict {
		t.Errorf("Kind = %q, want %q", gap.Kind, GapVersionConflict)
	}
	if gap.Answer != "use node 18" {
		t.Errorf("Answer = %q", gap.Answer)
	}
	if gap.Location != "line 2" {
		t.Errorf("Location = %q, want %q", gap.Location, "line 2")
	}
	if r.Audit.MentorConsultations != 1 {
		t.Errorf("MentorConsultations = %d, want 1", r.Audit.MentorConsultations)
	}
	if len(r.Recommendations) != 1 || !strings.Contains(r.Recommendations[0], "version") {
		t.Errorf("Recommendations = %v, want a version-related recommendation", r.Recommendations)
	}
}

func TestMarkdown_RendersWithoutError(t *testing.T) {
	state := &loop.LoopState{
		RunID:  "run-3",
		Status: loop.StatusBlocker,
		History: []loop.IterationRecord{
			{Iteration: 1, StudentOutput: &loop.StudentOutput{Status: loop.StudentCannotComplete, CurrentStep: "step 1", Reason: "tool missing"}},
		},
		TerminalReason: "student reported cannot_complete: tool missing",
	}
	r := Build(state, nil)

	md, err := Markdown(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "# Tutorial Gap Report") {
		t.Error("missing title heading")
	}
	if !strings.Contains(md, "run-3") {
		t.Error("missing run id")
	}
	if strings.Contains(md, "\n\n\n") {
		t.Error("expected collapsed blank lines, found a triple blank run")
	}
}

func TestJSON_IncludesRunID(t *testing.T) {
	state := &loop.LoopState{RunID: "run-4", Status: loop.StatusCompleted}
	r := Build(state, nil)

	data, err := JSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"run_id": "run-4"`) {
		t.Errorf("JSON output missing run_id: %s", data)
	}
}
