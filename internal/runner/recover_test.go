package runner

import (
	"strings"
	"testing"

	"github.com/smileorch/smile/internal/loop"
)

func TestRecoverStudentOutput(t *testing.T) {
	t.Run("CleanJSON", func(t *testing.T) {
		const input = `{"status":"completed","current_step":"step 3","attempted_actions":["ran npm install"],"summary":"done","files_created":[],"commands_run":[]}`
		out, recovered := RecoverStudentOutput(input)
		if recovered {
			t.Errorf("recovered = true, want false")
		}
		if out.Status != loop.StudentCompleted {
			t.Errorf("Status = %q", out.Status)
		}
		if out.CurrentStep != "step 3" {
			t.Errorf("CurrentStep = %q", out.CurrentStep)
		}
	})

	t.Run("TrailingProseAroundJSON", func(t *testing.T) {
		input := "Sure, here is my result:\n" +
			`{"status":"ask_mentor","current_step":"step 2","attempted_actions":[],"summary":"stuck","files_created":[],"commands_run":[],"question_for_mentor":"which version?"}` +
			"\nLet me know what you think."
		out, recovered := RecoverStudentOutput(input)
		if !recovered {
			t.Errorf("recovered = false, want true")
		}
		if out.Status != loop.StudentAskMentor {
			t.Errorf("Status = %q", out.Status)
		}
		if out.QuestionForMentor != "which version?" {
			t.Errorf("QuestionForMentor = %q", out.QuestionForMentor)
		}
	})

	t.Run("NestedBracesInSummary", func(t *testing.T) {
		input := `{"status":"completed","current_step":"step 1","attempted_actions":[],"summary":"ran {docker run} command","files_created":[],"commands_run":[]}`
		out, recovered := RecoverStudentOutput(input)
		if recovered {
			t.Errorf("recovered = true, want false")
		}
		if !strings.Contains(out.Summary, "docker run") {
			t.Errorf("Summary = %q", out.Summary)
		}
	})

	t.Run("Unparseable", func(t *testing.T) {
		out, recovered := RecoverStudentOutput("I could not figure out what to do next.")
		if !recovered {
			t.Errorf("recovered = false, want true")
		}
		if out.Status != loop.StudentCannotComplete {
			t.Errorf("Status = %q", out.Status)
		}
		if out.Reason == "" {
			t.Errorf("Reason is empty")
		}
	})

	t.Run("MissingRequiredField", func(t *testing.T) {
		// status is ask_mentor but question_for_mentor is missing: Validate
		// fails, so this must fall through to the synthetic failure.
		out, recovered := RecoverStudentOutput(`{"status":"ask_mentor","current_step":"step 1"}`)
		if !recovered {
			t.Errorf("recovered = false, want true")
		}
		if out.Status != loop.StudentCannotComplete {
			t.Errorf("Status = %q, want cannot_complete fallback", out.Status)
		}
	})
}

func TestRecoverMentorAnswer(t *testing.T) {
	t.Run("StructuredAnswer", func(t *testing.T) {
		answer, recovered := RecoverMentorAnswer(`{"answer":"use npm 18"}`)
		if recovered {
			t.Errorf("recovered = true, want false")
		}
		if answer != "use npm 18" {
			t.Errorf("answer = %q", answer)
		}
	})

	t.Run("PlainText", func(t *testing.T) {
		answer, recovered := RecoverMentorAnswer("Use npm 18 for this tutorial.")
		if recovered {
			t.Errorf("recovered = true, want false")
		}
		if answer != "Use npm 18 for this tutorial." {
			t.Errorf("answer = %q", answer)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		_, recovered := RecoverMentorAnswer("   ")
		if !recovered {
			t.Errorf("recovered = false, want true")
		}
	})
}

func TestFirstBalancedObject(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"none", "no braces here", "", false},
		{"simple", `prefix {"a":1} suffix`, `{"a":1}`, true},
		{"nested", `{"a":{"b":1}}`, `{"a":{"b":1}}`, true},
		{"braceInString", `{"a":"}"}`, `{"a":"}"}`, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := firstBalancedObject(c.input)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && got != c.want {
				t.Errorf("got = %q, want %q", got, c.want)
			}
		})
	}
}
