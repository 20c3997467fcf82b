package ingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smileorch/smile/internal/eventbus"
	"github.com/smileorch/smile/internal/loop"
)

// newFakeServer starts a goroutine that drains every command off the
// channel and hands it to handle, simulating a Controller that is idle and
// ready.
func newFakeServer(t *testing.T, handle func(loop.Command)) (*Server, chan loop.Command) {
	t.Helper()
	cmds := make(chan loop.Command, 1)
	go func() {
		for cmd := range cmds {
			handle(cmd)
		}
	}()
	s := NewServer("run-123", cmds, eventbus.New(), func() *loop.LoopState {
		return &loop.LoopState{RunID: "run-123", Status: loop.StatusAwaitingStudent}
	})
	return s, cmds
}

func withRunID(req *http.Request) *http.Request {
	req.Header.Set(runIDHeader, "run-123")
	return req
}

func TestAuth_MissingHeader(t *testing.T) {
	s, _ := newFakeServer(t, func(cmd loop.Command) {})
	req := httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody)
	w := httptest.NewRecorder()
	s.auth(s.handleStatus)(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuth_WrongRunID(t *testing.T) {
	s, _ := newFakeServer(t, func(cmd loop.Command) {})
	req := httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody)
	req.Header.Set(runIDHeader, "some-other-run")
	w := httptest.NewRecorder()
	s.auth(s.handleStatus)(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandleStatus(t *testing.T) {
	s, _ := newFakeServer(t, func(cmd loop.Command) {
		cmd.Reply <- loop.CommandResult{Accepted: true, State: &loop.LoopState{RunID: "run-123", Status: loop.StatusAwaitingStudent}}
	})
	req := withRunID(httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody))
	w := httptest.NewRecorder()
	s.auth(s.handleStatus)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got loop.LoopState
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run-123" {
		t.Errorf("RunID = %q", got.RunID)
	}
}

func TestHandleStudentResult_CleanJSON(t *testing.T) {
	var gotCmd loop.Command
	s, _ := newFakeServer(t, func(cmd loop.Command) {
		gotCmd = cmd
		cmd.Reply <- loop.CommandResult{Accepted: true}
	})

	body := `{"status":"completed","current_step":"step 1","attempted_actions":[],"summary":"done","files_created":[],"commands_run":[]}`
	req := withRunID(httptest.NewRequest(http.MethodPost, "/api/student/result", strings.NewReader(body)))
	w := httptest.NewRecorder()
	s.auth(s.handleStudentResult)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotCmd.Kind != loop.CmdSubmitStudent {
		t.Fatalf("Kind = %q", gotCmd.Kind)
	}
	if gotCmd.StudentOutput == nil || gotCmd.StudentOutput.Status != loop.StudentCompleted {
		t.Fatalf("StudentOutput = %+v", gotCmd.StudentOutput)
	}
	if gotCmd.StudentRecovered {
		t.Error("StudentRecovered = true, want false for clean JSON")
	}
}

func TestHandleStop(t *testing.T) {
	var gotCmd loop.Command
	s, _ := newFakeServer(t, func(cmd loop.Command) {
		gotCmd = cmd
		cmd.Reply <- loop.CommandResult{Accepted: true}
	})

	req := withRunID(httptest.NewRequest(http.MethodPost, "/api/stop", strings.NewReader(`{"reason":"operator request"}`)))
	w := httptest.NewRecorder()
	s.auth(s.handleStop)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotCmd.Kind != loop.CmdStop {
		t.Fatalf("Kind = %q", gotCmd.Kind)
	}
	if gotCmd.Reason != "operator request" {
		t.Errorf("Reason = %q", gotCmd.Reason)
	}
}

func TestHandleStatus_Busy(t *testing.T) {
	// No goroutine drains the channel, and it has zero buffer, so submit
	// must time out and report 503 Busy rather than hang.
	old := commandTimeout
	commandTimeout = 20 * time.Millisecond
	defer func() { commandTimeout = old }()

	cmds := make(chan loop.Command) // unbuffered, nothing reads it
	s := NewServer("run-123", cmds, eventbus.New(), nil)

	req := withRunID(httptest.NewRequest(http.MethodGet, "/api/status", http.NoBody))
	w := httptest.NewRecorder()
	s.auth(s.handleStatus)(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
