package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"

	"github.com/smileorch/smile/internal/eventbus"
	"github.com/smileorch/smile/internal/loop"
	"github.com/smileorch/smile/internal/runner"
)

// commandTimeout bounds how long a request waits for the Controller to
// accept a command, per spec.md §4.5. A Controller wedged mid-transition
// (e.g. mid environment-reset) surfaces as 503 Busy rather than hanging the
// caller indefinitely. A var, not a const, so tests can shorten it.
var commandTimeout = 5 * time.Second

// runIDHeader carries the caller's run identifier; requests for a run other
// than the one this Server instance serves are rejected.
const runIDHeader = "X-Smile-Run-Id"

// Server is the HTTP API in front of one Controller, reached via its
// command channel. Grounded on the teacher's Server (backend/internal/
// server/server.go): one ServeMux, one http.Server, ctx-driven shutdown.
type Server struct {
	RunID    string
	Commands chan<- loop.Command
	Bus      *eventbus.Bus

	// StatusSnapshot returns the current LoopState for GET /api/status and
	// the /ws synthetic Snapshot frame. It is supplied separately from Bus
	// because a freshly connecting observer needs state even before the
	// Controller next publishes. When nil, GET /api/status asks the
	// Controller with a QueryStatus command instead.
	StatusSnapshot func() *loop.LoopState

	upgrader websocket.Upgrader
}

// NewServer returns a ready-to-use Server.
func NewServer(runID string, commands chan<- loop.Command, bus *eventbus.Bus, snapshot func() *loop.LoopState) *Server {
	return &Server{
		RunID:          runID,
		Commands:       commands,
		Bus:            bus,
		StatusSnapshot: snapshot,
		upgrader:       websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is canceled or
// a fatal listener error occurs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/student/result", s.auth(s.handleStudentResult))
	mux.HandleFunc("POST /api/mentor/result", s.auth(s.handleMentorResult))
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /api/stop", s.auth(s.handleStop))
	mux.HandleFunc("GET /ws", s.auth(s.handleWebSocket))

	srv := &http.Server{
		Addr:              addr,
		Handler:           compressMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("ingress listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// auth enforces the run_id header check from spec.md §4.5: every ingress
// call must name the run it targets, as a defense against a stray process
// on the loopback interface addressing the wrong run.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(runIDHeader)
		if got == "" || !httpguts.ValidHeaderFieldValue(got) {
			writeError(w, unauthorized("missing or malformed "+runIDHeader+" header"))
			return
		}
		if got != s.RunID {
			writeError(w, unauthorized("run_id does not match the active run"))
			return
		}
		next(w, r)
	}
}

// submit sends cmd to the Controller and waits up to commandTimeout for a
// reply, returning a Busy error on timeout.
func (s *Server) submit(ctx context.Context, cmd loop.Command) (loop.CommandResult, error) {
	reply := make(chan loop.CommandResult, 1)
	cmd.Reply = reply

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	select {
	case s.Commands <- cmd:
	case <-ctx.Done():
		return loop.CommandResult{}, busy("controller did not accept the command in time")
	}

	select {
	case res := <-reply:
		if res.Err != nil && !res.Accepted {
			return res, badRequest(res.Err.Error())
		}
		return res, nil
	case <-ctx.Done():
		return loop.CommandResult{}, busy("controller did not respond in time")
	}
}

type statusResp struct {
	Status string `json:"status"`
}

func (s *Server) handleStudentResult(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	out, recovered := runner.RecoverStudentOutput(string(body))
	if recovered {
		slog.Warn("student result required recovery", "run_id", s.RunID)
	}
	_, err := s.submit(r.Context(), loop.Command{
		Kind:             loop.CmdSubmitStudent,
		StudentOutput:    out,
		StudentRecovered: recovered,
	})
	writeJSONResponse(w, &statusResp{Status: "accepted"}, err)
}

func (s *Server) handleMentorResult(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	answer, recovered := runner.RecoverMentorAnswer(string(body))
	_, err := s.submit(r.Context(), loop.Command{
		Kind:            loop.CmdSubmitMentor,
		MentorAnswer:    answer,
		MentorRecovered: recovered,
	})
	writeJSONResponse(w, &statusResp{Status: "accepted"}, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.StatusSnapshot != nil {
		writeJSONResponse(w, s.StatusSnapshot(), nil)
		return
	}
	res, err := s.submit(r.Context(), loop.Command{Kind: loop.CmdQueryStatus})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, res.State, nil)
}

type stopReq struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	reason := ""
	if len(body) > 0 {
		var req stopReq
		if err := decodeLenient(body, &req); err == nil {
			reason = req.Reason
		}
	}
	_, err := s.submit(r.Context(), loop.Command{Kind: loop.CmdStop, Reason: reason})
	writeJSONResponse(w, &statusResp{Status: "stopping"}, err)
}

// handleWebSocket upgrades to a WebSocket and streams Bus events as JSON
// frames, seeded with a synthetic status snapshot, per spec.md §4.3/§4.5.
// Grounded on the WriteMessage(websocket.TextMessage, ...) loop in
// nmxmxh-inos_v1's mesh transport client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var snapshot *loop.LoopState
	if s.StatusSnapshot != nil {
		snapshot = s.StatusSnapshot()
	}
	sub := s.Bus.Subscribe(eventbus.Event{Payload: snapshot})
	defer sub.Unsubscribe()

	for ev := range sub.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Kind == eventbus.KindClosed {
			return
		}
	}
}

// decodeLenient decodes a small JSON object without rejecting unknown
// fields, used only for the optional Stop reason.
func decodeLenient(body []byte, v *stopReq) error {
	return json.NewDecoder(bytes.NewReader(body)).Decode(v)
}
