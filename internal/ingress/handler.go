package ingress

import (
	"io"
	"net/http"
)

// maxBodyBytes bounds actor submission payloads; far larger than any
// reasonable StudentOutput/MentorNote answer.
const maxBodyBytes = 4 << 20 // 4 MiB

// readBody reads and trims the request body, writing a structured error and
// returning ok=false on failure. Mirrors the teacher's readAndDecodeBody
// (backend/internal/server/handler.go), but actor payloads are recovered
// from raw bytes rather than strictly decoded, so no JSON decode happens
// here.
func readBody(w http.ResponseWriter, r *http.Request) (body []byte, ok bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		writeError(w, badRequest("failed to read request body"))
		return nil, false
	}
	return data, true
}
