package api

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// jobContext detaches the job from the request so a client disconnect does
// not abandon a half-finished batch, and lifts the server's write deadline
// so the report can still be written when the job runs long.
func (s *Server) jobContext(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc) {
	rc := http.NewResponseController(w)
	err := rc.SetWriteDeadline(time.Now().Add(s.deps.JobTimeout + 5*time.Second))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("failed to extend write deadline", "path", r.URL.Path, "err", err)
	}
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.deps.JobTimeout)
}

// RunDrift handles POST /api/v1/admin/drift
func (s *Server) RunDrift(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.jobContext(w, r)
	defer cancel()
	rep, err := s.deps.Jobs.RunDrift(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// RunSweep handles POST /api/v1/admin/sweep
func (s *Server) RunSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.jobContext(w, r)
	defer cancel()
	rep, err := s.deps.Jobs.RunSweep(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// RunSettle handles POST /api/v1/admin/settle
func (s *Server) RunSettle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.jobContext(w, r)
	defer cancel()
	rep, err := s.deps.Jobs.RunSettle(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
