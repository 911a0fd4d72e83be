// Package api serves the deploy ramdisk callback and read-only node views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/metrics"
	"github.com/projecteru2/anvil/task"
	"github.com/projecteru2/anvil/types"
)

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second

	// jobSlack covers image fetch, reboot and cleanup on top of the
	// executor's own deploy timeout.
	jobSlack = 10 * time.Minute
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NodeStatus is what a deploy call reports back.
type NodeStatus struct {
	ID                   string               `json:"id"`
	ProvisionState       types.ProvisionState `json:"provision_state"`
	TargetProvisionState types.ProvisionState `json:"target_provision_state"`
	LastError            string               `json:"last_error,omitempty"`
}

type Server struct {
	tasks      *task.Manager
	jobTimeout time.Duration
}

// New serves tasks. Deploy jobs run detached from their request and are
// bounded by deployTimeout plus a fixed slack; zero means unbounded.
func New(tasks *task.Manager, deployTimeout time.Duration) *Server {
	s := &Server{tasks: tasks}
	if deployTimeout > 0 {
		s.jobTimeout = deployTimeout + jobSlack
	}
	return s
}

// Handler returns the routed handler with logging, metrics and recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/nodes/{id}/continue_deploy", s.continueDeploy)
	mux.HandleFunc("POST /v1/nodes/{id}/deploy", s.deploy)
	mux.HandleFunc("GET /v1/nodes/{id}", s.showNode)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return recovery(logging(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	logger := log.WithFunc("api.ListenAndServe")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		done <- srv.Shutdown(sctx)
	}()

	logger.Infof(ctx, "listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}

func (s *Server) continueDeploy(w http.ResponseWriter, r *http.Request) {
	var cb types.DeployCallback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload: "+err.Error())
		return
	}
	// The ramdisk only knows its own deployment; the key is checked by the driver.
	s.mutate(w, r, "continue_deploy", func(ctx context.Context, t *task.Task) error {
		return t.Driver().ContinueDeploy(ctx, t, &cb)
	})
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "deploy", func(ctx context.Context, t *task.Task) error {
		return t.Driver().Deploy(ctx, t)
	})
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, purpose string, fn func(context.Context, *task.Task) error) {
	// A client that hangs up must not abort a deploy that is writing disks.
	ctx, cancel := s.jobContext(r.Context())
	defer cancel()
	id := r.PathValue("id")
	var status NodeStatus
	err := task.With(ctx, s.tasks, id, false, purpose, func(t *task.Task) error {
		err := fn(ctx, t)
		n := t.Node()
		status = NodeStatus{ID: n.ID, ProvisionState: n.ProvisionState, TargetProvisionState: n.TargetProvisionState, LastError: n.LastError}
		return err
	})
	if err != nil {
		log.WithFunc("api."+purpose).Warnf(ctx, "node %s: %v", id, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if s.jobTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.jobTimeout)
}

func (s *Server) showNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var view *types.Node
	err := task.With(ctx, s.tasks, r.PathValue("id"), true, "show", func(t *task.Task) error {
		view = Redact(t.Node())
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Redact returns a copy of n safe to hand out: the deploy key and BMC
// password are masked.
func Redact(n *types.Node) *types.Node {
	c := n.Clone()
	if _, ok := c.InstanceInfo["deploy_key"]; ok {
		c.InstanceInfo["deploy_key"] = "******"
	}
	if _, ok := c.DriverInfo["ipmi_password"]; ok {
		c.DriverInfo["ipmi_password"] = "******"
	}
	return c
}

func statusFor(err error) int {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsMissingParameter(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsNodeLocked(err), errors.Is(err, errdefs.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: http.StatusText(code), Message: message})
}
