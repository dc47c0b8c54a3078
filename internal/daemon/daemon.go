// Package daemon is the resident process that keeps one
// job.Coordinator alive across separate `safebox` invocations, so that
// `state` and `release` (spec.md §6) observe jobs a prior `submit` left
// behind instead of always seeing an empty, freshly initialized
// JobTable.
//
// It plays the role the teacher's gRPC server (cli/server.go) and
// job.Tracker play there — one long-lived process holding the shared
// state, with every CLI subcommand a thin client dialing in — but
// speaks plain encoding/json over a Unix domain socket instead of
// gRPC/protobuf, since no .proto/.pb.go exists anywhere in the
// retrieval pack (see DESIGN.md's "dropped teacher dependencies").
// spec.md §6's "Persisted state: None; JobTable is in-memory and lost
// on restart" still holds: the JobTable lives only for the daemon
// process's own lifetime and is gone the moment it is killed or
// restarted, exactly as it would be if it held a TCP listener instead
// of a Unix socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/safeboxrun/safebox/internal/job"
	"github.com/safeboxrun/safebox/internal/safety"
)

// Request is one client call. Exactly one Request is read per
// connection, matching the teacher's one-RPC-per-call shape without
// needing a streaming framing.
type Request struct {
	Op    string    `json:"op"` // "submit", "state", "release"
	Spec  *job.Spec `json:"spec,omitempty"`
	JobID string    `json:"job_id,omitempty"`
}

// Response is the daemon's single reply to a Request.
type Response struct {
	Result *job.Result      `json:"result,omitempty"`
	State  *safety.Snapshot `json:"state,omitempty"`
	Err    string           `json:"err,omitempty"`
}

// Server serves Requests against one shared Coordinator, one goroutine
// per connection. The Coordinator's own mutex (spec.md §5) serializes
// the admission and release steps of concurrent requests; Server adds
// no locking of its own.
type Server struct {
	Coordinator *job.Coordinator
}

// ListenAndServe accepts connections on socketPath until the listener
// is closed or the process is killed. A stale socket file left behind
// by a prior, uncleanly terminated daemon is removed first.
func (s *Server) ListenAndServe(socketPath string) error {
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", socketPath, err)
	}
	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(Response{Err: fmt.Sprintf("daemon: decoding request: %v", err)})
		return
	}
	_ = json.NewEncoder(conn).Encode(s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case "submit":
		if req.Spec == nil {
			return Response{Err: "daemon: submit requires a spec"}
		}
		result, err := s.Coordinator.Submit(context.Background(), *req.Spec)
		if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{Result: &result}
	case "state":
		snap := s.Coordinator.State()
		return Response{State: &snap}
	case "release":
		if err := s.Coordinator.Release(req.JobID); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{}
	default:
		return Response{Err: fmt.Sprintf("daemon: unknown op %q", req.Op)}
	}
}

// Client dials a running daemon for a single request/response, one
// connection per call.
type Client struct {
	SocketPath string
}

func (c *Client) call(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err != nil {
		return Response{}, fmt.Errorf("daemon: no safebox daemon listening at %s (start one with `safebox serve`): %w", c.SocketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("daemon: encoding request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("daemon: decoding response: %w", err)
	}
	if resp.Err != "" {
		return resp, errors.New(resp.Err)
	}
	return resp, nil
}

// Submit sends spec to the daemon and returns the JobResult it
// produced.
func (c *Client) Submit(spec job.Spec) (job.Result, error) {
	resp, err := c.call(Request{Op: "submit", Spec: &spec})
	if err != nil {
		return job.Result{}, err
	}
	return *resp.Result, nil
}

// State fetches the daemon's current SafetyEngine snapshot.
func (c *Client) State() (safety.Snapshot, error) {
	resp, err := c.call(Request{Op: "state"})
	if err != nil {
		return safety.Snapshot{}, err
	}
	return *resp.State, nil
}

// Release asks the daemon to return jobID's remaining allocation (see
// job.Coordinator.Release).
func (c *Client) Release(jobID string) error {
	_, err := c.call(Request{Op: "release", JobID: jobID})
	return err
}
