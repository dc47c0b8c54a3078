// Package cli implements the safebox command-line surface: the
// user-facing submit/state/release subcommands of spec.md §6 (thin
// clients of internal/daemon), the serve subcommand that runs the
// resident daemon those clients talk to, and the hidden child-init
// subcommand that is the SandboxLauncher's re-exec entrypoint.
//
// Structured the way the teacher's cli package is: one kong struct
// per subcommand, each with a Run() error method, flags described with
// struct tags (the teacher's CmdServe/CmdRunJob/CmdRunContainer).
package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/safeboxrun/safebox/internal/cgroup"
	"github.com/safeboxrun/safebox/internal/daemon"
	"github.com/safeboxrun/safebox/internal/job"
	"github.com/safeboxrun/safebox/internal/safety"
	"github.com/safeboxrun/safebox/internal/sandbox"
	"github.com/safeboxrun/safebox/internal/vector"
)

// Globals are flags common to every subcommand, populated from the
// environment variables of spec.md §6.
type Globals struct {
	CgroupRoot    string `env:"SAFEBOX_CGROUP_ROOT" default:"/sys/fs/cgroup" help:"cgroup-v2 unified hierarchy root"`
	UnprivUID     int    `env:"SAFEBOX_UNPRIV_UID" default:"65534" help:"uid the sandboxed child drops to"`
	UnprivGID     int    `env:"SAFEBOX_UNPRIV_GID" default:"65534" help:"gid the sandboxed child drops to"`
	AllowNewNet   bool   `env:"SAFEBOX_ALLOW_NEWNET" default:"true" help:"isolate the child into a fresh network namespace"`
	AuditLogPath  string `env:"SAFEBOX_AUDIT_LOG" help:"optional path to append one JSON-lines JobResult per completed job"`
	ResourceNames string `env:"SAFEBOX_RESOURCE_NAMES" default:"cpu_percent,memory_mib" help:"comma-separated names for the resource vector slots"`
	Totals        string `env:"SAFEBOX_TOTALS" default:"100,16384" help:"comma-separated totals for the resource vector"`
	Socket        string `env:"SAFEBOX_SOCKET" default:"/run/safebox/safebox.sock" help:"unix socket the resident safebox daemon listens on"`
}

// CmdSubmit is `safebox submit`, spec.md §6. It dials the resident
// daemon (`safebox serve`) and hands it the spec; the daemon is the
// one process that ever touches the SafetyEngine, cgroup filesystem,
// and sandbox launcher, so its JobTable is what `state`/`release` see
// afterwards.
type CmdSubmit struct {
	Exec     string        `required:"" help:"path to the executable to run"`
	Args     string        `help:"comma-separated arguments"`
	Max      string        `required:"" help:"comma-separated declared maximum resource vector"`
	Alloc    string        `required:"" help:"comma-separated initial allocation resource vector"`
	LimitCPU int64         `name:"limit-cpu" help:"CPU quota in microseconds per 100ms period; 0 is unlimited"`
	LimitMem int64         `name:"limit-mem" help:"memory limit in bytes; 0 is unlimited"`
	Timeout  time.Duration `help:"wall-clock timeout; 0 disables"`
	NoNet    bool          `help:"share the host network namespace instead of isolating it"`
}

// CmdState is `safebox state`, spec.md §6: it asks the resident daemon
// for its current SafetyEngine snapshot.
type CmdState struct{}

// CmdRelease is `safebox release JOB_ID`, spec.md §6: it asks the
// resident daemon to return that job's remaining allocation (see
// job.Coordinator.Release; the job's cgroup is destroyed when its
// submit finishes).
type CmdRelease struct {
	JobID string `arg:"" help:"job id to release"`
}

// CmdServe is `safebox serve`, the resident process that owns one
// Coordinator for the lifetime of the daemon. It plays the role the
// teacher's CmdServe/grpc.Server play (cli/server.go), but listens on
// a Unix socket via internal/daemon instead of gRPC (see DESIGN.md).
// JobTable state is still never persisted to disk (spec.md §6): it is
// lost the moment this process exits, same as the teacher's in-memory
// job.Tracker.
type CmdServe struct{}

func (cmd *CmdServe) Run(g *Globals) error {
	names := strings.Split(g.ResourceNames, ",")
	totals, err := parseVector(g.Totals)
	if err != nil {
		return fmt.Errorf("serve: parsing totals: %w", err)
	}

	engine := safety.New()
	if err := engine.Init(totals, names); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	mgr := cgroup.NewManager(g.CgroupRoot, slog.Default())
	if err := mgr.CheckControllers("memory", "cpu"); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if err := mgr.EnableSubtreeControllers("memory", "cpu"); err != nil {
		slog.Default().Warn("could not enable subtree controllers; assuming they already are", "err", err)
	}
	launcher := sandbox.NewLauncher(slog.Default())

	var opts []job.Option
	opts = append(opts, job.WithUnprivilegedIDs(g.UnprivUID, g.UnprivGID))
	if g.AuditLogPath != "" {
		f, err := os.OpenFile(g.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("serve: opening audit log: %w", err)
		}
		defer f.Close()
		opts = append(opts, job.WithAuditLog(f))
	}

	coord := job.NewCoordinator(engine, mgr, launcher, slog.Default(), opts...)
	srv := &daemon.Server{Coordinator: coord}

	slog.Default().Info("safebox daemon listening", "socket", g.Socket)
	return srv.ListenAndServe(g.Socket)
}

// CmdChildInit is the hidden re-exec entrypoint invoked by
// sandbox.Launcher.Spawn as "/proc/self/exe child-init ...". It runs
// spec.md §4.3 step 6 inside the freshly cloned namespaces and then
// execve's the real target.
type CmdChildInit struct {
	Exec           string   `required:""`
	IsolateNetwork bool     `name:"isolate-network"`
	UID            int      `required:""`
	GID            int      `required:""`
	Bind           []string `help:"read-only bind mounts"`
	Target         []string `arg:"" optional:""`
}

func (cmd *CmdSubmit) Run(g *Globals) error {
	max, err := parseVector(cmd.Max)
	if err != nil {
		return fmt.Errorf("submit: parsing --max: %w", err)
	}
	alloc, err := parseVector(cmd.Alloc)
	if err != nil {
		return fmt.Errorf("submit: parsing --alloc: %w", err)
	}
	var args []string
	if cmd.Args != "" {
		r := csv.NewReader(strings.NewReader(cmd.Args))
		args, err = r.Read()
		if err != nil {
			return fmt.Errorf("submit: parsing --args: %w", err)
		}
	}

	spec := job.Spec{
		Name:         cmd.Exec,
		Max:          max,
		InitialAlloc: alloc,
		Req:          vector.New(len(max)),
		Exec:         cmd.Exec,
		Args:         args,
		Env:          os.Environ(),
		Limits: job.Limits{
			CPUQuotaUS:  cmd.LimitCPU,
			MemoryBytes: cmd.LimitMem,
		},
		Timeout:        cmd.Timeout,
		IsolateNetwork: g.AllowNewNet && !cmd.NoNet,
	}

	client := &daemon.Client{SocketPath: g.Socket}
	result, err := client.Submit(spec)
	if err != nil {
		return err
	}

	if err := printJSON(result); err != nil {
		return err
	}
	os.Exit(exitCodeFor(result))
	return nil
}

func (cmd *CmdState) Run(g *Globals) error {
	client := &daemon.Client{SocketPath: g.Socket}
	snap, err := client.State()
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func (cmd *CmdRelease) Run(g *Globals) error {
	client := &daemon.Client{SocketPath: g.Socket}
	return client.Release(cmd.JobID)
}

// exitCodeFor maps a JobResult onto spec.md §6's exit codes: 0
// success, 2 admission rejected, 3 cgroup setup failed, 4 spawn failed, 5 child setup
// failure, 6 child killed by seccomp, >=128 child exit propagated as
// 128+signo.
func exitCodeFor(r job.Result) int {
	if !r.Admitted {
		return 2
	}
	switch r.Exit.Kind {
	case "cgroup_failed":
		return 3
	case "spawn_failed":
		return 4
	case "setup_failed":
		return 5
	case "killed_by_seccomp":
		return 6
	case "signaled":
		return 128 + r.Exit.Code
	case "exited":
		return r.Exit.Code
	case "wait_failed":
		return 1
	default:
		return 0
	}
}

func parseVector(s string) (vector.Vector, error) {
	fields := strings.Split(s, ",")
	v := make(vector.Vector, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d (%q): %w", i, f, err)
		}
		v[i] = n
	}
	return v, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
