package job

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/safeboxrun/safebox/internal/cgroup"
	"github.com/safeboxrun/safebox/internal/safety"
	"github.com/safeboxrun/safebox/internal/sandbox"
)

const defaultGracePeriod = 5 * time.Second

// cgroupNamePrefix matches spec.md §6's cgroup layout:
// <root>/safebox_<job_id>/.
const cgroupNamePrefix = "safebox_"

// Coordinator owns the JobTable and sequences SafetyEngine,
// cgroup.Manager, and sandbox.Launcher for every submit, per spec.md
// §4.5. It serializes the critical section (declare/request/release)
// under a single mutex and performs blocking side effects (cgroup
// writes, clone, wait) outside that lock, per spec.md §5.
//
// Grounded on the teacher's Tracker: one map keyed by job ID, guarded
// by a mutex, with Start doing the validate-then-launch sequence this
// Submit generalizes.
type Coordinator struct {
	mu sync.Mutex

	engine   *safety.Engine
	cgroups  *cgroup.Manager
	launcher *sandbox.Launcher
	log      *slog.Logger

	jobs map[string]*Record

	auditLog *json.Encoder
	auditErr error

	unprivUID int
	unprivGID int
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithAuditLog appends one JSON-encoded Result per completed or
// released job to w, per spec.md §6 ("Completed jobs may optionally
// be appended to a JSON-lines audit log").
func WithAuditLog(w io.Writer) Option {
	return func(c *Coordinator) { c.auditLog = json.NewEncoder(w) }
}

// WithUnprivilegedIDs sets the in-namespace UID/GID the sandbox child
// drops privileges to, spec.md §4.3 step 6.f / §6's SAFEBOX_UNPRIV_UID
// and SAFEBOX_UNPRIV_GID.
func WithUnprivilegedIDs(uid, gid int) Option {
	return func(c *Coordinator) { c.unprivUID = uid; c.unprivGID = gid }
}

// NewCoordinator wires the three subsystems together: an already
// initialized SafetyEngine, a cgroup manager and a sandbox launcher. A
// nil log uses slog.Default().
func NewCoordinator(engine *safety.Engine, cgroups *cgroup.Manager, launcher *sandbox.Launcher, log *slog.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		engine:    engine,
		cgroups:   cgroups,
		launcher:  launcher,
		log:       log,
		jobs:      make(map[string]*Record),
		unprivUID: 65534,
		unprivGID: 65534,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit runs one job through the full admission → cgroup → spawn →
// attach → wait → release sequence of spec.md §4.5, rolling back
// every completed step in reverse on any failure.
func (c *Coordinator) Submit(ctx context.Context, spec Spec) (Result, error) {
	jobID := allocateID()
	result := Result{JobID: jobID}

	// Step 1: declare. Steps 1 and 2 and the final release are the only
	// steps taken under the coordinator-wide lock, matching spec.md §5's
	// "take lock -> decide -> release lock -> perform side effects".
	c.mu.Lock()
	if err := c.engine.Declare(jobID, spec.Name, spec.Max, spec.InitialAlloc); err != nil {
		c.mu.Unlock()
		result.RejectionReason = err.Error()
		return result, nil
	}
	rec := &Record{ID: jobID, Name: spec.Name, Max: spec.Max, Allocated: spec.InitialAlloc, State: StatePending}
	c.jobs[jobID] = rec
	c.mu.Unlock()

	// Step 2: request. On rejection there are no side effects to
	// unwind except the declaration itself.
	c.mu.Lock()
	decision := c.engine.Request(jobID, spec.Req)
	if !decision.Granted {
		delete(c.jobs, jobID)
		_ = c.engine.ReleaseAll(jobID)
		c.mu.Unlock()
		result.RejectionReason = decision.Reason.Error()
		return result, nil
	}
	rec.State = StateAdmitted
	c.mu.Unlock()

	result.Admitted = true
	result.SafeSequence = decision.SafeSeq

	// Everything past this point is a side-effecting, potentially
	// blocking sequence performed without the coordinator lock held.
	// Every failure from here on is converted into the Result rather
	// than returned as a Go error (spec.md §7: "below the admission
	// layer, every error is converted to a JobResult with the job
	// cleanly rolled back"), so CmdSubmit.Run can always reach
	// printJSON/exitCodeFor.
	outcome := c.runAdmitted(ctx, jobID, rec, spec)
	result.Exit = outcome.Exit
	result.Stats = outcome.Stats
	result.FailureDetail = outcome.FailureDetail
	result.CompletedAt = time.Now()

	c.mu.Lock()
	_ = c.engine.ReleaseAll(jobID)
	rec.State = StateReleased
	c.mu.Unlock()

	c.writeAudit(result)
	return result, nil
}

type runOutcome struct {
	Exit          Exit
	Stats         Stats
	FailureDetail string
}

// runAdmitted performs steps 3-8 of spec.md §4.5 once admission has
// been granted, rolling back every completed step in reverse on
// failure.
func (c *Coordinator) runAdmitted(ctx context.Context, jobID string, rec *Record, spec Spec) runOutcome {
	// Step 3: cgroup create + limits.
	handle, err := c.cgroups.Create(cgroupNamePrefix + jobID)
	if err != nil {
		c.log.Error("cgroup create failed", "job_id", jobID, "err", err)
		return runOutcome{Exit: Exit{Kind: "cgroup_failed"}, FailureDetail: fmt.Sprintf("cgroup create: %v", err)}
	}
	rec.CgroupPath = handle.Path()

	if err := c.cgroups.SetMemoryMax(handle, spec.Limits.MemoryBytes); err != nil {
		c.rollbackCgroup(handle)
		return runOutcome{Exit: Exit{Kind: "cgroup_failed"}, FailureDetail: fmt.Sprintf("cgroup set memory.max: %v", err)}
	}
	if err := c.cgroups.SetCPUMax(handle, spec.Limits.CPUQuotaUS, spec.Limits.CPUPeriodUS); err != nil {
		c.rollbackCgroup(handle)
		return runOutcome{Exit: Exit{Kind: "cgroup_failed"}, FailureDetail: fmt.Sprintf("cgroup set cpu.max: %v", err)}
	}

	// Step 4: spawn. Attach (step 5) happens inside Spawn, via the
	// attach callback, before the launcher releases the child past its
	// start-signal barrier.
	sbxSpec := sandbox.Spec{
		Exec:           spec.Exec,
		Args:           spec.Args,
		Env:            spec.Env,
		IsolateNetwork: spec.IsolateNetwork,
		UnprivUID:      c.unprivUID,
		UnprivGID:      c.unprivGID,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}

	child, err := c.launcher.Spawn(sbxSpec, handle, func(pid int) error {
		return c.cgroups.Attach(handle, pid)
	})
	if err != nil {
		c.rollbackCgroup(handle)
		return runOutcome{Exit: Exit{Kind: "spawn_failed"}, FailureDetail: fmt.Sprintf("spawn: %v", err)}
	}
	rec.ChildPID = child.Pid
	rec.State = StateRunning

	// Step 7: wait, with optional timeout/cancellation per spec.md §5.
	waitResult, waitErr := c.waitWithTimeout(ctx, child, spec)
	rec.State = StateExited

	stats, statsErr := c.cgroups.Stats(handle)
	if statsErr != nil {
		c.log.Warn("cgroup stats unavailable at exit", "job_id", jobID, "err", statsErr)
	}

	// Step 8: destroy, after the child is reaped and cgroup.procs has
	// drained.
	if err := c.cgroups.Destroy(handle); err != nil {
		c.log.Warn("cgroup destroy failed", "job_id", jobID, "path", handle.Path(), "err", err)
	}

	var failureDetail string
	if waitErr != nil {
		c.log.Error("wait failed", "job_id", jobID, "err", waitErr)
		failureDetail = waitErr.Error()
	}

	exit := classifyExit(waitResult, waitErr)
	rec.ExitStatus = &exit

	return runOutcome{
		Exit:          exit,
		Stats:         Stats{MemoryPeakBytes: stats.MemoryCurrentBytes, CPUUsageUS: stats.CPUUsageUS},
		FailureDetail: failureDetail,
	}
}

// classifyExit maps a sandbox.WaitResult onto the Exit shape of spec.md
// §6, distinguishing a seccomp KILL_PROCESS verdict (delivered as
// SIGSYS, per seccomp(2)) from any other fatal signal so exitCodeFor
// can map it to the dedicated exit code 6.
func classifyExit(wr sandbox.WaitResult, waitErr error) Exit {
	if waitErr != nil {
		return Exit{Kind: "wait_failed"}
	}
	switch wr.Kind {
	case "exited":
		return Exit{Kind: "exited", Code: wr.ExitCode}
	case "signaled":
		if wr.Signal == int(syscall.SIGSYS) {
			return Exit{Kind: "killed_by_seccomp", Code: wr.Signal}
		}
		return Exit{Kind: "signaled", Code: wr.Signal}
	case "setup_failed":
		return Exit{Kind: "setup_failed", Code: wr.ExitCode}
	default:
		return Exit{}
	}
}

// waitWithTimeout waits for child, applying spec.md §5's
// SIGTERM-then-grace-period-then-SIGKILL cancellation sequence if ctx
// is cancelled or spec.Timeout elapses first.
func (c *Coordinator) waitWithTimeout(ctx context.Context, child *sandbox.ChildHandle, spec Spec) (sandbox.WaitResult, error) {
	done := make(chan sandbox.WaitResult, 1)
	errCh := make(chan error, 1)
	go func() {
		wr, err := child.Wait()
		if err != nil {
			errCh <- err
			return
		}
		done <- wr
	}()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case wr := <-done:
		return wr, nil
	case err := <-errCh:
		return sandbox.WaitResult{}, err
	case <-timeoutCh:
		c.terminateWithGrace(child, spec)
	case <-ctx.Done():
		c.terminateWithGrace(child, spec)
	}

	select {
	case wr := <-done:
		return wr, nil
	case err := <-errCh:
		return sandbox.WaitResult{}, err
	}
}

func (c *Coordinator) terminateWithGrace(child *sandbox.ChildHandle, spec Spec) {
	grace := spec.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	_ = child.Kill(syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C
	_ = child.Kill(syscall.SIGKILL)
}

func (c *Coordinator) rollbackCgroup(h *cgroup.Handle) {
	if err := c.cgroups.Destroy(h); err != nil {
		c.log.Warn("rollback cgroup destroy failed", "path", h.Path(), "err", err)
	}
}

// Release returns jobID's remaining allocation to the SafetyEngine and
// marks its record Released, for the `release JOB_ID` CLI surface of
// spec.md §6. It does not touch the cgroup; runAdmitted destroys that
// once the child is reaped. Submit releases the allocation itself
// before it returns, so Release on a job Submit has finished returns
// the engine's unknown-job error.
func (c *Coordinator) Release(jobID string) error {
	c.mu.Lock()
	rec, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job: unknown job %q", jobID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.ReleaseAll(jobID); err != nil {
		return err
	}
	rec.State = StateReleased
	return nil
}

// State returns the SafetyEngine snapshot for the `state` CLI surface.
func (c *Coordinator) State() safety.Snapshot {
	return c.engine.State()
}

// Get returns a copy of the JobTable record for jobID.
func (c *Coordinator) Get(jobID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.jobs[jobID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (c *Coordinator) writeAudit(r Result) {
	if c.auditLog == nil {
		return
	}
	if err := c.auditLog.Encode(r); err != nil {
		c.log.Warn("audit log write failed", "job_id", r.JobID, "err", err)
	}
}
