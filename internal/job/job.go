// Package job is the JobCoordinator: it sequences SafetyEngine
// admission, CgroupManager setup, SandboxLauncher spawn, attach, wait,
// and teardown behind a single Submit operation, per spec.md §4.5.
//
// Grounded on the teacher's job.Tracker (job map, Start/Stop/Get/List,
// per-job state machine) merged with juliaogris-telejob's Controller
// (StopAll shutdown path, atomic ID allocation, WaitGroup reaping).
package job

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/safeboxrun/safebox/internal/vector"
)

// State is a job's lifecycle stage, per spec.md §3.
type State string

const (
	StatePending  State = "Pending"
	StateAdmitted State = "Admitted"
	StateRunning  State = "Running"
	StateExited   State = "Exited"
	StateReleased State = "Released"
)

// Limits configures the per-job cgroup ceilings, spec.md §6.
type Limits struct {
	CPUQuotaUS  int64 // 0 means unlimited ("max")
	CPUPeriodUS int64 // defaulted to 100000 by the cgroup manager if 0
	MemoryBytes int64 // 0 means unlimited ("max")
}

// Spec is the input to Submit: what to run, under what declared
// resource bounds, and with what launch options.
type Spec struct {
	// Name is a human label; JobID is allocated by the coordinator.
	Name string

	// Max and InitialAlloc are the SafetyEngine declaration vectors
	// (spec.md §4.1 declare). Req is the tentative request evaluated
	// immediately after declare; a freshly admitted job typically
	// passes InitialAlloc equal to Req's complement, but callers may
	// pass a zero Req to admit on InitialAlloc alone.
	Max          vector.Vector
	InitialAlloc vector.Vector
	Req          vector.Vector

	Exec string
	Args []string
	Env  []string

	Limits Limits

	Timeout        time.Duration // 0 means no timeout
	GracePeriod    time.Duration // SIGTERM-to-SIGKILL window; defaulted if 0
	IsolateNetwork bool
}

// Exit describes how a child finished, mirroring the ChildHandle
// outcomes of spec.md §4.3 and the JobResult.exit shape of spec.md §6.
//
// Kind is one of: "exited" (Code is the process exit status),
// "signaled" (Code is the signal number), "killed_by_seccomp" (the
// child died of SIGSYS, seccomp's KILL_PROCESS verdict; Code is the
// signal number and the CLI maps it to exit code 6), "setup_failed"
// (Code is the child's distinguished 127+step exit status),
// "cgroup_failed" (cgroup create/limit-write failed before spawn),
// "spawn_failed" (the clone/re-exec itself failed) or "wait_failed"
// (waiting for the child failed) — the last three carry no Code and
// leave detail in Result.FailureDetail.
type Exit struct {
	Kind string
	Code int
}

// Stats is the JobResult.stats shape of spec.md §6.
type Stats struct {
	MemoryPeakBytes int64
	CPUUsageUS      int64
}

// Result is the JobResult of spec.md §6, returned by Submit.
type Result struct {
	JobID           string
	Admitted        bool
	RejectionReason string    `json:"rejection_reason,omitempty"`
	SafeSequence    []string  `json:"safe_sequence,omitempty"`
	Exit            Exit      `json:"exit"`
	Stats           Stats     `json:"stats"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`

	// FailureDetail carries the underlying error message for the
	// "cgroup_failed"/"spawn_failed"/"wait_failed" Exit kinds: failures
	// below the admission layer are converted into JobResult rather than
	// a Go error (spec.md §7's propagation rule), so this is where their
	// diagnostic text goes.
	FailureDetail string `json:"failure_detail,omitempty"`
}

// Record is the coordinator's JobTable entry for one job, spec.md §3.
type Record struct {
	ID          string
	Name        string
	Max         vector.Vector
	Allocated   vector.Vector
	State       State
	CgroupPath  string
	ChildPID    int
	ExitStatus  *Exit
}

func (r *Record) Need() vector.Vector { return r.Max.Sub(r.Allocated) }

var jobSeq atomic.Uint64

// allocateID returns a process-unique, monotonically increasing job
// ID, mirroring the teacher's allocateID (there implemented with
// math/rand over a name pool; here a plain counter suffices since
// safebox's JobId only needs uniqueness and the ascending order the
// SafetyEngine's tie-break already relies on string sort, so IDs are
// zero-padded to keep lexicographic and numeric order aligned).
func allocateID() string {
	n := jobSeq.Add(1)
	return fmt.Sprintf("job-%012d", n)
}
