// Package sandbox is the isolation launcher: it starts the target
// executable in fresh PID/mount/UTS/IPC/user(/net) namespaces with a
// minimal seccomp-BPF syscall surface, per spec.md §4.3.
//
// The spawn contract is implemented as a two-part re-exec, the same
// shape as the teacher's job.ExecPart1/ExecPart2: the parent
// (Launcher.Spawn) starts "/proc/self/exe child-init ..." with the
// clone flags and a synchronization pipe; the child (internal/cli's
// hidden child-init subcommand) blocks on that pipe, then performs
// every step of spec.md §4.3's child sequence and execve's the real
// target.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/safeboxrun/safebox/internal/cgroup"
)

// Spec describes one job to isolate and run.
type Spec struct {
	Exec string
	Args []string
	Env  []string

	// BindMounts are host paths bind-mounted read-only into the
	// sandbox, e.g. {/bin, /usr/bin, /lib, /lib64, /usr/lib}
	// (spec.md §4.3 step 6.c). Defaulted to defaultBindMounts by the
	// launcher if empty.
	BindMounts []string

	IsolateNetwork bool
	UnprivUID      int
	UnprivGID      int

	Stdout, Stderr *os.File
}

// Step names a point in the spawn contract, used in LaunchError and
// the child's distinguished setup-failure exit code (spec.md §4.3).
type Step string

const (
	StepClone     Step = "clone"
	StepIDMap     Step = "idmap"
	StepAttach    Step = "attach"
	StepSignal    Step = "signal"
	StepMountPriv Step = "mount_private"
	StepMountProc Step = "mount_proc"
	StepBindMount Step = "bind_mount"
	StepHostname  Step = "hostname"
	StepNoNewPriv Step = "no_new_privs"
	StepDropPriv  Step = "drop_privileges"
	StepSeccomp   Step = "seccomp"
	StepExec      Step = "exec"
)

// exit code base for child setup failures: 127+step, per spec.md §4.3.
const childSetupFailureBase = 127

var stepExitCodes = map[Step]int{
	StepMountPriv: childSetupFailureBase + 1,
	StepMountProc: childSetupFailureBase + 2,
	StepBindMount: childSetupFailureBase + 3,
	StepHostname:  childSetupFailureBase + 4,
	StepNoNewPriv: childSetupFailureBase + 5,
	StepDropPriv:  childSetupFailureBase + 6,
	StepSeccomp:   childSetupFailureBase + 7,
	StepExec:      childSetupFailureBase + 8,
}

// LaunchError reports that step failed with the given underlying
// error, per spec.md §4.3 / §7 (LaunchError taxonomy).
type LaunchError struct {
	Step Step
	Err  error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("sandbox: step %s failed: %v", e.Step, e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

var defaultBindMounts = []string{"/bin", "/usr/bin", "/lib", "/lib64", "/usr/lib"}

// Launcher starts isolated children. It holds no per-job state; each
// Spawn call is independent.
type Launcher struct {
	log          *slog.Logger
	selfExe      string // path used to re-exec ourselves; overridable in tests
	childInitArg []string
}

// NewLauncher returns a Launcher that re-execs via /proc/self/exe,
// matching the teacher's ProcSelfArgMaker.
func NewLauncher(log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{log: log, selfExe: "/proc/self/exe", childInitArg: []string{"child-init"}}
}

// ChildHandle is an owned handle to a spawned child process. The
// caller (internal/job.Coordinator) holds it until Wait returns.
type ChildHandle struct {
	Pid int

	cmd        *exec.Cmd
	signalPipe *os.File
}

// WaitResult is the outcome of waiting for a child.
type WaitResult struct {
	Kind         string // "exited", "signaled", "setup_failed"
	ExitCode     int
	Signal       int
	SetupStep    Step
}

// Spawn starts exec_path in fresh namespaces, attaches the resulting
// PID to cgroupHandle, then releases the child to proceed with its
// own setup and execve, per spec.md §4.3's ordered steps 1-5 (steps
// 6.a-6.h run in the child, performed by internal/cli's child-init
// subcommand).
//
// attach is called with the child's PID before the start signal is
// sent (spec.md §5: "the child is attached to the cgroup before its
// first userspace instruction runs after exec").
func (l *Launcher) Spawn(spec Spec, cgroupHandle *cgroup.Handle, attach func(pid int) error) (*ChildHandle, error) {
	argv := l.childInitArgv(spec)

	cmd := &exec.Cmd{
		Path:   l.selfExe,
		Args:   append([]string{"safebox"}, argv...),
		Env:    spec.Env,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	}

	cloneFlags := syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER
	if spec.IsolateNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}

	readFromChild, writeToChild, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Step: StepClone, Err: err}
	}

	// The user-namespace ID maps are not declared here via UidMappings/
	// GidMappings: the parent writes setgroups=deny/uid_map/gid_map by
	// hand after Start returns (spec.md §4.3 step 3), before attaching
	// the child to its cgroup and before sending the start signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(cloneFlags),
	}
	cmd.ExtraFiles = []*os.File{readFromChild}

	if err := cmd.Start(); err != nil {
		readFromChild.Close()
		writeToChild.Close()
		return nil, &LaunchError{Step: StepClone, Err: err}
	}
	readFromChild.Close() // parent only writes

	pid := cmd.Process.Pid

	if err := writeIDMaps(pid); err != nil {
		_ = cmd.Process.Kill()
		writeToChild.Close()
		return nil, &LaunchError{Step: StepIDMap, Err: err}
	}

	if err := attach(pid); err != nil {
		_ = cmd.Process.Kill()
		writeToChild.Close()
		return nil, &LaunchError{Step: StepAttach, Err: err}
	}

	if _, err := writeToChild.Write([]byte{'\n'}); err != nil {
		_ = cmd.Process.Kill()
		writeToChild.Close()
		return nil, &LaunchError{Step: StepSignal, Err: err}
	}
	writeToChild.Close()

	l.log.Debug("sandbox child released", "pid", pid)
	return &ChildHandle{Pid: pid, cmd: cmd}, nil
}

// Wait blocks until the child exits and classifies its outcome.
func (h *ChildHandle) Wait() (WaitResult, error) {
	err := h.cmd.Wait()
	if err == nil {
		return WaitResult{Kind: "exited", ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return WaitResult{}, err
		}
		if ws.Signaled() {
			return WaitResult{Kind: "signaled", Signal: int(ws.Signal())}, nil
		}
		code := ws.ExitStatus()
		if step, ok := stepForExitCode(code); ok {
			return WaitResult{Kind: "setup_failed", ExitCode: code, SetupStep: step}, nil
		}
		return WaitResult{Kind: "exited", ExitCode: code}, nil
	}
	return WaitResult{}, err
}

// Kill sends sig to the child process.
func (h *ChildHandle) Kill(sig syscall.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func stepForExitCode(code int) (Step, bool) {
	for step, c := range stepExitCodes {
		if c == code {
			return step, true
		}
	}
	return "", false
}

func (l *Launcher) childInitArgv(spec Spec) []string {
	argv := append([]string{}, l.childInitArg...)
	argv = append(argv, "--exec", spec.Exec)
	if spec.IsolateNetwork {
		argv = append(argv, "--isolate-network")
	}
	argv = append(argv, "--uid", strconv.Itoa(spec.UnprivUID))
	argv = append(argv, "--gid", strconv.Itoa(spec.UnprivGID))
	mounts := spec.BindMounts
	if len(mounts) == 0 {
		mounts = defaultBindMounts
	}
	for _, m := range mounts {
		argv = append(argv, "--bind", m)
	}
	argv = append(argv, "--")
	argv = append(argv, spec.Exec)
	argv = append(argv, spec.Args...)
	return argv
}

// writeIDMaps writes the user-namespace ID maps for pid, per spec.md
// §4.3 step 3: setgroups=deny, then a single-entry uid_map/gid_map
// that maps in-namespace 0 to the parent's effective uid/gid. These
// must be written before the child proceeds past its first
// synchronization point (the start-signal pipe read).
func writeIDMaps(pid int) error {
	base := filepath.Join("/proc", strconv.Itoa(pid))

	if err := os.WriteFile(filepath.Join(base, "setgroups"), []byte("deny"), 0o200); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	uidMap := fmt.Sprintf("0 %d 1", os.Geteuid())
	if err := os.WriteFile(filepath.Join(base, "uid_map"), []byte(uidMap), 0o200); err != nil {
		return fmt.Errorf("uid_map: %w", err)
	}
	gidMap := fmt.Sprintf("0 %d 1", os.Getegid())
	if err := os.WriteFile(filepath.Join(base, "gid_map"), []byte(gidMap), 0o200); err != nil {
		return fmt.Errorf("gid_map: %w", err)
	}
	return nil
}
