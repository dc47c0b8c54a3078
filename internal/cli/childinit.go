package cli

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/safeboxrun/safebox/internal/sandbox"
)

// startSignalFD is the fd the sandboxed child blocks a read on
// immediately after clone, per spec.md §4.3 step 5. The launcher
// passes it as the sole entry of exec.Cmd.ExtraFiles, which lands
// at fd 3 (0, 1, 2 are stdin/stdout/stderr).
const startSignalFD = 3

var defaultHostname = "safebox"

// Run performs spec.md §4.3 step 6: after the start signal, mount the
// private root, remount /proc, bind-mount the minimal set, set the
// hostname, enable NO_NEW_PRIVS, drop privileges, install seccomp, and
// execve the target. Every failure here exits with a distinguished
// setup-failure code the parent's ChildHandle.Wait classifies, rather
// than returning an error up through kong (this process never returns
// to its caller on the success path: it execve's away).
//
// Grounded on the teacher's ExecPart2 (cgroup/namespace/chroot/exec
// sequence) and the wingthing sandbox's sysProcAttr/cloneFlags
// ordering (ID maps before exec, NO_NEW_PRIVS before seccomp install).
func (cmd *CmdChildInit) Run() error {
	if err := waitForStartSignal(); err != nil {
		exitStep(sandbox.StepSignal)
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		exitStep(sandbox.StepMountPriv)
	}

	if err := unix.Mount("", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		exitStep(sandbox.StepMountProc)
	}

	for _, src := range cmd.Bind {
		if err := unix.Mount(src, src, "", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			exitStep(sandbox.StepBindMount)
		}
	}

	if err := unix.Sethostname([]byte(defaultHostname)); err != nil {
		exitStep(sandbox.StepHostname)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		exitStep(sandbox.StepNoNewPriv)
	}

	if err := unix.Setgid(cmd.GID); err != nil {
		exitStep(sandbox.StepDropPriv)
	}
	if err := unix.Setuid(cmd.UID); err != nil {
		exitStep(sandbox.StepDropPriv)
	}

	if err := sandbox.Install(!cmd.IsolateNetwork); err != nil {
		exitStep(sandbox.StepSeccomp)
	}

	if len(cmd.Target) == 0 {
		exitStep(sandbox.StepExec)
	}
	if err := syscall.Exec(cmd.Exec, cmd.Target, os.Environ()); err != nil {
		exitStep(sandbox.StepExec)
	}
	return nil // unreachable: Exec only returns on error
}

// waitForStartSignal blocks on the parent's one-byte write to the
// synchronization pipe, spec.md §4.3 step 5.
func waitForStartSignal() error {
	f := os.NewFile(uintptr(startSignalFD), "start-signal")
	defer f.Close()
	buf := make([]byte, 1)
	_, err := f.Read(buf)
	return err
}

var stepExitCode = map[sandbox.Step]int{
	sandbox.StepMountPriv: 128,
	sandbox.StepMountProc: 129,
	sandbox.StepBindMount: 130,
	sandbox.StepHostname:  131,
	sandbox.StepNoNewPriv: 132,
	sandbox.StepDropPriv:  133,
	sandbox.StepSeccomp:   134,
	sandbox.StepExec:      135,
}

func exitStep(step sandbox.Step) {
	code, ok := stepExitCode[step]
	if !ok {
		code = 127
	}
	fmt.Fprintf(os.Stderr, "safebox child-init: setup failed at step %s\n", step)
	os.Exit(code)
}
