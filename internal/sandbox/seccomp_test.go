package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuildFilterDefaultsToKillProcess(t *testing.T) {
	prog := buildFilter(true)
	require.NotEmpty(t, prog)

	assert.Equal(t, uint32(retKillProcess), simulate(prog, unix.SYS_PTRACE))
}

func TestBuildFilterAllowsEveryCategorySyscall(t *testing.T) {
	prog := buildFilter(true)
	for _, nrs := range allowedSyscalls {
		for _, nr := range nrs {
			assert.Equal(t, uint32(retAllow), simulate(prog, nr), "syscall %d should be ALLOW", nr)
		}
	}
}

func TestBuildFilterWithoutSocketsDeniesSocketSyscalls(t *testing.T) {
	prog := buildFilter(false)
	assert.Equal(t, uint32(retKillProcess), simulate(prog, unix.SYS_SOCKET))
}

func TestBuildFilterNamedExceptions(t *testing.T) {
	prog := buildFilter(true)

	assert.Equal(t, retErrno|uint32(unix.EPERM), simulate(prog, unix.SYS_REBOOT))
	assert.Equal(t, uint32(retTrap), simulate(prog, unix.SYS_MOUNT))
	assert.Equal(t, uint32(retTrap), simulate(prog, unix.SYS_UMOUNT2))
	assert.Equal(t, uint32(retTrap), simulate(prog, unix.SYS_PIVOT_ROOT))
	assert.Equal(t, uint32(retTrap), simulate(prog, unix.SYS_CHROOT))
	assert.Equal(t, uint32(retLog), simulate(prog, unix.SYS_UNAME))
}

// simulate is a minimal classic-BPF interpreter, sufficient for the
// tiny instruction set buildFilter emits (one absolute load, a chain
// of K-immediate JEQ comparisons, and K-immediate returns), so the
// jump arithmetic in buildFilter can be tested without installing the
// filter into the kernel.
func simulate(prog []unix.SockFilter, syscallNr uintptr) uint32 {
	var acc uint32
	pc := 0
	for pc < len(prog) {
		ins := prog[pc]
		switch {
		case ins.Code == unix.BPF_LD|unix.BPF_W|unix.BPF_ABS:
			acc = uint32(syscallNr)
			pc++
		case ins.Code == unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K:
			if acc == ins.K {
				pc += 1 + int(ins.Jt)
			} else {
				pc += 1 + int(ins.Jf)
			}
		case ins.Code == unix.BPF_RET|unix.BPF_K:
			return ins.K
		default:
			panic("simulate: unsupported instruction")
		}
	}
	panic("simulate: fell off the end of the program")
}
