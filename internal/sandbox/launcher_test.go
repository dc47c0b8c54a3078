package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChildInitArgvCarriesExecBindsAndTrailingArgs(t *testing.T) {
	l := NewLauncher(nil)
	spec := Spec{
		Exec:       "/usr/bin/true",
		Args:       []string{"--flag", "value"},
		BindMounts: []string{"/lib", "/lib64"},
		UnprivUID:  1000,
		UnprivGID:  1000,
	}

	argv := l.childInitArgv(spec)

	assert.Equal(t, []string{
		"child-init",
		"--exec", "/usr/bin/true",
		"--uid", "1000",
		"--gid", "1000",
		"--bind", "/lib",
		"--bind", "/lib64",
		"--",
		"/usr/bin/true", "--flag", "value",
	}, argv)
}

func TestChildInitArgvDefaultsBindMountsWhenUnset(t *testing.T) {
	l := NewLauncher(nil)
	argv := l.childInitArgv(Spec{Exec: "/bin/sh"})

	for _, m := range defaultBindMounts {
		assert.Contains(t, argv, m)
	}
}

func TestChildInitArgvAddsIsolateNetworkFlagOnlyWhenSet(t *testing.T) {
	l := NewLauncher(nil)

	withoutNet := l.childInitArgv(Spec{Exec: "/bin/sh"})
	assert.NotContains(t, withoutNet, "--isolate-network")

	withNet := l.childInitArgv(Spec{Exec: "/bin/sh", IsolateNetwork: true})
	assert.Contains(t, withNet, "--isolate-network")
}

func TestStepForExitCodeMapsKnownCodes(t *testing.T) {
	step, ok := stepForExitCode(int(childSetupFailureBase + 8))
	assert.True(t, ok)
	assert.Equal(t, StepExec, step)

	_, ok = stepForExitCode(0)
	assert.False(t, ok)
}
