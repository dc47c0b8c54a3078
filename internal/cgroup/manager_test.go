package cgroup_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeboxrun/safebox/internal/cgroup"
)

// fakeRoot builds a directory that looks like a cgroup-v2 job
// subdirectory's control files enough to exercise Manager without a
// real cgroup-v2 mount (statfs/controllers checks are tested
// separately; these tests exercise create/write/read/destroy against
// a plain directory tree, which is all Manager touches once a handle
// exists).
func fakeRoot(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func TestCreateIsIdempotentOnEmptyGroup(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)

	h1, err := m.Create("safebox_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h1.Path(), "cgroup.procs"), nil, 0o600))

	h2, err := m.Create("safebox_1")
	require.NoError(t, err)
	assert.Equal(t, h1.Path(), h2.Path())
}

func TestCreateRefusesNonEmptyExistingGroup(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)

	h, err := m.Create("safebox_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Path(), "cgroup.procs"), []byte("1234\n"), 0o600))

	_, err = m.Create("safebox_1")
	assert.ErrorIs(t, err, cgroup.ErrAlreadyExists)
}

func TestPathTraversalRejected(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)

	_, err := m.Create("../escape")
	assert.ErrorIs(t, err, cgroup.ErrPathTraversal)
}

func TestSetMemoryAndCPUMaxWriteExpectedFiles(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)
	h, err := m.Create("safebox_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Path(), "cgroup.procs"), nil, 0o600))

	require.NoError(t, m.SetMemoryMax(h, 10*1024*1024))
	mem, err := os.ReadFile(filepath.Join(h.Path(), "memory.max"))
	require.NoError(t, err)
	assert.Equal(t, "10485760", string(mem))

	require.NoError(t, m.SetCPUMax(h, 50000, 100000))
	cpu, err := os.ReadFile(filepath.Join(h.Path(), "cpu.max"))
	require.NoError(t, err)
	assert.Equal(t, "50000 100000", string(cpu))

	require.NoError(t, m.SetCPUMax(h, 0, 0))
	cpu, err = os.ReadFile(filepath.Join(h.Path(), "cpu.max"))
	require.NoError(t, err)
	assert.Equal(t, "max 100000", string(cpu))
}

func TestStatsParsesMemoryCurrentAndCPUStat(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)
	h, err := m.Create("safebox_1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(h.Path(), "memory.current"), []byte("1048576\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(h.Path(), "cpu.stat"), []byte("usage_usec 5000\nuser_usec 3000\nsystem_usec 2000\nthrottled_usec 77\n"), 0o600))

	s, err := m.Stats(h)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), s.MemoryCurrentBytes)
	assert.Equal(t, int64(5000), s.CPUUsageUS)
	assert.Equal(t, int64(77), s.ThrottledUS)
}

func TestDestroyRefusesNonEmptyGroup(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)
	h, err := m.Create("safebox_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Path(), "cgroup.procs"), []byte("99\n"), 0o600))

	err = m.Destroy(h)
	assert.ErrorIs(t, err, cgroup.ErrNotEmpty)
}

func TestCreateThenDestroyIsNoOp(t *testing.T) {
	root := fakeRoot(t)
	m := cgroup.NewManager(root, nil)

	h, err := m.Create("safebox_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Path(), "cgroup.procs"), nil, 0o600))

	require.NoError(t, m.Destroy(h))
	_, statErr := os.Stat(h.Path())
	assert.True(t, os.IsNotExist(statErr))
}
