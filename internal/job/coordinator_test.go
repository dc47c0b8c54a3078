package job_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeboxrun/safebox/internal/cgroup"
	"github.com/safeboxrun/safebox/internal/job"
	"github.com/safeboxrun/safebox/internal/safety"
	"github.com/safeboxrun/safebox/internal/sandbox"
	"github.com/safeboxrun/safebox/internal/vector"
)

// Submit's admission half (steps 1-2) has no filesystem or process
// dependency, so it is exercised directly without a real
// cgroup-v2/namespace host, the same boundary the teacher's
// cli/client_test.go draws around its network mocks.

func newTestCoordinator(t *testing.T) (*job.Coordinator, *safety.Engine) {
	t.Helper()
	engine := safety.New()
	require.NoError(t, engine.Init(vector.Vector{10, 5}, []string{"cpu", "mem"}))

	mgr := cgroup.NewManager(t.TempDir(), slog.Default())
	launcher := sandbox.NewLauncher(slog.Default())
	return job.NewCoordinator(engine, mgr, launcher, slog.Default()), engine
}

func TestSubmitRejectsWhenRequestExceedsAvailability(t *testing.T) {
	c, engine := newTestCoordinator(t)

	// Another job holds all of the first resource, so a request that
	// fits the new job's declared maximum still exceeds availability.
	require.NoError(t, engine.Declare("holder", "holder", vector.Vector{10, 5}, vector.Vector{10, 0}))

	spec := job.Spec{
		Name:         "too-big",
		Max:          vector.Vector{10, 5},
		InitialAlloc: vector.Vector{0, 0},
		Req:          vector.Vector{5, 0},
	}

	result, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Contains(t, result.RejectionReason, "request exceeds availability")
}

func TestSubmitRejectsWhenDeclareExceedsTotals(t *testing.T) {
	c, _ := newTestCoordinator(t)

	spec := job.Spec{
		Name:         "over-max",
		Max:          vector.Vector{99, 99},
		InitialAlloc: vector.Vector{0, 0},
		Req:          vector.Vector{0, 0},
	}

	result, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Contains(t, result.RejectionReason, "exceeds totals")
}

func TestAuditLogSkipsJobRejectedAtDeclare(t *testing.T) {
	engine := safety.New()
	require.NoError(t, engine.Init(vector.Vector{10, 5}, []string{"cpu", "mem"}))
	mgr := cgroup.NewManager(t.TempDir(), slog.Default())
	launcher := sandbox.NewLauncher(slog.Default())

	var buf bytes.Buffer
	c := job.NewCoordinator(engine, mgr, launcher, slog.Default(), job.WithAuditLog(&buf))

	spec := job.Spec{
		Name:         "rejected-for-audit",
		Max:          vector.Vector{99, 99},
		InitialAlloc: vector.Vector{0, 0},
		Req:          vector.Vector{0, 0},
	}
	_, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)

	// Rejected-at-declare submissions return before runAdmitted, so no
	// audit line is written.
	assert.Empty(t, buf.String())
}
