package daemon_test

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeboxrun/safebox/internal/cgroup"
	"github.com/safeboxrun/safebox/internal/daemon"
	"github.com/safeboxrun/safebox/internal/job"
	"github.com/safeboxrun/safebox/internal/safety"
	"github.com/safeboxrun/safebox/internal/sandbox"
	"github.com/safeboxrun/safebox/internal/vector"
)

// newTestDaemon starts a Server on a temp-dir socket backed by a real
// Coordinator, the same shape as the teacher's client_test.go starting
// a real grpc.Server on a loopback listener rather than mocking the
// transport.
func newTestDaemon(t *testing.T) *daemon.Client {
	t.Helper()

	engine := safety.New()
	require.NoError(t, engine.Init(vector.Vector{10, 5}, []string{"cpu", "mem"}))
	mgr := cgroup.NewManager(t.TempDir(), slog.Default())
	launcher := sandbox.NewLauncher(slog.Default())
	coord := job.NewCoordinator(engine, mgr, launcher, slog.Default())

	srv := &daemon.Server{Coordinator: coord}
	socket := filepath.Join(t.TempDir(), "safebox.sock")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(socket) }()
	t.Cleanup(func() {
		select {
		case err := <-errCh:
			t.Logf("daemon exited: %v", err)
		default:
		}
	})

	require.Eventually(t, func() bool {
		c := &daemon.Client{SocketPath: socket}
		_, err := c.State()
		return err == nil
	}, time.Second, 10*time.Millisecond, "daemon never came up")

	return &daemon.Client{SocketPath: socket}
}

func TestClientSubmitReachesSharedCoordinator(t *testing.T) {
	client := newTestDaemon(t)

	spec := job.Spec{
		Name:         "over-max",
		Max:          vector.Vector{99, 99},
		InitialAlloc: vector.Vector{0, 0},
		Req:          vector.Vector{0, 0},
	}

	result, err := client.Submit(spec)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Contains(t, result.RejectionReason, "exceeds totals")
}

func TestClientStateRoundTripsAcrossSeparateConnections(t *testing.T) {
	client := newTestDaemon(t)

	// Each subcommand invocation is its own process, so this dials a
	// second connection rather than reusing client's first one — the
	// behavior under test is that a fresh connection still reaches the
	// one resident Coordinator, not a brand-new empty one.
	second := &daemon.Client{SocketPath: client.SocketPath}

	snap, err := second.State()
	require.NoError(t, err)
	assert.Equal(t, vector.Vector{10, 5}, snap.Totals)
	assert.Equal(t, vector.Vector{10, 5}, snap.Available)
	assert.Equal(t, []string{"cpu", "mem"}, snap.Names)
	assert.Empty(t, snap.Jobs)
}

func TestClientReleaseUnknownJobErrors(t *testing.T) {
	client := newTestDaemon(t)

	err := client.Release("no-such-job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestClientErrorsWhenNoDaemonListening(t *testing.T) {
	client := &daemon.Client{SocketPath: filepath.Join(t.TempDir(), "nobody-home.sock")}

	_, err := client.State()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no safebox daemon listening")
}
