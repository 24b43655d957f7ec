package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/engine/tracker"
	"github.com/danpilch/peakprof/pkg/record"
)

// socketDir keeps socket paths short enough for sun_path.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func serve(t *testing.T, eng engine.Engine) (*Client, context.CancelFunc, chan error) {
	t.Helper()
	sock := filepath.Join(socketDir(t), "engine.sock")
	srv, err := Listen(sock, eng, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	c, err := Dial(sock, DialOptions{Attempts: 5, Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, cancel, done
}

func TestClientDrivesTracker(t *testing.T) {
	tr := tracker.New(tracker.Options{})
	c, _, _ := serve(t, tr)
	out := filepath.Join(t.TempDir(), "with space")

	require.NoError(t, c.Reset(out))
	require.NoError(t, c.StartTracking())
	assert.True(t, tr.Tracking())
	require.NoError(t, c.RegisterTracer(42))
	require.NoError(t, c.RegisterTracer(42))
	assert.True(t, tr.Registered(42))

	tr.PushFrame(42, record.SourceFrame("a.py", "f", 3))
	tr.Allocate(42, 0x100, 512)

	size, err := c.AllocationSize(0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(512), size)

	require.NoError(t, c.DumpPeakToFlamegraph(out))
	recs, err := record.ParseFile(filepath.Join(out, "peak-memory.prof"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(512), recs[0].Magnitude)

	require.NoError(t, c.StopTracking())
	assert.False(t, tr.Tracking())
}

func TestClientPerformance(t *testing.T) {
	tr := tracker.New(tracker.Options{})
	c, _, _ := serve(t, tr)
	out := t.TempDir()

	require.NoError(t, c.RegisterTracer(1))
	require.NoError(t, c.StartPerformance(time.Hour))
	tr.SampleOnce()
	require.NoError(t, c.StopPerformance(out))
	_, err := os.Stat(filepath.Join(out, "performance.prof"))
	assert.NoError(t, err)
}

func TestRemoteErrorsArePropagated(t *testing.T) {
	tr := tracker.New(tracker.Options{})
	c, _, _ := serve(t, tr)

	err := c.StopPerformance(t.TempDir())
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, cmdPerfOff, remoteErr.Command)

	_, err = c.call(request{command: "bogus"})
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "unknown command")
}

func TestServerShutdownMeansEngineGone(t *testing.T) {
	tr := tracker.New(tracker.Options{})
	c, cancel, done := serve(t, tr)
	require.NoError(t, c.StartTracking())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	err := c.StopTracking()
	assert.ErrorIs(t, err, engine.ErrEngineGone)
	assert.ErrorIs(t, c.Reset("x"), engine.ErrEngineGone)
}

func TestDialMissingSocketIsUnavailable(t *testing.T) {
	_, err := Dial(filepath.Join(socketDir(t), "missing.sock"), DialOptions{Attempts: 2, Delay: time.Millisecond})
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)

	t.Setenv(EnvControl, "")
	_, err = DialEnv(DefaultDialOptions())
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)
}

func TestListenRejectsRegularFile(t *testing.T) {
	path := filepath.Join(socketDir(t), "file")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := Listen(path, tracker.New(tracker.Options{}), nil)
	assert.Error(t, err)
}

func loadEnv(t *testing.T) (sock, dir string) {
	t.Helper()
	sock = filepath.Join(socketDir(t), "engine.sock")
	dir = filepath.Join(t.TempDir(), "session")
	t.Setenv(EnvControl, sock)
	t.Setenv(EnvSession, dir)
	t.Setenv(EnvSampleInterval, "")
	return sock, dir
}

func TestLoadTracksBeforeServing(t *testing.T) {
	sock, dir := loadEnv(t)
	t.Setenv(EnvSampleInterval, "1h")
	tr := tracker.New(tracker.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := Load(ctx, tr, nil)
	require.NoError(t, err)
	assert.True(t, tr.Tracking())
	tr.Allocate(1, 0x10, 1024)
	require.NoError(t, tr.RegisterTracer(1))
	tr.SampleOnce()

	c, err := Dial(sock, DialOptions{Attempts: 5, Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()
	size, err := c.AllocationSize(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), size)

	require.NoError(t, srv.Exit())
	assert.False(t, tr.Tracking())
	assert.NoFileExists(t, sock)
	recs, err := record.ParseFile(filepath.Join(dir, "peak-memory.prof"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), record.Total(recs))
	assert.FileExists(t, filepath.Join(dir, "performance.prof"))
}

func TestExitAfterRemoteStopLeavesDumpToCaller(t *testing.T) {
	sock, dir := loadEnv(t)
	tr := tracker.New(tracker.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := Load(ctx, tr, nil)
	require.NoError(t, err)

	c, err := Dial(sock, DialOptions{Attempts: 5, Delay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.StopTracking())

	require.NoError(t, srv.Exit())
	assert.NoFileExists(t, filepath.Join(dir, "peak-memory.prof"))
}

func TestLoadNeedsEnvironment(t *testing.T) {
	_, _ = loadEnv(t)
	t.Setenv(EnvSession, "")
	_, err := Load(context.Background(), tracker.New(tracker.Options{}), nil)
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)

	_, _ = loadEnv(t)
	t.Setenv(EnvSampleInterval, "often")
	tr := tracker.New(tracker.Options{})
	_, err = Load(context.Background(), tr, nil)
	assert.Error(t, err)
	assert.False(t, tr.Tracking())
}

func TestClientBeforeConnect(t *testing.T) {
	c := NewClient(filepath.Join(socketDir(t), "late.sock"), DialOptions{Attempts: 100, Delay: 10 * time.Millisecond})
	assert.ErrorIs(t, c.StartTracking(), engine.ErrEngineUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Connect(ctx), engine.ErrEngineUnavailable)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.StartTracking(), engine.ErrEngineGone)
}

func TestLoadTrackerUsesDefaults(t *testing.T) {
	_, dir := loadEnv(t)
	srv, tr, err := LoadTracker(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, tr.Tracking())

	tr.Allocate(1, 0x10, 2048)
	require.NoError(t, srv.Exit())
	recs, err := record.ParseFile(filepath.Join(dir, "peak-memory.prof"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), record.Total(recs))
}
