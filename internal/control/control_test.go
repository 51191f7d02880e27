package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/buildfix/internal/types"
)

// socketPath keeps paths short; unix socket paths are limited to ~100 bytes
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bf")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "c.sock")
}

func startServer(t *testing.T, h Handler) (*Server, *Client) {
	t.Helper()
	path := socketPath(t)
	srv, err := NewServer(path, h, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = srv.Stop()
	})
	require.NoError(t, srv.Start(ctx))
	return srv, NewClient(path)
}

func TestServer_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var got []Command
	srv, client := startServer(t, func(ctx context.Context, cmd Command) (map[string]interface{}, error) {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		switch cmd.Type {
		case CommandCount:
			return map[string]interface{}{"count": 12, "force": cmd.Force}, nil
		case CommandFix:
			return map[string]interface{}{"code": cmd.Diagnostic.Code}, nil
		case CommandLock:
			return map[string]interface{}{"key": cmd.Key, "ttl": cmd.TTL.String()}, nil
		}
		return nil, fmt.Errorf("%w: unknown command %q", types.ErrValidation, cmd.Type)
	})
	assert.True(t, srv.IsRunning())

	resp, err := client.Count(true)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.EqualValues(t, 12, resp.Data["count"])
	assert.Equal(t, true, resp.Data["force"])

	resp, err = client.Fix(types.Diagnostic{Code: "CS0101", File: "A.cs", Line: 3})
	require.NoError(t, err)
	assert.Equal(t, "CS0101", resp.Data["code"])

	resp, err = client.Lock("file:A.cs", "me", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "1m0s", resp.Data["ttl"])

	resp, err = client.Cancel()
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestServer_BadRequest(t *testing.T) {
	srv, _ := startServer(t, func(ctx context.Context, cmd Command) (map[string]interface{}, error) {
		return nil, nil
	})

	conn, err := net.Dial("unix", srv.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "failed to decode command")
}

func TestServer_StopRemovesSocket(t *testing.T) {
	srv, client := startServer(t, nil)

	resp, err := client.Status()
	require.NoError(t, err)
	assert.False(t, resp.Success, "no handler registered")

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	_, err = os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, srv.Stop(), "stop is idempotent")

	_, err = client.Status()
	assert.ErrorContains(t, err, "is `buildfix serve` running?")
}

func TestNewServer_RemovesStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	_, err := NewServer(path, nil, nil)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
