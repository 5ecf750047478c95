//go:build !windows

package companion

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/process"
	"github.com/tatzyr/idb/pkg/targets"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStubCompanion(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idb_companion")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestListLocalTargets_ParsesCompanionOutput(t *testing.T) {
	executablePath := writeStubCompanion(t, `#!/bin/sh
echo '{"udid":"AAAA-1111","name":"iPhone 15","state":"Booted","type":"simulator"}'
echo '{"udid":"BBBB-2222","name":"iPhone 12","state":"Shutdown","type":"device"}'
`)
	companion := NewCompanion(Config{ExecutablePath: executablePath}, newTestLogger(t))

	list, err := companion.ListLocalTargets(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AAAA-1111", list[0].UDID)
	assert.Equal(t, "BBBB-2222", list[1].UDID)
	for _, target := range list {
		assert.True(t, target.IsLocal)
	}
}

func TestListLocalTargets_PassesFilterAndDeviceSet(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	executablePath := writeStubCompanion(t, fmt.Sprintf("#!/bin/sh\nprintf '%%s' \"$*\" > %s\n", argsFile))
	companion := NewCompanion(Config{
		ExecutablePath: executablePath,
		DeviceSetPath:  "/var/device-sets/default",
	}, newTestLogger(t))

	list, err := companion.ListLocalTargets(context.Background(), targets.TargetTypeSimulator)
	require.NoError(t, err)
	assert.Empty(t, list)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--list 1 --only simulator --device-set-path /var/device-sets/default", string(args))
}

func TestListLocalTargets_CommandFailure(t *testing.T) {
	executablePath := writeStubCompanion(t, "#!/bin/sh\nexit 1\n")
	companion := NewCompanion(Config{ExecutablePath: executablePath}, newTestLogger(t))

	_, err := companion.ListLocalTargets(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestSpawnServer_DomainSocketBecomesReady(t *testing.T) {
	executablePath := writeStubCompanion(t, "#!/bin/sh\nsleep 30\n")
	companion := NewCompanion(Config{
		ExecutablePath: executablePath,
		ReadyTimeout:   10 * time.Second,
	}, newTestLogger(t))

	socketPath := filepath.Join(t.TempDir(), "AAAA-1111_companion.sock")
	requested := targets.DomainSocketAddress{Path: socketPath}

	// The stub cannot bind a socket itself, so stand in for it once the
	// spawn is under way.
	listenerCh := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		listener, err := net.Listen("unix", socketPath)
		if err == nil {
			listenerCh <- listener
		}
	}()
	t.Cleanup(func() {
		select {
		case listener := <-listenerCh:
			listener.Close()
		default:
		}
	})

	pid, bound, err := companion.SpawnServer(context.Background(), ServerConfig{UDID: "AAAA-1111"}, requested)
	require.NoError(t, err)
	t.Cleanup(func() { _ = process.Kill(pid, newTestLogger(t)) })

	assert.Greater(t, pid, 0)
	assert.Equal(t, requested, bound)
}

func TestSpawnServer_TCPPortBecomesReady(t *testing.T) {
	executablePath := writeStubCompanion(t, "#!/bin/sh\nsleep 30\n")
	companion := NewCompanion(Config{
		ExecutablePath: executablePath,
		ReadyTimeout:   10 * time.Second,
	}, newTestLogger(t))

	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	requested := targets.TCPAddress{Host: "127.0.0.1", Port: port}

	listenerCh := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		listener, err := net.Listen("tcp", requested.String())
		if err == nil {
			listenerCh <- listener
		}
	}()
	t.Cleanup(func() {
		select {
		case listener := <-listenerCh:
			listener.Close()
		default:
		}
	})

	pid, bound, err := companion.SpawnServer(context.Background(), ServerConfig{UDID: "AAAA-1111"}, requested)
	require.NoError(t, err)
	t.Cleanup(func() { _ = process.Kill(pid, newTestLogger(t)) })

	assert.Greater(t, pid, 0)
	assert.Equal(t, requested, bound)
}

func TestSpawnServer_KillsServerThatNeverBecomesReady(t *testing.T) {
	executablePath := writeStubCompanion(t, "#!/bin/sh\nsleep 30\n")
	companion := NewCompanion(Config{
		ExecutablePath: executablePath,
		ReadyTimeout:   500 * time.Millisecond,
	}, newTestLogger(t))

	socketPath := filepath.Join(t.TempDir(), "AAAA-1111_companion.sock")

	_, _, err := companion.SpawnServer(context.Background(), ServerConfig{UDID: "AAAA-1111"}, targets.DomainSocketAddress{Path: socketPath})
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestSpawnServer_FailsFastWhenCompanionExits(t *testing.T) {
	executablePath := writeStubCompanion(t, "#!/bin/sh\nexit 3\n")
	companion := NewCompanion(Config{
		ExecutablePath: executablePath,
		ReadyTimeout:   10 * time.Second,
	}, newTestLogger(t))

	socketPath := filepath.Join(t.TempDir(), "AAAA-1111_companion.sock")

	started := time.Now()
	_, _, err := companion.SpawnServer(context.Background(), ServerConfig{UDID: "AAAA-1111"}, targets.DomainSocketAddress{Path: socketPath})
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestSpawnServer_CancelledContext(t *testing.T) {
	executablePath := writeStubCompanion(t, "#!/bin/sh\nsleep 30\n")
	companion := NewCompanion(Config{
		ExecutablePath: executablePath,
		ReadyTimeout:   10 * time.Second,
	}, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	socketPath := filepath.Join(t.TempDir(), "AAAA-1111_companion.sock")

	_, _, err := companion.SpawnServer(ctx, ServerConfig{UDID: "AAAA-1111"}, targets.DomainSocketAddress{Path: socketPath})
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
}
