package companion

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/processstate"
	"github.com/tatzyr/idb/pkg/targets"

	"github.com/fsnotify/fsnotify"
)

const readinessPollInterval = 100 * time.Millisecond

// waitUntilReady blocks until the server at address accepts connections.
// It fails when the ready timeout elapses, the companion process dies, or
// ctx is cancelled.
func (c *Companion) waitUntilReady(ctx context.Context, address targets.Address, pid int) error {
	readyCtx, cancel := context.WithTimeout(ctx, c.config.ReadyTimeout)
	defer cancel()

	switch addr := address.(type) {
	case targets.DomainSocketAddress:
		return c.waitForSocket(readyCtx, addr.Path, pid)
	case targets.TCPAddress:
		return c.waitForPort(readyCtx, addr.String(), pid)
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported companion server address: %v", address), nil)
	}
}

// waitForSocket waits for the companion to create its domain socket.
func (c *Companion) waitForSocket(ctx context.Context, path string, pid int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewInternalError("failed to create filesystem watcher", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return errors.NewIOError("failed to watch companion socket directory: "+dir, err)
	}

	// The socket may already exist by the time the watch is in place
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	// Poll alongside the watch: a companion that dies without ever binding
	// emits no filesystem event
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return readinessError(ctx, fmt.Sprintf("companion server socket %s", path))
		case event := <-watcher.Events:
			if event.Name == path && event.Op.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			return errors.NewIOError("companion socket watch failed", err)
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			if err := checkCompanionAlive(pid); err != nil {
				return err
			}
		}
	}
}

// waitForPort waits for the companion to accept TCP connections.
func (c *Companion) waitForPort(ctx context.Context, hostport string, pid int) error {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", hostport)
		if err == nil {
			conn.Close()
			return nil
		}
		if aliveErr := checkCompanionAlive(pid); aliveErr != nil {
			return aliveErr
		}
		select {
		case <-ctx.Done():
			return readinessError(ctx, fmt.Sprintf("companion server port %s", hostport))
		case <-time.After(readinessPollInterval):
		}
	}
}

func checkCompanionAlive(pid int) error {
	running, err := processstate.IsProcessRunning(pid)
	if err != nil || running {
		return nil
	}
	return errors.NewIOError(fmt.Sprintf("companion server exited before becoming ready, PID: %d", pid), nil)
}

func readinessError(ctx context.Context, what string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewIOError(what+" did not become ready in time", ctx.Err())
	}
	return errors.NewCancelledError(what+" readiness wait aborted", ctx.Err())
}
