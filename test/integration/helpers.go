package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"MedChain/client"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running MedChain node process.
type Node struct {
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	dataDir  string             // dataDir is the node's data directory
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	done     chan error         // done receives the process exit status
	cancel   context.CancelFunc // cancel kills the process
}

// Client returns an API client for the node.
func (n *Node) Client() *client.Client { return client.New(n.httpAddr) }

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.stdout.String(), s)
}

// Shutdown sends SIGINT and waits for a clean exit.
func (n *Node) Shutdown(t *testing.T) {
	t.Helper()

	if err := n.cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal node: %v", err)
	}

	select {
	case err := <-n.done:
		if err != nil {
			t.Fatalf("node exited with %v\nstderr:\n%s", err, n.stderr.String())
		}
	case <-time.After(10 * time.Second):
		n.cancel()
		t.Fatal("node did not stop after SIGINT")
	}
}

// startNode runs the node binary with args and waits until /health answers.
func startNode(t *testing.T, binary, dataDir string, args ...string) *Node {
	t.Helper()

	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())

	full := append([]string{"-data", dataDir, "-http", addr}, args...)
	cmd := exec.CommandContext(ctx, binary, full...)

	n := &Node{
		cmd:      cmd,
		httpAddr: addr,
		dataDir:  dataDir,
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
		done:     make(chan error, 1),
		cancel:   cancel,
	}

	cmd.Stdout = n.stdout
	cmd.Stderr = n.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("start node: %v", err)
	}

	go func() { n.done <- cmd.Wait() }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-n.done:
		case <-time.After(2 * time.Second):
		}
	})

	cli := n.Client()
	deadline := time.Now().Add(15 * time.Second)

	for time.Now().Before(deadline) {
		if err := cli.Health(); err == nil {
			return n
		}

		select {
		case err := <-n.done:
			t.Fatalf("node exited early: %v\nstdout:\n%s\nstderr:\n%s", err, n.Logs(), n.stderr.String())
		case <-time.After(100 * time.Millisecond):
		}
	}

	t.Fatalf("node not healthy after 15s\nstdout:\n%s", n.Logs())

	return nil
}

// runNodeExpectFailure runs the node and requires it to exit with an error
// before serving. It returns the captured stderr.
func runNodeExpectFailure(t *testing.T, binary, dataDir string, args ...string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	full := append([]string{"-data", dataDir, "-http", freeAddr(t)}, args...)
	cmd := exec.CommandContext(ctx, binary, full...)

	stderr := &safeBuffer{}
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		t.Fatal("node kept running, expected a startup error")
	}
	if err == nil {
		t.Fatal("node exited cleanly, expected a startup error")
	}

	return stderr.String()
}

// freeAddr reserves a loopback port and releases it for the node to bind.
func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// buildBinary compiles cmd/node into a temp file.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "medchain-node")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// writeFile writes content under dir and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}

	return path
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}

func mustf(t *testing.T, err error, format string, args ...any) {
	t.Helper()

	if err != nil {
		t.Fatalf("%s: %v", fmt.Sprintf(format, args...), err)
	}
}
