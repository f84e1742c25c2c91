// Package integration provides integration testing utilities for hls2mp4.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hls2mp4/internal/crypt"
	"github.com/agleyzer/hls2mp4/internal/progress"
)

// TestHarness manages an origin server and hls2mp4 runs against it.
type TestHarness struct {
	t           *testing.T
	httpServer  *http.Server
	httpPort    int
	statusPort  int
	originDir   string
	workDir     string
	segmentWait time.Duration
	cmd         *exec.Cmd
	stderr      bytes.Buffer
	done        chan error
	cancel      context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		httpPort:   findAvailablePort(t),
		statusPort: findAvailablePort(t),
		originDir:  t.TempDir(),
		workDir:    t.TempDir(),
	}
}

// SlowSegments delays every .ts response by d.
func (h *TestHarness) SlowSegments(d time.Duration) {
	h.segmentWait = d
}

// WriteStream writes a media playlist named name to the origin with its
// segment files next to it. When key is non-nil the segments are AES-128
// encrypted with it.
func (h *TestHarness) WriteStream(name string, segments [][]byte, key, iv []byte) {
	h.t.Helper()

	dir := path.Dir(name)

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	if key != nil {
		h.WriteFile(path.Join(dir, "stream.key"), key)
		fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=\"stream.key\",IV=0x%x\n", iv)
	}

	for i, data := range segments {
		if key != nil {
			enc, err := crypt.Encrypt(data, key, iv)
			if err != nil {
				h.t.Fatalf("failed to encrypt segment %d: %v", i, err)
			}
			data = enc
		}
		segName := fmt.Sprintf("segment%03d.ts", i)
		h.WriteFile(path.Join(dir, segName), data)
		fmt.Fprintf(&b, "#EXTINF:2.0,\n%s\n", segName)
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	h.WriteFile(name, []byte(b.String()))
}

// WriteFile places a file on the origin.
func (h *TestHarness) WriteFile(name string, data []byte) {
	h.t.Helper()

	dst := filepath.Join(h.originDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		h.t.Fatalf("failed to create origin dir: %v", err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
}

// StartOrigin serves the origin directory over HTTP.
func (h *TestHarness) StartOrigin() {
	h.t.Helper()

	fileServer := http.FileServer(http.Dir(h.originDir))
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if h.segmentWait > 0 && strings.HasSuffix(r.URL.Path, ".ts") {
			time.Sleep(h.segmentWait)
		}
		fileServer.ServeHTTP(w, r)
	})

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(fmt.Sprintf("http://localhost:%d/", h.httpPort), 5*time.Second)
	h.t.Logf("origin started on port %d", h.httpPort)
}

// URL returns the origin URL of name.
func (h *TestHarness) URL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// OutputPath returns a path inside the harness work directory.
func (h *TestHarness) OutputPath(name string) string {
	return filepath.Join(h.workDir, name)
}

// StartDownload launches hls2mp4 on playlist in the background. The status
// server is enabled and temporary files go under the work directory.
func (h *TestHarness) StartDownload(playlist string, extra ...string) {
	h.t.Helper()

	binaryPath := h.findBinary()

	args := []string{
		"--temp-dir", filepath.Join(h.workDir, "tmp"),
		"--history", filepath.Join(h.workDir, "history.db"),
		"--status-port", fmt.Sprintf("%d", h.statusPort),
		"--retry-delay", "50ms",
	}
	args = append(args, extra...)
	args = append(args, h.URL(playlist))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.cmd = exec.CommandContext(ctx, binaryPath, args...)
	h.cmd.Stdout = os.Stdout
	h.cmd.Stderr = io.MultiWriter(os.Stderr, &h.stderr)

	if err := h.cmd.Start(); err != nil {
		h.t.Fatalf("failed to start hls2mp4: %v", err)
	}

	h.done = make(chan error, 1)
	go func() {
		h.done <- h.cmd.Wait()
	}()
}

// Wait blocks until the running download exits and returns its error.
func (h *TestHarness) Wait(timeout time.Duration) error {
	h.t.Helper()

	select {
	case err := <-h.done:
		return err
	case <-time.After(timeout):
		h.t.Fatalf("hls2mp4 did not exit within %v", timeout)
		return nil
	}
}

// Stderr returns everything the binary logged so far.
func (h *TestHarness) Stderr() string {
	return h.stderr.String()
}

// FetchProgress reads the status server's progress snapshot. ok is false
// when the server is not reachable.
func (h *TestHarness) FetchProgress() (snap progress.Snapshot, ok bool) {
	h.t.Helper()

	url := fmt.Sprintf("http://localhost:%d/progress", h.statusPort)
	resp, err := http.Get(url)
	if err != nil {
		return snap, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		h.t.Fatalf("failed to decode progress: %v", err)
	}
	return snap, true
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.done != nil {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
		}
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findBinary locates the hls2mp4 binary.
func (h *TestHarness) findBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../hls2mp4",         // From test/integration
		"./hls2mp4",             // From project root
		"../hls2mp4",            // From test directory
		"./cmd/hls2mp4/hls2mp4", // Built in place
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			absPath, _ := filepath.Abs(candidate)
			h.t.Logf("Found hls2mp4 binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Skip("hls2mp4 binary not found. Run 'go build -o hls2mp4 ./cmd/hls2mp4' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
