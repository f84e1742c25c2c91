package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hls2mp4/internal/history"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if want := "hls2mp4 v" + version + "\n"; stdout != want {
		t.Errorf("Expected %q, got %q", want, stdout)
	}
}

func TestConfigCommand(t *testing.T) {
	stdout, _, err := runCLI(t, "config", "-c", "12", "--retry-delay", "500ms", "-o", "movie.mp4")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for _, want := range []string{"concurrency = 12", "500ms", "movie.mp4"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, stdout)
		}
	}
}

func TestConfigCommand_InvalidValue(t *testing.T) {
	_, _, err := runCLI(t, "config", "--concurrency", "0")
	if err == nil {
		t.Fatal("Expected error for zero concurrency")
	}
}

func TestRootCommand_RequiresPlaylist(t *testing.T) {
	_, _, err := runCLI(t)
	if err == nil {
		t.Fatal("Expected error when no playlist is given")
	}
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Start(ctx, history.Job{ID: "job-a", Source: "http://a/index.m3u8", Output: "a.mp4", StartedAt: started}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := store.Finish(ctx, "job-a", 4, 4096, nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	store.Close()

	stdout, _, err := runCLI(t, "history", "--history", dbPath)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	for _, want := range []string{"job-a", "completed", "a.mp4", "4.1 kB"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("Expected table to contain %q, got:\n%s", want, stdout)
		}
	}
}

func TestHistoryCommand_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	stdout, _, err := runCLI(t, "history", "--history", dbPath)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(stdout, "No jobs recorded") {
		t.Errorf("Expected empty notice, got %q", stdout)
	}
}

func TestHistoryCommand_Disabled(t *testing.T) {
	_, _, err := runCLI(t, "history", "--history", "")
	if err == nil {
		t.Fatal("Expected error when history is disabled")
	}
}

func TestRenderHistory_TruncatesErrors(t *testing.T) {
	out := renderHistory([]history.Job{{
		ID:        "job-b",
		Status:    history.StatusFailed,
		Error:     strings.Repeat("x", 100),
		StartedAt: time.Now(),
	}})
	if strings.Contains(out, strings.Repeat("x", 61)) {
		t.Errorf("Expected error column to be truncated, got:\n%s", out)
	}
	if !strings.Contains(out, "…") {
		t.Errorf("Expected ellipsis in truncated error, got:\n%s", out)
	}
}

func TestDownload_SkipTranscode(t *testing.T) {
	segments := []string{"first-", "second-", "third"}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:2\n")
		for i := range segments {
			fmt.Fprintf(&b, "#EXTINF:2.0,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		fmt.Fprint(w, b.String())
	})
	for i, body := range segments {
		body := body
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	output := filepath.Join(dir, "out.ts")
	dbPath := filepath.Join(dir, "history.db")

	_, stderr, err := runCLI(t,
		"--skip-transcode",
		"--retry-delay", "10ms",
		"--temp-dir", filepath.Join(dir, "tmp"),
		"--history", dbPath,
		"-o", output,
		srv.URL+"/index.m3u8",
	)
	if err != nil {
		t.Fatalf("Expected no error, got %v\n%s", err, stderr)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if want := strings.Join(segments, ""); string(data) != want {
		t.Errorf("Expected %q, got %q", want, data)
	}
	if !strings.Contains(stderr, "output written") {
		t.Errorf("Expected summary log line, got:\n%s", stderr)
	}

	store, err := history.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen history: %v", err)
	}
	defer store.Close()
	jobs, err := store.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != history.StatusCompleted {
		t.Errorf("Expected one completed job, got %+v", jobs)
	}
}

func TestDownload_SegmentFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\nseg0.ts\n#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	output := filepath.Join(dir, "out.ts")

	_, _, err := runCLI(t,
		"--skip-transcode",
		"--retries", "2",
		"--retry-delay", "1ms",
		"--temp-dir", filepath.Join(dir, "tmp"),
		"--history", "",
		"-o", output,
		srv.URL+"/index.m3u8",
	)
	if err == nil {
		t.Fatal("Expected error for failing segment")
	}
	if !strings.Contains(err.Error(), "segment 0") {
		t.Errorf("Expected error to name segment 0, got %v", err)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Errorf("Expected no output file, got %v", statErr)
	}
}
