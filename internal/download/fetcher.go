// Package download fetches, decrypts and stores segments through a bounded pool.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/hls2mp4/internal/fetch"
)

const (
	// DefaultRetries is the number of attempts made per segment.
	DefaultRetries = 3

	// DefaultRetryDelay is the fixed wait between failed attempts.
	DefaultRetryDelay = 2 * time.Second
)

// Task is the unit of work for one segment.
type Task struct {
	Index   int
	URI     string
	Attempt int
	Path    string
}

// SegmentError is the terminal failure of one segment.
type SegmentError struct {
	Index    int
	URI      string
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d (%s) failed after %d attempt(s): %v", e.Index, e.URI, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// Fetcher performs segment GETs with a fixed retry policy.
type Fetcher struct {
	client  fetch.Getter
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher making up to retries attempts per segment,
// waiting delay between failed attempts.
func NewFetcher(client fetch.Getter, retries int, delay time.Duration, logger *slog.Logger) *Fetcher {
	if retries < 1 {
		retries = 1
	}
	return &Fetcher{
		client:  client,
		retries: retries,
		delay:   delay,
		logger:  logger,
	}
}

// Fetch downloads the task's segment. Any transport error or non-2xx status
// counts as a failed attempt. task.Attempt records the attempt in progress.
func (f *Fetcher) Fetch(ctx context.Context, task *Task) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.retries; attempt++ {
		task.Attempt = attempt

		data, err := f.client.Get(ctx, task.URI)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt == f.retries {
			break
		}

		f.logger.Warn("segment fetch failed, retrying",
			"segment", task.Index,
			"attempt", attempt,
			"retries", f.retries,
			"error", err,
		)

		timer := time.NewTimer(f.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &SegmentError{
		Index:    task.Index,
		URI:      task.URI,
		Attempts: task.Attempt,
		Err:      lastErr,
	}
}
