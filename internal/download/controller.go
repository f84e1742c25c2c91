package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hls2mp4/internal/crypt"
	"github.com/agleyzer/hls2mp4/internal/fetch"
	"github.com/agleyzer/hls2mp4/internal/segment"
)

// DefaultConcurrency is the default number of segment pipelines run at once.
const DefaultConcurrency = 8

// Event reports one finished segment.
type Event struct {
	Index     int
	Completed int
	Total     int
}

// Store persists segment plaintext by index.
type Store interface {
	SegmentPath(index int) string
	WriteSegment(index int, data []byte) error
}

// Options configures a Controller.
type Options struct {
	Concurrency int
	Retries     int
	RetryDelay  time.Duration
}

// Controller runs the fetch, decrypt and store pipeline for every segment of
// a job with at most Concurrency pipelines in flight.
type Controller struct {
	fetcher     *Fetcher
	key         *crypt.Key
	store       Store
	concurrency int
	logger      *slog.Logger
}

// NewController creates a Controller. A nil key means segments are stored as fetched.
func NewController(client fetch.Getter, key *crypt.Key, store Store, opts Options, logger *slog.Logger) *Controller {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Controller{
		fetcher:     NewFetcher(client, opts.Retries, opts.RetryDelay, logger),
		key:         key,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run processes all segments and returns nil only if every one of them was
// fetched, decrypted and stored. The first terminal failure decides the
// result: no new pipelines start after it, pipelines already running finish
// and their outcomes are ignored.
//
// When events is non-nil one Event is sent per stored segment. Run never
// closes events.
func (c *Controller) Run(ctx context.Context, segments []segment.Segment, events chan<- Event) error {
	total := len(segments)

	var (
		g         errgroup.Group
		failed    atomic.Bool
		completed atomic.Int64
	)
	g.SetLimit(c.concurrency)

	for _, seg := range segments {
		seg := seg // per-iteration copy; the module targets go 1.21 loop semantics
		if failed.Load() || ctx.Err() != nil {
			break
		}

		// Blocks while all slots are busy.
		g.Go(func() error {
			if failed.Load() {
				return nil
			}

			task := &Task{
				Index: seg.Index,
				URI:   seg.URI,
				Path:  c.store.SegmentPath(seg.Index),
			}
			if err := c.process(ctx, task); err != nil {
				if failed.CompareAndSwap(false, true) {
					c.logger.Error("segment failed, abandoning remaining segments",
						"segment", task.Index,
						"attempts", task.Attempt,
						"error", err,
					)
				}
				return err
			}

			n := int(completed.Add(1))
			if events != nil {
				select {
				case events <- Event{Index: task.Index, Completed: n, Total: total}:
				case <-ctx.Done():
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := int(completed.Load()); n != total {
		return fmt.Errorf("only %d of %d segments completed", n, total)
	}
	return nil
}

func (c *Controller) process(ctx context.Context, task *Task) error {
	data, err := c.fetcher.Fetch(ctx, task)
	if err != nil {
		return err
	}

	plain, err := c.key.Decrypt(data)
	if err != nil {
		return &SegmentError{Index: task.Index, URI: task.URI, Attempts: task.Attempt, Err: fmt.Errorf("decrypt: %w", err)}
	}

	if err := c.store.WriteSegment(task.Index, plain); err != nil {
		return &SegmentError{Index: task.Index, URI: task.URI, Attempts: task.Attempt, Err: fmt.Errorf("store: %w", err)}
	}

	c.logger.Debug("segment stored",
		"segment", task.Index,
		"attempt", task.Attempt,
		"size", humanize.Bytes(uint64(len(plain))),
		"path", task.Path,
	)
	return nil
}
