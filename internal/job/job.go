// Package job runs one download from playlist to output file.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/agleyzer/hls2mp4/internal/crypt"
	"github.com/agleyzer/hls2mp4/internal/download"
	"github.com/agleyzer/hls2mp4/internal/fetch"
	"github.com/agleyzer/hls2mp4/internal/history"
	"github.com/agleyzer/hls2mp4/internal/merge"
	"github.com/agleyzer/hls2mp4/internal/playlist"
	"github.com/agleyzer/hls2mp4/internal/progress"
	"github.com/agleyzer/hls2mp4/internal/transcode"
	"github.com/agleyzer/hls2mp4/internal/variant"
	"github.com/agleyzer/hls2mp4/internal/workspace"
)

// ErrOutputLocked is returned when another process is writing the same output.
var ErrOutputLocked = errors.New("output is locked by another process")

// Transcoder converts the merged transport stream into the final container.
type Transcoder interface {
	Check(ctx context.Context) error
	Convert(ctx context.Context, input, output string, opts transcode.Options) error
}

// Options configures a Runner.
type Options struct {
	Concurrency   int
	Retries       int
	RetryDelay    time.Duration
	Timeout       time.Duration
	Output        string
	TempDir       string
	KeepTemp      bool
	SkipTranscode bool
	VideoBitrate  int
	AudioBitrate  int
}

// Result describes a completed job.
type Result struct {
	ID        string
	Output    string
	Segments  int
	Bytes     int64
	Encrypted bool
	Variant   *variant.Variant
	TempDir   string
	Elapsed   time.Duration
}

// Runner executes jobs.
type Runner struct {
	opts        Options
	playlists   fetch.Getter
	media       fetch.Getter
	transcoder  Transcoder
	history     *history.Store
	progressOut io.Writer
	logger      *slog.Logger

	tracker atomic.Pointer[progress.Tracker]
}

// Option customizes a Runner.
type Option func(*Runner)

// WithHistory records each job in store.
func WithHistory(store *history.Store) Option {
	return func(r *Runner) {
		r.history = store
	}
}

// WithProgressOutput sets where the progress bar is drawn. Defaults to stderr.
func WithProgressOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.progressOut = w
	}
}

// WithClients replaces the playlist and media HTTP clients.
func WithClients(playlists, media fetch.Getter) Option {
	return func(r *Runner) {
		r.playlists = playlists
		r.media = media
	}
}

// New creates a Runner. transcoder may be nil when SkipTranscode is set.
func New(opts Options, transcoder Transcoder, logger *slog.Logger, options ...Option) *Runner {
	r := &Runner{
		opts:        opts,
		playlists:   fetch.NewBrowser(opts.Timeout),
		media:       fetch.NewMedia(opts.Timeout),
		transcoder:  transcoder,
		progressOut: os.Stderr,
		logger:      logger,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Snapshot reports the progress of the current job.
func (r *Runner) Snapshot() progress.Snapshot {
	if t := r.tracker.Load(); t != nil {
		return t.Snapshot()
	}
	return progress.Snapshot{State: progress.StateResolving}
}

// Run downloads the stream at location into the configured output. Either
// every segment is fetched, decrypted, merged and converted, or an error is
// returned and no output file is left behind.
func (r *Runner) Run(ctx context.Context, location string) (*Result, error) {
	start := time.Now()

	if !r.opts.SkipTranscode {
		if r.transcoder == nil {
			return nil, errors.New("no transcoder configured")
		}
		if err := r.transcoder.Check(ctx); err != nil {
			return nil, err
		}
	}

	output, err := filepath.Abs(r.opts.Output)
	if err != nil {
		return nil, fmt.Errorf("invalid output path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	lock := flock.New(output + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire output lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutputLocked, output)
	}
	// The lock file stays behind: unlinking it would let a waiter and a
	// newcomer lock different inodes for the same output.
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.logger.Warn("failed to release output lock", "error", err)
		}
	}()

	r.logger.Info("fetching playlist", "url", location)
	media, err := playlist.NewResolver(r.playlists, r.logger).Resolve(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playlist: %w", err)
	}

	if i := crypt.FirstRotation(media.Segments); i >= 0 {
		r.logger.Warn("playlist rotates keys, only the first key is used",
			"segment", i,
			"key", media.Segments[i].Key.URI,
		)
	}

	key, err := crypt.ResolveKey(ctx, r.media, media.Segments, media.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key: %w", err)
	}
	if key != nil {
		r.logger.Info("resolved decryption key", "uri", key.URI)
	}

	ws, err := workspace.New(r.opts.TempDir)
	if err != nil {
		return nil, err
	}

	total := len(media.Segments)
	r.recordStart(ctx, ws.ID, location, output, total)

	tracker := progress.New(ws.ID, location, total, r.progressOut, r.logger)
	r.tracker.Store(tracker)

	res := &Result{
		ID:        ws.ID,
		Output:    output,
		Segments:  total,
		Encrypted: key != nil,
		Variant:   media.Variant,
	}

	err = r.process(ctx, media, key, ws, tracker, output, res)
	res.Elapsed = time.Since(start)
	tracker.Finish(err)
	r.recordFinish(ws.ID, total, res.Bytes, err)

	if err != nil {
		r.logger.Error("job failed, temporary files kept for inspection", "dir", ws.Dir)
		return nil, err
	}
	return res, nil
}

func (r *Runner) process(ctx context.Context, media *playlist.Media, key *crypt.Key, ws *workspace.Workspace, tracker *progress.Tracker, output string, res *Result) error {
	total := len(media.Segments)
	r.logger.Info("downloading segments",
		"segments", total,
		"concurrency", r.opts.Concurrency,
		"encrypted", key != nil,
		"dir", ws.Dir,
	)

	controller := download.NewController(r.media, key, ws, download.Options{
		Concurrency: r.opts.Concurrency,
		Retries:     r.opts.Retries,
		RetryDelay:  r.opts.RetryDelay,
	}, r.logger)

	events := make(chan download.Event, total)
	consumed := make(chan struct{})
	go func() {
		tracker.Consume(events)
		close(consumed)
	}()

	err := controller.Run(ctx, media.Segments, events)
	close(events)
	<-consumed
	if err != nil {
		return err
	}

	tracker.SetState(progress.StateMerging)
	merged := ws.MergedPath()
	n, err := merge.ToFile(total, ws, merged, r.opts.KeepTemp)
	if err != nil {
		return fmt.Errorf("failed to merge segments: %w", err)
	}
	res.Bytes = n
	r.logger.Info("merged segments", "path", merged, "size", humanize.Bytes(uint64(n)))

	if r.opts.SkipTranscode {
		if err := placeFile(merged, output, r.opts.KeepTemp); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	} else {
		tracker.SetState(progress.StateTranscoding)
		opts := transcode.Options{VideoBitrate: r.opts.VideoBitrate, AudioBitrate: r.opts.AudioBitrate}
		partial := partialPath(output)
		if err := r.transcoder.Convert(ctx, merged, partial, opts); err != nil {
			os.Remove(partial)
			return fmt.Errorf("failed to transcode: %w", err)
		}
		if err := os.Rename(partial, output); err != nil {
			os.Remove(partial)
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if r.opts.KeepTemp {
		res.TempDir = ws.Dir
		r.logger.Info("keeping temporary files", "dir", ws.Dir)
	} else if err := ws.Remove(); err != nil {
		r.logger.Warn("failed to remove temporary files", "dir", ws.Dir, "error", err)
	}

	r.logger.Info("download complete", "output", output)
	return nil
}

func (r *Runner) recordStart(ctx context.Context, id, source, output string, segments int) {
	if r.history == nil {
		return
	}
	err := r.history.Start(ctx, history.Job{ID: id, Source: source, Output: output, Segments: segments})
	if err != nil {
		r.logger.Warn("failed to record job start", "job", id, "error", err)
	}
}

func (r *Runner) recordFinish(id string, segments int, bytes int64, jobErr error) {
	if r.history == nil {
		return
	}
	// The job context may already be canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.history.Finish(ctx, id, segments, bytes, jobErr); err != nil {
		r.logger.Warn("failed to record job result", "job", id, "error", err)
	}
}
