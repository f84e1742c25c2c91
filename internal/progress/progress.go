// Package progress consumes download events and reports them to the user.
package progress

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/mattn/go-isatty"

	"github.com/agleyzer/hls2mp4/internal/download"
)

// State is the phase of the job being tracked.
type State string

const (
	StateResolving   State = "resolving"
	StateDownloading State = "downloading"
	StateMerging     State = "merging"
	StateTranscoding State = "transcoding"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Snapshot is a point-in-time view of a job's progress.
type Snapshot struct {
	JobID     string        `json:"job_id"`
	Source    string        `json:"source"`
	State     State         `json:"state"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Percent   float64       `json:"percent"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Error     string        `json:"error,omitempty"`
}

type renderer interface {
	update(completed, total int)
	finish(err error)
}

// Tracker follows one job. It is safe for concurrent use.
type Tracker struct {
	jobID   string
	source  string
	total   int
	started time.Time

	completed atomic.Int64

	mu    sync.Mutex
	state State
	err   string

	render     renderer
	renderOnce sync.Once
}

// New creates a Tracker for a job of total segments. A progress bar is drawn on
// out when it is a terminal, otherwise progress goes to logger.
func New(jobID, source string, total int, out io.Writer, logger *slog.Logger) *Tracker {
	var r renderer
	if isTerminal(out) {
		r = newBarRenderer(out, total)
	} else {
		r = newLogRenderer(logger, total)
	}
	return newTracker(jobID, source, total, r)
}

func newTracker(jobID, source string, total int, r renderer) *Tracker {
	return &Tracker{
		jobID:   jobID,
		source:  source,
		total:   total,
		started: time.Now(),
		state:   StateDownloading,
		render:  r,
	}
}

// Consume applies events until the channel is closed.
func (t *Tracker) Consume(events <-chan download.Event) {
	for ev := range events {
		t.observe(ev)
	}
}

func (t *Tracker) observe(ev download.Event) {
	// Events may arrive out of order; the counter only moves forward.
	for {
		cur := t.completed.Load()
		if int64(ev.Completed) <= cur {
			break
		}
		if t.completed.CompareAndSwap(cur, int64(ev.Completed)) {
			t.render.update(ev.Completed, t.total)
			break
		}
	}
}

// SetState records a phase change. Leaving the download phase stops the
// progress display.
func (t *Tracker) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()

	if s != StateDownloading {
		t.stopRender(nil)
	}
}

// Finish stops rendering and records the final outcome.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	if err != nil {
		t.state = StateFailed
		t.err = err.Error()
	} else {
		t.state = StateDone
	}
	t.mu.Unlock()

	t.stopRender(err)
}

func (t *Tracker) stopRender(err error) {
	t.renderOnce.Do(func() {
		t.render.finish(err)
	})
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	state, errMsg := t.state, t.err
	t.mu.Unlock()

	completed := int(t.completed.Load())
	var percent float64
	if t.total > 0 {
		percent = float64(completed) * 100 / float64(t.total)
	}

	return Snapshot{
		JobID:     t.jobID,
		Source:    t.source,
		State:     state,
		Total:     t.total,
		Completed: completed,
		Percent:   percent,
		Elapsed:   time.Since(t.started),
		Error:     errMsg,
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// logRenderer emits a log line every tenth of the job.
type logRenderer struct {
	logger *slog.Logger
	step   int
}

func newLogRenderer(logger *slog.Logger, total int) *logRenderer {
	step := total / 10
	if step < 1 {
		step = 1
	}
	return &logRenderer{logger: logger, step: step}
}

func (r *logRenderer) update(completed, total int) {
	if completed%r.step != 0 && completed != total {
		return
	}
	r.logger.Info("download progress", "completed", completed, "total", total)
}

func (r *logRenderer) finish(error) {}

// barRenderer draws a go-pretty progress bar.
type barRenderer struct {
	writer  progress.Writer
	tracker *progress.Tracker
}

func newBarRenderer(out io.Writer, total int) *barRenderer {
	pw := progress.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(40)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetStyle(progress.StyleDefault)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Percentage = true

	tracker := &progress.Tracker{
		Message: "downloading segments",
		Total:   int64(total),
		Units:   progress.UnitsDefault,
	}
	pw.AppendTracker(tracker)
	go pw.Render()
	for !pw.IsRenderInProgress() {
		time.Sleep(time.Millisecond)
	}

	return &barRenderer{writer: pw, tracker: tracker}
}

func (r *barRenderer) update(completed, _ int) {
	r.tracker.SetValue(int64(completed))
}

func (r *barRenderer) finish(err error) {
	if err != nil {
		r.tracker.MarkAsErrored()
	} else {
		r.tracker.MarkAsDone()
	}
	r.writer.Stop()
	for r.writer.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}
