// Package sink implements the two append-only JSONL writers the rest of
// the orchestrator enqueues records onto: evidence (summaries only) and
// diagnostics (heartbeats/status/errors/acks/logs). Each is a single
// writer goroutine draining a bounded channel, matching the "sessions
// enqueue records and never touch the file directly" resource policy.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// WriteError reports a failure to persist a record.
type WriteError struct {
	Plane string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink: %s: write failed: %v", e.Plane, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Record is the outer wrapper written for every line, regardless of plane.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Label     string          `json:"label"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// Options configure a Writer's rotation and fsync behavior.
type Options struct {
	Path          string
	RotateBytes   int
	RotateKeep    int
	FsyncOnWrite  bool
	QueueCapacity int
}

const defaultQueueCapacity = 1024

// Writer is a single-writer append-only JSONL sink. Callers Enqueue
// records; exactly one goroutine (started by Run) drains the queue and
// performs the actual write, so writes are serialized without a lock on
// the hot path.
type Writer struct {
	plane  string
	opts   Options
	logger *zap.Logger

	queue    chan Record
	errs     chan error
	done     chan struct{}
	lj       *lumberjack.Logger
	syncFile *os.File
}

// New opens (creating if necessary) the sink file at opts.Path and
// returns a Writer ready to have Run started in a goroutine.
func New(plane string, opts Options, logger *zap.Logger) (*Writer, error) {
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, &WriteError{Plane: plane, Err: fmt.Errorf("mkdir: %w", err)}
	}

	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    megabytes(opts.RotateBytes),
		MaxBackups: opts.RotateKeep,
		Compress:   false,
	}

	// lumberjack owns its own *os.File internally and does not expose it,
	// so fsync_on_summary keeps a second append-mode handle open purely
	// for (*os.File).Sync() calls, per SPEC_FULL.md §4.4.
	syncFile, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &WriteError{Plane: plane, Err: fmt.Errorf("open for sync: %w", err)}
	}

	return &Writer{
		plane:    plane,
		opts:     opts,
		logger:   logger.Named("sink").With(zap.String("plane", plane)),
		queue:    make(chan Record, opts.QueueCapacity),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
		lj:       lj,
		syncFile: syncFile,
	}, nil
}

func megabytes(bytes int) int {
	if bytes <= 0 {
		return 100
	}
	mb := bytes / (1024 * 1024)
	if mb < 1 {
		return 1
	}
	return mb
}

// Enqueue hands a record to the writer goroutine. It never blocks past the
// bounded queue capacity; on overflow the record is dropped and reported
// on Errors() so the caller's shared-resource policy (§5: "if evidence
// writing fails, backpressure propagates to the session") can react.
func (w *Writer) Enqueue(r Record) {
	select {
	case w.queue <- r:
	default:
		select {
		case w.errs <- &WriteError{Plane: w.plane, Err: fmt.Errorf("queue overloaded, record dropped")}:
		default:
		}
	}
}

// Errors reports write and overflow failures for the owner to log/react to.
func (w *Writer) Errors() <-chan error { return w.errs }

// Run drains the queue until Close is called, writing one line per record.
// Call it in its own goroutine.
func (w *Writer) Run() {
	for {
		select {
		case rec, ok := <-w.queue:
			if !ok {
				return
			}
			w.writeOne(rec)
		case <-w.done:
			w.drainRemaining()
			return
		}
	}
}

func (w *Writer) drainRemaining() {
	for {
		select {
		case rec, ok := <-w.queue:
			if !ok {
				return
			}
			w.writeOne(rec)
		default:
			return
		}
	}
}

func (w *Writer) writeOne(rec Record) {
	line, err := json.Marshal(rec)
	if err != nil {
		w.reportErr(fmt.Errorf("marshal: %w", err))
		return
	}
	line = append(line, '\n')

	// Line-atomic: one buffered line, one Write call.
	if _, err := w.lj.Write(line); err != nil {
		w.reportErr(fmt.Errorf("write: %w", err))
		return
	}

	if w.opts.FsyncOnWrite {
		if err := w.syncFile.Sync(); err != nil {
			w.reportErr(fmt.Errorf("fsync: %w", err))
		}
	}
}

func (w *Writer) reportErr(err error) {
	werr := &WriteError{Plane: w.plane, Err: err}
	select {
	case w.errs <- werr:
	default:
		w.logger.Warn("dropping write error, channel full", zap.Error(werr))
	}
}

// Close stops the writer goroutine after draining any queued records, then
// closes the underlying files.
func (w *Writer) Close() error {
	close(w.done)
	var err error
	if cerr := w.lj.Close(); cerr != nil {
		err = cerr
	}
	if serr := w.syncFile.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Tombstone writes a sentinel record immediately before forcing rotation,
// so the tombstone is always the last record in the pre-rotation file —
// rotation never reorders already-written records.
func (w *Writer) Tombstone(label string) error {
	rec := Record{
		Timestamp: time.Now().UTC(),
		Label:     label,
		Event:     "rotate_tombstone",
		Data:      json.RawMessage(`{}`),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := w.lj.Write(line); err != nil {
		return err
	}
	return w.lj.Rotate()
}
