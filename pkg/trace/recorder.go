// Package trace records every control cycle of a servo loop to SQLite and
// reads recorded runs back for inspection and plotting.
package trace

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/teslashibe/go-visualservo/internal/log"
	"github.com/teslashibe/go-visualservo/pkg/servo"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 500 * time.Millisecond
	queueSize            = 8192
)

const schema = `
	CREATE TABLE IF NOT EXISTS runs
	(
		run_id     TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		ended_at   INTEGER NOT NULL,
		cycles     INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS samples
	(
		run_id     TEXT    NOT NULL,
		seq        INTEGER NOT NULL,
		time_ns    INTEGER NOT NULL,
		frame_seq  INTEGER NOT NULL,
		outcome    TEXT    NOT NULL,
		status     INTEGER NOT NULL,
		setpoint   REAL,
		input      REAL,
		output     REAL,
		mode       TEXT    NOT NULL,
		p          REAL,
		i          REAL,
		d          REAL,
		elapsed_ns INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS samples_run_seq_index
		ON samples (run_id, seq);
`

// DefaultPath returns a fresh database file name in the working directory.
func DefaultPath() string {
	return "servo_trace_" + xid.New().String() + ".sqlite3"
}

// Recorder is a servo.Observer that writes samples to SQLite.
//
// OnCycle never blocks the loop: samples are queued to a writer goroutine
// that inserts them in batched transactions. When the queue is full the
// sample is dropped and counted.
type Recorder struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan servo.Sample
	flushCh chan chan error
	done    chan struct{}

	mu        sync.RWMutex // guards closed against sends on queue
	closed    bool
	closeOnce sync.Once
	closeErr  error

	written atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBatchSize sets how many samples go into one transaction.
func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets the longest a sample waits before being written.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// NewRecorder opens or creates the database at path. An empty path uses
// DefaultPath. The recorder is flushed and closed on atexit.Exit.
func NewRecorder(path string, opts ...Option) (*Recorder, error) {
	if path == "" {
		path = DefaultPath()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: create schema: %w", err)
	}

	r := &Recorder{
		db:            db,
		path:          path,
		logger:        log.Component("trace"),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		queue:         make(chan servo.Sample, queueSize),
		flushCh:       make(chan chan error),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.writer()
	atexit.Register(func() { r.Close() })

	r.logger.Info("recording trace", "path", path)
	return r, nil
}

// Path returns the database file.
func (r *Recorder) Path() string {
	return r.path
}

// OnCycle queues a sample for writing.
func (r *Recorder) OnCycle(s servo.Sample) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- s:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("trace queue full, dropping samples", "dropped", n)
		}
	}
}

// Flush writes every queued sample.
func (r *Recorder) Flush() error {
	reply := make(chan error, 1)
	select {
	case r.flushCh <- reply:
		return <-reply
	case <-r.done:
		return nil
	}
}

// Close flushes and closes the database. It is safe to call more than
// once.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		if err := r.db.Close(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
		r.logger.Info("trace closed", "path", r.path, "samples", r.written.Load(), "dropped", r.dropped.Load())
	})
	return r.closeErr
}

// Written returns the number of samples committed.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Dropped returns the number of samples lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) writer() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]servo.Sample, 0, r.batchSize)
	write := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.writeBatch(batch)
		if err != nil {
			r.logger.Error("trace write failed", "error", err, "samples", len(batch))
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case s, ok := <-r.queue:
			if !ok {
				if err := write(); err != nil {
					r.closeErr = err
				}
				return
			}
			batch = append(batch, s)
			if len(batch) >= r.batchSize {
				write()
			}

		case reply := <-r.flushCh:
			// Drain what is already queued so Flush covers every prior OnCycle.
			for drained := false; !drained; {
				select {
				case s, ok := <-r.queue:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, s)
				default:
					drained = true
				}
			}
			reply <- write()

		case <-ticker.C:
			write()
		}
	}
}

func (r *Recorder) writeBatch(batch []servo.Sample) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(`INSERT INTO samples VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insert.Close()

	upsertRun, err := tx.Prepare(`
		INSERT INTO runs (run_id, started_at, ended_at, cycles) VALUES (?, ?, ?, 1)
		ON CONFLICT (run_id) DO UPDATE SET
			ended_at = MAX(ended_at, excluded.ended_at),
			cycles   = cycles + 1
	`)
	if err != nil {
		return err
	}
	defer upsertRun.Close()

	for _, s := range batch {
		ts := s.Time.UnixNano()
		if _, err := insert.Exec(
			s.RunID,
			int64(s.Seq),
			ts,
			int64(s.FrameSeq),
			string(s.Outcome),
			s.Status,
			nullable(s.Setpoint),
			nullable(s.Input),
			nullable(s.Output),
			s.Mode,
			nullable(s.Terms.P),
			nullable(s.Terms.I),
			nullable(s.Terms.D),
			s.Elapsed.Nanoseconds(),
		); err != nil {
			return fmt.Errorf("insert sample %s/%d: %w", s.RunID, s.Seq, err)
		}
		if _, err := upsertRun.Exec(s.RunID, ts, ts); err != nil {
			return fmt.Errorf("update run %s: %w", s.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	r.written.Add(uint64(len(batch)))
	return nil
}

// nullable maps non-finite values to NULL; sqlite cannot store NaN.
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}
