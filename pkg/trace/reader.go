package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/teslashibe/go-visualservo/pkg/servo"
)

var (
	// ErrRunNotFound is returned when no run matches an ID or prefix.
	ErrRunNotFound = errors.New("trace: run not found")

	// ErrAmbiguousRun is returned when a prefix matches several runs.
	ErrAmbiguousRun = errors.New("trace: run prefix is ambiguous")
)

// Run summarizes one recorded loop run.
type Run struct {
	ID     string    `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Cycles int64     `json:"cycles"`
}

// Duration returns the time between the first and last recorded cycle.
func (r Run) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Reader queries a trace database.
type Reader struct {
	db   *sql.DB
	path string
}

// OpenReader opens an existing trace database read-only.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	return &Reader{db: db, path: path}, nil
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// ListRuns returns all runs, oldest first.
func (r *Reader) ListRuns() ([]Run, error) {
	rows, err := r.db.Query(`SELECT run_id, started_at, ended_at, cycles FROM runs ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("trace: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			start, end int64
		)
		if err := rows.Scan(&run.ID, &start, &end, &run.Cycles); err != nil {
			return nil, fmt.Errorf("trace: list runs: %w", err)
		}
		run.Start = time.Unix(0, start)
		run.End = time.Unix(0, end)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ResolveRun expands a run ID prefix to the full ID.
func (r *Reader) ResolveRun(prefix string) (string, error) {
	runs, err := r.ListRuns()
	if err != nil {
		return "", err
	}

	var match string
	for _, run := range runs {
		if run.ID == prefix {
			return run.ID, nil
		}
		if strings.HasPrefix(run.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("%w: %q", ErrAmbiguousRun, prefix)
			}
			match = run.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %q", ErrRunNotFound, prefix)
	}
	return match, nil
}

// Samples returns the cycles of one run in sequence order.
func (r *Reader) Samples(runID string) ([]servo.Sample, error) {
	rows, err := r.db.Query(`
		SELECT seq, time_ns, frame_seq, outcome, status, setpoint, input, output,
		       mode, p, i, d, elapsed_ns
		FROM samples
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("trace: samples: %w", err)
	}
	defer rows.Close()

	var samples []servo.Sample
	for rows.Next() {
		var (
			s                    servo.Sample
			seq, frameSeq        int64
			ts, elapsed          int64
			outcome              string
			setpoint, input, out sql.NullFloat64
			p, i, d              sql.NullFloat64
		)
		if err := rows.Scan(&seq, &ts, &frameSeq, &outcome, &s.Status, &setpoint, &input, &out,
			&s.Mode, &p, &i, &d, &elapsed); err != nil {
			return nil, fmt.Errorf("trace: samples: %w", err)
		}
		s.Setpoint = orNaN(setpoint)
		s.Input = orNaN(input)
		s.Output = orNaN(out)
		s.Terms.P, s.Terms.I, s.Terms.D = orNaN(p), orNaN(i), orNaN(d)
		s.RunID = runID
		s.Seq = uint64(seq)
		s.FrameSeq = uint64(frameSeq)
		s.Time = time.Unix(0, ts)
		s.Outcome = servo.Outcome(outcome)
		s.Elapsed = time.Duration(elapsed)
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	return samples, nil
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
