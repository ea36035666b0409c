// Package trace records runtime events in a SQLite database: garbage
// collections, debugger stops and finished executions.
package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/mjvm/vm"
)

const schema = `
CREATE TABLE IF NOT EXISTS gc_cycles (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	at               INTEGER NOT NULL,
	marked           INTEGER NOT NULL,
	swept            INTEGER NOT NULL,
	freed_bytes      INTEGER NOT NULL,
	unloaded_classes INTEGER NOT NULL,
	duration_ns      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stops (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	execution  INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	class      TEXT NOT NULL,
	method     TEXT NOT NULL,
	descriptor TEXT NOT NULL,
	pc         INTEGER NOT NULL,
	line       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        INTEGER NOT NULL,
	execution INTEGER NOT NULL,
	outcome   TEXT NOT NULL,
	exception TEXT NOT NULL DEFAULT '',
	message   TEXT NOT NULL DEFAULT ''
);`

// Outcomes of a finished execution.
const (
	OutcomeOK        = "ok"
	OutcomeException = "exception"
	OutcomeError     = "error"
)

// Recorder persists runtime events. It implements vm.Observer; register
// it with Runtime.AddObserver and pass RecordStop as the debugger's OnStop.
type Recorder struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	log  commonlog.Logger
}

// Open opens or creates the trace database at path. ":memory:" keeps it
// in memory.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	// One connection: writes serialise anyway and :memory: is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Recorder{db: db, path: path, log: commonlog.GetLogger("mjvm.trace")}, nil
}

// Path returns the database path.
func (r *Recorder) Path() string { return r.path }

// Close closes the database.
func (r *Recorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Recorder) exec(what, query string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.db.Exec(query, args...); err != nil {
		r.log.Errorf("recording %s: %s", what, err)
	}
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// GCCompleted records one collection.
func (r *Recorder) GCCompleted(s vm.GCStats) {
	at := s.Time
	if at.IsZero() {
		at = time.Now()
	}
	r.exec("collection",
		`INSERT INTO gc_cycles (at, marked, swept, freed_bytes, unloaded_classes, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		at.UnixNano(), s.Marked, s.Swept, int64(s.FreedBytes), s.UnloadedClasses, int64(s.Duration))
}

// ExecutionFinished records how a top-level call ended.
func (r *Recorder) ExecutionFinished(e *vm.Execution, err error) {
	outcome, exception, message := OutcomeOK, "", ""
	var th *vm.Throwable
	switch {
	case err == nil:
	case errors.As(err, &th):
		outcome, exception, message = OutcomeException, th.Class.Text, th.Message
	default:
		outcome, message = OutcomeError, err.Error()
	}
	r.exec("execution",
		`INSERT INTO executions (at, execution, outcome, exception, message) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), int64(e.ID), outcome, exception, message)
}

// RecordStop records a debugger stop.
func (r *Recorder) RecordStop(ev vm.StopEvent) {
	r.exec("stop",
		`INSERT INTO stops (at, execution, reason, class, method, descriptor, pc, line)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), int64(ev.Execution), ev.Reason.String(),
		ev.Top.Class, ev.Top.Method, ev.Top.Descriptor, int64(ev.Top.PC), ev.Top.Line)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GCRecord is one recorded collection.
type GCRecord struct {
	Time            time.Time
	Marked          int
	Swept           int
	FreedBytes      uint64
	UnloadedClasses int
	Duration        time.Duration
}

// StopRecord is one recorded debugger stop.
type StopRecord struct {
	Time      time.Time
	Execution uint64
	Reason    string
	Frame     vm.StackTrace
}

// ExecutionRecord is one recorded finished call.
type ExecutionRecord struct {
	Time      time.Time
	Execution uint64
	Outcome   string
	Exception string
	Message   string
}

// Collections returns recorded collections, oldest first.
func (r *Recorder) Collections() ([]GCRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT at, marked, swept, freed_bytes, unloaded_classes, duration_ns
		FROM gc_cycles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer rows.Close()

	var out []GCRecord
	for rows.Next() {
		var at, freed, dur int64
		var rec GCRecord
		if err := rows.Scan(&at, &rec.Marked, &rec.Swept, &freed, &rec.UnloadedClasses, &dur); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		rec.Time, rec.FreedBytes, rec.Duration = time.Unix(0, at), uint64(freed), time.Duration(dur)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stops returns recorded debugger stops of an execution, oldest first.
func (r *Recorder) Stops(execution uint64) ([]StopRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT at, execution, reason, class, method, descriptor, pc, line
		FROM stops WHERE execution = ? ORDER BY id`, int64(execution))
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	var out []StopRecord
	for rows.Next() {
		var at, exec, pc int64
		var rec StopRecord
		f := &rec.Frame
		if err := rows.Scan(&at, &exec, &rec.Reason, &f.Class, &f.Method, &f.Descriptor, &pc, &f.Line); err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		rec.Time, rec.Execution, f.PC = time.Unix(0, at), uint64(exec), uint32(pc)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Executions returns recorded finished calls, oldest first. An empty
// outcome returns every record.
func (r *Recorder) Executions(outcome string) ([]ExecutionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query(`SELECT at, execution, outcome, exception, message
		FROM executions WHERE ? = '' OR outcome = ? ORDER BY id`, outcome, outcome)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var at, exec int64
		var rec ExecutionRecord
		if err := rows.Scan(&at, &exec, &rec.Outcome, &rec.Exception, &rec.Message); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		rec.Time, rec.Execution = time.Unix(0, at), uint64(exec)
		out = append(out, rec)
	}
	return out, rows.Err()
}
