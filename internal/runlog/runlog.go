// Package runlog carries the structured log of one orchestration run to any
// number of observers. A run's log always ends with exactly one terminal
// record carrying its status.
package runlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uesteibar/opsdeck/internal/db"
	"github.com/uesteibar/opsdeck/internal/runerr"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Status is the terminal status of a run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result is the payload of a successful run.
type Result struct {
	PRURL    string `json:"prUrl,omitempty"`
	PRNumber int    `json:"prNumber,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Record is one entry of a run log. Status is only set on the terminal
// record.
type Record struct {
	RunID     string    `json:"runId"`
	Message   string    `json:"message,omitempty"`
	Level     Level     `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
}

// Terminal reports whether r closes its run.
func (r Record) Terminal() bool { return r.Status != "" }

// Sink receives run log records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(Record)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Record)

func (f SinkFunc) Emit(r Record) { f(r) }

type multiSink []Sink

func (m multiSink) Emit(r Record) {
	for _, s := range m {
		s.Emit(r)
	}
}

// Multi fans records out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Discard drops every record.
var Discard Sink = SinkFunc(func(Record) {})

// LogFunc is the callback handed to long-running collaborators.
type LogFunc func(level Level, message string)

// Logger stamps records for one run and guarantees a single terminal record.
type Logger struct {
	runID string
	sink  Sink
	now   func() time.Time

	mu       sync.Mutex
	finished bool
}

func NewLogger(runID string, sink Sink) *Logger {
	if sink == nil {
		sink = Discard
	}
	return &Logger{runID: runID, sink: sink, now: time.Now}
}

func (l *Logger) RunID() string { return l.runID }

// Log emits a message. Messages after the terminal record are dropped.
func (l *Logger) Log(level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	l.sink.Emit(Record{RunID: l.runID, Message: message, Level: level, Timestamp: l.now().UTC()})
}

func (l *Logger) Infof(format string, args ...any) { l.Log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any) { l.Log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.Log(LevelError, fmt.Sprintf(format, args...)) }

// Func returns the logger as a LogFunc.
func (l *Logger) Func() LogFunc { return l.Log }

// Succeed emits the SUCCESS record. It returns false if the run was
// already finished.
func (l *Logger) Succeed(res Result) bool {
	return l.finish(Record{Status: StatusSuccess, Level: LevelInfo, Result: &res})
}

// Fail emits the FAILED record for err.
func (l *Logger) Fail(err error) bool {
	return l.finish(Record{
		Status:  StatusFailed,
		Level:   LevelError,
		Message: runerr.Message(err),
		Error:   runerr.Message(err),
		Kind:    string(runerr.KindOf(err)),
	})
}

// Finished reports whether the terminal record was emitted.
func (l *Logger) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

func (l *Logger) finish(r Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return false
	}
	l.finished = true
	r.RunID = l.runID
	r.Timestamp = l.now().UTC()
	l.sink.Emit(r)
	return true
}

// Recorder keeps every record in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Emit(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Messages returns the text of every non-terminal record.
func (r *Recorder) Messages() []string {
	var out []string
	for _, rec := range r.Records() {
		if !rec.Terminal() {
			out = append(out, rec.Message)
		}
	}
	return out
}

// Terminal returns the terminal records seen so far.
func (r *Recorder) Terminal() []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// ActivityStore persists run log lines.
type ActivityStore interface {
	LogActivity(e db.ActivityEntry) error
}

type storeSink struct {
	store   ActivityStore
	issueID string
	logger  *slog.Logger
}

// NewStoreSink writes records to the activity log, tagged with their run and,
// when set, the issue the run works on. Write failures are logged only.
func NewStoreSink(store ActivityStore, issueID string, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeSink{store: store, issueID: issueID, logger: logger}
}

func (s *storeSink) Emit(r Record) {
	e := db.ActivityEntry{
		IssueID:   s.issueID,
		RunID:     r.RunID,
		EventType: "run_log",
		Level:     string(r.Level),
		Detail:    r.Message,
		CreatedAt: r.Timestamp,
	}
	if r.Terminal() {
		e.EventType = "run_finished"
		e.ToState = string(r.Status)
		if r.Result != nil && r.Result.PRURL != "" {
			e.Detail = r.Result.PRURL
		}
	}
	if err := s.store.LogActivity(e); err != nil {
		s.logger.Warn("persisting run log", "run_id", r.RunID, "error", err)
	}
}

type slogSink struct {
	logger *slog.Logger
}

// NewSlogSink mirrors records into a structured logger.
func NewSlogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogSink{logger: logger}
}

func (s *slogSink) Emit(r Record) {
	attrs := []any{"run_id", r.RunID}
	if r.Terminal() {
		attrs = append(attrs, "status", r.Status)
		if r.Result != nil && r.Result.PRURL != "" {
			attrs = append(attrs, "pr_url", r.Result.PRURL)
		}
		if r.Error != "" {
			attrs = append(attrs, "error", r.Error, "kind", r.Kind)
		}
		s.logger.Info("run finished", attrs...)
		return
	}
	switch r.Level {
	case LevelError:
		s.logger.Error(r.Message, attrs...)
	case LevelWarn:
		s.logger.Warn(r.Message, attrs...)
	case LevelDebug:
		s.logger.Debug(r.Message, attrs...)
	default:
		s.logger.Info(r.Message, attrs...)
	}
}
