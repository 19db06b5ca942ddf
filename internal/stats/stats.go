// Package stats implements the statistics and trace subsystem:
// per-worker counters folded into a process-wide aggregate at session
// end, plus scoped trace events.
//
// A prometheus.CounterVec is already a lock-free atomic aggregate, so
// Collector wraps one instead of hand-rolling a mutex-guarded counter
// struct; cmd/node exposes the vectors over /metrics.
package stats

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Op names the counter dimension recorded per event.
type Op string

const (
	OpFilesCreated  Op = "files_created"
	OpFilesDeleted  Op = "files_deleted"
	OpBytesRead     Op = "bytes_read"
	OpBytesWritten  Op = "bytes_written"
	OpBytesSent     Op = "bytes_sent"
	OpBytesReceived Op = "bytes_received"
	OpSyncs         Op = "syncs"
)

// Collector is JULEA's process-wide statistics aggregate. The zero
// value is not usable; construct with New.
type Collector struct {
	counters *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// New registers JULEA's counters on reg and returns a Collector backed
// by them. Passing a fresh prometheus.NewRegistry() in tests keeps
// counters isolated between test cases; production code registers on
// prometheus.DefaultRegisterer so cmd/node's /metrics endpoint
// (promhttp.Handler) can expose them.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "julea",
			Name:      "operations_total",
			Help:      "Count of JULEA operations by kind, folded from per-connection-worker local tallies at session end.",
		}, []string{"op"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "julea",
			Name:      "bytes_total",
			Help:      "Bytes moved by JULEA operations, folded from per-connection-worker local tallies at session end.",
		}, []string{"op"}),
	}
	reg.MustRegister(c.counters, c.bytes)
	return c
}

// Inc increments a non-byte counter (files created/deleted, syncs) by
// one.
func (c *Collector) Inc(op Op) {
	c.counters.WithLabelValues(string(op)).Inc()
}

// AddBytes credits a byte counter (bytes read/written/sent/received)
// by n. Cached writes credit the full length at admission time, so
// callers see completion immediately.
func (c *Collector) AddBytes(op Op, n uint64) {
	c.bytes.WithLabelValues(string(op)).Add(float64(n))
}

// Local is a per-worker (per connection) scratch tally.
// Accumulating locally and folding once at session end avoids
// contending the shared counters on every single operation inside a
// busy connection's message loop.
type Local struct {
	counts map[Op]uint64
	bytes  map[Op]uint64
}

// NewLocal returns an empty per-thread tally.
func NewLocal() *Local {
	return &Local{counts: make(map[Op]uint64), bytes: make(map[Op]uint64)}
}

func (l *Local) Inc(op Op)                { l.counts[op]++ }
func (l *Local) AddBytes(op Op, n uint64) { l.bytes[op] += n }

// Fold adds l's tallies into c and resets l, matching "folded into a
// guarded process-wide aggregate at session end".
func (l *Local) Fold(c *Collector) {
	for op, n := range l.counts {
		for i := uint64(0); i < n; i++ {
			c.Inc(op)
		}
	}
	for op, n := range l.bytes {
		c.AddBytes(op, n)
	}
	l.counts = make(map[Op]uint64)
	l.bytes = make(map[Op]uint64)
}

// Span is one scoped trace event: a named operation with a start time,
// closed by calling End. Spans wrap backend calls as enter/leave
// pairs; a full tracing exporter is out of scope.
type Span struct {
	name  string
	start time.Time
	sink  func(name string, dur time.Duration)
}

// Tracer emits Spans to a sink function, normally one that logs at
// debug verbosity; tests can capture spans by supplying their own
// sink.
type Tracer struct {
	sink func(name string, dur time.Duration)
}

// NewTracer returns a Tracer that reports each span's duration to
// sink. A nil sink is valid and makes every Span a no-op, the
// configuration production code not running under -v uses.
func NewTracer(sink func(name string, dur time.Duration)) *Tracer {
	return &Tracer{sink: sink}
}

// Start begins a trace span for name. The returned Span must be ended
// exactly once via End.
func (t *Tracer) Start(_ context.Context, name string) *Span {
	return &Span{name: name, start: time.Now(), sink: t.sink}
}

// End closes the span, reporting its duration to the tracer's sink.
func (s *Span) End() {
	if s.sink != nil {
		s.sink(s.name, time.Since(s.start))
	}
}
