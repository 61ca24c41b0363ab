// Package export implements the event queue of externally modeled
// domains. Records travel to the external modeling agent in FIFO
// order; synchronous events suspend the acting task until the agent
// resolves its trust status.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/internal/magazine"
	"github.com/Programator2/TSEM/internal/task"
	"github.com/Programator2/TSEM/pkg/types"
)

var (
	// ErrExhausted is returned when a locked-context export cannot
	// obtain a record from the export magazine.
	ErrExhausted = errors.New("export magazine exhausted")

	// ErrCancelled is returned when a task waiting for a trust
	// decision is cancelled. The exported record stays queued.
	ErrCancelled = errors.New("cancelled while awaiting trust decision")
)

// Kind discriminates export records.
type Kind int

const (
	KindAggregate Kind = iota + 1
	KindEvent
	KindAsyncEvent
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindAggregate:
		return "aggregate"
	case KindEvent:
		return "event"
	case KindAsyncEvent:
		return "async_event"
	case KindLog:
		return "log"
	}
	return "unknown"
}

// Record is one entry of the export queue.
type Record struct {
	Kind Kind

	Aggregate []byte
	Event     *event.Event
	Log       types.LogRecord
}

// Render emits the one-line textual form of the record. The caller
// still owns the record's event reference.
func (r *Record) Render() (string, error) {
	header, err := json.Marshal(types.ExportHeader{Type: r.Kind.String()})
	if err != nil {
		return "", err
	}

	switch r.Kind {
	case KindAggregate:
		payload, err := json.Marshal(types.AggregateValue{
			Value: fmt.Sprintf("%x", r.Aggregate),
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"export": %s, "aggregate": %s}`, header, payload), nil

	case KindEvent, KindAsyncEvent:
		body, err := json.Marshal(r.Event.Record())
		if err != nil {
			return "", err
		}
		// Splice the trajectory fields beside the export header.
		inner := body[1 : len(body)-1]
		return fmt.Sprintf(`{"export": %s, %s}`, header, inner), nil

	case KindLog:
		payload, err := json.Marshal(r.Log)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"export": %s, "log": %s}`, header, payload), nil
	}
	return "", fmt.Errorf("unknown export record kind %d", r.Kind)
}

// Queue is the export FIFO of one external domain.
type Queue struct {
	domain uint64
	log    *slog.Logger

	// OnDepth observes the queue depth after every enqueue and
	// dequeue.
	OnDepth func(depth int)

	mu   sync.Mutex
	fifo []*Record

	wake     chan struct{}
	magazine *magazine.Magazine[Record]
}

// New builds the export queue for a domain with a locked-context
// record magazine of magazineSize slots.
func New(domain uint64, magazineSize int, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		domain: domain,
		log:    log,
		wake:   make(chan struct{}, 1),
		magazine: magazine.New[Record]("export", domain, magazineSize,
			func() *Record { return &Record{} }, log),
	}
}

func (q *Queue) push(r *Record) {
	q.mu.Lock()
	q.fifo = append(q.fifo, r)
	depth := len(q.fifo)
	q.mu.Unlock()

	if q.OnDepth != nil {
		q.OnDepth(depth)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Event exports a security event. Locked events are queued
// asynchronously. Blocking events mark the task trust-pending and
// suspend until an external agent resolves the status; cancellation
// of ctx while pending forces the task untrusted and returns
// ErrCancelled with the record still queued.
func (q *Queue) Event(ctx context.Context, tk *task.Task, ev *event.Event) error {
	rec := q.magazine.Get(ev.Locked, ev.Comm)
	if rec == nil {
		q.log.Warn("export allocation failed", "domain", q.domain, "comm", ev.Comm)
		return ErrExhausted
	}

	if ev.Locked {
		rec.Kind = KindAsyncEvent
	} else {
		rec.Kind = KindEvent
	}
	ev.Retain()
	rec.Event = ev
	q.push(rec)

	if ev.Locked {
		return nil
	}

	resolved := tk.BeginTrustPending()
	select {
	case <-resolved:
		return nil
	case <-ctx.Done():
		tk.MarkUntrusted()
		return ErrCancelled
	}
}

// Aggregate queues the platform aggregate, the first record every
// external agent sees.
func (q *Queue) Aggregate(value []byte) {
	rec := q.magazine.Get(false, "")
	rec.Kind = KindAggregate
	rec.Aggregate = append([]byte(nil), value...)
	q.push(rec)
}

// Action queues a log record describing the discipline applied to a
// violation.
func (q *Queue) Action(t event.Type, action types.Action, comm string, locked bool) error {
	rec := q.magazine.Get(locked, comm)
	if rec == nil {
		return ErrExhausted
	}
	rec.Kind = KindLog
	rec.Log = types.LogRecord{Process: comm, Event: t.Name(), Action: action}
	q.push(rec)
	return nil
}

// Next dequeues at most one record.
func (q *Queue) Next() (*Record, bool) {
	q.mu.Lock()
	if len(q.fifo) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	rec := q.fifo[0]
	q.fifo = q.fifo[1:]
	depth := len(q.fifo)
	q.mu.Unlock()

	if q.OnDepth != nil {
		q.OnDepth(depth)
	}
	return rec, true
}

// Depth returns the number of queued records.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Wait blocks until a record may be available or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		if q.Depth() > 0 {
			return nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain dequeues every record, releasing retained events. Used during
// domain teardown.
func (q *Queue) Drain() {
	q.mu.Lock()
	fifo := q.fifo
	q.fifo = nil
	q.mu.Unlock()

	for _, rec := range fifo {
		if rec.Event != nil {
			rec.Event.Release()
		}
	}
	if q.OnDepth != nil {
		q.OnDepth(0)
	}
}

// Close stops the record magazine.
func (q *Queue) Close() {
	q.magazine.Close()
}
