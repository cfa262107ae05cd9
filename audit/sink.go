package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

// queueSize bounds the number of events buffered ahead of delivery.
const queueSize = 1024

// delivery is the synchronous half of a sink: one write per event.
type delivery interface {
	write(line []byte) error
	name() string
	close() error
}

// Factory creates audit sinks from location URIs.
type Factory struct {
	log *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// SinkFor creates an audit sink from a location URI. The returned sink
// buffers events and delivers them from a background worker.
func (f *Factory) SinkFor(locationURI string) (interfaces.AuditSink, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid audit sink URI: %w", err)
	}

	var d delivery
	switch strings.ToLower(u.Scheme) {
	case "log":
		d = &logDelivery{log: f.log}
	case "file":
		d, err = newFileDelivery(u)
	case "s3":
		d, err = newS3Delivery(u, f.log)
	default:
		return nil, fmt.Errorf("unsupported audit sink scheme: %s", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	return newRecorder(d, f.log), nil
}

// eventRecord is the serialized form of one audit event.
type eventRecord struct {
	Time       time.Time `json:"time"`
	Operation  string    `json:"operation"`
	Space      string    `json:"space"`
	Outcome    string    `json:"outcome"`
	Invocation string    `json:"invocation,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	Detail     string    `json:"detail,omitempty"`
}

// recorder is the async buffered front of every sink.
type recorder struct {
	delivery delivery
	log      *slog.Logger

	queue   chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	// mu orders Record sends before the queue close; closed rejects
	// late events instead of panicking on a closed channel.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func newRecorder(d delivery, logger *slog.Logger) *recorder {
	r := &recorder{
		delivery: d,
		log:      logger,
		queue:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues the event for delivery. It never blocks; when the queue is
// full the event is dropped and counted.
func (r *recorder) Record(event interfaces.AuditEvent) {
	line, err := json.Marshal(eventRecord{
		Time:       time.Now().UTC(),
		Operation:  event.Operation,
		Space:      event.Space.String(),
		Outcome:    event.Outcome,
		Invocation: event.Invocation,
		ElapsedMS:  event.Elapsed.Milliseconds(),
		Detail:     event.Detail,
	})
	if err != nil {
		r.log.Error("Failed to serialize audit event", "err", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Warn("Audit event after close", "sink", r.delivery.name(), "operation", event.Operation)
		return
	}

	select {
	case r.queue <- line:
	default:
		if r.dropped.Inc() == 1 {
			r.log.Error("Audit queue full, dropping events", "sink", r.delivery.name())
		}
	}
}

func (r *recorder) run() {
	defer close(r.done)
	for line := range r.queue {
		if err := r.delivery.write(line); err != nil {
			r.log.Error("Failed to deliver audit event", "sink", r.delivery.name(), "err", err)
		}
	}
}

// Close drains queued events and shuts the delivery down.
func (r *recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.queue)
		<-r.done
		if dropped := r.dropped.Load(); dropped > 0 {
			r.log.Error("Audit events were dropped", "sink", r.delivery.name(), "count", dropped)
		}
		r.closeErr = r.delivery.close()
	})
	return r.closeErr
}

// logDelivery forwards events to the process logger.
type logDelivery struct {
	log *slog.Logger
}

func (d *logDelivery) write(line []byte) error {
	d.log.Info("audit", "event", string(line))
	return nil
}

func (d *logDelivery) name() string { return "log" }

func (d *logDelivery) close() error { return nil }

// fileDelivery appends JSON lines to a local file.
type fileDelivery struct {
	file *os.File
}

func newFileDelivery(u *url.URL) (*fileDelivery, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in audit file URI: %s", u.String())
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &fileDelivery{file: file}, nil
}

func (d *fileDelivery) write(line []byte) error {
	_, err := d.file.Write(append(line, '\n'))
	return err
}

func (d *fileDelivery) name() string { return "file-" + d.file.Name() }

func (d *fileDelivery) close() error { return d.file.Close() }
