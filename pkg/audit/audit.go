package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

// Category classifies audit events by the state they touch.
type Category string

const (
	CategoryPhase        Category = "phase_transition"
	CategoryStep         Category = "step"
	CategorySignal       Category = "signal"
	CategoryEscalation   Category = "escalation"
	CategoryInstance     Category = "instance"
	CategoryCompensation Category = "compensation"
)

// Event is one audit trail entry. The core emits one per state transition.
type Event struct {
	ID         string                 `json:"id"`
	InstanceID string                 `json:"instance_id"`
	Category   Category               `json:"category"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Backend persists batches of audit events.
type Backend interface {
	WriteEvents(ctx context.Context, events []*Event) error
}

// LogBackend writes audit events to the structured log. It is the default
// backend and the fallback when no database is configured.
type LogBackend struct {
	logger *logging.StructuredLogger
}

// NewLogBackend creates a log-writing audit backend.
func NewLogBackend(logger *logging.StructuredLogger) *LogBackend {
	return &LogBackend{logger: logger.WithComponent("audit-log-backend")}
}

// WriteEvents implements Backend.
func (b *LogBackend) WriteEvents(_ context.Context, events []*Event) error {
	for _, e := range events {
		b.logger.InfoWithContext("audit event",
			"audit_id", e.ID,
			"instance_id", e.InstanceID,
			"category", string(e.Category),
			"action", e.Action,
			"actor", e.Actor,
		)
	}
	return nil
}

// Config tunes the trail's buffering.
type Config struct {
	QueueSize     int           `json:"queue_size" yaml:"queue_size"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns the standard trail buffering settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		BatchSize:     64,
		FlushInterval: 2 * time.Second,
	}
}

// Trail is the asynchronous audit pipeline. Record never blocks the caller:
// transitions must not wait on audit I/O, so under sustained backpressure
// the oldest unwritten events are dropped and counted.
type Trail struct {
	config  Config
	backend Backend
	logger  *logging.StructuredLogger

	queue  chan *Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	dropped int64
}

// NewTrail creates an audit trail writing to the given backend.
func NewTrail(config Config, backend Backend, logger *logging.StructuredLogger) *Trail {
	if config.QueueSize <= 0 {
		config = DefaultConfig()
	}
	return &Trail{
		config:  config,
		backend: backend,
		logger:  logger.WithComponent("audit-trail"),
		queue:   make(chan *Event, config.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background flusher.
func (t *Trail) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	t.started = true
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.flushLoop(ctx, t.stopCh)
	return nil
}

// Stop drains buffered events and halts the flusher.
func (t *Trail) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

// Record enqueues one event, best-effort. Missing IDs and timestamps are
// filled in here so callers can stay terse.
func (t *Trail) Record(event *Event) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case t.queue <- event:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}
}

// Dropped reports how many events were discarded under backpressure.
func (t *Trail) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *Trail) flushLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, t.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := t.backend.WriteEvents(ctx, batch); err != nil {
			t.logger.ErrorWithContext("audit batch write failed", err, "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-t.queue:
			batch = append(batch, e)
			if len(batch) >= t.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-stopCh:
			// Drain whatever is queued, then leave.
			for {
				select {
				case e := <-t.queue:
					batch = append(batch, e)
					if len(batch) >= t.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			flush()
			return
		}
	}
}
