package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event kinds recorded by the sync core.
const (
	KindJoin      = "board.join"
	KindLeave     = "board.leave"
	KindCreate    = "object.create"
	KindUpdate    = "object.update"
	KindDelete    = "object.delete"
	KindEditStart = "edit.start"
	KindEditStop  = "edit.stop"

	defaultBufferSize = 256
)

// Event is one fire-and-forget audit notification.
type Event struct {
	Kind       string
	BoardID    string
	UserID     string
	ObjectID   string
	OccurredAt time.Time
}

// Sink accepts audit events without blocking the caller.
type Sink interface {
	Record(event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// LogSinkConfig configures LogSink.
type LogSinkConfig struct {
	Logger     *zap.Logger
	BufferSize int
	Clock      func() time.Time
}

// LogSink writes audit events to a structured logger from a background goroutine.
// Events are dropped when the buffer is full.
type LogSink struct {
	logger  *zap.Logger
	clock   func() time.Time
	events  chan Event
	mu      sync.Mutex
	dropped int64
}

// NewLogSink constructs the sink; call Run to start draining it.
func NewLogSink(cfg LogSinkConfig) *LogSink {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &LogSink{
		logger: logger.Named("audit"),
		clock:  clock,
		events: make(chan Event, bufferSize),
	}
}

// Record enqueues the event, stamping it when OccurredAt is unset.
func (s *LogSink) Record(event Event) {
	if event.Kind == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock().UTC()
	}
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *LogSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run drains events until ctx is cancelled, then flushes what is already buffered.
func (s *LogSink) Run(ctx context.Context) {
	for {
		select {
		case event := <-s.events:
			s.write(event)
		case <-ctx.Done():
			for {
				select {
				case event := <-s.events:
					s.write(event)
				default:
					return
				}
			}
		}
	}
}

func (s *LogSink) write(event Event) {
	fields := []zap.Field{
		zap.String("kind", event.Kind),
		zap.String("board_id", event.BoardID),
		zap.String("user_id", event.UserID),
		zap.Time("occurred_at", event.OccurredAt),
	}
	if event.ObjectID != "" {
		fields = append(fields, zap.String("object_id", event.ObjectID))
	}
	s.logger.Info("audit event", fields...)
}
