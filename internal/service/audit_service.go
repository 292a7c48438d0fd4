package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facelock/facelock/internal/domain/identity"
)

// AuditService writes access decisions through a buffered channel and a
// background worker so a slow store never delays the door.
type AuditService struct {
	store         identity.AccessEventStore
	events        chan identity.AccessEvent
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	channelSize   int
	sendTimeout   time.Duration
	dropCount     atomic.Int64
	onDrop        func()
	stopOnce      sync.Once
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the event buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.events = make(chan identity.AccessEvent, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately, >0 = block up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithDropHook registers a callback invoked for every dropped event.
func WithDropHook(fn func()) AuditOption {
	return func(s *AuditService) {
		s.onDrop = fn
	}
}

// NewAuditService creates an AuditService writing to store.
func NewAuditService(store identity.AccessEventStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	defaultChannelSize := 64
	s := &AuditService{
		store:         store,
		events:        make(chan identity.AccessEvent, defaultChannelSize),
		logger:        logger,
		batchSize:     16,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
		sendTimeout:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record queues an access event.
func (s *AuditService) Record(e identity.AccessEvent) {
	select {
	case s.events <- e:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(e)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.events <- e:
	case <-timer.C:
		s.recordDrop(e)
	}
}

func (s *AuditService) recordDrop(e identity.AccessEvent) {
	drops := s.dropCount.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
	s.logger.Warn("access event dropped",
		"session_id", e.SessionID,
		"decision", e.Decision,
		"total_drops", drops,
	)
}

// DroppedEvents returns the number of dropped events.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the number of queued events.
func (s *AuditService) ChannelDepth() int {
	return len(s.events)
}

// ChannelCapacity returns the buffer size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop flushes pending events and waits for the worker. Record must not be
// called after Stop.
func (s *AuditService) Stop() {
	s.stopOnce.Do(func() {
		close(s.events)
		s.wg.Wait()
	})
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]identity.AccessEvent, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	finalFlush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.flush(flushCtx, batch)
		cancel()
	}

	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				finalFlush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for e := range s.events {
				batch = append(batch, e)
			}
			finalFlush()
			return
		}
	}
}

// flush writes a batch. Errors are logged, never propagated: a failed log
// write must not change an access decision.
func (s *AuditService) flush(ctx context.Context, batch []identity.AccessEvent) {
	if err := s.store.AppendAccessEvents(ctx, batch...); err != nil {
		s.logger.Error("failed to write access events",
			"error", err,
			"count", len(batch),
		)
	}
}
