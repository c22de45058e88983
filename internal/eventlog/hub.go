package eventlog

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

// Config sizes a Hub. Zero fields take the defaults below.
type Config struct {
	// QueueSize bounds the entries held between deliveries.
	QueueSize int
	// BatchSize is the most entries handed to a sink in one call. A queue this long is
	// delivered without waiting for the interval.
	BatchSize int
	// FlushInterval is the longest an info or success entry waits for delivery.
	FlushInterval time.Duration
	// SinkTimeout bounds each sink call.
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
	defaultSinkTimeout   = 5 * time.Second
	shedLogInterval      = 5 * time.Second
)

// urgent entries are delivered as soon as they are queued and are never shed for routine ones.
func urgent(level lien.LogLevel) bool {
	return level == lien.LevelWarning || level == lien.LevelError
}

// Hub queues entries in emission order and delivers them from a single goroutine, so every
// sink sees a component's entries in the order the component emitted them. A warning or
// error flushes the queue immediately, carrying the routine entries queued before it. When
// the queue is full the oldest routine entry is shed to admit an urgent one; routine
// entries arriving at a full queue are shed. Emit never blocks.
type Hub struct {
	cfg     Config
	sinks   []Sink
	logger  *zap.Logger
	shedLog rate.Sometimes

	mu     sync.Mutex
	queue  []lien.LogEntry
	shed   int64
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }),
		logger:  logger,
		shedLog: rate.Sometimes{Interval: shedLogInterval},
		queue:   make([]lien.LogEntry, 0, cfg.BatchSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

// Emit queues entry. Invalid entries and entries emitted after Close are discarded.
func (h *Hub) Emit(entry lien.LogEntry) {
	if h == nil {
		return
	}
	if err := Validate(entry); err != nil {
		h.logger.Debug("discarding invalid log entry", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if len(h.queue) >= h.cfg.QueueSize && !h.evictRoutine(entry.Level) {
		h.shed++
		total := h.shed
		h.mu.Unlock()
		h.shedLog.Do(func() {
			h.logger.Warn("system log entries shed under backpressure", zap.Int64("shed_total", total))
		})
		return
	}
	h.queue = append(h.queue, entry)
	now := urgent(entry.Level) || len(h.queue) >= h.cfg.BatchSize
	h.mu.Unlock()

	if now {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

// evictRoutine drops the oldest info or success entry to admit an urgent one. h.mu is held.
func (h *Hub) evictRoutine(level lien.LogLevel) bool {
	if !urgent(level) {
		return false
	}
	i := slices.IndexFunc(h.queue, func(e lien.LogEntry) bool { return !urgent(e.Level) })
	if i < 0 {
		return false
	}
	h.queue = slices.Delete(h.queue, i, i+1)
	h.shed++
	return true
}

// Shed reports how many entries have been dropped under backpressure.
func (h *Hub) Shed() int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shed
}

// Close delivers what is queued, closes the sinks and waits for the delivery goroutine.
// Repeated calls wait on the same shutdown.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.closeCtx = ctx
		h.mu.Unlock()
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventlog hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.wake:
		case <-ticker.C:
		case <-h.stop:
			h.deliver(h.drain())
			h.closeSinks()
			return
		}
		h.deliver(h.drain())
	}
}

// drain takes everything queued, leaving a fresh queue for Emit.
func (h *Hub) drain() []lien.LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil
	}
	out := h.queue
	h.queue = make([]lien.LogEntry, 0, h.cfg.BatchSize)
	return out
}

func (h *Hub) deliver(entries []lien.LogEntry) {
	for batch := range slices.Chunk(entries, h.cfg.BatchSize) {
		for _, sink := range h.sinks {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			if err := sink.Consume(ctx, batch); err != nil {
				h.logger.Warn("eventlog sink consume failed", zap.Int("entries", len(batch)), zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("eventlog sink close failed", zap.Error(err))
		}
	}
}
