package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the capacity of the emit channel.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a batch waits.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches crawl events and fans them out to sinks from a single
// goroutine. Emit never blocks a crawl; a full buffer drops the event.
// A batch is flushed early when a crawl ends so history records the
// result without waiting for the batch timer.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropLog rate.Sometimes
	dropped atomic.Int64
	total   atomic.Int64
	closed  atomic.Bool

	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub applies defaults and starts the delivery goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }),
		events:  make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  cfg.Logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event",
			zap.String("auid", evt.AUID), zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.total.Add(1)
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)), zap.Int64("dropped_total", h.total.Load()))
		})
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.total.Load()
}

// Close stops intake, delivers what is buffered, closes the sinks and
// waits for the delivery goroutine or ctx.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := batch{hub: h, events: make([]Event, 0, h.cfg.MaxBatchEvents)}
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.due:
			b.due = nil
			b.flush()
		case <-h.stop:
			b.drain(h.events)
			h.closeSinks()
			return
		}
	}
}

// batch accumulates events between flushes. due is armed by the first
// event of a batch and cleared by flush.
type batch struct {
	hub    *Hub
	events []Event
	timer  *time.Timer
	due    <-chan time.Time
}

func (b *batch) add(evt Event) {
	b.events = append(b.events, evt)
	if len(b.events) >= b.hub.cfg.MaxBatchEvents || evt.Terminal() {
		b.flush()
		return
	}
	if b.due == nil {
		b.timer = time.NewTimer(b.hub.cfg.MaxBatchWait)
		b.due = b.timer.C
	}
}

func (b *batch) drain(ch <-chan Event) {
	for {
		select {
		case evt := <-ch:
			b.add(evt)
		default:
			b.flush()
			return
		}
	}
}

func (b *batch) flush() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer, b.due = nil, nil
	}
	if len(b.events) == 0 {
		return
	}
	b.hub.deliver(slices.Clone(b.events))
	b.events = b.events[:0]
}

func (h *Hub) deliver(events []Event) {
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)), zap.Int("events", len(events)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
