package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize bounds events waiting for the batcher.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch this long after its first event.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext parents sink calls.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

// Stats counts what a Hub has seen since it started.
type Stats struct {
	Accepted int64
	Dropped  int64
	Batches  int64
}

// Hub batches scan events and fans each batch out to every sink. Emit is
// safe for concurrent use and never blocks the scan. Terminal scan events
// flush immediately so sinks observe completions without waiting for the
// batch timer.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	accepted    atomic.Int64
	dropped     atomic.Int64
	batches     atomic.Int64
	unreported  atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
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
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  live,
		queue:  make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events are discarded; a full buffer drops the
// event and periodically logs how many were lost.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event",
			zap.String("snapshot_id", evt.SnapshotID),
			zap.String("stage", string(evt.Stage)),
			zap.Error(err),
		)
		return
	}
	select {
	case h.queue <- evt:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		h.warnDropped(time.Now())
	}
}

// Stats returns the running counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted: h.accepted.Load(),
		Dropped:  h.dropped.Load(),
		Batches:  h.batches.Load(),
	}
}

// Close stops intake, flushes whatever is queued, closes the sinks and waits
// for the batcher. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	var timer *time.Timer

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.queue:
			if len(pending) == 0 {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents || evt.Stage.terminal() {
				flush()
			}
		case <-deadline:
			timer, deadline = nil, nil
			flush()
		case <-h.quit:
			for {
				select {
				case evt := <-h.queue:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	out := append([]Event(nil), batch...)
	h.batches.Add(1)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(out)), zap.Error(err))
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
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) warnDropped(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.unreported.Swap(0)))
}
