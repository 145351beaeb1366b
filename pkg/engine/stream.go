package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openprobe/openprobe/pkg/telemetry"
)

// StreamEmitterConfig configures the durable event emitter.
type StreamEmitterConfig struct {
	// Stream is the Redis stream key events are appended to.
	Stream string

	// BatchSize triggers a flush when this many events are buffered.
	BatchSize int

	// FlushInterval triggers a flush when this much time has elapsed
	// since the last one.
	FlushInterval time.Duration

	// MaxLen caps the stream length (approximate trimming). Zero means
	// unbounded.
	MaxLen int64
}

// StreamEmitter batches execution events onto a Redis stream. Publishing
// is best-effort: a failed flush is logged and the batch dropped on the
// next attempt, so a broken bus never backs up execution.
type StreamEmitter struct {
	cfg    StreamEmitterConfig
	client redis.UniversalClient
	logger *telemetry.Logger

	mu    sync.Mutex
	batch []Event

	stop chan struct{}
	done chan struct{}
}

// NewStreamEmitter creates and starts the emitter's flush loop.
func NewStreamEmitter(client redis.UniversalClient, cfg StreamEmitterConfig, logger *telemetry.Logger) *StreamEmitter {
	if cfg.Stream == "" {
		cfg.Stream = "openprobe:events"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	e := &StreamEmitter{
		cfg:    cfg,
		client: client,
		logger: logger.NewComponentLogger("event-stream"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.flushLoop()
	return e
}

// Emit implements Emitter. It buffers the event and flushes when the
// batch is full.
func (e *StreamEmitter) Emit(event Event) {
	e.mu.Lock()
	e.batch = append(e.batch, event)
	full := len(e.batch) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		e.flush()
	}
}

// Close flushes the remaining batch and stops the loop.
func (e *StreamEmitter) Close() {
	close(e.stop)
	<-e.done
	e.flush()
}

func (e *StreamEmitter) flushLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.stop:
			return
		}
	}
}

func (e *StreamEmitter) flush() {
	e.mu.Lock()
	batch := e.batch
	e.batch = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := e.client.Pipeline()
	for _, event := range batch {
		payload, err := json.Marshal(event)
		if err != nil {
			e.logger.WithError(err).Warn("dropping unencodable event")
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.cfg.Stream,
			MaxLen: e.cfg.MaxLen,
			Approx: true,
			Values: map[string]any{"event": payload},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.WithError(err).Warnf("failed to publish %d events", len(batch))
	}
}
