// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. Batches go to the configured Sink (ClickHouse
// in production) or to structured stdout logs when no sink is set.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed request from the gateway's perspective.
type RequestLog struct {
	ID               uuid.UUID
	KeyID            string
	Instance         string
	Model            string
	Route            string
	PromptTokens     uint32
	CompletionTokens uint32
	LatencyMs        uint32
	Status           uint16
	FinishReason     string
	Estimated        bool
	Partial          bool
	CostUSD          float64
	CreatedAt        time.Time
}

// Sink receives flushed batches.
type Sink interface {
	WriteBatch(ctx context.Context, entries []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry. Never blocks.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch, and stops the worker.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		l.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) write(ctx context.Context, batch []RequestLog) {
	if l.sink != nil {
		if err := l.sink.WriteBatch(ctx, batch); err == nil {
			return
		} else {
			l.log.WarnContext(ctx, "request log sink write failed",
				slog.Int("entries", len(batch)), slog.String("error", err.Error()))
		}
		// Fall through to stdout so entries are not lost silently.
	}
	for _, e := range batch {
		l.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("key_id", e.KeyID),
			slog.String("instance", e.Instance),
			slog.String("model", e.Model),
			slog.String("route", e.Route),
			slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
			slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.String("finish_reason", e.FinishReason),
			slog.Bool("estimated", e.Estimated),
			slog.Bool("partial", e.Partial),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
