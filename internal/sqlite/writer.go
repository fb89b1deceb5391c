package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrWriterClosed is returned for jobs submitted after Close.
var ErrWriterClosed = errors.New("sqlite: writer closed")

const (
	// opTimeout bounds a single write operation. Operations that exceed it
	// are failed, not retried.
	opTimeout = 30 * time.Second

	// maxRetries is how many times a job is retried on SQLITE_BUSY/LOCKED
	// before the error propagates to the caller.
	maxRetries = 3

	retryBackoff = 50 * time.Millisecond
)

// WriteFunc is a unit of mutating work executed by the Writer.
type WriteFunc func(ctx context.Context, db *sql.DB) (any, error)

type job struct {
	name  string
	fn    WriteFunc
	ctx   context.Context
	reply chan result
}

type result struct {
	value any
	err   error
}

// Writer serializes all mutating database access through a single goroutine
// owning a FIFO queue. SQLite allows one writer at a time; funnelling writes
// through here turns lock contention into queueing instead of BUSY errors.
// Reads do not go through the Writer.
type Writer struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}
	log  zerolog.Logger
}

// NewWriter creates a Writer with the given queue depth and starts its worker
// goroutine.
func NewWriter(db *sql.DB, depth int, logger zerolog.Logger) *Writer {
	w := &Writer{
		db:   db,
		jobs: make(chan job, depth),
		done: make(chan struct{}),
		log:  logger.With().Str("component", "sqlite-writer").Logger(),
	}
	go w.run()
	return w
}

// Do enqueues fn under the given human-readable name and waits for its result.
// The operation name appears in logs for slow or failing writes; it must not
// contain request data. Do returns the caller's context error if the context
// is cancelled while the job is queued; once the worker has picked the job up
// it runs to completion under the writer's own timeout.
func (w *Writer) Do(ctx context.Context, name string, fn WriteFunc) (any, error) {
	j := job{name: name, fn: fn, ctx: ctx, reply: make(chan result, 1)}

	select {
	case <-w.done:
		return nil, ErrWriterClosed
	default:
	}

	select {
	case <-w.done:
		return nil, ErrWriterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case w.jobs <- j:
	}

	select {
	case res := <-j.reply:
		return res.value, res.err
	case <-ctx.Done():
		// The job still runs; its result is discarded. The reply channel is
		// buffered so the worker never blocks on an abandoned caller.
		return nil, ctx.Err()
	}
}

// Exec is a convenience wrapper for writes that do not produce a value.
func (w *Writer) Exec(ctx context.Context, name string, fn func(ctx context.Context, db *sql.DB) error) error {
	_, err := w.Do(ctx, name, func(ctx context.Context, db *sql.DB) (any, error) {
		return nil, fn(ctx, db)
	})
	return err
}

// Close stops the worker after draining queued jobs. Jobs submitted after
// Close fail with ErrWriterClosed.
func (w *Writer) Close() {
	close(w.done)
}

func (w *Writer) run() {
	for {
		select {
		case <-w.done:
			// Drain what is already queued so accepted writes are not lost.
			for {
				select {
				case j := <-w.jobs:
					w.execute(j)
				default:
					return
				}
			}
		case j := <-w.jobs:
			w.execute(j)
		}
	}
}

func (w *Writer) execute(j job) {
	if err := j.ctx.Err(); err != nil {
		j.reply <- result{err: err}
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), opTimeout)
	defer cancel()

	start := time.Now()
	var (
		value any
		err   error
	)
	for attempt := 0; ; attempt++ {
		value, err = j.fn(ctx, w.db)
		if err == nil || !isRetryable(err) || attempt >= maxRetries {
			break
		}
		w.log.Debug().Str("op", j.name).Int("attempt", attempt+1).Msg("Write retried after lock contention")
		select {
		case <-ctx.Done():
			err = fmt.Errorf("%s: %w", j.name, ctx.Err())
		case <-time.After(retryBackoff):
			continue
		}
		break
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		w.log.Warn().Str("op", j.name).Dur("elapsed", elapsed).Msg("Slow write operation")
	}
	if err != nil {
		w.log.Debug().Err(err).Str("op", j.name).Msg("Write failed")
	}

	j.reply <- result{value: value, err: err}
}
