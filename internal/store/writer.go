package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrQueueFull is reported when a write is dropped because the queue is full.
var ErrQueueFull = errors.New("store: write queue full")

type persister interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	UpsertParticipant(ctx context.Context, rec ParticipantRecord) error
	AppendChat(ctx context.Context, rec ChatMessageRecord) error
	AppendDiceRoll(ctx context.Context, rec DiceRollRecord) error
	ArchiveSession(ctx context.Context, id string, at time.Time) error
}

// FailureFunc is told about every write that was finally given up on.
type FailureFunc func(sessionID string, err error)

type WriterOptions struct {
	QueueSize       int
	MaxRetry        time.Duration
	InitialInterval time.Duration
	WriteTimeout    time.Duration
	DrainTimeout    time.Duration
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 30 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	return o
}

type job struct {
	sessionID string
	what      string
	run       func(ctx context.Context) error
}

// Writer applies writes in order on a background goroutine. Callers never
// block: live gameplay keeps going while the database is down, and writes are
// retried with exponential backoff. Writes that still fail after MaxRetry, or
// that could not be queued, are reported to the failure handler.
type Writer struct {
	repo  persister
	queue chan job
	opts  WriterOptions
	log   *zap.Logger

	mu        sync.RWMutex
	onFailure FailureFunc
}

func NewWriter(repo persister, opts WriterOptions, log *zap.Logger) *Writer {
	opts = opts.withDefaults()
	return &Writer{
		repo:  repo,
		queue: make(chan job, opts.QueueSize),
		opts:  opts,
		log:   log.Named("store"),
	}
}

func (w *Writer) SetFailureHandler(fn FailureFunc) {
	w.mu.Lock()
	w.onFailure = fn
	w.mu.Unlock()
}

// Run processes the queue until ctx is cancelled, then drains what is left
// within DrainTimeout.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case j := <-w.queue:
			w.process(ctx, j)
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DrainTimeout)
	defer cancel()
	for {
		select {
		case j := <-w.queue:
			if err := j.run(ctx); err != nil {
				w.log.Error("write lost during shutdown", zap.String("session_id", j.sessionID), zap.String("write", j.what), zap.Error(err))
			}
		default:
			return
		}
	}
}

func (w *Writer) process(ctx context.Context, j job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.InitialInterval

	op := func() (struct{}, error) {
		wctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		defer cancel()
		if err := j.run(wctx); err != nil {
			if isPermanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	notify := func(err error, next time.Duration) {
		w.log.Warn("write failed, retrying",
			zap.String("session_id", j.sessionID),
			zap.String("write", j.what),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(w.opts.MaxRetry),
		backoff.WithNotify(notify))
	if err == nil || ctx.Err() != nil {
		return
	}
	w.log.Error("write given up", zap.String("session_id", j.sessionID), zap.String("write", j.what), zap.Error(err))
	w.fail(j.sessionID, fmt.Errorf("%s: %w", j.what, err))
}

func (w *Writer) fail(sessionID string, err error) {
	w.mu.RLock()
	fn := w.onFailure
	w.mu.RUnlock()
	if fn != nil {
		fn(sessionID, err)
	}
}

func (w *Writer) enqueue(j job) {
	select {
	case w.queue <- j:
	default:
		w.log.Error("write queue full, dropping write", zap.String("session_id", j.sessionID), zap.String("write", j.what))
		w.fail(j.sessionID, fmt.Errorf("%s: %w", j.what, ErrQueueFull))
	}
}

func (w *Writer) SaveSession(rec SessionRecord) {
	w.enqueue(job{sessionID: rec.ID, what: "save session", run: func(ctx context.Context) error {
		return w.repo.UpsertSession(ctx, rec)
	}})
}

func (w *Writer) SaveParticipant(rec ParticipantRecord) {
	w.enqueue(job{sessionID: rec.SessionID, what: "save participant", run: func(ctx context.Context) error {
		return w.repo.UpsertParticipant(ctx, rec)
	}})
}

func (w *Writer) AppendChat(rec ChatMessageRecord) {
	w.enqueue(job{sessionID: rec.SessionID, what: "append chat", run: func(ctx context.Context) error {
		return w.repo.AppendChat(ctx, rec)
	}})
}

func (w *Writer) AppendDiceRoll(rec DiceRollRecord) {
	w.enqueue(job{sessionID: rec.SessionID, what: "append dice roll", run: func(ctx context.Context) error {
		return w.repo.AppendDiceRoll(ctx, rec)
	}})
}

func (w *Writer) ArchiveSession(sessionID string, at time.Time) {
	w.enqueue(job{sessionID: sessionID, what: "archive session", run: func(ctx context.Context) error {
		return w.repo.ArchiveSession(ctx, sessionID, at)
	}})
}

// isPermanent reports errors that retrying cannot fix: bad data, constraint
// violations and SQL errors.
func isPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return true
		}
	}
	return errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
