package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type flakyRepo struct {
	mu       sync.Mutex
	failures int
	err      error
	chats    []ChatMessageRecord
	calls    int
}

func (f *flakyRepo) attempt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		return f.err
	}
	return nil
}

func (f *flakyRepo) UpsertSession(context.Context, SessionRecord) error         { return f.attempt() }
func (f *flakyRepo) UpsertParticipant(context.Context, ParticipantRecord) error { return f.attempt() }
func (f *flakyRepo) AppendDiceRoll(context.Context, DiceRollRecord) error       { return f.attempt() }
func (f *flakyRepo) ArchiveSession(context.Context, string, time.Time) error    { return f.attempt() }

func (f *flakyRepo) AppendChat(_ context.Context, rec ChatMessageRecord) error {
	if err := f.attempt(); err != nil {
		return err
	}
	f.mu.Lock()
	f.chats = append(f.chats, rec)
	f.mu.Unlock()
	return nil
}

func (f *flakyRepo) snapshot() ([]ChatMessageRecord, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatMessageRecord(nil), f.chats...), f.calls
}

type failures struct {
	mu   sync.Mutex
	errs map[string][]error
	ch   chan struct{}
}

func newFailures() *failures {
	return &failures{errs: map[string][]error{}, ch: make(chan struct{}, 16)}
}

func (f *failures) record(sessionID string, err error) {
	f.mu.Lock()
	f.errs[sessionID] = append(f.errs[sessionID], err)
	f.mu.Unlock()
	f.ch <- struct{}{}
}

func (f *failures) wait(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-f.ch:
	case <-time.After(within):
		t.Fatalf("timed out waiting for failure report")
	}
}

func startWriter(t *testing.T, repo persister, opts WriterOptions) (*Writer, context.CancelFunc) {
	t.Helper()
	w := NewWriter(repo, opts, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cancel
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	repo := &flakyRepo{failures: 2, err: errors.New("connection refused")}
	w, _ := startWriter(t, repo, WriterOptions{InitialInterval: time.Millisecond, MaxRetry: time.Second})

	w.AppendChat(ChatMessageRecord{ID: "m1", SessionID: "s1", Seq: 1})
	w.AppendChat(ChatMessageRecord{ID: "m2", SessionID: "s1", Seq: 2})

	require.Eventually(t, func() bool {
		chats, _ := repo.snapshot()
		return len(chats) == 2
	}, 2*time.Second, 5*time.Millisecond)

	chats, calls := repo.snapshot()
	assert.Equal(t, "m1", chats[0].ID, "writes keep their order")
	assert.Equal(t, "m2", chats[1].ID)
	assert.Equal(t, 4, calls)
}

func TestWriter_ReportsWritesGivenUp(t *testing.T) {
	repo := &flakyRepo{failures: -1, err: errors.New("connection refused")}
	w, _ := startWriter(t, repo, WriterOptions{InitialInterval: time.Millisecond, MaxRetry: 30 * time.Millisecond})
	got := newFailures()
	w.SetFailureHandler(got.record)

	w.SaveSession(SessionRecord{ID: "s1"})
	got.wait(t, 2*time.Second)

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Len(t, got.errs["s1"], 1)
	assert.ErrorContains(t, got.errs["s1"][0], "connection refused")
}

func TestWriter_PermanentErrorsAreNotRetried(t *testing.T) {
	repo := &flakyRepo{failures: -1, err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}}
	w, _ := startWriter(t, repo, WriterOptions{InitialInterval: time.Millisecond, MaxRetry: time.Minute})
	got := newFailures()
	w.SetFailureHandler(got.record)

	w.SaveParticipant(ParticipantRecord{SessionID: "s1", UserID: "u1"})
	got.wait(t, 2*time.Second)

	_, calls := repo.snapshot()
	assert.Equal(t, 1, calls)
}

func TestWriter_FullQueueIsReported(t *testing.T) {
	w := NewWriter(&flakyRepo{}, WriterOptions{QueueSize: 1}, zaptest.NewLogger(t))
	got := newFailures()
	w.SetFailureHandler(got.record)

	// not running: the first write fills the queue, the second is dropped
	w.AppendDiceRoll(DiceRollRecord{ID: "r1", SessionID: "s1"})
	w.AppendDiceRoll(DiceRollRecord{ID: "r2", SessionID: "s1"})
	got.wait(t, time.Second)

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Len(t, got.errs["s1"], 1)
	assert.ErrorIs(t, got.errs["s1"][0], ErrQueueFull)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isPermanent(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isPermanent(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, isPermanent(errors.New("dial tcp: connection refused")))
}
