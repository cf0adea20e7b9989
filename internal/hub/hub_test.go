package hub

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/session"
	"github.com/DoyleJ11/tabletop-sessions/internal/store"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

type archiveRecorder struct {
	mu       sync.Mutex
	saved    []string
	archived []string
}

func (r *archiveRecorder) SaveSession(rec store.SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec.ID)
}
func (r *archiveRecorder) SaveParticipant(store.ParticipantRecord) {}
func (r *archiveRecorder) AppendChat(store.ChatMessageRecord)      {}
func (r *archiveRecorder) AppendDiceRoll(store.DiceRollRecord)     {}
func (r *archiveRecorder) ArchiveSession(id string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, id)
}

func (r *archiveRecorder) archivedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.archived...)
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	return NewHub(ctx, opts)
}

func TestHub_Create_FindByCode_SamePointer(t *testing.T) {
	h := newTestHub(t, Options{})
	ctx := context.Background()

	s1, err := h.Create(ctx, "dm1", "Night at the Inn", "camp-1")
	require.NoError(t, err)
	assert.True(t, ValidCode(s1.InviteCode()))

	s2, err := h.FindByCode(ctx, " "+strings.ToLower(s1.InviteCode())+" ")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	s3, err := h.Get(ctx, s1.ID())
	require.NoError(t, err)
	assert.Same(t, s1, s3)

	info := s1.Info()
	assert.Equal(t, "lobby", info.Status)
	assert.Equal(t, "camp-1", info.CampaignID)
}

func TestHub_FindByCode_Unknown(t *testing.T) {
	h := newTestHub(t, Options{})

	_, err := h.FindByCode(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = h.FindByCode(context.Background(), "O0I1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestHub_Create_RejectsBadName(t *testing.T) {
	h := newTestHub(t, Options{})
	_, err := h.Create(context.Background(), "dm1", "   ", "")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestHub_HostCapCountsOnlyOpenSessions(t *testing.T) {
	h := newTestHub(t, Options{MaxSessionsPerHost: 2})
	ctx := context.Background()

	first, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)
	_, err = h.Create(ctx, "dm1", "Two", "")
	require.NoError(t, err)

	_, err = h.Create(ctx, "dm1", "Three", "")
	assert.ErrorIs(t, err, engine.ErrLimitExceeded)

	// another host is unaffected
	_, err = h.Create(ctx, "dm2", "Elsewhere", "")
	require.NoError(t, err)

	require.NoError(t, h.UpdateStatus(ctx, first.ID(), "dm1", engine.StatusCompleted))
	_, err = h.Create(ctx, "dm1", "Three", "")
	assert.NoError(t, err)
}

func TestHub_ConcurrentCreatesRespectCap(t *testing.T) {
	h := newTestHub(t, Options{MaxSessionsPerHost: 3})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Create(ctx, "dm1", "Rush", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, limited := 0, 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrLimitExceeded)
		limited++
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, limited)
}

func TestHub_CodeCollisionRegenerates(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	var mu sync.Mutex
	h := newTestHub(t, Options{GenerateCode: func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}})
	ctx := context.Background()

	s1, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)
	s2, err := h.Create(ctx, "dm2", "Two", "")
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", s1.InviteCode())
	assert.Equal(t, "BBBBBB", s2.InviteCode())
}

func TestHub_CodeSpaceExhausted(t *testing.T) {
	h := newTestHub(t, Options{GenerateCode: func() (string, error) { return "AAAAAA", nil }})
	ctx := context.Background()

	_, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)
	_, err = h.Create(ctx, "dm2", "Two", "")
	assert.ErrorIs(t, err, engine.ErrTransientUnavailable)
}

func TestHub_CodeReusableAfterDeleteAndArchive(t *testing.T) {
	h := newTestHub(t, Options{GenerateCode: func() (string, error) { return "AAAAAA", nil }})
	ctx := context.Background()

	first, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)
	_, err = h.Create(ctx, "dm2", "Two", "")
	require.ErrorIs(t, err, engine.ErrTransientUnavailable)

	require.NoError(t, h.Delete(ctx, first.ID(), "dm1"))
	second, err := h.Create(ctx, "dm2", "Two", "")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", second.InviteCode())
	assert.NotEqual(t, first.ID(), second.ID())

	found, err := h.FindByCode(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Same(t, second, found)

	// a completed session swept by the registry frees its code too
	require.NoError(t, h.UpdateStatus(ctx, second.ID(), "dm2", engine.StatusCompleted))
	ids, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID()}, ids)

	third, err := h.Create(ctx, "dm3", "Three", "")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", third.InviteCode())
}

func TestHub_UpdateStatus_HostOnly(t *testing.T) {
	h := newTestHub(t, Options{})
	ctx := context.Background()
	s, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)

	err = h.UpdateStatus(ctx, s.ID(), "p1", engine.StatusActive)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	require.NoError(t, h.UpdateStatus(ctx, s.ID(), "dm1", engine.StatusActive))
	assert.Equal(t, engine.StatusActive, s.Status())

	err = h.UpdateStatus(ctx, "missing", "dm1", engine.StatusActive)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestHub_Delete_NotifiesAndArchives(t *testing.T) {
	rec := &archiveRecorder{}
	h := newTestHub(t, Options{Session: session.Options{Recorder: rec}})
	ctx := context.Background()

	s, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)

	out := make(chan types.ServerMessage, 8)
	require.NoError(t, s.Join(ctx, "c1", "p1", "Pip", out))

	assert.ErrorIs(t, h.Delete(ctx, s.ID(), "p1"), engine.ErrForbidden)
	require.NoError(t, h.Delete(ctx, s.ID(), "dm1"))
	// idempotent
	require.NoError(t, h.Delete(ctx, s.ID(), "dm1"))

	var closed *types.ServerMessage
	for m := range out {
		if m.Type == types.KindSessionClosed {
			closed = &m
		}
	}
	require.NotNil(t, closed)
	assert.Equal(t, session.ReasonDeleted, closed.Reason)

	_, err = h.FindByCode(ctx, s.InviteCode())
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.Equal(t, []string{s.ID()}, rec.archivedIDs())
}

func TestHub_SweepArchivesIdleAndCompleted(t *testing.T) {
	rec := &archiveRecorder{}
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newTestHub(t, Options{IdleTimeout: time.Hour, Now: clock, Session: session.Options{Recorder: rec}})
	ctx := context.Background()

	idle, err := h.Create(ctx, "dm1", "Idle", "")
	require.NoError(t, err)
	busy, err := h.Create(ctx, "dm2", "Busy", "")
	require.NoError(t, err)
	done, err := h.Create(ctx, "dm3", "Done", "")
	require.NoError(t, err)

	require.NoError(t, busy.Join(ctx, "c1", "p1", "Pip", make(chan types.ServerMessage, 64)))
	require.NoError(t, h.UpdateStatus(ctx, done.ID(), "dm3", engine.StatusCompleted))

	ids, err := h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID()}, ids)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	ids, err = h.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{idle.ID()}, ids)

	n, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHub_RestoreKeepsIDAndCode(t *testing.T) {
	h := newTestHub(t, Options{})
	ctx := context.Background()

	st := engine.NewState("s-restored", "QWE789", "", "Crypt", "dm1", time.Now())
	st.Status = engine.StatusActive
	require.NoError(t, h.Restore(ctx, st, 17))

	s, err := h.FindByCode(ctx, "qwe789")
	require.NoError(t, err)
	assert.Equal(t, "s-restored", s.ID())
	assert.Equal(t, engine.StatusActive, s.Status())

	view, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), view.Seq)

	assert.ErrorIs(t, h.Restore(ctx, st, 17), engine.ErrConflict)
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	rec := &archiveRecorder{}
	h := newTestHub(t, Options{Session: session.Options{Recorder: rec}})
	ctx := context.Background()

	s, err := h.Create(ctx, "dm1", "One", "")
	require.NoError(t, err)
	out := make(chan types.ServerMessage, 8)
	require.NoError(t, s.Join(ctx, "c1", "dm1", "Dana", out))

	require.NoError(t, h.Shutdown(ctx))
	<-s.Done()

	var last types.ServerMessage
	for m := range out {
		last = m
	}
	assert.Equal(t, types.KindSessionClosed, last.Type)
	assert.Equal(t, session.ReasonShutdown, last.Reason)

	_, err = h.Create(ctx, "dm1", "Two", "")
	assert.ErrorIs(t, err, engine.ErrTransientUnavailable)
	assert.NoError(t, h.Shutdown(ctx))
}

func TestCode(t *testing.T) {
	for range 100 {
		c, err := GenerateCode()
		require.NoError(t, err)
		assert.True(t, ValidCode(c), c)
	}
	assert.False(t, ValidCode("ABC12"))
	assert.False(t, ValidCode("ABCDE0"))
	assert.Equal(t, "ABC234", NormalizeCode(" abc234\n"))
}
