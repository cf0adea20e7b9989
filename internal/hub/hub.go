// Package hub is the session registry. A single goroutine owns the id and
// invite-code indexes, so code reservation and the per-host session cap are
// checked and applied atomically.
package hub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/session"
)

const maxCodeAttempts = 16

type HubMsg interface{ isHubMsg() }

type CreateSession struct {
	HostID     string
	Name       string
	CampaignID string
	Reply      chan createResult
}

type createResult struct {
	sess *session.Session
	err  error
}

type FindByCode struct {
	Code  string
	Reply chan *session.Session
}

type GetSession struct {
	ID    string
	Reply chan *session.Session
}

type DeleteSession struct {
	ID     string
	UserID string
	Reply  chan error
}

type RestoreSession struct {
	State   engine.State
	LastSeq uint64
	Reply   chan error
}

type AlertSession struct {
	ID  string
	Err error
}

type SweepIdle struct {
	Reply chan []string
}

type CountSessions struct {
	Reply chan int
}

type ShutdownHub struct {
	Reply chan struct{}
}

func (CreateSession) isHubMsg()  {}
func (FindByCode) isHubMsg()     {}
func (GetSession) isHubMsg()     {}
func (DeleteSession) isHubMsg()  {}
func (RestoreSession) isHubMsg() {}
func (AlertSession) isHubMsg()   {}
func (SweepIdle) isHubMsg()      {}
func (CountSessions) isHubMsg()  {}
func (ShutdownHub) isHubMsg()    {}

type Options struct {
	MaxSessionsPerHost int
	IdleTimeout        time.Duration
	Session            session.Options
	Logger             *zap.Logger
	Now                func() time.Time
	// GenerateCode is replaced in tests to force collisions.
	GenerateCode func() (string, error)
}

type Hub struct {
	inbox  chan HubMsg
	byID   map[string]*session.Session
	byCode map[string]*session.Session
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, opts Options) *Hub {
	if opts.MaxSessionsPerHost <= 0 {
		opts.MaxSessionsPerHost = 3
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 6 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GenerateCode == nil {
		opts.GenerateCode = GenerateCode
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	if opts.Session.Now == nil {
		opts.Session.Now = opts.Now
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		byID:   make(map[string]*session.Session),
		byCode: make(map[string]*session.Session),
		opts:   opts,
		log:    opts.Logger.Named("hub"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

var errHubStopped = fmt.Errorf("%w: server is shutting down", engine.ErrTransientUnavailable)

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, h *Hub, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, errHubStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Create registers a new session hosted by hostID under a fresh invite code.
func (h *Hub) Create(ctx context.Context, hostID, name, campaignID string) (*session.Session, error) {
	reply := make(chan createResult, 1)
	if err := h.send(ctx, CreateSession{HostID: hostID, Name: name, CampaignID: campaignID, Reply: reply}); err != nil {
		return nil, err
	}
	res, err := await(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	return res.sess, res.err
}

// FindByCode resolves an invite code. Codes are matched case-insensitively.
func (h *Hub) FindByCode(ctx context.Context, code string) (*session.Session, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, fmt.Errorf("%w: invalid invite code", engine.ErrNotFound)
	}
	reply := make(chan *session.Session, 1)
	if err := h.send(ctx, FindByCode{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	sess, err := await(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no session with code %s", engine.ErrNotFound, code)
	}
	return sess, nil
}

func (h *Hub) Get(ctx context.Context, id string) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	if err := h.send(ctx, GetSession{ID: id, Reply: reply}); err != nil {
		return nil, err
	}
	sess, err := await(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no session %s", engine.ErrNotFound, id)
	}
	return sess, nil
}

// UpdateStatus moves a session through lobby, active, paused and completed.
// Only the host may do this.
func (h *Hub) UpdateStatus(ctx context.Context, sessionID, userID string, status engine.Status) error {
	sess, err := h.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Exec(ctx, engine.Command{Type: engine.CmdUpdateStatus, UserID: userID, Status: status})
}

// Delete archives a session and detaches everyone in it. Deleting a session
// that is already gone succeeds.
func (h *Hub) Delete(ctx context.Context, sessionID, userID string) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, DeleteSession{ID: sessionID, UserID: userID, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, h, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Restore re-registers a session loaded from storage under its original id
// and code.
func (h *Hub) Restore(ctx context.Context, st engine.State, lastSeq uint64) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, RestoreSession{State: st, LastSeq: lastSeq, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, h, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// AlertHost forwards a problem to the host of sessionID. It never blocks, so
// it is safe to call from the persistence worker.
func (h *Hub) AlertHost(sessionID string, err error) {
	select {
	case h.inbox <- AlertSession{ID: sessionID, Err: err}:
	default:
		h.log.Warn("alert dropped", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Sweep archives idle sessions and returns their ids.
func (h *Hub) Sweep(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := h.send(ctx, SweepIdle{Reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, h, reply)
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.send(ctx, CountSessions{Reply: reply}); err != nil {
		return 0, err
	}
	return await(ctx, h, reply)
}

// Shutdown closes every session and waits for their final state to be handed
// to the recorder.
func (h *Hub) Shutdown(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := h.send(ctx, ShutdownHub{Reply: reply}); err != nil {
		if err == errHubStopped {
			return nil
		}
		return err
	}
	_, err := await(ctx, h, reply)
	if err == errHubStopped {
		return nil
	}
	return err
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown(context.Background())
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				sess, err := h.create(msg)
				msg.Reply <- createResult{sess: sess, err: err}

			case FindByCode:
				msg.Reply <- h.byCode[msg.Code] // May be nil

			case GetSession:
				msg.Reply <- h.byID[msg.ID]

			case DeleteSession:
				msg.Reply <- h.delete(msg)

			case RestoreSession:
				msg.Reply <- h.restore(msg)

			case AlertSession:
				if sess := h.byID[msg.ID]; sess != nil {
					sess.AlertHost(msg.Err)
				}

			case SweepIdle:
				msg.Reply <- h.sweep()

			case CountSessions:
				msg.Reply <- len(h.byID)

			case ShutdownHub:
				h.shutdown(context.Background())
				msg.Reply <- struct{}{}
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) create(msg CreateSession) (*session.Session, error) {
	if strings.TrimSpace(msg.HostID) == "" {
		return nil, fmt.Errorf("%w: missing host", engine.ErrAuthenticationFailed)
	}
	if err := engine.ValidateName(msg.Name); err != nil {
		return nil, err
	}

	open := 0
	for _, sess := range h.byID {
		if sess.HostID() == msg.HostID && sess.Status() != engine.StatusCompleted {
			open++
		}
	}
	if open >= h.opts.MaxSessionsPerHost {
		return nil, fmt.Errorf("%w: at most %d open sessions per host", engine.ErrLimitExceeded, h.opts.MaxSessionsPerHost)
	}

	code, err := h.reserveCode()
	if err != nil {
		return nil, err
	}

	now := h.opts.Now()
	st := engine.NewState(uuid.NewString(), code, strings.TrimSpace(msg.CampaignID), strings.TrimSpace(msg.Name), msg.HostID, now)
	sess := session.New(h.ctx, st, 0, h.opts.Session)
	h.byID[st.SessionID] = sess
	h.byCode[code] = sess

	if rec := h.opts.Session.Recorder; rec != nil {
		rec.SaveSession(session.SessionRecordOf(st, now))
	}
	h.log.Info("session created",
		zap.String("session_id", st.SessionID),
		zap.String("host_id", msg.HostID),
		zap.String("invite_code", code))
	return sess, nil
}

func (h *Hub) reserveCode() (string, error) {
	for range maxCodeAttempts {
		code, err := h.opts.GenerateCode()
		if err != nil {
			return "", fmt.Errorf("%w: generate invite code: %v", engine.ErrTransientUnavailable, err)
		}
		if _, taken := h.byCode[code]; !taken {
			return code, nil
		}
		h.log.Debug("invite code collision, regenerating")
	}
	return "", fmt.Errorf("%w: no free invite code", engine.ErrTransientUnavailable)
}

func (h *Hub) delete(msg DeleteSession) error {
	sess := h.byID[msg.ID]
	if sess == nil {
		return nil
	}
	if sess.HostID() != msg.UserID {
		return fmt.Errorf("%w: only the host may delete the session", engine.ErrForbidden)
	}
	h.remove(sess, session.ReasonDeleted)
	return nil
}

func (h *Hub) restore(msg RestoreSession) error {
	st := msg.State
	if _, ok := h.byID[st.SessionID]; ok {
		return fmt.Errorf("%w: session %s already registered", engine.ErrConflict, st.SessionID)
	}
	if _, ok := h.byCode[st.InviteCode]; ok {
		return fmt.Errorf("%w: invite code %s already in use", engine.ErrConflict, st.InviteCode)
	}
	sess := session.New(h.ctx, st, msg.LastSeq, h.opts.Session)
	h.byID[st.SessionID] = sess
	h.byCode[st.InviteCode] = sess
	h.log.Info("session restored", zap.String("session_id", st.SessionID), zap.Uint64("seq", msg.LastSeq))
	return nil
}

// sweep archives sessions nobody is connected to once they are completed or
// have been idle for IdleTimeout.
func (h *Hub) sweep() []string {
	now := h.opts.Now()
	var archived []string
	for id, sess := range h.byID {
		if sess.ConnectedCount() > 0 {
			continue
		}
		if sess.Status() == engine.StatusCompleted || now.Sub(sess.LastActivity()) >= h.opts.IdleTimeout {
			h.remove(sess, session.ReasonArchived)
			archived = append(archived, id)
		}
	}
	return archived
}

func (h *Hub) remove(sess *session.Session, reason string) {
	delete(h.byID, sess.ID())
	delete(h.byCode, sess.InviteCode())
	sess.Close(reason)
	if rec := h.opts.Session.Recorder; rec != nil {
		rec.ArchiveSession(sess.ID(), h.opts.Now())
	}
	h.log.Info("session removed", zap.String("session_id", sess.ID()), zap.String("reason", reason))
}

func (h *Hub) shutdown(ctx context.Context) {
	sessions := make([]*session.Session, 0, len(h.byID))
	for _, sess := range h.byID {
		sess.Close(session.ReasonShutdown)
		sessions = append(sessions, sess)
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}
	}
	clear(h.byID)
	clear(h.byCode)
}
