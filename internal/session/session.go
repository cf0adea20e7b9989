// Package session runs one actor goroutine per game session. The actor is the
// single writer of the session's state: joins, combat transitions, chat and
// dice are applied strictly one at a time and broadcast in sequence order.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sessions/internal/dice"
	"github.com/DoyleJ11/tabletop-sessions/internal/engine"
	"github.com/DoyleJ11/tabletop-sessions/internal/store"
	"github.com/DoyleJ11/tabletop-sessions/pkg/types"
)

const (
	ReasonDeleted    = "deleted"
	ReasonArchived   = "archived"
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "shutdown"

	maxPendingAlerts = 10
)

// Recorder receives best-effort persistence writes. Implementations must not
// block.
type Recorder interface {
	SaveSession(rec store.SessionRecord)
	SaveParticipant(rec store.ParticipantRecord)
	AppendChat(rec store.ChatMessageRecord)
	AppendDiceRoll(rec store.DiceRollRecord)
	ArchiveSession(sessionID string, at time.Time)
}

type nopRecorder struct{}

func (nopRecorder) SaveSession(store.SessionRecord)         {}
func (nopRecorder) SaveParticipant(store.ParticipantRecord) {}
func (nopRecorder) AppendChat(store.ChatMessageRecord)      {}
func (nopRecorder) AppendDiceRoll(store.DiceRollRecord)     {}
func (nopRecorder) ArchiveSession(string, time.Time)        {}

type Options struct {
	EventLogSize  int
	Grace         time.Duration
	SweepInterval time.Duration
	Roller        *dice.Roller
	Recorder      Recorder
	Logger        *zap.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.EventLogSize <= 0 {
		o.EventLogSize = 1000
	}
	if o.Grace <= 0 {
		o.Grace = 2 * time.Minute
	}
	if o.Roller == nil {
		seed, err := dice.NewSeed()
		if err != nil {
			seed = time.Now().UnixNano()
		}
		o.Roller = dice.NewRoller(seed)
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type client struct {
	connID string
	userID string
	outbox chan types.ServerMessage
}

type Session struct {
	id         string
	code       string
	hostID     string
	name       string
	campaignID string
	createdAt  time.Time

	inbox   chan Msg
	state   engine.State
	seq     uint64
	history *eventLog
	// seq as of the last SaveSession
	savedSeq uint64
	clients  map[string]*client
	alerts   []types.ServerMessage
	dropped  []*client
	reaping  bool

	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	reason    atomic.Value

	// read by the registry without a round trip through the inbox
	status       atomic.Value
	connected    atomic.Int32
	lastActivity atomic.Int64
}

// New starts the actor for initial. lastSeq continues the sequence of a
// restored session; new sessions pass 0.
func New(parent context.Context, initial engine.State, lastSeq uint64, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:         initial.SessionID,
		code:       initial.InviteCode,
		hostID:     initial.HostID,
		name:       initial.Name,
		campaignID: initial.CampaignID,
		createdAt:  initial.CreatedAt,
		inbox:      make(chan Msg, 64),
		state:      initial.Clone(),
		seq:        lastSeq,
		savedSeq:   lastSeq,
		history:    newEventLog(opts.EventLogSize),
		clients:    make(map[string]*client),
		opts:       opts,
		log:        opts.Logger.With(zap.String("session_id", initial.SessionID)),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.status.Store(initial.Status)
	s.connected.Store(int32(initial.ConnectedCount()))
	s.lastActivity.Store(opts.Now().UnixNano())

	go s.loop()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) InviteCode() string   { return s.code }
func (s *Session) HostID() string       { return s.hostID }
func (s *Session) Name() string         { return s.name }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Status() engine.Status { return s.status.Load().(engine.Status) }
func (s *Session) ConnectedCount() int   { return int(s.connected.Load()) }
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Inbox exposes the actor mailbox to callers that build messages themselves.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the actor has stopped and detached every connection.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close stops the actor. Every attached connection receives session_closed
// with reason before its outbox is closed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		s.cancel()
	})
}

func (s *Session) Info() types.SessionInfo {
	return types.SessionInfo{
		ID:             s.id,
		InviteCode:     s.code,
		CampaignID:     s.campaignID,
		Name:           s.name,
		HostID:         s.hostID,
		Status:         string(s.Status()),
		ConnectedCount: s.ConnectedCount(),
		CreatedAt:      s.createdAt,
	}
}

var errClosed = fmt.Errorf("%w: session is closed", engine.ErrNotFound)

func (s *Session) send(ctx context.Context, m Msg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, s *Session, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		return zero, errClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Join attaches connID for userID and blocks until the session accepted or
// rejected it.
func (s *Session) Join(ctx context.Context, connID, userID, name string, outbox chan types.ServerMessage) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, Join{ConnID: connID, UserID: userID, Name: name, Outbox: outbox, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, s, reply)
	if waitErr != nil {
		go s.abandonJoin(connID, reply)
		return waitErr
	}
	return err
}

// abandonJoin undoes a join whose caller stopped waiting. The actor may
// still accept it, and nobody would ever send the matching Leave.
func (s *Session) abandonJoin(connID string, reply <-chan error) {
	select {
	case err := <-reply:
		if err != nil {
			return
		}
	case <-s.done:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Leave(ctx, connID); err != nil {
		s.log.Warn("abandoned join not rolled back", zap.String("conn_id", connID), zap.Error(err))
	}
}

func (s *Session) Leave(ctx context.Context, connID string) error {
	return s.send(ctx, Leave{ConnID: connID})
}

func (s *Session) Submit(ctx context.Context, m FromClient) error {
	return s.send(ctx, m)
}

func (s *Session) Resync(ctx context.Context, connID, clientRef string, lastSeq uint64) error {
	return s.send(ctx, Resync{ConnID: connID, ClientRef: clientRef, LastSeq: lastSeq})
}

// Exec applies cmd and waits for the outcome.
func (s *Session) Exec(ctx context.Context, cmd engine.Command) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, Exec{Cmd: cmd, Reply: reply}); err != nil {
		return err
	}
	err, waitErr := await(ctx, s, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (s *Session) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := s.send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	return await(ctx, s, reply)
}

// AlertHost never blocks; alerts are dropped when the inbox is full.
func (s *Session) AlertHost(err error) {
	select {
	case s.inbox <- AlertHost{Err: err}:
	default:
		s.log.Warn("host alert dropped", zap.Error(err))
	}
}

func (s *Session) loop() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.opts.SweepInterval > 0 {
		t := time.NewTicker(s.opts.SweepInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case <-tick:
			s.expire()
			s.persist()

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- s.handleJoin(msg)

			case Leave:
				s.handleLeave(msg.ConnID)

			case FromClient:
				s.handleFromClient(msg)

			case Exec:
				cmd := msg.Cmd
				cmd.Now = s.opts.Now()
				msg.Reply <- s.apply(cmd, "")

			case Resync:
				s.handleResync(msg)

			case AlertHost:
				s.handleAlert(msg.Err)

			case GetState:
				msg.Reply <- View{Seq: s.seq, NumClients: len(s.clients), State: s.state.Clone()}
			}
			s.persist()
		}
	}
}

func (s *Session) handleJoin(msg Join) error {
	if _, ok := s.clients[msg.ConnID]; ok {
		return fmt.Errorf("%w: connection already joined", engine.ErrConflict)
	}

	now := s.opts.Now()
	events, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdJoin, UserID: msg.UserID, Name: msg.Name, Now: now})
	if err != nil {
		return err
	}

	// one live connection per user: the newest wins
	for _, c := range s.clients {
		if c.userID == msg.UserID {
			s.detach(c, ReasonSuperseded)
		}
	}

	s.state = next
	s.touch(now)
	s.refreshCounters()
	c := &client{connID: msg.ConnID, userID: msg.UserID, outbox: msg.Outbox}
	s.clients[msg.ConnID] = c

	p := s.state.Participants[msg.UserID]
	s.opts.Recorder.SaveParticipant(participantRecord(s.id, p))
	s.log.Info("player joined", zap.String("user_id", msg.UserID), zap.Bool("rejoin", len(events) > 0 && events[0].Rejoin))

	player := toPlayer(p)
	s.publish(types.ServerMessage{Type: types.KindPlayerJoined, Player: &player, UserID: p.UserID}, msg.ConnID)
	s.deliver(c, types.ServerMessage{
		Type:      types.KindSessionJoined,
		Seq:       s.seq,
		SessionID: s.id,
		Session:   ptr(s.Info()),
		Players:   toPlayers(s.state),
		State:     s.gameState(),
	})
	if msg.UserID == s.hostID {
		for _, alert := range s.alerts {
			s.deliver(c, alert)
		}
		s.alerts = nil
	}
	s.reapDropped()
	s.refreshCounters()
	return nil
}

func (s *Session) handleLeave(connID string) {
	c, ok := s.clients[connID]
	if !ok {
		return
	}
	delete(s.clients, connID)
	close(c.outbox)
	s.disconnect(c.userID)
	s.reapDropped()
}

// disconnect marks userID disconnected unless another connection of the same
// user is still attached.
func (s *Session) disconnect(userID string) {
	for _, other := range s.clients {
		if other.userID == userID {
			return
		}
	}
	now := s.opts.Now()
	_, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdLeave, UserID: userID, Now: now})
	if err != nil {
		s.log.Debug("leave ignored", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.state = next
	s.touch(now)
	s.opts.Recorder.SaveParticipant(participantRecord(s.id, s.state.Participants[userID]))
	s.log.Info("player left", zap.String("user_id", userID))
	s.publish(types.ServerMessage{Type: types.KindPlayerLeft, UserID: userID}, "")
	s.refreshCounters()
}

func (s *Session) handleFromClient(msg FromClient) {
	c, ok := s.clients[msg.ConnID]
	if !ok {
		s.log.Debug("command from detached connection", zap.String("conn_id", msg.ConnID))
		return
	}
	cmd := msg.Cmd
	cmd.UserID = c.userID
	cmd.Now = s.opts.Now()

	if cmd.Type == engine.CmdRollDice {
		res, err := s.opts.Roller.RollString(cmd.Expression)
		if err != nil {
			s.sendError(c, msg.ClientRef, fmt.Errorf("%w: %v", engine.ErrInvalidInput, err))
			return
		}
		cmd.Roll = &res
	}

	if err := s.apply(cmd, msg.ClientRef); err != nil {
		s.sendError(c, msg.ClientRef, err)
	}
}

// apply runs cmd through the engine and publishes the outcome. All state
// transitions go through here or handleJoin/disconnect.
func (s *Session) apply(cmd engine.Command, clientRef string) error {
	events, next, err := engine.Apply(s.state, cmd)
	if err != nil {
		return err
	}
	prev := s.state
	s.state = next
	s.touch(cmd.Now)

	changed := false
	for _, e := range events {
		switch e.Type {
		case engine.EvtChatSent:
			s.publishChat(cmd, clientRef)
		case engine.EvtDiceRolled:
			s.publishDice(cmd, clientRef)
		case engine.EvtGameAction:
			s.publish(types.ServerMessage{
				Type:      types.KindGameActionEvent,
				ClientRef: clientRef,
				UserID:    cmd.UserID,
				Action: &types.GameAction{
					UserID:    cmd.UserID,
					Action:    strings.TrimSpace(cmd.Action),
					Payload:   cmd.Payload,
					Timestamp: cmd.Now,
				},
			}, "")
		case engine.EvtPlayerReady, engine.EvtCharacterBound:
			s.opts.Recorder.SaveParticipant(participantRecord(s.id, s.state.Participants[e.UserID]))
			changed = true
		default:
			changed = changed || e.ChangesState()
		}
	}

	if prev.Status != s.state.Status {
		s.publishSystem(fmt.Sprintf("Session is now %s.", s.state.Status), "info")
	}
	if changed {
		s.publish(types.ServerMessage{Type: types.KindGameStateUpdate, ClientRef: clientRef, State: s.gameState()}, "")
	}
	s.reapDropped()
	s.refreshCounters()
	return nil
}

func (s *Session) publishChat(cmd engine.Command, clientRef string) {
	p := s.state.Participants[cmd.UserID]
	chat := &types.ChatMessage{
		ID:            uuid.NewString(),
		SenderID:      cmd.UserID,
		SenderName:    p.Name,
		Content:       strings.TrimSpace(cmd.Content),
		IsInCharacter: cmd.InCharacter,
		IsWhisper:     cmd.Whisper,
		Recipient:     cmd.Recipient,
		Timestamp:     cmd.Now,
	}
	msg := s.publish(types.ServerMessage{Type: types.KindChat, ClientRef: clientRef, Chat: chat}, "")
	s.opts.Recorder.AppendChat(chatRecord(s.id, msg.Seq, chat))
}

func (s *Session) publishSystem(content, severity string) {
	chat := &types.ChatMessage{
		ID:         uuid.NewString(),
		SenderName: "System",
		Content:    content,
		IsSystem:   true,
		Severity:   severity,
		Timestamp:  s.opts.Now(),
	}
	msg := s.publish(types.ServerMessage{Type: types.KindChat, Chat: chat}, "")
	s.opts.Recorder.AppendChat(chatRecord(s.id, msg.Seq, chat))
}

func (s *Session) publishDice(cmd engine.Command, clientRef string) {
	p := s.state.Participants[cmd.UserID]
	roll := &types.DiceRoll{
		ID:         uuid.NewString(),
		PlayerID:   cmd.UserID,
		PlayerName: p.Name,
		Expression: cmd.Roll.Expression,
		Rolls:      append([]int(nil), cmd.Roll.Rolls...),
		Modifier:   cmd.Roll.Modifier,
		Total:      cmd.Roll.Total,
		Reason:     strings.TrimSpace(cmd.Reason),
		IsPrivate:  cmd.Private,
		Timestamp:  cmd.Now,
	}
	msg := s.publish(types.ServerMessage{Type: types.KindDiceResult, ClientRef: clientRef, Dice: roll}, "")
	s.opts.Recorder.AppendDiceRoll(diceRecord(s.id, msg.Seq, roll))
}

// publish assigns the next sequence number, appends msg to the log and fans
// it out to every attached connection except the one named by except.
func (s *Session) publish(msg types.ServerMessage, except string) types.ServerMessage {
	s.seq++
	msg.Seq = s.seq
	msg.SessionID = s.id
	if msg.State != nil {
		msg.State.Seq = s.seq
	}

	s.history.append(msg)

	for id, c := range s.clients {
		if id == except {
			continue
		}
		s.deliver(c, msg)
	}
	return msg
}

// deliver never blocks the actor. A connection that cannot keep up is
// detached; its client will rejoin and resync.
func (s *Session) deliver(c *client, msg types.ServerMessage) {
	if _, ok := s.clients[c.connID]; !ok {
		return
	}
	select {
	case c.outbox <- redactFor(msg, c.userID, s.state.IsDM(c.userID)):
	default:
		s.log.Warn("dropping slow connection", zap.String("conn_id", c.connID), zap.String("user_id", c.userID))
		delete(s.clients, c.connID)
		close(c.outbox)
		s.dropped = append(s.dropped, c)
	}
}

func (s *Session) reapDropped() {
	if s.reaping {
		return
	}
	s.reaping = true
	defer func() { s.reaping = false }()
	for len(s.dropped) > 0 {
		c := s.dropped[0]
		s.dropped = s.dropped[1:]
		s.disconnect(c.userID)
	}
}

// detach removes a connection without marking its user disconnected.
func (s *Session) detach(c *client, reason string) {
	select {
	case c.outbox <- types.ServerMessage{Type: types.KindSessionClosed, SessionID: s.id, Reason: reason}:
	default:
	}
	delete(s.clients, c.connID)
	close(c.outbox)
}

func (s *Session) handleResync(msg Resync) {
	c, ok := s.clients[msg.ConnID]
	if !ok {
		return
	}
	var events []types.ServerMessage
	truncated := false
	if msg.LastSeq < s.seq {
		if first, ok := s.history.oldest(); !ok || first.Seq > msg.LastSeq+1 {
			truncated = true
		}
		s.history.since(msg.LastSeq, func(e types.ServerMessage) {
			events = append(events, redactFor(e, c.userID, s.state.IsDM(c.userID)))
		})
	}
	s.deliver(c, types.ServerMessage{
		Type:      types.KindResyncResult,
		SessionID: s.id,
		ClientRef: msg.ClientRef,
		Players:   toPlayers(s.state),
		State:     s.gameState(),
		Events:    events,
		Truncated: truncated,
	})
	s.reapDropped()
}

func (s *Session) handleAlert(err error) {
	alert := types.ServerMessage{
		Type:      types.KindError,
		SessionID: s.id,
		Code:      string(engine.CodeTransientUnavailable),
		Message:   "game data could not be saved: " + err.Error(),
	}
	delivered := false
	for _, c := range s.clients {
		if c.userID == s.hostID {
			s.deliver(c, alert)
			delivered = true
		}
	}
	if !delivered && len(s.alerts) < maxPendingAlerts {
		s.alerts = append(s.alerts, alert)
	}
	s.reapDropped()
}

func (s *Session) expire() {
	now := s.opts.Now()
	events, next, err := engine.Apply(s.state, engine.Command{Type: engine.CmdExpireParticipants, Now: now, Grace: s.opts.Grace})
	if err != nil || len(events) == 0 {
		return
	}
	s.state = next
	for _, e := range events {
		s.log.Info("player away", zap.String("user_id", e.UserID))
	}
	s.publish(types.ServerMessage{Type: types.KindGameStateUpdate, State: s.gameState()}, "")
	s.reapDropped()
}

func (s *Session) sendError(c *client, clientRef string, err error) {
	code := engine.CodeOf(err)
	if code == engine.CodeInternal {
		s.log.Error("command failed", zap.String("user_id", c.userID), zap.Error(err))
	}
	s.deliver(c, types.ServerMessage{
		Type:      types.KindError,
		SessionID: s.id,
		ClientRef: clientRef,
		Code:      string(code),
		Message:   err.Error(),
	})
	s.reapDropped()
}

func (s *Session) shutdown() {
	reason, _ := s.reason.Load().(string)
	if reason == "" {
		reason = ReasonShutdown
	}
	for _, c := range s.clients {
		s.detach(c, reason)
	}
	s.connected.Store(0)
	s.log.Info("session stopped", zap.String("reason", reason))
	s.opts.Recorder.SaveSession(sessionRecord(s.state, s.seq, s.LastActivity()))
}

// persist saves the session row whenever the sequence moved, so a restored
// session never hands out a seq that was already used. State changes always
// publish an event.
func (s *Session) persist() {
	if s.seq == s.savedSeq {
		return
	}
	s.savedSeq = s.seq
	s.opts.Recorder.SaveSession(sessionRecord(s.state, s.seq, s.LastActivity()))
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) refreshCounters() {
	s.status.Store(s.state.Status)
	s.connected.Store(int32(s.state.ConnectedCount()))
}

func ptr[T any](v T) *T { return &v }
