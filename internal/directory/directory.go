// Package directory owns the per-mode waiting queues and the live sessions.
// Like a session, it is a single goroutine fed through Inbox, so pairing two
// waiting participants is one step no other message can interleave with.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/internal/clock"
	"github.com/DoyleJ11/towerduo-backend/internal/metrics"
	"github.com/DoyleJ11/towerduo-backend/internal/rules"
	"github.com/DoyleJ11/towerduo-backend/internal/session"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

var ErrDuplicateParticipant = errors.New("participant already connected")
var ErrAlreadyQueued = errors.New("already waiting in a lobby")
var ErrAlreadyInSession = errors.New("already in a session")
var ErrNoSession = errors.New("not in a session")
var ErrExpired = errors.New("lobby entry expired")

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

type Config struct {
	Catalog       rules.Catalog
	StaleAfter    time.Duration
	SweepInterval time.Duration

	NegotiationDeadline time.Duration
	EvictAfter          time.Duration
	MetricTolerance     float64
}

type Msg interface{ isDirectoryMsg() }

// Connect registers a participant's outbound side. Reply receives nil or
// ErrDuplicateParticipant.
type Connect struct {
	ParticipantID string
	Peer          session.Peer
	Reply         chan error
}

// FromClient is any frame a connected participant sent. Lobby frames are
// handled here, everything else goes to the participant's session.
type FromClient struct {
	ParticipantID string
	Msg           types.ClientMessage
}

type Disconnect struct{ ParticipantID string }

type RemoveSession struct{ ID string }

// ReleaseSession frees a settled session's participants to queue again
// while the session itself waits for eviction.
type ReleaseSession struct{ ID string }

type GetView struct{ Reply chan View }

type Shutdown struct{}

func (Connect) isDirectoryMsg()        {}
func (FromClient) isDirectoryMsg()     {}
func (Disconnect) isDirectoryMsg()     {}
func (RemoveSession) isDirectoryMsg()  {}
func (ReleaseSession) isDirectoryMsg() {}
func (GetView) isDirectoryMsg()        {}
func (Shutdown) isDirectoryMsg()       {}

type View struct {
	Queues    map[string]int    `json:"queues"`
	Sessions  int               `json:"sessions"`
	Connected int               `json:"connected"`
	InSession map[string]string `json:"-"`
}

type entry struct {
	ParticipantID   string
	Address         string
	StakeCommitment string
	JoinedAt        time.Time
}

type Directory struct {
	cfg   Config
	inbox chan Msg

	peers     map[string]session.Peer
	lobbies   map[string][]entry // mode id -> oldest first
	queuedIn  map[string]string  // participant -> mode id
	sessions  map[string]*session.Session
	inSession map[string]string // participant -> session id

	clock   clock.Clock
	log     *zap.Logger
	base    *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, cfg Config, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Directory {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if len(cfg.Catalog.Modes) == 0 {
		cfg.Catalog = rules.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Directory{
		cfg:       cfg,
		inbox:     make(chan Msg, 256),
		peers:     make(map[string]session.Peer),
		lobbies:   make(map[string][]entry),
		queuedIn:  make(map[string]string),
		sessions:  make(map[string]*session.Session),
		inSession: make(map[string]string),
		clock:     clk,
		log:       log.Named("directory"),
		base:      log,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
	ticker := clk.NewTicker(cfg.SweepInterval)
	go d.loop(ticker)
	return d
}

func (d *Directory) Inbox() chan<- Msg { return d.inbox }

func (d *Directory) Done() <-chan struct{} { return d.ctx.Done() }

// Submit delivers m unless the directory has stopped.
func (d *Directory) Submit(m Msg) bool {
	select {
	case d.inbox <- m:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Directory) loop(ticker clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			d.shutdown()
			return

		case <-ticker.C():
			d.sweep(d.clock.Now())

		case m := <-d.inbox:
			switch msg := m.(type) {
			case Connect:
				msg.Reply <- d.connect(msg.ParticipantID, msg.Peer)

			case FromClient:
				d.fromClient(msg.ParticipantID, msg.Msg)

			case Disconnect:
				d.disconnect(msg.ParticipantID)

			case RemoveSession:
				d.removeSession(msg.ID)

			case ReleaseSession:
				d.unseat(msg.ID)

			case GetView:
				msg.Reply <- d.view()

			case Shutdown:
				d.shutdown()
				return
			}
		}
	}
}

func (d *Directory) connect(id string, peer session.Peer) error {
	if id == "" || peer == nil {
		return errors.New("participant id and peer required")
	}
	if _, ok := d.peers[id]; ok {
		return ErrDuplicateParticipant
	}
	d.peers[id] = peer
	d.log.Debug("connected", zap.String("participant", id))
	return nil
}

func (d *Directory) fromClient(id string, msg types.ClientMessage) {
	if _, ok := d.peers[id]; !ok {
		d.log.Warn("frame from unregistered participant", zap.String("participant", id))
		return
	}

	switch msg.Type {
	case types.MsgJoinLobby:
		if err := d.join(id, msg); err != nil {
			d.reject(id, err)
		}

	case types.MsgLeaveLobby:
		d.leave(id, msg.ModeID)

	default:
		sid, ok := d.inSession[id]
		if !ok {
			d.reject(id, ErrNoSession)
			return
		}
		if s := d.sessions[sid]; s != nil {
			forward(s, session.FromParticipant{ParticipantID: id, Msg: msg})
		}
	}
}

// join either queues the caller or pairs it with the longest waiting entry
// for the mode.
func (d *Directory) join(id string, msg types.ClientMessage) error {
	mode, err := d.cfg.Catalog.Mode(msg.ModeID)
	if err != nil {
		return err
	}
	if _, ok := d.inSession[id]; ok {
		return ErrAlreadyInSession
	}
	if m, ok := d.queuedIn[id]; ok {
		if m != mode.ID {
			return fmt.Errorf("%w: %q", ErrAlreadyQueued, m)
		}
		d.send(id, types.ServerMessage{Type: types.MsgLobbyWaiting, ModeID: m, Position: 1})
		return nil
	}

	joiner := entry{
		ParticipantID:   id,
		Address:         msg.Address,
		StakeCommitment: msg.StakeCommitment,
		JoinedAt:        d.clock.Now(),
	}

	queue := d.lobbies[mode.ID]
	if len(queue) == 0 {
		d.lobbies[mode.ID] = []entry{joiner}
		d.queuedIn[id] = mode.ID
		d.metrics.QueueDepth(mode.ID, 1)
		d.send(id, types.ServerMessage{Type: types.MsgLobbyWaiting, ModeID: mode.ID, Position: 1})
		return nil
	}

	waiting := queue[0]
	d.setQueue(mode.ID, queue[1:])
	delete(d.queuedIn, waiting.ParticipantID)

	d.startSession(mode, waiting, joiner)
	return nil
}

func (d *Directory) startSession(mode rules.Mode, first, second entry) {
	id := uuid.NewString()
	seats := [2]session.Participant{}
	for i, e := range []entry{first, second} {
		seats[i] = session.Participant{
			ID:              e.ParticipantID,
			Address:         e.Address,
			StakeCommitment: e.StakeCommitment,
			Peer:            d.peers[e.ParticipantID],
		}
		d.inSession[e.ParticipantID] = id
	}

	s := session.New(d.ctx, session.Config{
		ID:                  id,
		Mode:                mode,
		Seats:               seats,
		NegotiationDeadline: d.cfg.NegotiationDeadline,
		EvictAfter:          d.cfg.EvictAfter,
		MetricTolerance:     d.cfg.MetricTolerance,
		OnRelease: func(sid string) {
			d.Submit(ReleaseSession{ID: sid})
		},
	}, d.clock, d.base, d.metrics, func(sid string) {
		d.Submit(RemoveSession{ID: sid})
	})
	d.sessions[id] = s

	d.log.Info("paired",
		zap.String("session", id),
		zap.String("mode", mode.ID),
		zap.String("seat1", first.ParticipantID),
		zap.String("seat2", second.ParticipantID))
}

func (d *Directory) leave(id, modeID string) {
	m, ok := d.queuedIn[id]
	if !ok || (modeID != "" && m != modeID) {
		return
	}
	d.dequeue(id)
}

func (d *Directory) disconnect(id string) {
	d.dequeue(id)
	if sid, ok := d.inSession[id]; ok {
		if s := d.sessions[sid]; s != nil {
			forward(s, session.Disconnect{ParticipantID: id})
		}
		delete(d.inSession, id)
	}
	delete(d.peers, id)
	d.log.Debug("disconnected", zap.String("participant", id))
}

func (d *Directory) dequeue(id string) {
	m, ok := d.queuedIn[id]
	if !ok {
		return
	}
	delete(d.queuedIn, id)
	queue := d.lobbies[m]
	kept := queue[:0]
	for _, e := range queue {
		if e.ParticipantID != id {
			kept = append(kept, e)
		}
	}
	d.setQueue(m, kept)
}

func (d *Directory) setQueue(mode string, queue []entry) {
	if len(queue) == 0 {
		delete(d.lobbies, mode)
	} else {
		d.lobbies[mode] = queue
	}
	d.metrics.QueueDepth(mode, len(queue))
}

func (d *Directory) removeSession(id string) {
	if _, ok := d.sessions[id]; !ok {
		return
	}
	delete(d.sessions, id)
	d.unseat(id)
	d.log.Debug("session removed", zap.String("session", id))
}

// unseat clears the participant mapping of session id only; a participant
// may already sit in a newer session.
func (d *Directory) unseat(id string) {
	for p, sid := range d.inSession {
		if sid == id {
			delete(d.inSession, p)
		}
	}
}

// sweep drops queue entries older than StaleAfter and tells their owners.
func (d *Directory) sweep(now time.Time) {
	for mode, queue := range d.lobbies {
		kept := queue[:0]
		for _, e := range queue {
			if now.Sub(e.JoinedAt) >= d.cfg.StaleAfter {
				delete(d.queuedIn, e.ParticipantID)
				d.reject(e.ParticipantID, ErrExpired)
				continue
			}
			kept = append(kept, e)
		}
		d.setQueue(mode, kept)
	}
}

// forward gives up if the session stopped before it drained its inbox.
func forward(s *session.Session, m session.Msg) {
	select {
	case s.Inbox() <- m:
	case <-s.Done():
	}
}

func (d *Directory) shutdown() {
	for _, s := range d.sessions {
		select {
		case s.Inbox() <- session.Shutdown{}:
		default:
		}
	}
	clear(d.sessions)
	d.cancel()
}

func (d *Directory) view() View {
	v := View{
		Queues:    make(map[string]int, len(d.lobbies)),
		Sessions:  len(d.sessions),
		Connected: len(d.peers),
		InSession: make(map[string]string, len(d.inSession)),
	}
	for m, q := range d.lobbies {
		v.Queues[m] = len(q)
	}
	for p, s := range d.inSession {
		v.InSession[p] = s
	}
	return v
}

func (d *Directory) send(id string, msg types.ServerMessage) {
	if p := d.peers[id]; p != nil && !p.Send(msg) {
		d.log.Warn("outbox full, frame dropped", zap.String("participant", id), zap.String("type", msg.Type))
	}
}

func (d *Directory) reject(id string, err error) {
	code := types.ErrCodeConflict
	switch {
	case errors.Is(err, rules.ErrUnknownMode):
		code = types.ErrCodeBadRequest
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrExpired):
		code = types.ErrCodeNotFound
	}
	d.send(id, types.ServerMessage{Type: types.MsgError, Error: &types.ErrorBody{Code: code, Message: err.Error()}})
}
