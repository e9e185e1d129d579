// Package session runs one matched pair from channel negotiation through the
// turn loop to settlement. Each session is a single goroutine that owns its
// state; everything reaches it through Inbox.
package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/internal/channel"
	"github.com/DoyleJ11/towerduo-backend/internal/clock"
	"github.com/DoyleJ11/towerduo-backend/internal/engine"
	"github.com/DoyleJ11/towerduo-backend/internal/metrics"
	"github.com/DoyleJ11/towerduo-backend/internal/rules"
	"github.com/DoyleJ11/towerduo-backend/internal/settlement"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

var ErrNotActive = errors.New("session not active")
var ErrNotNegotiating = errors.New("channel negotiation already resolved")
var ErrWrongRole = errors.New("message not allowed for this seat")
var ErrUnexpectedMessage = errors.New("unexpected message in session")

const (
	// DefaultNegotiationDeadline outlasts a default proposer, so a proposer
	// that is still working never races the fabricated placeholder.
	DefaultNegotiationDeadline = channel.MaxProposerDuration + 10*time.Second
	DefaultEvictAfter          = 30 * time.Second
)

type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusNegotiating Status = "NEGOTIATING"
	StatusActive      Status = "ACTIVE"
	StatusEnded       Status = "ENDED"
	StatusSettled     Status = "SETTLED"
	StatusAbandoned   Status = "ABANDONED"
)

// Peer is the outbound side of a connected participant. Send must not block;
// it returns false when the frame could not be queued.
type Peer interface {
	Send(msg types.ServerMessage) bool
}

type Participant struct {
	ID              string
	Address         string
	StakeCommitment string
	Peer            Peer
}

type Config struct {
	ID   string
	Mode rules.Mode
	// Seats[0] waited longest and becomes seat 1.
	Seats [2]Participant

	NegotiationDeadline time.Duration
	EvictAfter          time.Duration
	MetricTolerance     float64

	// OnRelease runs in its own goroutine once results are out and both
	// seats are free to join another session. The session itself stays up
	// until eviction.
	OnRelease func(id string)
}

type Msg interface{ isSessionMsg() }

// FromParticipant carries a client frame already routed to this session.
type FromParticipant struct {
	ParticipantID string
	Msg           types.ClientMessage
}

func (FromParticipant) isSessionMsg() {}

type Disconnect struct{ ParticipantID string }

func (Disconnect) isSessionMsg() {}

type GetView struct {
	Reply chan View
}

func (GetView) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type View struct {
	ID           string
	ModeID       string
	Status       Status
	Participants [2]string
	Holder       engine.Seat
	TurnCount    int
	Objects      types.SharedState
	ChannelID    string
	Simulated    bool
	Proposal     *types.ChannelProposal
	Settlement   *types.SettlementResult
}

type Session struct {
	cfg     Config
	inbox   chan Msg
	status  Status
	state   engine.State
	seats   [2]Participant
	present [2]bool

	proposal   *types.ChannelProposal
	channelID  string
	simulated  bool
	settlement *types.SettlementResult

	deadline <-chan time.Time
	evict    <-chan time.Time

	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	onClose func(id string)

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the session goroutine and sends Matched to both seats. onClose
// is called from its own goroutine once the session is gone.
func New(parent context.Context, cfg Config, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, onClose func(id string)) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.NegotiationDeadline <= 0 {
		cfg.NegotiationDeadline = DefaultNegotiationDeadline
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultEvictAfter
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		cfg:     cfg,
		inbox:   make(chan Msg, 64),
		status:  StatusStarting,
		state:   engine.NewState(engine.Rules{MetricTolerance: cfg.MetricTolerance}),
		seats:   cfg.Seats,
		present: [2]bool{true, true},
		clock:   clk,
		log:     log.Named("session").With(zap.String("session", cfg.ID), zap.String("mode", cfg.Mode.ID)),
		metrics: m,
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.start()
	go s.loop()
	return s
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) start() {
	s.metrics.SessionCreated(s.cfg.Mode.ID)
	s.deadline = s.clock.After(s.cfg.NegotiationDeadline)

	for i, seat := range []engine.Seat{engine.Seat1, engine.Seat2} {
		self, peer := s.seats[i], s.seats[seat.Other().Index()]
		role := types.RoleResponder
		if seat == engine.Seat1 {
			role = types.RoleProposer
		}
		s.send(seat, types.ServerMessage{
			Type:        types.MsgMatched,
			ModeID:      s.cfg.Mode.ID,
			SessionID:   s.cfg.ID,
			Seat:        int(seat),
			PeerID:      peer.ID,
			PeerAddress: peer.Address,
			Role:        role,
			Stake:       s.cfg.Mode.Stake,
			Asset:       s.cfg.Mode.Asset,
		})
		s.log.Debug("matched", zap.String("participant", self.ID), zap.Int("seat", int(seat)))
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case <-s.deadline:
			s.deadline = nil
			if s.negotiating() {
				s.log.Info("negotiation deadline passed, using simulated channel")
				s.resolveChannel(channel.NewPlaceholderID())
			}

		case <-s.evict:
			s.close()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case FromParticipant:
				s.handle(msg)

			case Disconnect:
				if s.disconnect(msg.ParticipantID) {
					s.close()
					return
				}

			case GetView:
				msg.Reply <- s.view()

			case Shutdown:
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) handle(msg FromParticipant) {
	seat := s.seatOf(msg.ParticipantID)
	if seat == engine.SeatNone {
		s.log.Warn("frame from unknown participant", zap.String("participant", msg.ParticipantID))
		return
	}

	var err error
	switch msg.Msg.Type {
	case types.MsgChannelProposal:
		err = s.onProposal(seat, msg.Msg.Proposal)
	case types.MsgChannelSignature:
		err = s.onSignature(seat, msg.Msg.Signature)
	case types.MsgChannelID:
		err = s.onChannelID(seat, msg.Msg.ChannelID)
	case types.MsgSpawnObject, types.MsgEndTurn, types.MsgSyncInFlight, types.MsgEndSession:
		err = s.onTurn(seat, msg.Msg)
	default:
		err = ErrUnexpectedMessage
	}
	if err != nil {
		s.reject(seat, err)
	}
}

func (s *Session) onProposal(seat engine.Seat, p *types.ChannelProposal) error {
	if seat != engine.Seat1 {
		return ErrWrongRole
	}
	if !s.negotiating() {
		return ErrNotNegotiating
	}
	if p == nil || p.SessionID != s.cfg.ID {
		return channel.ErrTermsMismatch
	}
	if err := channel.CheckTerms(*p, s.party(engine.Seat1), s.party(engine.Seat2), s.cfg.Mode.Stake); err != nil {
		return err
	}

	recorded := *p
	recorded.Signatures = append([]types.Signature(nil), p.Signatures...)
	s.proposal = &recorded
	s.status = StatusNegotiating

	s.send(engine.Seat2, types.ServerMessage{Type: types.MsgChannelProposal, SessionID: s.cfg.ID, Proposal: p})
	return nil
}

func (s *Session) onSignature(seat engine.Seat, sig *types.Signature) error {
	if seat != engine.Seat2 {
		return ErrWrongRole
	}
	if s.status != StatusNegotiating || s.proposal == nil {
		return ErrNotNegotiating
	}
	if sig == nil || sig.Signer != s.seats[1].Address {
		return ErrWrongRole
	}
	if !sig.Declined {
		s.proposal.Signatures = append(s.proposal.Signatures, *sig)
	}
	s.send(engine.Seat1, types.ServerMessage{Type: types.MsgChannelSignature, SessionID: s.cfg.ID, Signature: sig})
	return nil
}

func (s *Session) onChannelID(seat engine.Seat, id string) error {
	if seat != engine.Seat1 {
		return ErrWrongRole
	}
	if !s.negotiating() {
		return ErrNotNegotiating
	}
	s.resolveChannel(id)
	return nil
}

// resolveChannel is the single point where the session leaves negotiation.
// The first id wins; both seats hear it before the first turn starts.
func (s *Session) resolveChannel(id string) {
	s.channelID = id
	s.simulated = channel.IsPlaceholder(id)
	s.status = StatusActive
	s.deadline = nil
	s.metrics.ChannelResolved(s.cfg.Mode.ID, s.simulated)
	s.log.Info("channel ready", zap.String("channel", id), zap.Bool("simulated", s.simulated))

	s.broadcast(types.ServerMessage{
		Type:      types.MsgChannelReady,
		SessionID: s.cfg.ID,
		ChannelID: id,
		Simulated: s.simulated,
	})
	for _, seat := range []engine.Seat{engine.Seat1, engine.Seat2} {
		s.send(seat, types.ServerMessage{
			Type:      types.MsgSessionStarted,
			SessionID: s.cfg.ID,
			ChannelID: id,
			Simulated: s.simulated,
			Holder:    int(s.state.Holder),
			TurnCount: s.state.TurnCount,
			YourTurn:  seat == s.state.Holder,
			Snapshot:  s.state.Objects.Clone(),
		})
	}
}

func (s *Session) onTurn(seat engine.Seat, msg types.ClientMessage) error {
	if s.status != StatusActive {
		return ErrNotActive
	}

	cmd := engine.Command{Seat: seat}
	switch msg.Type {
	case types.MsgSpawnObject:
		cmd.Type = engine.CmdSpawnObject
		cmd.ObjectID = uuid.NewString()
		if msg.Object != nil {
			cmd.Object = *msg.Object
		}
	case types.MsgEndTurn:
		cmd.Type = engine.CmdEndTurn
		cmd.Snapshot = msg.Snapshot
	case types.MsgSyncInFlight:
		cmd.Type = engine.CmdSyncInFlight
		cmd.ObjectID = msg.ObjectID
		if msg.Pose != nil {
			cmd.Pose = *msg.Pose
		}
	case types.MsgEndSession:
		cmd.Type = engine.CmdEndSession
		if msg.Metric != nil {
			cmd.Metric = *msg.Metric
		}
	}

	events, next, err := engine.Apply(s.state, cmd)
	if err != nil {
		return err
	}
	s.state = next

	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

func (s *Session) emit(ev engine.Event) {
	switch ev.Type {
	case engine.EvtObjectSpawned:
		obj := ev.Object
		// Both seats: the author needs the issued id too.
		s.broadcast(types.ServerMessage{Type: types.MsgObjectSpawned, SessionID: s.cfg.ID, Seat: int(ev.Seat), Object: &obj})

	case engine.EvtInFlightSynced:
		pose := ev.Pose
		s.send(ev.Seat.Other(), types.ServerMessage{Type: types.MsgInFlightSync, SessionID: s.cfg.ID, ObjectID: ev.ObjectID, Pose: &pose})

	case engine.EvtTurnAdvanced:
		for _, seat := range []engine.Seat{engine.Seat1, engine.Seat2} {
			s.send(seat, types.ServerMessage{
				Type:      types.MsgTurnChanged,
				SessionID: s.cfg.ID,
				Holder:    int(ev.Holder),
				TurnCount: ev.TurnCount,
				YourTurn:  seat == ev.Holder,
				Snapshot:  ev.Snapshot.Clone(),
			})
		}

	case engine.EvtMetricSubmitted:
		s.log.Debug("metric submitted", zap.Int("seat", int(ev.Seat)), zap.Float64("metric", ev.Metric))

	case engine.EvtSessionEnded:
		s.status = StatusEnded
		metric := ev.Metric
		s.broadcast(types.ServerMessage{Type: types.MsgSessionEnded, SessionID: s.cfg.ID, Metric: &metric, ChannelID: s.channelID, Simulated: s.simulated})
		if ev.Disputed {
			s.log.Warn("metrics disagree",
				zap.Float64("seat1", s.state.Metrics[0]),
				zap.Float64("seat2", s.state.Metrics[1]),
				zap.Float64("used", metric))
		}
		s.settle(metric, ev.Disputed)
	}
}

func (s *Session) settle(metric float64, disputed bool) {
	defer func() {
		s.evict = s.clock.After(s.cfg.EvictAfter)
		s.release()
	}()

	res, err := settlement.Settle(metric, s.cfg.Mode.Stake, s.cfg.Mode.Payout)
	if err != nil {
		if errors.Is(err, settlement.ErrArithmeticInvariant) {
			s.log.DPanic("settlement invariant violated", zap.Error(err), zap.Float64("metric", metric))
		} else {
			s.log.Error("settlement failed", zap.Error(err))
		}
		s.broadcast(errorMessage(types.ErrCodeConflict, "settlement failed"))
		return
	}

	result := &types.SettlementResult{
		SessionID:     s.cfg.ID,
		Tier:          res.Tier,
		MultiplierPct: res.MultiplierPct,
		Metric:        metric,
		TotalStake:    res.TotalStake,
		TotalRewards:  res.TotalRewards,
		Payouts: []types.Payout{
			{ParticipantID: s.seats[0].ID, Amount: res.Payouts[0]},
			{ParticipantID: s.seats[1].ID, Amount: res.Payouts[1]},
		},
		ProtocolFee: res.ProtocolFee,
		Simulated:   s.simulated,
		Disputed:    disputed,
	}
	s.settlement = result
	s.status = StatusSettled
	s.metrics.SessionSettled(s.cfg.Mode.ID, strconv.Itoa(res.Tier))
	s.log.Info("settled",
		zap.Int("tier", res.Tier),
		zap.Int64("rewards", res.TotalRewards),
		zap.Int64("fee", res.ProtocolFee),
		zap.Bool("simulated", s.simulated))

	s.broadcast(types.ServerMessage{Type: types.MsgSettlementResult, SessionID: s.cfg.ID, Settlement: result})
}

// disconnect reports whether the session should stop now.
func (s *Session) disconnect(participantID string) bool {
	seat := s.seatOf(participantID)
	if seat == engine.SeatNone {
		return false
	}
	s.present[seat.Index()] = false

	switch s.status {
	case StatusStarting, StatusNegotiating, StatusActive:
		prev := s.status
		s.status = StatusAbandoned
		s.metrics.SessionAbandoned(s.cfg.Mode.ID, string(prev))
		s.log.Info("abandoned", zap.String("by", participantID), zap.String("during", string(prev)))

		s.send(seat.Other(), types.ServerMessage{
			Type:      types.MsgSessionAbandoned,
			SessionID: s.cfg.ID,
			Reason:    "peer disconnected",
			Refund:    s.cfg.Mode.Stake,
			ChannelID: s.channelID,
			Simulated: s.simulated,
		})
		return true
	default:
		// Results are already out; stay until eviction unless nobody is left.
		return !s.present[0] && !s.present[1]
	}
}

func (s *Session) release() {
	if s.cfg.OnRelease != nil {
		id := s.cfg.ID
		go s.cfg.OnRelease(id)
	}
}

func (s *Session) close() {
	s.cancel()
	if s.onClose != nil {
		id := s.cfg.ID
		go s.onClose(id)
	}
}

func (s *Session) reject(seat engine.Seat, err error) {
	reason := violationReason(err)
	s.metrics.ProtocolViolation(reason)
	s.log.Debug("rejected", zap.Int("seat", int(seat)), zap.String("reason", reason), zap.Error(err))

	code := types.ErrCodeProtocol
	if errors.Is(err, ErrUnexpectedMessage) {
		code = types.ErrCodeBadRequest
	}
	s.send(seat, errorMessage(code, err.Error()))
}

func (s *Session) negotiating() bool {
	return s.status == StatusStarting || s.status == StatusNegotiating
}

func (s *Session) seatOf(participantID string) engine.Seat {
	switch participantID {
	case s.seats[0].ID:
		return engine.Seat1
	case s.seats[1].ID:
		return engine.Seat2
	}
	return engine.SeatNone
}

func (s *Session) party(seat engine.Seat) channel.Party {
	p := s.seats[seat.Index()]
	return channel.Party{ID: p.ID, Address: p.Address}
}

func (s *Session) send(seat engine.Seat, msg types.ServerMessage) {
	i := seat.Index()
	if !s.present[i] || s.seats[i].Peer == nil {
		return
	}
	if !s.seats[i].Peer.Send(msg) {
		s.log.Warn("outbox full, frame dropped", zap.Int("seat", int(seat)), zap.String("type", msg.Type))
	}
}

func (s *Session) broadcast(msg types.ServerMessage) {
	s.send(engine.Seat1, msg)
	s.send(engine.Seat2, msg)
}

func (s *Session) view() View {
	v := View{
		ID:           s.cfg.ID,
		ModeID:       s.cfg.Mode.ID,
		Status:       s.status,
		Participants: [2]string{s.seats[0].ID, s.seats[1].ID},
		Holder:       s.state.Holder,
		TurnCount:    s.state.TurnCount,
		Objects:      s.state.Objects.Clone(),
		ChannelID:    s.channelID,
		Simulated:    s.simulated,
		Settlement:   s.settlement,
	}
	if s.proposal != nil {
		p := *s.proposal
		p.Signatures = append([]types.Signature(nil), s.proposal.Signatures...)
		v.Proposal = &p
	}
	return v
}

func errorMessage(code, message string) types.ServerMessage {
	return types.ServerMessage{Type: types.MsgError, Error: &types.ErrorBody{Code: code, Message: message}}
}

func violationReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrWrongTurn):
		return "wrong_turn"
	case errors.Is(err, engine.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, engine.ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, engine.ErrInvalidSnapshot):
		return "invalid_snapshot"
	case errors.Is(err, engine.ErrInvalidObject):
		return "invalid_object"
	case errors.Is(err, channel.ErrTermsMismatch):
		return "terms_mismatch"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrNotNegotiating):
		return "not_negotiating"
	case errors.Is(err, ErrWrongRole):
		return "wrong_role"
	default:
		return "other"
	}
}
