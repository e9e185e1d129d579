package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/towerduo-backend/internal/channel"
	"github.com/DoyleJ11/towerduo-backend/internal/clock"
	"github.com/DoyleJ11/towerduo-backend/internal/engine"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

var ErrAbandoned = errors.New("session abandoned")

type BotConfig struct {
	Participant string
	Mode        string
	// Turns is how many turns in total the pair plays before ending.
	Turns  int
	Signer channel.Signer
	// Ledger may be nil; the bot then always ends up in simulated mode.
	Ledger channel.Ledger
	Clock  clock.Clock
}

// Bot stacks one block per turn on top of the tower and reports the tower
// height as the session metric.
type Bot struct {
	cfg  BotConfig
	conn *Conn
	log  *zap.Logger

	seat      engine.Seat
	neg       *channel.Negotiator
	submitted bool
	channelID string
	simulated bool

	// events is the session as the bot heard it, cut at the latest
	// TurnAdvanced.
	events []engine.Event
}

func NewBot(cfg BotConfig, conn *Conn, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{cfg: cfg, conn: conn, log: log.Named("bot").With(zap.String("participant", cfg.Participant))}
}

// Run plays one session and returns its settlement. An abandoned session
// returns ErrAbandoned together with the refund notice.
func (b *Bot) Run(ctx context.Context) (*types.ServerMessage, error) {
	if err := b.conn.Send(ctx, types.ClientMessage{
		Type:    types.MsgJoinLobby,
		ModeID:  b.cfg.Mode,
		Address: b.cfg.Signer.Address(),
	}); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}

	negCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(negCtx)
	defer func() {
		stop()
		_ = g.Wait()
	}()

	for {
		msg, err := b.conn.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("recv: %w", err)
		}

		switch msg.Type {
		case types.MsgLobbyWaiting:
			b.log.Info("waiting", zap.String("mode", msg.ModeID), zap.Int("position", msg.Position))

		case types.MsgMatched:
			b.seat = engine.Seat(msg.Seat)
			b.neg = b.negotiator(msg)
			neg := b.neg
			g.Go(func() error {
				out, err := neg.Run(gctx)
				if err != nil {
					b.log.Warn("negotiation", zap.Error(err))
					return nil
				}
				b.log.Info("negotiated", zap.String("channel", out.ChannelID), zap.Bool("simulated", out.Simulated))
				return nil
			})

		case types.MsgChannelProposal:
			if b.neg != nil && msg.Proposal != nil {
				b.neg.DeliverProposal(*msg.Proposal)
			}

		case types.MsgChannelSignature:
			if b.neg != nil && msg.Signature != nil {
				b.neg.DeliverSignature(*msg.Signature)
			}

		case types.MsgChannelReady:
			b.channelID, b.simulated = msg.ChannelID, msg.Simulated
			if b.neg != nil {
				b.neg.DeliverChannelID(msg.ChannelID)
			}

		case types.MsgSessionStarted, types.MsgTurnChanged:
			b.events = []engine.Event{{
				Type:      engine.EvtTurnAdvanced,
				Holder:    engine.Seat(msg.Holder),
				TurnCount: msg.TurnCount,
				Snapshot:  msg.Snapshot.Clone(),
			}}
			if err := b.onTurn(ctx, msg); err != nil {
				return nil, err
			}

		case types.MsgObjectSpawned:
			if msg.Object == nil {
				continue
			}
			b.events = append(b.events, engine.Event{Type: engine.EvtObjectSpawned, Seat: engine.Seat(msg.Seat), Object: *msg.Object})
			if engine.Seat(msg.Seat) == b.seat {
				if err := b.finishTurn(ctx, *msg.Object); err != nil {
					return nil, err
				}
			}

		case types.MsgInFlightSync:
			b.log.Debug("peer moving", zap.String("object", msg.ObjectID))

		case types.MsgSessionEnded:
			b.log.Info("session ended", zap.Float64p("metric", msg.Metric))

		case types.MsgSettlementResult:
			return &msg, nil

		case types.MsgSessionAbandoned:
			return &msg, fmt.Errorf("%w: %s, refund %d", ErrAbandoned, msg.Reason, msg.Refund)

		case types.MsgError:
			if msg.Error != nil {
				b.log.Warn("server error", zap.String("code", msg.Error.Code), zap.String("message", msg.Error.Message))
			}
		}
	}
}

func (b *Bot) negotiator(m types.ServerMessage) *channel.Negotiator {
	role := channel.RoleResponder
	if m.Role == types.RoleProposer {
		role = channel.RoleProposer
	}
	return channel.New(channel.Config{
		SessionID: m.SessionID,
		Role:      role,
		Self:      channel.Party{ID: b.cfg.Participant, Address: b.cfg.Signer.Address()},
		Peer:      channel.Party{ID: m.PeerID, Address: m.PeerAddress},
		Stake:     m.Stake,
		Asset:     m.Asset,
	}, b.cfg.Signer, b.cfg.Ledger, NewRelay(b.conn), b.cfg.Clock, b.log)
}

func (b *Bot) state() engine.State {
	return engine.Reduce(engine.Rules{}, b.events)
}

func (b *Bot) onTurn(ctx context.Context, m types.ServerMessage) error {
	st := b.state()
	if st.TurnCount >= b.cfg.Turns {
		if b.submitted {
			return nil
		}
		b.submitted = true
		metric := st.Objects.Top()
		b.events = append(b.events, engine.Event{Type: engine.EvtMetricSubmitted, Seat: b.seat, Metric: metric})
		return b.conn.Send(ctx, types.ClientMessage{Type: types.MsgEndSession, Metric: &metric})
	}
	if !m.YourTurn || st.Holder != b.seat {
		return nil
	}
	top := st.Objects.Top()
	return b.conn.Send(ctx, types.ClientMessage{
		Type:   types.MsgSpawnObject,
		Object: &types.ObjectDescriptor{Kind: "block", Pose: types.Pose{Y: top + 1, VY: -0.5}},
	})
}

// finishTurn mirrors the drop to the peer, lets the block settle and hands
// the turn over with the settled snapshot.
func (b *Bot) finishTurn(ctx context.Context, obj types.Object) error {
	falling := obj.Pose
	falling.Y += 0.5
	if err := b.conn.Send(ctx, types.ClientMessage{Type: types.MsgSyncInFlight, ObjectID: obj.ID, Pose: &falling}); err != nil {
		return err
	}

	snapshot := b.state().Objects.Clone()
	for i := range snapshot {
		if snapshot[i].ID == obj.ID {
			snapshot[i].Pose.VY = 0
		}
	}
	return b.conn.Send(ctx, types.ClientMessage{Type: types.MsgEndTurn, Snapshot: snapshot})
}
