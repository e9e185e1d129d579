// Package channel runs the two-party propose / co-sign / submit handshake
// that backs a session's stake with an off-chain channel.
//
// Whatever happens, both peers end up under the same channel id: either the
// one the ledger issued or a placeholder that puts the session in simulated
// mode. Only the proposer ever submits to the ledger or fabricates a
// placeholder; the responder signs and then waits for the id.
package channel

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/internal/clock"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

var ErrPeerUnavailable = errors.New("peer unavailable")
var ErrServiceUnavailable = errors.New("signer or ledger unavailable")
var ErrTermsMismatch = errors.New("proposal terms mismatch")

const (
	DefaultSignatureTimeout = 15 * time.Second
	DefaultLedgerTimeout    = 10 * time.Second

	// MaxProposerDuration bounds a default-configured proposer from start to
	// announcement: reachability check, own signature, signature window,
	// ledger submission. A relay arbiter must wait longer than this before it
	// fabricates a placeholder on its own.
	MaxProposerDuration = 2*DefaultLedgerTimeout + 2*DefaultSignatureTimeout

	// DefaultResolveTimeout leaves room for the relay's own deadline.
	DefaultResolveTimeout = MaxProposerDuration + 30*time.Second
)

// Signer is the external key holder. Sign receives the proposal digest.
type Signer interface {
	Address() string
	Ping(ctx context.Context) error
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// Ledger is the external service that turns a fully co-signed proposal into
// a channel id.
type Ledger interface {
	Ping(ctx context.Context) error
	OpenChannel(ctx context.Context, p types.ChannelProposal) (string, error)
}

// Relay carries handshake frames to the peer.
type Relay interface {
	SendProposal(ctx context.Context, p types.ChannelProposal) error
	SendSignature(ctx context.Context, sig types.Signature) error
	SendChannelID(ctx context.Context, id string) error
}

type Role int

const (
	RoleProposer Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	if r == RoleProposer {
		return types.RoleProposer
	}
	return types.RoleResponder
}

type State int

const (
	StateIdle State = iota
	// StateProposalSent: the proposer is waiting for the co-signature, or
	// the responder has returned its signature and waits for the id.
	StateProposalSent
	StateAwaitingLedger
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProposalSent:
		return "proposal_sent"
	case StateAwaitingLedger:
		return "awaiting_ledger"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Party struct {
	ID      string
	Address string
}

type Config struct {
	SessionID string
	Role      Role
	Self      Party
	Peer      Party
	Stake     int64
	Asset     string

	SignatureTimeout time.Duration
	LedgerTimeout    time.Duration
	ResolveTimeout   time.Duration
}

func (c *Config) defaults() {
	if c.SignatureTimeout <= 0 {
		c.SignatureTimeout = DefaultSignatureTimeout
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = DefaultLedgerTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
}

// Outcome is the resolved channel. Cause is set when the fallback path ran.
type Outcome struct {
	ChannelID string
	Simulated bool
	Cause     error
}

type inbound struct {
	proposal  *types.ChannelProposal
	signature *types.Signature
	channelID string
}

type Negotiator struct {
	cfg    Config
	signer Signer
	ledger Ledger
	relay  Relay
	clock  clock.Clock
	log    *zap.Logger
	inbox  chan inbound

	mu    sync.Mutex
	state State
}

func New(cfg Config, signer Signer, ledger Ledger, relay Relay, clk clock.Clock, log *zap.Logger) *Negotiator {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{
		cfg:    cfg,
		signer: signer,
		ledger: ledger,
		relay:  relay,
		clock:  clk,
		log:    log.Named("channel").With(zap.String("session", cfg.SessionID), zap.Stringer("role", cfg.Role)),
		inbox:  make(chan inbound, 16),
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	n.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
}

func (n *Negotiator) DeliverProposal(p types.ChannelProposal) { n.deliver(inbound{proposal: &p}) }
func (n *Negotiator) DeliverSignature(s types.Signature)      { n.deliver(inbound{signature: &s}) }
func (n *Negotiator) DeliverChannelID(id string)              { n.deliver(inbound{channelID: id}) }

func (n *Negotiator) deliver(in inbound) {
	select {
	case n.inbox <- in:
	default:
		n.log.Warn("inbox full, dropping handshake frame")
	}
}

// Run drives the handshake until a channel id is known. The proposer always
// returns an outcome; the error is only set when broadcasting it failed or
// ctx was cancelled. The responder returns ErrPeerUnavailable if no id
// arrives within ResolveTimeout.
func (n *Negotiator) Run(ctx context.Context) (Outcome, error) {
	if n.cfg.Role == RoleProposer {
		return n.propose(ctx)
	}
	return n.respond(ctx)
}

func (n *Negotiator) propose(ctx context.Context) (Outcome, error) {
	if err := n.reachable(ctx, true); err != nil {
		return n.fallback(ctx, err)
	}

	p, err := BuildProposal(n.cfg.SessionID, n.cfg.Self, n.cfg.Peer, n.cfg.Stake, n.cfg.Asset)
	if err != nil {
		return n.fallback(ctx, err)
	}
	digest, err := Digest(p)
	if err != nil {
		return n.fallback(ctx, err)
	}
	digestHex := hex.EncodeToString(digest)

	own, err := n.sign(ctx, digest)
	if err != nil {
		return n.fallback(ctx, err)
	}
	p.Signatures = append(p.Signatures, types.Signature{Signer: n.cfg.Self.Address, Digest: digestHex, Value: own})

	if err := n.relay.SendProposal(ctx, p); err != nil {
		return n.fallback(ctx, fmt.Errorf("%w: send proposal: %v", ErrPeerUnavailable, err))
	}
	timer := n.clock.NewTimer(n.cfg.SignatureTimeout)
	defer timer.Stop()
	n.setState(StateProposalSent)

wait:
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()

		case <-timer.C():
			return n.fallback(ctx, fmt.Errorf("%w: no signature within %v", ErrPeerUnavailable, n.cfg.SignatureTimeout))

		case in := <-n.inbox:
			if in.channelID != "" {
				// The relay already resolved the session; adopt its id.
				return n.resolve(Outcome{ChannelID: in.channelID, Simulated: IsPlaceholder(in.channelID)}), nil
			}
			if in.signature == nil {
				continue
			}
			sig := *in.signature
			if sig.Declined {
				return n.fallback(ctx, fmt.Errorf("%w: peer declined: %s", ErrServiceUnavailable, sig.Reason))
			}
			if sig.Signer != n.cfg.Peer.Address || sig.Digest != digestHex || len(sig.Value) == 0 {
				n.log.Warn("ignoring signature over different terms", zap.String("signer", sig.Signer))
				continue
			}
			p.Signatures = append(p.Signatures, sig)
			break wait
		}
	}

	timer.Stop()
	return n.submit(ctx, p)
}

type opened struct {
	id  string
	err error
}

// submit opens the channel on the ledger. An id relayed in the meantime wins
// and the submission is abandoned, so both peers keep the same id.
func (n *Negotiator) submit(ctx context.Context, p types.ChannelProposal) (Outcome, error) {
	lctx, cancel := clock.WithTimeout(ctx, n.clock, n.cfg.LedgerTimeout)
	defer cancel()
	n.setState(StateAwaitingLedger)

	done := make(chan opened, 1)
	go func() {
		id, err := n.ledger.OpenChannel(lctx, p)
		done <- opened{id, err}
	}()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()

		case in := <-n.inbox:
			if in.channelID == "" {
				continue
			}
			cancel()
			n.log.Info("relay resolved the channel before the ledger answered", zap.String("channel", in.channelID))
			return n.resolve(Outcome{ChannelID: in.channelID, Simulated: IsPlaceholder(in.channelID)}), nil

		case r := <-done:
			if r.err != nil {
				if errors.Is(context.Cause(lctx), context.DeadlineExceeded) {
					r.err = fmt.Errorf("no answer within %v: %w", n.cfg.LedgerTimeout, r.err)
				}
				return n.fallback(ctx, fmt.Errorf("%w: open channel: %v", ErrServiceUnavailable, r.err))
			}
			if r.id == "" || IsPlaceholder(r.id) {
				return n.fallback(ctx, fmt.Errorf("%w: ledger returned unusable id %q", ErrServiceUnavailable, r.id))
			}
			return n.announce(ctx, Outcome{ChannelID: r.id})
		}
	}
}

func (n *Negotiator) respond(ctx context.Context) (Outcome, error) {
	deadline := n.clock.NewTimer(n.cfg.ResolveTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()

		case <-deadline.C():
			return Outcome{}, fmt.Errorf("%w: no channel id within %v", ErrPeerUnavailable, n.cfg.ResolveTimeout)

		case in := <-n.inbox:
			switch {
			case in.channelID != "":
				out := Outcome{ChannelID: in.channelID, Simulated: IsPlaceholder(in.channelID)}
				return n.resolve(out), nil
			case in.proposal != nil:
				if err := n.cosign(ctx, *in.proposal); err != nil {
					n.log.Warn("co-sign failed", zap.Error(err))
				}
			}
		}
	}
}

// cosign answers a proposal with a signature over the exact terms received,
// or with a decline when the terms or the signer are not usable.
func (n *Negotiator) cosign(ctx context.Context, p types.ChannelProposal) error {
	decline := func(cause error) error {
		sig := types.Signature{Signer: n.cfg.Self.Address, Declined: true, Reason: cause.Error()}
		if err := n.relay.SendSignature(ctx, sig); err != nil {
			return fmt.Errorf("send decline: %w", err)
		}
		n.setState(StateProposalSent)
		return cause
	}

	if err := CheckTerms(p, n.cfg.Peer, n.cfg.Self, n.cfg.Stake); err != nil {
		return decline(err)
	}
	if err := n.reachable(ctx, false); err != nil {
		return decline(err)
	}
	digest, err := Digest(p)
	if err != nil {
		return decline(err)
	}
	value, err := n.sign(ctx, digest)
	if err != nil {
		return decline(err)
	}

	sig := types.Signature{Signer: n.cfg.Self.Address, Digest: hex.EncodeToString(digest), Value: value}
	if err := n.relay.SendSignature(ctx, sig); err != nil {
		return fmt.Errorf("send signature: %w", err)
	}
	n.setState(StateProposalSent)
	return nil
}

func (n *Negotiator) reachable(ctx context.Context, withLedger bool) error {
	pctx, cancel := clock.WithTimeout(ctx, n.clock, n.cfg.LedgerTimeout)
	defer cancel()
	if n.signer == nil {
		return fmt.Errorf("%w: no signer configured", ErrServiceUnavailable)
	}
	if err := n.signer.Ping(pctx); err != nil {
		return fmt.Errorf("%w: signer: %v", ErrServiceUnavailable, err)
	}
	if !withLedger {
		return nil
	}
	if n.ledger == nil {
		return fmt.Errorf("%w: no ledger configured", ErrServiceUnavailable)
	}
	if err := n.ledger.Ping(pctx); err != nil {
		return fmt.Errorf("%w: ledger: %v", ErrServiceUnavailable, err)
	}
	return nil
}

func (n *Negotiator) sign(ctx context.Context, digest []byte) ([]byte, error) {
	sctx, cancel := clock.WithTimeout(ctx, n.clock, n.cfg.SignatureTimeout)
	defer cancel()
	sig, err := n.signer.Sign(sctx, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrServiceUnavailable, err)
	}
	return sig, nil
}

func (n *Negotiator) fallback(ctx context.Context, cause error) (Outcome, error) {
	n.log.Info("falling back to simulated channel", zap.Error(cause))
	return n.announce(ctx, Outcome{ChannelID: NewPlaceholderID(), Simulated: true, Cause: cause})
}

func (n *Negotiator) announce(ctx context.Context, out Outcome) (Outcome, error) {
	out = n.resolve(out)
	if err := n.relay.SendChannelID(ctx, out.ChannelID); err != nil {
		return out, fmt.Errorf("broadcast channel id: %w", err)
	}
	return out, nil
}

func (n *Negotiator) resolve(out Outcome) Outcome {
	n.setState(StateResolved)
	n.log.Info("channel resolved", zap.String("channel", out.ChannelID), zap.Bool("simulated", out.Simulated))
	return out
}
