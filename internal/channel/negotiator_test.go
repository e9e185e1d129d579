package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/towerduo-backend/internal/clock"
	"github.com/DoyleJ11/towerduo-backend/internal/signer"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

// loopRelay hands frames straight to the peer negotiator.
type loopRelay struct {
	mu             sync.Mutex
	peer           *Negotiator
	dropSignatures bool
	ids            []string
}

func (r *loopRelay) SendProposal(_ context.Context, p types.ChannelProposal) error {
	r.peer.DeliverProposal(p)
	return nil
}

func (r *loopRelay) SendSignature(_ context.Context, s types.Signature) error {
	if r.dropSignatures {
		return nil
	}
	r.peer.DeliverSignature(s)
	return nil
}

func (r *loopRelay) SendChannelID(_ context.Context, id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.peer.DeliverChannelID(id)
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	pingErr error
	openErr error
	hang    bool
	opened  []types.ChannelProposal
}

func (l *fakeLedger) Ping(context.Context) error { return l.pingErr }

func (l *fakeLedger) OpenChannel(ctx context.Context, p types.ChannelProposal) (string, error) {
	if l.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if l.openErr != nil {
		return "", l.openErr
	}
	l.mu.Lock()
	l.opened = append(l.opened, p)
	l.mu.Unlock()
	return "ch-1", nil
}

type flakySigner struct {
	*signer.KeySigner
	pingErr error
}

func (f flakySigner) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.KeySigner.Ping(ctx)
}

type pair struct {
	clk        *clock.Fake
	ledger     *fakeLedger
	proposer   *Negotiator
	responder  *Negotiator
	toResp     *loopRelay
	toProposer *loopRelay
	keys       [2]*signer.KeySigner
}

func newPair(t *testing.T, ledger *fakeLedger, proposerSigner, responderSigner func(*signer.KeySigner) Signer) *pair {
	t.Helper()
	a, err := signer.Generate()
	require.NoError(t, err)
	b, err := signer.Generate()
	require.NoError(t, err)

	p := &pair{clk: clock.NewFake(time.Unix(0, 0)), ledger: ledger, keys: [2]*signer.KeySigner{a, b}}
	p.toResp = &loopRelay{}
	p.toProposer = &loopRelay{}

	alice := Party{ID: "alice", Address: a.Address()}
	bob := Party{ID: "bob", Address: b.Address()}
	base := Config{SessionID: "s1", Stake: 1_000_000, Asset: "DCR", LedgerTimeout: 50 * time.Millisecond}

	pc := base
	pc.Role, pc.Self, pc.Peer = RoleProposer, alice, bob
	rc := base
	rc.Role, rc.Self, rc.Peer = RoleResponder, bob, alice

	var ps, rs Signer = a, b
	if proposerSigner != nil {
		ps = proposerSigner(a)
	}
	if responderSigner != nil {
		rs = responderSigner(b)
	}

	log := zaptest.NewLogger(t)
	p.proposer = New(pc, ps, ledger, p.toResp, p.clk, log)
	p.responder = New(rc, rs, nil, p.toProposer, p.clk, log)
	p.toResp.peer = p.responder
	p.toProposer.peer = p.proposer
	return p
}

type result struct {
	out Outcome
	err error
}

func run(ctx context.Context, n *Negotiator) <-chan result {
	ch := make(chan result, 1)
	go func() {
		out, err := n.Run(ctx)
		ch <- result{out, err}
	}()
	return ch
}

func recvResult(t *testing.T, ch <-chan result, within time.Duration) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatalf("timed out waiting for negotiation result")
		return result{}
	}
}

// waitState blocks until n reaches s; every timer n needs for s is armed by then.
func waitState(t *testing.T, n *Negotiator, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return n.State() == s }, time.Second, time.Millisecond, "never reached %v", s)
}

func TestNegotiation_HappyPath(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, &fakeLedger{}, nil, nil)

	respCh := run(ctx, p.responder)
	propCh := run(ctx, p.proposer)

	prop := recvResult(t, propCh, time.Second)
	resp := recvResult(t, respCh, time.Second)
	require.NoError(t, prop.err)
	require.NoError(t, resp.err)

	assert.Equal(t, "ch-1", prop.out.ChannelID)
	assert.False(t, prop.out.Simulated)
	assert.Equal(t, prop.out.ChannelID, resp.out.ChannelID)
	assert.Equal(t, StateResolved, p.proposer.State())
	assert.Equal(t, StateResolved, p.responder.State())

	require.Len(t, p.ledger.opened, 1)
	submitted := p.ledger.opened[0]
	require.Len(t, submitted.Signatures, 2)
	digest, err := Digest(submitted)
	require.NoError(t, err)
	for i, sig := range submitted.Signatures {
		assert.Equal(t, p.keys[i].Address(), sig.Signer)
		assert.True(t, signer.Verify(sig.Signer, digest, sig.Value), "signature %d", i)
	}
}

func TestNegotiation_SignatureTimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, &fakeLedger{}, nil, nil)
	p.toProposer.dropSignatures = true

	respCh := run(ctx, p.responder)
	propCh := run(ctx, p.proposer)

	waitState(t, p.proposer, StateProposalSent)
	p.clk.Advance(DefaultSignatureTimeout)

	prop := recvResult(t, propCh, time.Second)
	resp := recvResult(t, respCh, time.Second)
	require.NoError(t, prop.err)
	require.NoError(t, resp.err)

	assert.True(t, prop.out.Simulated)
	assert.True(t, IsPlaceholder(prop.out.ChannelID))
	assert.ErrorIs(t, prop.out.Cause, ErrPeerUnavailable)
	assert.Equal(t, prop.out.ChannelID, resp.out.ChannelID)
	assert.True(t, resp.out.Simulated)
	assert.Empty(t, p.ledger.opened)
	assert.Equal(t, []string{prop.out.ChannelID}, p.toResp.ids)
}

func TestNegotiation_FallbackPaths(t *testing.T) {
	unreachable := errors.New("connection refused")

	cases := []struct {
		name      string
		ledger    *fakeLedger
		respSign  func(*signer.KeySigner) Signer
		propSign  func(*signer.KeySigner) Signer
		wantCause error
		// expire the ledger bound on the fake clock
		expireLedger bool
	}{
		{name: "ledger rejects", ledger: &fakeLedger{openErr: errors.New("rejected")}, wantCause: ErrServiceUnavailable},
		{name: "ledger hangs", ledger: &fakeLedger{hang: true}, wantCause: ErrServiceUnavailable, expireLedger: true},
		{name: "ledger unreachable at start", ledger: &fakeLedger{pingErr: unreachable}, wantCause: ErrServiceUnavailable},
		{
			name:      "proposer signer unreachable",
			ledger:    &fakeLedger{},
			propSign:  func(k *signer.KeySigner) Signer { return flakySigner{k, unreachable} },
			wantCause: ErrServiceUnavailable,
		},
		{
			name:      "responder signer unreachable",
			ledger:    &fakeLedger{},
			respSign:  func(k *signer.KeySigner) Signer { return flakySigner{k, unreachable} },
			wantCause: ErrServiceUnavailable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			p := newPair(t, tc.ledger, tc.propSign, tc.respSign)

			respCh := run(ctx, p.responder)
			propCh := run(ctx, p.proposer)

			// Only the ledger bound may elapse; none of these waits out the
			// signature window.
			if tc.expireLedger {
				waitState(t, p.proposer, StateAwaitingLedger)
				p.clk.Advance(p.proposer.cfg.LedgerTimeout)
			}
			prop := recvResult(t, propCh, 2*time.Second)
			resp := recvResult(t, respCh, 2*time.Second)
			require.NoError(t, prop.err)
			require.NoError(t, resp.err)

			assert.True(t, prop.out.Simulated)
			assert.ErrorIs(t, prop.out.Cause, tc.wantCause)
			assert.Equal(t, prop.out.ChannelID, resp.out.ChannelID)
			assert.True(t, resp.out.Simulated)
			assert.Empty(t, tc.ledger.opened)
		})
	}
}

func TestNegotiation_IgnoresSignatureOverOtherTerms(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, &fakeLedger{}, nil, nil)
	p.toProposer.dropSignatures = true

	propCh := run(ctx, p.proposer)
	waitState(t, p.proposer, StateProposalSent)

	p.proposer.DeliverSignature(types.Signature{Signer: p.keys[1].Address(), Digest: "deadbeef", Value: []byte{1}})
	p.clk.Advance(DefaultSignatureTimeout)

	prop := recvResult(t, propCh, time.Second)
	require.NoError(t, prop.err)
	assert.True(t, prop.out.Simulated)
	assert.Empty(t, p.ledger.opened)
}

// gateLedger holds OpenChannel until its context ends.
type gateLedger struct {
	entered   chan struct{}
	cancelled chan struct{}
}

func newGateLedger() *gateLedger {
	return &gateLedger{entered: make(chan struct{}), cancelled: make(chan struct{})}
}

func (g *gateLedger) Ping(context.Context) error { return nil }

func (g *gateLedger) OpenChannel(ctx context.Context, _ types.ChannelProposal) (string, error) {
	close(g.entered)
	<-ctx.Done()
	close(g.cancelled)
	return "", ctx.Err()
}

func TestNegotiation_RelayedIDWinsOverSlowLedger(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, &fakeLedger{}, nil, nil)
	gate := newGateLedger()
	proposer := New(p.proposer.cfg, p.keys[0], gate, p.toResp, p.clk, zaptest.NewLogger(t))
	p.toProposer.peer = proposer

	respCh := run(ctx, p.responder)
	propCh := run(ctx, proposer)

	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatalf("proposer never reached the ledger")
	}

	// the relay gave up and broadcast its own placeholder to both peers
	proposer.DeliverChannelID("sim-relay")
	p.responder.DeliverChannelID("sim-relay")

	prop := recvResult(t, propCh, time.Second)
	resp := recvResult(t, respCh, time.Second)
	require.NoError(t, prop.err)
	require.NoError(t, resp.err)

	assert.Equal(t, "sim-relay", prop.out.ChannelID)
	assert.True(t, prop.out.Simulated)
	assert.Equal(t, prop.out.ChannelID, resp.out.ChannelID)
	assert.Empty(t, p.toResp.ids, "proposer must not announce a second id")

	select {
	case <-gate.cancelled:
	case <-time.After(time.Second):
		t.Fatalf("ledger submission was not cancelled")
	}
}

func TestNegotiation_ResponderGivesUpWithoutID(t *testing.T) {
	p := newPair(t, &fakeLedger{}, nil, nil)

	respCh := run(context.Background(), p.responder)
	p.clk.BlockUntil(1)
	p.clk.Advance(DefaultResolveTimeout)

	resp := recvResult(t, respCh, time.Second)
	require.ErrorIs(t, resp.err, ErrPeerUnavailable)
	assert.NotEqual(t, StateResolved, p.responder.State())
}

func TestNegotiation_ResponderDeclinesBadTerms(t *testing.T) {
	p := newPair(t, &fakeLedger{}, nil, nil)

	bogus, err := BuildProposal("s1", Party{ID: "alice", Address: p.keys[0].Address()}, Party{ID: "bob", Address: p.keys[1].Address()}, 5, "DCR")
	require.NoError(t, err)

	sigs := make(chan types.Signature, 1)
	capture := &captureRelay{sigs: sigs}
	resp := New(p.responder.cfg, p.keys[1], nil, capture, p.clk, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = run(ctx, resp)
	resp.DeliverProposal(bogus)

	select {
	case s := <-sigs:
		assert.True(t, s.Declined)
		assert.Contains(t, s.Reason, "allocation")
	case <-time.After(time.Second):
		t.Fatalf("no answer to bad proposal")
	}
}

type captureRelay struct{ sigs chan types.Signature }

func (c *captureRelay) SendProposal(context.Context, types.ChannelProposal) error { return nil }
func (c *captureRelay) SendSignature(_ context.Context, s types.Signature) error {
	c.sigs <- s
	return nil
}
func (c *captureRelay) SendChannelID(context.Context, string) error { return nil }

func TestCheckTerms(t *testing.T) {
	a := Party{ID: "alice", Address: "aa"}
	b := Party{ID: "bob", Address: "bb"}
	p, err := BuildProposal("s1", a, b, 100, "DCR")
	require.NoError(t, err)

	require.NoError(t, CheckTerms(p, a, b, 100))
	require.ErrorIs(t, CheckTerms(p, b, a, 100), ErrTermsMismatch)
	require.ErrorIs(t, CheckTerms(p, a, b, 101), ErrTermsMismatch)

	p.Definition.Quorum = 1
	require.ErrorIs(t, CheckTerms(p, a, b, 100), ErrTermsMismatch)
}

func TestDigestIgnoresSignatures(t *testing.T) {
	p, err := BuildProposal("s1", Party{ID: "a", Address: "aa"}, Party{ID: "b", Address: "bb"}, 1, "DCR")
	require.NoError(t, err)
	before, err := DigestHex(p)
	require.NoError(t, err)

	p.Signatures = append(p.Signatures, types.Signature{Signer: "aa", Value: []byte{1}})
	after, err := DigestHex(p)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	p.Allocations[0].Amount++
	changed, err := DigestHex(p)
	require.NoError(t, err)
	assert.NotEqual(t, before, changed)
}
