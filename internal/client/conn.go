// Package client is the participant side of the relay protocol: a websocket
// connection, a channel.Relay over it, and a bot that plays a whole session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

type Conn struct {
	ws *websocket.Conn
}

// Dial connects to the relay's /ws endpoint as participant.
func Dial(ctx context.Context, serverURL, participant string) (*Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if participant != "" {
		q := u.Query()
		q.Set("participant", participant)
		u.RawQuery = q.Encode()
	}
	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	ws.SetReadLimit(256 << 10)
	return &Conn{ws: ws}, nil
}

// Send may be called from several goroutines.
func (c *Conn) Send(ctx context.Context, m types.ClientMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, payload)
}

// Recv must only be called from one goroutine.
func (c *Conn) Recv(ctx context.Context) (types.ServerMessage, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return types.ServerMessage{}, err
	}
	var m types.ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return types.ServerMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

// Relay sends handshake frames through the server to the session peer.
type Relay struct {
	conn *Conn
}

func NewRelay(c *Conn) *Relay { return &Relay{conn: c} }

func (r *Relay) SendProposal(ctx context.Context, p types.ChannelProposal) error {
	return r.conn.Send(ctx, types.ClientMessage{Type: types.MsgChannelProposal, Proposal: &p})
}

func (r *Relay) SendSignature(ctx context.Context, sig types.Signature) error {
	return r.conn.Send(ctx, types.ClientMessage{Type: types.MsgChannelSignature, Signature: &sig})
}

func (r *Relay) SendChannelID(ctx context.Context, id string) error {
	return r.conn.Send(ctx, types.ClientMessage{Type: types.MsgChannelID, ChannelID: id})
}
