package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/towerduo-backend/internal/channel"
	"github.com/DoyleJ11/towerduo-backend/internal/directory"
	"github.com/DoyleJ11/towerduo-backend/internal/rules"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newServerWith(t, Options{})
}

func newServerWith(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := zaptest.NewLogger(t)
	d := directory.New(ctx, directory.Config{Catalog: rules.Default()}, nil, log, nil)

	r := chi.NewRouter()
	opts.Log = log
	r.Get("/ws", Handler(d, opts))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, participant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?participant=" + participant
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, b))
}

func recvFrame(t *testing.T, c *websocket.Conn, want string) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var m types.ServerMessage
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, want, m.Type, "unexpected frame: %s", data)
	return m
}

func joinMsg(addr string) types.ClientMessage {
	return types.ClientMessage{Type: types.MsgJoinLobby, ModeID: rules.DefaultMode, Address: addr}
}

func TestHandler_MatchAndPlay(t *testing.T) {
	srv := newServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	sendJSON(t, alice, joinMsg("aa"))
	recvFrame(t, alice, types.MsgLobbyWaiting)
	sendJSON(t, bob, joinMsg("bb"))

	m := recvFrame(t, alice, types.MsgMatched)
	assert.Equal(t, types.RoleProposer, m.Role)
	assert.Equal(t, "bb", m.PeerAddress)
	recvFrame(t, bob, types.MsgMatched)

	sendJSON(t, alice, types.ClientMessage{Type: types.MsgChannelID, ChannelID: channel.NewPlaceholderID()})
	for _, c := range []*websocket.Conn{alice, bob} {
		ready := recvFrame(t, c, types.MsgChannelReady)
		assert.True(t, ready.Simulated)
		recvFrame(t, c, types.MsgSessionStarted)
	}

	sendJSON(t, alice, types.ClientMessage{Type: types.MsgSpawnObject, Object: &types.ObjectDescriptor{Kind: "block"}})
	spawned := recvFrame(t, bob, types.MsgObjectSpawned)
	require.NotNil(t, spawned.Object)
	recvFrame(t, alice, types.MsgObjectSpawned)

	sendJSON(t, alice, types.ClientMessage{Type: types.MsgEndTurn, Snapshot: types.SharedState{*spawned.Object}})
	turn := recvFrame(t, bob, types.MsgTurnChanged)
	assert.True(t, turn.YourTurn)
	assert.Len(t, turn.Snapshot, 1)

	bob.Close(websocket.StatusNormalClosure, "bye")
	ab := recvFrame(t, alice, types.MsgSessionAbandoned)
	assert.Equal(t, int64(1_000_000), ab.Refund)
}

func TestHandler_RejectsBadFrames(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv, "carol")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	e := recvFrame(t, c, types.MsgError)
	assert.Equal(t, types.ErrCodeBadRequest, e.Error.Code)

	tests := []struct {
		name string
		msg  types.ClientMessage
	}{
		{"unknown type", types.ClientMessage{Type: "Teleport"}},
		{"join without mode", types.ClientMessage{Type: types.MsgJoinLobby, Address: "cc"}},
		{"spawn without object", types.ClientMessage{Type: types.MsgSpawnObject}},
		{"end session without metric", types.ClientMessage{Type: types.MsgEndSession}},
		{"object without kind", types.ClientMessage{Type: types.MsgSpawnObject, Object: &types.ObjectDescriptor{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendJSON(t, c, tt.msg)
			e := recvFrame(t, c, types.MsgError)
			assert.Equal(t, types.ErrCodeBadRequest, e.Error.Code)
		})
	}
}

func TestHandler_DuplicateParticipant(t *testing.T) {
	srv := newServer(t)
	first := dial(t, srv, "dave")
	sendJSON(t, first, joinMsg("dd"))
	recvFrame(t, first, types.MsgLobbyWaiting)

	dup := dial(t, srv, "dave")

	e := recvFrame(t, dup, types.MsgError)
	assert.Equal(t, types.ErrCodeConflict, e.Error.Code)
}

func TestHandler_DropsInFlightAboveBurst(t *testing.T) {
	srv := newServerWith(t, Options{InFlightRate: rate.Every(time.Hour), InFlightBurst: 2})
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	sendJSON(t, alice, joinMsg("aa"))
	recvFrame(t, alice, types.MsgLobbyWaiting)
	sendJSON(t, bob, joinMsg("bb"))
	recvFrame(t, alice, types.MsgMatched)
	recvFrame(t, bob, types.MsgMatched)

	sendJSON(t, alice, types.ClientMessage{Type: types.MsgChannelID, ChannelID: channel.NewPlaceholderID()})
	for _, c := range []*websocket.Conn{alice, bob} {
		recvFrame(t, c, types.MsgChannelReady)
		recvFrame(t, c, types.MsgSessionStarted)
	}

	sendJSON(t, alice, types.ClientMessage{Type: types.MsgSpawnObject, Object: &types.ObjectDescriptor{Kind: "block"}})
	spawned := recvFrame(t, alice, types.MsgObjectSpawned)
	recvFrame(t, bob, types.MsgObjectSpawned)

	for i := 0; i < 5; i++ {
		sendJSON(t, alice, types.ClientMessage{
			Type:     types.MsgSyncInFlight,
			ObjectID: spawned.Object.ID,
			Pose:     &types.Pose{Y: float64(i)},
		})
	}
	// EndTurn travels behind the syncs on the same connection, so it marks
	// the point where every admitted sync has reached bob.
	sendJSON(t, alice, types.ClientMessage{Type: types.MsgEndTurn, Snapshot: types.SharedState{*spawned.Object}})

	var synced []float64
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := bob.Read(ctx)
		require.NoError(t, err)
		var m types.ServerMessage
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == types.MsgTurnChanged {
			break
		}
		require.Equal(t, types.MsgInFlightSync, m.Type, "unexpected frame: %s", data)
		require.NotNil(t, m.Pose)
		synced = append(synced, m.Pose.Y)
	}
	assert.Equal(t, []float64{0, 1}, synced)
}
