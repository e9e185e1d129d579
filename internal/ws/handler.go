// Package ws is the relay's websocket endpoint. Each connection is one
// participant: frames are decoded, validated and handed to the directory, and
// a writer goroutine drains the participant's outbox.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/towerduo-backend/internal/directory"
	"github.com/DoyleJ11/towerduo-backend/internal/metrics"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

const (
	outboxSize   = 64
	writeTimeout = 3 * time.Second
	maxFrame     = 256 << 10
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Options struct {
	// InFlightRate caps SyncInFlight frames per second per connection.
	// Excess frames are dropped; they are advisory anyway.
	InFlightRate  rate.Limit
	InFlightBurst int
	// ReadTimeout closes connections that stay silent this long.
	ReadTimeout time.Duration

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) defaults() {
	if o.InFlightRate <= 0 {
		o.InFlightRate = 30
	}
	if o.InFlightBurst <= 0 {
		o.InFlightBurst = 10
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Minute
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// peer is the participant's outbox. It is never closed; the writer stops on
// context cancellation instead.
type peer struct {
	out chan types.ServerMessage
}

func (p *peer) Send(m types.ServerMessage) bool {
	select {
	case p.out <- m:
		return true
	default:
		return false
	}
}

// Handler serves /ws?participant=<id>. Without an id the server assigns one.
func Handler(d *directory.Directory, opts Options) http.HandlerFunc {
	opts.defaults()
	log := opts.Log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		participant := r.URL.Query().Get("participant")
		if participant == "" {
			participant = uuid.NewString()
		}
		if len(participant) > 64 {
			http.Error(w, "participant id too long", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxFrame)

		p := &peer{out: make(chan types.ServerMessage, outboxSize)}
		reply := make(chan error, 1)
		if !d.Submit(directory.Connect{ParticipantID: participant, Peer: p, Reply: reply}) {
			conn.Close(websocket.StatusTryAgainLater, "shutting down")
			return
		}
		if err := <-reply; err != nil {
			writeNow(r.Context(), conn, errorFrame(types.ErrCodeConflict, err.Error()))
			conn.Close(websocket.StatusPolicyViolation, "duplicate participant")
			return
		}
		defer d.Submit(directory.Disconnect{ParticipantID: participant})

		clog := log.With(zap.String("participant", participant))
		clog.Debug("connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go writer(ctx, cancel, conn, p.out, clog)

		limiter := rate.NewLimiter(opts.InFlightRate, opts.InFlightBurst)

		for {
			rctx, rcancel := context.WithTimeout(ctx, opts.ReadTimeout)
			_, data, err := conn.Read(rctx)
			rcancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					clog.Debug("closed by client")
				default:
					clog.Debug("read failed", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				opts.Metrics.ProtocolViolation("bad_json")
				p.Send(errorFrame(types.ErrCodeBadRequest, "bad json"))
				continue
			}
			if err := validate.Struct(cm); err != nil {
				opts.Metrics.ProtocolViolation("invalid_frame")
				p.Send(errorFrame(types.ErrCodeBadRequest, describe(err)))
				continue
			}
			if cm.Type == types.MsgSyncInFlight && !limiter.Allow() {
				continue
			}

			if !d.Submit(directory.FromClient{ParticipantID: participant, Msg: cm}) {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
		}
	}
}

func writer(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan types.ServerMessage, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-out:
			if err := writeNow(ctx, conn, m); err != nil {
				log.Debug("write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func writeNow(ctx context.Context, conn *websocket.Conn, m types.ServerMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func errorFrame(code, message string) types.ServerMessage {
	return types.ServerMessage{Type: types.MsgError, Error: &types.ErrorBody{Code: code, Message: message}}
}

// describe turns validator output into a short client-facing message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	f := verrs[0]
	return "invalid field " + f.Namespace() + ": " + f.Tag()
}
