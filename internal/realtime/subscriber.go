package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=subscriber.go -destination=mock_wsconn_test.go -package=realtime -mock_names=wsConn=MockWSConn

const (
	pingAfter        = 15 * time.Second
	disconnectAfter  = 90 * time.Second
	heartbeatCheckAt = 10 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2

	// subscribeTimeout bounds the wait for the server's reply to a
	// subscribe request.
	subscribeTimeout = 10 * time.Second

	// wsReadLimit caps a single frame. Pushes carry the whole message
	// list, so this is generous.
	wsReadLimit = 32 * 1024 * 1024

	inboundChanSize = 16
)

// wsConn abstracts the websocket connection so the subscriber can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handler receives decoded update pushes. It runs on the subscriber's
// event loop, so a slow handler delays heartbeats.
type Handler func(ctx context.Context, push models.PushPayload)

type subscribeRequest struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversation_id"`
	Token          string `json:"token,omitempty"`
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// SubscriberConfig holds the push channel endpoint and credentials.
type SubscriberConfig struct {
	URL            string
	Token          string
	ConversationID string
}

// Subscriber follows one conversation's push channel.
type Subscriber struct {
	cfg    SubscriberConfig
	logger *slog.Logger
	dial   func(ctx context.Context) (wsConn, error)
}

// NewSubscriber creates a subscriber that dials cfg.URL.
func NewSubscriber(cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subscriber{cfg: cfg, logger: logger}
	s.dial = s.dialWebsocket

	return s
}

func (s *Subscriber) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Listen subscribes and delivers pushes to handler until ctx is done or
// the server rejects the subscription. Dropped connections are redialed
// with exponential backoff and jitter.
func (s *Subscriber) Listen(ctx context.Context, handler Handler) error {
	if s.cfg.ConversationID == "" {
		return chaterrors.ErrConversationRequired
	}

	backoff := reconnectMin

	for {
		subscribed, err := s.runOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, chaterrors.ErrSubscriptionRejected) {
			return fmt.Errorf("permanent error: %w", err)
		}

		if subscribed {
			backoff = reconnectMin
		}

		s.logger.Warn("push channel lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if !subscribed {
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
		}
	}
}

// runOnce dials, subscribes and runs the event loop for one connection.
// subscribed reports whether the server accepted the subscription.
func (s *Subscriber) runOnce(ctx context.Context, handler Handler) (subscribed bool, err error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}

	if err := s.subscribe(ctx, conn); err != nil {
		return false, err
	}

	s.logger.Info("subscribed to push channel", slog.String("conversation", s.cfg.ConversationID))

	defer conn.Close(websocket.StatusNormalClosure, "bye")

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	inbound := startReader(connCtx, conn)

	return true, s.eventLoop(ctx, conn, inbound, handler)
}

// subscribe sends the subscribe request and reads the server's reply.
// Rejections close the connection and wrap ErrSubscriptionRejected.
func (s *Subscriber) subscribe(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(wsReadLimit)

	req := subscribeRequest{Op: "subscribe", ConversationID: s.cfg.ConversationID, Token: s.cfg.Token}
	if err := writeJSON(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscribe: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe read failed")
		return fmt.Errorf("reading subscribe response: %w", err)
	}

	switch op := gjson.GetBytes(data, "op").Str; op {
	case "subscribed":
		return nil
	case "error":
		msg := gjson.GetBytes(data, "message").Str
		if msg == "" {
			msg = "no reason given"
		}

		conn.Close(websocket.StatusNormalClosure, "subscription rejected")

		return fmt.Errorf("%w: %s", chaterrors.ErrSubscriptionRejected, msg)
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected reply")
		return fmt.Errorf("unexpected subscribe reply op %q", op)
	}
}

// startReader launches a goroutine that feeds the returned channel from
// conn. It exits when connCtx is cancelled or a read fails; the read
// error is delivered as the final message.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop handles inbound frames and heartbeats for one connection.
// All writes happen here.
func (s *Subscriber) eventLoop(ctx context.Context, conn wsConn, inbound <-chan inboundMsg, handler Handler) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	lastMessage := time.Now()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			lastMessage = time.Now()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := s.handleInbound(ctx, conn, msg.data, handler); err != nil {
				return err
			}

		case <-ticker.C:
			elapsed := time.Since(lastMessage)

			if elapsed > disconnectAfter {
				s.logger.Warn("push channel timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return errors.New("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := writeJSON(ctx, conn, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound dispatches one text frame by its op field.
func (s *Subscriber) handleInbound(ctx context.Context, conn wsConn, data []byte, handler Handler) error {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "update":
		var push models.PushPayload
		if err := json.Unmarshal(data, &push); err != nil {
			s.logger.Warn("dropping malformed update", slog.String("error", err.Error()))
			return nil
		}

		if push.Messages == nil {
			push.Messages = []models.Message{}
		}

		handler(ctx, push)

	case "ping":
		if err := writeJSON(ctx, conn, map[string]string{"op": "pong"}); err != nil {
			return fmt.Errorf("sending pong: %w", err)
		}

	case "pong":

	case "error":
		return fmt.Errorf("server error: %s", gjson.GetBytes(data, "message").Str)

	default:
		s.logger.Debug("ignoring frame", slog.String("op", op), slog.Int("bytes", len(data)))
	}

	return nil
}

func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
