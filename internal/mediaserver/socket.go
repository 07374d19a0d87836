package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	socketInitialBackoff = 1 * time.Second
	socketMaxBackoff     = 5 * time.Minute
	socketMinKeepAlive   = 1 * time.Second
)

// Socket receives server-pushed commands for this device
type Socket struct {
	client    *Client
	keepAlive time.Duration
	logger    *slog.Logger

	initialBackoff time.Duration
	// OnConnect runs after each successful dial, before messages are read
	OnConnect func(ctx context.Context)
}

// NewSocket creates a socket listener. keepAlive <= 0 uses 30s.
func NewSocket(client *Client, keepAlive time.Duration, logger *slog.Logger) *Socket {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		client:         client,
		keepAlive:      keepAlive,
		logger:         logger,
		initialBackoff: socketInitialBackoff,
	}
}

type socketMessage struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

// Listen delivers Playstate requests to out until ctx is cancelled,
// reconnecting with exponential backoff.
func (s *Socket) Listen(ctx context.Context, out chan<- PlaystateRequest) error {
	backoff := s.initialBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.listenOnce(ctx, out)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn("session socket disconnected, reconnecting", "error", err, "backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = min(backoff*2, socketMaxBackoff)
		} else {
			backoff = s.initialBackoff
		}
	}
}

func (s *Socket) listenOnce(ctx context.Context, out chan<- PlaystateRequest) error {
	if !s.client.Authenticated() {
		return ErrNotAuthenticated
	}

	wsURL, err := s.url()
	if err != nil {
		return fmt.Errorf("failed to build socket URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("socket dial failed: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to session socket")
	if s.OnConnect != nil {
		s.OnConnect(ctx)
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	readErrCh := make(chan error, 1)
	forceKeepAlive := make(chan time.Duration, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}

			var msg socketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Debug("failed to parse socket message", "error", err)
				continue
			}

			switch msg.MessageType {
			case "ForceKeepAlive":
				// zero keeps the current interval
				interval, _ := keepAliveInterval(msg.Data)
				select {
				case <-forceKeepAlive:
				default:
				}
				forceKeepAlive <- interval
			case "Playstate":
				var req PlaystateRequest
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					s.logger.Debug("failed to parse playstate request", "error", err)
					continue
				}
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}
			case "KeepAlive":
			default:
				s.logger.Debug("ignoring socket message", "type", msg.MessageType)
			}
		}
	}()

	sendKeepAlive := func() error {
		if err := conn.WriteJSON(socketMessage{MessageType: "KeepAlive"}); err != nil {
			return fmt.Errorf("keep-alive failed: %w", err)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case interval := <-forceKeepAlive:
			if err := sendKeepAlive(); err != nil {
				return err
			}
			if interval > 0 {
				s.logger.Debug("server set keep-alive interval", "interval", interval)
				ticker.Reset(interval)
			}
		case <-ticker.C:
			if err := sendKeepAlive(); err != nil {
				return err
			}
		}
	}
}

// keepAliveInterval turns a ForceKeepAlive payload, the server's timeout in
// seconds, into a send interval of half that timeout
func keepAliveInterval(data json.RawMessage) (time.Duration, bool) {
	var seconds float64
	if len(data) == 0 || json.Unmarshal(data, &seconds) != nil || seconds <= 0 {
		return 0, false
	}
	return max(time.Duration(seconds*float64(time.Second))/2, socketMinKeepAlive), true
}

func (s *Socket) url() (string, error) {
	parsed, err := url.Parse(s.client.BaseURL())
	if err != nil {
		return "", err
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path += "/socket"

	q := url.Values{}
	q.Set("api_key", s.client.Token())
	q.Set("deviceId", s.client.DeviceID())
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}
