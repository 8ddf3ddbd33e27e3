package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultPingInterval   = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

// Stream is a self-healing subscription to the server's websocket.
type Stream struct {
	url            string
	token          string
	dialer         *websocket.Dialer
	log            zerolog.Logger
	reconnectDelay time.Duration
	pingInterval   time.Duration

	writeMu sync.Mutex
	seq     int64
}

type StreamOption func(*Stream)

func WithReconnectDelay(d time.Duration) StreamOption {
	return func(s *Stream) { s.reconnectDelay = d }
}

func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) { s.pingInterval = d }
}

func WithStreamLogger(log zerolog.Logger) StreamOption {
	return func(s *Stream) { s.log = log }
}

func NewStream(serverURL, token string, opts ...StreamOption) *Stream {
	s := &Stream{
		url:            WebSocketURL(serverURL),
		token:          token,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: defaultReconnectDelay,
		pingInterval:   defaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WebSocketURL maps http(s)://host to ws(s)://host/api/v4/websocket.
func WebSocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + apiPrefix + "/websocket"
}

// Run delivers server events to handle until ctx is done, reconnecting
// after every dropped connection.
func (s *Stream) Run(ctx context.Context, handle func(Event)) error {
	for {
		err := s.runOnce(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Err(err).Dur("retry_in", s.reconnectDelay).Msg("mattermost websocket disconnected")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, handle func(Event)) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.send(conn, "authentication_challenge", map[string]string{"token": s.token}); err != nil {
		return err
	}
	s.log.Info().Str("url", s.url).Msg("mattermost websocket connected")

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			s.log.Debug().Err(err).Msg("skipping undecodable websocket frame")
			continue
		}
		if event.Event == "" {
			if event.Status != "" && event.Status != "OK" {
				s.log.Warn().Int64("seq_reply", event.SeqReply).Str("status", event.Status).Msg("websocket action rejected")
			}
			continue
		}
		handle(event)
	}
}

func (s *Stream) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.send(conn, "ping", nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Stream) send(conn *websocket.Conn, action string, data any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.seq++
	frame := map[string]any{"seq": s.seq, "action": action}
	if data != nil {
		frame["data"] = data
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("websocket %s: %w", action, err)
	}
	return nil
}
