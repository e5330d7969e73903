// Package session is the per-player connection to the broadcast server:
// reachability pre-check, dial, dispatch, and bounded reconnect.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/internal/emitter"
	"github.com/nostrsnake/nostrsnake/pkg/types"
)

var ErrUnreachable = errors.New("broadcast server unreachable")
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Emitted event names. game_start, game_state and player_list carry the
// decoded types.Message; error carries an error.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 3
	healthTimeout         = 5 * time.Second
	writeTimeout          = 3 * time.Second
)

type Session struct {
	gameURL  string // http(s) base URL of the broadcast server
	roomID   string
	playerID string
	log      *zap.Logger

	// Events dispatches incoming message kinds and lifecycle signals.
	Events *emitter.Emitter

	httpc          *http.Client
	reconnectDelay time.Duration
	maxReconnects  int

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool
	attempts  int
}

func New(gameURL, roomID, playerID string, log *zap.Logger) *Session {
	return &Session{
		gameURL:        strings.TrimSuffix(gameURL, "/"),
		roomID:         roomID,
		playerID:       playerID,
		log:            log,
		Events:         emitter.New(),
		httpc:          &http.Client{Timeout: healthTimeout},
		reconnectDelay: defaultReconnectDelay,
		maxReconnects:  defaultMaxReconnects,
	}
}

// Start checks reachability, then dials. An unreachable server fails
// fast with ErrUnreachable before any socket handshake is attempted.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkHealth(ctx); err != nil {
		return err
	}
	return s.dial(ctx)
}

func (s *Session) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gameURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (s *Session) wsURL() string {
	base := s.gameURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("roomId", s.roomID)
	q.Set("playerId", s.playerID)
	return base + "/ws?" + q.Encode()
}

func (s *Session) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial broadcast server: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.attempts = 0
	s.mu.Unlock()

	s.log.Info("connected to broadcast server",
		zap.String("room", s.roomID), zap.String("player", s.playerID))
	s.Events.Emit(EventConnected, nil)

	go s.readLoop(ctx, conn)
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleClose(ctx, conn)
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case types.TypeGameStart:
			s.mu.Lock()
			s.started = true
			s.mu.Unlock()
			s.Events.Emit(types.TypeGameStart, msg)
		case types.TypeGameState:
			// The server never echoes our own frames, but filter anyway.
			if msg.PlayerID != s.playerID {
				s.Events.Emit(types.TypeGameState, msg)
			}
		case types.TypePlayerList:
			s.Events.Emit(types.TypePlayerList, msg)
		}
	}
}

// handleClose marks the session disconnected and retries with a fixed
// delay up to the attempt bound. Exhaustion is terminal: a user-visible
// error is emitted and no further retries happen.
func (s *Session) handleClose(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connected = false
	}
	closed := s.closed
	s.mu.Unlock()

	s.Events.Emit(EventDisconnected, nil)
	if closed || ctx.Err() != nil {
		return
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.attempts >= s.maxReconnects {
			s.mu.Unlock()
			s.log.Warn("reconnect budget spent", zap.Int("attempts", s.maxReconnects))
			s.Events.Emit(EventError, ErrReconnectExhausted)
			return
		}
		s.attempts++
		n := s.attempts
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}

		s.log.Info("reconnecting", zap.Int("attempt", n))
		if err := s.dial(ctx); err == nil {
			return
		}
	}
}

// Ready signals readiness to the broadcast server.
func (s *Session) Ready() error {
	return s.send(types.Message{
		Type:     types.TypePlayerReady,
		RoomID:   s.roomID,
		PlayerID: s.playerID,
	})
}

// SendState emits one tick of local game state. Ticks produced before
// game start or while disconnected are dropped, not queued.
func (s *Session) SendState(st types.PlayerState) {
	s.mu.Lock()
	ok := s.started && s.connected
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.send(types.Message{
		Type:     types.TypeGameState,
		RoomID:   s.roomID,
		PlayerID: s.playerID,
		State:    &st,
	})
}

func (s *Session) send(msg types.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Started reports whether the game_start signal has been seen.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Connected reports whether the socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close ends the session for good; no reconnect follows.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}
