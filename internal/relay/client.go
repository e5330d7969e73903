package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/internal/emitter"
)

var ErrConnectFailure = errors.New("relay connect failed")
var ErrPublishTimeout = errors.New("publish not acknowledged in time")

const (
	// DefaultQueryTimeout bounds ordinary subscriptions. Queries that hit
	// it resolve with whatever arrived; the store offers no consistency
	// guarantee worth failing over.
	DefaultQueryTimeout = 5 * time.Second

	// MembershipQueryTimeout is the longer bound used when reconstructing
	// room membership, where missing events are more costly than waiting.
	MembershipQueryTimeout = 15 * time.Second

	defaultPublishTimeout = 5 * time.Second
)

// Live notification names fired on Events.
const (
	EventRoomCreated = "roomCreated"
	EventRoomJoined  = "roomJoined"
)

type subscription struct {
	events chan Event
	eose   chan struct{}
}

// Client is a typed request/response wrapper over a pub/sub relay
// connection. One shared transport connection serves all subscriptions
// and publishes; responses are correlated back by request or event id.
type Client struct {
	url      string
	identity *Identity
	log      *zap.Logger

	// Events fires live notifications (roomCreated, roomJoined) for
	// lifecycle events that arrive outside any open subscription.
	Events *emitter.Emitter

	publishTimeout time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting chan struct{}
	connErr    error
	subs       map[string]*subscription
	acks       map[string]chan bool
}

func NewClient(url string, identity *Identity, log *zap.Logger) *Client {
	return &Client{
		url:            url,
		identity:       identity,
		log:            log,
		Events:         emitter.New(),
		publishTimeout: defaultPublishTimeout,
		subs:           make(map[string]*subscription),
		acks:           make(map[string]chan bool),
	}
}

// Identity returns the identity used to sign published events.
func (c *Client) Identity() *Identity { return c.identity }

// Connect opens the shared transport connection. It is idempotent:
// concurrent callers share one in-flight dial, and a failed dial is
// cleared so the next caller retries. There is no automatic reconnect
// at this layer.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		inflight := c.connecting
		c.mu.Unlock()
		select {
		case <-inflight:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.connErr
		c.mu.Unlock()
		return err
	}
	inflight := make(chan struct{})
	c.connecting = inflight
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)

	c.mu.Lock()
	c.connecting = nil
	if err != nil {
		c.connErr = fmt.Errorf("%w: %v", ErrConnectFailure, err)
		err = c.connErr
		close(inflight)
		c.mu.Unlock()
		return err
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	c.connErr = nil
	close(inflight)
	c.mu.Unlock()

	c.log.Debug("relay connected", zap.String("url", c.url))
	go c.readLoop(conn)
	return nil
}

// Close tears down the transport. In-flight queries resolve with what
// they have collected once their timeouts elapse.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Query subscribes with the given filter and collects matching events
// until the relay signals end-of-stream or the timeout elapses. A timeout
// is not an error: partial results win over failure.
func (c *Client) Query(ctx context.Context, f Filter, timeout time.Duration) ([]Event, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	reqID := uuid.NewString()
	sub := &subscription{
		events: make(chan Event, 64),
		eose:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[reqID] = sub
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.subs, reqID)
		c.mu.Unlock()
		frame, _ := json.Marshal([]any{"CLOSE", reqID})
		_ = c.send(context.Background(), frame)
	}()

	frame, err := json.Marshal([]any{"REQ", reqID, f})
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, frame); err != nil {
		return nil, err
	}

	var out []Event
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-sub.events:
			out = append(out, ev)
		case <-sub.eose:
			// EOSE can race ahead of buffered events; take what is left.
			for {
				select {
				case ev := <-sub.events:
					out = append(out, ev)
				default:
					return out, nil
				}
			}
		case <-timer.C:
			c.log.Debug("query timed out, returning partial results",
				zap.String("req", reqID), zap.Int("events", len(out)))
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

// Publish signs the event with the client identity, sends it, and waits
// for the relay's acknowledgment correlated by event id.
func (c *Client) Publish(ctx context.Context, ev *Event) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if ev.Sig == "" {
		if err := ev.Sign(c.identity); err != nil {
			return err
		}
	}

	ack := make(chan bool, 1)
	c.mu.Lock()
	c.acks[ev.ID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, ev.ID)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal([]any{"EVENT", ev})
	if err != nil {
		return err
	}
	if err := c.send(ctx, frame); err != nil {
		return err
	}

	timer := time.NewTimer(c.publishTimeout)
	defer timer.Stop()
	select {
	case accepted := <-ack:
		if !accepted {
			return fmt.Errorf("relay rejected event %s", ev.ID)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: event %s", ErrPublishTimeout, ev.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectFailure
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			c.log.Debug("relay connection closed", zap.Error(err))
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var reqID string
		var ev Event
		if err := json.Unmarshal(frame[1], &reqID); err != nil {
			return
		}
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[reqID]
		c.mu.Unlock()
		if sub != nil {
			select {
			case sub.events <- ev:
			default:
				// Subscription drained too slowly; drop rather than stall
				// the read loop.
			}
			return
		}
		c.dispatchLive(ev)

	case "EOSE":
		var reqID string
		if err := json.Unmarshal(frame[1], &reqID); err != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[reqID]
		if sub != nil {
			delete(c.subs, reqID)
		}
		c.mu.Unlock()
		if sub != nil {
			close(sub.eose)
		}

	case "OK":
		if len(frame) < 3 {
			return
		}
		var eventID string
		var accepted bool
		if err := json.Unmarshal(frame[1], &eventID); err != nil {
			return
		}
		_ = json.Unmarshal(frame[2], &accepted)
		c.mu.Lock()
		ack := c.acks[eventID]
		c.mu.Unlock()
		if ack != nil {
			select {
			case ack <- accepted:
			default:
			}
		}

	case "NOTICE":
		c.log.Info("relay notice", zap.ByteString("frame", data))
	}
}

// dispatchLive fires emitter notifications for lifecycle events arriving
// outside any open subscription.
func (c *Client) dispatchLive(ev Event) {
	if ev.Kind != KindRoomLifecycle {
		return
	}
	content, err := ev.ParseContent()
	if err != nil {
		return
	}
	switch content.Type {
	case ContentRoomCreated:
		c.Events.Emit(EventRoomCreated, content.RoomID)
	case ContentRoomJoined:
		c.Events.Emit(EventRoomJoined, content.RoomID)
	}
}
