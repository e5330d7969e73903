package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRelay accepts one websocket at a time and hands frames to behave.
func fakeRelay(t *testing.T, behave func(ctx context.Context, conn *websocket.Conn, frame []json.RawMessage)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame []json.RawMessage
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			behave(ctx, conn, frame)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	id, err := NewIdentity()
	require.NoError(t, err)
	c := NewClient(url, id, zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func label(frame []json.RawMessage) string {
	var s string
	_ = json.Unmarshal(frame[0], &s)
	return s
}

func TestQueryCollectsUntilEOSE(t *testing.T) {
	srv := fakeRelay(t, func(ctx context.Context, conn *websocket.Conn, frame []json.RawMessage) {
		if label(frame) != "REQ" {
			return
		}
		var reqID string
		require.NoError(t, json.Unmarshal(frame[1], &reqID))

		ev := Event{ID: "e1", Kind: KindRoomLifecycle, Content: `{"type":"room_created","roomId":"r1"}`}
		out, _ := json.Marshal([]any{"EVENT", reqID, ev})
		require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
		out, _ = json.Marshal([]any{"EOSE", reqID})
		require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
	})

	c := newTestClient(t, wsURL(srv))
	events, err := c.Query(context.Background(), Filter{Kinds: []int{KindRoomLifecycle}}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}

func TestQueryKeepsEventsBufferedAtEOSE(t *testing.T) {
	// The relay answers everything in one burst, so end-of-stream can be
	// observable while events still sit in the subscription buffer. None
	// of them may be shed.
	const n = 40
	srv := fakeRelay(t, func(ctx context.Context, conn *websocket.Conn, frame []json.RawMessage) {
		if label(frame) != "REQ" {
			return
		}
		var reqID string
		require.NoError(t, json.Unmarshal(frame[1], &reqID))

		for i := 0; i < n; i++ {
			ev := Event{ID: fmt.Sprintf("e%d", i), Kind: KindHighScore, Content: "x"}
			out, _ := json.Marshal([]any{"EVENT", reqID, ev})
			require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
		}
		out, _ := json.Marshal([]any{"EOSE", reqID})
		require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
	})

	c := newTestClient(t, wsURL(srv))
	events, err := c.Query(context.Background(), Filter{Kinds: []int{KindHighScore}}, time.Second)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestQueryWithNoMatchesResolvesEmpty(t *testing.T) {
	// The relay never answers; the query must still resolve within its
	// timeout with an empty result rather than an error.
	srv := fakeRelay(t, func(context.Context, *websocket.Conn, []json.RawMessage) {})

	c := newTestClient(t, wsURL(srv))
	start := time.Now()
	events, err := c.Query(context.Background(), Filter{Kinds: []int{KindHighScore}}, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublishWaitsForAck(t *testing.T) {
	srv := fakeRelay(t, func(ctx context.Context, conn *websocket.Conn, frame []json.RawMessage) {
		if label(frame) != "EVENT" {
			return
		}
		var ev Event
		require.NoError(t, json.Unmarshal(frame[1], &ev))
		assert.NoError(t, ev.Verify())

		out, _ := json.Marshal([]any{"OK", ev.ID, true, ""})
		require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
	})

	c := newTestClient(t, wsURL(srv))
	err := c.Publish(context.Background(), &Event{
		Kind:    KindRoomLifecycle,
		Tags:    [][]string{{"e", "r1"}},
		Content: `{"type":"room_joined","roomId":"r1"}`,
	})
	require.NoError(t, err)
}

func TestPublishTimesOutWithoutAck(t *testing.T) {
	srv := fakeRelay(t, func(context.Context, *websocket.Conn, []json.RawMessage) {})

	c := newTestClient(t, wsURL(srv))
	c.publishTimeout = 100 * time.Millisecond
	err := c.Publish(context.Background(), &Event{
		Kind:    KindRoomLifecycle,
		Content: `{"type":"player_ready","roomId":"r1"}`,
	})
	assert.ErrorIs(t, err, ErrPublishTimeout)
}

func TestPublishRejectedByRelay(t *testing.T) {
	srv := fakeRelay(t, func(ctx context.Context, conn *websocket.Conn, frame []json.RawMessage) {
		if label(frame) != "EVENT" {
			return
		}
		var ev Event
		require.NoError(t, json.Unmarshal(frame[1], &ev))
		out, _ := json.Marshal([]any{"OK", ev.ID, false, "blocked: spam"})
		require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
	})

	c := newTestClient(t, wsURL(srv))
	err := c.Publish(context.Background(), &Event{Kind: KindHighScore, Content: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPublishTimeout)
}

func TestConnectFailureIsRetriable(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1") // nothing listens here
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnectFailure)

	// The failed attempt is cleared; a second call retries instead of
	// returning a cached error forever.
	err = c.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnectFailure)
}

func TestCreateRoomPublishesLifecycleEvent(t *testing.T) {
	var got Event
	srv := fakeRelay(t, func(ctx context.Context, conn *websocket.Conn, frame []json.RawMessage) {
		if label(frame) != "EVENT" {
			return
		}
		require.NoError(t, json.Unmarshal(frame[1], &got))
		out, _ := json.Marshal([]any{"OK", got.ID, true, ""})
		require.NoError(t, conn.Write(ctx, websocket.MessageText, out))
	})

	c := newTestClient(t, wsURL(srv))
	roomID, err := c.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	assert.Equal(t, KindRoomLifecycle, got.Kind)
	assert.Equal(t, roomID, got.Tag("e"))
	assert.Equal(t, c.Identity().PublicKey(), got.Tag("p"))

	content, err := got.ParseContent()
	require.NoError(t, err)
	assert.Equal(t, ContentRoomCreated, content.Type)
	assert.Equal(t, roomID, content.RoomID)
}
