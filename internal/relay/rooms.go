package relay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Room lifecycle publishing. All four operations share one event kind;
// the content type string tells them apart. Room and player ids ride in
// the "e" and "p" tags so filters and read models can reach them without
// parsing content.

// CreateRoom publishes a room_created event and returns the fresh room id.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	roomID := newRoomID()
	ev := c.lifecycleEvent(ContentRoomCreated, roomID)
	ev.Tags = append(ev.Tags, []string{"status", "open"})
	if err := c.Publish(ctx, ev); err != nil {
		return "", err
	}
	return roomID, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.Publish(ctx, c.lifecycleEvent(ContentRoomJoined, roomID))
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.Publish(ctx, c.lifecycleEvent(ContentRoomLeft, roomID))
}

func (c *Client) Ready(ctx context.Context, roomID string) error {
	return c.Publish(ctx, c.lifecycleEvent(ContentPlayerReady, roomID))
}

func (c *Client) lifecycleEvent(contentType, roomID string) *Event {
	content, _ := json.Marshal(Content{Type: contentType, RoomID: roomID})
	return &Event{
		Kind: KindRoomLifecycle,
		Tags: [][]string{
			{"e", roomID},
			{"p", c.identity.PublicKey()},
		},
		Content: string(content),
	}
}

// newRoomID returns a short opaque token.
func newRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
