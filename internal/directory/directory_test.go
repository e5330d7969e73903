package directory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrsnake/nostrsnake/internal/relay"
)

// stubQuerier replays a canned event log for every query.
type stubQuerier struct {
	events []relay.Event
}

func (s *stubQuerier) Query(ctx context.Context, f relay.Filter, timeout time.Duration) ([]relay.Event, error) {
	return s.events, nil
}

func lifecycleEvent(contentType, roomID, player string, createdAt int64) relay.Event {
	content, _ := json.Marshal(relay.Content{Type: contentType, RoomID: roomID})
	return relay.Event{
		PubKey:    player,
		CreatedAt: createdAt,
		Kind:      relay.KindRoomLifecycle,
		Tags:      [][]string{{"e", roomID}, {"p", player}},
		Content:   string(content),
	}
}

func TestRoomsDedupedNewestFirst(t *testing.T) {
	d := New(&stubQuerier{events: []relay.Event{
		lifecycleEvent(relay.ContentRoomCreated, "old", "alice", 100),
		lifecycleEvent(relay.ContentRoomCreated, "new", "bob", 300),
		lifecycleEvent(relay.ContentRoomCreated, "old", "carol", 200), // re-announce, last wins
		lifecycleEvent(relay.ContentRoomJoined, "ignored", "dave", 400),
	}}, DefaultConfig())

	rooms, err := d.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "new", rooms[0].ID)
	assert.Equal(t, "old", rooms[1].ID)
	assert.Equal(t, "carol", rooms[1].Creator)
}

func TestMembersIsASet(t *testing.T) {
	now := time.Now().Unix()
	d := New(&stubQuerier{events: []relay.Event{
		lifecycleEvent(relay.ContentRoomJoined, "r1", "alice", now),
		lifecycleEvent(relay.ContentRoomJoined, "r1", "alice", now+1), // duplicate join
		lifecycleEvent(relay.ContentRoomJoined, "r1", "bob", now+2),
		lifecycleEvent(relay.ContentRoomJoined, "r2", "carol", now+3), // other room
	}}, DefaultConfig())

	members, err := d.Members(context.Background(), "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestReadyPlayersSeparateFromMembers(t *testing.T) {
	now := time.Now().Unix()
	d := New(&stubQuerier{events: []relay.Event{
		lifecycleEvent(relay.ContentRoomJoined, "r1", "alice", now),
		lifecycleEvent(relay.ContentRoomJoined, "r1", "bob", now),
		lifecycleEvent(relay.ContentPlayerReady, "r1", "alice", now+1),
	}}, DefaultConfig())

	ready, err := d.ReadyPlayers(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ready)
}

// A room_left event does not subtract the player from the membership
// scan; the leave path and the query path disagree on purpose. This test
// pins that behavior so an accidental "fix" shows up in review.
func TestRoomLeftDoesNotRetractMembership(t *testing.T) {
	now := time.Now().Unix()
	d := New(&stubQuerier{events: []relay.Event{
		lifecycleEvent(relay.ContentRoomJoined, "r1", "alice", now),
		lifecycleEvent(relay.ContentRoomJoined, "r1", "bob", now),
		lifecycleEvent(relay.ContentRoomLeft, "r1", "bob", now+5),
	}}, DefaultConfig())

	members, err := d.Members(context.Background(), "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestMalformedContentSkipped(t *testing.T) {
	now := time.Now().Unix()
	junk := relay.Event{
		PubKey:    "mallory",
		CreatedAt: now,
		Kind:      relay.KindRoomLifecycle,
		Tags:      [][]string{{"e", "r1"}, {"p", "mallory"}},
		Content:   "not json at all",
	}
	d := New(&stubQuerier{events: []relay.Event{
		junk,
		lifecycleEvent(relay.ContentRoomJoined, "r1", "alice", now),
	}}, DefaultConfig())

	members, err := d.Members(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}
