// Package directory derives room state from the pub/sub event stream.
// There is no server-side authority here: every client replays matching
// events inside a bounded lookback window and reconstructs its own view,
// converging with other clients through periodic re-polling.
package directory

import (
	"context"
	"sort"
	"time"

	"github.com/nostrsnake/nostrsnake/internal/relay"
)

// Querier is the slice of the relay client the directory needs.
type Querier interface {
	Query(ctx context.Context, f relay.Filter, timeout time.Duration) ([]relay.Event, error)
}

// Config makes the staleness windows explicit instead of burying them in
// call sites. Views may lag by up to a poll interval; events older than
// Lookback are ignored entirely.
type Config struct {
	Lookback   time.Duration // membership/readiness event horizon
	RoomPoll   time.Duration // room list refresh while browsing
	MemberPoll time.Duration // member/ready refresh while in a room
	RoomLimit  int           // max room_created events fetched per poll
}

func DefaultConfig() Config {
	return Config{
		Lookback:   time.Hour,
		RoomPoll:   10 * time.Second,
		MemberPoll: 10 * time.Second,
		RoomLimit:  50,
	}
}

// RoomInfo is one row of the room list.
type RoomInfo struct {
	ID        string
	Creator   string
	CreatedAt time.Time
}

type Directory struct {
	client Querier
	cfg    Config
}

func New(client Querier, cfg Config) *Directory {
	return &Directory{client: client, cfg: cfg}
}

func (d *Directory) Config() Config { return d.cfg }

// Rooms lists known rooms, newest first, deduplicated by room id with the
// last-seen event winning.
func (d *Directory) Rooms(ctx context.Context) ([]RoomInfo, error) {
	events, err := d.client.Query(ctx, relay.Filter{
		Kinds: []int{relay.KindRoomLifecycle},
		Limit: d.cfg.RoomLimit,
	}, relay.DefaultQueryTimeout)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]RoomInfo)
	for _, ev := range events {
		content, err := ev.ParseContent()
		if err != nil || content.Type != relay.ContentRoomCreated {
			continue
		}
		roomID := ev.Tag("e")
		if roomID == "" {
			roomID = content.RoomID
		}
		if roomID == "" {
			continue
		}
		byID[roomID] = RoomInfo{
			ID:        roomID,
			Creator:   ev.PubKey,
			CreatedAt: time.Unix(ev.CreatedAt, 0),
		}
	}

	rooms := make([]RoomInfo, 0, len(byID))
	for _, r := range byID {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.After(rooms[j].CreatedAt) })
	return rooms, nil
}

// Members returns the distinct players with a room_joined event for this
// room inside the lookback window. Membership is a set: repeated joins by
// the same player count once.
//
// Note the scan only looks at room_joined content; a later room_left does
// not subtract a player here even though LeaveRoom publishes one. The
// query path and the leave path disagree on purpose until that asymmetry
// is resolved (see DESIGN.md).
func (d *Directory) Members(ctx context.Context, roomID string) ([]string, error) {
	return d.playersWithEvent(ctx, roomID, relay.ContentRoomJoined)
}

// ReadyPlayers returns the distinct players with a player_ready event for
// this room inside the lookback window.
func (d *Directory) ReadyPlayers(ctx context.Context, roomID string) ([]string, error) {
	return d.playersWithEvent(ctx, roomID, relay.ContentPlayerReady)
}

func (d *Directory) playersWithEvent(ctx context.Context, roomID, contentType string) ([]string, error) {
	since := time.Now().Add(-d.cfg.Lookback).Unix()
	events, err := d.client.Query(ctx, relay.Filter{
		Kinds: []int{relay.KindRoomLifecycle},
		Since: since,
	}, relay.MembershipQueryTimeout)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var players []string
	for _, ev := range events {
		content, err := ev.ParseContent()
		if err != nil || content.Type != contentType {
			continue
		}
		if ev.Tag("e") != roomID && content.RoomID != roomID {
			continue
		}
		player := ev.Tag("p")
		if player == "" {
			player = ev.PubKey
		}
		if player == "" || seen[player] {
			continue
		}
		seen[player] = true
		players = append(players, player)
	}
	return players, nil
}
