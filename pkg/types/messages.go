package types

// Wire messages for the broadcast server. Everything on the socket is a
// single JSON object with a "type" discriminator; unused fields are omitted.

const (
	TypePlayerReady = "player_ready"
	TypeGameState   = "game_state"
	TypePlayerList  = "player_list"
	TypeGameStart   = "game_start"
)

// Cell is one grid square occupied by a snake segment.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PlayerState is the per-tick payload each client sends: its full snake
// plus current score. No sequence numbers; delivery is last-wins.
type PlayerState struct {
	Snake []Cell `json:"snake"`
	Score int    `json:"score"`
}

// Message covers every frame exchanged with the broadcast server.
//
// Client -> Server: player_ready, game_state{roomId,playerId,state}
// Server -> Client: player_list{players,readyPlayers}, game_start,
// and relayed game_state frames from the other player.
type Message struct {
	Type         string       `json:"type"`
	RoomID       string       `json:"roomId,omitempty"`
	PlayerID     string       `json:"playerId,omitempty"`
	State        *PlayerState `json:"state,omitempty"`
	Players      []string     `json:"players,omitempty"`
	ReadyPlayers []string     `json:"readyPlayers,omitempty"`
}
