package hub

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/pkg/types"
)

type Msg interface{ isHubMsg() }

// Join attaches a player's socket outbox to a room, creating the room
// registry entry if it does not exist yet.
type Join struct {
	RoomID   string
	PlayerID string
	Outbox   chan []byte
}

// Leave detaches a player. The room entry is discarded once its last
// connection is gone. Outbox identifies which socket is leaving so a
// stale Leave from a replaced connection cannot evict its successor;
// nil matches any.
type Leave struct {
	RoomID   string
	PlayerID string
	Outbox   chan []byte
}

// Ready marks a player ready and re-evaluates the start condition.
type Ready struct {
	RoomID   string
	PlayerID string
}

// Relay fans a raw frame out to every other socket in the room.
type Relay struct {
	RoomID   string
	PlayerID string
	Data     []byte
}

// GetRoom reflects a room's registry entry without data races. Test-only.
type GetRoom struct {
	RoomID string
	Reply  chan RoomView
}

type Shutdown struct{}

func (Join) isHubMsg()     {}
func (Leave) isHubMsg()    {}
func (Ready) isHubMsg()    {}
func (Relay) isHubMsg()    {}
func (GetRoom) isHubMsg()  {}
func (Shutdown) isHubMsg() {}

type RoomView struct {
	Exists       bool
	Players      []string
	ReadyPlayers []string
	Started      bool
}

// room is one registry entry. It exists iff at least one socket is
// attached to its room id.
type room struct {
	conns   map[string]chan []byte
	ready   map[string]bool
	started bool
}

// Hub is the authoritative in-memory registry for in-progress matches.
// It runs as a single goroutine; the registry is only ever touched from
// inside the loop, so mutate-then-broadcast is atomic per message.
type Hub struct {
	inbox  chan Msg
	rooms  map[string]*room
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan Msg, 64),
		rooms:  make(map[string]*room),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// Done is closed once the hub loop has exited and stopped draining the
// inbox. Senders racing a shutdown select on it instead of blocking.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Join:
				h.handleJoin(msg)

			case Leave:
				h.handleLeave(msg)

			case Ready:
				h.handleReady(msg)

			case Relay:
				h.handleRelay(msg)

			case GetRoom:
				msg.Reply <- h.view(msg.RoomID)

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for id, rm := range h.rooms {
		for pid, ch := range rm.conns {
			close(ch)
			delete(rm.conns, pid)
		}
		delete(h.rooms, id)
	}
	h.cancel()
}

func (h *Hub) handleJoin(msg Join) {
	rm := h.rooms[msg.RoomID]
	if rm == nil {
		rm = &room{
			conns: make(map[string]chan []byte),
			ready: make(map[string]bool),
		}
		h.rooms[msg.RoomID] = rm
		h.log.Info("room opened", zap.String("room", msg.RoomID))
	}

	// A reconnecting player replaces its old socket.
	if old, ok := rm.conns[msg.PlayerID]; ok {
		close(old)
	}
	rm.conns[msg.PlayerID] = msg.Outbox

	h.log.Info("player connected",
		zap.String("room", msg.RoomID), zap.String("player", msg.PlayerID))
	h.broadcastPlayerList(msg.RoomID, rm)
}

func (h *Hub) handleLeave(msg Leave) {
	rm := h.rooms[msg.RoomID]
	if rm == nil {
		return
	}
	ch, ok := rm.conns[msg.PlayerID]
	if !ok {
		return
	}
	if msg.Outbox != nil && ch != msg.Outbox {
		// Stale leave from a connection that was already replaced.
		return
	}
	close(ch)
	delete(rm.conns, msg.PlayerID)
	delete(rm.ready, msg.PlayerID)

	h.log.Info("player disconnected",
		zap.String("room", msg.RoomID), zap.String("player", msg.PlayerID))

	if len(rm.conns) == 0 {
		delete(h.rooms, msg.RoomID)
		h.log.Info("room closed", zap.String("room", msg.RoomID))
		return
	}
	h.broadcastPlayerList(msg.RoomID, rm)
}

func (h *Hub) handleReady(msg Ready) {
	rm := h.rooms[msg.RoomID]
	if rm == nil {
		return
	}
	if _, ok := rm.conns[msg.PlayerID]; !ok {
		return
	}
	rm.ready[msg.PlayerID] = true
	h.broadcastPlayerList(msg.RoomID, rm)

	// Start fires at most once per room, and only with both members
	// connected and both ready.
	if !rm.started && len(rm.conns) == 2 && len(rm.ready) == 2 {
		rm.started = true
		frame, _ := json.Marshal(types.Message{Type: types.TypeGameStart})
		h.broadcast(msg.RoomID, rm, frame, "")
		h.log.Info("game started", zap.String("room", msg.RoomID))
	}
}

func (h *Hub) handleRelay(msg Relay) {
	rm := h.rooms[msg.RoomID]
	if rm == nil {
		return
	}
	h.broadcast(msg.RoomID, rm, msg.Data, msg.PlayerID)
}

func (h *Hub) broadcastPlayerList(roomID string, rm *room) {
	frame, _ := json.Marshal(types.Message{
		Type:         types.TypePlayerList,
		RoomID:       roomID,
		Players:      sortedKeys(rm.conns),
		ReadyPlayers: sortedReady(rm.ready),
	})
	h.broadcast(roomID, rm, frame, "")
}

// broadcast sends a frame to every socket in the room except the one
// named by exclude. A client whose outbox is full is dropped on the spot.
func (h *Hub) broadcast(roomID string, rm *room, frame []byte, exclude string) {
	for pid, ch := range rm.conns {
		if pid == exclude {
			continue
		}
		select {
		case ch <- frame:
		default:
			close(ch)
			delete(rm.conns, pid)
			delete(rm.ready, pid)
			h.log.Warn("dropping slow client",
				zap.String("room", roomID), zap.String("player", pid))
		}
	}
	if len(rm.conns) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) view(roomID string) RoomView {
	rm := h.rooms[roomID]
	if rm == nil {
		return RoomView{}
	}
	return RoomView{
		Exists:       true,
		Players:      sortedKeys(rm.conns),
		ReadyPlayers: sortedReady(rm.ready),
		Started:      rm.started,
	}
}

func sortedKeys(m map[string]chan []byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedReady(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
