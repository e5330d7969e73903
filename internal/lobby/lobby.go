// Package lobby is the client-side room coordination state machine:
// create/join/leave/ready against the pub/sub relay, membership polling,
// and the decision of when a match is ready to start. State is driven by
// a single goroutine; commands, poll results and relay notifications all
// arrive through one inbox.
package lobby

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/internal/directory"
	"github.com/nostrsnake/nostrsnake/internal/emitter"
	"github.com/nostrsnake/nostrsnake/internal/relay"
)

type State string

const (
	StateBrowsing   State = "browsing"
	StateCreating   State = "creating"
	StateJoining    State = "joining"
	StateWaiting    State = "waiting"
	StateReadyCheck State = "ready_check"
	StateStarting   State = "starting"
	StateLeaving    State = "leaving"
)

// EventRoomJoined fires on Events exactly once per joined room.
const EventRoomJoined = "roomJoined"

var ErrBadState = errors.New("operation not valid in current state")

// Coordinator publishes room lifecycle events. *relay.Client satisfies it.
type Coordinator interface {
	CreateRoom(ctx context.Context) (string, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	Ready(ctx context.Context, roomID string) error
}

// RoomSource supplies the replay-derived read models. *directory.Directory
// satisfies it.
type RoomSource interface {
	Rooms(ctx context.Context) ([]directory.RoomInfo, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	ReadyPlayers(ctx context.Context, roomID string) ([]string, error)
}

// Config holds the coordination timing knobs.
type Config struct {
	RoomPoll   time.Duration // room list refresh while browsing
	MemberPoll time.Duration // membership/readiness refresh while waiting
	JoinGrace  time.Duration // optimistic join fallback
}

func DefaultConfig() Config {
	return Config{
		RoomPoll:   10 * time.Second,
		MemberPoll: 10 * time.Second,
		JoinGrace:  30 * time.Second,
	}
}

type Msg interface{ isLobbyMsg() }

type CreateRoom struct{ Reply chan error }

type JoinRoom struct {
	RoomID string
	Reply  chan error
}

type SetReady struct{ Reply chan error }

type LeaveRoom struct{ Reply chan error }

// RelayEvent is a live pub/sub notification (content type + room id),
// fed in from the relay client's emitter.
type RelayEvent struct {
	ContentType string
	RoomID      string
}

// GetView reflects lobby state without data races. Used by tests and the
// CLI front end.
type GetView struct{ Reply chan View }

type Shutdown struct{}

func (CreateRoom) isLobbyMsg() {}
func (JoinRoom) isLobbyMsg()   {}
func (SetReady) isLobbyMsg()   {}
func (LeaveRoom) isLobbyMsg()  {}
func (RelayEvent) isLobbyMsg() {}
func (GetView) isLobbyMsg()    {}
func (Shutdown) isLobbyMsg()   {}

// Internal messages posted by operation goroutines and pollers.
type created struct {
	roomID string
	err    error
}

type joinAcked struct {
	roomID string
	err    error
}

type readyAcked struct {
	roomID string
	err    error
}

type leaveDone struct{ err error }

type membersPolled struct {
	roomID  string
	members []string
	ready   []string
	err     error
}

type roomsPolled struct {
	rooms []directory.RoomInfo
	err   error
}

func (created) isLobbyMsg()       {}
func (joinAcked) isLobbyMsg()     {}
func (readyAcked) isLobbyMsg()    {}
func (leaveDone) isLobbyMsg()     {}
func (membersPolled) isLobbyMsg() {}
func (roomsPolled) isLobbyMsg()   {}

type View struct {
	State     State
	RoomID    string
	Members   []string
	Ready     []string
	Rooms     []directory.RoomInfo
	ReadySent bool
	Started   bool
}

type Lobby struct {
	inbox    chan Msg
	coord    Coordinator
	source   RoomSource
	playerID string
	cfg      Config
	onStart  func(roomID string)
	log      *zap.Logger

	// Events fires roomJoined.
	Events *emitter.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	state          State
	roomID         string
	rooms          []directory.RoomInfo
	members        map[string]bool
	ready          map[string]bool
	readySent      bool
	joinedSignaled bool
	started        bool
	pendingReply   chan error

	// Timers live here so every state exit can cancel them; a stale
	// ticker firing into a new room context is the classic bug.
	roomTicker   *time.Ticker
	memberTicker *time.Ticker
	graceTimer   *time.Timer
	graceC       <-chan time.Time
}

func New(parent context.Context, coord Coordinator, source RoomSource, playerID string, cfg Config, onStart func(roomID string), log *zap.Logger) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	l := &Lobby{
		inbox:    make(chan Msg, 64),
		coord:    coord,
		source:   source,
		playerID: playerID,
		cfg:      cfg,
		onStart:  onStart,
		log:      log,
		Events:   emitter.New(),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateBrowsing,
		members:  make(map[string]bool),
		ready:    make(map[string]bool),
	}
	l.roomTicker = time.NewTicker(cfg.RoomPoll)
	go l.pollRooms()
	go l.loop()
	return l
}

// Inbox exposes the command channel for tests and front ends.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) Stop() { l.cancel() }

// Notify adapts a relay client live notification into a lobby message.
// Wire it to the relay client's emitter.
func (l *Lobby) Notify(contentType string) func(data any) {
	return func(data any) {
		roomID, _ := data.(string)
		l.post(RelayEvent{ContentType: contentType, RoomID: roomID})
	}
}

func (l *Lobby) post(m Msg) {
	select {
	case l.inbox <- m:
	case <-l.ctx.Done():
	}
}

func (l *Lobby) loop() {
	for {
		var roomC, memberC <-chan time.Time
		if l.roomTicker != nil {
			roomC = l.roomTicker.C
		}
		if l.memberTicker != nil {
			memberC = l.memberTicker.C
		}

		select {
		case <-l.ctx.Done():
			l.stopRoomPoll()
			l.stopMemberPoll()
			l.stopGrace()
			return

		case <-roomC:
			go l.pollRooms()

		case <-memberC:
			go l.pollMembers(l.roomID)

		case <-l.graceC:
			l.graceC = nil
			if l.state == StateJoining {
				// Optimistic fallback: the relay never corroborated the
				// join, assume it went through.
				l.log.Info("join grace elapsed, assuming joined",
					zap.String("room", l.roomID))
				l.resolveJoined()
			}

		case m := <-l.inbox:
			l.handle(m)
		}
	}
}

func (l *Lobby) handle(m Msg) {
	switch msg := m.(type) {
	case CreateRoom:
		if l.state != StateBrowsing {
			msg.Reply <- ErrBadState
			return
		}
		l.state = StateCreating
		l.pendingReply = msg.Reply
		go func() {
			roomID, err := l.coord.CreateRoom(l.ctx)
			l.post(created{roomID: roomID, err: err})
		}()

	case created:
		if l.state != StateCreating {
			return
		}
		if msg.err != nil {
			l.log.Warn("create room failed", zap.Error(msg.err))
			l.state = StateBrowsing
			l.reply(msg.err)
			return
		}
		// Creator self-joins immediately.
		l.beginJoin(msg.roomID)

	case JoinRoom:
		if l.state != StateBrowsing {
			msg.Reply <- ErrBadState
			return
		}
		l.pendingReply = msg.Reply
		l.beginJoin(msg.RoomID)

	case joinAcked:
		if msg.roomID != l.roomID {
			return
		}
		if msg.err != nil {
			if l.state == StateJoining {
				l.log.Warn("join publish failed", zap.Error(msg.err))
				l.stopGrace()
				l.state = StateBrowsing
				l.roomID = ""
				l.startRoomPoll()
				l.reply(msg.err)
			}
			return
		}
		if l.state == StateJoining {
			l.resolveJoined()
		}

	case RelayEvent:
		l.handleRelayEvent(msg)

	case SetReady:
		if l.state != StateWaiting && l.state != StateReadyCheck {
			msg.Reply <- ErrBadState
			return
		}
		if l.readySent {
			// Ready is one-shot; repeats are no-ops.
			msg.Reply <- nil
			return
		}
		l.readySent = true
		l.ready[l.playerID] = true
		l.state = StateReadyCheck
		l.pendingReply = msg.Reply
		roomID := l.roomID
		go func() {
			err := l.coord.Ready(l.ctx, roomID)
			l.post(readyAcked{roomID: roomID, err: err})
		}()
		l.checkGameStart()

	case readyAcked:
		if msg.roomID != l.roomID {
			return
		}
		if msg.err != nil {
			l.log.Warn("ready publish failed", zap.Error(msg.err))
			l.readySent = false
			delete(l.ready, l.playerID)
			if l.state == StateReadyCheck {
				l.state = StateWaiting
			}
			l.reply(msg.err)
			return
		}
		l.reply(nil)
		l.checkGameStart()

	case LeaveRoom:
		if l.state != StateWaiting && l.state != StateReadyCheck {
			msg.Reply <- ErrBadState
			return
		}
		l.stopMemberPoll()
		l.state = StateLeaving
		l.pendingReply = msg.Reply
		roomID := l.roomID
		go func() {
			err := l.coord.LeaveRoom(l.ctx, roomID)
			l.post(leaveDone{err: err})
		}()

	case leaveDone:
		if l.state != StateLeaving {
			return
		}
		if msg.err != nil {
			// Publish failed; stay in the room and resume polling.
			l.log.Warn("leave publish failed", zap.Error(msg.err))
			l.state = StateWaiting
			l.startMemberPoll()
			l.reply(msg.err)
			return
		}
		l.resetRoom()
		l.state = StateBrowsing
		l.startRoomPoll()
		l.reply(nil)
		go l.pollRooms()

	case membersPolled:
		l.handleMembersPolled(msg)

	case roomsPolled:
		if msg.err != nil {
			l.log.Debug("room list poll failed", zap.Error(msg.err))
			return
		}
		l.rooms = msg.rooms

	case GetView:
		msg.Reply <- View{
			State:     l.state,
			RoomID:    l.roomID,
			Members:   sortedSet(l.members),
			Ready:     sortedSet(l.ready),
			Rooms:     l.rooms,
			ReadySent: l.readySent,
			Started:   l.started,
		}

	case Shutdown:
		l.cancel()
	}
}

// beginJoin publishes room_joined and arms the triple-path resolution:
// whichever of publish ack, corroborating relay event, or grace timeout
// lands first moves us to Waiting, exactly once.
func (l *Lobby) beginJoin(roomID string) {
	l.state = StateJoining
	l.roomID = roomID
	l.joinedSignaled = false
	l.members = map[string]bool{l.playerID: true}
	l.ready = make(map[string]bool)
	l.stopRoomPoll()
	l.startGrace()
	go func() {
		err := l.coord.JoinRoom(l.ctx, roomID)
		l.post(joinAcked{roomID: roomID, err: err})
	}()
}

func (l *Lobby) handleRelayEvent(ev RelayEvent) {
	switch ev.ContentType {
	case relay.ContentRoomCreated:
		if l.state == StateBrowsing {
			go l.pollRooms()
		}
	case relay.ContentRoomJoined:
		if l.state == StateJoining && ev.RoomID == l.roomID {
			l.resolveJoined()
		}
	}
}

// resolveJoined transitions Joining -> Waiting and fires roomJoined once.
func (l *Lobby) resolveJoined() {
	if l.joinedSignaled {
		return
	}
	l.joinedSignaled = true
	l.stopGrace()
	l.state = StateWaiting
	l.reply(nil)
	l.log.Info("joined room", zap.String("room", l.roomID))
	l.Events.Emit(EventRoomJoined, l.roomID)
	l.startMemberPoll()
	go l.pollMembers(l.roomID)
}

func (l *Lobby) handleMembersPolled(msg membersPolled) {
	// Stale poll results from a room we already left are dropped.
	if msg.roomID != l.roomID {
		return
	}
	if l.state != StateWaiting && l.state != StateReadyCheck {
		return
	}
	if msg.err != nil {
		l.log.Debug("membership poll failed", zap.Error(msg.err))
		return
	}

	l.members = make(map[string]bool, len(msg.members)+1)
	for _, p := range msg.members {
		l.members[p] = true
	}
	// The local player is always present in their own room view, even
	// before the relay round-trip confirms it.
	l.members[l.playerID] = true

	l.ready = make(map[string]bool, len(msg.ready)+1)
	for _, p := range msg.ready {
		l.ready[p] = true
	}
	if l.readySent {
		l.ready[l.playerID] = true
	}

	l.checkGameStart()
}

// checkGameStart fires the start handoff at most once, when exactly two
// distinct players are members and exactly two are ready.
func (l *Lobby) checkGameStart() {
	if l.started {
		return
	}
	if len(l.members) != 2 || len(l.ready) != 2 {
		return
	}
	l.started = true
	l.state = StateStarting
	l.stopMemberPoll()
	l.stopGrace()
	l.log.Info("start condition met", zap.String("room", l.roomID))
	if l.onStart != nil {
		go l.onStart(l.roomID)
	}
}

func (l *Lobby) resetRoom() {
	l.roomID = ""
	l.members = make(map[string]bool)
	l.ready = make(map[string]bool)
	l.readySent = false
	l.joinedSignaled = false
	l.started = false
}

func (l *Lobby) reply(err error) {
	if l.pendingReply != nil {
		l.pendingReply <- err
		l.pendingReply = nil
	}
}

func (l *Lobby) startRoomPoll() {
	if l.roomTicker == nil {
		l.roomTicker = time.NewTicker(l.cfg.RoomPoll)
	}
}

func (l *Lobby) stopRoomPoll() {
	if l.roomTicker != nil {
		l.roomTicker.Stop()
		l.roomTicker = nil
	}
}

func (l *Lobby) startMemberPoll() {
	if l.memberTicker == nil {
		l.memberTicker = time.NewTicker(l.cfg.MemberPoll)
	}
}

func (l *Lobby) stopMemberPoll() {
	if l.memberTicker != nil {
		l.memberTicker.Stop()
		l.memberTicker = nil
	}
}

func (l *Lobby) startGrace() {
	l.stopGrace()
	l.graceTimer = time.NewTimer(l.cfg.JoinGrace)
	l.graceC = l.graceTimer.C
}

func (l *Lobby) stopGrace() {
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
		l.graceC = nil
	}
}

func (l *Lobby) pollRooms() {
	rooms, err := l.source.Rooms(l.ctx)
	l.post(roomsPolled{rooms: rooms, err: err})
}

func (l *Lobby) pollMembers(roomID string) {
	if roomID == "" {
		return
	}
	members, err := l.source.Members(l.ctx, roomID)
	if err != nil {
		l.post(membersPolled{roomID: roomID, err: err})
		return
	}
	ready, err := l.source.ReadyPlayers(l.ctx, roomID)
	l.post(membersPolled{roomID: roomID, members: members, ready: ready, err: err})
}

// Synchronous wrappers over the inbox for front ends that want plain
// calls instead of message passing.

func (l *Lobby) Create(ctx context.Context) error {
	reply := make(chan error, 1)
	l.post(CreateRoom{Reply: reply})
	return awaitReply(ctx, reply)
}

func (l *Lobby) Join(ctx context.Context, roomID string) error {
	reply := make(chan error, 1)
	l.post(JoinRoom{RoomID: roomID, Reply: reply})
	return awaitReply(ctx, reply)
}

func (l *Lobby) Ready(ctx context.Context) error {
	reply := make(chan error, 1)
	l.post(SetReady{Reply: reply})
	return awaitReply(ctx, reply)
}

func (l *Lobby) Leave(ctx context.Context) error {
	reply := make(chan error, 1)
	l.post(LeaveRoom{Reply: reply})
	return awaitReply(ctx, reply)
}

func (l *Lobby) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	l.post(GetView{Reply: reply})
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func awaitReply(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
