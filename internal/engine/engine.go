package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nostrsnake/nostrsnake/pkg/types"
)

// Transport carries the local player's state out once per tick. The
// single-player game uses NopTransport; the multiplayer game plugs in the
// realtime session. One engine, no subclassing.
type Transport interface {
	SendState(st types.PlayerState)
}

// NopTransport drops every tick. Single player.
type NopTransport struct{}

func (NopTransport) SendState(types.PlayerState) {}

type Direction int

const (
	DirUp Direction = iota
	DirDown
	DirLeft
	DirRight
)

func (d Direction) opposite() Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	default:
		return DirLeft
	}
}

func (d Direction) delta() (int, int) {
	switch d {
	case DirUp:
		return 0, -1
	case DirDown:
		return 0, 1
	case DirLeft:
		return -1, 0
	default:
		return 1, 0
	}
}

type Config struct {
	Size     int           // grid is Size x Size cells
	TickRate time.Duration // wall time per tick
}

func DefaultConfig() Config {
	return Config{Size: 40, TickRate: 100 * time.Millisecond}
}

// Game is the grid-update loop. All exported methods are safe to call
// from socket callbacks while Run ticks in its own goroutine.
type Game struct {
	cfg       Config
	transport Transport
	rng       *rand.Rand

	// OnGameOver fires once when the snake dies.
	OnGameOver func(score int)

	mu      sync.Mutex
	snake   []types.Cell
	dir     Direction
	nextDir Direction
	food    types.Cell
	score   int
	over    bool
	started bool
	others  map[string]types.PlayerState
}

func New(cfg Config, transport Transport) *Game {
	if transport == nil {
		transport = NopTransport{}
	}
	g := &Game{
		cfg:       cfg,
		transport: transport,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		others:    make(map[string]types.PlayerState),
	}
	g.reset()
	return g
}

func (g *Game) reset() {
	mid := g.cfg.Size / 2
	g.snake = []types.Cell{{X: mid, Y: mid}}
	g.dir = DirRight
	g.nextDir = DirRight
	g.score = 0
	g.over = false
	g.food = g.spawnFood()
}

// Start begins ticking. Restarting after game over resets the board.
func (g *Game) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.over {
		g.reset()
	}
	g.started = true
}

// SetDirection queues a direction change for the next tick. Reversals
// into the snake's own neck are ignored.
func (g *Game) SetDirection(d Direction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.snake) > 1 && d == g.dir.opposite() {
		return
	}
	g.nextDir = d
}

// Step advances one tick: move, check collisions, eat, emit state.
func (g *Game) Step() {
	g.mu.Lock()
	if !g.started || g.over {
		g.mu.Unlock()
		return
	}

	g.dir = g.nextDir
	dx, dy := g.dir.delta()
	head := g.snake[0]
	next := types.Cell{X: head.X + dx, Y: head.Y + dy}

	if g.hits(next) {
		g.over = true
		g.started = false
		score := g.score
		cb := g.OnGameOver
		g.mu.Unlock()
		if cb != nil {
			cb(score)
		}
		return
	}

	g.snake = append([]types.Cell{next}, g.snake...)
	if next == g.food {
		g.score++
		g.food = g.spawnFood()
	} else {
		g.snake = g.snake[:len(g.snake)-1]
	}

	st := g.snapshotLocked()
	g.mu.Unlock()

	g.transport.SendState(st)
}

func (g *Game) hits(c types.Cell) bool {
	if c.X < 0 || c.Y < 0 || c.X >= g.cfg.Size || c.Y >= g.cfg.Size {
		return true
	}
	// The tail cell counts as a collision even though it vacates this
	// tick unless the snake grows.
	for _, s := range g.snake {
		if s == c {
			return true
		}
	}
	return false
}

func (g *Game) spawnFood() types.Cell {
	occupied := make(map[types.Cell]bool, len(g.snake))
	for _, s := range g.snake {
		occupied[s] = true
	}
	for {
		c := types.Cell{X: g.rng.Intn(g.cfg.Size), Y: g.rng.Intn(g.cfg.Size)}
		if !occupied[c] {
			return c
		}
	}
}

// Run ticks the game until ctx is cancelled or the game ends.
func (g *Game) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step()
			if g.Over() {
				return
			}
		}
	}
}

// UpdateOpponent records another player's relayed state.
func (g *Game) UpdateOpponent(playerID string, st types.PlayerState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.others[playerID] = st
}

// RemoveOpponent drops a player from the local roster.
func (g *Game) RemoveOpponent(playerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.others, playerID)
}

// Opponent returns the last known state for a player.
func (g *Game) Opponent(playerID string) (types.PlayerState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.others[playerID]
	return st, ok
}

// Snapshot returns the local player's current state.
func (g *Game) Snapshot() types.PlayerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Game) snapshotLocked() types.PlayerState {
	snake := make([]types.Cell, len(g.snake))
	copy(snake, g.snake)
	return types.PlayerState{Snake: snake, Score: g.score}
}

// Head returns the snake's head cell.
func (g *Game) Head() types.Cell {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snake[0]
}

// Food returns the current food cell.
func (g *Game) Food() types.Cell {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.food
}

func (g *Game) Score() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.score
}

func (g *Game) Over() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.over
}
