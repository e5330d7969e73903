package engine

import (
	"sync"
	"testing"

	"github.com/nostrsnake/nostrsnake/pkg/types"
)

// captureTransport records every tick emission.
type captureTransport struct {
	mu     sync.Mutex
	states []types.PlayerState
}

func (c *captureTransport) SendState(st types.PlayerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, st)
}

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func testGame(transport Transport) *Game {
	g := New(Config{Size: 10, TickRate: 0}, transport)
	g.Start()
	return g
}

func TestStepMovesHead(t *testing.T) {
	g := testGame(nil)
	head := g.Head()

	// Park the food out of the way so the move cannot grow the snake.
	g.mu.Lock()
	g.food = types.Cell{X: 0, Y: 0}
	g.mu.Unlock()

	g.Step()

	got := g.Head()
	if got.X != head.X+1 || got.Y != head.Y {
		t.Fatalf("expected head to move right from %+v, got %+v", head, got)
	}
	if len(g.Snapshot().Snake) != 1 {
		t.Fatalf("snake grew without eating")
	}
}

func TestEatingGrowsAndScores(t *testing.T) {
	g := testGame(nil)

	// Plant the food directly in the snake's path.
	head := g.Head()
	g.mu.Lock()
	g.food = types.Cell{X: head.X + 1, Y: head.Y}
	g.mu.Unlock()

	g.Step()

	if g.Score() != 1 {
		t.Fatalf("expected score 1, got %d", g.Score())
	}
	if got := len(g.Snapshot().Snake); got != 2 {
		t.Fatalf("expected snake length 2, got %d", got)
	}
	if g.Food() == g.Head() {
		t.Fatalf("food not respawned after being eaten")
	}
}

func TestWallCollisionEndsGame(t *testing.T) {
	g := testGame(nil)

	var gameOverScore = -1
	g.OnGameOver = func(score int) { gameOverScore = score }

	// March right until the wall.
	for i := 0; i < 20 && !g.Over(); i++ {
		g.Step()
	}

	if !g.Over() {
		t.Fatalf("expected game over at the wall")
	}
	if gameOverScore < 0 {
		t.Fatalf("game over callback never fired")
	}

	// Further steps are no-ops.
	head := g.Head()
	g.Step()
	if g.Head() != head {
		t.Fatalf("game advanced after game over")
	}
}

func TestReversalRejected(t *testing.T) {
	g := testGame(nil)

	// Grow to length 2 so a reversal would bite the neck.
	head := g.Head()
	g.mu.Lock()
	g.food = types.Cell{X: head.X + 1, Y: head.Y}
	g.mu.Unlock()
	g.Step()

	g.SetDirection(DirLeft) // reversal of DirRight; must be ignored
	g.Step()

	if g.Over() {
		t.Fatalf("reversal was not rejected")
	}
	if got := g.Head(); got.X != head.X+2 {
		t.Fatalf("expected continued rightward movement, head at %+v", got)
	}
}

func TestTransportReceivesEachTick(t *testing.T) {
	capture := &captureTransport{}
	g := testGame(capture)

	g.Step()
	g.Step()

	if got := capture.count(); got != 2 {
		t.Fatalf("expected 2 emissions, got %d", got)
	}
}

func TestNoEmissionBeforeStart(t *testing.T) {
	capture := &captureTransport{}
	g := New(Config{Size: 10, TickRate: 0}, capture)

	g.Step() // not started yet

	if got := capture.count(); got != 0 {
		t.Fatalf("expected no emissions before start, got %d", got)
	}
}

func TestOpponentRoster(t *testing.T) {
	g := testGame(nil)

	g.UpdateOpponent("bob", types.PlayerState{Score: 5})
	st, ok := g.Opponent("bob")
	if !ok || st.Score != 5 {
		t.Fatalf("opponent state not recorded: %+v %v", st, ok)
	}

	g.RemoveOpponent("bob")
	if _, ok := g.Opponent("bob"); ok {
		t.Fatalf("opponent not removed")
	}
}
