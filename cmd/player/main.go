// Headless snake player. Coordinates a two-player match through the
// pub/sub relay, connects to the broadcast server once both players are
// ready, and steers a simple food-chasing bot until the game ends.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nostrsnake/nostrsnake/internal/directory"
	"github.com/nostrsnake/nostrsnake/internal/engine"
	"github.com/nostrsnake/nostrsnake/internal/lobby"
	"github.com/nostrsnake/nostrsnake/internal/relay"
	"github.com/nostrsnake/nostrsnake/internal/session"
	"github.com/nostrsnake/nostrsnake/pkg/types"
)

type config struct {
	relayURL string
	gameURL  string
	key      string
	room     string
	scores   bool
	verbose  bool
}

func newCmd(cfg *config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SNAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "player",
		Short:         "Headless multiplayer snake client.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.relayURL, "relay-url", "wss://nostrpub.yeghro.site", "pub/sub relay URL (env: SNAKE_RELAY_URL)")
	fs.StringVar(&cfg.gameURL, "game-url", "http://localhost:3000", "broadcast server base URL (env: SNAKE_GAME_URL)")
	fs.StringVar(&cfg.key, "key", "", "hex private key; generated when empty (env: SNAKE_KEY)")
	fs.StringVar(&cfg.room, "room", "", "room id to join; creates a room when empty (env: SNAKE_ROOM)")
	fs.BoolVar(&cfg.scores, "scores", false, "print the leaderboard and exit (env: SNAKE_SCORES)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging (env: SNAKE_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := newLogger(cfg.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := loadIdentity(cfg.key)
	if err != nil {
		return err
	}
	playerID := identity.PublicKey()
	logger.Info("identity loaded", zap.String("player", playerID))

	client := relay.NewClient(cfg.relayURL, identity, logger)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	if cfg.scores {
		return printScores(ctx, client)
	}

	dir := directory.New(client, directory.DefaultConfig())

	started := make(chan string, 1)
	lb := lobby.New(ctx, client, dir, playerID, lobby.DefaultConfig(), func(roomID string) {
		started <- roomID
	}, logger)
	defer lb.Stop()

	client.Events.On(relay.EventRoomCreated, lb.Notify(relay.ContentRoomCreated))
	client.Events.On(relay.EventRoomJoined, lb.Notify(relay.ContentRoomJoined))

	if cfg.room == "" {
		if err := lb.Create(ctx); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
	} else {
		if err := lb.Join(ctx, cfg.room); err != nil {
			return fmt.Errorf("join room %s: %w", cfg.room, err)
		}
	}

	view, err := lb.View(ctx)
	if err != nil {
		return err
	}
	logger.Info("waiting in room", zap.String("room", view.RoomID))

	if err := lb.Ready(ctx); err != nil {
		return fmt.Errorf("set ready: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case roomID := <-started:
		return playMatch(ctx, cfg, client, roomID, playerID, logger)
	}
}

func playMatch(ctx context.Context, cfg *config, client *relay.Client, roomID, playerID string, logger *zap.Logger) error {
	sess := session.New(cfg.gameURL, roomID, playerID, logger)
	defer sess.Close()

	game := engine.New(engine.DefaultConfig(), sess)
	done := make(chan int, 1)
	game.OnGameOver = func(score int) { done <- score }

	sess.Events.On(types.TypeGameStart, func(any) {
		logger.Info("game started", zap.String("room", roomID))
		game.Start()
	})
	sess.Events.On(types.TypeGameState, func(data any) {
		msg, ok := data.(types.Message)
		if !ok || msg.State == nil {
			return
		}
		game.UpdateOpponent(msg.PlayerID, *msg.State)
	})
	sess.Events.On(types.TypePlayerList, func(data any) {
		msg, ok := data.(types.Message)
		if !ok {
			return
		}
		logger.Info("player list",
			zap.Strings("players", msg.Players),
			zap.Strings("ready", msg.ReadyPlayers))
	})
	sess.Events.On(session.EventError, func(data any) {
		if err, ok := data.(error); ok {
			logger.Error("session failed", zap.Error(err))
		}
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := sess.Ready(); err != nil {
		return err
	}

	gameCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go steer(gameCtx, game)
	go game.Run(gameCtx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case score := <-done:
		logger.Info("game over", zap.Int("score", score))
		if err := client.PostHighScore(ctx, score, nil); err != nil {
			logger.Warn("posting high score failed", zap.Error(err))
		}
		return nil
	}
}

// steer drives the bot: chase the food one axis at a time. Reversals are
// rejected by the engine, so blindly suggesting a direction is safe.
func steer(ctx context.Context, game *engine.Game) {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, food := game.Head(), game.Food()
			switch {
			case food.X < head.X:
				game.SetDirection(engine.DirLeft)
			case food.X > head.X:
				game.SetDirection(engine.DirRight)
			case food.Y < head.Y:
				game.SetDirection(engine.DirUp)
			case food.Y > head.Y:
				game.SetDirection(engine.DirDown)
			}
		}
	}
}

func printScores(ctx context.Context, client *relay.Client) error {
	scores, err := client.FetchHighScores(ctx)
	if err != nil {
		return err
	}
	for i, s := range scores {
		fmt.Printf("%2d. %s  %d\n", i+1, s.Name, s.Score)
	}
	return nil
}

func loadIdentity(key string) (*relay.Identity, error) {
	if key != "" {
		return relay.ParseIdentity(key)
	}
	return relay.NewIdentity()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	cfg := &config{}
	cobra.CheckErr(newCmd(cfg).Execute())
}
