package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// HighScore is one leaderboard row.
type HighScore struct {
	Name   string
	PubKey string
	Score  int
}

// Profile is a relay kind-0 profile, reduced to what the game shows.
type Profile struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// PostHighScore publishes a high-score event with the score and any
// unlocked emojis in tags.
func (c *Client) PostHighScore(ctx context.Context, score int, unlocked []string) error {
	ev := &Event{
		Kind: KindHighScore,
		Tags: [][]string{
			{"t", "snakegame"},
			{"s", strconv.Itoa(score)},
			{"u", strings.Join(unlocked, ",")},
		},
		Content: fmt.Sprintf("I scored %d in the snake game! #snakegame", score),
	}
	return c.Publish(ctx, ev)
}

// FetchProfile resolves a kind-0 profile, falling back to the bare
// pubkey as the display name when none is found.
func (c *Client) FetchProfile(ctx context.Context, pubkey string) Profile {
	events, err := c.Query(ctx, Filter{
		Kinds:   []int{KindProfile},
		Authors: []string{pubkey},
		Limit:   1,
	}, DefaultQueryTimeout)
	if err != nil || len(events) == 0 {
		return Profile{Name: pubkey}
	}
	var p Profile
	if err := json.Unmarshal([]byte(events[0].Content), &p); err != nil || p.Name == "" {
		return Profile{Name: pubkey}
	}
	return p
}

// FetchHighScores returns the leaderboard: best score per author, highest
// first, with display names resolved from profiles.
func (c *Client) FetchHighScores(ctx context.Context) ([]HighScore, error) {
	events, err := c.Query(ctx, Filter{Kinds: []int{KindHighScore}}, DefaultQueryTimeout)
	if err != nil {
		return nil, err
	}

	best := make(map[string]int)
	for _, ev := range events {
		raw := ev.Tag("s")
		if raw == "" {
			continue
		}
		score, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if prev, ok := best[ev.PubKey]; !ok || score > prev {
			best[ev.PubKey] = score
		}
	}

	scores := make([]HighScore, 0, len(best))
	for pubkey, score := range best {
		profile := c.FetchProfile(ctx, pubkey)
		scores = append(scores, HighScore{Name: profile.Name, PubKey: pubkey, Score: score})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores, nil
}

// FetchUserHighScores returns the caller's own top scores, best first.
func (c *Client) FetchUserHighScores(ctx context.Context, pubkey string, limit int) ([]int, error) {
	events, err := c.Query(ctx, Filter{
		Kinds:   []int{KindHighScore},
		Authors: []string{pubkey},
		Limit:   50,
	}, DefaultQueryTimeout)
	if err != nil {
		return nil, err
	}
	var scores []int
	for _, ev := range events {
		if raw := ev.Tag("s"); raw != "" {
			if score, err := strconv.Atoi(raw); err == nil {
				scores = append(scores, score)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(scores)))
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}
