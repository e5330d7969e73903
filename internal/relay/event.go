package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Event kinds used by the game. A single kind carries every room lifecycle
// event; the content-type string inside distinguishes them.
const (
	KindProfile       = 0
	KindRoomLifecycle = 30078
	KindHighScore     = 69420
)

// Content-type strings embedded in KindRoomLifecycle events.
const (
	ContentRoomCreated = "room_created"
	ContentRoomJoined  = "room_joined"
	ContentRoomLeft    = "room_left"
	ContentPlayerReady = "player_ready"
)

// Event is a signed pub/sub relay event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Content is the JSON payload of a room lifecycle event.
type Content struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// Filter selects events in a subscription request.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Tag returns the first value of the named tag, or "".
func (e *Event) Tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// ParseContent decodes the lifecycle payload. Events of other kinds (or
// with junk content) return an error.
func (e *Event) ParseContent() (Content, error) {
	var c Content
	if err := json.Unmarshal([]byte(e.Content), &c); err != nil {
		return Content{}, fmt.Errorf("bad event content: %w", err)
	}
	return c, nil
}

// serialize is the canonical form hashed for the event id:
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) serialize() ([]byte, error) {
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	return json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content})
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	b, err := e.serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in PubKey, ID and Sig using the given identity.
func (e *Event) Sign(id *Identity) error {
	e.PubKey = id.PublicKey()
	eid, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = eid
	raw, err := hex.DecodeString(eid)
	if err != nil {
		return err
	}
	sig, err := id.sign(raw)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = sig
	return nil
}

// Verify checks the event id and schnorr signature.
func (e *Event) Verify() error {
	eid, err := e.ComputeID()
	if err != nil {
		return err
	}
	if eid != e.ID {
		return fmt.Errorf("event id mismatch")
	}
	hash, err := hex.DecodeString(e.ID)
	if err != nil {
		return err
	}
	pkb, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return err
	}
	pub, err := schnorr.ParsePubKey(pkb)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sigb, err := hex.DecodeString(e.Sig)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(sigb)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !sig.Verify(hash, pub) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}
