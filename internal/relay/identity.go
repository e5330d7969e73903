package relay

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Identity is a player keypair. The x-only public key doubles as the
// player id everywhere in the system.
type Identity struct {
	priv *secp256k1.PrivateKey
}

func NewIdentity() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// ParseIdentity loads a 32-byte hex private key.
func ParseIdentity(hexKey string) (*Identity, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &Identity{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// PublicKey returns the x-only public key in hex: the 33-byte compressed
// encoding with its parity byte dropped, which is what schnorr.ParsePubKey
// expects on the verify side.
func (id *Identity) PublicKey() string {
	return hex.EncodeToString(id.priv.PubKey().SerializeCompressed()[1:])
}

// Secret returns the private key in hex, for persisting across runs.
func (id *Identity) Secret() string {
	return hex.EncodeToString(id.priv.Serialize())
}

func (id *Identity) sign(hash []byte) (string, error) {
	sig, err := schnorr.Sign(id.priv, hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}
