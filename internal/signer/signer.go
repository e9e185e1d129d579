// Package signer is a local stand-in for the external signer: an ed25519 key
// whose address is the hex encoded public key.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrBadSeed = errors.New("seed must be 32 bytes of hex")

type KeySigner struct {
	priv ed25519.PrivateKey
	addr string
}

func NewKeySigner(seedHex string) (*KeySigner, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	return fromKey(ed25519.NewKeyFromSeed(seed)), nil
}

// Generate returns a signer with a fresh random key.
func Generate() (*KeySigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromKey(priv), nil
}

func fromKey(priv ed25519.PrivateKey) *KeySigner {
	pub := priv.Public().(ed25519.PublicKey)
	return &KeySigner{priv: priv, addr: hex.EncodeToString(pub)}
}

func (k *KeySigner) Address() string { return k.addr }

// Ping never fails for a local key unless ctx is already done.
func (k *KeySigner) Ping(ctx context.Context) error { return ctx.Err() }

func (k *KeySigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(k.priv, digest), nil
}

// Verify checks sig over digest against the signer's address.
func Verify(address string, digest, sig []byte) bool {
	pub, err := hex.DecodeString(address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}
