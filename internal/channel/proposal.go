package channel

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

const Protocol = "towerduo/escrow/v1"

const placeholderPrefix = "sim-"

// NewPlaceholderID fabricates a locally unique channel id for simulated mode.
func NewPlaceholderID() string { return placeholderPrefix + uuid.NewString() }

// IsPlaceholder reports whether id was fabricated for simulated mode rather
// than issued by the ledger.
func IsPlaceholder(id string) bool { return strings.HasPrefix(id, placeholderPrefix) }

// BuildProposal lays out an equal-weight, both-must-sign channel with an equal
// stake from each party. Signatures start empty.
func BuildProposal(sessionID string, proposer, counterparty Party, stake int64, asset string) (types.ChannelProposal, error) {
	nonce, err := freshNonce()
	if err != nil {
		return types.ChannelProposal{}, err
	}
	return types.ChannelProposal{
		SessionID:      sessionID,
		ProposerID:     proposer.ID,
		CounterpartyID: counterparty.ID,
		Definition: types.ChannelDefinition{
			Protocol:     Protocol,
			Participants: []string{proposer.Address, counterparty.Address},
			Weights:      []int{1, 1},
			Quorum:       2,
			Nonce:        nonce,
		},
		Allocations: []types.Allocation{
			{Participant: proposer.Address, Asset: asset, Amount: stake},
			{Participant: counterparty.Address, Asset: asset, Amount: stake},
		},
		Signatures: []types.Signature{},
	}, nil
}

// canonicalTerms is everything a signature commits to. Signatures are
// excluded so the list can grow without changing the digest.
type canonicalTerms struct {
	SessionID   string                  `json:"session_id"`
	Definition  types.ChannelDefinition `json:"definition"`
	Allocations []types.Allocation      `json:"allocations"`
}

// Canonical returns the byte-identical payload both parties sign.
func Canonical(p types.ChannelProposal) ([]byte, error) {
	return json.Marshal(canonicalTerms{
		SessionID:   p.SessionID,
		Definition:  p.Definition,
		Allocations: p.Allocations,
	})
}

func Digest(p types.ChannelProposal) ([]byte, error) {
	payload, err := Canonical(p)
	if err != nil {
		return nil, fmt.Errorf("canonical proposal: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return sum[:], nil
}

func DigestHex(p types.ChannelProposal) (string, error) {
	d, err := Digest(p)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

// CheckTerms verifies a received proposal names both parties and allocates
// the expected stake to each.
func CheckTerms(p types.ChannelProposal, proposer, counterparty Party, stake int64) error {
	def := p.Definition
	if p.ProposerID != proposer.ID || p.CounterpartyID != counterparty.ID {
		return fmt.Errorf("%w: parties %q/%q", ErrTermsMismatch, p.ProposerID, p.CounterpartyID)
	}
	if def.Protocol != Protocol {
		return fmt.Errorf("%w: protocol %q", ErrTermsMismatch, def.Protocol)
	}
	if len(def.Participants) != 2 || def.Participants[0] != proposer.Address || def.Participants[1] != counterparty.Address {
		return fmt.Errorf("%w: participants", ErrTermsMismatch)
	}
	if len(def.Weights) != 2 || def.Weights[0] != def.Weights[1] || def.Weights[0] <= 0 {
		return fmt.Errorf("%w: weights", ErrTermsMismatch)
	}
	if def.Quorum != def.Weights[0]+def.Weights[1] {
		return fmt.Errorf("%w: quorum %d", ErrTermsMismatch, def.Quorum)
	}
	if len(p.Allocations) != 2 {
		return fmt.Errorf("%w: allocations", ErrTermsMismatch)
	}
	for i, a := range p.Allocations {
		if a.Participant != def.Participants[i] || a.Amount != stake {
			return fmt.Errorf("%w: allocation %d", ErrTermsMismatch, i)
		}
	}
	return nil
}

func freshNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
