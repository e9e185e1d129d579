// Package ledger is a small stand-in for the external ledger service: it
// accepts a fully co-signed channel proposal, checks quorum and signatures,
// records it and issues a channel id.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/internal/channel"
	"github.com/DoyleJ11/towerduo-backend/internal/signer"
	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

var (
	ErrInvalidProposal = errors.New("invalid channel proposal")
	ErrBadSignature    = errors.New("bad signature")
	ErrQuorum          = errors.New("signature quorum not met")
	ErrReplay          = errors.New("channel already opened for these terms")
)

// Repository persists opened channels. A second record with the same digest
// must fail with ErrReplay.
type Repository interface {
	Create(ctx context.Context, rec *ChannelRecord) error
	Ping(ctx context.Context) error
}

type Service struct {
	repo  Repository
	log   *zap.Logger
	newID func() string
}

func NewService(repo Repository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log.Named("ledger"), newID: uuid.NewString}
}

func (s *Service) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// OpenChannel verifies p and records it, returning the issued channel id.
func (s *Service) OpenChannel(ctx context.Context, p types.ChannelProposal) (string, error) {
	if err := checkShape(p); err != nil {
		return "", err
	}
	digest, err := channel.Digest(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	digestHex := hex.EncodeToString(digest)

	def := p.Definition
	signed := make([]bool, len(def.Participants))
	weight := 0
	for _, sig := range p.Signatures {
		if sig.Declined {
			continue
		}
		idx := indexOf(def.Participants, sig.Signer)
		if idx < 0 {
			return "", fmt.Errorf("%w: %s is not a participant", ErrBadSignature, sig.Signer)
		}
		if signed[idx] {
			continue
		}
		if sig.Digest != digestHex || !signer.Verify(sig.Signer, digest, sig.Value) {
			return "", fmt.Errorf("%w: from %s", ErrBadSignature, sig.Signer)
		}
		signed[idx] = true
		weight += def.Weights[idx]
	}
	if weight < def.Quorum {
		return "", fmt.Errorf("%w: weight %d of %d", ErrQuorum, weight, def.Quorum)
	}

	rec := &ChannelRecord{
		ID:           s.newID(),
		SessionID:    p.SessionID,
		Digest:       digestHex,
		Protocol:     def.Protocol,
		Participants: strings.Join(def.Participants, ","),
		Asset:        p.Allocations[0].Asset,
		Stake:        p.Allocations[0].Amount,
		Nonce:        fmt.Sprintf("%016x", def.Nonce),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", err
	}
	s.log.Info("channel opened",
		zap.String("channel", rec.ID),
		zap.String("session", rec.SessionID),
		zap.Int64("stake", rec.Stake))
	return rec.ID, nil
}

func checkShape(p types.ChannelProposal) error {
	def := p.Definition
	if p.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidProposal)
	}
	if def.Protocol != channel.Protocol {
		return fmt.Errorf("%w: protocol %q", ErrInvalidProposal, def.Protocol)
	}
	if len(def.Participants) < 2 || len(def.Weights) != len(def.Participants) {
		return fmt.Errorf("%w: participants and weights", ErrInvalidProposal)
	}
	total := 0
	for _, w := range def.Weights {
		if w <= 0 {
			return fmt.Errorf("%w: weight %d", ErrInvalidProposal, w)
		}
		total += w
	}
	if def.Quorum <= 0 || def.Quorum > total {
		return fmt.Errorf("%w: quorum %d", ErrInvalidProposal, def.Quorum)
	}
	if len(p.Allocations) != len(def.Participants) {
		return fmt.Errorf("%w: allocations", ErrInvalidProposal)
	}
	for i, a := range p.Allocations {
		if a.Participant != def.Participants[i] || a.Amount <= 0 || a.Asset != p.Allocations[0].Asset {
			return fmt.Errorf("%w: allocation %d", ErrInvalidProposal, i)
		}
	}
	return nil
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}
