// Package rules loads the per-mode stake and payout table.
package rules

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/towerduo-backend/internal/settlement"
)

var ErrUnknownMode = errors.New("unknown mode")

const DefaultMode = "tower"

type Mode struct {
	ID    string `yaml:"id"`
	Stake int64  `yaml:"stake"` // per participant, smallest unit
	Asset string `yaml:"asset"`

	Payout settlement.Rules `yaml:",inline"`
}

type Catalog struct {
	Modes []Mode `yaml:"modes"`
}

// Default is the built-in catalog used when no rules file is configured.
func Default() Catalog {
	return Catalog{Modes: []Mode{{
		ID:    DefaultMode,
		Stake: 1_000_000,
		Asset: "DCR",
		Payout: settlement.Rules{
			Tiers: []settlement.Tier{
				{Min: 0, MultiplierPct: 100},
				{Min: 100, MultiplierPct: 120},
				{Min: 200, MultiplierPct: 150},
				{Min: 300, MultiplierPct: 200},
			},
			FeeBps: 500,
		},
	}}}
}

func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) Validate() error {
	if len(c.Modes) == 0 {
		return errors.New("rules: no modes defined")
	}
	seen := map[string]bool{}
	for _, m := range c.Modes {
		if m.ID == "" {
			return errors.New("rules: mode without id")
		}
		if seen[m.ID] {
			return fmt.Errorf("rules: duplicate mode %q", m.ID)
		}
		seen[m.ID] = true
		if m.Stake < 0 {
			return fmt.Errorf("rules: mode %q: %w", m.ID, settlement.ErrInvalidStake)
		}
		if err := m.Payout.Validate(); err != nil {
			return fmt.Errorf("rules: mode %q: %w", m.ID, err)
		}
	}
	return nil
}

func (c Catalog) Mode(id string) (Mode, error) {
	for _, m := range c.Modes {
		if m.ID == id {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, id)
}
