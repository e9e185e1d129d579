package engine

import "github.com/DoyleJ11/towerduo-backend/pkg/types"

func NewState(rules Rules) State {
	s := State{
		Holder:  Seat1,
		Objects: types.SharedState{},
		Rules:   rules,
	}
	s.Phase = DerivePhase(s)
	return s
}

func DerivePhase(s State) Phase {
	if s.Submitted[0] && s.Submitted[1] {
		return PhaseEnded
	}
	return turnPhase(s.Holder)
}

// Reduce rebuilds a state by replaying events from a fresh session. Every
// TurnAdvanced carries the full snapshot, so a log may be cut down to the
// latest TurnAdvanced and what followed it.
func Reduce(rules Rules, events []Event) State {
	s := NewState(rules)
	for _, event := range events {
		switch event.Type {
		case EvtObjectSpawned:
			s.Objects = append(s.Objects.Clone(), event.Object)
		case EvtTurnAdvanced:
			s.Objects = event.Snapshot.Clone()
			s.Holder = event.Holder
			s.TurnCount = event.TurnCount
		case EvtMetricSubmitted:
			s.Submitted[event.Seat.Index()] = true
			s.Metrics[event.Seat.Index()] = event.Metric
		}
	}

	s.Phase = DerivePhase(s)
	return s
}
