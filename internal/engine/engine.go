package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/DoyleJ11/towerduo-backend/pkg/types"
)

var ErrWrongTurn = errors.New("not your turn")
var ErrUnknownSeat = errors.New("unknown seat")
var ErrAlreadySubmitted = errors.New("metric already submitted")
var ErrSessionEnded = errors.New("session already ended")
var ErrInvalidSnapshot = errors.New("invalid snapshot")
var ErrInvalidObject = errors.New("invalid object")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Phase string

const (
	PhaseP1Turn Phase = "P1_TURN"
	PhaseP2Turn Phase = "P2_TURN"
	PhaseEnded  Phase = "ENDED"
)

type State struct {
	Phase     Phase
	Holder    Seat
	TurnCount int
	Objects   types.SharedState
	Submitted [2]bool
	Metrics   [2]float64
	Rules     Rules
}

type Rules struct {
	// MetricTolerance is how far the two submitted metrics may drift before
	// the result is flagged as disputed.
	MetricTolerance float64
}

type CommandType string

const (
	CmdSpawnObject  CommandType = "SpawnObject"
	CmdEndTurn      CommandType = "EndTurn"
	CmdSyncInFlight CommandType = "SyncInFlight"
	CmdEndSession   CommandType = "EndSession"
)

/*
	CmdSpawnObject   -> EvtObjectSpawned
	CmdEndTurn       -> EvtTurnAdvanced
	CmdSyncInFlight  -> EvtInFlightSynced (state untouched)
	CmdEndSession    -> EvtMetricSubmitted [-> EvtSessionEnded once both seats submitted]
*/

type Command struct {
	Type CommandType
	Seat Seat

	// ObjectID is the server-issued id for a spawn, or the target of an
	// in-flight sync.
	ObjectID string
	Object   types.ObjectDescriptor
	Snapshot types.SharedState
	Pose     types.Pose
	Metric   float64
}

type EventType string

const (
	EvtObjectSpawned   EventType = "ObjectSpawned"
	EvtInFlightSynced  EventType = "InFlightSynced"
	EvtTurnAdvanced    EventType = "TurnAdvanced"
	EvtMetricSubmitted EventType = "MetricSubmitted"
	EvtSessionEnded    EventType = "SessionEnded"
)

type Event struct {
	Type      EventType
	Seat      Seat
	Object    types.Object
	ObjectID  string
	Pose      types.Pose
	Holder    Seat
	TurnCount int
	Snapshot  types.SharedState
	Metric    float64
	Disputed  bool
}

// Apply validates cmd against s and returns the events it produced and the
// next state. s is never modified; on error the returned state is s.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if !cmd.Seat.Valid() {
		return nil, s, ErrUnknownSeat
	}
	if s.Phase == PhaseEnded {
		return nil, s, ErrSessionEnded
	}

	newState := s

	switch cmd.Type {
	case CmdSpawnObject:
		if cmd.Seat != s.Holder {
			return nil, s, ErrWrongTurn
		}
		if cmd.ObjectID == "" || cmd.Object.Kind == "" || !finitePose(cmd.Object.Pose) {
			return nil, s, ErrInvalidObject
		}
		if hasObject(s.Objects, cmd.ObjectID) {
			return nil, s, fmt.Errorf("%w: duplicate id %q", ErrInvalidObject, cmd.ObjectID)
		}

		obj := types.Object{ID: cmd.ObjectID, Kind: cmd.Object.Kind, Pose: cmd.Object.Pose}
		objects := make(types.SharedState, 0, len(s.Objects)+1)
		objects = append(objects, s.Objects...)
		newState.Objects = append(objects, obj)

		return []Event{{Type: EvtObjectSpawned, Seat: cmd.Seat, Object: obj}}, newState, nil

	case CmdEndTurn:
		if cmd.Seat != s.Holder {
			return nil, s, ErrWrongTurn
		}
		next, err := ReplaceSnapshot(s, cmd.Snapshot)
		if err != nil {
			return nil, s, err
		}
		next.Holder = s.Holder.Other()
		next.Phase = turnPhase(next.Holder)
		next.TurnCount = s.TurnCount + 1

		return []Event{{
			Type:      EvtTurnAdvanced,
			Seat:      cmd.Seat,
			Holder:    next.Holder,
			TurnCount: next.TurnCount,
			Snapshot:  next.Objects.Clone(),
		}}, next, nil

	case CmdSyncInFlight:
		if cmd.Seat != s.Holder {
			return nil, s, ErrWrongTurn
		}
		if !hasObject(s.Objects, cmd.ObjectID) || !finitePose(cmd.Pose) {
			return nil, s, ErrInvalidObject
		}
		// Advisory only: the authoritative pose arrives with EndTurn.
		return []Event{{Type: EvtInFlightSynced, Seat: cmd.Seat, ObjectID: cmd.ObjectID, Pose: cmd.Pose}}, s, nil

	case CmdEndSession:
		i := cmd.Seat.Index()
		if s.Submitted[i] {
			return nil, s, ErrAlreadySubmitted
		}
		if math.IsNaN(cmd.Metric) || math.IsInf(cmd.Metric, 0) {
			return nil, s, fmt.Errorf("%w: metric %v", ErrInvalidObject, cmd.Metric)
		}
		newState.Submitted[i] = true
		newState.Metrics[i] = cmd.Metric

		events := []Event{{Type: EvtMetricSubmitted, Seat: cmd.Seat, Metric: cmd.Metric}}

		if newState.Submitted[0] && newState.Submitted[1] {
			metric, disputed := AgreedMetric(newState.Metrics[0], newState.Metrics[1], s.Rules.MetricTolerance)
			newState.Phase = PhaseEnded
			events = append(events, Event{Type: EvtSessionEnded, Metric: metric, Disputed: disputed})
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// ReplaceSnapshot swaps the shared state for snap wholesale. Applying the same
// snapshot twice yields the same state as applying it once.
func ReplaceSnapshot(s State, snap types.SharedState) (State, error) {
	if err := ValidateSnapshot(snap); err != nil {
		return s, err
	}
	s.Objects = snap.Clone()
	return s, nil
}

func ValidateSnapshot(snap types.SharedState) error {
	seen := make(map[string]bool, len(snap))
	for i, o := range snap {
		if o.ID == "" || o.Kind == "" {
			return fmt.Errorf("%w: object %d missing id or kind", ErrInvalidSnapshot, i)
		}
		if seen[o.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidSnapshot, o.ID)
		}
		if !finitePose(o.Pose) {
			return fmt.Errorf("%w: object %q has a non-finite pose", ErrInvalidSnapshot, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// AgreedMetric resolves the two independently computed metrics for the shared
// tower. The lower value is used so neither side can inflate the payout, and
// the result is flagged as disputed when they differ by more than tolerance.
func AgreedMetric(a, b, tolerance float64) (float64, bool) {
	return math.Min(a, b), math.Abs(a-b) > tolerance
}

func hasObject(objects types.SharedState, id string) bool {
	for _, o := range objects {
		if o.ID == id {
			return true
		}
	}
	return false
}

func finitePose(p types.Pose) bool {
	for _, v := range []float64{p.X, p.Y, p.Angle, p.VX, p.VY, p.AngularV} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
