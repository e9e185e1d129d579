package engine

// Seat identifies one side of a session. Seat1 is the participant that was
// waiting first; it holds the first turn and proposes the channel.
type Seat int

const (
	SeatNone Seat = 0
	Seat1    Seat = 1
	Seat2    Seat = 2
)

func (s Seat) Valid() bool { return s == Seat1 || s == Seat2 }

// Other returns the opposing seat.
func (s Seat) Other() Seat {
	switch s {
	case Seat1:
		return Seat2
	case Seat2:
		return Seat1
	default:
		return SeatNone
	}
}

// Index maps a seat to a 0-based array slot.
func (s Seat) Index() int { return int(s) - 1 }

func turnPhase(holder Seat) Phase {
	if holder == Seat2 {
		return PhaseP2Turn
	}
	return PhaseP1Turn
}
