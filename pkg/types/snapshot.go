package types

// Pose is the physics state of one object as reported by the client's
// simulator. The server never integrates it.
type Pose struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Angle    float64 `json:"angle"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	AngularV float64 `json:"angular_v"`
}

// ObjectDescriptor is what a turn holder sends to spawn a new object. The id
// is assigned by the server.
type ObjectDescriptor struct {
	Kind string `json:"kind" validate:"required,max=32"`
	Pose Pose   `json:"pose"`
}

// Object is one entry of the shared state.
type Object struct {
	ID   string `json:"id" validate:"required,max=64"`
	Kind string `json:"kind" validate:"required,max=32"`
	Pose Pose   `json:"pose"`
}

// SharedState is the ordered object list both peers must converge on.
//
// On TurnChanged:
//
//	holder:      seat number (1 | 2) that may now mutate state
//	snapshot:    []Object, the state as left by the previous holder
//	turn_count:  strictly increasing
//	your_turn:   false means the client MUST freeze every object it does not
//	             own (zero velocities, disable interaction) until the next
//	             TurnChanged arrives
type SharedState []Object

// Clone returns a deep copy. Objects hold no pointers so a slice copy is enough.
func (s SharedState) Clone() SharedState {
	if s == nil {
		return SharedState{}
	}
	out := make(SharedState, len(s))
	copy(out, s)
	return out
}

// Top returns the highest Y of any object, or 0 for an empty state.
func (s SharedState) Top() float64 {
	var top float64
	for _, o := range s {
		if o.Pose.Y > top {
			top = o.Pose.Y
		}
	}
	return top
}
