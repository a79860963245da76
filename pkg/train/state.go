package train

import "fmt"

// State is a stage of a training worker's lifecycle.
type State int

const (
	Initializing State = iota
	TrainingEpoch
	Synchronizing
	Complete
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case TrainingEpoch:
		return "training-epoch"
	case Synchronizing:
		return "synchronizing"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Initializing:  {TrainingEpoch},
	TrainingEpoch: {Synchronizing},
	Synchronizing: {TrainingEpoch, Complete},
}

// Machine tracks a worker's state and rejects transitions the lifecycle
// does not allow.
type Machine struct {
	state   State
	history []State
}

func (m *Machine) State() State { return m.state }

// History returns every state entered after Initializing, in order.
func (m *Machine) History() []State { return m.history }

// To moves to next.
func (m *Machine) To(next State) error {
	for _, s := range transitions[m.state] {
		if s == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("illegal transition from %s to %s", m.state, next)
}
