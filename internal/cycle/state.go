package cycle

import "fmt"

// State is the controller's position in the hedge cycle lifecycle.
type State string

const (
	StateIdle            State = "IDLE"
	StateMakerPlaced     State = "MAKER_PLACED"
	StateMakerPartFilled State = "MAKER_PARTIALLY_FILLED"
	StateHedging         State = "HEDGING"
	StateHeld            State = "HELD"
	StateUnwinding       State = "UNWINDING"
	StateCooldown        State = "COOLDOWN"
	StatePaused          State = "PAUSED"
	StateFailed          State = "FAILED"
)

// transitions is the legal edge set. Anything not listed is a programming
// error and moves the machine to FAILED.
var transitions = map[State][]State{
	StateIdle:            {StateMakerPlaced, StatePaused, StateFailed},
	StateMakerPlaced:     {StateMakerPartFilled, StateHedging, StateIdle, StateCooldown, StateFailed},
	StateMakerPartFilled: {StateHedging, StateFailed},
	StateHedging:         {StateHeld, StateUnwinding, StateFailed},
	StateHeld:            {StateUnwinding, StateFailed},
	StateUnwinding:       {StateCooldown, StateFailed},
	StateCooldown:        {StateIdle, StatePaused, StateFailed},
	StatePaused:          {StateIdle, StateFailed},
	StateFailed:          {StateIdle},
}

type stateMachine struct {
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateIdle}
}

func (m *stateMachine) current() State { return m.state }

// transition moves to next, or to FAILED with an error when the edge is
// not legal from the current state.
func (m *stateMachine) transition(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	err := fmt.Errorf("illegal transition %s -> %s", m.state, next)
	m.state = StateFailed
	return err
}
