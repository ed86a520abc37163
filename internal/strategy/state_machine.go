package strategy

import "sync"

// RunState is the operator-facing lifecycle of the bot, separate from the
// risk gate's mode.
type RunState string

type Event string

const (
	StateRunning RunState = "RUNNING"
	StatePaused  RunState = "PAUSED"
	StateHalted  RunState = "HALTED"
)

const (
	EventPause  Event = "PAUSE"
	EventResume Event = "RESUME"
	EventHalt   Event = "HALT"
	EventReset  Event = "RESET"
)

type StateMachine struct {
	mu    sync.Mutex
	state RunState
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateRunning}
}

func (s *StateMachine) Apply(event Event) RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) SetState(state RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func nextState(current RunState, event Event) RunState {
	switch current {
	case StateRunning:
		if event == EventPause {
			return StatePaused
		}
		if event == EventHalt {
			return StateHalted
		}
	case StatePaused:
		if event == EventResume {
			return StateRunning
		}
		if event == EventHalt {
			return StateHalted
		}
	case StateHalted:
		if event == EventReset {
			return StateRunning
		}
	}
	return current
}
