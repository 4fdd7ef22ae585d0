package engine

import (
	"context"

	"github.com/qmuntal/stateless"
)

// FSM States
type FSMState stateless.State

var (
	StateIdle          FSMState = "Idle"
	StateAwaitingReply FSMState = "AwaitingReply"
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerSubmit        FSMTrigger = "Submit"
	TriggerReplyReceived FSMTrigger = "ReplyReceived"
	TriggerReplyFailed   FSMTrigger = "ReplyFailed" // error, timeout or panic in the completer
)

// newSessionMachine builds the per-session machine. Submit is only permitted
// from Idle, which is what rejects a second outstanding request.
func newSessionMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerSubmit, StateAwaitingReply)

	fsm.Configure(StateAwaitingReply).
		Permit(TriggerReplyReceived, StateIdle).
		Permit(TriggerReplyFailed, StateIdle)

	return fsm
}

func machineState(fsm *stateless.StateMachine) FSMState {
	st, err := fsm.State(context.Background())
	if err != nil {
		return StateIdle
	}
	return st
}
