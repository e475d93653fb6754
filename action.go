package zrm

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// An action is a long-running operation with three client-observable
// phases: goal acceptance, execution with streaming feedback, and a
// terminal outcome. The protocol composes three services and two topics
// under the action name:
//
//	<action>/_action/send_goal    service: goal -> (accepted, goal_id)
//	<action>/_action/cancel_goal  service: goal_id -> accepted
//	<action>/_action/get_result   service: goal_id -> (status, result)
//	<action>/_action/feedback     topic: (goal_id, feedback)
//	<action>/_action/status       topic: (goal_id, status)
//
// The endpoint names are part of the wire contract; independently
// implemented clients and servers interoperate over them.

// GoalStatus is the state of one goal in the action state machine.
type GoalStatus string

const (
	GoalStatusUnknown   GoalStatus = ""
	GoalStatusAccepted  GoalStatus = "accepted"
	GoalStatusExecuting GoalStatus = "executing"
	GoalStatusCanceling GoalStatus = "canceling"
	GoalStatusSucceeded GoalStatus = "succeeded"
	GoalStatusCanceled  GoalStatus = "canceled"
	GoalStatusAborted   GoalStatus = "aborted"
)

// validGoalTransitions defines which goal state transitions are allowed.
// The terminal methods (succeed, abort, cancel) are legal from any
// non-terminal state; execute only from ACCEPTED.
var validGoalTransitions = map[GoalStatus][]GoalStatus{
	GoalStatusAccepted:  {GoalStatusExecuting, GoalStatusCanceling, GoalStatusSucceeded, GoalStatusAborted, GoalStatusCanceled},
	GoalStatusExecuting: {GoalStatusCanceling, GoalStatusSucceeded, GoalStatusAborted, GoalStatusCanceled},
	GoalStatusCanceling: {GoalStatusSucceeded, GoalStatusAborted, GoalStatusCanceled},
	// Terminal states: succeeded, canceled, aborted (no transitions out)
}

// IsTerminal reports whether the status is a terminal state.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalStatusSucceeded || s == GoalStatusCanceled || s == GoalStatusAborted
}

// CanTransitionTo checks if a transition to the target status is valid.
func (s GoalStatus) CanTransitionTo(target GoalStatus) bool {
	for _, valid := range validGoalTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// actionEndpoint renders one of the protocol's sub-endpoint names.
func actionEndpoint(action, leaf string) string {
	return action + "/_action/" + leaf
}

const (
	actionSendGoal   = "send_goal"
	actionCancelGoal = "cancel_goal"
	actionGetResult  = "get_result"
	actionFeedback   = "feedback"
	actionStatus     = "status"
)

// defaultActionCallTimeout bounds the protocol's internal service calls
// (send_goal, cancel_goal).
const defaultActionCallTimeout = 10 * time.Second

// Wire messages of the action protocol. Goal, result and feedback bodies
// travel as opaque encoded frames so the protocol layer stays independent
// of the user schema.

type sendGoalRequest struct {
	Goal cbor.RawMessage `cbor:"goal"`
}

type sendGoalResponse struct {
	Accepted bool   `cbor:"accepted"`
	GoalID   string `cbor:"goal_id"`
}

type cancelGoalRequest struct {
	GoalID string `cbor:"goal_id"`
}

type cancelGoalResponse struct {
	Accepted bool `cbor:"accepted"`
}

type getResultRequest struct {
	GoalID string `cbor:"goal_id"`
}

type getResultResponse struct {
	Status GoalStatus      `cbor:"status"`
	Result cbor.RawMessage `cbor:"result"`
}

type feedbackSample struct {
	GoalID   string          `cbor:"goal_id"`
	Feedback cbor.RawMessage `cbor:"feedback"`
}

type statusSample struct {
	GoalID string     `cbor:"goal_id"`
	Status GoalStatus `cbor:"status"`
}
