package zrm

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"zrm.evalgo.org/codec"
	"zrm.evalgo.org/common"
)

// ExecuteCallback runs one accepted goal. It receives the server-side goal
// handle and is expected to drive the goal to a terminal state; a callback
// that returns without doing so has its goal aborted with a
// default-constructed result.
type ExecuteCallback[Goal, Result, Feedback any] func(handle *ServerGoalHandle[Goal, Result, Feedback])

// ServerGoalHandle is the server-side view of one goal. All methods are
// safe for concurrent use; state transitions follow the goal state machine
// and an illegal transition fails without mutating state.
type ServerGoalHandle[Goal, Result, Feedback any] struct {
	server *ActionServer[Goal, Result, Feedback]
	goalID string
	goal   *Goal

	mu              sync.Mutex
	status          GoalStatus
	cancelRequested bool
	result          *Result
	done            chan struct{}
}

// Goal returns the decoded goal request.
func (h *ServerGoalHandle[Goal, Result, Feedback]) Goal() *Goal { return h.goal }

// GoalID returns the goal's unique identifier.
func (h *ServerGoalHandle[Goal, Result, Feedback]) GoalID() string { return h.goalID }

// Status returns the goal's current status.
func (h *ServerGoalHandle[Goal, Result, Feedback]) Status() GoalStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// CancelRequested reports whether a cancel-goal request has arrived for
// this goal. Execute callbacks are expected to poll it and finish via
// Cancel when it turns true.
func (h *ServerGoalHandle[Goal, Result, Feedback]) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// Execute transitions the goal from ACCEPTED to EXECUTING.
func (h *ServerGoalHandle[Goal, Result, Feedback]) Execute() error {
	return h.transitionTo(GoalStatusExecuting, nil)
}

// Succeed finishes the goal as SUCCEEDED with the given result.
func (h *ServerGoalHandle[Goal, Result, Feedback]) Succeed(result *Result) error {
	return h.transitionTo(GoalStatusSucceeded, result)
}

// Abort finishes the goal as ABORTED with the given result.
func (h *ServerGoalHandle[Goal, Result, Feedback]) Abort(result *Result) error {
	return h.transitionTo(GoalStatusAborted, result)
}

// Cancel finishes the goal as CANCELED with the given result.
func (h *ServerGoalHandle[Goal, Result, Feedback]) Cancel(result *Result) error {
	return h.transitionTo(GoalStatusCanceled, result)
}

// transitionTo applies one state machine edge. Terminal transitions store
// the result, release parked get-result queries and emit a status sample.
func (h *ServerGoalHandle[Goal, Result, Feedback]) transitionTo(target GoalStatus, result *Result) error {
	h.mu.Lock()
	if !h.status.CanTransitionTo(target) {
		from := h.status
		h.mu.Unlock()
		return common.NewActionErrorf("invalid goal transition from %s to %s", string(from), string(target))
	}
	h.status = target
	if target.IsTerminal() {
		if result == nil {
			result = new(Result)
		}
		h.result = result
		close(h.done)
	}
	h.mu.Unlock()

	h.server.publishStatus(h.goalID, target)
	return nil
}

// requestCancel marks the goal for cancellation. It reports whether the
// request was accepted (the goal was still live).
func (h *ServerGoalHandle[Goal, Result, Feedback]) requestCancel() bool {
	h.mu.Lock()
	if h.status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	h.cancelRequested = true
	transitioned := h.status.CanTransitionTo(GoalStatusCanceling)
	if transitioned {
		h.status = GoalStatusCanceling
	}
	h.mu.Unlock()

	if transitioned {
		h.server.publishStatus(h.goalID, GoalStatusCanceling)
	}
	return true
}

// PublishFeedback emits one feedback sample for this goal. Feedback is only
// valid while the goal is ACCEPTED or EXECUTING.
func (h *ServerGoalHandle[Goal, Result, Feedback]) PublishFeedback(feedback *Feedback) error {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	if status != GoalStatusAccepted && status != GoalStatusExecuting {
		return common.NewActionErrorf("cannot publish feedback in state %s", string(status))
	}

	frame, err := codec.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("failed to serialize feedback: %w", err)
	}
	return h.server.feedbackPub.Publish(&feedbackSample{GoalID: h.goalID, Feedback: frame})
}

// awaitTerminal parks until the goal reaches a terminal state or the
// server shuts down, then returns the current status and stored result.
func (h *ServerGoalHandle[Goal, Result, Feedback]) awaitTerminal() (GoalStatus, *Result) {
	select {
	case <-h.done:
	case <-h.server.shutdown:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.result
}

// ActionServer hosts the server side of one action: it accepts goals, runs
// the execute callback for each on its own worker goroutine, streams
// feedback and status, and answers result queries.
type ActionServer[Goal, Result, Feedback any] struct {
	node    *Node
	action  string
	execute ExecuteCallback[Goal, Result, Feedback]
	log     *common.ContextLogger

	sendGoalSrv *ServiceServer[sendGoalRequest, sendGoalResponse]
	cancelSrv   *ServiceServer[cancelGoalRequest, cancelGoalResponse]
	resultSrv   *ServiceServer[getResultRequest, getResultResponse]
	feedbackPub *Publisher[feedbackSample]
	statusPub   *Publisher[statusSample]

	mu       sync.Mutex
	closed   bool
	shutdown chan struct{}
	goals    map[string]*ServerGoalHandle[Goal, Result, Feedback]
}

// NewActionServer creates an action server for the given action name.
func NewActionServer[Goal, Result, Feedback any](node *Node, action string, execute ExecuteCallback[Goal, Result, Feedback]) (*ActionServer[Goal, Result, Feedback], error) {
	if action == "" {
		return nil, fmt.Errorf("action name must not be empty")
	}
	if execute == nil {
		return nil, fmt.Errorf("execute callback must not be nil")
	}
	if err := node.checkOpen(); err != nil {
		return nil, err
	}

	s := &ActionServer[Goal, Result, Feedback]{
		node:     node,
		action:   action,
		execute:  execute,
		shutdown: make(chan struct{}),
		goals:    make(map[string]*ServerGoalHandle[Goal, Result, Feedback]),
		log:      common.EndpointLogger("action_server", node.Name(), action),
	}

	var err error
	cleanup := func() { s.Close() }

	s.feedbackPub, err = NewPublisher[feedbackSample](node, actionEndpoint(action, actionFeedback))
	if err != nil {
		return nil, fmt.Errorf("failed to create feedback publisher: %w", err)
	}
	s.statusPub, err = NewPublisher[statusSample](node, actionEndpoint(action, actionStatus))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create status publisher: %w", err)
	}
	s.sendGoalSrv, err = NewServiceServer(node, actionEndpoint(action, actionSendGoal), s.handleSendGoal)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create send-goal service: %w", err)
	}
	s.cancelSrv, err = NewServiceServer(node, actionEndpoint(action, actionCancelGoal), s.handleCancelGoal)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create cancel-goal service: %w", err)
	}
	// The get-result handler parks until its goal is terminal, so it gets
	// a wider pool than an ordinary service.
	s.resultSrv, err = newServiceServer(node, actionEndpoint(action, actionGetResult), s.handleGetResult, node.Context().cfg.ResultWorkers)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create get-result service: %w", err)
	}

	node.attach(s)
	s.log.Debug("Action server created")
	return s, nil
}

// Action returns the action name.
func (s *ActionServer[Goal, Result, Feedback]) Action() string { return s.action }

func (s *ActionServer[Goal, Result, Feedback]) publishStatus(goalID string, status GoalStatus) {
	if err := s.statusPub.Publish(&statusSample{GoalID: goalID, Status: status}); err != nil {
		s.log.WithError(err).WithField("goal_id", goalID).Warn("Failed to publish goal status")
	}
}

func (s *ActionServer[Goal, Result, Feedback]) handleSendGoal(req *sendGoalRequest) (*sendGoalResponse, error) {
	goal := new(Goal)
	if err := codec.Unmarshal(req.Goal, goal); err != nil {
		return nil, fmt.Errorf("invalid goal: %w", err)
	}

	handle := &ServerGoalHandle[Goal, Result, Feedback]{
		server: s,
		goalID: uuid.NewString(),
		goal:   goal,
		status: GoalStatusAccepted,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("action server is closed")
	}
	s.goals[handle.goalID] = handle
	s.mu.Unlock()

	s.publishStatus(handle.goalID, GoalStatusAccepted)
	s.log.WithField("goal_id", handle.goalID).Debug("Goal accepted")

	// Each goal gets a dedicated worker goroutine; a goal may run for its
	// whole lifetime, so a fixed pool could deadlock goals behind each
	// other.
	go s.runGoal(handle)

	return &sendGoalResponse{Accepted: true, GoalID: handle.goalID}, nil
}

func (s *ActionServer[Goal, Result, Feedback]) runGoal(handle *ServerGoalHandle[Goal, Result, Feedback]) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("goal_id", handle.goalID).Errorf("Recovered from execute callback panic: %v", r)
		}
		// Safety net: a callback that returns without reaching a
		// terminal state has its goal aborted.
		if !handle.Status().IsTerminal() {
			if err := handle.Abort(new(Result)); err != nil {
				s.log.WithError(err).WithField("goal_id", handle.goalID).Warn("Failed to auto-abort goal")
			}
		}
	}()
	s.execute(handle)
}

func (s *ActionServer[Goal, Result, Feedback]) handleCancelGoal(req *cancelGoalRequest) (*cancelGoalResponse, error) {
	s.mu.Lock()
	handle, ok := s.goals[req.GoalID]
	s.mu.Unlock()
	if !ok {
		return &cancelGoalResponse{Accepted: false}, nil
	}
	return &cancelGoalResponse{Accepted: handle.requestCancel()}, nil
}

func (s *ActionServer[Goal, Result, Feedback]) handleGetResult(req *getResultRequest) (*getResultResponse, error) {
	s.mu.Lock()
	handle, ok := s.goals[req.GoalID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown goal %s", req.GoalID)
	}

	status, result := handle.awaitTerminal()
	if !status.IsTerminal() {
		return nil, fmt.Errorf("action server shut down before goal %s finished", req.GoalID)
	}
	frame, err := codec.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	return &getResultResponse{Status: status, Result: frame}, nil
}

// Close tears down the five sub-endpoints. Goals still executing keep their
// handles but further feedback and status publications fail. Idempotent.
func (s *ActionServer[Goal, Result, Feedback]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown) // releases parked get-result handlers
	s.mu.Unlock()

	// Constructed in order; Close also runs as cleanup for a partially
	// built server, so each piece may be nil.
	if s.resultSrv != nil {
		s.resultSrv.Close()
	}
	if s.cancelSrv != nil {
		s.cancelSrv.Close()
	}
	if s.sendGoalSrv != nil {
		s.sendGoalSrv.Close()
	}
	if s.statusPub != nil {
		s.statusPub.Close()
	}
	if s.feedbackPub != nil {
		s.feedbackPub.Close()
	}
	s.node.detach(s)
	s.log.Debug("Action server closed")
	return nil
}
