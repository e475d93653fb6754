package zrm

import (
	"fmt"
	"sync"
	"time"

	"zrm.evalgo.org/codec"
	"zrm.evalgo.org/common"
)

// FeedbackCallback receives decoded feedback samples for one goal. It runs
// on the transport delivery goroutine.
type FeedbackCallback[Feedback any] func(feedback *Feedback)

// ClientGoalHandle is the client-side view of one goal. Its status tracks
// the most recent status sample observed; terminal statuses are sticky and
// are never replaced by stale non-terminal samples.
type ClientGoalHandle[Result any] struct {
	goalID   string
	cancelFn func() (bool, error)
	resultFn func(timeout time.Duration) (GoalStatus, *Result, error)
	detachFn func()

	mu     sync.Mutex
	status GoalStatus
}

// GoalID returns the goal's unique identifier.
func (h *ClientGoalHandle[Result]) GoalID() string { return h.goalID }

// Status returns the most recently observed goal status.
func (h *ClientGoalHandle[Result]) Status() GoalStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// observeStatus folds one status sample into the handle. Terminal statuses
// are sticky.
func (h *ClientGoalHandle[Result]) observeStatus(status GoalStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return
	}
	h.status = status
}

// Cancel asks the server to cancel the goal via the cancel-goal service and
// reports whether the request was accepted. Cancellation is cooperative:
// the server's execute callback reaches CANCELED on its own schedule.
func (h *ClientGoalHandle[Result]) Cancel() (bool, error) {
	return h.cancelFn()
}

// GetResult blocks until the goal reaches a terminal state and its result
// is retrieved, up to timeout. The server parks the underlying get-result
// query until the goal finishes, so a missed deadline surfaces as a
// TimeoutError; the goal itself keeps running.
func (h *ClientGoalHandle[Result]) GetResult(timeout time.Duration) (*Result, error) {
	status, result, err := h.resultFn(timeout)
	if err != nil {
		return nil, err
	}
	h.observeStatus(status)
	h.detachFn()
	return result, nil
}

// ActionClient is the client side of one action. It subscribes to the
// action's feedback and status topics once, at construction, and routes
// samples to the goal handles it has issued.
type ActionClient[Goal, Result, Feedback any] struct {
	node   *Node
	action string
	log    *common.ContextLogger

	sendGoalCli *ServiceClient[sendGoalRequest, sendGoalResponse]
	cancelCli   *ServiceClient[cancelGoalRequest, cancelGoalResponse]
	resultCli   *ServiceClient[getResultRequest, getResultResponse]
	feedbackSub *Subscriber[feedbackSample]
	statusSub   *Subscriber[statusSample]

	mu        sync.Mutex
	closed    bool
	handles   map[string]*ClientGoalHandle[Result]
	callbacks map[string]FeedbackCallback[Feedback]
}

// NewActionClient creates an action client for the given action name.
func NewActionClient[Goal, Result, Feedback any](node *Node, action string) (*ActionClient[Goal, Result, Feedback], error) {
	if action == "" {
		return nil, fmt.Errorf("action name must not be empty")
	}
	if err := node.checkOpen(); err != nil {
		return nil, err
	}

	c := &ActionClient[Goal, Result, Feedback]{
		node:      node,
		action:    action,
		handles:   make(map[string]*ClientGoalHandle[Result]),
		callbacks: make(map[string]FeedbackCallback[Feedback]),
		log:       common.EndpointLogger("action_client", node.Name(), action),
	}

	var err error
	cleanup := func() { c.Close() }

	c.sendGoalCli, err = NewServiceClient[sendGoalRequest, sendGoalResponse](node, actionEndpoint(action, actionSendGoal))
	if err != nil {
		return nil, fmt.Errorf("failed to create send-goal client: %w", err)
	}
	c.cancelCli, err = NewServiceClient[cancelGoalRequest, cancelGoalResponse](node, actionEndpoint(action, actionCancelGoal))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create cancel-goal client: %w", err)
	}
	c.resultCli, err = NewServiceClient[getResultRequest, getResultResponse](node, actionEndpoint(action, actionGetResult))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create get-result client: %w", err)
	}
	c.feedbackSub, err = NewSubscriber(node, actionEndpoint(action, actionFeedback), c.onFeedback)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to subscribe to feedback: %w", err)
	}
	c.statusSub, err = NewSubscriber(node, actionEndpoint(action, actionStatus), c.onStatus)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to subscribe to status: %w", err)
	}

	node.attach(c)
	c.log.Debug("Action client created")
	return c, nil
}

// Action returns the action name.
func (c *ActionClient[Goal, Result, Feedback]) Action() string { return c.action }

// onFeedback routes one feedback sample to its goal's callback.
func (c *ActionClient[Goal, Result, Feedback]) onFeedback(sample *feedbackSample) {
	c.mu.Lock()
	callback := c.callbacks[sample.GoalID]
	c.mu.Unlock()
	if callback == nil {
		return
	}

	feedback := new(Feedback)
	if err := codec.Unmarshal(sample.Feedback, feedback); err != nil {
		c.log.WithError(err).Debug("Discarding undecodable feedback")
		return
	}
	callback(feedback)
}

// onStatus routes one status sample to its goal handle.
func (c *ActionClient[Goal, Result, Feedback]) onStatus(sample *statusSample) {
	c.mu.Lock()
	handle := c.handles[sample.GoalID]
	c.mu.Unlock()
	if handle != nil {
		handle.observeStatus(sample.Status)
	}
}

// SendGoal submits a goal to the action server and returns a handle for it.
// A rejected goal is an ActionError. feedbackCallback may be nil; when set
// it receives every feedback sample for this goal on the transport delivery
// goroutine.
func (c *ActionClient[Goal, Result, Feedback]) SendGoal(goal *Goal, feedbackCallback FeedbackCallback[Feedback]) (*ClientGoalHandle[Result], error) {
	frame, err := codec.Marshal(goal)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize goal: %w", err)
	}

	resp, err := c.sendGoalCli.Call(&sendGoalRequest{Goal: frame}, defaultActionCallTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Accepted {
		return nil, common.NewActionErrorf("goal rejected by action %q", c.action)
	}

	goalID := resp.GoalID
	handle := &ClientGoalHandle[Result]{
		goalID: goalID,
		status: GoalStatusAccepted,
		cancelFn: func() (bool, error) {
			reply, err := c.cancelCli.Call(&cancelGoalRequest{GoalID: goalID}, defaultActionCallTimeout)
			if err != nil {
				return false, err
			}
			return reply.Accepted, nil
		},
		resultFn: func(timeout time.Duration) (GoalStatus, *Result, error) {
			reply, err := c.resultCli.Call(&getResultRequest{GoalID: goalID}, timeout)
			if err != nil {
				return GoalStatusUnknown, nil, err
			}
			result := new(Result)
			if err := codec.Unmarshal(reply.Result, result); err != nil {
				return GoalStatusUnknown, nil, fmt.Errorf("failed to decode result: %w", err)
			}
			return reply.Status, result, nil
		},
		detachFn: func() { c.forget(goalID) },
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("action client is closed")
	}
	c.handles[goalID] = handle
	if feedbackCallback != nil {
		c.callbacks[goalID] = feedbackCallback
	}
	c.mu.Unlock()

	c.log.WithField("goal_id", goalID).Debug("Goal accepted")
	return handle, nil
}

// forget drops the routing entries of a finished goal.
func (c *ActionClient[Goal, Result, Feedback]) forget(goalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, goalID)
	delete(c.callbacks, goalID)
}

// Close tears down the five sub-endpoints. Idempotent.
func (c *ActionClient[Goal, Result, Feedback]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Constructed in order; Close also runs as cleanup for a partially
	// built client, so each piece may be nil.
	if c.statusSub != nil {
		c.statusSub.Close()
	}
	if c.feedbackSub != nil {
		c.feedbackSub.Close()
	}
	if c.resultCli != nil {
		c.resultCli.Close()
	}
	if c.cancelCli != nil {
		c.cancelCli.Close()
	}
	if c.sendGoalCli != nil {
		c.sendGoalCli.Close()
	}
	c.node.detach(c)
	c.log.Debug("Action client closed")
	return nil
}
