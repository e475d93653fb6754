package zrm

import (
	"fmt"
	"sync"
	"time"

	"zrm.evalgo.org/codec"
	"zrm.evalgo.org/common"
	"zrm.evalgo.org/transport"
	"zrm.evalgo.org/worker"
)

// ServiceHandler processes one request. A returned error is reported to the
// caller as a Service Error; it never crashes the server.
type ServiceHandler[Req, Resp any] func(req *Req) (*Resp, error)

// ServiceServer answers typed requests at a service name. Inbound queries
// are dispatched through a worker pool so user handlers never run on — and
// can never stall — the transport delivery goroutine. Declares an SS
// liveliness key carrying the request schema name.
type ServiceServer[Req, Resp any] struct {
	node      *Node
	entity    EndpointEntity
	handler   ServiceHandler[Req, Resp]
	queryable transport.Queryable
	token     transport.Token
	pool      *worker.Pool
	log       *common.ContextLogger

	mu     sync.Mutex
	closed bool
}

// NewServiceServer creates a service server for the given service name.
func NewServiceServer[Req, Resp any](node *Node, service string, handler ServiceHandler[Req, Resp]) (*ServiceServer[Req, Resp], error) {
	return newServiceServer(node, service, handler, node.Context().cfg.ServiceWorkers)
}

func newServiceServer[Req, Resp any](node *Node, service string, handler ServiceHandler[Req, Resp], workers int) (*ServiceServer[Req, Resp], error) {
	if service == "" {
		return nil, fmt.Errorf("service name must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("service handler must not be nil")
	}
	if err := node.checkOpen(); err != nil {
		return nil, err
	}

	entity := EndpointEntity{
		Node:     node.Entity(),
		Kind:     EntityService,
		Topic:    service,
		TypeName: codec.TypeNameFor[Req](),
	}

	s := &ServiceServer[Req, Resp]{
		node:    node,
		entity:  entity,
		handler: handler,
		pool:    worker.NewPool("service/"+service, workers, 4*workers),
		log:     common.EndpointLogger("service_server", node.Name(), service),
	}

	session := node.Context().Session()
	token, err := session.DeclareToken(entity.LivelinessKey())
	if err != nil {
		s.pool.Stop()
		return nil, fmt.Errorf("failed to declare service liveliness: %w", err)
	}
	s.token = token

	queryable, err := session.DeclareQueryable(node.Context().DataKey(service), s.onQuery)
	if err != nil {
		token.Undeclare()
		s.pool.Stop()
		return nil, fmt.Errorf("failed to declare queryable: %w", err)
	}
	s.queryable = queryable

	node.attach(s)
	s.log.Debug("Service server created")
	return s, nil
}

// Service returns the service name.
func (s *ServiceServer[Req, Resp]) Service() string { return s.entity.Topic }

// onQuery runs on the transport delivery goroutine and only enqueues.
func (s *ServiceServer[Req, Resp]) onQuery(q transport.Query) {
	if err := s.pool.Submit(func() { s.handle(q) }); err != nil {
		s.log.WithError(err).Warn("Rejecting query")
		q.ReplyErr("server overloaded")
	}
}

// handle answers exactly one query. Handler failures of any form — decode
// errors, returned errors, panics — become error replies, never crashes.
func (s *ServiceServer[Req, Resp]) handle(q transport.Query) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Recovered from handler panic: %v", r)
			q.ReplyErr(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	req := new(Req)
	if err := codec.Unmarshal(q.Payload(), req); err != nil {
		s.log.WithError(err).Debug("Rejecting undecodable request")
		q.ReplyErr(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	resp, err := s.handler(req)
	if err != nil {
		q.ReplyErr(err.Error())
		return
	}
	if resp == nil {
		q.ReplyErr("handler returned no response")
		return
	}

	data, err := codec.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("Failed to serialize response")
		q.ReplyErr(fmt.Sprintf("failed to serialize response: %v", err))
		return
	}
	if err := q.Reply(data); err != nil {
		s.log.WithError(err).Debug("Reply not delivered")
	}
}

// Close withdraws the liveliness token, detaches the queryable and stops
// the worker pool. Idempotent.
func (s *ServiceServer[Req, Resp]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.token.Undeclare(); err != nil {
		s.log.WithError(err).Warn("Failed to undeclare service liveliness")
	}
	if err := s.queryable.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close queryable")
	}
	s.pool.Stop()
	s.node.detach(s)
	s.log.Debug("Service server closed")
	return nil
}

// ServiceClient issues typed requests to a service name. Declares an SC
// liveliness key carrying the request schema name.
//
// Multiple servers may answer the same service name; a call consumes the
// first reply and discards the rest.
type ServiceClient[Req, Resp any] struct {
	node   *Node
	entity EndpointEntity
	token  transport.Token
	log    *common.ContextLogger

	mu     sync.Mutex
	closed bool
}

// NewServiceClient creates a service client for the given service name.
func NewServiceClient[Req, Resp any](node *Node, service string) (*ServiceClient[Req, Resp], error) {
	if service == "" {
		return nil, fmt.Errorf("service name must not be empty")
	}
	if err := node.checkOpen(); err != nil {
		return nil, err
	}

	entity := EndpointEntity{
		Node:     node.Entity(),
		Kind:     EntityClient,
		Topic:    service,
		TypeName: codec.TypeNameFor[Req](),
	}

	token, err := node.Context().Session().DeclareToken(entity.LivelinessKey())
	if err != nil {
		return nil, fmt.Errorf("failed to declare client liveliness: %w", err)
	}

	c := &ServiceClient[Req, Resp]{
		node:   node,
		entity: entity,
		token:  token,
		log:    common.EndpointLogger("service_client", node.Name(), service),
	}
	node.attach(c)
	c.log.Debug("Service client created")
	return c, nil
}

// Service returns the service name.
func (c *ServiceClient[Req, Resp]) Service() string { return c.entity.Topic }

// Call issues the request and blocks for the first reply, up to timeout.
// A server-side error reply is returned as a ServiceError; a missed
// deadline as a TimeoutError.
func (c *ServiceClient[Req, Resp]) Call(req *Req, timeout time.Duration) (*Resp, error) {
	replies, err := c.issue(req, timeout)
	if err != nil {
		return nil, err
	}
	return c.await(replies, timeout)
}

// CallAsync issues the request and returns immediately with a Future for
// the outcome. Cancelling the future abandons the pending reply; the
// server is not notified.
func (c *ServiceClient[Req, Resp]) CallAsync(req *Req, timeout time.Duration) (*Future[Resp], error) {
	replies, err := c.issue(req, timeout)
	if err != nil {
		return nil, err
	}

	future := newFuture[Resp]()
	go func() {
		resp, err := c.await(replies, timeout)
		future.complete(resp, err)
	}()
	return future, nil
}

func (c *ServiceClient[Req, Resp]) issue(req *Req, timeout time.Duration) (<-chan transport.Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client for %q is closed", c.entity.Topic)
	}
	c.mu.Unlock()

	data, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	key := c.node.Context().DataKey(c.entity.Topic)
	replies, err := c.node.Context().Session().Get(key, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to issue query to %q: %w", c.entity.Topic, err)
	}
	return replies, nil
}

func (c *ServiceClient[Req, Resp]) await(replies <-chan transport.Reply, timeout time.Duration) (*Resp, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replies:
		if !ok {
			return nil, common.NewTimeoutErrorf("service %q did not respond within %s", c.entity.Topic, timeout)
		}
		if !reply.OK {
			return nil, common.NewServiceErrorf("Service error: %s", reply.Err)
		}
		resp := new(Resp)
		if err := codec.Unmarshal(reply.Payload, resp); err != nil {
			return nil, common.NewServiceErrorf("Service error: undecodable response: %v", err)
		}
		return resp, nil
	case <-timer.C:
		return nil, common.NewTimeoutErrorf("service %q did not respond within %s", c.entity.Topic, timeout)
	}
}

// Close withdraws the liveliness token. Idempotent.
func (c *ServiceClient[Req, Resp]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.token.Undeclare(); err != nil {
		c.log.WithError(err).Warn("Failed to undeclare client liveliness")
	}
	c.node.detach(c)
	c.log.Debug("Service client closed")
	return nil
}
