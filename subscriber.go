package zrm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"zrm.evalgo.org/codec"
	"zrm.evalgo.org/common"
	"zrm.evalgo.org/transport"
)

// Subscriber is a typed topic reader. Each inbound sample is deserialized
// with the declared schema; samples that fail to decode — including samples
// from a sender with a different schema — are discarded without touching
// the latest-sample slot. On success the slot is swapped atomically and the
// optional user callback runs on the transport delivery goroutine.
type Subscriber[M any] struct {
	node     *Node
	entity   EndpointEntity
	sub      transport.Subscriber
	token    transport.Token
	callback func(*M)
	log      *common.ContextLogger

	latest atomic.Pointer[M]

	mu     sync.Mutex
	closed bool
}

// NewSubscriber creates a subscriber for messages of type M on the given
// topic. callback may be nil; Latest is always maintained.
func NewSubscriber[M any](node *Node, topic string, callback func(*M)) (*Subscriber[M], error) {
	if topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}
	if err := node.checkOpen(); err != nil {
		return nil, err
	}

	entity := EndpointEntity{
		Node:     node.Entity(),
		Kind:     EntitySubscriber,
		Topic:    topic,
		TypeName: codec.TypeNameFor[M](),
	}

	s := &Subscriber[M]{
		node:     node,
		entity:   entity,
		callback: callback,
		log:      common.EndpointLogger("subscriber", node.Name(), topic),
	}

	session := node.Context().Session()
	token, err := session.DeclareToken(entity.LivelinessKey())
	if err != nil {
		return nil, fmt.Errorf("failed to declare subscriber liveliness: %w", err)
	}
	s.token = token

	sub, err := session.DeclareSubscriber(node.Context().DataKey(topic), s.onSample)
	if err != nil {
		token.Undeclare()
		return nil, fmt.Errorf("failed to declare transport subscriber: %w", err)
	}
	s.sub = sub

	node.attach(s)
	s.log.Debug("Subscriber created")
	return s, nil
}

// onSample runs on the transport delivery goroutine.
func (s *Subscriber[M]) onSample(_ string, payload []byte) {
	msg := new(M)
	if err := codec.Unmarshal(payload, msg); err != nil {
		s.log.WithError(err).Debug("Discarding undecodable sample")
		return
	}
	s.latest.Store(msg)
	if s.callback != nil {
		s.callback(msg)
	}
}

// Topic returns the subscriber's topic.
func (s *Subscriber[M]) Topic() string { return s.entity.Topic }

// TypeName returns the schema name of the subscriber's messages.
func (s *Subscriber[M]) TypeName() string { return s.entity.TypeName }

// Latest returns the most recently received message, or nil when nothing
// has been received yet. The returned message is a stable snapshot shared
// with other readers; callers must not mutate it.
func (s *Subscriber[M]) Latest() *M {
	return s.latest.Load()
}

// Close withdraws the liveliness token and detaches the receive handler.
// Idempotent.
func (s *Subscriber[M]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.token.Undeclare(); err != nil {
		s.log.WithError(err).Warn("Failed to undeclare subscriber liveliness")
	}
	if err := s.sub.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close transport subscriber")
	}
	s.node.detach(s)
	s.log.Debug("Subscriber closed")
	return nil
}
