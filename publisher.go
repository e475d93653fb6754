package zrm

import (
	"fmt"
	"sync"

	"zrm.evalgo.org/codec"
	"zrm.evalgo.org/common"
	"zrm.evalgo.org/transport"
)

// Publisher is a typed topic writer. It declares an MP liveliness key
// carrying its schema name at construction and withdraws it on Close.
type Publisher[M any] struct {
	node   *Node
	entity EndpointEntity
	pub    transport.Publisher
	token  transport.Token
	log    *common.ContextLogger

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher for messages of type M on the given
// topic.
func NewPublisher[M any](node *Node, topic string) (*Publisher[M], error) {
	if topic == "" {
		return nil, fmt.Errorf("topic must not be empty")
	}
	if err := node.checkOpen(); err != nil {
		return nil, err
	}

	entity := EndpointEntity{
		Node:     node.Entity(),
		Kind:     EntityPublisher,
		Topic:    topic,
		TypeName: codec.TypeNameFor[M](),
	}

	session := node.Context().Session()
	token, err := session.DeclareToken(entity.LivelinessKey())
	if err != nil {
		return nil, fmt.Errorf("failed to declare publisher liveliness: %w", err)
	}
	pub, err := session.DeclarePublisher(node.Context().DataKey(topic))
	if err != nil {
		token.Undeclare()
		return nil, fmt.Errorf("failed to declare transport publisher: %w", err)
	}

	p := &Publisher[M]{
		node:   node,
		entity: entity,
		pub:    pub,
		token:  token,
		log:    common.EndpointLogger("publisher", node.Name(), topic),
	}
	node.attach(p)
	p.log.Debug("Publisher created")
	return p, nil
}

// Topic returns the publisher's topic.
func (p *Publisher[M]) Topic() string { return p.entity.Topic }

// TypeName returns the schema name of the publisher's messages.
func (p *Publisher[M]) TypeName() string { return p.entity.TypeName }

// Publish serializes the message and hands it to the transport. A transport
// failure is returned to the caller but does not invalidate the publisher.
func (p *Publisher[M]) Publish(msg *M) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publisher on %q is closed", p.entity.Topic)
	}
	p.mu.Unlock()

	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	if err := p.pub.Put(data); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", p.entity.Topic, err)
	}
	return nil
}

// Close withdraws the liveliness token and releases the transport
// publisher. Idempotent.
func (p *Publisher[M]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.token.Undeclare(); err != nil {
		p.log.WithError(err).Warn("Failed to undeclare publisher liveliness")
	}
	if err := p.pub.Close(); err != nil {
		p.log.WithError(err).Warn("Failed to close transport publisher")
	}
	p.node.detach(p)
	p.log.Debug("Publisher closed")
	return nil
}
