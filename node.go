package zrm

import (
	"fmt"
	"io"
	"sync"

	"zrm.evalgo.org/common"
	"zrm.evalgo.org/transport"
)

// Node is a named identity that owns endpoints. It publishes its own
// liveliness token at construction and withdraws it on Close; endpoints
// created on a closed node are refused.
type Node struct {
	ctx    *Context
	entity NodeEntity
	token  transport.Token
	log    *common.ContextLogger

	mu        sync.Mutex
	closed    bool
	endpoints map[io.Closer]struct{}
	graph     *Graph
}

// NewNode creates a node on the given context. A nil context selects the
// process-global context, initializing it on first use.
func NewNode(name string, ctx *Context) (*Node, error) {
	if name == "" {
		return nil, fmt.Errorf("node name must not be empty")
	}
	if ctx == nil {
		var err error
		ctx, err = defaultContext()
		if err != nil {
			return nil, err
		}
	}

	entity := NodeEntity{
		DomainID: ctx.DomainID(),
		ZID:      ctx.ZID(),
		Name:     name,
	}

	token, err := ctx.Session().DeclareToken(entity.LivelinessKey())
	if err != nil {
		return nil, fmt.Errorf("failed to declare node liveliness: %w", err)
	}

	node := &Node{
		ctx:       ctx,
		entity:    entity,
		token:     token,
		endpoints: make(map[io.Closer]struct{}),
		log: common.NewContextLogger(nil, map[string]interface{}{
			"node":   name,
			"domain": entity.DomainID,
		}),
	}

	if err := ctx.registerNode(node); err != nil {
		token.Undeclare()
		return nil, err
	}

	node.log.Debug("Node created")
	return node, nil
}

// Name returns the node's name.
func (n *Node) Name() string { return n.entity.Name }

// Entity returns the node's discovery identity.
func (n *Node) Entity() NodeEntity { return n.entity }

// Context returns the context the node was created on.
func (n *Node) Context() *Context { return n.ctx }

// Graph returns the discovery graph bound to the node's session and domain,
// creating it on first use.
func (n *Node) Graph() (*Graph, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("node %q is closed", n.entity.Name)
	}
	if n.graph == nil {
		graph, err := NewGraph(n.ctx.Session(), n.ctx.DomainID())
		if err != nil {
			return nil, err
		}
		n.graph = graph
	}
	return n.graph, nil
}

// checkOpen fails when the node has been closed.
func (n *Node) checkOpen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return fmt.Errorf("node %q is closed", n.entity.Name)
	}
	return nil
}

// attach registers an endpoint for teardown with the node.
func (n *Node) attach(endpoint io.Closer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.endpoints[endpoint] = struct{}{}
	}
}

// detach removes an endpoint that closed itself.
func (n *Node) detach(endpoint io.Closer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, endpoint)
}

// Close tears down the node: every endpoint it owns is closed, its graph is
// released and its liveliness token withdrawn. Idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	endpoints := make([]io.Closer, 0, len(n.endpoints))
	for endpoint := range n.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	n.endpoints = make(map[io.Closer]struct{})
	graph := n.graph
	n.graph = nil
	n.mu.Unlock()

	for _, endpoint := range endpoints {
		if err := endpoint.Close(); err != nil {
			n.log.WithError(err).Warn("Endpoint teardown failed")
		}
	}
	if graph != nil {
		if err := graph.Close(); err != nil {
			n.log.WithError(err).Warn("Graph teardown failed")
		}
	}
	if err := n.token.Undeclare(); err != nil {
		n.log.WithError(err).Warn("Failed to undeclare node liveliness")
	}
	n.ctx.unregisterNode(n)
	n.log.Debug("Node closed")
	return nil
}
