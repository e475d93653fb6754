package zrm

import (
	"fmt"
	"sync"

	"zrm.evalgo.org/common"
	"zrm.evalgo.org/config"
	"zrm.evalgo.org/transport"
)

// Context owns one transport session configured with a domain id. Nodes and
// their endpoints share the context's session; closing the context tears
// down every node created on it and then the session itself.
type Context struct {
	session transport.Session
	cfg     *config.Config
	log     *common.ContextLogger

	mu     sync.Mutex
	closed bool
	nodes  map[*Node]struct{}
}

// NewContext opens a transport session from the given configuration. A nil
// configuration selects config.Load (file + ZRM_* environment).
func NewContext(cfg *config.Config) (*Context, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	session, err := transport.Open(transport.Options{
		Type:          transport.Type(cfg.Transport),
		RedisURL:      cfg.RedisURL,
		LivelinessTTL: cfg.LivelinessTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open transport session: %w", err)
	}

	return newContext(session, cfg), nil
}

// NewContextWithSession wraps an already-open transport session. Used by
// tests that run on a private broker and by embedders bringing their own
// transport.
func NewContextWithSession(session transport.Session, cfg *config.Config) *Context {
	if cfg == nil {
		cfg = config.Default()
	}
	return newContext(session, cfg)
}

func newContext(session transport.Session, cfg *config.Config) *Context {
	ctx := &Context{
		session: session,
		cfg:     cfg,
		nodes:   make(map[*Node]struct{}),
		log: common.NewContextLogger(nil, map[string]interface{}{
			"z_id":   session.ZID(),
			"domain": cfg.DomainID,
		}),
	}
	ctx.log.Debug("Context opened")
	return ctx
}

// Session returns the underlying transport session.
func (c *Context) Session() transport.Session { return c.session }

// DomainID returns the discovery domain of this context.
func (c *Context) DomainID() int { return c.cfg.DomainID }

// ZID returns the stable transport identifier of this context's session.
func (c *Context) ZID() string { return c.session.ZID() }

// DataKey maps a topic or service name to its domain-scoped transport key,
// so that traffic from different domains never mixes even on a shared
// transport fabric.
func (c *Context) DataKey(name string) string {
	return fmt.Sprintf("%d/%s", c.cfg.DomainID, name)
}

func (c *Context) registerNode(n *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("context is closed")
	}
	c.nodes[n] = struct{}{}
	return nil
}

func (c *Context) unregisterNode(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, n)
}

// Close tears down all nodes created on this context and closes the
// transport session. It is idempotent and never fails; teardown problems
// are logged, not returned.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nodes := make([]*Node, 0, len(c.nodes))
	for n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.nodes = make(map[*Node]struct{})
	c.mu.Unlock()

	for _, n := range nodes {
		if err := n.Close(); err != nil {
			c.log.WithError(err).Warn("Node teardown failed")
		}
	}
	if err := c.session.Close(); err != nil {
		c.log.WithError(err).Warn("Session teardown failed")
	}
	c.log.Debug("Context closed")
	return nil
}

// Process-global context, used by factories when no explicit context is
// passed.
var (
	globalMu      sync.Mutex
	globalContext *Context
)

// Init initializes the process-global context. It is idempotent: a second
// call while the global context exists is a no-op.
func Init(cfg *config.Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalContext != nil {
		return nil
	}
	ctx, err := NewContext(cfg)
	if err != nil {
		return err
	}
	globalContext = ctx
	return nil
}

// Shutdown tears down the process-global context. Safe to call when no
// global context exists.
func Shutdown() {
	globalMu.Lock()
	ctx := globalContext
	globalContext = nil
	globalMu.Unlock()

	if ctx != nil {
		ctx.Close()
	}
}

// GlobalContext returns the process-global context, or nil when Init has
// not run.
func GlobalContext() *Context {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalContext
}

// defaultContext returns the global context, initializing it on first use.
func defaultContext() (*Context, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalContext == nil {
		ctx, err := NewContext(nil)
		if err != nil {
			return nil, err
		}
		globalContext = ctx
	}
	return globalContext, nil
}
