package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker is the in-process transport fabric. Sessions created from the same
// broker see each other's publications, queryables and liveliness tokens;
// sessions on different brokers are fully isolated.
//
// A process normally uses the shared broker so that independently created
// contexts discover each other, mirroring how networked transports behave on
// one host. Tests create private brokers for isolation.
type Broker struct {
	mu         sync.Mutex
	nextID     uint64
	subs       map[uint64]*memSubscriber
	queryables map[uint64]*memQueryable
	tokens     map[uint64]*memToken
	lvSubs     map[uint64]*memLivelinessSub
}

var (
	sharedBroker     *Broker
	sharedBrokerOnce sync.Once
)

// SharedBroker returns the process-wide broker, creating it on first use.
func SharedBroker() *Broker {
	sharedBrokerOnce.Do(func() {
		sharedBroker = NewBroker()
	})
	return sharedBroker
}

// NewBroker creates an isolated broker.
func NewBroker() *Broker {
	return &Broker{
		subs:       make(map[uint64]*memSubscriber),
		queryables: make(map[uint64]*memQueryable),
		tokens:     make(map[uint64]*memToken),
		lvSubs:     make(map[uint64]*memLivelinessSub),
	}
}

// NewSession creates a session attached to this broker.
func (b *Broker) NewSession() Session {
	return &memSession{
		broker: b,
		zid:    uuid.NewString()[:8],
		owned:  make(map[uint64]func()),
	}
}

func (b *Broker) allocID() uint64 {
	b.nextID++
	return b.nextID
}

// memSession implements Session over a Broker.
type memSession struct {
	broker *Broker
	zid    string

	mu     sync.Mutex
	closed bool
	owned  map[uint64]func() // resource id -> detach func
}

func (s *memSession) ZID() string { return s.zid }

func (s *memSession) adopt(id uint64, detach func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[id] = detach
}

func (s *memSession) disown(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, id)
}

func (s *memSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	return nil
}

// Close detaches every owned resource. Held tokens are withdrawn, which
// fans DROPPED events out to liveliness subscribers.
func (s *memSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	detachers := make([]func(), 0, len(s.owned))
	for _, detach := range s.owned {
		detachers = append(detachers, detach)
	}
	s.owned = make(map[uint64]func())
	s.mu.Unlock()

	for _, detach := range detachers {
		detach()
	}
	return nil
}

// --- data plane ---

type memPublisher struct {
	session *memSession
	key     string
}

func (p *memPublisher) Put(payload []byte) error {
	return p.session.Put(p.key, payload)
}

func (p *memPublisher) Close() error { return nil }

func (s *memSession) DeclarePublisher(key string) (Publisher, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return &memPublisher{session: s, key: key}, nil
}

func (s *memSession) Put(key string, payload []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	b := s.broker
	b.mu.Lock()
	targets := make([]*memSubscriber, 0, 4)
	for _, sub := range b.subs {
		if KeyMatches(sub.keyExpr, key) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	// Delivery happens outside the broker lock so a slow handler cannot
	// stall unrelated traffic.
	for _, sub := range targets {
		sub.deliver(key, payload)
	}
	return nil
}

type memSubscriber struct {
	id      uint64
	broker  *Broker
	session *memSession
	keyExpr string
	handler DataHandler

	queue chan memSample
	stop  chan struct{}
	once  sync.Once
}

type memSample struct {
	key     string
	payload []byte
}

func (sub *memSubscriber) deliver(key string, payload []byte) {
	select {
	case sub.queue <- memSample{key: key, payload: payload}:
	case <-sub.stop:
	}
}

func (sub *memSubscriber) run() {
	for {
		select {
		case sample := <-sub.queue:
			sub.handler(sample.key, sample.payload)
		case <-sub.stop:
			return
		}
	}
}

func (sub *memSubscriber) detach() {
	sub.once.Do(func() {
		sub.broker.mu.Lock()
		delete(sub.broker.subs, sub.id)
		sub.broker.mu.Unlock()
		close(sub.stop)
	})
}

func (sub *memSubscriber) Close() error {
	sub.session.disown(sub.id)
	sub.detach()
	return nil
}

func (s *memSession) DeclareSubscriber(key string, handler DataHandler) (Subscriber, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	b := s.broker
	b.mu.Lock()
	sub := &memSubscriber{
		id:      b.allocID(),
		broker:  b,
		session: s,
		keyExpr: key,
		handler: handler,
		queue:   make(chan memSample, 256),
		stop:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	s.adopt(sub.id, sub.detach)
	return sub, nil
}

// --- query plane ---

type memQueryable struct {
	id      uint64
	broker  *Broker
	session *memSession
	key     string
	handler QueryHandler
	once    sync.Once
}

func (q *memQueryable) detach() {
	q.once.Do(func() {
		q.broker.mu.Lock()
		delete(q.broker.queryables, q.id)
		q.broker.mu.Unlock()
	})
}

func (q *memQueryable) Close() error {
	q.session.disown(q.id)
	q.detach()
	return nil
}

func (s *memSession) DeclareQueryable(key string, handler QueryHandler) (Queryable, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	b := s.broker
	b.mu.Lock()
	q := &memQueryable{
		id:      b.allocID(),
		broker:  b,
		session: s,
		key:     key,
		handler: handler,
	}
	b.queryables[q.id] = q
	b.mu.Unlock()

	s.adopt(q.id, q.detach)
	return q, nil
}

// memGet tracks one in-flight Get: replies funnel into a single channel
// that is closed exactly once, when every addressed queryable has answered
// or the deadline passes.
type memGet struct {
	mu       sync.Mutex
	closed   bool
	expected int
	got      int
	ch       chan Reply
}

func (g *memGet) push(r Reply) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("query already finished")
	}
	g.ch <- r
	g.got++
	if g.got == g.expected {
		g.closed = true
		close(g.ch)
	}
	return nil
}

func (g *memGet) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.ch)
}

type memQuery struct {
	payload []byte
	get     *memGet
	replied sync.Once
	err     error
}

func (q *memQuery) Payload() []byte { return q.payload }

func (q *memQuery) answer(r Reply) error {
	q.err = fmt.Errorf("query already answered")
	q.replied.Do(func() {
		q.err = q.get.push(r)
	})
	return q.err
}

func (q *memQuery) Reply(payload []byte) error {
	return q.answer(Reply{OK: true, Payload: payload})
}

func (q *memQuery) ReplyErr(msg string) error {
	return q.answer(Reply{OK: false, Err: msg})
}

func (s *memSession) Get(key string, payload []byte, timeout time.Duration) (<-chan Reply, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	b := s.broker
	b.mu.Lock()
	targets := make([]*memQueryable, 0, 2)
	for _, q := range b.queryables {
		if q.key == key {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	get := &memGet{expected: len(targets), ch: make(chan Reply, len(targets)+1)}
	if len(targets) == 0 {
		get.finish()
		return get.ch, nil
	}

	// Handlers run on their own goroutines; completion is driven by the
	// replies themselves so a server may answer from a worker thread
	// after its handler has returned.
	for _, target := range targets {
		go func(target *memQueryable) {
			target.handler(&memQuery{payload: payload, get: get})
		}(target)
	}

	go func() {
		time.Sleep(timeout)
		get.finish()
	}()

	return get.ch, nil
}

// --- liveliness plane ---

type memToken struct {
	id      uint64
	broker  *Broker
	session *memSession
	key     string
	once    sync.Once
}

func (t *memToken) withdraw() {
	t.once.Do(func() {
		b := t.broker
		b.mu.Lock()
		delete(b.tokens, t.id)
		targets := b.matchingLivelinessSubs(t.key)
		b.mu.Unlock()
		for _, lv := range targets {
			lv.deliver(LivelinessEvent{State: LivelinessDropped, Key: t.key})
		}
	})
}

func (t *memToken) Undeclare() error {
	t.session.disown(t.id)
	t.withdraw()
	return nil
}

func (s *memSession) DeclareToken(key string) (Token, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	b := s.broker
	b.mu.Lock()
	token := &memToken{
		id:      b.allocID(),
		broker:  b,
		session: s,
		key:     key,
	}
	b.tokens[token.id] = token
	targets := b.matchingLivelinessSubs(key)
	b.mu.Unlock()

	for _, lv := range targets {
		lv.deliver(LivelinessEvent{State: LivelinessAlive, Key: key})
	}
	s.adopt(token.id, token.withdraw)
	return token, nil
}

// matchingLivelinessSubs must be called with the broker lock held.
func (b *Broker) matchingLivelinessSubs(key string) []*memLivelinessSub {
	targets := make([]*memLivelinessSub, 0, 2)
	for _, lv := range b.lvSubs {
		if KeyMatches(lv.prefix, key) {
			targets = append(targets, lv)
		}
	}
	return targets
}

type memLivelinessSub struct {
	id      uint64
	broker  *Broker
	session *memSession
	prefix  string
	handler LivelinessHandler

	queue chan LivelinessEvent
	stop  chan struct{}
	once  sync.Once
}

func (lv *memLivelinessSub) deliver(ev LivelinessEvent) {
	select {
	case lv.queue <- ev:
	case <-lv.stop:
	}
}

func (lv *memLivelinessSub) run() {
	for {
		select {
		case ev := <-lv.queue:
			lv.handler(ev)
		case <-lv.stop:
			return
		}
	}
}

func (lv *memLivelinessSub) detach() {
	lv.once.Do(func() {
		lv.broker.mu.Lock()
		delete(lv.broker.lvSubs, lv.id)
		lv.broker.mu.Unlock()
		close(lv.stop)
	})
}

func (lv *memLivelinessSub) Close() error {
	lv.session.disown(lv.id)
	lv.detach()
	return nil
}

func (s *memSession) DeclareLivelinessSubscriber(prefix string, handler LivelinessHandler) (LivelinessSubscriber, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	b := s.broker
	b.mu.Lock()
	lv := &memLivelinessSub{
		id:      b.allocID(),
		broker:  b,
		session: s,
		prefix:  prefix,
		handler: handler,
		queue:   make(chan LivelinessEvent, 256),
		stop:    make(chan struct{}),
	}
	b.lvSubs[lv.id] = lv
	// Replay keys already alive so late subscribers converge on the
	// current state of the network.
	replay := make([]string, 0, len(b.tokens))
	for _, token := range b.tokens {
		if KeyMatches(prefix, token.key) {
			replay = append(replay, token.key)
		}
	}
	b.mu.Unlock()

	go lv.run()
	for _, key := range replay {
		lv.deliver(LivelinessEvent{State: LivelinessAlive, Key: key})
	}
	s.adopt(lv.id, lv.detach)
	return lv, nil
}
