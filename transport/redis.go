package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"zrm.evalgo.org/common"
)

// Redis key / channel layout. Data samples and queries travel over pub/sub
// channels; liveliness is a TTL'd key per token, refreshed by a heartbeat,
// plus an event channel for prompt ALIVE/DROPPED fan-out. A peer that dies
// without undeclaring stops heartbeating, its keys expire, and watchers
// synthesize the DROPPED events.
const (
	redisDataPrefix  = "zrm:data:"
	redisQueryPrefix = "zrm:query:"
	redisReplyPrefix = "zrm:reply:"
	redisTokenPrefix = "zrm:lv:"
	redisEventsChan  = "zrm:lvevents"
)

// queryFrame is the on-wire form of one query.
type queryFrame struct {
	ID      string `cbor:"id"`
	ReplyTo string `cbor:"rt"`
	Payload []byte `cbor:"p"`
}

// replyFrame is the on-wire form of one reply.
type replyFrame struct {
	OK      bool   `cbor:"ok"`
	Payload []byte `cbor:"p,omitempty"`
	Err     string `cbor:"e,omitempty"`
}

// livelinessFrame is the on-wire form of one liveliness event.
type livelinessFrame struct {
	Alive bool   `cbor:"a"`
	Key   string `cbor:"k"`
}

// RedisSession implements Session over a Redis server using go-redis.
type RedisSession struct {
	client *redis.Client
	zid    string
	ttl    time.Duration
	log    *common.ContextLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	owned  map[uint64]func()
	nextID uint64
}

// NewRedisSession connects to Redis and returns a ready session. ttl is the
// liveliness freshness window; zero selects a 5 second default.
func NewRedisSession(url string, ttl time.Duration) (*RedisSession, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	zid := uuid.NewString()[:8]
	return &RedisSession{
		client: client,
		zid:    zid,
		ttl:    ttl,
		log:    common.NewContextLogger(nil, map[string]interface{}{"transport": "redis", "z_id": zid}),
		ctx:    ctx,
		cancel: cancel,
		owned:  make(map[uint64]func()),
	}, nil
}

func (s *RedisSession) ZID() string { return s.zid }

func (s *RedisSession) adopt(detach func()) (id uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("session is closed")
	}
	s.nextID++
	s.owned[s.nextID] = detach
	return s.nextID, nil
}

func (s *RedisSession) disown(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, id)
}

func (s *RedisSession) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	return nil
}

// Close withdraws all held tokens, detaches every subscription and closes
// the connection. Idempotent.
func (s *RedisSession) Close() error {
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
	s.cancel()
	return s.client.Close()
}

// channelPattern maps a key expression to a Redis pub/sub pattern.
func channelPattern(prefix, expr string) (pattern string, patterned bool) {
	if head, ok := strings.CutSuffix(expr, "/**"); ok {
		return prefix + head + "/*", true
	}
	return prefix + expr, false
}

// --- data plane ---

type redisPublisher struct {
	session *RedisSession
	key     string
}

func (p *redisPublisher) Put(payload []byte) error {
	return p.session.Put(p.key, payload)
}

func (p *redisPublisher) Close() error { return nil }

func (s *RedisSession) DeclarePublisher(key string) (Publisher, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return &redisPublisher{session: s, key: key}, nil
}

func (s *RedisSession) Put(key string, payload []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Publish(s.ctx, redisDataPrefix+key, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}
	return nil
}

type redisSubscriber struct {
	session *RedisSession
	id      uint64
	pubsub  *redis.PubSub
	once    sync.Once
}

func (sub *redisSubscriber) detach() {
	sub.once.Do(func() {
		sub.pubsub.Close()
	})
}

func (sub *redisSubscriber) Close() error {
	sub.session.disown(sub.id)
	sub.detach()
	return nil
}

func (s *RedisSession) DeclareSubscriber(key string, handler DataHandler) (Subscriber, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	pattern, patterned := channelPattern(redisDataPrefix, key)
	var pubsub *redis.PubSub
	if patterned {
		pubsub = s.client.PSubscribe(s.ctx, pattern)
	} else {
		pubsub = s.client.Subscribe(s.ctx, pattern)
	}

	sub := &redisSubscriber{session: s, pubsub: pubsub}
	id, err := s.adopt(sub.detach)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	sub.id = id

	go func() {
		for msg := range pubsub.Channel() {
			handler(strings.TrimPrefix(msg.Channel, redisDataPrefix), []byte(msg.Payload))
		}
	}()

	return sub, nil
}

// --- query plane ---

type redisQueryable struct {
	session *RedisSession
	id      uint64
	pubsub  *redis.PubSub
	once    sync.Once
}

func (q *redisQueryable) detach() {
	q.once.Do(func() {
		q.pubsub.Close()
	})
}

func (q *redisQueryable) Close() error {
	q.session.disown(q.id)
	q.detach()
	return nil
}

// redisQuery answers one inbound query by publishing to its reply channel.
type redisQuery struct {
	session *RedisSession
	payload []byte
	replyTo string
	replied sync.Once
	err     error
}

func (q *redisQuery) Payload() []byte { return q.payload }

func (q *redisQuery) answer(frame replyFrame) error {
	q.err = fmt.Errorf("query already answered")
	q.replied.Do(func() {
		data, err := cbor.Marshal(frame)
		if err != nil {
			q.err = fmt.Errorf("failed to encode reply: %w", err)
			return
		}
		q.err = q.session.client.Publish(q.session.ctx, q.replyTo, data).Err()
	})
	return q.err
}

func (q *redisQuery) Reply(payload []byte) error {
	return q.answer(replyFrame{OK: true, Payload: payload})
}

func (q *redisQuery) ReplyErr(msg string) error {
	return q.answer(replyFrame{OK: false, Err: msg})
}

func (s *RedisSession) DeclareQueryable(key string, handler QueryHandler) (Queryable, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(s.ctx, redisQueryPrefix+key)
	q := &redisQueryable{session: s, pubsub: pubsub}
	id, err := s.adopt(q.detach)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	q.id = id

	go func() {
		for msg := range pubsub.Channel() {
			var frame queryFrame
			if err := cbor.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				s.log.WithError(err).Warn("Dropping malformed query frame")
				continue
			}
			// Each query gets its own goroutine; handlers may park.
			go handler(&redisQuery{
				session: s,
				payload: frame.Payload,
				replyTo: frame.ReplyTo,
			})
		}
	}()

	return q, nil
}

func (s *RedisSession) Get(key string, payload []byte, timeout time.Duration) (<-chan Reply, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	replyTo := redisReplyPrefix + id
	pubsub := s.client.Subscribe(s.ctx, replyTo)

	// The subscription must be established before the query goes out or
	// a fast server could answer into the void.
	if _, err := pubsub.Receive(s.ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe for replies: %w", err)
	}

	frame, err := cbor.Marshal(queryFrame{ID: id, ReplyTo: replyTo, Payload: payload})
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	if err := s.client.Publish(s.ctx, redisQueryPrefix+key, frame).Err(); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to publish query to %s: %w", key, err)
	}

	replies := make(chan Reply, 8)
	go func() {
		defer close(replies)
		defer pubsub.Close()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var frame replyFrame
				if err := cbor.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					s.log.WithError(err).Warn("Dropping malformed reply frame")
					continue
				}
				select {
				case replies <- Reply{OK: frame.OK, Payload: frame.Payload, Err: frame.Err}:
				default:
					// Reply buffer full; surplus replies are discarded.
				}
			case <-deadline.C:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return replies, nil
}

// --- liveliness plane ---

type redisToken struct {
	session *RedisSession
	id      uint64
	key     string
	stop    chan struct{}
	once    sync.Once
}

func (t *redisToken) withdraw() {
	t.once.Do(func() {
		close(t.stop)
		s := t.session
		if err := s.client.Del(context.Background(), redisTokenPrefix+t.key).Err(); err != nil {
			s.log.WithError(err).WithField("key", t.key).Warn("Failed to delete liveliness key")
		}
		s.publishLiveliness(livelinessFrame{Alive: false, Key: t.key})
	})
}

func (t *redisToken) Undeclare() error {
	t.session.disown(t.id)
	t.withdraw()
	return nil
}

func (s *RedisSession) publishLiveliness(frame livelinessFrame) {
	data, err := cbor.Marshal(frame)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode liveliness frame")
		return
	}
	if err := s.client.Publish(context.Background(), redisEventsChan, data).Err(); err != nil {
		s.log.WithError(err).WithField("key", frame.Key).Warn("Failed to publish liveliness event")
	}
}

func (s *RedisSession) DeclareToken(key string) (Token, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if err := s.client.Set(s.ctx, redisTokenPrefix+key, s.zid, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to declare liveliness key %s: %w", key, err)
	}

	token := &redisToken{session: s, key: key, stop: make(chan struct{})}
	id, err := s.adopt(token.withdraw)
	if err != nil {
		s.client.Del(context.Background(), redisTokenPrefix+key)
		return nil, err
	}
	token.id = id

	s.publishLiveliness(livelinessFrame{Alive: true, Key: key})

	// Heartbeat keeps the key fresh; if the process dies the key expires
	// and watchers synthesize the DROPPED event.
	go func() {
		ticker := time.NewTicker(s.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.client.Set(s.ctx, redisTokenPrefix+key, s.zid, s.ttl).Err(); err != nil {
					s.log.WithError(err).WithField("key", key).Warn("Liveliness heartbeat failed")
				}
			case <-token.stop:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return token, nil
}

type redisLivelinessSub struct {
	session *RedisSession
	id      uint64
	pubsub  *redis.PubSub
	stop    chan struct{}
	once    sync.Once
}

func (lv *redisLivelinessSub) detach() {
	lv.once.Do(func() {
		close(lv.stop)
		lv.pubsub.Close()
	})
}

func (lv *redisLivelinessSub) Close() error {
	lv.session.disown(lv.id)
	lv.detach()
	return nil
}

func (s *RedisSession) DeclareLivelinessSubscriber(prefix string, handler LivelinessHandler) (LivelinessSubscriber, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(s.ctx, redisEventsChan)
	if _, err := pubsub.Receive(s.ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to liveliness events: %w", err)
	}

	lv := &redisLivelinessSub{session: s, pubsub: pubsub, stop: make(chan struct{})}
	id, err := s.adopt(lv.detach)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	lv.id = id

	// Replay keys already alive so late subscribers converge. alive
	// tracks what this watcher has reported so expirations can be
	// turned into DROPPED events.
	alive := make(map[string]bool)
	var aliveMu sync.Mutex

	scanPattern, _ := channelPattern(redisTokenPrefix, prefix)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(s.ctx, cursor, scanPattern, 100).Result()
		if err != nil {
			s.log.WithError(err).Warn("Liveliness replay scan failed")
			break
		}
		for _, raw := range keys {
			key := strings.TrimPrefix(raw, redisTokenPrefix)
			if !KeyMatches(prefix, key) {
				continue
			}
			aliveMu.Lock()
			seen := alive[key]
			alive[key] = true
			aliveMu.Unlock()
			if !seen {
				handler(LivelinessEvent{State: LivelinessAlive, Key: key})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// Live events.
	go func() {
		for msg := range pubsub.Channel() {
			var frame livelinessFrame
			if err := cbor.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				s.log.WithError(err).Warn("Dropping malformed liveliness frame")
				continue
			}
			if !KeyMatches(prefix, frame.Key) {
				continue
			}
			aliveMu.Lock()
			seen := alive[frame.Key]
			if frame.Alive {
				alive[frame.Key] = true
			} else {
				delete(alive, frame.Key)
			}
			aliveMu.Unlock()
			if frame.Alive && seen {
				continue // duplicate ALIVE (replay overlap)
			}
			if !frame.Alive && !seen {
				continue // drop for a key never reported
			}
			state := LivelinessAlive
			if !frame.Alive {
				state = LivelinessDropped
			}
			handler(LivelinessEvent{State: state, Key: frame.Key})
		}
	}()

	// Expiry watcher: a peer that died without undeclaring stops
	// heartbeating; its keys vanish and are reported as DROPPED.
	go func() {
		ticker := time.NewTicker(s.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				aliveMu.Lock()
				known := make([]string, 0, len(alive))
				for key := range alive {
					known = append(known, key)
				}
				aliveMu.Unlock()
				for _, key := range known {
					exists, err := s.client.Exists(s.ctx, redisTokenPrefix+key).Result()
					if err != nil || exists > 0 {
						continue
					}
					aliveMu.Lock()
					stillKnown := alive[key]
					delete(alive, key)
					aliveMu.Unlock()
					if stillKnown {
						handler(LivelinessEvent{State: LivelinessDropped, Key: key})
					}
				}
			case <-lv.stop:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return lv, nil
}
