package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyMatches(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		key   string
		match bool
	}{
		{name: "Exact", expr: "0/topic", key: "0/topic", match: true},
		{name: "ExactMiss", expr: "0/topic", key: "0/other", match: false},
		{name: "Prefix", expr: "@zrm_lv/0/**", key: "@zrm_lv/0/abc/NN/node", match: true},
		{name: "PrefixMissDomain", expr: "@zrm_lv/0/**", key: "@zrm_lv/1/abc/NN/node", match: false},
		{name: "PrefixNotSelf", expr: "@zrm_lv/0/**", key: "@zrm_lv/0", match: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, KeyMatches(tt.expr, tt.key))
		})
	}
}

func TestMemoryPubSub(t *testing.T) {
	broker := NewBroker()
	pub := broker.NewSession()
	sub := broker.NewSession()
	defer pub.Close()
	defer sub.Close()

	var mu sync.Mutex
	var received [][]byte
	_, err := sub.DeclareSubscriber("0/test/topic", func(key string, payload []byte) {
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, pub.Put("0/test/topic", []byte("hello")))
	require.NoError(t, pub.Put("0/other/topic", []byte("ignored")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello"), received[0])
	mu.Unlock()
}

func TestMemoryDeclaredPublisher(t *testing.T) {
	broker := NewBroker()
	session := broker.NewSession()
	defer session.Close()

	done := make(chan []byte, 1)
	_, err := session.DeclareSubscriber("0/topic", func(_ string, payload []byte) {
		done <- payload
	})
	require.NoError(t, err)

	pub, err := session.DeclarePublisher("0/topic")
	require.NoError(t, err)
	require.NoError(t, pub.Put([]byte("data")))

	select {
	case payload := <-done:
		assert.Equal(t, []byte("data"), payload)
	case <-time.After(time.Second):
		t.Fatal("sample not delivered")
	}
}

func TestMemoryQueryReply(t *testing.T) {
	broker := NewBroker()
	server := broker.NewSession()
	client := broker.NewSession()
	defer server.Close()
	defer client.Close()

	_, err := server.DeclareQueryable("0/add", func(q Query) {
		assert.Equal(t, []byte("ping"), q.Payload())
		assert.NoError(t, q.Reply([]byte("pong")))
	})
	require.NoError(t, err)

	replies, err := client.Get("0/add", []byte("ping"), time.Second)
	require.NoError(t, err)

	reply, ok := <-replies
	require.True(t, ok)
	assert.True(t, reply.OK)
	assert.Equal(t, []byte("pong"), reply.Payload)

	// The channel closes after the only queryable answered.
	_, ok = <-replies
	assert.False(t, ok)
}

func TestMemoryQueryErrReply(t *testing.T) {
	broker := NewBroker()
	session := broker.NewSession()
	defer session.Close()

	_, err := session.DeclareQueryable("0/fail", func(q Query) {
		assert.NoError(t, q.ReplyErr("boom"))
	})
	require.NoError(t, err)

	replies, err := session.Get("0/fail", nil, time.Second)
	require.NoError(t, err)

	reply, ok := <-replies
	require.True(t, ok)
	assert.False(t, reply.OK)
	assert.Equal(t, "boom", reply.Err)
}

func TestMemoryQueryDoubleReplyRejected(t *testing.T) {
	broker := NewBroker()
	session := broker.NewSession()
	defer session.Close()

	second := make(chan error, 1)
	_, err := session.DeclareQueryable("0/svc", func(q Query) {
		assert.NoError(t, q.Reply([]byte("first")))
		second <- q.Reply([]byte("second"))
	})
	require.NoError(t, err)

	replies, err := session.Get("0/svc", nil, time.Second)
	require.NoError(t, err)
	<-replies

	select {
	case err := <-second:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("queryable never attempted second reply")
	}
}

func TestMemoryQueryNoQueryables(t *testing.T) {
	broker := NewBroker()
	session := broker.NewSession()
	defer session.Close()

	replies, err := session.Get("0/nobody", nil, 100*time.Millisecond)
	require.NoError(t, err)

	_, ok := <-replies
	assert.False(t, ok)
}

func TestMemoryQueryAsyncAnswer(t *testing.T) {
	// A queryable may answer after its handler returned, e.g. from a
	// worker pool; the reply must still arrive.
	broker := NewBroker()
	session := broker.NewSession()
	defer session.Close()

	_, err := session.DeclareQueryable("0/slow", func(q Query) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			q.Reply([]byte("late"))
		}()
	})
	require.NoError(t, err)

	replies, err := session.Get("0/slow", nil, time.Second)
	require.NoError(t, err)

	reply, ok := <-replies
	require.True(t, ok)
	assert.Equal(t, []byte("late"), reply.Payload)
}

func collectLiveliness(t *testing.T) (LivelinessHandler, func() []LivelinessEvent) {
	t.Helper()
	var mu sync.Mutex
	var events []LivelinessEvent
	handler := func(ev LivelinessEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	snapshot := func() []LivelinessEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]LivelinessEvent(nil), events...)
	}
	return handler, snapshot
}

func TestMemoryLivelinessAliveAndDropped(t *testing.T) {
	broker := NewBroker()
	holder := broker.NewSession()
	watcher := broker.NewSession()
	defer holder.Close()
	defer watcher.Close()

	handler, snapshot := collectLiveliness(t)
	_, err := watcher.DeclareLivelinessSubscriber("@zrm_lv/0/**", handler)
	require.NoError(t, err)

	token, err := holder.DeclareToken("@zrm_lv/0/abc/NN/node1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events := snapshot()
		return len(events) == 1 && events[0].State == LivelinessAlive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, token.Undeclare())

	require.Eventually(t, func() bool {
		events := snapshot()
		return len(events) == 2 && events[1].State == LivelinessDropped
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryLivelinessReplay(t *testing.T) {
	broker := NewBroker()
	holder := broker.NewSession()
	watcher := broker.NewSession()
	defer holder.Close()
	defer watcher.Close()

	_, err := holder.DeclareToken("@zrm_lv/0/abc/NN/early")
	require.NoError(t, err)

	// A subscriber declared after the token must still observe it.
	handler, snapshot := collectLiveliness(t)
	_, err = watcher.DeclareLivelinessSubscriber("@zrm_lv/0/**", handler)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events := snapshot()
		return len(events) == 1 && events[0].Key == "@zrm_lv/0/abc/NN/early"
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryLivelinessDomainScoping(t *testing.T) {
	broker := NewBroker()
	holder := broker.NewSession()
	watcher := broker.NewSession()
	defer holder.Close()
	defer watcher.Close()

	handler, snapshot := collectLiveliness(t)
	_, err := watcher.DeclareLivelinessSubscriber("@zrm_lv/1/**", handler)
	require.NoError(t, err)

	_, err = holder.DeclareToken("@zrm_lv/0/abc/NN/other_domain")
	require.NoError(t, err)
	_, err = holder.DeclareToken("@zrm_lv/1/abc/NN/this_domain")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "@zrm_lv/1/abc/NN/this_domain", snapshot()[0].Key)
}

func TestMemorySessionCloseWithdrawsTokens(t *testing.T) {
	broker := NewBroker()
	holder := broker.NewSession()
	watcher := broker.NewSession()
	defer watcher.Close()

	handler, snapshot := collectLiveliness(t)
	_, err := watcher.DeclareLivelinessSubscriber("@zrm_lv/0/**", handler)
	require.NoError(t, err)

	_, err = holder.DeclareToken("@zrm_lv/0/abc/NN/doomed")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	// Closing the session stands in for the peer dying.
	require.NoError(t, holder.Close())

	require.Eventually(t, func() bool {
		events := snapshot()
		return len(events) == 2 && events[1].State == LivelinessDropped
	}, time.Second, 5*time.Millisecond)
}

func TestMemorySessionCloseIdempotent(t *testing.T) {
	broker := NewBroker()
	session := broker.NewSession()

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	assert.Error(t, session.Put("0/topic", nil))
	_, err := session.DeclareToken("@zrm_lv/0/abc/NN/late")
	assert.Error(t, err)
}

func TestMemorySessionZIDsDistinct(t *testing.T) {
	broker := NewBroker()
	a := broker.NewSession()
	b := broker.NewSession()
	defer a.Close()
	defer b.Close()

	assert.NotEmpty(t, a.ZID())
	assert.NotEqual(t, a.ZID(), b.ZID())
}
