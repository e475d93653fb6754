package zrm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zrm.evalgo.org/transport"
)

func TestSubscriberCreation(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "test/topic", sub.Topic())
	assert.Equal(t, "zrm.testPose", sub.TypeName())
}

func TestSubscriberLatestNoMessages(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	assert.Nil(t, sub.Latest())
}

func TestSubscriberReceivesMessage(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := NewPublisher[testPose](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(&testPose{X: 1, Y: 2, Z: 3}))

	require.Eventually(t, func() bool {
		return sub.Latest() != nil
	}, discoveryWindow, 5*time.Millisecond)

	latest := sub.Latest()
	assert.Equal(t, 1.0, latest.X)
	assert.Equal(t, 2.0, latest.Y)
	assert.Equal(t, 3.0, latest.Z)
}

func TestSubscriberWithCallback(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var received []*testPose
	sub, err := NewSubscriber(node, "test/topic", func(msg *testPose) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	pub, err := NewPublisher[testPose](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(&testPose{X: 1}))
	require.NoError(t, pub.Publish(&testPose{X: 2}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, discoveryWindow, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1.0, received[0].X)
	assert.Equal(t, 2.0, received[1].X)
	mu.Unlock()
}

func TestSubscriberLatestUpdates(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := NewPublisher[testPose](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish(&testPose{X: float64(i)}))
	}

	// Last writer wins.
	require.Eventually(t, func() bool {
		latest := sub.Latest()
		return latest != nil && latest.X == 4.0
	}, discoveryWindow, 5*time.Millisecond)
}

func TestSubscriberDiscardsSchemaMismatch(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	// The subscriber expects testPose; the publisher sends testPoint.
	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := NewPublisher[testPoint](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(&testPoint{X: 1, Y: 2, Z: 3}))

	// The mismatched sample must never reach the cache.
	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, sub.Latest())
}

func TestSubscriberLatestIsThreadSafe(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := NewPublisher[testPose](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var readerErrs sync.Map

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if msg := sub.Latest(); msg != nil {
					// A torn message would show a half-written
					// coordinate set.
					if msg.Y != msg.X+1 || msg.Z != msg.X+2 {
						readerErrs.Store(reader, msg)
						return
					}
				}
			}
		}(i)
	}

	for i := 0; i < 200; i++ {
		x := float64(i)
		require.NoError(t, pub.Publish(&testPose{X: x, Y: x + 1, Z: x + 2}))
	}
	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	torn := 0
	readerErrs.Range(func(_, _ interface{}) bool {
		torn++
		return true
	})
	assert.Zero(t, torn, "readers observed torn messages")
}

func TestSubscriberLivelinessRegistration(t *testing.T) {
	broker := transport.NewBroker()
	ctx := newTestContext(t, broker, 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)

	graph, err := node.Graph()
	require.NoError(t, err)

	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		count, err := graph.Count(EntitySubscriber, "test/topic")
		return err == nil && count >= 1
	}, discoveryWindow, 10*time.Millisecond)

	require.NoError(t, sub.Close())

	require.Eventually(t, func() bool {
		count, err := graph.Count(EntitySubscriber, "test/topic")
		return err == nil && count == 0
	}, discoveryWindow, 10*time.Millisecond)
}
