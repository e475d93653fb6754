package zrm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zrm.evalgo.org/common"
	"zrm.evalgo.org/msgs"
	"zrm.evalgo.org/transport"
)

func TestGraphCreation(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)

	graph, err := NewGraph(ctx.Session(), ctx.DomainID())
	require.NoError(t, err)
	require.NoError(t, graph.Close())
	require.NoError(t, graph.Close())
}

func TestGraphRejectsNegativeDomain(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)

	_, err := NewGraph(ctx.Session(), -1)
	assert.Error(t, err)
}

func TestGraphDiscoversEndpoints(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	pub, err := NewPublisher[testPose](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()
	server, err := NewServiceServer(node, "test_service", addTwoInts)
	require.NoError(t, err)
	defer server.Close()
	client, err := NewServiceClient[msgs.AddTwoIntsRequest, msgs.AddTwoIntsResponse](node, "test_service")
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		for _, probe := range []struct {
			kind EntityKind
			name string
		}{
			{kind: EntityPublisher, name: "test/topic"},
			{kind: EntitySubscriber, name: "test/topic"},
			{kind: EntityService, name: "test_service"},
			{kind: EntityClient, name: "test_service"},
		} {
			count, err := graph.Count(probe.kind, probe.name)
			if err != nil || count < 1 {
				return false
			}
		}
		return true
	}, discoveryWindow, 10*time.Millisecond)
}

func TestGraphCountNodeIsArgumentError(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	graph, err := NewGraph(ctx.Session(), 0)
	require.NoError(t, err)
	defer graph.Close()

	_, err = graph.Count(EntityNode, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CountByNode")

	var graphErr *common.GraphError
	assert.ErrorAs(t, err, &graphErr)
}

func TestGraphEntitiesByTopic(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	pub, err := NewPublisher[testPose](node, "test/topic")
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewSubscriber[testPose](node, "test/topic", nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		publishers, err := graph.EntitiesByTopic(EntityPublisher, "test/topic")
		if err != nil || len(publishers) < 1 {
			return false
		}
		subscribers, err := graph.EntitiesByTopic(EntitySubscriber, "test/topic")
		return err == nil && len(subscribers) >= 1
	}, discoveryWindow, 10*time.Millisecond)

	publishers, err := graph.EntitiesByTopic(EntityPublisher, "test/topic")
	require.NoError(t, err)
	require.NotEmpty(t, publishers)
	assert.Equal(t, "test_node", publishers[0].Endpoint.Node.Name)
	assert.Equal(t, "zrm.testPose", publishers[0].Endpoint.TypeName)

	_, err = graph.EntitiesByTopic(EntityService, "test/topic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be PUBLISHER or SUBSCRIBER")
}

func TestGraphEntitiesByService(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	server, err := NewServiceServer(node, "test_service", addTwoInts)
	require.NoError(t, err)
	defer server.Close()
	client, err := NewServiceClient[msgs.AddTwoIntsRequest, msgs.AddTwoIntsResponse](node, "test_service")
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		servers, err := graph.EntitiesByService(EntityService, "test_service")
		if err != nil || len(servers) < 1 {
			return false
		}
		clients, err := graph.EntitiesByService(EntityClient, "test_service")
		return err == nil && len(clients) >= 1
	}, discoveryWindow, 10*time.Millisecond)

	_, err = graph.EntitiesByService(EntityPublisher, "test_service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be SERVICE or CLIENT")
}

func TestGraphNodeNames(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)

	observer, err := NewNode("observer", ctx)
	require.NoError(t, err)
	graph, err := observer.Graph()
	require.NoError(t, err)

	node1, err := NewNode("node1", ctx)
	require.NoError(t, err)
	defer node1.Close()
	node2, err := NewNode("node2", ctx)
	require.NoError(t, err)
	defer node2.Close()

	require.Eventually(t, func() bool {
		names := graph.NodeNames()
		found := map[string]bool{}
		for _, name := range names {
			found[name] = true
		}
		return found["node1"] && found["node2"]
	}, discoveryWindow, 10*time.Millisecond)
}

func TestGraphTopicNamesAndTypes(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	pub, err := NewPublisher[msgs.Pose](node, "robot/pose")
	require.NoError(t, err)
	defer pub.Close()

	require.Eventually(t, func() bool {
		for _, topic := range graph.TopicNamesAndTypes() {
			if topic.Name == "robot/pose" {
				return len(topic.Types) == 1 && topic.Types[0] == "msgs.Pose"
			}
		}
		return false
	}, discoveryWindow, 10*time.Millisecond)
}

func TestGraphTopicTypeConflictsAggregate(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	// Two publishers disagree about the schema of one topic.
	posePub, err := NewPublisher[testPose](node, "contested")
	require.NoError(t, err)
	defer posePub.Close()
	pointPub, err := NewPublisher[testPoint](node, "contested")
	require.NoError(t, err)
	defer pointPub.Close()

	require.Eventually(t, func() bool {
		for _, topic := range graph.TopicNamesAndTypes() {
			if topic.Name == "contested" {
				return len(topic.Types) == 2
			}
		}
		return false
	}, discoveryWindow, 10*time.Millisecond)
}

func TestGraphServiceNamesAndTypes(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	server, err := NewServiceServer(node, "add_service", addTwoInts)
	require.NoError(t, err)
	defer server.Close()

	require.Eventually(t, func() bool {
		for _, service := range graph.ServiceNamesAndTypes() {
			if service.Name == "add_service" {
				return len(service.Types) == 1 && service.Types[0] == "msgs.AddTwoIntsRequest"
			}
		}
		return false
	}, discoveryWindow, 10*time.Millisecond)
}

func TestGraphEntitiesByNode(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	pub, err := NewPublisher[testPose](node, "topic1")
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewSubscriber[testPose](node, "topic2", nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		publishers, err := graph.EntitiesByNode(EntityPublisher, "test_node")
		if err != nil || len(publishers) < 1 {
			return false
		}
		subscribers, err := graph.EntitiesByNode(EntitySubscriber, "test_node")
		return err == nil && len(subscribers) >= 1
	}, discoveryWindow, 10*time.Millisecond)

	assert.GreaterOrEqual(t, graph.CountByNode("test_node"), 2)

	_, err = graph.EntitiesByNode(EntityNode, "test_node")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be NODE")
}

func TestGraphNamesAndTypesByNode(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	pub1, err := NewPublisher[testPose](node, "topic1")
	require.NoError(t, err)
	defer pub1.Close()
	pub2, err := NewPublisher[testPoint](node, "topic2")
	require.NoError(t, err)
	defer pub2.Close()

	require.Eventually(t, func() bool {
		topics, err := graph.NamesAndTypesByNode("test_node", EntityPublisher)
		if err != nil {
			return false
		}
		found := map[string]bool{}
		for _, topic := range topics {
			found[topic.Name] = true
		}
		return found["topic1"] && found["topic2"]
	}, discoveryWindow, 10*time.Millisecond)

	_, err = graph.NamesAndTypesByNode("test_node", EntityNode)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be NODE")
}

func TestGraphDomainsAreIsolated(t *testing.T) {
	broker := transport.NewBroker()
	ctx1 := newTestContext(t, broker, 1)
	ctx2 := newTestContext(t, broker, 2)

	node1, err := NewNode("node1", ctx1)
	require.NoError(t, err)
	graph1, err := node1.Graph()
	require.NoError(t, err)

	node2, err := NewNode("node2", ctx2)
	require.NoError(t, err)
	graph2, err := node2.Graph()
	require.NoError(t, err)

	pub, err := NewPublisher[testPose](node1, "test/topic")
	require.NoError(t, err)
	defer pub.Close()

	// Domain 1 sees the publisher.
	require.Eventually(t, func() bool {
		count, err := graph1.Count(EntityPublisher, "test/topic")
		return err == nil && count >= 1
	}, discoveryWindow, 10*time.Millisecond)

	// Domain 2 never does.
	count, err := graph2.Count(EntityPublisher, "test/topic")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGraphWaitForService(t *testing.T) {
	ctx := newTestContext(t, transport.NewBroker(), 0)
	node, err := NewNode("test_node", ctx)
	require.NoError(t, err)
	graph, err := node.Graph()
	require.NoError(t, err)

	// Times out while nobody serves.
	assert.False(t, graph.WaitForService("late_service", 100*time.Millisecond))

	go func() {
		time.Sleep(100 * time.Millisecond)
		// Closed with its node when the test context tears down.
		NewServiceServer(node, "late_service", addTwoInts)
	}()

	assert.True(t, graph.WaitForService("late_service", discoveryWindow))
}

func TestGraphDataInsertRemove(t *testing.T) {
	data := NewGraphData(0)

	data.Insert("@zrm_lv/0/abc/NN/node1")
	data.Insert("@zrm_lv/0/abc/MP/node1/topic1/type1")
	assert.Len(t, data.entities, 2)

	// Indexes are built immediately on insert.
	assert.Contains(t, data.byTopic, "topic1")
	assert.Contains(t, data.byNode, "node1")

	data.Remove("@zrm_lv/0/abc/NN/node1")
	assert.Len(t, data.entities, 1)

	// Removing a non-existent key is a no-op.
	data.Remove("nonexistent")
	assert.Len(t, data.entities, 1)
}

func TestGraphDataRemoveClearsIndexes(t *testing.T) {
	data := NewGraphData(0)

	key := "@zrm_lv/0/abc/MP/node1/topic1/type1"
	data.Insert(key)
	data.Remove(key)

	assert.Empty(t, data.entities)
	assert.NotContains(t, data.byTopic, "topic1")
	assert.NotContains(t, data.byNode, "node1")
}

func TestGraphDataIgnoresGarbage(t *testing.T) {
	data := NewGraphData(0)

	data.Insert("not a key at all")
	data.Insert("@zrm_lv/0/abc/XX/whatever")
	data.Insert("@zrm_lv/0/abc/MP/short")
	// Entries from another domain never land in this graph's indexes.
	data.Insert("@zrm_lv/9/abc/MP/node1/topic1/type1")

	assert.Empty(t, data.entities)
}
