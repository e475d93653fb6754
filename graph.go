package zrm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"zrm.evalgo.org/common"
	"zrm.evalgo.org/transport"
)

// Graph is the discovery view of one domain: an eventually-consistent index
// of nodes and endpoints built solely from the liveliness keys currently
// held in the network.
//
// A query reflects every event the transport has delivered by the time it
// runs; it never blocks discovery, and an endpoint created "just now" may
// not be visible yet.
type Graph struct {
	domainID int
	data     *GraphData
	lvSub    transport.LivelinessSubscriber
	log      *common.ContextLogger

	mu     sync.Mutex
	closed bool
}

// NewGraph creates a graph over the given session, scoped to one domain. A
// graph never returns entries from any other domain, even when the session
// is shared.
func NewGraph(session transport.Session, domainID int) (*Graph, error) {
	if domainID < 0 {
		return nil, fmt.Errorf("domain id must be non-negative, got %d", domainID)
	}

	g := &Graph{
		domainID: domainID,
		data:     NewGraphData(domainID),
		log:      common.NewContextLogger(nil, map[string]interface{}{"graph_domain": domainID}),
	}

	prefix := fmt.Sprintf("%s/%d/**", AdminSpace, domainID)
	lvSub, err := session.DeclareLivelinessSubscriber(prefix, func(ev transport.LivelinessEvent) {
		switch ev.State {
		case transport.LivelinessAlive:
			g.data.Insert(ev.Key)
		case transport.LivelinessDropped:
			g.data.Remove(ev.Key)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to liveliness events: %w", err)
	}
	g.lvSub = lvSub
	return g, nil
}

// Close detaches the graph from the liveliness stream. Idempotent.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if err := g.lvSub.Close(); err != nil {
		g.log.WithError(err).Warn("Failed to close liveliness subscriber")
	}
	return nil
}

// Count returns the number of live endpoints of the given kind at a topic
// or service name. Counting nodes is an argument error; use CountByNode.
func (g *Graph) Count(kind EntityKind, name string) (int, error) {
	return g.data.Count(kind, name)
}

// CountByNode returns the number of live endpoints owned by the named node.
func (g *Graph) CountByNode(name string) int {
	return g.data.CountByNode(name)
}

// EntitiesByTopic returns the live endpoints of the given kind at a topic;
// kind must be PUBLISHER or SUBSCRIBER.
func (g *Graph) EntitiesByTopic(kind EntityKind, topic string) ([]*Entity, error) {
	return g.data.EntitiesByTopic(kind, topic)
}

// EntitiesByService returns the live endpoints of the given kind at a
// service name; kind must be SERVICE or CLIENT.
func (g *Graph) EntitiesByService(kind EntityKind, name string) ([]*Entity, error) {
	return g.data.EntitiesByService(kind, name)
}

// EntitiesByNode returns the live endpoints of the given kind owned by the
// named node; kind must not be NODE.
func (g *Graph) EntitiesByNode(kind EntityKind, name string) ([]*Entity, error) {
	return g.data.EntitiesByNode(kind, name)
}

// NodeNames returns the names of all currently-alive nodes in the domain.
func (g *Graph) NodeNames() []string {
	return g.data.NodeNames()
}

// NameAndTypes pairs a topic or service name with the set of schema names
// seen for it. Types holds more than one entry when endpoints disagree.
type NameAndTypes struct {
	Name  string
	Types []string
}

// TopicNamesAndTypes returns the live topics and their schema names,
// aggregated over publishers and subscribers.
func (g *Graph) TopicNamesAndTypes() []NameAndTypes {
	return g.data.TopicNamesAndTypes()
}

// ServiceNamesAndTypes returns the live service names and their schema
// names, aggregated over servers and clients.
func (g *Graph) ServiceNamesAndTypes() []NameAndTypes {
	return g.data.ServiceNamesAndTypes()
}

// NamesAndTypesByNode returns the endpoint names and schema names of the
// given kind owned by the named node; kind must not be NODE.
func (g *Graph) NamesAndTypesByNode(name string, kind EntityKind) ([]NameAndTypes, error) {
	return g.data.NamesAndTypesByNode(name, kind)
}

// WaitForService blocks until at least one SERVICE endpoint with the given
// name is alive or the timeout expires, and reports which happened.
func (g *Graph) WaitForService(name string, timeout time.Duration) bool {
	return g.data.WaitForService(name, timeout)
}

// GraphData holds the graph's index structures. All operations are
// thread-safe behind a single mutex; every indexed entry corresponds to a
// currently-live key, and removing a key removes all entries derived from
// it before the next query observes the state.
type GraphData struct {
	domainID int

	mu       sync.Mutex
	entities map[string]*Entity            // live key -> entity
	byTopic  map[string]map[string]*Entity // topic/service name -> live key -> endpoint
	byNode   map[string]map[string]*Entity // owning node name -> live key -> endpoint
	changed  chan struct{}                 // closed and replaced on every mutation
}

// NewGraphData creates an empty index for one domain.
func NewGraphData(domainID int) *GraphData {
	return &GraphData{
		domainID: domainID,
		entities: make(map[string]*Entity),
		byTopic:  make(map[string]map[string]*Entity),
		byNode:   make(map[string]map[string]*Entity),
		changed:  make(chan struct{}),
	}
}

// Insert parses a liveliness key and stores the resulting entity in the
// indexes. Keys that do not decode to an entity are ignored.
func (d *GraphData) Insert(key string) {
	entity, err := EntityFromLivelinessKey(key)
	if err != nil {
		common.Logger.WithField("key", key).WithError(err).Debug("Ignoring unparseable liveliness key")
		return
	}
	if entity == nil {
		return
	}
	if d.entityDomain(entity) != d.domainID {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities[key] = entity
	if endpoint := entity.Endpoint; endpoint != nil {
		d.indexInto(d.byTopic, endpoint.Topic, key, entity)
		d.indexInto(d.byNode, endpoint.Node.Name, key, entity)
	}
	d.notifyLocked()
}

// Remove drops a key and all index entries derived from it. Removing an
// unknown key is a no-op.
func (d *GraphData) Remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entity, ok := d.entities[key]
	if !ok {
		return
	}
	delete(d.entities, key)
	if endpoint := entity.Endpoint; endpoint != nil {
		d.unindexFrom(d.byTopic, endpoint.Topic, key)
		d.unindexFrom(d.byNode, endpoint.Node.Name, key)
	}
	d.notifyLocked()
}

func (d *GraphData) entityDomain(entity *Entity) int {
	if entity.Endpoint != nil {
		return entity.Endpoint.Node.DomainID
	}
	return entity.Node.DomainID
}

func (d *GraphData) indexInto(index map[string]map[string]*Entity, name, key string, entity *Entity) {
	bucket, ok := index[name]
	if !ok {
		bucket = make(map[string]*Entity)
		index[name] = bucket
	}
	bucket[key] = entity
}

func (d *GraphData) unindexFrom(index map[string]map[string]*Entity, name, key string) {
	bucket, ok := index[name]
	if !ok {
		return
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(index, name)
	}
}

// notifyLocked wakes every waiter. Callers hold d.mu.
func (d *GraphData) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Count implements Graph.Count.
func (d *GraphData) Count(kind EntityKind, name string) (int, error) {
	if kind == EntityNode {
		return 0, common.NewGraphErrorf("cannot count NODE entities by name; use CountByNode")
	}
	if !kind.Valid() {
		return 0, common.NewGraphErrorf("unknown entity kind %q", string(kind))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, entity := range d.byTopic[name] {
		if entity.Kind() == kind {
			count++
		}
	}
	return count, nil
}

// CountByNode implements Graph.CountByNode.
func (d *GraphData) CountByNode(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byNode[name])
}

// EntitiesByTopic implements Graph.EntitiesByTopic.
func (d *GraphData) EntitiesByTopic(kind EntityKind, topic string) ([]*Entity, error) {
	if kind != EntityPublisher && kind != EntitySubscriber {
		return nil, common.NewGraphErrorf("kind must be PUBLISHER or SUBSCRIBER, got %q", string(kind))
	}
	return d.collect(d.byTopic, topic, kind), nil
}

// EntitiesByService implements Graph.EntitiesByService.
func (d *GraphData) EntitiesByService(kind EntityKind, name string) ([]*Entity, error) {
	if kind != EntityService && kind != EntityClient {
		return nil, common.NewGraphErrorf("kind must be SERVICE or CLIENT, got %q", string(kind))
	}
	return d.collect(d.byTopic, name, kind), nil
}

// EntitiesByNode implements Graph.EntitiesByNode.
func (d *GraphData) EntitiesByNode(kind EntityKind, name string) ([]*Entity, error) {
	if kind == EntityNode {
		return nil, common.NewGraphErrorf("kind must not be NODE")
	}
	if !kind.Valid() {
		return nil, common.NewGraphErrorf("unknown entity kind %q", string(kind))
	}
	return d.collect(d.byNode, name, kind), nil
}

func (d *GraphData) collect(index map[string]map[string]*Entity, name string, kind EntityKind) []*Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Entity, 0, len(index[name]))
	for _, entity := range index[name] {
		if entity.Kind() == kind {
			out = append(out, entity)
		}
	}
	return out
}

// NodeNames implements Graph.NodeNames.
func (d *GraphData) NodeNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]struct{})
	for _, entity := range d.entities {
		if entity.Node != nil {
			seen[entity.Node.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TopicNamesAndTypes implements Graph.TopicNamesAndTypes.
func (d *GraphData) TopicNamesAndTypes() []NameAndTypes {
	return d.namesAndTypes(func(kind EntityKind) bool {
		return kind == EntityPublisher || kind == EntitySubscriber
	})
}

// ServiceNamesAndTypes implements Graph.ServiceNamesAndTypes.
func (d *GraphData) ServiceNamesAndTypes() []NameAndTypes {
	return d.namesAndTypes(func(kind EntityKind) bool {
		return kind == EntityService || kind == EntityClient
	})
}

func (d *GraphData) namesAndTypes(include func(EntityKind) bool) []NameAndTypes {
	d.mu.Lock()
	defer d.mu.Unlock()
	sets := make(map[string]map[string]struct{})
	for _, entity := range d.entities {
		endpoint := entity.Endpoint
		if endpoint == nil || !include(endpoint.Kind) {
			continue
		}
		set, ok := sets[endpoint.Topic]
		if !ok {
			set = make(map[string]struct{})
			sets[endpoint.Topic] = set
		}
		if endpoint.TypeName != "" {
			set[endpoint.TypeName] = struct{}{}
		}
	}
	return flattenNameSets(sets)
}

// NamesAndTypesByNode implements Graph.NamesAndTypesByNode.
func (d *GraphData) NamesAndTypesByNode(name string, kind EntityKind) ([]NameAndTypes, error) {
	if kind == EntityNode {
		return nil, common.NewGraphErrorf("kind must not be NODE")
	}
	if !kind.Valid() {
		return nil, common.NewGraphErrorf("unknown entity kind %q", string(kind))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sets := make(map[string]map[string]struct{})
	for _, entity := range d.byNode[name] {
		endpoint := entity.Endpoint
		if endpoint == nil || endpoint.Kind != kind {
			continue
		}
		set, ok := sets[endpoint.Topic]
		if !ok {
			set = make(map[string]struct{})
			sets[endpoint.Topic] = set
		}
		if endpoint.TypeName != "" {
			set[endpoint.TypeName] = struct{}{}
		}
	}
	return flattenNameSets(sets), nil
}

func flattenNameSets(sets map[string]map[string]struct{}) []NameAndTypes {
	out := make([]NameAndTypes, 0, len(sets))
	for name, set := range sets {
		types := make([]string, 0, len(set))
		for typeName := range set {
			types = append(types, typeName)
		}
		sort.Strings(types)
		out = append(out, NameAndTypes{Name: name, Types: types})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WaitForService implements Graph.WaitForService.
func (d *GraphData) WaitForService(name string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		d.mu.Lock()
		found := false
		for _, entity := range d.byTopic[name] {
			if entity.Kind() == EntityService {
				found = true
				break
			}
		}
		changed := d.changed
		d.mu.Unlock()

		if found {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}
