package zrm

import (
	"fmt"
	"strconv"
	"strings"
)

// AdminSpace is the reserved key prefix used for discovery. All liveliness
// keys live under it.
const AdminSpace = "@zrm_lv"

// emptyTypeName is the literal rendered for an absent schema name in a
// liveliness key.
const emptyTypeName = "EMPTY"

// EntityKind tags the kind of a discoverable entity. The values are the
// two-character codes used in wire keys.
type EntityKind string

const (
	EntityNode       EntityKind = "NN"
	EntityPublisher  EntityKind = "MP"
	EntitySubscriber EntityKind = "MS"
	EntityService    EntityKind = "SS"
	EntityClient     EntityKind = "SC"
)

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityNode, EntityPublisher, EntitySubscriber, EntityService, EntityClient:
		return true
	}
	return false
}

// mangleName makes a name safe for embedding in a liveliness key by
// substituting '%' for '/'. The substitution is lossy for names that
// themselves contain '%'; such names are not supported.
func mangleName(name string) string {
	return strings.ReplaceAll(name, "/", "%")
}

// demangleName reverses mangleName.
func demangleName(name string) string {
	return strings.ReplaceAll(name, "%", "/")
}

// NodeEntity identifies one node instance for the purpose of discovery.
type NodeEntity struct {
	DomainID int
	ZID      string
	Name     string
}

// Key returns the graph-facing name of the node.
func (n NodeEntity) Key() string { return n.Name }

// LivelinessKey renders the node's liveliness key:
//
//	@zrm_lv/<domain>/<z_id>/NN/<escaped_name>
func (n NodeEntity) LivelinessKey() string {
	return fmt.Sprintf("%s/%d/%s/%s/%s", AdminSpace, n.DomainID, n.ZID, EntityNode, mangleName(n.Name))
}

// EndpointEntity identifies one endpoint owned by a node. TypeName is the
// schema name of the endpoint's messages, or empty when the endpoint is
// untyped.
type EndpointEntity struct {
	Node     NodeEntity
	Kind     EntityKind
	Topic    string
	TypeName string
}

// Key returns the graph-facing name of the endpoint (its topic or service
// name).
func (e EndpointEntity) Key() string { return e.Topic }

// LivelinessKey renders the endpoint's liveliness key:
//
//	@zrm_lv/<domain>/<z_id>/<kind>/<escaped_node_name>/<escaped_topic>/<escaped_type_or_EMPTY>
func (e EndpointEntity) LivelinessKey() string {
	typeName := emptyTypeName
	if e.TypeName != "" {
		typeName = mangleName(e.TypeName)
	}
	return fmt.Sprintf("%s/%d/%s/%s/%s/%s/%s",
		AdminSpace, e.Node.DomainID, e.Node.ZID, e.Kind,
		mangleName(e.Node.Name), mangleName(e.Topic), typeName)
}

// Entity is a tagged union holding either a node or an endpoint.
type Entity struct {
	Node     *NodeEntity
	Endpoint *EndpointEntity
}

// Kind projects the kind of the underlying entity.
func (e *Entity) Kind() EntityKind {
	if e.Endpoint != nil {
		return e.Endpoint.Kind
	}
	return EntityNode
}

// LivelinessKey renders the liveliness key of the underlying entity.
func (e *Entity) LivelinessKey() string {
	if e.Endpoint != nil {
		return e.Endpoint.LivelinessKey()
	}
	return e.Node.LivelinessKey()
}

// EntityFromLivelinessKey parses a liveliness key back into an Entity.
//
// Keys outside the admin space and structurally broken keys are an error.
// Keys that are well-formed enough to carry a kind code but do not describe
// a complete entity (unknown kind, truncated endpoint trailer) yield
// (nil, nil) and are meant to be ignored by the caller.
func EntityFromLivelinessKey(key string) (*Entity, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 5 {
		return nil, fmt.Errorf("invalid liveliness key: %q", key)
	}
	if parts[0] != AdminSpace {
		return nil, fmt.Errorf("invalid admin space in key: %q", key)
	}

	domainID, err := strconv.Atoi(parts[1])
	if err != nil || domainID < 0 {
		return nil, fmt.Errorf("invalid domain id in key: %q", key)
	}
	zid := parts[2]
	kind := EntityKind(parts[3])

	if kind == EntityNode {
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed node liveliness key: %q", key)
		}
		return &Entity{Node: &NodeEntity{
			DomainID: domainID,
			ZID:      zid,
			Name:     demangleName(parts[4]),
		}}, nil
	}

	if !kind.Valid() {
		return nil, nil
	}
	if len(parts) != 7 {
		return nil, nil
	}

	typeName := ""
	if parts[6] != emptyTypeName {
		typeName = demangleName(parts[6])
	}
	return &Entity{Endpoint: &EndpointEntity{
		Node: NodeEntity{
			DomainID: domainID,
			ZID:      zid,
			Name:     demangleName(parts[4]),
		},
		Kind:     kind,
		Topic:    demangleName(parts[5]),
		TypeName: typeName,
	}}, nil
}
