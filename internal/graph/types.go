// Package graph defines the session graph records mirrored by the registry:
// nodes, ports, devices, applications and links, plus the events that add them.
package graph

// PortDirection is the data-flow direction of a port.
// The declaration order (In < Out < Unknown) is the port listing order.
type PortDirection int

const (
	DirectionIn PortDirection = iota
	DirectionOut
	DirectionUnknown
)

// ParseDirection maps the session's port.direction value.
// Anything other than "in" or "out" is DirectionUnknown.
func ParseDirection(raw string) PortDirection {
	switch raw {
	case "in":
		return DirectionIn
	case "out":
		return DirectionOut
	default:
		return DirectionUnknown
	}
}

func (d PortDirection) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "unknown"
	}
}

// Node is a processing or streaming endpoint.
type Node struct {
	ObjectSerial    ObjectID
	FactoryID       ObjectID
	ClientID        ObjectID
	ClientAPI       string
	ApplicationName string
	NodeName        string
	MediaClass      string

	// InvalidFields lists the numeric properties that were missing or
	// unparsable and hold InvalidID.
	InvalidFields []string
}

// Port is an input or output connection point of a node.
type Port struct {
	ID           ObjectID
	NodeID       ObjectID
	ObjectSerial ObjectID
	Name         string
	Direction    PortDirection
	Physical     bool
	Alias        string
	Group        string
	Path         string
	DSPFormat    string
	AudioChannel string

	InvalidFields []string
}

// Key returns the composite identity of the port.
func (p Port) Key() PortKey {
	return PortKey{Direction: p.Direction, NodeID: p.NodeID, PortID: p.ID}
}

// PortKey identifies a port by (direction, node id, port id).
type PortKey struct {
	Direction PortDirection
	NodeID    ObjectID
	PortID    ObjectID
}

// Less orders keys direction-major, then by node id, then by port id.
func (k PortKey) Less(other PortKey) bool {
	if k.Direction != other.Direction {
		return k.Direction < other.Direction
	}
	if k.NodeID != other.NodeID {
		return k.NodeID < other.NodeID
	}
	return k.PortID < other.PortID
}

// Compare returns -1, 0 or 1 following Less.
func (k PortKey) Compare(other PortKey) int {
	switch {
	case k.Less(other):
		return -1
	case other.Less(k):
		return 1
	default:
		return 0
	}
}

// Device is a physical or virtual device exposed by the session.
type Device struct {
	Name         string
	FactoryID    ObjectID
	ClientID     ObjectID
	Description  string
	Nick         string
	MediaClass   string
	ObjectSerial ObjectID

	InvalidFields []string
}

// Application is a client connected to the session service.
type Application struct {
	ObjectSerial ObjectID
	ModuleID     ObjectID
	Protocol     string
	SecPID       string
	SecUID       string
	SecGID       string
	SecSocket    string
	Access       string
	Name         string

	InvalidFields []string
}

// Link connects an output port to an input port.
type Link struct {
	ObjectSerial ObjectID
	FactoryID    ObjectID
	ClientID     ObjectID
	OutputPortID ObjectID
	InputPortID  ObjectID
	OutputNodeID ObjectID
	InputNodeID  ObjectID

	InvalidFields []string
}

// Factories holds the resolved names of the native object factories.
type Factories struct {
	Link string
}
