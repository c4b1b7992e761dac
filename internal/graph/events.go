package graph

// Kind names the record type carried by an Event.
type Kind string

const (
	KindNode        Kind = "node"
	KindPort        Kind = "port"
	KindDevice      Kind = "device"
	KindApplication Kind = "application"
	KindLink        Kind = "link"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindNode, KindPort, KindDevice, KindApplication, KindLink}

// ParseKind validates a kind name.
func ParseKind(raw string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == raw {
			return k, true
		}
	}
	return "", false
}

// Event is a typed notification that an object was observed in the session.
// The set of implementations is closed: NodeAdded, PortAdded, DeviceAdded,
// ApplicationAdded and LinkAdded.
type Event interface {
	Kind() Kind
	sealed()
}

// NodeAdded reports a node.
type NodeAdded struct{ Node Node }

// PortAdded reports a port. A later PortAdded with the same PortKey replaces it.
type PortAdded struct{ Port Port }

// DeviceAdded reports a device.
type DeviceAdded struct{ Device Device }

// ApplicationAdded reports a client application.
type ApplicationAdded struct{ Application Application }

// LinkAdded reports a link between two ports.
type LinkAdded struct{ Link Link }

func (NodeAdded) Kind() Kind        { return KindNode }
func (PortAdded) Kind() Kind        { return KindPort }
func (DeviceAdded) Kind() Kind      { return KindDevice }
func (ApplicationAdded) Kind() Kind { return KindApplication }
func (LinkAdded) Kind() Kind        { return KindLink }

func (NodeAdded) sealed()        {}
func (PortAdded) sealed()        {}
func (DeviceAdded) sealed()      {}
func (ApplicationAdded) sealed() {}
func (LinkAdded) sealed()        {}
