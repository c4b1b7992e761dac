package registry

import (
	"slices"

	"github.com/zjrosen/pwgraph/internal/graph"
)

// state is the registry's collections. Only the manager goroutine touches it.
type state struct {
	nodes        []graph.Node
	ports        []graph.Port // sorted by PortKey
	devices      []graph.Device
	applications []graph.Application
	links        []graph.Link
}

// apply records ev and reports whether it replaced an existing entry.
func (s *state) apply(ev graph.Event) (replaced bool) {
	switch e := ev.(type) {
	case graph.NodeAdded:
		s.nodes = append(s.nodes, e.Node)
	case graph.PortAdded:
		return s.upsertPort(e.Port)
	case graph.DeviceAdded:
		s.devices = append(s.devices, e.Device)
	case graph.ApplicationAdded:
		s.applications = append(s.applications, e.Application)
	case graph.LinkAdded:
		s.links = append(s.links, e.Link)
	}
	return false
}

// upsertPort keeps ports ordered by key; a port with an existing key
// replaces the old entry wholesale.
func (s *state) upsertPort(p graph.Port) bool {
	key := p.Key()
	i, found := slices.BinarySearchFunc(s.ports, key, func(existing graph.Port, k graph.PortKey) int {
		return existing.Key().Compare(k)
	})
	if found {
		s.ports[i] = p
		return true
	}
	s.ports = slices.Insert(s.ports, i, p)
	return false
}

// portBySerial returns the first port, in key order, with the given serial.
// The sentinel never matches: it marks ports whose serial is unknown.
func (s *state) portBySerial(serial graph.ObjectID) (graph.Port, bool) {
	if !serial.Valid() {
		return graph.Port{}, false
	}
	for _, p := range s.ports {
		if p.ObjectSerial == serial {
			return p, true
		}
	}
	return graph.Port{}, false
}

func (s *state) count(kind graph.Kind) int {
	switch kind {
	case graph.KindNode:
		return len(s.nodes)
	case graph.KindPort:
		return len(s.ports)
	case graph.KindDevice:
		return len(s.devices)
	case graph.KindApplication:
		return len(s.applications)
	case graph.KindLink:
		return len(s.links)
	default:
		return 0
	}
}

func (s *state) counts() Counts {
	return Counts{
		Nodes:        len(s.nodes),
		Ports:        len(s.ports),
		Devices:      len(s.devices),
		Applications: len(s.applications),
		Links:        len(s.links),
	}
}
