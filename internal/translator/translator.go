// Package translator turns the raw property bags announced by the session
// service into typed graph events.
//
// Classification is ordered: a bag is a link if it names a link output port,
// otherwise a device if it names a device, then a port, a node and finally an
// application. Bags matching none of these are not graph objects and
// translate to nil.
package translator

import (
	"fmt"

	"github.com/zjrosen/pwgraph/internal/graph"
)

// Property keys used by the session service.
const (
	KeyLinkOutputPort = "link.output.port"
	KeyLinkInputPort  = "link.input.port"
	KeyLinkOutputNode = "link.output.node"
	KeyLinkInputNode  = "link.input.node"

	KeyDeviceName        = "device.name"
	KeyDeviceDescription = "device.description"
	KeyDeviceNick        = "device.nick"

	KeyPortID        = "port.id"
	KeyPortName      = "port.name"
	KeyPortDirection = "port.direction"
	KeyPortPhysical  = "port.physical"
	KeyPortAlias     = "port.alias"
	KeyPortGroup     = "port.group"
	KeyObjectPath    = "object.path"
	KeyFormatDSP     = "format.dsp"
	KeyNodeID        = "node.id"
	KeyAudioChannel  = "audio.channel"

	KeyNodeName        = "node.name"
	KeyClientAPI       = "client.api"
	KeyApplicationName = "application.name"

	KeyModuleID  = "module.id"
	KeyProtocol  = "pipewire.protocol"
	KeySecPID    = "pipewire.sec.pid"
	KeySecUID    = "pipewire.sec.uid"
	KeySecGID    = "pipewire.sec.gid"
	KeySecSocket = "pipewire.sec.socket"
	KeyAccess    = "pipewire.access"

	KeyObjectSerial = "object.serial"
	KeyFactoryID    = "factory.id"
	KeyClientID     = "client.id"
	KeyMediaClass   = "media.class"
)

// UnknownNick is used when a device announces no nick.
const UnknownNick = "unknown"

// MissingFieldError reports a required property that was absent.
// The event is dropped; nothing else is affected.
type MissingFieldError struct {
	Kind  graph.Kind
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required property %q", e.Kind, e.Field)
}

// Classify converts one property bag into a graph event.
// It returns (nil, nil) when the bag is not a graph object and a
// *MissingFieldError when a required property is absent.
func Classify(props map[string]string) (graph.Event, error) {
	switch {
	case has(props, KeyLinkOutputPort):
		return link(props)
	case has(props, KeyDeviceName):
		return device(props)
	case has(props, KeyPortName):
		return port(props)
	case has(props, KeyNodeName):
		return node(props)
	case has(props, KeyApplicationName):
		return application(props)
	default:
		return nil, nil
	}
}

// KindOf reports which kind Classify would attempt for props, without
// validating required fields. ok is false for unclassified bags.
func KindOf(props map[string]string) (kind graph.Kind, ok bool) {
	switch {
	case has(props, KeyLinkOutputPort):
		return graph.KindLink, true
	case has(props, KeyDeviceName):
		return graph.KindDevice, true
	case has(props, KeyPortName):
		return graph.KindPort, true
	case has(props, KeyNodeName):
		return graph.KindNode, true
	case has(props, KeyApplicationName):
		return graph.KindApplication, true
	default:
		return "", false
	}
}

func has(props map[string]string, key string) bool {
	_, ok := props[key]
	return ok
}

// reader pulls properties for one record, remembering the first missing
// required key and every numeric field that fell back to the sentinel.
type reader struct {
	kind    graph.Kind
	props   map[string]string
	missing string
	invalid []string
}

func newReader(kind graph.Kind, props map[string]string) *reader {
	return &reader{kind: kind, props: props}
}

func (r *reader) required(key string) string {
	v, ok := r.props[key]
	if !ok && r.missing == "" {
		r.missing = key
	}
	return v
}

func (r *reader) optional(key string) string {
	return r.props[key]
}

func (r *reader) id(raw, key string) graph.ObjectID {
	id, ok := graph.ParseID(raw)
	if !ok {
		r.invalid = append(r.invalid, key)
	}
	return id
}

func (r *reader) requiredID(key string) graph.ObjectID {
	return r.id(r.required(key), key)
}

func (r *reader) optionalID(key string) graph.ObjectID {
	return r.id(r.optional(key), key)
}

func (r *reader) err() error {
	if r.missing == "" {
		return nil
	}
	return &MissingFieldError{Kind: r.kind, Field: r.missing}
}

func link(props map[string]string) (graph.Event, error) {
	r := newReader(graph.KindLink, props)
	l := graph.Link{
		OutputPortID: r.requiredID(KeyLinkOutputPort),
		InputPortID:  r.requiredID(KeyLinkInputPort),
		OutputNodeID: r.requiredID(KeyLinkOutputNode),
		InputNodeID:  r.requiredID(KeyLinkInputNode),
		ObjectSerial: r.requiredID(KeyObjectSerial),
		FactoryID:    r.requiredID(KeyFactoryID),
		ClientID:     r.optionalID(KeyClientID),
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	l.InvalidFields = r.invalid
	return graph.LinkAdded{Link: l}, nil
}

func device(props map[string]string) (graph.Event, error) {
	r := newReader(graph.KindDevice, props)
	d := graph.Device{
		Name:         r.required(KeyDeviceName),
		FactoryID:    r.requiredID(KeyFactoryID),
		ClientID:     r.requiredID(KeyClientID),
		Description:  r.required(KeyDeviceDescription),
		Nick:         UnknownNick,
		MediaClass:   r.required(KeyMediaClass),
		ObjectSerial: r.requiredID(KeyObjectSerial),
	}
	if nick, ok := props[KeyDeviceNick]; ok {
		d.Nick = nick
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	d.InvalidFields = r.invalid
	return graph.DeviceAdded{Device: d}, nil
}

func port(props map[string]string) (graph.Event, error) {
	r := newReader(graph.KindPort, props)
	p := graph.Port{
		ID:           r.requiredID(KeyPortID),
		Name:         r.required(KeyPortName),
		Direction:    graph.ParseDirection(r.required(KeyPortDirection)),
		Path:         r.required(KeyObjectPath),
		NodeID:       r.requiredID(KeyNodeID),
		Physical:     r.optional(KeyPortPhysical) == "true",
		Alias:        r.optional(KeyPortAlias),
		Group:        r.optional(KeyPortGroup),
		DSPFormat:    r.optional(KeyFormatDSP),
		AudioChannel: r.optional(KeyAudioChannel),
		ObjectSerial: r.optionalID(KeyObjectSerial),
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	p.InvalidFields = r.invalid
	return graph.PortAdded{Port: p}, nil
}

func node(props map[string]string) (graph.Event, error) {
	r := newReader(graph.KindNode, props)
	n := graph.Node{
		ObjectSerial:    r.requiredID(KeyObjectSerial),
		FactoryID:       r.optionalID(KeyFactoryID),
		ClientID:        r.optionalID(KeyClientID),
		ClientAPI:       r.optional(KeyClientAPI),
		ApplicationName: r.optional(KeyApplicationName),
		NodeName:        r.optional(KeyNodeName),
		MediaClass:      r.optional(KeyMediaClass),
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	n.InvalidFields = r.invalid
	return graph.NodeAdded{Node: n}, nil
}

func application(props map[string]string) (graph.Event, error) {
	r := newReader(graph.KindApplication, props)
	a := graph.Application{
		ObjectSerial: r.requiredID(KeyObjectSerial),
		ModuleID:     r.optionalID(KeyModuleID),
		Protocol:     r.optional(KeyProtocol),
		SecPID:       r.optional(KeySecPID),
		SecUID:       r.optional(KeySecUID),
		SecGID:       r.optional(KeySecGID),
		SecSocket:    r.optional(KeySecSocket),
		Access:       r.optional(KeyAccess),
		Name:         r.optional(KeyApplicationName),
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	a.InvalidFields = r.invalid
	return graph.ApplicationAdded{Application: a}, nil
}
