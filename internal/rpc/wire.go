package rpc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/journal"
	"github.com/zjrosen/pwgraph/internal/pubsub"
	"github.com/zjrosen/pwgraph/internal/session"
)

// Direction is the wire form of graph.PortDirection.
type Direction string

const (
	DirectionIn      Direction = "IN"
	DirectionOut     Direction = "OUT"
	DirectionUnknown Direction = "UNKNOWN"
)

func directionOf(d graph.PortDirection) Direction {
	switch d {
	case graph.DirectionIn:
		return DirectionIn
	case graph.DirectionOut:
		return DirectionOut
	default:
		return DirectionUnknown
	}
}

// Node is the wire record of a node. Identifiers are widened to 32 bits.
type Node struct {
	ObjectSerial    uint32   `json:"object_serial" yaml:"object_serial"`
	FactoryID       uint32   `json:"factory_id" yaml:"factory_id"`
	ClientID        uint32   `json:"client_id" yaml:"client_id"`
	ClientAPI       string   `json:"client_api" yaml:"client_api"`
	ApplicationName string   `json:"application_name" yaml:"application_name"`
	NodeName        string   `json:"node_name" yaml:"node_name"`
	MediaClass      string   `json:"media_class" yaml:"media_class"`
	InvalidFields   []string `json:"invalid_fields,omitempty" yaml:"invalid_fields,omitempty"`
}

// Port is the wire record of a port.
type Port struct {
	ID            uint32    `json:"id" yaml:"id"`
	NodeID        uint32    `json:"node_id" yaml:"node_id"`
	ObjectSerial  uint32    `json:"object_serial" yaml:"object_serial"`
	Name          string    `json:"name" yaml:"name"`
	Direction     Direction `json:"direction" yaml:"direction"`
	Physical      bool      `json:"physical" yaml:"physical"`
	Alias         string    `json:"alias" yaml:"alias"`
	Group         string    `json:"group" yaml:"group"`
	Path          string    `json:"path" yaml:"path"`
	DSPFormat     string    `json:"dsp_format" yaml:"dsp_format"`
	AudioChannel  string    `json:"audio_channel" yaml:"audio_channel"`
	InvalidFields []string  `json:"invalid_fields,omitempty" yaml:"invalid_fields,omitempty"`
}

// Device is the wire record of a device.
type Device struct {
	Name          string   `json:"name" yaml:"name"`
	FactoryID     uint32   `json:"factory_id" yaml:"factory_id"`
	ClientID      uint32   `json:"client_id" yaml:"client_id"`
	Description   string   `json:"description" yaml:"description"`
	Nick          string   `json:"nick" yaml:"nick"`
	MediaClass    string   `json:"media_class" yaml:"media_class"`
	ObjectSerial  uint32   `json:"object_serial" yaml:"object_serial"`
	InvalidFields []string `json:"invalid_fields,omitempty" yaml:"invalid_fields,omitempty"`
}

// Application is the wire record of a client application.
type Application struct {
	ObjectSerial  uint32   `json:"object_serial" yaml:"object_serial"`
	ModuleID      uint32   `json:"module_id" yaml:"module_id"`
	Protocol      string   `json:"protocol" yaml:"protocol"`
	SecPID        string   `json:"sec_pid" yaml:"sec_pid"`
	SecUID        string   `json:"sec_uid" yaml:"sec_uid"`
	SecGID        string   `json:"sec_gid" yaml:"sec_gid"`
	SecSocket     string   `json:"sec_socket" yaml:"sec_socket"`
	Access        string   `json:"access" yaml:"access"`
	Name          string   `json:"name" yaml:"name"`
	InvalidFields []string `json:"invalid_fields,omitempty" yaml:"invalid_fields,omitempty"`
}

// Link is the wire record of a link.
type Link struct {
	ObjectSerial  uint32   `json:"object_serial" yaml:"object_serial"`
	FactoryID     uint32   `json:"factory_id" yaml:"factory_id"`
	ClientID      uint32   `json:"client_id" yaml:"client_id"`
	OutputPortID  uint32   `json:"output_port_id" yaml:"output_port_id"`
	InputPortID   uint32   `json:"input_port_id" yaml:"input_port_id"`
	OutputNodeID  uint32   `json:"output_node_id" yaml:"output_node_id"`
	InputNodeID   uint32   `json:"input_node_id" yaml:"input_node_id"`
	InvalidFields []string `json:"invalid_fields,omitempty" yaml:"invalid_fields,omitempty"`
}

func wide(id graph.ObjectID) uint32 { return uint32(id) }

func fromNode(n graph.Node) Node {
	return Node{
		ObjectSerial:    wide(n.ObjectSerial),
		FactoryID:       wide(n.FactoryID),
		ClientID:        wide(n.ClientID),
		ClientAPI:       n.ClientAPI,
		ApplicationName: n.ApplicationName,
		NodeName:        n.NodeName,
		MediaClass:      n.MediaClass,
		InvalidFields:   n.InvalidFields,
	}
}

func fromPort(p graph.Port) Port {
	return Port{
		ID:            wide(p.ID),
		NodeID:        wide(p.NodeID),
		ObjectSerial:  wide(p.ObjectSerial),
		Name:          p.Name,
		Direction:     directionOf(p.Direction),
		Physical:      p.Physical,
		Alias:         p.Alias,
		Group:         p.Group,
		Path:          p.Path,
		DSPFormat:     p.DSPFormat,
		AudioChannel:  p.AudioChannel,
		InvalidFields: p.InvalidFields,
	}
}

func fromDevice(d graph.Device) Device {
	return Device{
		Name:          d.Name,
		FactoryID:     wide(d.FactoryID),
		ClientID:      wide(d.ClientID),
		Description:   d.Description,
		Nick:          d.Nick,
		MediaClass:    d.MediaClass,
		ObjectSerial:  wide(d.ObjectSerial),
		InvalidFields: d.InvalidFields,
	}
}

func fromApplication(a graph.Application) Application {
	return Application{
		ObjectSerial:  wide(a.ObjectSerial),
		ModuleID:      wide(a.ModuleID),
		Protocol:      a.Protocol,
		SecPID:        a.SecPID,
		SecUID:        a.SecUID,
		SecGID:        a.SecGID,
		SecSocket:     a.SecSocket,
		Access:        a.Access,
		Name:          a.Name,
		InvalidFields: a.InvalidFields,
	}
}

func fromLink(l graph.Link) Link {
	return Link{
		ObjectSerial:  wide(l.ObjectSerial),
		FactoryID:     wide(l.FactoryID),
		ClientID:      wide(l.ClientID),
		OutputPortID:  wide(l.OutputPortID),
		InputPortID:   wide(l.InputPortID),
		OutputNodeID:  wide(l.OutputNodeID),
		InputNodeID:   wide(l.InputNodeID),
		InvalidFields: l.InvalidFields,
	}
}

func mapSlice[In, Out any](in []In, f func(In) Out) []Out {
	out := make([]Out, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}

var errInvalidID = errors.New("identifier out of range")

// narrow converts a wire identifier to an ObjectID. Values that do not fit
// 16 bits are rejected rather than truncated.
func narrow(field string, v uint32) (graph.ObjectID, error) {
	if v > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %s=%d exceeds %d", errInvalidID, field, v, math.MaxUint16)
	}
	return graph.ObjectID(v), nil
}

// Requests and responses.

type ListNodesRequest struct{}

type ListNodesResponse struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
}

type ListPortsRequest struct {
	// NodeID restricts the result to one node when set.
	NodeID *uint32 `json:"node_id,omitempty"`
}

type ListPortsResponse struct {
	Ports []Port `json:"ports" yaml:"ports"`
}

type ListApplicationsRequest struct{}

type ListApplicationsResponse struct {
	Applications []Application `json:"applications" yaml:"applications"`
}

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Devices []Device `json:"devices" yaml:"devices"`
}

type ListLinksRequest struct{}

type ListLinksResponse struct {
	Links []Link `json:"links" yaml:"links"`
}

type GetPortByObjectSerialRequest struct {
	ObjectSerial uint32 `json:"object_serial"`
}

type GetPortByObjectSerialResponse struct {
	Port Port `json:"port" yaml:"port"`
}

type CreateLinkRequest struct {
	OutputPortID uint32 `json:"output_port_id"`
	InputPortID  uint32 `json:"input_port_id"`
	OutputNodeID uint32 `json:"output_node_id"`
	InputNodeID  uint32 `json:"input_node_id"`
	// Wait holds the reply until the session has executed the command.
	Wait bool `json:"wait,omitempty"`
}

func (r *CreateLinkRequest) toLinkRequest() (session.LinkRequest, error) {
	var (
		out session.LinkRequest
		err error
	)
	if out.OutputPortID, err = narrow("output_port_id", r.OutputPortID); err != nil {
		return out, err
	}
	if out.InputPortID, err = narrow("input_port_id", r.InputPortID); err != nil {
		return out, err
	}
	if out.OutputNodeID, err = narrow("output_node_id", r.OutputNodeID); err != nil {
		return out, err
	}
	if out.InputNodeID, err = narrow("input_node_id", r.InputNodeID); err != nil {
		return out, err
	}
	return out, nil
}

type CreateLinkResponse struct {
	CommandID    string `json:"command_id" yaml:"command_id"`
	Deduplicated bool   `json:"deduplicated,omitempty" yaml:"deduplicated,omitempty"`
	// Completed is set when the reply waited for the native result.
	Completed bool `json:"completed,omitempty" yaml:"completed,omitempty"`
}

type GetStatusRequest struct{}

type SessionStatus struct {
	Running       bool   `json:"running" yaml:"running"`
	LinkFactory   string `json:"link_factory" yaml:"link_factory"`
	Forwarded     int64  `json:"forwarded" yaml:"forwarded"`
	Failed        int64  `json:"failed" yaml:"failed"`
	Unclassified  int64  `json:"unclassified" yaml:"unclassified"`
	Commands      int64  `json:"commands" yaml:"commands"`
	CommandErrors int64  `json:"command_errors" yaml:"command_errors"`
	CommandQueue  int    `json:"command_queue" yaml:"command_queue"`
}

type RegistryStatus struct {
	Nodes            int   `json:"nodes" yaml:"nodes"`
	Ports            int   `json:"ports" yaml:"ports"`
	Devices          int   `json:"devices" yaml:"devices"`
	Applications     int   `json:"applications" yaml:"applications"`
	Links            int   `json:"links" yaml:"links"`
	EventsApplied    int64 `json:"events_applied" yaml:"events_applied"`
	RequestsServed   int64 `json:"requests_served" yaml:"requests_served"`
	AbandonedReplies int64 `json:"abandoned_replies" yaml:"abandoned_replies"`
	EventQueue       int   `json:"event_queue" yaml:"event_queue"`
	RequestQueue     int   `json:"request_queue" yaml:"request_queue"`
	FeedDropped      int64 `json:"feed_dropped" yaml:"feed_dropped"`
}

type GetStatusResponse struct {
	Session    SessionStatus  `json:"session" yaml:"session"`
	Registry   RegistryStatus `json:"registry" yaml:"registry"`
	LogDropped int64          `json:"log_dropped" yaml:"log_dropped"`
}

type ListLinkCommandsRequest struct {
	Limit int32 `json:"limit,omitempty"`
}

// LinkCommand is a journaled CreateLink command.
type LinkCommand struct {
	ID           string    `json:"id" yaml:"id"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero" yaml:"completed_at,omitempty"`
	OutputPortID uint32    `json:"output_port_id" yaml:"output_port_id"`
	InputPortID  uint32    `json:"input_port_id" yaml:"input_port_id"`
	OutputNodeID uint32    `json:"output_node_id" yaml:"output_node_id"`
	InputNodeID  uint32    `json:"input_node_id" yaml:"input_node_id"`
	Status       string    `json:"status" yaml:"status"`
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func fromJournal(e journal.Entry) LinkCommand {
	return LinkCommand{
		ID:           e.ID,
		CreatedAt:    e.CreatedAt,
		CompletedAt:  e.CompletedAt,
		OutputPortID: wide(e.OutputPortID),
		InputPortID:  wide(e.InputPortID),
		OutputNodeID: wide(e.OutputNodeID),
		InputNodeID:  wide(e.InputNodeID),
		Status:       string(e.Status),
		Error:        e.Error,
	}
}

type ListLinkCommandsResponse struct {
	Commands []LinkCommand `json:"commands" yaml:"commands"`
}

type WatchGraphRequest struct {
	// Kinds limits the stream to these record kinds (node, port, device,
	// application, link). Empty means all.
	Kinds []string `json:"kinds,omitempty"`
}

// Graph event types.
const (
	EventCreated = "created"
	EventUpdated = "updated"
)

// GraphEvent is one registry change. Exactly one record field is set.
type GraphEvent struct {
	Type        string       `json:"type" yaml:"type"`
	Kind        string       `json:"kind" yaml:"kind"`
	Timestamp   time.Time    `json:"timestamp" yaml:"timestamp"`
	Node        *Node        `json:"node,omitempty" yaml:"node,omitempty"`
	Port        *Port        `json:"port,omitempty" yaml:"port,omitempty"`
	Device      *Device      `json:"device,omitempty" yaml:"device,omitempty"`
	Application *Application `json:"application,omitempty" yaml:"application,omitempty"`
	Link        *Link        `json:"link,omitempty" yaml:"link,omitempty"`
}

func fromFeed(ev pubsub.Event[graph.Event]) *GraphEvent {
	out := &GraphEvent{
		Type:      EventCreated,
		Kind:      string(ev.Payload.Kind()),
		Timestamp: ev.Timestamp,
	}
	if ev.Type == pubsub.UpdatedEvent {
		out.Type = EventUpdated
	}
	switch e := ev.Payload.(type) {
	case graph.NodeAdded:
		n := fromNode(e.Node)
		out.Node = &n
	case graph.PortAdded:
		p := fromPort(e.Port)
		out.Port = &p
	case graph.DeviceAdded:
		d := fromDevice(e.Device)
		out.Device = &d
	case graph.ApplicationAdded:
		a := fromApplication(e.Application)
		out.Application = &a
	case graph.LinkAdded:
		l := fromLink(e.Link)
		out.Link = &l
	}
	return out
}
