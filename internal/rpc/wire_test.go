package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/pubsub"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(codecName)
	require.NotNil(t, c)

	data, err := c.Marshal(&CreateLinkRequest{OutputPortID: 7, InputPortID: 8, Wait: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"output_port_id":7,"input_port_id":8,"output_node_id":0,"input_node_id":0,"wait":true}`, string(data))

	var req ListNodesRequest
	require.NoError(t, c.Unmarshal(nil, &req))
}

func TestNarrow(t *testing.T) {
	id, err := narrow("port", 65535)
	require.NoError(t, err)
	require.Equal(t, graph.InvalidID, id)

	_, err = narrow("port", 65536)
	require.ErrorIs(t, err, errInvalidID)
	require.Contains(t, err.Error(), "port=65536")
}

func TestCreateLinkRequest_ToLinkRequest(t *testing.T) {
	lr, err := (&CreateLinkRequest{OutputPortID: 1, InputPortID: 2, OutputNodeID: 3, InputNodeID: 4}).toLinkRequest()
	require.NoError(t, err)
	require.Equal(t, graph.ObjectID(1), lr.OutputPortID)
	require.Equal(t, graph.ObjectID(4), lr.InputNodeID)

	_, err = (&CreateLinkRequest{InputNodeID: 1 << 20}).toLinkRequest()
	require.ErrorContains(t, err, "input_node_id")
}

func TestFromFeed(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := fromFeed(pubsub.Event[graph.Event]{
		Type:      pubsub.UpdatedEvent,
		Timestamp: ts,
		Payload: graph.PortAdded{Port: graph.Port{
			ID: 3, NodeID: 9, Name: "capture_FL", Direction: graph.DirectionIn, ObjectSerial: graph.InvalidID,
		}},
	})

	require.Equal(t, EventUpdated, ev.Type)
	require.Equal(t, "port", ev.Kind)
	require.Equal(t, ts, ev.Timestamp)
	require.Nil(t, ev.Node)
	require.NotNil(t, ev.Port)
	require.Equal(t, DirectionIn, ev.Port.Direction)
	require.Equal(t, uint32(65535), ev.Port.ObjectSerial)

	created := fromFeed(pubsub.Event[graph.Event]{
		Type:    pubsub.CreatedEvent,
		Payload: graph.LinkAdded{Link: graph.Link{OutputPortID: 1, InputPortID: 2}},
	})
	require.Equal(t, EventCreated, created.Type)
	require.Equal(t, uint32(2), created.Link.InputPortID)
}

func TestDirectionOf(t *testing.T) {
	require.Equal(t, DirectionOut, directionOf(graph.DirectionOut))
	require.Equal(t, DirectionUnknown, directionOf(graph.DirectionUnknown))
}
