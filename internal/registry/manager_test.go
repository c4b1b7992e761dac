package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/pwgraph/internal/graph"
	"github.com/zjrosen/pwgraph/internal/pubsub"
)

func startManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	go m.Run(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitForReady(ctx))
	t.Cleanup(m.Stop)
	return m
}

// apply sends events and waits until the actor has applied all of them.
func apply(t *testing.T, m *Manager, events ...graph.Event) {
	t.Helper()
	before := m.eventsApplied.Load()
	for _, ev := range events {
		m.Events() <- ev
	}
	want := before + int64(len(events))
	require.Eventually(t, func() bool { return m.eventsApplied.Load() >= want }, time.Second, time.Millisecond)
}

func port(dir graph.PortDirection, node, id graph.ObjectID, name string) graph.PortAdded {
	return graph.PortAdded{Port: graph.Port{
		ID: id, NodeID: node, Direction: dir, Name: name,
		ObjectSerial: graph.InvalidID,
	}}
}

func TestManager_PortUpsertScenario(t *testing.T) {
	m := startManager(t)
	ctx := context.Background()

	apply(t, m,
		port(graph.DirectionOut, 10, 1, "mic"),
		port(graph.DirectionOut, 10, 1, "mic-renamed"),
	)

	ports, err := m.ListPorts(ctx)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	require.Equal(t, "mic-renamed", ports[0].Name)

	_, err = m.GetPortBySerial(ctx, 4242)
	require.ErrorIs(t, err, ErrPortNotFound)
}

func TestManager_SameIDsDifferentDirectionAreDistinct(t *testing.T) {
	m := startManager(t)
	apply(t, m,
		port(graph.DirectionOut, 10, 1, "out"),
		port(graph.DirectionIn, 10, 1, "in"),
	)

	ports, err := m.ListPorts(context.Background())
	require.NoError(t, err)
	require.Len(t, ports, 2)
	require.Equal(t, "in", ports[0].Name)
	require.Equal(t, "out", ports[1].Name)
}

func TestManager_ListPortsOrderedByKey(t *testing.T) {
	m := startManager(t)
	apply(t, m,
		port(graph.DirectionUnknown, 1, 1, "u"),
		port(graph.DirectionOut, 20, 3, "o20-3"),
		port(graph.DirectionIn, 30, 9, "i30"),
		port(graph.DirectionOut, 5, 7, "o5"),
		port(graph.DirectionOut, 20, 2, "o20-2"),
	)

	ports, err := m.ListPorts(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"i30", "o5", "o20-2", "o20-3", "u"}, names)
}

func TestManager_AppendOnlyCollectionsKeepArrivalOrder(t *testing.T) {
	m := startManager(t)
	apply(t, m,
		graph.NodeAdded{Node: graph.Node{ObjectSerial: 9, NodeName: "b"}},
		graph.DeviceAdded{Device: graph.Device{ObjectSerial: 3, Name: "card"}},
		graph.NodeAdded{Node: graph.Node{ObjectSerial: 2, NodeName: "a"}},
		graph.ApplicationAdded{Application: graph.Application{ObjectSerial: 5, Name: "Firefox"}},
		graph.LinkAdded{Link: graph.Link{ObjectSerial: 7, OutputPortID: 1, InputPortID: 2}},
		// Serials are not enforced unique for append-only records.
		graph.NodeAdded{Node: graph.Node{ObjectSerial: 9, NodeName: "b-again"}},
	)
	ctx := context.Background()

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "b-again"}, []string{nodes[0].NodeName, nodes[1].NodeName, nodes[2].NodeName})

	devices, err := m.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	apps, err := m.ListApplications(ctx)
	require.NoError(t, err)
	require.Equal(t, "Firefox", apps[0].Name)

	links, err := m.ListLinks(ctx)
	require.NoError(t, err)
	require.Equal(t, graph.ObjectID(7), links[0].ObjectSerial)
}

func TestManager_ListIsIdempotentAndDetached(t *testing.T) {
	m := startManager(t)
	apply(t, m, graph.NodeAdded{Node: graph.Node{ObjectSerial: 1, NodeName: "n"}})
	ctx := context.Background()

	first, err := m.ListNodes(ctx)
	require.NoError(t, err)
	first[0].NodeName = "mutated by caller"

	second, err := m.ListNodes(ctx)
	require.NoError(t, err)
	third, err := m.ListNodes(ctx)
	require.NoError(t, err)
	require.Equal(t, second, third)
	require.Equal(t, "n", second[0].NodeName)
}

func TestManager_EmptyListsAreNotNil(t *testing.T) {
	m := startManager(t)
	links, err := m.ListLinks(context.Background())
	require.NoError(t, err)
	require.NotNil(t, links)
	require.Empty(t, links)
}

func TestManager_GetPortBySerial(t *testing.T) {
	m := startManager(t)
	p := port(graph.DirectionIn, 4, 2, "playback_FL")
	p.Port.ObjectSerial = 77
	apply(t, m, p, port(graph.DirectionIn, 4, 3, "no-serial"))
	ctx := context.Background()

	got, err := m.GetPortBySerial(ctx, 77)
	require.NoError(t, err)
	require.Equal(t, "playback_FL", got.Name)

	_, err = m.GetPortBySerial(ctx, graph.InvalidID)
	require.ErrorIs(t, err, ErrPortNotFound)
}

func TestManager_AbandonedReplyIsTolerated(t *testing.T) {
	m := startManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.ListNodes(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The actor keeps serving after dropping the reply.
	st, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), st.AbandonedReplies)
	require.True(t, m.IsRunning())
}

func TestManager_NotRunning(t *testing.T) {
	m := NewManager()
	_, err := m.ListNodes(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)

	m = startManager(t)
	m.Stop()
	_, err = m.ListPorts(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestManager_StopBeforeRunStarts(t *testing.T) {
	for range 200 {
		m := NewManager()
		returned := make(chan struct{})
		go func() {
			m.Run(context.Background())
			close(returned)
		}()
		m.Stop()

		select {
		case <-returned:
		case <-time.After(time.Second):
			t.Fatal("Run kept going after Stop")
		}
		require.False(t, m.IsRunning())
	}
}

func TestManager_RunAfterStopIsNoop(t *testing.T) {
	m := NewManager()
	m.Stop()
	m.Run(context.Background())
	require.False(t, m.IsRunning())

	_, err := m.ListNodes(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	m.Stop()
}

func TestManager_RequestQueueFull(t *testing.T) {
	m := NewManager(WithRequestQueue(1))
	// Accepting without a Run loop leaves the queue undrained.
	m.running.Store(true)

	require.NoError(t, m.submit(listNodes{newReply[[]graph.Node](context.Background())}))
	err := m.submit(listNodes{newReply[[]graph.Node](context.Background())})
	require.True(t, errors.Is(err, ErrQueueFull))
}

func TestManager_StatsCounts(t *testing.T) {
	m := startManager(t)
	apply(t, m,
		port(graph.DirectionOut, 1, 1, "a"),
		port(graph.DirectionOut, 1, 1, "a2"),
		graph.NodeAdded{Node: graph.Node{ObjectSerial: 1}},
		graph.LinkAdded{Link: graph.Link{ObjectSerial: 2}},
	)

	st, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, Counts{Nodes: 1, Ports: 1, Links: 1}, st.Counts)
	require.Equal(t, int64(4), st.EventsApplied)
}

func TestManager_ChangeFeed(t *testing.T) {
	m := startManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := m.Subscribe(ctx)

	apply(t, m,
		port(graph.DirectionOut, 10, 1, "mic"),
		port(graph.DirectionOut, 10, 1, "mic-renamed"),
	)

	first := <-feed
	require.Equal(t, pubsub.CreatedEvent, first.Type)
	second := <-feed
	require.Equal(t, pubsub.UpdatedEvent, second.Type)
	require.Equal(t, "mic-renamed", second.Payload.(graph.PortAdded).Port.Name)

	m.Stop()
	_, ok := <-feed
	require.False(t, ok, "feed closes when the registry stops")
}

func TestManager_ChangeFeedByKind(t *testing.T) {
	m := startManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	links := m.Subscribe(ctx, graph.KindLink)

	apply(t, m,
		graph.NodeAdded{Node: graph.Node{ObjectSerial: 30}},
		port(graph.DirectionIn, 10, 1, "playback_FL"),
		graph.LinkAdded{Link: graph.Link{OutputPortID: 4, InputPortID: 1}},
	)

	ev := <-links
	require.Equal(t, graph.KindLink, ev.Payload.Kind())
	select {
	case extra := <-links:
		require.Failf(t, "unexpected event", "%v", extra)
	default:
	}
}

type sizeRecorder struct {
	mu    sync.Mutex
	sizes map[graph.Kind]int
}

func (r *sizeRecorder) ObjectCount(kind graph.Kind, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes[kind] = n
}

func TestManager_RecorderSeesCollectionSizes(t *testing.T) {
	rec := &sizeRecorder{sizes: map[graph.Kind]int{}}
	m := startManager(t, WithRecorder(rec))
	apply(t, m,
		port(graph.DirectionOut, 1, 1, "a"),
		port(graph.DirectionOut, 1, 1, "a"),
		port(graph.DirectionIn, 1, 1, "b"),
		graph.DeviceAdded{Device: graph.Device{}},
	)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 2, rec.sizes[graph.KindPort])
	require.Equal(t, 1, rec.sizes[graph.KindDevice])
}

func TestManager_ConcurrentReaders(t *testing.T) {
	m := startManager(t)
	apply(t, m, graph.NodeAdded{Node: graph.Node{ObjectSerial: 1}})

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodes, err := m.ListNodes(context.Background())
			if err == nil && len(nodes) != 1 {
				err = errors.New("unexpected snapshot")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// Property: whatever the arrival order, ports come back strictly ascending
// by key and each key holds the fields of its last event.
func TestState_PortUpsertAndOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var s state
		last := map[graph.PortKey]string{}

		n := rapid.IntRange(0, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			p := graph.Port{
				Direction: graph.PortDirection(rapid.IntRange(0, 2).Draw(t, "dir")),
				NodeID:    graph.ObjectID(rapid.IntRange(0, 5).Draw(t, "node")),
				ID:        graph.ObjectID(rapid.IntRange(0, 5).Draw(t, "port")),
				Name:      rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "name"),
			}
			s.apply(graph.PortAdded{Port: p})
			last[p.Key()] = p.Name
		}

		if len(s.ports) != len(last) {
			t.Fatalf("have %d ports for %d keys", len(s.ports), len(last))
		}
		for i, p := range s.ports {
			if i > 0 && !s.ports[i-1].Key().Less(p.Key()) {
				t.Fatalf("ports not strictly ascending at %d", i)
			}
			if last[p.Key()] != p.Name {
				t.Fatalf("key %+v holds %q, want %q", p.Key(), p.Name, last[p.Key()])
			}
		}
	})
}
