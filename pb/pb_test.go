package pb

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcraft/dtcraft/archive"
)

func roundTrip(t *testing.T, m archive.Marshaler, um archive.Unmarshaler) {
	t.Helper()
	w := archive.NewWriter(64)
	require.NoError(t, m.MarshalArchive(w))
	r := archive.NewReader(w.Bytes())
	require.NoError(t, um.UnmarshalArchive(r))
	assert.Equal(t, 0, r.Len())
}

func TestResourceDominatesAndArithmetic(t *testing.T) {
	big := NewResource(8, 16<<30, 500<<30)
	small := NewResource(2, 4<<30, 100<<30)

	assert.True(t, big.Dominates(small))
	assert.False(t, small.Dominates(big))

	sum := small.Add(small)
	assert.Equal(t, uint64(4), sum.NumCPUs)

	rest, ok := big.Sub(small)
	require.True(t, ok)
	assert.Equal(t, uint64(6), rest.NumCPUs)

	_, ok = small.Sub(big)
	assert.False(t, ok)
}

func TestResourceRoundTrip(t *testing.T) {
	r := NewResource(4, 1<<30, 1<<40)
	var got Resource
	roundTrip(t, r, &got)
	assert.Equal(t, r, got)
}

func TestTaskIDRoundTrip(t *testing.T) {
	id := TaskID{GraphID: 7, TopologyID: 3}
	var got TaskID
	roundTrip(t, id, &got)
	assert.Equal(t, id, got)
	assert.Equal(t, "g7/t3", id.String())
}

func TestTopologyExtractKeepsOnlyIncidentVertices(t *testing.T) {
	topo := Topology{
		GraphID:    1,
		TopologyID: WholeGraphTopologyID,
		Vertices: map[Key]VertexRef{
			0: {Key: 0, Container: 10},
			1: {Key: 1, Container: 10},
			2: {Key: 2, Container: 20},
		},
		Streams: map[Key]StreamRef{
			100: {Key: 100, TailVKey: 0, HeadVKey: 1},
			101: {Key: 101, TailVKey: 1, HeadVKey: 2},
		},
		Containers: map[Key]ContainerRef{
			10: {Key: 10, Resource: NewResource(1, 0, 0)},
			20: {Key: 20, Resource: NewResource(1, 0, 0)},
		},
	}

	sub := topo.Extract(10)
	assert.Len(t, sub.Vertices, 2)
	assert.Contains(t, sub.Vertices, Key(0))
	assert.Contains(t, sub.Vertices, Key(1))
	assert.NotContains(t, sub.Vertices, Key(2))
	// Stream 101 is incident to vertex 1 (in container 10) so it is kept
	// even though its head vertex lives in container 20 -- it is the
	// inter-container half of the stream.
	assert.Contains(t, sub.Streams, Key(101))
	assert.Len(t, sub.Containers, 1)
}

func TestTopologyIsIntraContainer(t *testing.T) {
	topo := Topology{
		Vertices: map[Key]VertexRef{
			0: {Key: 0, Container: 10},
			1: {Key: 1, Container: 10},
			2: {Key: 2, Container: 20},
		},
	}
	assert.True(t, topo.IsIntraContainer(StreamRef{TailVKey: 0, HeadVKey: 1}))
	assert.False(t, topo.IsIntraContainer(StreamRef{TailVKey: 0, HeadVKey: 2}))
}

func TestTopologyRoundTrip(t *testing.T) {
	topo := Topology{
		GraphID:    42,
		TopologyID: WholeGraphTopologyID,
		Runtime:    Runtime{Tag: "whole", Env: map[string]string{"X": "1"}},
		Vertices:   map[Key]VertexRef{0: {Key: 0, Container: InvalidKey}},
		Streams:    map[Key]StreamRef{100: {Key: 100, TailVKey: 0, HeadVKey: 0}},
		Containers: map[Key]ContainerRef{},
	}
	var got Topology
	roundTrip(t, topo, &got)
	assert.Equal(t, topo.GraphID, got.GraphID)
	assert.Equal(t, topo.Vertices, got.Vertices)
	assert.Equal(t, topo.Streams, got.Streams)
}

func TestMessageVariantRoundTrip(t *testing.T) {
	cases := []Message{
		NewKillTaskMessage(TaskID{GraphID: 1, TopologyID: 2}),
		NewBrokenIOMessage(DirectionInput, 32),
		NewResourceMessage(NewResource(2, 4, 8)),
		NewLoadInfoMessage(LoadInfo{AgentHost: "h1", CPULoad: 0.5}),
		NewTaskInfoMessage(TaskInfo{TaskID: TaskID{GraphID: 1}, AgentHost: "h1", Status: 0}),
		NewSolutionMessage(Solution{GraphID: 1, Tasks: []TaskInfo{{Status: 101}}}),
	}
	for _, m := range cases {
		var got Message
		roundTrip(t, m, &got)
		assert.Equal(t, m.Kind, got.Kind)
	}
}

func TestFrontierPacketRoundTrip(t *testing.T) {
	f := FrontierPacket{GraphID: 9, StreamKey: 5}
	var got FrontierPacket
	roundTrip(t, f, &got)
	assert.Equal(t, f, got)
}
