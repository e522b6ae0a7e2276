package scheduler

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

	"github.com/dtcraft/dtcraft/pb"
)

func TestBestFitPicksSmallestDominatingBin(t *testing.T) {
	bins := []Bin{
		{AgentKey: 1, Free: pb.NewResource(8, 32<<30, 0)},
		{AgentKey: 2, Free: pb.NewResource(2, 4<<30, 0)},
		{AgentKey: 3, Free: pb.NewResource(4, 8<<30, 0)},
	}
	demand := pb.NewResource(2, 2<<30, 0)

	chosen, ok := BestFit(bins, demand)
	require.True(t, ok)
	assert.Equal(t, pb.Key(2), chosen.AgentKey)
}

func TestBestFitFailsWhenNoBinDominates(t *testing.T) {
	bins := []Bin{{AgentKey: 1, Free: pb.NewResource(1, 0, 0)}}
	_, ok := BestFit(bins, pb.NewResource(2, 0, 0))
	assert.False(t, ok)
}

func TestPlaceTwoContainersSequentially(t *testing.T) {
	topo := pb.Topology{
		Containers: map[pb.Key]pb.ContainerRef{
			10: {Key: 10, Resource: pb.NewResource(2, 0, 0)},
			20: {Key: 20, Resource: pb.NewResource(4, 0, 0)},
		},
	}
	bins := []Bin{
		{AgentKey: 1, Host: "h1", Free: pb.NewResource(4, 0, 0)},
		{AgentKey: 2, Host: "h2", Free: pb.NewResource(2, 0, 0)},
	}

	part := Place(topo, bins)
	require.True(t, part.Ok)
	require.Len(t, part.Assignments, 2)
	// Container 10 (demand 2) best-fits agent 2 (free exactly 2).
	assert.Equal(t, pb.Key(2), part.Assignments[0].AgentKey)
	// Container 20 (demand 4) then only fits agent 1.
	assert.Equal(t, pb.Key(1), part.Assignments[1].AgentKey)
}

func TestPlaceFailsGraphStaysQueued(t *testing.T) {
	topo := pb.Topology{
		Containers: map[pb.Key]pb.ContainerRef{
			10: {Key: 10, Resource: pb.NewResource(100, 0, 0)},
		},
	}
	bins := []Bin{{AgentKey: 1, Free: pb.NewResource(1, 0, 0)}}

	part := Place(topo, bins)
	assert.False(t, part.Ok)
	assert.Nil(t, part.Assignments)
}

func TestDeploymentsExtractSubtopologyPerContainer(t *testing.T) {
	topo := pb.Topology{
		GraphID: 1,
		Vertices: map[pb.Key]pb.VertexRef{
			0: {Key: 0, Container: 10},
			1: {Key: 1, Container: 20},
		},
		Streams: map[pb.Key]pb.StreamRef{
			100: {Key: 100, TailVKey: 0, HeadVKey: 1},
		},
		Containers: map[pb.Key]pb.ContainerRef{
			10: {Key: 10, Resource: pb.NewResource(1, 0, 0)},
			20: {Key: 20, Resource: pb.NewResource(1, 0, 0)},
		},
	}
	bins := []Bin{
		{AgentKey: 1, Host: "h1", Free: pb.NewResource(1, 0, 0)},
		{AgentKey: 2, Host: "h2", Free: pb.NewResource(1, 0, 0)},
	}

	part := Place(topo, bins)
	require.True(t, part.Ok)

	// Container 10 (demand 1) best-fits agent 1 (free exactly 1, lower
	// AgentKey wins the tie); container 20 then only fits agent 2.
	hostByContainer := map[pb.Key]string{10: "h1", 20: "h2"}
	for _, a := range part.Assignments {
		assert.Equal(t, hostByContainer[a.Container], a.Host)
	}

	deps := Deployments(topo, part)
	require.Len(t, deps, 2)
	for _, d := range deps {
		assert.Len(t, d.Sub.Vertices, 1)
		// Each deployment's VertexHosts must resolve the *remote* end
		// of its inter-container stream to the remote container's
		// host, not its own: vertex 0 lives on container 10 (host h1),
		// vertex 1 on container 20 (host h2).
		require.Contains(t, d.VertexHosts, pb.Key(0))
		require.Contains(t, d.VertexHosts, pb.Key(1))
		assert.Equal(t, "h1", d.VertexHosts[0])
		assert.Equal(t, "h2", d.VertexHosts[1])
	}
}
