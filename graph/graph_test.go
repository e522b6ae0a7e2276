package graph

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

	"github.com/dtcraft/dtcraft/pb"
)

func TestBuildTwoContainerGraphAndExtract(t *testing.T) {
	g := New(7)

	src := g.Vertex().Tag("source")
	sink := g.Vertex().Tag("sink")
	g.Stream(src.Key(), sink.Key()).Critical().Build()

	c1 := g.Container().CPU(1).Add(src)
	c2 := g.Container().CPU(1).Add(sink)

	topo := g.Topology()
	assert.Equal(t, int64(7), topo.GraphID)
	assert.True(t, topo.IsWholeGraph())
	assert.Len(t, topo.Vertices, 2)
	assert.Len(t, topo.Containers, 2)

	sub1 := topo.Extract(c1.Key())
	assert.Len(t, sub1.Vertices, 1)
	assert.Contains(t, sub1.Vertices, src.Key())
	// The inter-container stream is incident to a vertex placed in c1,
	// so it is retained as c1's outbound half.
	assert.Len(t, sub1.Streams, 1)

	sub2 := topo.Extract(c2.Key())
	assert.Len(t, sub2.Vertices, 1)
	assert.Contains(t, sub2.Vertices, sink.Key())
}

func TestVertexHostsOnlyCoversInterContainerStreams(t *testing.T) {
	g := New(1)
	a := g.Vertex().Build()
	b := g.Vertex().Build()
	c := g.Vertex().Build()
	g.Stream(a.Key, b.Key).Build() // intra-container
	g.Stream(b.Key, c.Key).Build() // inter-container

	ca := g.Container()
	ca.Vertices[a.Key] = struct{}{}
	a.Container = ca.Key()
	ca.Vertices[b.Key] = struct{}{}
	b.Container = ca.Key()

	cb := g.Container()
	cb.Vertices[c.Key] = struct{}{}
	c.Container = cb.Key()

	topo := g.Topology()
	placement := map[pb.Key]string{ca.Key(): "host-a", cb.Key(): "host-b"}
	hosts := VertexHosts(topo, placement)

	assert.NotContains(t, hosts, a.Key)
	assert.Equal(t, "host-a", hosts[b.Key])
	assert.Equal(t, "host-b", hosts[c.Key])
}
