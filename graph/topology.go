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

import "github.com/dtcraft/dtcraft/pb"

// Topology serializes the whole graph into a pb.Topology (spec.md §5
// "Topology extraction"): every vertex carries its container
// assignment, every container its resource demand, and every stream its
// endpoints.
func (g *Graph) Topology() pb.Topology {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := pb.Topology{
		GraphID:    g.id,
		TopologyID: pb.WholeGraphTopologyID,
		Vertices:   make(map[pb.Key]pb.VertexRef, len(g.vertices)),
		Streams:    make(map[pb.Key]pb.StreamRef, len(g.streams)),
		Containers: make(map[pb.Key]pb.ContainerRef, len(g.containers)),
	}
	for k, v := range g.vertices {
		t.Vertices[k] = pb.VertexRef{Key: k, Container: v.Container}
	}
	for k, s := range g.streams {
		t.Streams[k] = pb.StreamRef{Key: k, TailVKey: s.Tail, HeadVKey: s.Head, Tag: s.Tag}
	}
	for k, c := range g.containers {
		t.Containers[k] = pb.ContainerRef{Key: k, Resource: c.Resource, Configs: c.Configs}
	}
	return t
}

// VertexHosts fills in a vkey -> host map for every vertex incident to
// an inter-container stream in topo, so a distributed-mode executor can
// rendezvous its frontiers (spec.md §5 item 2). placement maps
// container key to the host it was placed on.
func VertexHosts(topo pb.Topology, placement map[pb.Key]string) map[pb.Key]string {
	hosts := make(map[pb.Key]string)
	for _, s := range topo.Streams {
		if topo.IsIntraContainer(s) {
			continue
		}
		for _, vkey := range []pb.Key{s.TailVKey, s.HeadVKey} {
			if v, ok := topo.Vertices[vkey]; ok {
				if host, ok := placement[v.Container]; ok {
					hosts[vkey] = host
				}
			}
		}
	}
	return hosts
}
