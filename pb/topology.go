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

import "github.com/dtcraft/dtcraft/archive"

// WholeGraphTopologyID is the sentinel TopologyID meaning "this Topology
// describes the whole graph, before partitioning into containers"
// (spec.md §2 Topology).
const WholeGraphTopologyID int32 = -1

// VertexRef is the wire projection of a graph Vertex: its own key and
// the key of the container it was placed into (InvalidKey before
// placement).
type VertexRef struct {
	Key       Key
	Container Key
}

// MarshalArchive implements archive.Marshaler.
func (v VertexRef) MarshalArchive(w *archive.Writer) error {
	w.PutInt32(int32(v.Key))
	w.PutInt32(int32(v.Container))
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (v *VertexRef) UnmarshalArchive(r *archive.Reader) error {
	k, err := r.GetInt32()
	if err != nil {
		return err
	}
	c, err := r.GetInt32()
	if err != nil {
		return err
	}
	v.Key, v.Container = Key(k), Key(c)
	return nil
}

// StreamRef is the wire projection of a graph Stream: its own key, the
// keys of the vertices it runs between, and its tag. Tag is carried here
// (rather than re-derived) so the agent, which never rebuilds the
// graph, computes the exact same bridge-fd tag
// (device.HostTag(Tag, Key)) the executor will look up in DTC_BRIDGES
// (spec.md §4.6 "Frontier matching", §6 "bridge FDs").
type StreamRef struct {
	Key      Key
	TailVKey Key
	HeadVKey Key
	Tag      string
}

// MarshalArchive implements archive.Marshaler.
func (s StreamRef) MarshalArchive(w *archive.Writer) error {
	w.PutInt32(int32(s.Key))
	w.PutInt32(int32(s.TailVKey))
	w.PutInt32(int32(s.HeadVKey))
	w.PutString(s.Tag)
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (s *StreamRef) UnmarshalArchive(r *archive.Reader) error {
	k, err := r.GetInt32()
	if err != nil {
		return err
	}
	t, err := r.GetInt32()
	if err != nil {
		return err
	}
	h, err := r.GetInt32()
	if err != nil {
		return err
	}
	s.Key, s.TailVKey, s.HeadVKey = Key(k), Key(t), Key(h)
	s.Tag, err = r.GetString()
	return err
}

// ContainerRef is the wire projection of a graph Container: its own key,
// its resource demand, and a freeform config map (namespace isolation
// flags).
type ContainerRef struct {
	Key      Key
	Resource Resource
	Configs  map[string]string
}

// MarshalArchive implements archive.Marshaler.
func (c ContainerRef) MarshalArchive(w *archive.Writer) error {
	w.PutInt32(int32(c.Key))
	if err := c.Resource.MarshalArchive(w); err != nil {
		return err
	}
	return archive.PutMap(w, c.Configs,
		func(w *archive.Writer, k string) error { w.PutString(k); return nil },
		func(w *archive.Writer, v string) error { w.PutString(v); return nil },
	)
}

// UnmarshalArchive implements archive.Unmarshaler.
func (c *ContainerRef) UnmarshalArchive(r *archive.Reader) error {
	k, err := r.GetInt32()
	if err != nil {
		return err
	}
	c.Key = Key(k)
	if err := c.Resource.UnmarshalArchive(r); err != nil {
		return err
	}
	c.Configs, err = archive.GetMap(r,
		func(r *archive.Reader) (string, error) { return r.GetString() },
		func(r *archive.Reader) (string, error) { return r.GetString() },
	)
	return err
}

// Topology is the serializable description of part or all of a graph
// (spec.md §2 Topology): `{graph_id, topology_id, runtime, vertices,
// streams, containers}`. TopologyID == WholeGraphTopologyID means "the
// whole graph", before partitioning.
type Topology struct {
	GraphID    int64
	TopologyID int32
	Runtime    Runtime
	Vertices   map[Key]VertexRef
	Streams    map[Key]StreamRef
	Containers map[Key]ContainerRef

	// VertexHosts maps the key of every vertex at either end of any
	// inter-container stream of the whole graph (not only this
	// sub-topology's) to the frontier address ("host:port") of the agent
	// hosting it, filled in by the master at deploy time (spec.md §4.5 steps 1-2, §4.6
	// "Frontier matching"). Empty on the whole-graph Topology.
	VertexHosts map[Key]string
}

// IsWholeGraph reports whether t describes the whole graph rather than
// one container's slice of it.
func (t Topology) IsWholeGraph() bool { return t.TopologyID == WholeGraphTopologyID }

// Extract returns the sub-topology whose vertex set is exactly the
// vertices placed in container c, plus every stream incident to those
// vertices (spec.md §2 Topology, §5 "Topology extraction"). The
// returned topology keeps only the single container c.
func (t Topology) Extract(c Key) Topology {
	out := Topology{
		GraphID:    t.GraphID,
		TopologyID: int32(c),
		Runtime:    t.Runtime,
		Vertices:   make(map[Key]VertexRef),
		Streams:    make(map[Key]StreamRef),
		Containers: make(map[Key]ContainerRef),
	}
	if cref, ok := t.Containers[c]; ok {
		out.Containers[c] = cref
	}
	for k, v := range t.Vertices {
		if v.Container == c {
			out.Vertices[k] = v
		}
	}
	for k, s := range t.Streams {
		_, tailIn := out.Vertices[s.TailVKey]
		_, headIn := out.Vertices[s.HeadVKey]
		if tailIn || headIn {
			out.Streams[k] = s
		}
	}
	return out
}

// IsIntraContainer reports whether both endpoints of s were placed in
// the same container (spec.md §5 "Streams are tagged intra- or
// inter-container by comparing the tail and head containers").
func (t Topology) IsIntraContainer(s StreamRef) bool {
	tail, tok := t.Vertices[s.TailVKey]
	head, hok := t.Vertices[s.HeadVKey]
	return tok && hok && tail.Container == head.Container
}

// MarshalArchive implements archive.Marshaler.
func (t Topology) MarshalArchive(w *archive.Writer) error {
	w.PutInt64(t.GraphID)
	w.PutInt32(t.TopologyID)
	if err := t.Runtime.MarshalArchive(w); err != nil {
		return err
	}
	if err := archive.PutMap(w, t.Vertices,
		func(w *archive.Writer, k Key) error { w.PutInt32(int32(k)); return nil },
		func(w *archive.Writer, v VertexRef) error { return v.MarshalArchive(w) },
	); err != nil {
		return err
	}
	if err := archive.PutMap(w, t.Streams,
		func(w *archive.Writer, k Key) error { w.PutInt32(int32(k)); return nil },
		func(w *archive.Writer, v StreamRef) error { return v.MarshalArchive(w) },
	); err != nil {
		return err
	}
	if err := archive.PutMap(w, t.Containers,
		func(w *archive.Writer, k Key) error { w.PutInt32(int32(k)); return nil },
		func(w *archive.Writer, v ContainerRef) error { return v.MarshalArchive(w) },
	); err != nil {
		return err
	}
	return archive.PutMap(w, t.VertexHosts,
		func(w *archive.Writer, k Key) error { w.PutInt32(int32(k)); return nil },
		func(w *archive.Writer, v string) error { w.PutString(v); return nil },
	)
}

// UnmarshalArchive implements archive.Unmarshaler.
func (t *Topology) UnmarshalArchive(r *archive.Reader) error {
	var err error
	if t.GraphID, err = r.GetInt64(); err != nil {
		return err
	}
	if t.TopologyID, err = r.GetInt32(); err != nil {
		return err
	}
	if err = t.Runtime.UnmarshalArchive(r); err != nil {
		return err
	}
	getKey := func(r *archive.Reader) (Key, error) {
		v, err := r.GetInt32()
		return Key(v), err
	}
	if t.Vertices, err = archive.GetMap(r, getKey, func(r *archive.Reader) (VertexRef, error) {
		var v VertexRef
		err := v.UnmarshalArchive(r)
		return v, err
	}); err != nil {
		return err
	}
	if t.Streams, err = archive.GetMap(r, getKey, func(r *archive.Reader) (StreamRef, error) {
		var s StreamRef
		err := s.UnmarshalArchive(r)
		return s, err
	}); err != nil {
		return err
	}
	if t.Containers, err = archive.GetMap(r, getKey, func(r *archive.Reader) (ContainerRef, error) {
		var c ContainerRef
		err := c.UnmarshalArchive(r)
		return c, err
	}); err != nil {
		return err
	}
	t.VertexHosts, err = archive.GetMap(r, getKey, func(r *archive.Reader) (string, error) { return r.GetString() })
	return err
}
