// Package graph implements the declarative build-time model of a
// DtCraft computation: a directed graph of vertices and streams, plus
// the builder API used to construct one and the topology extraction
// that turns it into the wire-level pb.Topology (spec.md §2 Data Model,
// §4.3 "Graph build API").
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
	"errors"
	"sync"
	"time"

	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

var (
	errUnknownVertex    = errors.New("graph: unknown vertex key")
	errUnknownContainer = errors.New("graph: unknown container key")
	errEmptyName        = errors.New("graph: name cannot be empty")
)

// Vertex is one node of the computation graph (spec.md §2 Vertex): an
// optional one-shot on-enter callback, the keys of the streams it reads
// from and writes to, an optional runtime descriptor, and an opaque
// per-vertex state slot. It is mutated only by the reactor thread that
// owns its enclosing executor.
type Vertex struct {
	Key      pb.Key
	Tag      string
	OnEnter  func(State) error
	IStreams map[pb.Key]struct{}
	OStreams map[pb.Key]struct{}
	Runtime  pb.Runtime
	Container pb.Key

	State State
}

// State is the opaque per-vertex slot user code may stash arbitrary
// values into between callback invocations.
type State map[string]interface{}

// Stream is the build-time model of a directed edge between two
// vertices (spec.md §2 Stream (model)): tail/head vertex keys, optional
// on-istream/on-ostream callbacks, a critical flag, and a tag. Not to be
// confused with iostream.InputStream/OutputStream, the runtime objects
// that carry a stream's bytes once the executor has wired it to a
// device.
type Stream struct {
	Key      pb.Key
	Tail     pb.Key
	Head     pb.Key
	Tag      string
	Critical bool

	// OnIStream is invoked by the owning executor each time new records
	// are available on this stream's head-side InputStream; it typically
	// loops InputStream.Unmarshal until archive.ErrShortRead. Left nil,
	// the executor still ingests and buffers bytes but never hands them
	// to user code.
	OnIStream func(State, *iostream.InputStream) reactor.Signal

	// OnOStream is invoked by the owning executor, against the tail
	// vertex's State, on every write-readiness event of this stream's
	// tail-side OutputStream once the device has synced what was queued
	// (spec.md §4.2 "on_ostream"). Left nil, the stream still delivers
	// whatever bytes user code enqueues via OutputStream.Marshal but
	// never gets a chance to enqueue more from within the write path
	// itself.
	OnOStream func(State, *iostream.OutputStream) reactor.Signal
}

// Prober describes a callback (OnProbe) attached to a vertex with a
// sampling Period, outside its stream graph (spec.md's Glossary
// "Prober"). The graph records probers, but no executor mode schedules
// them: OnProbe is never invoked.
type Prober struct {
	Key      pb.Key
	Vertex   pb.Key
	Period   time.Duration
	OnProbe  func(State)
}

// Container groups vertices that will be placed and run together in a
// single OS process (spec.md §4.4).
type Container struct {
	Key      pb.Key
	Resource pb.Resource
	Configs  map[string]string
	Vertices map[pb.Key]struct{}
}

// PlaceHolder reserves a key before the object it names has been fully
// configured, letting builders reference each other before either has
// called Build (e.g. graph.Stream(a, b) where a and b are vertices
// allocated earlier in the same batch).
type PlaceHolder struct {
	Key pb.Key
}

// Graph is the declarative, build-time model. Safe for concurrent use:
// builder methods take the graph's lock for the duration of each call,
// matching the original's single-writer-at-a-time graph mutation
// discipline even though Go makes cooperating goroutines easy to write.
type Graph struct {
	mu sync.Mutex

	keys pb.KeyGen
	id   int64

	vertices   map[pb.Key]*Vertex
	streams    map[pb.Key]*Stream
	probers    map[pb.Key]*Prober
	containers map[pb.Key]*Container
}

// New creates an empty graph identified by id (the submitting client's
// choice of graph id, propagated into every pb.Topology derived from
// it).
func New(id int64) *Graph {
	return &Graph{
		id:         id,
		vertices:   make(map[pb.Key]*Vertex),
		streams:    make(map[pb.Key]*Stream),
		probers:    make(map[pb.Key]*Prober),
		containers: make(map[pb.Key]*Container),
	}
}

// ID returns the graph's id.
func (g *Graph) ID() int64 { return g.id }

// Vertex allocates a new vertex and returns a builder for it.
func (g *Graph) Vertex() *VertexBuilder {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := g.keys.Next()
	v := &Vertex{
		Key:       key,
		IStreams:  make(map[pb.Key]struct{}),
		OStreams:  make(map[pb.Key]struct{}),
		Container: pb.InvalidKey,
		State:     make(State),
	}
	g.vertices[key] = v
	return &VertexBuilder{g: g, v: v}
}

// Stream allocates a new stream between tail and head and returns a
// builder for it.
func (g *Graph) Stream(tail, head pb.Key) *StreamBuilder {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := g.keys.Next()
	s := &Stream{Key: key, Tail: tail, Head: head}
	g.streams[key] = s
	if v, ok := g.vertices[tail]; ok {
		v.OStreams[key] = struct{}{}
	}
	if v, ok := g.vertices[head]; ok {
		v.IStreams[key] = struct{}{}
	}
	return &StreamBuilder{g: g, s: s}
}

// Prober attaches a new prober to vertex v and returns a builder for it.
func (g *Graph) Prober(v pb.Key) *ProberBuilder {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := g.keys.Next()
	p := &Prober{Key: key, Vertex: v}
	g.probers[key] = p
	return &ProberBuilder{g: g, p: p}
}

// Container allocates a new container and returns a builder for it.
func (g *Graph) Container() *ContainerBuilder {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := g.keys.Next()
	c := &Container{Key: key, Vertices: make(map[pb.Key]struct{}), Configs: make(map[string]string)}
	g.containers[key] = c
	return &ContainerBuilder{g: g, c: c}
}

// VertexByKey returns the vertex for key, or nil if it doesn't exist.
func (g *Graph) VertexByKey(key pb.Key) *Vertex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vertices[key]
}

// Vertices returns every vertex in the graph.
func (g *Graph) Vertices() []*Vertex {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Vertex, 0, len(g.vertices))
	for _, v := range g.vertices {
		out = append(out, v)
	}
	return out
}

// Streams returns every stream in the graph.
func (g *Graph) Streams() []*Stream {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Stream, 0, len(g.streams))
	for _, s := range g.streams {
		out = append(out, s)
	}
	return out
}

// Containers returns every container in the graph.
func (g *Graph) Containers() []*Container {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Container, 0, len(g.containers))
	for _, c := range g.containers {
		out = append(out, c)
	}
	return out
}
