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
	"time"

	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// VertexBuilder accumulates settings for one Vertex before it starts
// running. Every setter returns the same builder so calls chain
// (spec.md §4.3 "Builders expose fluent setters").
type VertexBuilder struct {
	g *Graph
	v *Vertex
}

// Key returns the vertex's allocated key, usable immediately to wire up
// streams even before the builder's other setters run.
func (b *VertexBuilder) Key() pb.Key { return b.v.Key }

// On sets the vertex's one-shot on-enter callback.
func (b *VertexBuilder) On(fn func(State) error) *VertexBuilder {
	b.v.OnEnter = fn
	return b
}

// Tag sets a free-form name surfaced in logs and Runtime.Tag.
func (b *VertexBuilder) Tag(tag string) *VertexBuilder {
	b.v.Tag = tag
	b.v.Runtime.Tag = tag
	return b
}

// CPU sets the vertex's runtime resource hint for CPU count.
func (b *VertexBuilder) CPU(n uint64) *VertexBuilder {
	b.v.Runtime.Resource.NumCPUs = n
	return b
}

// Memory sets the vertex's runtime resource hint for memory, in bytes.
func (b *VertexBuilder) Memory(bytes uint64) *VertexBuilder {
	b.v.Runtime.Resource.MemoryBytes = bytes
	return b
}

// Program marks the vertex to be spawned as an external process running
// cmd (spec.md §4.3 "Program vertices").
func (b *VertexBuilder) Program(cmd ...string) *VertexBuilder {
	b.v.Runtime.Command = cmd
	return b
}

// Env sets one environment variable the spawned program will receive.
func (b *VertexBuilder) Env(key, value string) *VertexBuilder {
	if b.v.Runtime.Env == nil {
		b.v.Runtime.Env = make(map[string]string)
	}
	b.v.Runtime.Env[key] = value
	return b
}

// Build returns the finished Vertex.
func (b *VertexBuilder) Build() *Vertex { return b.v }

// StreamBuilder accumulates settings for one Stream.
type StreamBuilder struct {
	g *Graph
	s *Stream
}

// Key returns the stream's allocated key.
func (b *StreamBuilder) Key() pb.Key { return b.s.Key }

// Tag sets a free-form name for the stream.
func (b *StreamBuilder) Tag(tag string) *StreamBuilder {
	b.s.Tag = tag
	return b
}

// Critical marks the stream critical: if it is an inter-container
// stream and its peer socket dies unexpectedly, the owning executor
// exits with the critical-stream exit code (spec.md §4.2
// "Critical-stream semantics").
func (b *StreamBuilder) Critical() *StreamBuilder {
	b.s.Critical = true
	return b
}

// On sets the stream's on-istream callback, run by the owning executor
// on every read-readiness event once the stream's InputStream is bound.
func (b *StreamBuilder) On(fn func(State, *iostream.InputStream) reactor.Signal) *StreamBuilder {
	b.s.OnIStream = fn
	return b
}

// OnWrite sets the stream's on-ostream callback, run by the owning
// executor against the tail vertex's State on every write-readiness
// event once the stream's OutputStream is bound (spec.md §4.2
// "on_ostream").
func (b *StreamBuilder) OnWrite(fn func(State, *iostream.OutputStream) reactor.Signal) *StreamBuilder {
	b.s.OnOStream = fn
	return b
}

// Build returns the finished Stream.
func (b *StreamBuilder) Build() *Stream { return b.s }

// ProberBuilder accumulates settings for one Prober.
type ProberBuilder struct {
	g *Graph
	p *Prober
}

// Duration sets how often the prober samples its vertex's state.
func (b *ProberBuilder) Duration(d time.Duration) *ProberBuilder {
	b.p.Period = d
	return b
}

// On sets the prober's sampling callback.
func (b *ProberBuilder) On(fn func(State)) *ProberBuilder {
	b.p.OnProbe = fn
	return b
}

// Build returns the finished Prober.
func (b *ProberBuilder) Build() *Prober { return b.p }

// ContainerBuilder accumulates settings for one Container.
type ContainerBuilder struct {
	g *Graph
	c *Container
}

// Key returns the container's allocated key.
func (b *ContainerBuilder) Key() pb.Key { return b.c.Key }

// CPU sets the container's declared CPU demand.
func (b *ContainerBuilder) CPU(n uint64) *ContainerBuilder {
	b.c.Resource.NumCPUs = n
	return b
}

// Memory sets the container's declared memory demand, in bytes.
func (b *ContainerBuilder) Memory(bytes uint64) *ContainerBuilder {
	b.c.Resource.MemoryBytes = bytes
	return b
}

// Config sets one namespace-isolation config knob
// (spec.md §4.4 "configurable namespace isolation flags").
func (b *ContainerBuilder) Config(key, value string) *ContainerBuilder {
	b.c.Configs[key] = value
	return b
}

// Add places vertex v into this container.
func (b *ContainerBuilder) Add(v *VertexBuilder) *ContainerBuilder {
	b.c.Vertices[v.v.Key] = struct{}{}
	v.v.Container = b.c.Key
	return b
}

// Build returns the finished Container.
func (b *ContainerBuilder) Build() *Container { return b.c }
