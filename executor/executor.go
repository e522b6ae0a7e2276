// Package executor runs a graph.Graph to completion in one of the three
// modes spec.md §4.3 defines: local (no master, one process), submit (a
// thin client that hands a topology to the master), and distributed (one
// container of one placed topology). It owns the process's single
// Reactor and is the only thing allowed to mutate the graph once
// Run starts (spec.md §5 "Graph: exclusively owned by the executor
// during run; no concurrent mutation").
package executor

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
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dtcraft/dtcraft/container"
	"github.com/dtcraft/dtcraft/dtconfig"
	"github.com/dtcraft/dtcraft/dtlog"
	"github.com/dtcraft/dtcraft/graph"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// Executor runs one graph in one of Mode's three strategies.
type Executor struct {
	g       *graph.Graph
	mode    Mode
	runtime dtconfig.Runtime
	log     dtlog.Logger

	r *reactor.Reactor

	mu       sync.Mutex
	entered  map[pb.Key]bool
	finished map[pb.Key]bool
	awaiting int // number of non-program vertices whose "done" is expected
	critical bool // a critical stream broke; process should exit non-zero
	exitCode int

	containers map[pb.Key]*container.Container

	done chan struct{}
	once sync.Once
}

// New creates an Executor for g, running in mode with rt describing the
// environment-variable contract already parsed (spec.md §6).
func New(g *graph.Graph, mode Mode, rt dtconfig.Runtime) (*Executor, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("executor: reactor: %w", err)
	}
	return &Executor{
		g:          g,
		mode:       mode,
		runtime:    rt,
		log:        dtlog.New("component", "executor", "graph_id", g.ID(), "mode", mode.String()),
		r:          r,
		entered:    make(map[pb.Key]bool),
		containers: make(map[pb.Key]*container.Container),
		done:       make(chan struct{}),
	}, nil
}

func istreamStateKey(k pb.Key) string { return "istream:" + strconv.Itoa(int(k)) }
func ostreamStateKey(k pb.Key) string { return "ostream:" + strconv.Itoa(int(k)) }

// stateShutdownKey and stateDoneKey name the two control hooks every
// activated vertex finds in its State: "shutdown" stops the whole
// executor immediately, "done" reports that this one vertex has nothing
// further to do. Neither is called automatically -- a vertex decides its
// own completion from within its on-enter or stream callbacks (probers
// are not scheduled by any mode; spec.md §4.3).
const (
	stateShutdownKey = "shutdown"
	stateDoneKey     = "done"
)

// vertexDone records that v has no further obligations; once every
// non-program vertex of a local/distributed run has reported done, the
// executor shuts itself down.
func (e *Executor) vertexDone(key pb.Key) {
	e.mu.Lock()
	if e.finished == nil {
		e.finished = make(map[pb.Key]bool)
	}
	e.finished[key] = true
	done := len(e.finished) >= e.awaiting
	e.mu.Unlock()
	if done && e.awaiting > 0 {
		e.Shutdown()
	}
}

// Run materializes the graph per the executor's mode and runs the
// reactor until every vertex has finished (local/distributed) or the
// master has replied with a Solution (submit). It returns the process
// exit code spec.md §6 pins for each failure class.
func (e *Executor) Run(ctx context.Context) (int, error) {
	switch e.mode {
	case ModeLocal:
		return e.runLocal(ctx)
	case ModeSubmit:
		return e.runSubmit(ctx)
	case ModeDistributed:
		return e.runDistributed(ctx)
	default:
		return ExitVertexProgram, fmt.Errorf("executor: unknown mode %v", e.mode)
	}
}

// activate runs v's on-enter callback exactly once, on the reactor
// thread, the moment all of its stream-device objects are bound (spec.md
// §4.3 "Vertex activation").
func (e *Executor) activate(v *graph.Vertex) {
	e.mu.Lock()
	if e.entered[v.Key] {
		e.mu.Unlock()
		return
	}
	e.entered[v.Key] = true
	e.mu.Unlock()

	v.State[stateShutdownKey] = e.Shutdown
	v.State[stateDoneKey] = func() { e.vertexDone(v.Key) }

	if v.OnEnter == nil {
		return
	}
	if err := v.OnEnter(v.State); err != nil {
		e.log.Errorw("vertex on-enter failed", "vertex", v.Key, "tag", v.Tag, "error", err)
	}
}

// bindOutputSide wires dev as s's tail-side OutputStream, stashing it
// into tail's State so user code (on-enter, prober) can reach it
// directly (spec.md §4.2, §4.3). Used when the tail vertex runs as Go
// code in this process; a Program-vertex tail instead receives dev as a
// raw bridge FD (see program.go).
func (e *Executor) bindOutputSide(s *graph.Stream, tail *graph.Vertex, dev iostream.Device) *iostream.OutputStream {
	out := iostream.NewOutputStream(e.r, dev, e.outputHandler(s, tail), e.brokenOutputHandler(s, tail))
	tail.State[ostreamStateKey(s.Key)] = out
	return out
}

// bindInputSide wires dev as s's head-side InputStream, analogous to
// bindOutputSide.
func (e *Executor) bindInputSide(s *graph.Stream, head *graph.Vertex, dev iostream.Device) *iostream.InputStream {
	in := iostream.NewInputStream(e.r, dev, e.inputHandler(s, head), e.brokenInputHandler(s, head))
	head.State[istreamStateKey(s.Key)] = in
	return in
}

func (e *Executor) inputHandler(s *graph.Stream, head *graph.Vertex) func(*iostream.InputStream) reactor.Signal {
	return func(in *iostream.InputStream) reactor.Signal {
		if s.OnIStream == nil {
			return reactor.SignalDefault
		}
		return s.OnIStream(head.State, in)
	}
}

func (e *Executor) outputHandler(s *graph.Stream, tail *graph.Vertex) func(*iostream.OutputStream) reactor.Signal {
	return func(out *iostream.OutputStream) reactor.Signal {
		if s.OnOStream == nil {
			return reactor.SignalDefault
		}
		return s.OnOStream(tail.State, out)
	}
}

func (e *Executor) brokenInputHandler(s *graph.Stream, head *graph.Vertex) func(*iostream.InputStream, pb.BrokenIO) {
	return func(_ *iostream.InputStream, bio pb.BrokenIO) {
		e.log.Infow("input stream broken", "stream", s.Key, "vertex", head.Key, "error_code", bio.ErrorCode)
		e.onStreamBroken(s)
	}
}

func (e *Executor) brokenOutputHandler(s *graph.Stream, tail *graph.Vertex) func(*iostream.OutputStream, pb.BrokenIO) {
	return func(_ *iostream.OutputStream, bio pb.BrokenIO) {
		e.log.Infow("output stream broken", "stream", s.Key, "vertex", tail.Key, "error_code", bio.ErrorCode)
		e.onStreamBroken(s)
	}
}

// onStreamBroken implements spec.md §7's "critical streams additionally
// exit the executor" and §4.2's "default handler deregisters the
// stream".
func (e *Executor) onStreamBroken(s *graph.Stream) {
	if !s.Critical {
		return
	}
	e.mu.Lock()
	e.critical = true
	e.exitCode = ExitCriticalStream
	e.mu.Unlock()
	e.Shutdown()
}

// Shutdown stops the reactor once pending work settles.
func (e *Executor) Shutdown() {
	e.once.Do(func() { close(e.done) })
	e.r.Shutdown()
}

// IStream looks up the bound InputStream for stream key k on vertex v's
// state, or nil if unbound.
func IStream(v *graph.Vertex, k pb.Key) *iostream.InputStream {
	s, _ := v.State[istreamStateKey(k)].(*iostream.InputStream)
	return s
}

// OStream looks up the bound OutputStream for stream key k on vertex v's
// state, or nil if unbound.
func OStream(v *graph.Vertex, k pb.Key) *iostream.OutputStream {
	s, _ := v.State[ostreamStateKey(k)].(*iostream.OutputStream)
	return s
}
