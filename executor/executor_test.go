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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcraft/dtcraft/dtconfig"
	"github.com/dtcraft/dtcraft/graph"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

func TestParseModeRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeLocal, ModeSubmit, ModeDistributed} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("bogus")
	assert.Error(t, err)
}

func TestParseModeEmptyIsLocal(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, m)
}

func TestRunLocalZeroVerticesSucceedsImmediately(t *testing.T) {
	g := graph.New(1)
	e, err := New(g, ModeLocal, dtconfig.Runtime{})
	require.NoError(t, err)

	code, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, code)
}

// TestRunLocalSourceToSinkCompletesWhenBothSignalDone wires a source
// vertex that marshals one record and signals done, and a sink vertex
// that unmarshals it then signals done; the executor should shut itself
// down with ExitSuccess once both have done so (spec.md §4.3 "Vertex
// activation").
func TestRunLocalSourceToSinkCompletesWhenBothSignalDone(t *testing.T) {
	g := graph.New(1)
	src := g.Vertex().Tag("source")
	sink := g.Vertex().Tag("sink")
	s := g.Stream(src.Key(), sink.Key())

	received := make(chan pb.TaskID, 1)
	s.On(func(st graph.State, in *iostream.InputStream) reactor.Signal {
		var id pb.TaskID
		for {
			if err := in.Unmarshal(&id); err != nil {
				break
			}
			received <- id
			st["done"].(func())()
		}
		return reactor.SignalDefault
	})

	e, err := New(g, ModeLocal, dtconfig.Runtime{})
	require.NoError(t, err)

	srcVertex := g.VertexByKey(src.Key())
	srcVertex.OnEnter = func(st graph.State) error {
		out := OStream(srcVertex, s.Key())
		if err := out.Marshal(pb.TaskID{GraphID: 7}); err != nil {
			return err
		}
		st["done"].(func())()
		return nil
	}

	codeCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		code, err := e.Run(context.Background())
		errCh <- err
		codeCh <- code
	}()

	select {
	case id := <-received:
		assert.Equal(t, int64(7), id.GraphID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record to arrive at sink")
	}

	select {
	case code := <-codeCh:
		assert.Equal(t, ExitSuccess, code)
		assert.NoError(t, <-errCh)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for executor to shut down")
	}
}

// TestRunLocalOnOStreamFiresAfterWrite wires a stream's on-ostream
// callback and checks the executor invokes it, against the tail
// vertex's State, once the marshaled record has synced (spec.md §4.2
// "on_ostream").
func TestRunLocalOnOStreamFiresAfterWrite(t *testing.T) {
	g := graph.New(1)
	src := g.Vertex().Tag("source")
	sink := g.Vertex().Tag("sink")
	s := g.Stream(src.Key(), sink.Key())

	fired := make(chan graph.State, 1)
	s.OnWrite(func(st graph.State, out *iostream.OutputStream) reactor.Signal {
		select {
		case fired <- st:
		default:
		}
		return reactor.SignalDefault
	})
	s.On(func(st graph.State, in *iostream.InputStream) reactor.Signal {
		var id pb.TaskID
		for {
			if err := in.Unmarshal(&id); err != nil {
				break
			}
			st["done"].(func())()
		}
		return reactor.SignalDefault
	})

	e, err := New(g, ModeLocal, dtconfig.Runtime{})
	require.NoError(t, err)

	srcVertex := g.VertexByKey(src.Key())
	srcVertex.OnEnter = func(st graph.State) error {
		st["marker"] = "source"
		out := OStream(srcVertex, s.Key())
		if err := out.Marshal(pb.TaskID{GraphID: 9}); err != nil {
			return err
		}
		st["done"].(func())()
		return nil
	}

	codeCh := make(chan int, 1)
	go func() {
		code, _ := e.Run(context.Background())
		codeCh <- code
	}()

	select {
	case st := <-fired:
		assert.Equal(t, "source", st["marker"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on-ostream callback")
	}

	select {
	case <-codeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for executor to shut down")
	}
}

func TestRunLocalCtxCancelStopsExecutor(t *testing.T) {
	g := graph.New(1)
	v := g.Vertex().Tag("idle")
	v.On(func(graph.State) error { return nil })

	e, err := New(g, ModeLocal, dtconfig.Runtime{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	codeCh := make(chan int, 1)
	go func() {
		code, _ := e.Run(ctx)
		codeCh <- code
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case code := <-codeCh:
		assert.Equal(t, ExitSuccess, code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ctx-cancelled executor to stop")
	}
}

func TestRunDistributedRequiresContainerKey(t *testing.T) {
	g := graph.New(1)
	e, err := New(g, ModeDistributed, dtconfig.Runtime{ContainerKey: pb.InvalidKey})
	require.NoError(t, err)

	code, err := e.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, ExitVertexProgram, code)
}

func TestRunDistributedSkipsVerticesOutsideOwnedContainer(t *testing.T) {
	g := graph.New(1)
	owned := g.Vertex().Tag("owned")
	other := g.Vertex().Tag("other")

	owned.On(func(graph.State) error { return nil })
	other.On(func(graph.State) error { return nil })

	ownedVertex := g.VertexByKey(owned.Key())
	ownedVertex.Container = 1
	otherVertex := g.VertexByKey(other.Key())
	otherVertex.Container = 2

	e, err := New(g, ModeDistributed, dtconfig.Runtime{ContainerKey: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _ = e.Run(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.True(t, e.entered[ownedVertex.Key])
	assert.False(t, e.entered[otherVertex.Key])
}
