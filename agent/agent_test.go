package agent

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

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// fakeMaster accepts exactly one connection and decodes every pb.Message
// it sends onto a channel, standing in for master.Master in tests that
// only care what an Agent sends it.
type fakeMaster struct {
	listener *device.Socket
	addr     string
	msgs     chan pb.Message
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	l, err := device.MakeSocketServer("127.0.0.1:0")
	require.NoError(t, err)
	addr, err := l.LocalHost()
	require.NoError(t, err)

	r, err := reactor.New()
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Shutdown)

	fm := &fakeMaster{listener: l, addr: addr, msgs: make(chan pb.Message, 16)}
	r.InsertRead(l, func(*reactor.ReadEvent) reactor.Signal {
		for {
			sock, err := l.Accept()
			if err != nil {
				return reactor.SignalDefault
			}
			iostream.NewInputStream(r, sock, func(in *iostream.InputStream) reactor.Signal {
				for {
					var msg pb.Message
					if err := in.Unmarshal(&msg); err != nil {
						break
					}
					fm.msgs <- msg
				}
				return reactor.SignalDefault
			}, nil)
		}
	})
	return fm
}

func newTestAgent(t *testing.T, masterAddr string) *Agent {
	t.Helper()
	res := pb.NewResource(4, 1<<30, 1<<30)
	a, err := New(masterAddr, "127.0.0.1:0", res, 4)
	require.NoError(t, err)
	return a
}

func TestAgentSendsResourceHelloOnRun(t *testing.T) {
	fm := newFakeMaster(t)
	a := newTestAgent(t, fm.addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case msg := <-fm.msgs:
		require.Equal(t, pb.KindResource, msg.Kind)
		assert.Equal(t, uint64(4), msg.Resource.NumCPUs)
		assert.NotEmpty(t, msg.Resource.FrontierAddr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resource hello")
	}
}

func TestInsertTaskWithNoInterContainerStreamsSpawnsImmediately(t *testing.T) {
	fm := newFakeMaster(t)
	a := newTestAgent(t, fm.addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Drain the resource hello so it doesn't get mistaken for the
	// task-info message below.
	<-fm.msgs

	// An empty Command makes container.New fail fast ("no command"),
	// so this task fails before spawning rather than actually forking a
	// child -- exercising insertTask's "nothing pending" fast path and
	// failTask's reporting without needing a real executable.
	sub := pb.Topology{
		GraphID:    7,
		TopologyID: 1,
		Vertices:   map[pb.Key]pb.VertexRef{0: {Key: 0, Container: 1}},
		Containers: map[pb.Key]pb.ContainerRef{1: {Key: 1, Resource: pb.NewResource(1, 0, 0)}},
	}
	a.insertTask(sub)

	select {
	case msg := <-fm.msgs:
		require.Equal(t, pb.KindTaskInfo, msg.Kind)
		assert.Equal(t, int64(7), msg.TaskInfo.TaskID.GraphID)
		assert.Equal(t, statusAgentFailure, msg.TaskInfo.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task-info report")
	}

	a.mu.Lock()
	_, stillTracked := a.tasks[pb.TaskID{GraphID: 7, TopologyID: 1}]
	a.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestInsertTaskComputesPendingFrontiersForInterContainerStreams(t *testing.T) {
	fm := newFakeMaster(t)
	a := newTestAgent(t, fm.addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	<-fm.msgs // resource hello

	// Vertex 0 (tail, ours) -> vertex 1 (head, remote): we own the
	// producer, so this agent must dial out rather than wait.
	sub := pb.Topology{
		GraphID:    9,
		TopologyID: 1,
		Vertices:   map[pb.Key]pb.VertexRef{0: {Key: 0, Container: 1}},
		Streams:    map[pb.Key]pb.StreamRef{5: {Key: 5, TailVKey: 0, HeadVKey: 1}},
		Containers: map[pb.Key]pb.ContainerRef{1: {Key: 1}},
		// RFC 5737 TEST-NET-1: guaranteed non-operational, so the dial
		// goroutine blocks on connect rather than racing this
		// assertion with a fast refusal.
		VertexHosts: map[pb.Key]string{1: "192.0.2.1:81"},
	}
	a.insertTask(sub)

	id := pb.TaskID{GraphID: 9, TopologyID: 1}
	a.mu.Lock()
	tk, ok := a.tasks[id]
	pending := 0
	if ok {
		pending = len(tk.pending)
	}
	a.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 1, pending)
}
