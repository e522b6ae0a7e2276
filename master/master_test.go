package master

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
	"github.com/dtcraft/dtcraft/internal/dttest"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// fakePeer is a minimal stand-in for a connected agent or graph client:
// it marshals messages to the master and decodes whatever the master
// sends back onto a channel.
type fakePeer struct {
	out  *iostream.OutputStream
	msgs chan pb.Message
}

func dialMaster(t *testing.T, addr string) *fakePeer {
	t.Helper()
	r := dttest.StartReactor(t)
	sock, err := device.MakeSocketClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	p := &fakePeer{msgs: make(chan pb.Message, 16)}
	p.out = iostream.NewOutputStream(r, sock, nil, nil)
	iostream.NewInputStream(r, sock, func(in *iostream.InputStream) reactor.Signal {
		for {
			var msg pb.Message
			if err := in.Unmarshal(&msg); err != nil {
				break
			}
			p.msgs <- msg
		}
		return reactor.SignalDefault
	}, nil)
	return p
}

// startMaster starts a Master on an ephemeral port and returns it along
// with its listening address.
func startMaster(t *testing.T) (*Master, string) {
	t.Helper()
	m, err := New("127.0.0.1:0", nil)
	require.NoError(t, err)
	addr, err := m.listener.LocalHost()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, addr
}

func TestAgentHelloRegistersCapacity(t *testing.T) {
	m, addr := startMaster(t)
	agent := dialMaster(t, addr)

	res := pb.NewResource(4, 1<<30, 1<<30)
	res.FrontierAddr = "127.0.0.1:1234"
	require.NoError(t, agent.out.Marshal(pb.NewResourceMessage(res)))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.agents) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGraphSubmitPlacesAndReportsSolutionOnTaskInfo(t *testing.T) {
	m, addr := startMaster(t)
	agent := dialMaster(t, addr)
	client := dialMaster(t, addr)

	res := pb.NewResource(4, 1<<30, 1<<30)
	res.FrontierAddr = "127.0.0.1:1234"
	require.NoError(t, agent.out.Marshal(pb.NewResourceMessage(res)))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.agents) == 1
	}, 2*time.Second, 10*time.Millisecond)

	topo := pb.Topology{
		GraphID: 1,
		Vertices: map[pb.Key]pb.VertexRef{
			0: {Key: 0, Container: 10},
		},
		Containers: map[pb.Key]pb.ContainerRef{
			10: {Key: 10, Resource: pb.NewResource(1, 0, 0)},
		},
	}
	require.NoError(t, client.out.Marshal(pb.NewTopologyMessage(topo)))

	// The agent should receive the placed sub-topology.
	select {
	case msg := <-agent.msgs:
		require.Equal(t, pb.KindTopology, msg.Kind)
		assert.Equal(t, int64(1), msg.Topology.GraphID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sub-topology deploy")
	}

	// The agent reports the single task as finished; the master should
	// fold it into a Solution and send it to the graph client.
	require.NoError(t, agent.out.Marshal(pb.NewTaskInfoMessage(pb.TaskInfo{
		TaskID: pb.TaskID{GraphID: 1, TopologyID: 10},
		Status: 0,
	})))

	select {
	case msg := <-client.msgs:
		require.Equal(t, pb.KindSolution, msg.Kind)
		assert.Equal(t, int64(1), msg.Solution.GraphID)
		assert.Equal(t, int32(0), msg.Solution.ErrorCode)
		require.Len(t, msg.Solution.Tasks, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for solution")
	}
}

func TestAgentDisconnectReclaimsCapacityAndFailsPendingTasks(t *testing.T) {
	m, addr := startMaster(t)
	agentSock, _ := agentSideSocket(t, addr)
	client := dialMaster(t, addr)

	res := pb.NewResource(4, 1<<30, 1<<30)
	res.FrontierAddr = "127.0.0.1:1234"

	r := dttest.StartReactor(t)
	out := iostream.NewOutputStream(r, agentSock, nil, nil)
	require.NoError(t, out.Marshal(pb.NewResourceMessage(res)))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.agents) == 1
	}, 2*time.Second, 10*time.Millisecond)

	topo := pb.Topology{
		GraphID: 2,
		Vertices: map[pb.Key]pb.VertexRef{
			0: {Key: 0, Container: 10},
		},
		Containers: map[pb.Key]pb.ContainerRef{
			10: {Key: 10, Resource: pb.NewResource(1, 0, 0)},
		},
	}
	require.NoError(t, client.out.Marshal(pb.NewTopologyMessage(topo)))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		ge, ok := m.graphs[2]
		return ok && ge.placed
	}, 2*time.Second, 10*time.Millisecond)

	agentSock.Close()

	select {
	case msg := <-client.msgs:
		require.Equal(t, pb.KindSolution, msg.Kind)
		assert.Equal(t, errCodeDisconnected, msg.Solution.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect solution")
	}

	m.mu.Lock()
	_, stillRegistered := m.agents[0]
	m.mu.Unlock()
	assert.False(t, stillRegistered)
}

// agentSideSocket dials the master directly (bypassing fakePeer) so the
// caller keeps the raw socket to close it mid-test.
func agentSideSocket(t *testing.T, addr string) (*device.Socket, string) {
	t.Helper()
	sock, err := device.MakeSocketClient(addr)
	require.NoError(t, err)
	return sock, addr
}
