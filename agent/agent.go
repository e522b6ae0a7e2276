// Package agent implements the per-host daemon: it advertises local
// capacity to the master, accepts sub-topologies placed on this host,
// performs frontier rendezvous for streams that cross a container
// boundary, and spawns and reaps the distributed-mode executor that
// actually runs each container (spec.md §4.6 Agent).
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
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dtcraft/dtcraft/archive"
	"github.com/dtcraft/dtcraft/container"
	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/dtconfig"
	"github.com/dtcraft/dtcraft/dtlog"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// taskState is where one hatching/executing container instance sits in
// its lifecycle (spec.md §4.6 "a task table keyed by task_id, each entry
// hatching or executing").
type taskState uint8

const (
	stateHatching taskState = iota
	stateExecuting
)

// frontierBridge is one resolved inter-container stream, waiting to be
// handed to the spawned executor as an inherited fd.
type frontierBridge struct {
	tag  string
	file *os.File
}

// task tracks one container instance this agent owns, from placement
// through exit.
type task struct {
	id    pb.TaskID
	sub   pb.Topology
	state taskState

	// pending holds the keys of every inter-container stream this task
	// still needs a frontier socket for -- either an inbound connection
	// this agent is still waiting to accept, or an outbound dial still
	// in flight. The task is ready to spawn once this drains to empty.
	pending map[pb.Key]struct{}
	bridges []frontierBridge

	container *container.Container
}

// statusAgentFailure is the TaskInfo.Status an agent reports when a task
// never reached "executing" -- frontier rendezvous or spawn itself
// failed -- distinguished from a spawned process's own exit status.
const statusAgentFailure int32 = -2

// Agent is the per-host daemon (spec.md §4.6).
type Agent struct {
	r        *reactor.Reactor
	control  *device.Socket
	cin      *iostream.InputStream
	cout     *iostream.OutputStream
	frontier *device.Socket
	placer   *Placer
	log      dtlog.Logger
	resource pb.Resource

	mu    sync.Mutex
	tasks map[pb.TaskID]*task
}

// New dials masterAddr and binds a frontier listener on frontierAddr,
// advertising res (with FrontierAddr filled in from the listener's local
// address) as this agent's capacity hello.
func New(masterAddr, frontierAddr string, res pb.Resource, numCPUs int) (*Agent, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("agent: reactor: %w", err)
	}
	fl, err := device.MakeSocketServer(frontierAddr)
	if err != nil {
		return nil, fmt.Errorf("agent: frontier listen %s: %w", frontierAddr, err)
	}
	local, err := fl.LocalHost()
	if err != nil {
		fl.Close()
		return nil, fmt.Errorf("agent: frontier local addr: %w", err)
	}
	res.FrontierAddr = local

	control, err := device.MakeSocketClient(masterAddr)
	if err != nil {
		fl.Close()
		return nil, fmt.Errorf("agent: dial master %s: %w", masterAddr, err)
	}

	a := &Agent{
		r:        r,
		control:  control,
		frontier: fl,
		placer:   NewPlacer(numCPUs),
		log:      dtlog.New("component", "agent", "master", masterAddr, "frontier", local),
		resource: res,
		tasks:    make(map[pb.TaskID]*task),
	}

	a.cout = iostream.NewOutputStream(a.r, control, nil, func(*iostream.OutputStream, pb.BrokenIO) {
		a.log.Errorw("lost connection to master")
	})
	a.cin = iostream.NewInputStream(a.r, control, func(in *iostream.InputStream) reactor.Signal {
		for {
			var msg pb.Message
			if err := in.Unmarshal(&msg); err != nil {
				break
			}
			a.handleMessage(msg)
		}
		return reactor.SignalDefault
	}, func(*iostream.InputStream, pb.BrokenIO) {
		a.log.Errorw("lost connection to master")
	})

	return a, nil
}

// Run registers the frontier listener, sends this agent's capacity
// hello, and runs the reactor until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.r.InsertRead(a.frontier, func(*reactor.ReadEvent) reactor.Signal {
		for {
			sock, err := a.frontier.Accept()
			if err != nil {
				return reactor.SignalDefault
			}
			go a.handleFrontierConn(sock)
		}
	})

	a.r.InsertPeriodic(5*time.Second, 5*time.Second, func(*reactor.PeriodicEvent) reactor.Signal {
		a.sendLoadInfo()
		return reactor.SignalDefault
	})

	if err := a.cout.Marshal(pb.NewResourceMessage(a.resource)); err != nil {
		return fmt.Errorf("agent: send hello: %w", err)
	}

	go a.r.Run()
	<-ctx.Done()
	a.r.Shutdown()
	return ctx.Err()
}

func (a *Agent) sendLoadInfo() {
	host, _ := os.Hostname()
	if err := a.cout.Marshal(pb.NewLoadInfoMessage(pb.LoadInfo{AgentHost: host, CPULoad: readLoadAvg()})); err != nil {
		a.log.Warnw("send load info failed", "error", err)
	}
}

// readLoadAvg reads the 1-minute load average from /proc/loadavg,
// returning 0 if unavailable (e.g. non-Linux test sandboxes).
func readLoadAvg() float64 {
	b, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}

func (a *Agent) handleMessage(msg pb.Message) {
	switch msg.Kind {
	case pb.KindTopology:
		a.insertTask(msg.Topology)
	case pb.KindKillTask:
		a.removeTask(msg.KillTask.TaskID, false)
	default:
		a.log.Warnw("unexpected message kind from master", "kind", msg.Kind)
	}
}

// insertTask begins hatching a newly placed sub-topology: every
// inter-container stream incident to a vertex of sub is either an
// outbound dial (this agent owns the producer) or an inbound wait (this
// agent owns the consumer), matching spec.md §4.6 "Frontier matching".
// A task with no inter-container streams spawns immediately.
func (a *Agent) insertTask(sub pb.Topology) {
	id := pb.TaskID{GraphID: sub.GraphID, TopologyID: sub.TopologyID}
	t := &task{id: id, sub: sub, state: stateHatching, pending: make(map[pb.Key]struct{})}

	var dialOut []pb.StreamRef
	for _, s := range sub.Streams {
		if sub.IsIntraContainer(s) {
			continue
		}
		_, tailLocal := sub.Vertices[s.TailVKey]
		_, headLocal := sub.Vertices[s.HeadVKey]
		if !tailLocal && !headLocal {
			continue
		}
		t.pending[s.Key] = struct{}{}
		if tailLocal {
			dialOut = append(dialOut, s)
		}
	}

	a.mu.Lock()
	a.tasks[id] = t
	remaining := len(t.pending)
	a.mu.Unlock()

	a.log.Infow("task hatching", "task", id.String(), "pending_frontiers", remaining)

	for _, s := range dialOut {
		go a.dialFrontier(t, s)
	}
	if remaining == 0 {
		a.spawnTask(t)
	}
}

// dialFrontier connects out to the consumer's agent and sends the
// handshake that lets it match this stream to its own hatching task
// (spec.md §4.6 "the remote peer connects ... and sends a
// FrontierPacket"). The connection itself runs on its own goroutine: it
// is a short blocking handshake, not something the reactor should ever
// wait on.
func (a *Agent) dialFrontier(t *task, s pb.StreamRef) {
	host, ok := t.sub.VertexHosts[s.HeadVKey]
	if !ok {
		a.failTask(t, fmt.Errorf("agent: no vertex_hosts entry for stream %d head %d", s.Key, s.HeadVKey))
		return
	}
	sock, err := device.MakeSocketClient(host)
	if err != nil {
		a.failTask(t, fmt.Errorf("agent: dial frontier %s: %w", host, err))
		return
	}
	if err := sock.SetBlocking(true); err != nil {
		sock.Close()
		a.failTask(t, err)
		return
	}
	w := archive.NewWriter(16)
	pkt := pb.FrontierPacket{GraphID: t.id.GraphID, StreamKey: s.Key}
	if err := pkt.MarshalArchive(w); err != nil {
		sock.Close()
		a.failTask(t, err)
		return
	}
	if _, err := sock.Write(w.Bytes()); err != nil {
		sock.Close()
		a.failTask(t, fmt.Errorf("agent: frontier handshake write: %w", err))
		return
	}
	if err := sock.SetBlocking(false); err != nil {
		sock.Close()
		a.failTask(t, err)
		return
	}
	a.resolvePending(t, s, sock)
}

// handleFrontierConn performs the passive side of the handshake: read
// the FrontierPacket a remote producer sends on connect, then match it
// to the hatching task waiting for that stream.
func (a *Agent) handleFrontierConn(sock *device.Socket) {
	if err := sock.SetBlocking(true); err != nil {
		a.log.Warnw("frontier accept: set blocking failed", "error", err)
		sock.Close()
		return
	}
	pkt, err := readFrontierPacket(sock)
	if err != nil {
		a.log.Warnw("frontier handshake failed", "error", err)
		sock.Close()
		return
	}
	if err := sock.SetBlocking(false); err != nil {
		a.log.Warnw("frontier accept: restore nonblocking failed", "error", err)
		sock.Close()
		return
	}

	a.mu.Lock()
	var t *task
	var sref pb.StreamRef
	for _, cand := range a.tasks {
		if cand.id.GraphID != pkt.GraphID {
			continue
		}
		if _, waiting := cand.pending[pkt.StreamKey]; waiting {
			t, sref = cand, cand.sub.Streams[pkt.StreamKey]
			break
		}
	}
	a.mu.Unlock()

	if t == nil {
		a.log.Warnw("frontier handshake: no matching hatching task", "graph_id", pkt.GraphID, "stream", pkt.StreamKey)
		sock.Close()
		return
	}
	a.resolvePending(t, sref, sock)
}

// readFrontierPacket blocking-reads just enough bytes to decode one
// FrontierPacket, growing its buffer on archive.ErrShortRead the way
// container.go's sync handshake grows by one fixed read (spec.md §6
// "Frontier handshake").
func readFrontierPacket(sock *device.Socket) (pb.FrontierPacket, error) {
	var buf []byte
	chunk := make([]byte, 64)
	for {
		n, err := sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var pkt pb.FrontierPacket
			if uerr := pkt.UnmarshalArchive(archive.NewReader(buf)); uerr == nil {
				return pkt, nil
			} else if uerr != archive.ErrShortRead {
				return pb.FrontierPacket{}, uerr
			}
		}
		if err != nil {
			return pb.FrontierPacket{}, fmt.Errorf("agent: frontier handshake read: %w", err)
		}
		if n == 0 {
			return pb.FrontierPacket{}, fmt.Errorf("agent: frontier handshake: peer closed")
		}
	}
}

// resolvePending records sock as stream s's bridge fd for t, spawning t
// once every pending stream has resolved.
func (a *Agent) resolvePending(t *task, s pb.StreamRef, sock *device.Socket) {
	tag := device.HostTag(s.Tag, int32(s.Key))
	a.mu.Lock()
	t.bridges = append(t.bridges, frontierBridge{tag: tag, file: os.NewFile(uintptr(sock.FD()), tag)})
	delete(t.pending, s.Key)
	ready := len(t.pending) == 0
	a.mu.Unlock()
	if ready {
		a.spawnTask(t)
	}
}

// spawnTask clone+execs this same binary in distributed mode once every
// inter-container stream has a resolved bridge fd, pinning it to a
// Placer-assigned disjoint CPU range (spec.md §4.6 items 2-3).
func (a *Agent) spawnTask(t *task) {
	sort.Slice(t.bridges, func(i, j int) bool { return t.bridges[i].tag < t.bridges[j].tag })

	files := make([]*os.File, 0, len(t.bridges))
	bridgeFDs := make(map[string]int, len(t.bridges))
	for i, b := range t.bridges {
		files = append(files, b.file)
		bridgeFDs[b.tag] = 4 + i // fd 3 is the sync socket.
	}

	containerKey := pb.Key(t.id.TopologyID)
	cref := t.sub.Containers[containerKey]

	rt := dtconfig.Runtime{
		Mode:         "DISTRIBUTED",
		Argv:         t.sub.Runtime.Command,
		Bridges:      bridgeFDs,
		GraphID:      t.id.GraphID,
		TopologyID:   t.id.TopologyID,
		ContainerKey: containerKey,
		VertexHosts:  t.sub.VertexHosts,
	}
	env := rt.ToEnv()
	dtconfig.SetResource(env, cref.Resource)
	for k, v := range t.sub.Runtime.Env {
		env[k] = v
	}

	spec := container.Spec{
		ID:          t.id.String(),
		Resource:    cref.Resource,
		Command:     t.sub.Runtime.Command,
		Env:         env,
		CPUSet:      a.placer.AssignRange(t.id, int(cref.Resource.NumCPUs)),
		BridgeFiles: files,
		Configs:     cref.Configs,
	}

	c, err := container.New(spec)
	if err != nil {
		a.failTask(t, fmt.Errorf("agent: container: %w", err))
		return
	}
	if err := c.Spawn(spec); err != nil {
		a.failTask(t, fmt.Errorf("agent: spawn: %w", err))
		return
	}

	a.mu.Lock()
	t.state = stateExecuting
	t.container = c
	a.mu.Unlock()

	a.log.Infow("task spawned", "task", t.id.String(), "pid", c.Pid())
	go a.waitTask(t)
}

// waitTask blocks for t's child to exit, reports its outcome to the
// master, and releases the task's cgroup and Placer bucket (spec.md
// §4.6 "on child exit the agent ships a TaskInfo to the master and
// reclaims resources").
func (a *Agent) waitTask(t *task) {
	status, err := t.container.Wait()
	if err != nil {
		a.log.Errorw("task wait failed", "task", t.id.String(), "error", err)
		status = statusAgentFailure
	}
	if cerr := t.container.Cleanup(); cerr != nil {
		a.log.Warnw("task cgroup cleanup failed", "task", t.id.String(), "error", cerr)
	}
	a.placer.Release(t.id)

	a.mu.Lock()
	delete(a.tasks, t.id)
	a.mu.Unlock()

	a.reportTaskInfo(t.id, status)
}

// removeTask kills t's container with SIGKILL (Container.Kill), per a
// KillTask message from the master. The graceful flag is ignored: there
// is no SIGTERM path and no waiting for the task to exit on its own.
func (a *Agent) removeTask(id pb.TaskID, _ bool) {
	a.mu.Lock()
	t, ok := a.tasks[id]
	a.mu.Unlock()
	if !ok {
		return
	}
	if t.container != nil {
		if err := t.container.Kill(); err != nil {
			a.log.Warnw("kill task failed", "task", id.String(), "error", err)
		}
	}
}

// failTask reports a task that never reached "executing" -- frontier
// rendezvous or spawn itself failed -- and forgets it.
func (a *Agent) failTask(t *task, err error) {
	a.log.Errorw("task failed before spawn", "task", t.id.String(), "error", err)
	a.mu.Lock()
	delete(a.tasks, t.id)
	a.mu.Unlock()
	a.reportTaskInfo(t.id, statusAgentFailure)
}

func (a *Agent) reportTaskInfo(id pb.TaskID, status int32) {
	host, _ := os.Hostname()
	ti := pb.TaskInfo{TaskID: id, AgentHost: host, Status: status}
	if err := a.cout.Marshal(pb.NewTaskInfoMessage(ti)); err != nil {
		a.log.Errorw("report task info failed", "task", id.String(), "error", err)
	}
}
