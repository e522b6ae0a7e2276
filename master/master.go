// Package master implements the cluster-wide coordinator: a single
// reactor process that accepts graph-client and agent connections,
// queues and places submitted topologies, propagates task-info into a
// final Solution, and reclaims capacity on agent disconnect (spec.md
// §4.5 Master).
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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dgryski/go-wyhash"

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/dtlog"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/ledger"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
	"github.com/dtcraft/dtcraft/scheduler"
)

// binSeed derives a reproducible-but-not-trivially-guessable tie-break
// value for placing graphID's containers onto agentKey, so that two
// equally-free agents don't always resolve ties in agent-connect order
// (SPEC_FULL.md §2, `go-wyhash`).
func binSeed(graphID int64, agentKey pb.Key) uint64 {
	var b [12]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(graphID))
	binary.BigEndian.PutUint32(b[8:12], uint32(agentKey))
	return wyhash.Sum64(0, b[:])
}

// conn is one accepted connection before or after its kind (graph client
// vs agent) has been determined from its first message.
type conn struct {
	sock *device.Socket
	in   *iostream.InputStream
	out  *iostream.OutputStream

	kind     connKind
	agentKey pb.Key
	graphID  int64
}

type connKind uint8

const (
	kindUnclassified connKind = iota
	kindGraphClient
	kindAgent
)

// agentEntry tracks one connected agent's advertised and remaining
// capacity.
type agentEntry struct {
	key      pb.Key
	resource pb.Resource
	free     pb.Resource
	c        *conn
}

// graphEntry tracks one submitted-but-not-yet-fully-solved graph.
type graphEntry struct {
	topo        pb.Topology
	client      *conn
	assignments map[pb.Key]pb.Key // container -> agent key
	pendingAt   map[pb.Key]pb.Key // task_id.TopologyID -> agent key, awaiting TaskInfo
	solution    pb.Solution
	placed      bool
}

// Master is the cluster coordinator (spec.md §4.5).
type Master struct {
	r        *reactor.Reactor
	listener *device.Socket
	log      dtlog.Logger
	ledger   *ledger.Ledger

	mu           sync.Mutex
	nextAgentKey int32
	agents       map[pb.Key]*agentEntry
	graphs       map[int64]*graphEntry
	queue        []int64 // graph ids awaiting placement, FIFO
}

// New creates a Master listening on addr. led may be nil if placement
// decisions need not be durably logged.
func New(addr string, led *ledger.Ledger) (*Master, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("master: reactor: %w", err)
	}
	l, err := device.MakeSocketServer(addr)
	if err != nil {
		return nil, fmt.Errorf("master: listen %s: %w", addr, err)
	}
	return &Master{
		r:        r,
		listener: l,
		log:      dtlog.New("component", "master", "addr", addr),
		ledger:   led,
		agents:   make(map[pb.Key]*agentEntry),
		graphs:   make(map[int64]*graphEntry),
	}, nil
}

// Run accepts connections and runs the reactor until ctx is cancelled.
func (m *Master) Run(ctx context.Context) error {
	m.r.InsertRead(m.listener, func(*reactor.ReadEvent) reactor.Signal {
		for {
			sock, err := m.listener.Accept()
			if err != nil {
				return reactor.SignalDefault
			}
			m.acceptConn(sock)
		}
	})

	go m.r.Run()
	<-ctx.Done()
	m.r.Shutdown()
	return ctx.Err()
}

func (m *Master) acceptConn(sock *device.Socket) {
	c := &conn{sock: sock}
	c.out = iostream.NewOutputStream(m.r, sock, nil, func(*iostream.OutputStream, pb.BrokenIO) {
		m.handleDisconnect(c)
	})
	c.in = iostream.NewInputStream(m.r, sock, func(in *iostream.InputStream) reactor.Signal {
		for {
			var msg pb.Message
			if err := in.Unmarshal(&msg); err != nil {
				break
			}
			m.handleMessage(c, msg)
		}
		return reactor.SignalDefault
	}, func(*iostream.InputStream, pb.BrokenIO) {
		m.handleDisconnect(c)
	})
}

func (m *Master) handleMessage(c *conn, msg pb.Message) {
	switch msg.Kind {
	case pb.KindResource:
		m.handleAgentHello(c, msg.Resource)
	case pb.KindTopology:
		m.handleGraphSubmit(c, msg.Topology)
	case pb.KindTaskInfo:
		m.handleTaskInfo(c, msg.TaskInfo)
	case pb.KindLoadInfo:
		// Heartbeat; no bookkeeping beyond keeping the connection alive.
	default:
		m.log.Warnw("unexpected message kind from peer", "kind", msg.Kind)
	}
}

// handleAgentHello registers a newly connected agent, keyed by an
// internally assigned pb.Key (spec.md §4.5 "Agents -- send their
// Resource on connect").
func (m *Master) handleAgentHello(c *conn, res pb.Resource) {
	m.mu.Lock()
	key := pb.Key(m.nextAgentKey)
	m.nextAgentKey++
	c.kind = kindAgent
	c.agentKey = key
	m.agents[key] = &agentEntry{key: key, resource: res, free: res, c: c}
	m.mu.Unlock()

	m.log.Infow("agent connected", "agent", key, "host", res.Host, "cpus", res.NumCPUs)
	m.retryQueue()
}

// handleGraphSubmit enqueues a newly submitted graph for placement
// (spec.md §4.5 "Graph clients -- send a Topology, await a Solution").
func (m *Master) handleGraphSubmit(c *conn, topo pb.Topology) {
	c.kind = kindGraphClient
	c.graphID = topo.GraphID

	m.mu.Lock()
	m.graphs[topo.GraphID] = &graphEntry{
		topo:        topo,
		client:      c,
		assignments: make(map[pb.Key]pb.Key),
		pendingAt:   make(map[pb.Key]pb.Key),
	}
	m.queue = append(m.queue, topo.GraphID)
	m.mu.Unlock()

	m.log.Infow("graph submitted", "graph_id", topo.GraphID, "containers", len(topo.Containers))
	m.retryQueue()
}

// retryQueue attempts placement for every queued graph, in FIFO order,
// leaving any that still fail to place at the head for next time
// (spec.md §4.5 "Queue discipline").
func (m *Master) retryQueue() {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	var remaining []int64
	for _, gid := range pending {
		if m.tryPlace(gid) {
			continue
		}
		remaining = append(remaining, gid)
	}

	m.mu.Lock()
	m.queue = append(remaining, m.queue...)
	m.mu.Unlock()
}

func (m *Master) tryPlace(graphID int64) bool {
	m.mu.Lock()
	ge, ok := m.graphs[graphID]
	if !ok || ge.placed {
		m.mu.Unlock()
		return true
	}
	bins := make([]scheduler.Bin, 0, len(m.agents))
	for _, a := range m.agents {
		// Deployment.Host feeds vertex_hosts, which frontier rendezvous
		// dials directly; prefer the agent's advertised frontier
		// address over its bare hostname. Agents that haven't started a
		// frontier listener (e.g. in unit tests) fall back to Host.
		host := a.resource.FrontierAddr
		if host == "" {
			host = a.resource.Host
		}
		bins = append(bins, scheduler.Bin{AgentKey: a.key, Host: host, Free: a.free, Seed: binSeed(graphID, a.key)})
	}
	m.mu.Unlock()

	part := scheduler.Place(ge.topo, bins)
	if !part.Ok {
		return false
	}

	deployments := scheduler.Deployments(ge.topo, part)

	m.mu.Lock()
	for _, a := range part.Assignments {
		agent := m.agents[a.AgentKey]
		if agent == nil {
			m.mu.Unlock()
			return false
		}
		demand := ge.topo.Containers[a.Container].Resource
		rest, ok := agent.free.Sub(demand)
		if !ok {
			m.mu.Unlock()
			return false
		}
		agent.free = rest
		ge.assignments[a.Container] = a.AgentKey
		ge.pendingAt[a.Container] = a.AgentKey
	}
	ge.placed = true
	m.mu.Unlock()

	for _, d := range deployments {
		m.deploy(graphID, d)
	}
	return true
}

func (m *Master) deploy(graphID int64, d scheduler.Deployment) {
	m.mu.Lock()
	agent := m.agents[d.AgentKey]
	m.mu.Unlock()
	if agent == nil || agent.c == nil {
		return
	}

	if m.ledger != nil {
		_ = m.ledger.RecordPlacement(ledger.Placement{
			TaskID:    pb.TaskID{GraphID: graphID, TopologyID: int32(d.Container)},
			AgentHost: d.Host,
			Resource:  d.Sub.Containers[d.Container].Resource,
			At:        time.Now(),
		})
	}

	sub := d.Sub
	sub.VertexHosts = d.VertexHosts
	if err := agent.c.out.Marshal(pb.NewTopologyMessage(sub)); err != nil {
		m.log.Errorw("send sub-topology to agent failed", "agent", d.AgentKey, "error", err)
	}
}

// handleTaskInfo folds a finished task's report into its graph's Solution,
// sending the final Solution once every assigned task has reported
// (spec.md §4.5 "Task-info propagation").
func (m *Master) handleTaskInfo(c *conn, ti pb.TaskInfo) {
	m.mu.Lock()
	ge, ok := m.graphs[ti.TaskID.GraphID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ge.solution.GraphID = ti.TaskID.GraphID
	ge.solution.Tasks = append(ge.solution.Tasks, ti)
	if ti.Status != 0 {
		ge.solution.ErrorCode = ti.Status
	}
	delete(ge.pendingAt, pb.Key(ti.TaskID.TopologyID))
	done := len(ge.pendingAt) == 0
	client := ge.client
	solution := ge.solution
	if done {
		delete(m.graphs, ti.TaskID.GraphID)
	}
	m.mu.Unlock()

	if done && client != nil {
		if err := client.out.Marshal(pb.NewSolutionMessage(solution)); err != nil {
			m.log.Errorw("send solution to client failed", "graph_id", ti.TaskID.GraphID, "error", err)
		}
	}
}

// handleDisconnect implements reclamation: an agent's tasks fail with a
// disconnection error and its capacity is removed; a graph client's
// disconnect just drops its entry (spec.md §5 "Reclamation").
func (m *Master) handleDisconnect(c *conn) {
	switch c.kind {
	case kindAgent:
		m.reclaimAgent(c.agentKey)
	case kindGraphClient:
		m.mu.Lock()
		delete(m.graphs, c.graphID)
		m.mu.Unlock()
	}
}

const errCodeDisconnected int32 = -1

func (m *Master) reclaimAgent(agentKey pb.Key) {
	m.mu.Lock()
	delete(m.agents, agentKey)

	var affected []struct {
		graphID  int64
		client   *conn
		solution pb.Solution
		done     bool
	}
	for gid, ge := range m.graphs {
		lost := false
		for container, ak := range ge.pendingAt {
			if ak != agentKey {
				continue
			}
			lost = true
			ge.solution.GraphID = gid
			ge.solution.ErrorCode = errCodeDisconnected
			ge.solution.Tasks = append(ge.solution.Tasks, pb.TaskInfo{
				TaskID: pb.TaskID{GraphID: gid, TopologyID: int32(container)},
				Status: errCodeDisconnected,
			})
			delete(ge.pendingAt, container)
		}
		if lost {
			done := len(ge.pendingAt) == 0
			affected = append(affected, struct {
				graphID  int64
				client   *conn
				solution pb.Solution
				done     bool
			}{gid, ge.client, ge.solution, done})
			if done {
				delete(m.graphs, gid)
			}
		}
	}
	m.mu.Unlock()

	for _, a := range affected {
		if a.client == nil {
			continue
		}
		if err := a.client.out.Marshal(pb.NewSolutionMessage(a.solution)); err != nil {
			m.log.Errorw("send partial solution after agent disconnect failed", "graph_id", a.graphID, "error", err)
		}
	}

	m.log.Warnw("agent disconnected, capacity reclaimed", "agent", agentKey)
	m.retryQueue()
}

// AgentInfo is a read-only snapshot of one connected agent's advertised
// and remaining capacity, exposed to statusd's /vars endpoint
// (SPEC_FULL.md §4 item 2).
type AgentInfo struct {
	Key      pb.Key
	Host     string
	Resource pb.Resource
	Free     pb.Resource
}

// ClusterInfo is a read-only snapshot of the whole cluster's state: every
// connected agent's capacity and every graph still queued or awaiting
// placement/solution.
type ClusterInfo struct {
	Agents       []AgentInfo
	QueuedGraphs []int64
	ActiveGraphs int
}

// ClusterInfo takes a point-in-time snapshot for diagnostics; it does not
// affect placement or task tracking.
func (m *Master) ClusterInfo() ClusterInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := ClusterInfo{
		QueuedGraphs: append([]int64(nil), m.queue...),
		ActiveGraphs: len(m.graphs),
	}
	for _, a := range m.agents {
		info.Agents = append(info.Agents, AgentInfo{
			Key:      a.key,
			Host:     a.resource.Host,
			Resource: a.resource,
			Free:     a.free,
		})
	}
	return info
}
