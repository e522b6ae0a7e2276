// Package scheduler implements the master's placement algorithm: for
// each container of a graph, in declared order, pick the agent with the
// smallest free resource that still dominates the container's demand
// (best-fit over the Resource partial order), per spec.md §4.5
// "Scheduling".
package scheduler

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
	"sort"

	"github.com/dtcraft/dtcraft/graph"
	"github.com/dtcraft/dtcraft/pb"
)

// Bin is one schedulable agent: an identity key and its currently free
// resource. Seed is an optional tie-breaker for bins that end up equally
// free in every dimension: left zero, ties fall back to ascending
// AgentKey; callers that want placement order to survive a master
// restart without being trivially guessable (agent keys are assigned in
// connect order) derive Seed from a hash of the graph and agent identity
// (SPEC_FULL.md §2, `go-wyhash`).
type Bin struct {
	AgentKey pb.Key
	Host     string
	Free     pb.Resource
	Seed     uint64
}

// Assignment maps one container to the agent it was placed on.
type Assignment struct {
	Container pb.Key
	AgentKey  pb.Key
	Host      string
}

// Partition is the outcome of placing every container of one topology:
// either a complete set of Assignments, or an indication that placement
// failed for lack of a dominating bin (spec.md §4.5 "if no such agent
// exists, the graph fails placement immediately and stays queued").
type Partition struct {
	Assignments []Assignment
	Ok          bool
}

// Deployment is the fully resolved instruction set the master sends
// out after a successful Partition: one sub-topology per container,
// annotated with the vertex_hosts map for frontier rendezvous (spec.md
// §4.5 steps 1-2).
type Deployment struct {
	Container pb.Key
	AgentKey  pb.Key
	Host      string
	Sub       pb.Topology
	VertexHosts map[pb.Key]string
}

// byFreeAscending orders bins by increasing free capacity (smallest
// first), the tie-break for "smallest free resource that still
// dominates" -- ties broken by Seed, then AgentKey, for determinism.
type byFreeAscending []Bin

func (b byFreeAscending) Len() int      { return len(b) }
func (b byFreeAscending) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byFreeAscending) Less(i, j int) bool {
	fi, fj := b[i].Free, b[j].Free
	if fi.NumCPUs != fj.NumCPUs {
		return fi.NumCPUs < fj.NumCPUs
	}
	if fi.MemoryBytes != fj.MemoryBytes {
		return fi.MemoryBytes < fj.MemoryBytes
	}
	if fi.DiskBytes != fj.DiskBytes {
		return fi.DiskBytes < fj.DiskBytes
	}
	if b[i].Seed != b[j].Seed {
		return b[i].Seed < b[j].Seed
	}
	return b[i].AgentKey < b[j].AgentKey
}

// BestFit picks, among bins that dominate demand, the one with the
// smallest free resource. It returns false if no bin dominates.
func BestFit(bins []Bin, demand pb.Resource) (Bin, bool) {
	candidates := make([]Bin, 0, len(bins))
	for _, b := range bins {
		if b.Free.Dominates(demand) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return Bin{}, false
	}
	sort.Sort(byFreeAscending(candidates))
	return candidates[0], true
}

// Place runs best-fit placement for every container of topo, in
// declared (container key) order, against the supplied bins. It does
// not mutate bins; callers apply the returned Assignments to their own
// resource-tracking state once the whole Partition succeeds, matching
// spec.md's "for each container ... pick the agent" described as one
// atomic decision per graph.
func Place(topo pb.Topology, bins []Bin) Partition {
	containers := make([]pb.Key, 0, len(topo.Containers))
	for k := range topo.Containers {
		containers = append(containers, k)
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i] < containers[j] })

	free := make(map[pb.Key]pb.Resource, len(bins))
	hostOf := make(map[pb.Key]string, len(bins))
	seedOf := make(map[pb.Key]uint64, len(bins))
	order := make([]pb.Key, 0, len(bins))
	for _, b := range bins {
		free[b.AgentKey] = b.Free
		hostOf[b.AgentKey] = b.Host
		seedOf[b.AgentKey] = b.Seed
		order = append(order, b.AgentKey)
	}

	var assignments []Assignment
	for _, ck := range containers {
		demand := topo.Containers[ck].Resource

		var candidates []Bin
		for _, ak := range order {
			candidates = append(candidates, Bin{AgentKey: ak, Host: hostOf[ak], Free: free[ak], Seed: seedOf[ak]})
		}

		chosen, ok := BestFit(candidates, demand)
		if !ok {
			return Partition{Ok: false}
		}

		rest, ok := free[chosen.AgentKey].Sub(demand)
		if !ok {
			// BestFit already checked Dominates, so this can't happen
			// unless demand is malformed; fail safe rather than
			// overcommit.
			return Partition{Ok: false}
		}
		free[chosen.AgentKey] = rest

		assignments = append(assignments, Assignment{
			Container: ck,
			AgentKey:  chosen.AgentKey,
			Host:      chosen.Host,
		})
	}

	return Partition{Assignments: assignments, Ok: true}
}

// Deployments turns a successful Partition into one Deployment per
// container: the extracted sub-topology plus its vertex_hosts map
// (spec.md §4.5 steps 1-2).
func Deployments(topo pb.Topology, part Partition) []Deployment {
	if !part.Ok {
		return nil
	}
	placement := make(map[pb.Key]string, len(part.Assignments))
	for _, a := range part.Assignments {
		placement[a.Container] = a.Host
	}

	// graph.VertexHosts maps every vkey incident to an inter-container
	// stream to its own container's host, unrestricted to any one
	// sub-topology. A remote lookup (agent.dialFrontier resolving the
	// *other* end of its stream) needs exactly that unrestricted map --
	// restricting it to the local sub's own vertices (as an earlier
	// version of this function did) only ever populates entries for
	// keys the agent already owns, never the remote one it queries.
	hosts := graph.VertexHosts(topo, placement)

	out := make([]Deployment, 0, len(part.Assignments))
	for _, a := range part.Assignments {
		out = append(out, Deployment{
			Container:   a.Container,
			AgentKey:    a.AgentKey,
			Host:        a.Host,
			Sub:         topo.Extract(a.Container),
			VertexHosts: hosts,
		})
	}
	return out
}
