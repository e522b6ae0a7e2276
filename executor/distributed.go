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
	"os"

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/graph"
	"github.com/dtcraft/dtcraft/pb"
)

// runDistributed materializes only the subset of e.g owned by
// e.runtime.ContainerKey (spec.md §4.3 "distributed: ... one container of
// one placed topology"). Every other process of this graph -- master,
// agent, and the executors of sibling containers -- rebuilds the same
// graph deterministically from the same user code; this process's job is
// to pick out its own slice of it and run that.
//
// Streams that cross a container boundary were already established by
// the agent's frontier-matching before this process was spawned (spec.md
// §4.6): this executor never dials or listens for them, it only looks up
// the fd the agent handed down in DTC_BRIDGES and wraps it.
func (e *Executor) runDistributed(ctx context.Context) (int, error) {
	if e.runtime.ContainerKey == pb.InvalidKey {
		return ExitVertexProgram, fmt.Errorf("executor: distributed mode requires a container key")
	}

	vertices := make(map[pb.Key]*graph.Vertex)
	for _, v := range e.g.Vertices() {
		if v.Container == e.runtime.ContainerKey {
			vertices[v.Key] = v
		}
	}
	if len(vertices) == 0 {
		return ExitSuccess, nil
	}

	bridges := make(map[pb.Key][]bridgeFile)
	for _, s := range e.g.Streams() {
		tail, head := vertices[s.Tail], vertices[s.Head]
		tag := device.HostTag(s.Tag, int32(s.Key))

		switch {
		case tail != nil && head != nil:
			// Both ends live in this container: a local pipe, exactly as
			// in local mode.
			r, w, err := device.MakePipe()
			if err != nil {
				return ExitContainerSpawn, fmt.Errorf("executor: stream %d pipe: %w", s.Key, err)
			}
			if tail.Runtime.IsProgram() {
				bridges[tail.Key] = append(bridges[tail.Key], bridgeFile{tag: tag, file: os.NewFile(uintptr(w.FD()), tag)})
			} else {
				e.bindOutputSide(s, tail, w)
			}
			if head.Runtime.IsProgram() {
				bridges[head.Key] = append(bridges[head.Key], bridgeFile{tag: tag, file: os.NewFile(uintptr(r.FD()), tag)})
			} else {
				e.bindInputSide(s, head, r)
			}

		case tail != nil:
			// Head lives in another container; the agent already
			// established the socket and handed it down as a bridge fd.
			fd, ok := e.runtime.Bridges[tag]
			if !ok {
				return ExitBrokenConnection, fmt.Errorf("executor: stream %d: no bridge fd for tag %q", s.Key, tag)
			}
			sock := device.NewSocket(fd)
			if tail.Runtime.IsProgram() {
				bridges[tail.Key] = append(bridges[tail.Key], bridgeFile{tag: tag, file: os.NewFile(uintptr(fd), tag)})
			} else {
				e.bindOutputSide(s, tail, sock)
			}

		case head != nil:
			fd, ok := e.runtime.Bridges[tag]
			if !ok {
				return ExitBrokenConnection, fmt.Errorf("executor: stream %d: no bridge fd for tag %q", s.Key, tag)
			}
			sock := device.NewSocket(fd)
			if head.Runtime.IsProgram() {
				bridges[head.Key] = append(bridges[head.Key], bridgeFile{tag: tag, file: os.NewFile(uintptr(fd), tag)})
			} else {
				e.bindInputSide(s, head, sock)
			}

		default:
			// Neither end is ours; irrelevant to this container.
		}
	}

	for _, v := range vertices {
		if !v.Runtime.IsProgram() {
			e.mu.Lock()
			e.awaiting++
			e.mu.Unlock()
		}
	}
	for _, v := range vertices {
		if v.Runtime.IsProgram() {
			if err := e.spawnProgramVertex(v, bridges[v.Key]); err != nil {
				return ExitContainerSpawn, err
			}
			continue
		}
		e.activate(v)
	}

	return e.runReactorUntilDone(ctx)
}
