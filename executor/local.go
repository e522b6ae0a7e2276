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

// runLocal materializes every vertex and stream of e.g in one process:
// every stream, inter-container or not, is wired over a local pipe since
// there is no master to place containers on separate hosts (spec.md
// §4.3 "local: ... every inter-container stream degenerates to
// intra-container").
func (e *Executor) runLocal(ctx context.Context) (int, error) {
	vertices := make(map[pb.Key]*graph.Vertex)
	for _, v := range e.g.Vertices() {
		vertices[v.Key] = v
	}
	if len(vertices) == 0 {
		// spec.md §8 "An executor with zero vertices completes
		// immediately with exit code 0".
		return ExitSuccess, nil
	}

	bridges := make(map[pb.Key][]bridgeFile)
	for _, s := range e.g.Streams() {
		tail, head := vertices[s.Tail], vertices[s.Head]
		if tail == nil || head == nil {
			return ExitVertexProgram, fmt.Errorf("executor: stream %d references unknown vertex", s.Key)
		}

		r, w, err := device.MakePipe()
		if err != nil {
			return ExitContainerSpawn, fmt.Errorf("executor: stream %d pipe: %w", s.Key, err)
		}
		tag := device.HostTag(s.Tag, int32(s.Key))

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

// runReactorUntilDone runs the reactor on its own goroutine until
// Shutdown is called (explicitly, via a critical stream break, or via
// ctx cancellation), then waits for every spawned program vertex to
// exit.
func (e *Executor) runReactorUntilDone(ctx context.Context) (int, error) {
	go e.r.Run()

	select {
	case <-ctx.Done():
		e.Shutdown()
	case <-e.done:
	}

	progExit, err := e.waitProgramVertices()
	if err != nil {
		return progExit, err
	}

	e.mu.Lock()
	critical := e.critical
	exitCode := e.exitCode
	e.mu.Unlock()

	if critical {
		return exitCode, nil
	}
	if progExit != ExitSuccess {
		return progExit, nil
	}
	if ctx.Err() != nil {
		return ExitSuccess, ctx.Err()
	}
	return ExitSuccess, nil
}
