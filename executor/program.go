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
	"fmt"
	"os"
	"sort"

	"github.com/dtcraft/dtcraft/container"
	"github.com/dtcraft/dtcraft/dtconfig"
	"github.com/dtcraft/dtcraft/graph"
	"github.com/dtcraft/dtcraft/pb"
)

// bridgeFile is one stream-bridge descriptor waiting to be handed to a
// Program vertex's child process.
type bridgeFile struct {
	tag  string
	file *os.File
}

// spawnProgramVertex clone+execs v's runtime command, passing every
// bridge in bridges through environment-mapped FDs (spec.md §4.3
// "Program vertices"). The container is tracked so Run can Wait/Kill it
// alongside the reactor's own lifecycle.
func (e *Executor) spawnProgramVertex(v *graph.Vertex, bridges []bridgeFile) error {
	sort.Slice(bridges, func(i, j int) bool { return bridges[i].tag < bridges[j].tag })

	files := make([]*os.File, 0, len(bridges))
	bridgeFDs := make(map[string]int, len(bridges))
	for i, b := range bridges {
		files = append(files, b.file)
		bridgeFDs[b.tag] = 4 + i // fd 3 is the sync socket.
	}

	env := map[string]string{}
	dtconfig.SetResource(env, v.Runtime.Resource)
	env[dtconfig.EnvBridges] = formatBridgeFDs(bridgeFDs)
	for k, val := range v.Runtime.Env {
		env[k] = val
	}

	taskID := fmt.Sprintf("g%d-v%d", e.g.ID(), v.Key)
	spec := container.SpawnProgram(container.Spec{
		ID:          taskID,
		Resource:    v.Runtime.Resource,
		Command:     v.Runtime.Command,
		Env:         env,
		BridgeFiles: files,
	})

	c, err := container.New(spec)
	if err != nil {
		return fmt.Errorf("executor: vertex %d container: %w", v.Key, err)
	}
	if err := c.Spawn(spec); err != nil {
		return fmt.Errorf("executor: vertex %d spawn: %w", v.Key, err)
	}

	e.mu.Lock()
	e.containers[v.Key] = c
	e.mu.Unlock()
	return nil
}

func formatBridgeFDs(fds map[string]int) string {
	keys := make([]string, 0, len(fds))
	for k := range fds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%d", k, fds[k])
	}
	return out
}

// waitProgramVertices blocks until every spawned program vertex's child
// has exited, reporting a non-zero executor exit code if any failed
// (spec.md §6 "vertex program failed = 103").
func (e *Executor) waitProgramVertices() (int, error) {
	e.mu.Lock()
	containers := make(map[pb.Key]*container.Container, len(e.containers))
	for k, c := range e.containers {
		containers[k] = c
	}
	e.mu.Unlock()

	exit := ExitSuccess
	for key, c := range containers {
		status, err := c.Wait()
		if err != nil {
			e.log.Errorw("program vertex wait failed", "vertex", key, "error", err)
			exit = ExitVertexProgram
			continue
		}
		if status != 0 {
			e.log.Errorw("program vertex exited with failure", "vertex", key, "status", status)
			exit = ExitVertexProgram
		}
		if err := c.Cleanup(); err != nil {
			e.log.Warnw("program vertex cgroup cleanup failed", "vertex", key, "error", err)
		}
	}
	return exit, nil
}
