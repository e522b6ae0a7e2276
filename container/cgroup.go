// Package container supervises one OS process hosting part of a graph
// on one host: cgroup-based resource isolation, clone+exec process
// spawning with a ready/go handshake, and pull-based resource accounting
// (spec.md §4.4 Container).
package container

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
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dtcraft/dtcraft/pb"
)

// defaultCgroupRoot is the conventional cgroup v1 mount point layout,
// used when Spec.CgroupRoot is empty.
const defaultCgroupRoot = "/sys/fs/cgroup"

// cgroup manages the per-task subsystem directories: cpu, cpuset, memory
// and cpuacct (spec.md §4.4 item 1, §4.4 "Resource accounting is
// pull-based").
type cgroup struct {
	root string
	name string
}

func newCgroup(root, taskID string) *cgroup {
	if root == "" {
		root = defaultCgroupRoot
	}
	return &cgroup{root: root, name: taskID}
}

func (c *cgroup) subsystemDir(subsystem string) string {
	return filepath.Join(c.root, subsystem, "dtcraft", c.name)
}

// Create makes the per-task directory under every subsystem this
// container uses and writes the resource demand's limits into them.
// cpuset, if non-empty, pins the container to that explicit CPU range
// (an agent's Placer bucket, spec.md §4.6 item 3) instead of the
// default contiguous range starting at CPU 0.
func (c *cgroup) Create(demand pb.Resource, cpuset string) error {
	for _, sub := range []string{"cpu", "cpuset", "memory", "cpuacct"} {
		if err := os.MkdirAll(c.subsystemDir(sub), 0755); err != nil {
			return fmt.Errorf("container: create %s cgroup: %w", sub, err)
		}
	}

	if cpuset == "" && demand.NumCPUs > 0 {
		cpuset = cpusetRange(demand.NumCPUs)
	}
	if cpuset != "" {
		if err := c.writeFile("cpuset", "cpuset.cpus", cpuset); err != nil {
			return err
		}
		if err := c.writeFile("cpuset", "cpuset.mems", "0"); err != nil {
			return err
		}
	}
	if demand.MemoryBytes > 0 {
		if err := c.writeFile("memory", "memory.limit_in_bytes", strconv.FormatUint(demand.MemoryBytes, 10)); err != nil {
			return err
		}
		if err := c.writeFile("memory", "memory.swappiness", "0"); err != nil {
			return err
		}
	}
	return nil
}

// cpusetRange renders "0-(n-1)" the way the original assigns a
// contiguous cpuset range to a fresh container.
func cpusetRange(n uint64) string {
	if n <= 1 {
		return "0"
	}
	return fmt.Sprintf("0-%d", n-1)
}

func (c *cgroup) writeFile(subsystem, file, value string) error {
	path := filepath.Join(c.subsystemDir(subsystem), file)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("container: write %s: %w", path, err)
	}
	return nil
}

func (c *cgroup) readFile(subsystem, file string) (string, error) {
	path := filepath.Join(c.subsystemDir(subsystem), file)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// AddProcess places pid into every subsystem's process list (spec.md
// §4.4 item 3 "parent places the child PID into the cgroup subsystem
// files").
func (c *cgroup) AddProcess(pid int) error {
	for _, sub := range []string{"cpu", "cpuset", "memory", "cpuacct"} {
		path := filepath.Join(c.subsystemDir(sub), "cgroup.procs")
		if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
			return fmt.Errorf("container: add pid to %s cgroup: %w", sub, err)
		}
	}
	return nil
}

// CPUUsage reads cpuacct.usage (cumulative CPU time in nanoseconds).
func (c *cgroup) CPUUsage() (uint64, error) {
	v, err := c.readFile("cpuacct", "cpuacct.usage")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// MemoryUsage reads memory.usage_in_bytes.
func (c *cgroup) MemoryUsage() (uint64, error) {
	v, err := c.readFile("memory", "memory.usage_in_bytes")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// Remove deletes the per-task directories. Safe to call once the
// process has exited; cgroup v1 refuses rmdir while tasks remain.
func (c *cgroup) Remove() error {
	var firstErr error
	for _, sub := range []string{"cpu", "cpuset", "memory", "cpuacct"} {
		if err := os.Remove(c.subsystemDir(sub)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
