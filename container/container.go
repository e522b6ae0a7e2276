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
	"os/exec"
	"sync"
	"syscall"

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/pb"
)

// syncEnvVar names the environment variable through which a spawned
// child learns the fd of its sync socket (the first ExtraFiles slot, fd 3
// in the child) that carries the ready/go handshake.
const syncEnvVar = "DTC_SYNC_FD"

const (
	readyByte = 'R'
	goByte    = 'G'
)

// Container supervises one spawned OS process: its cgroup directories,
// its clone+exec'd child, and the ready/go handshake that lets the
// parent install the child into its cgroups before the child does any
// real work (spec.md §4.4 Container).
type Container struct {
	id     string
	cg     *cgroup
	cmd    *exec.Cmd
	parent *device.Socket // parent's half of the sync socketpair

	mu    sync.Mutex
	alive bool
}

// Spec describes the process a Container spawns.
type Spec struct {
	// ID names this container's cgroup directory; callers typically use
	// the TaskID's string form.
	ID string
	// CgroupRoot overrides the default cgroup v1 mount point; empty uses
	// /sys/fs/cgroup. Exposed for tests that don't have cgroup write
	// access.
	CgroupRoot string
	Resource   pb.Resource
	Command    []string
	Env        map[string]string
	// CPUSet, if set, pins the container's cpuset cgroup to this
	// explicit range (e.g. "2-3") rather than the default contiguous
	// range starting at CPU 0; an agent's Placer fills this in (spec.md
	// §4.6 item 3).
	CPUSet string
	// BridgeFiles are additional inherited descriptors appended after
	// the sync socket, in order: the i-th entry lands on fd 4+i in the
	// child (spec.md §4.3 "inherits every stream bridge FD"). Callers
	// are responsible for encoding the tag->fd mapping into Env
	// themselves (see dtconfig.EnvBridges).
	BridgeFiles []*os.File
	// Configs carries optional namespace-isolation knobs (spec.md §4.4
	// step 2): any of "mount", "pid", "uts", "ipc", "net" present with a
	// non-empty value puts the spawned process into a fresh namespace of
	// that kind. Unrecognized keys are ignored.
	Configs map[string]string
}

// namespaceFlags maps Spec.Configs' recognized keys to the
// corresponding CLONE_NEW* flag.
var namespaceFlags = map[string]uintptr{
	"mount": syscall.CLONE_NEWNS,
	"pid":   syscall.CLONE_NEWPID,
	"uts":   syscall.CLONE_NEWUTS,
	"ipc":   syscall.CLONE_NEWIPC,
	"net":   syscall.CLONE_NEWNET,
}

// cloneFlags folds configs' recognized namespace-isolation keys into the
// Cloneflags bitmask Spawn passes to SysProcAttr.
func cloneFlags(configs map[string]string) uintptr {
	var flags uintptr
	for key, value := range configs {
		if value == "" {
			continue
		}
		if f, ok := namespaceFlags[key]; ok {
			flags |= f
		}
	}
	return flags
}

// New creates the container's cgroup directories for demand. It does
// not spawn a process; call Spawn for that.
func New(spec Spec) (*Container, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("container: spec has no command")
	}
	cg := newCgroup(spec.CgroupRoot, spec.ID)
	if err := cg.Create(spec.Resource, spec.CPUSet); err != nil {
		return nil, err
	}
	return &Container{id: spec.ID, cg: cg}, nil
}

// Spawn clone+execs spec.Command. The child inherits the child's half
// of a fresh socketpair as DTC_SYNC_FD and is expected to write
// readyByte and then block reading goByte before doing any real work; in
// between, Spawn installs the child's pid into every cgroup subsystem so
// the child only ever runs under its resource limits (spec.md §4.4 items
// 2-4).
func (c *Container) Spawn(spec Spec) error {
	parent, child, err := device.MakeSocketPair()
	if err != nil {
		return fmt.Errorf("container: sync socketpair: %w", err)
	}
	if err := child.SetBlocking(true); err != nil {
		parent.Close()
		child.Close()
		return fmt.Errorf("container: sync socket blocking: %w", err)
	}

	childFile := os.NewFile(uintptr(child.FD()), "dtcraft-sync")

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{childFile}, spec.BridgeFiles...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", syncEnvVar, 3))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// A fresh process group so the master/agent can signal the
		// whole subtree a spawned program vertex might fork (spec.md
		// §4.4 "kill reaches children a Program vertex may have
		// spawned").
		Setpgid: true,
		// Namespace isolation is opt-in per Spec.Configs (spec.md §4.4
		// "mount, pid, uts, ipc, net are optional knobs").
		Cloneflags: cloneFlags(spec.Configs),
	}

	if err := cmd.Start(); err != nil {
		childFile.Close()
		parent.Close()
		child.Close()
		for _, f := range spec.BridgeFiles {
			f.Close()
		}
		return fmt.Errorf("container: start: %w", err)
	}
	// The parent's copies of the child's inherited ends are no longer
	// needed; the kernel keeps each open file description alive via the
	// child's dup'd descriptor.
	childFile.Close()
	child.Close()
	for _, f := range spec.BridgeFiles {
		f.Close()
	}

	if err := c.cg.AddProcess(cmd.Process.Pid); err != nil {
		parent.Close()
		_ = cmd.Process.Kill()
		return err
	}

	if err := waitByte(parent, readyByte); err != nil {
		parent.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("container: waiting for child ready: %w", err)
	}
	if err := sendByte(parent, goByte); err != nil {
		parent.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("container: signaling go: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.parent = parent
	c.alive = true
	c.mu.Unlock()
	return nil
}

func waitByte(s *device.Socket, want byte) error {
	if err := s.SetBlocking(true); err != nil {
		return err
	}
	var buf [1]byte
	n, err := s.Read(buf[:])
	if err != nil {
		return err
	}
	if n != 1 || buf[0] != want {
		return fmt.Errorf("container: unexpected sync byte %v", buf[:n])
	}
	return nil
}

func sendByte(s *device.Socket, b byte) error {
	_, err := s.Write([]byte{b})
	return err
}

// HandshakeReady is called by a freshly exec'd child: it announces
// readiness over its inherited sync fd and blocks until the parent signals
// go. Programs built on this package's executor call this exactly once,
// before touching any resource the parent cgroup-limits.
func HandshakeReady(syncFD int) error {
	s := device.NewSocket(syncFD)
	if err := s.SetBlocking(true); err != nil {
		return err
	}
	if err := sendByte(s, readyByte); err != nil {
		return fmt.Errorf("container: announcing ready: %w", err)
	}
	var buf [1]byte
	n, err := s.Read(buf[:])
	if err != nil {
		return fmt.Errorf("container: waiting for go: %w", err)
	}
	if n != 1 || buf[0] != goByte {
		return fmt.Errorf("container: unexpected go byte %v", buf[:n])
	}
	return nil
}

// Alive reports whether the child process is believed running.
func (c *Container) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Pid returns the child's pid, or 0 if not yet spawned.
func (c *Container) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Kill sends SIGKILL to the whole process group (spec.md §4.4 "kill
// reaches children a Program vertex may have spawned").
func (c *Container) Kill() error {
	pid := c.Pid()
	if pid == 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Wait blocks until the child exits and returns its exit status encoded
// the way pb.TaskInfo.Status expects: 0-255 for a normal exit code, or
// 256+signal for a signal death (spec.md §4.4, pb.TaskInfo).
func (c *Container) Wait() (int32, error) {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return 0, fmt.Errorf("container: not spawned")
	}

	err := cmd.Wait()
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return int32(256 + int(status.Signal())), nil
			}
			return int32(status.ExitStatus()), nil
		}
	}
	return -1, err
}

// CPUUsage and MemoryUsage expose the container's cgroup accounting
// (spec.md §4.4 "Resource accounting is pull-based").
func (c *Container) CPUUsage() (uint64, error)    { return c.cg.CPUUsage() }
func (c *Container) MemoryUsage() (uint64, error) { return c.cg.MemoryUsage() }

// Cleanup removes the container's cgroup directories. Call only after
// Wait has returned.
func (c *Container) Cleanup() error {
	c.mu.Lock()
	if c.parent != nil {
		c.parent.Close()
	}
	c.mu.Unlock()
	return c.cg.Remove()
}
