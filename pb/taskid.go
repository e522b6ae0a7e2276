package pb

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

	"github.com/dtcraft/dtcraft/archive"
)

// TaskID uniquely identifies a container instance across the cluster:
// `{graph_id, topology_id}` (spec.md §2).
type TaskID struct {
	GraphID    int64
	TopologyID int32
}

// String renders a TaskID the way agent log lines reference it.
func (t TaskID) String() string {
	return fmt.Sprintf("g%d/t%d", t.GraphID, t.TopologyID)
}

// MarshalArchive implements archive.Marshaler.
func (t TaskID) MarshalArchive(w *archive.Writer) error {
	w.PutInt64(t.GraphID)
	w.PutInt32(t.TopologyID)
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (t *TaskID) UnmarshalArchive(r *archive.Reader) error {
	var err error
	if t.GraphID, err = r.GetInt64(); err != nil {
		return err
	}
	if t.TopologyID, err = r.GetInt32(); err != nil {
		return err
	}
	return nil
}

// TaskInfo reports how one task (container instance) finished:
// `{task_id, agent_host, status}` (spec.md §2). Status encodes an exit
// code (0..255) or, for signal termination, 256+signal so the two
// never collide.
type TaskInfo struct {
	TaskID    TaskID
	AgentHost string
	Status    int32
}

// ExitedWithSignal reports whether Status encodes termination by signal
// rather than a plain exit code.
func (t TaskInfo) ExitedWithSignal() bool { return t.Status >= 256 }

// MarshalArchive implements archive.Marshaler.
func (t TaskInfo) MarshalArchive(w *archive.Writer) error {
	if err := t.TaskID.MarshalArchive(w); err != nil {
		return err
	}
	w.PutString(t.AgentHost)
	w.PutInt32(t.Status)
	return nil
}

// UnmarshalArchive implements archive.Unmarshaler.
func (t *TaskInfo) UnmarshalArchive(r *archive.Reader) error {
	if err := t.TaskID.UnmarshalArchive(r); err != nil {
		return err
	}
	var err error
	if t.AgentHost, err = r.GetString(); err != nil {
		return err
	}
	if t.Status, err = r.GetInt32(); err != nil {
		return err
	}
	return nil
}
