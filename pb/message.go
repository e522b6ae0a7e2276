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

// Message is the wire-protocol sum type every control connection
// exchanges (spec.md §6):
//
//	Message := KillTask{task_id}
//	         | BrokenIO{direction, error_code}
//	         | Topology{…}
//	         | Resource{host, cpu, mem, disk}
//	         | LoadInfo{cpu_load}
//	         | TaskInfo{task_id, agent, status}
//	         | Solution{graph_id, error_code, [TaskInfo]}
//
// Variant tags are pinned to this declaration order (spec.md §9): adding
// a new variant must append, never insert, to keep old encodings
// readable.
type MessageKind uint8

const (
	KindKillTask MessageKind = iota
	KindBrokenIO
	KindTopology
	KindResource
	KindLoadInfo
	KindTaskInfo
	KindSolution
)

// StreamDirection names which side of a duplex stream a BrokenIO refers
// to (spec.md §4.3 "EOF surfaces as a distinct BrokenIO event carrying
// the direction and error code").
type StreamDirection uint8

const (
	DirectionInput StreamDirection = iota
	DirectionOutput
)

// KillTask asks an agent to terminate the named task. It carries no
// graceful flag: the agent kills the task's container outright
// (Container.Kill, SIGKILL to its process group).
type KillTask struct {
	TaskID TaskID
}

// BrokenIO reports that one direction of a stream failed or hit EOF.
type BrokenIO struct {
	Direction StreamDirection
	ErrorCode int32
}

// LoadInfo is a lightweight periodic heartbeat an agent sends the master
// between full Resource reports (spec.md §5 "Agents ... exchange
// control messages").
type LoadInfo struct {
	AgentHost string
	CPULoad   float64
}

// Solution is the master's final accounting for one graph submission:
// `{graph_id, error_code, [TaskInfo]}` (spec.md §6), sent to the
// submitting client once every task has reported or a critical failure
// is observed (spec.md §5 "Task-info propagation").
type Solution struct {
	GraphID   int64
	ErrorCode int32
	Tasks     []TaskInfo
}

// Message wraps exactly one of the seven variants above. Exactly one of
// the embedded fields is meaningful, selected by Kind; constructors
// below are the only supported way to build one so callers can't leave
// Kind out of sync with the populated field.
type Message struct {
	Kind     MessageKind
	KillTask KillTask
	BrokenIO BrokenIO
	Topology Topology
	Resource Resource
	LoadInfo LoadInfo
	TaskInfo TaskInfo
	Solution Solution
}

func NewKillTaskMessage(t TaskID) Message { return Message{Kind: KindKillTask, KillTask: KillTask{TaskID: t}} }
func NewBrokenIOMessage(dir StreamDirection, code int32) Message {
	return Message{Kind: KindBrokenIO, BrokenIO: BrokenIO{Direction: dir, ErrorCode: code}}
}
func NewTopologyMessage(t Topology) Message   { return Message{Kind: KindTopology, Topology: t} }
func NewResourceMessage(r Resource) Message   { return Message{Kind: KindResource, Resource: r} }
func NewLoadInfoMessage(l LoadInfo) Message   { return Message{Kind: KindLoadInfo, LoadInfo: l} }
func NewTaskInfoMessage(t TaskInfo) Message   { return Message{Kind: KindTaskInfo, TaskInfo: t} }
func NewSolutionMessage(s Solution) Message   { return Message{Kind: KindSolution, Solution: s} }

// MarshalArchive implements archive.Marshaler, encoding the variant as
// {uint8 index, payload}.
func (m Message) MarshalArchive(w *archive.Writer) error {
	return w.PutVariant(uint8(m.Kind), func() error {
		switch m.Kind {
		case KindKillTask:
			return m.KillTask.TaskID.MarshalArchive(w)
		case KindBrokenIO:
			w.PutUint8(uint8(m.BrokenIO.Direction))
			w.PutInt32(m.BrokenIO.ErrorCode)
			return nil
		case KindTopology:
			return m.Topology.MarshalArchive(w)
		case KindResource:
			return m.Resource.MarshalArchive(w)
		case KindLoadInfo:
			w.PutString(m.LoadInfo.AgentHost)
			w.PutFloat64(m.LoadInfo.CPULoad)
			return nil
		case KindTaskInfo:
			return m.TaskInfo.MarshalArchive(w)
		case KindSolution:
			w.PutInt64(m.Solution.GraphID)
			w.PutInt32(m.Solution.ErrorCode)
			return archive.PutSlice(w, m.Solution.Tasks, func(w *archive.Writer, t TaskInfo) error {
				return t.MarshalArchive(w)
			})
		default:
			return fmt.Errorf("pb: unknown message kind %d", m.Kind)
		}
	})
}

// UnmarshalArchive implements archive.Unmarshaler.
func (m *Message) UnmarshalArchive(r *archive.Reader) error {
	return r.GetVariant(func(idx uint8) error {
		m.Kind = MessageKind(idx)
		switch m.Kind {
		case KindKillTask:
			return m.KillTask.TaskID.UnmarshalArchive(r)
		case KindBrokenIO:
			dir, err := r.GetUint8()
			if err != nil {
				return err
			}
			code, err := r.GetInt32()
			if err != nil {
				return err
			}
			m.BrokenIO = BrokenIO{Direction: StreamDirection(dir), ErrorCode: code}
			return nil
		case KindTopology:
			return m.Topology.UnmarshalArchive(r)
		case KindResource:
			return m.Resource.UnmarshalArchive(r)
		case KindLoadInfo:
			host, err := r.GetString()
			if err != nil {
				return err
			}
			load, err := r.GetFloat64()
			if err != nil {
				return err
			}
			m.LoadInfo = LoadInfo{AgentHost: host, CPULoad: load}
			return nil
		case KindTaskInfo:
			return m.TaskInfo.UnmarshalArchive(r)
		case KindSolution:
			graphID, err := r.GetInt64()
			if err != nil {
				return err
			}
			errCode, err := r.GetInt32()
			if err != nil {
				return err
			}
			tasks, err := archive.GetSlice(r, func(r *archive.Reader) (TaskInfo, error) {
				var t TaskInfo
				err := t.UnmarshalArchive(r)
				return t, err
			})
			if err != nil {
				return err
			}
			m.Solution = Solution{GraphID: graphID, ErrorCode: errCode, Tasks: tasks}
			return nil
		default:
			return fmt.Errorf("pb: unknown message kind %d", m.Kind)
		}
	})
}
