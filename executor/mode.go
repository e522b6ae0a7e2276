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

import "fmt"

// Mode selects which of the three execution strategies an Executor runs
// (spec.md §4.3 "Executor modes").
type Mode uint8

const (
	// ModeLocal materializes every vertex and stream of a graph in one
	// process with no master; every inter-container stream degenerates
	// to intra-container.
	ModeLocal Mode = iota
	// ModeSubmit connects to the master, sends the topology, and reads
	// back a Solution; it hosts no vertices itself.
	ModeSubmit
	// ModeDistributed runs one container of one topology, assembling
	// inter-container streams from frontier sockets.
	ModeDistributed
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "LOCAL"
	case ModeSubmit:
		return "SUBMIT"
	case ModeDistributed:
		return "DISTRIBUTED"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses the DTC_EXECUTION_MODE environment value (spec.md §6
// "Execution modes. Chosen from an environment variable with values
// LOCAL, SUBMIT, DISTRIBUTED").
func ParseMode(s string) (Mode, error) {
	switch s {
	case "LOCAL", "":
		return ModeLocal, nil
	case "SUBMIT":
		return ModeSubmit, nil
	case "DISTRIBUTED":
		return ModeDistributed, nil
	default:
		return 0, fmt.Errorf("executor: unknown execution mode %q", s)
	}
}

// Exit codes (spec.md §6 "Execution modes").
const (
	ExitSuccess          = 0
	ExitBrokenConnection = 100
	ExitCriticalStream   = 101
	ExitContainerSpawn   = 102
	ExitVertexProgram    = 103
)
