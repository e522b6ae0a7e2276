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
	"strconv"
	"strings"
	"syscall"
)

// reexecArg marks a re-exec of this same binary as a container init shim:
// it performs the ready/go handshake on behalf of a Program vertex that
// may be an arbitrary external binary unaware of that protocol, then
// execve()s into the real command (spec.md §4.4 item 3, §4.3 "Program
// vertices").
const reexecArg = "__dtcraft_container_init__"

// targetEnvVar carries the real command line, unit-separator joined
// since argv elements may contain spaces.
const targetEnvVar = "DTC_CONTAINER_TARGET"

const argSep = "\x1f"

// SpawnProgram builds a Spec whose Command reexecs this binary as the
// init shim, so Spec.Command in the public sense (the vertex's real
// program) can be any external binary.
func SpawnProgram(spec Spec) Spec {
	real := spec.Command
	spec.Command = []string{os.Args[0], reexecArg}
	if spec.Env == nil {
		spec.Env = make(map[string]string)
	}
	spec.Env[targetEnvVar] = strings.Join(real, argSep)
	return spec
}

// RunInit checks whether the current process was launched as a
// container init shim; if so it performs the ready/go handshake and
// execve()s into the real target, never returning on success. It should
// be called once at the very top of main(), before any other startup
// work, by every binary that can be spawned as a Program vertex.
//
// It returns (false, nil) when the process was not launched this way,
// so normal startup continues.
func RunInit() (bool, error) {
	if len(os.Args) < 2 || os.Args[1] != reexecArg {
		return false, nil
	}

	fd, err := strconv.Atoi(os.Getenv(syncEnvVar))
	if err != nil {
		return true, fmt.Errorf("container: init shim: bad %s: %w", syncEnvVar, err)
	}
	if err := HandshakeReady(fd); err != nil {
		return true, err
	}

	target := strings.Split(os.Getenv(targetEnvVar), argSep)
	if len(target) == 0 || target[0] == "" {
		return true, fmt.Errorf("container: init shim: empty %s", targetEnvVar)
	}

	path, err := exec.LookPath(target[0])
	if err != nil {
		return true, err
	}
	return true, syscall.Exec(path, target, os.Environ())
}
