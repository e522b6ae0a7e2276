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
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcraft/dtcraft/pb"
)

// TestHelperProcess is not a real test; it's re-exec'd as the spawned
// child by tests below, following the standard os/exec self-test
// pattern. It performs the ready/go handshake and exits 0.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("DTCRAFT_WANT_HELPER_PROCESS") != "1" {
		t.Skip("not running as helper process")
	}
	fd, err := strconv.Atoi(os.Getenv(syncEnvVar))
	if err != nil {
		os.Exit(2)
	}
	if err := HandshakeReady(fd); err != nil {
		os.Exit(3)
	}
	os.Exit(0)
}

func helperSpec(t *testing.T, id string) Spec {
	t.Helper()
	return Spec{
		ID:         id,
		CgroupRoot: t.TempDir(),
		Resource:   pb.NewResource(1, 64<<20, 0),
		Command:    []string{os.Args[0], "-test.run=TestHelperProcess"},
		Env:        map[string]string{"DTCRAFT_WANT_HELPER_PROCESS": "1"},
	}
}

func TestContainerCreateWritesCgroupLimits(t *testing.T) {
	spec := helperSpec(t, "t-create")
	c, err := New(spec)
	require.NoError(t, err)

	usage, err := c.cg.readFile("cpuset", "cpuset.cpus")
	require.NoError(t, err)
	assert.Equal(t, "0", usage)

	mem, err := c.cg.readFile("memory", "memory.limit_in_bytes")
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(spec.Resource.MemoryBytes, 10), mem)
}

func TestContainerSpawnHandshakeAndWait(t *testing.T) {
	spec := helperSpec(t, "t-spawn")
	c, err := New(spec)
	require.NoError(t, err)

	require.NoError(t, c.Spawn(spec))
	assert.True(t, c.Alive())
	assert.NotZero(t, c.Pid())

	status, err := c.Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)
	assert.False(t, c.Alive())

	require.NoError(t, c.Cleanup())
}

func TestCpusetRange(t *testing.T) {
	assert.Equal(t, "0", cpusetRange(0))
	assert.Equal(t, "0", cpusetRange(1))
	assert.Equal(t, "0-3", cpusetRange(4))
}

func TestCloneFlagsTranslatesRecognizedKeys(t *testing.T) {
	assert.Equal(t, uintptr(0), cloneFlags(nil))
	assert.Equal(t, uintptr(0), cloneFlags(map[string]string{"mount": ""}))
	assert.Equal(t, uintptr(syscall.CLONE_NEWNS), cloneFlags(map[string]string{"mount": "1"}))
	assert.Equal(t,
		uintptr(syscall.CLONE_NEWNS|syscall.CLONE_NEWPID|syscall.CLONE_NEWNET),
		cloneFlags(map[string]string{"mount": "1", "pid": "1", "net": "1", "bogus": "1"}),
	)
}

func TestSpawnProgramEncodesTargetCommand(t *testing.T) {
	spec := SpawnProgram(Spec{Command: []string{"python3", "script.py", "--flag value"}})
	assert.Equal(t, []string{os.Args[0], reexecArg}, spec.Command)
	assert.Equal(t, "python3"+argSep+"script.py"+argSep+"--flag value", spec.Env[targetEnvVar])

	parsed := strings.Split(spec.Env[targetEnvVar], argSep)
	assert.Equal(t, []string{"python3", "script.py", "--flag value"}, parsed)
}

func TestRunInitIsNoopWithoutMarker(t *testing.T) {
	ran, err := RunInit()
	assert.False(t, ran)
	assert.NoError(t, err)
}
