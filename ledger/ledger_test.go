package ledger

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcraft/dtcraft/pb"
)

func TestRecordPlacementThenHistoryRoundTrips(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	p1 := Placement{TaskID: pb.TaskID{GraphID: 1, TopologyID: 10}, AgentHost: "h1:9000", Resource: pb.NewResource(2, 0, 0), At: time.Unix(100, 0)}
	p2 := Placement{TaskID: pb.TaskID{GraphID: 1, TopologyID: 20}, AgentHost: "h2:9000", Resource: pb.NewResource(4, 0, 0), At: time.Unix(200, 0)}
	require.NoError(t, l.RecordPlacement(p1))
	require.NoError(t, l.RecordPlacement(p2))

	got, err := l.History()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, p1.AgentHost, got[0].AgentHost)
	assert.Equal(t, p2.AgentHost, got[1].AgentHost)
	assert.True(t, got[0].At.Equal(p1.At))
}

func TestRecordPlacementOverwritesSameTaskID(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	id := pb.TaskID{GraphID: 5, TopologyID: 1}
	require.NoError(t, l.RecordPlacement(Placement{TaskID: id, AgentHost: "first", At: time.Unix(1, 0)}))
	require.NoError(t, l.RecordPlacement(Placement{TaskID: id, AgentHost: "second", At: time.Unix(2, 0)}))

	got, err := l.History()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].AgentHost)
}

func TestHistoryDetectsCorruptedEntry(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	id := pb.TaskID{GraphID: 1, TopologyID: 1}
	require.NoError(t, l.RecordPlacement(Placement{TaskID: id, AgentHost: "h1"}))

	raw, err := l.db.Get(key(id), nil)
	require.NoError(t, err)
	corrupt := append([]byte(nil), raw...)
	corrupt[0] ^= 0xFF
	require.NoError(t, l.db.Put(key(id), corrupt, nil))

	_, err = l.History()
	assert.Error(t, err)
}
