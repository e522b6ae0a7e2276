package iostream

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

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

func startReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Shutdown)
	return r
}

func TestOutputStreamToInputStreamRoundTrip(t *testing.T) {
	r := startReactor(t)

	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)

	received := make(chan pb.TaskID, 4)
	in := NewInputStream(r, a, func(is *InputStream) reactor.Signal {
		for {
			var id pb.TaskID
			if err := is.Unmarshal(&id); err != nil {
				break
			}
			received <- id
		}
		return reactor.SignalDefault
	}, nil)
	_ = in

	out := NewOutputStream(r, b, nil, nil)
	require.NoError(t, out.Marshal(pb.TaskID{GraphID: 1, TopologyID: 2}))
	require.NoError(t, out.Marshal(pb.TaskID{GraphID: 3, TopologyID: 4}))

	first := waitTaskID(t, received)
	second := waitTaskID(t, received)
	assert.Equal(t, pb.TaskID{GraphID: 1, TopologyID: 2}, first)
	assert.Equal(t, pb.TaskID{GraphID: 3, TopologyID: 4}, second)
}

func waitTaskID(t *testing.T, ch chan pb.TaskID) pb.TaskID {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record")
		return pb.TaskID{}
	}
}

func TestInputStreamReportsBrokenIOOnPeerClose(t *testing.T) {
	r := startReactor(t)

	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)

	broken := make(chan pb.BrokenIO, 1)
	NewInputStream(r, a, func(is *InputStream) reactor.Signal {
		return reactor.SignalDefault
	}, func(is *InputStream, bio pb.BrokenIO) {
		broken <- bio
	})

	b.Close()

	select {
	case bio := <-broken:
		assert.Equal(t, pb.DirectionInput, bio.Direction)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BrokenIO")
	}
}

func TestOutputStreamInvokesOnWritableAfterSync(t *testing.T) {
	r := startReactor(t)

	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)
	defer b.Close()

	synced := make(chan struct{}, 8)
	out := NewOutputStream(r, a, func(o *OutputStream) reactor.Signal {
		synced <- struct{}{}
		return reactor.SignalDefault
	}, nil)

	require.NoError(t, out.Marshal(pb.TaskID{GraphID: 1}))

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on-writable callback")
	}
}

func TestOutputStreamRemoveOnFlush(t *testing.T) {
	r := startReactor(t)

	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)
	defer b.Close()

	out := NewOutputStream(r, a, nil, nil)
	require.NoError(t, out.Marshal(pb.TaskID{GraphID: 1}))
	out.RemoveOnFlush()

	assert.Eventually(t, func() bool {
		return out.Buffered() == 0
	}, time.Second, 10*time.Millisecond)
}
