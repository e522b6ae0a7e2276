package reactor

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
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Shutdown)
	return r
}

func TestDispatchRunsOnReactorGoroutine(t *testing.T) {
	r := startReactor(t)

	fut := Dispatch(r, func() int { return 41 + 1 })
	assert.Equal(t, 42, fut.Get())
}

func TestDispatchFIFOOrdering(t *testing.T) {
	r := startReactor(t)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		r.postTask(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestReadEventFiresOnData(t *testing.T) {
	r := startReactor(t)

	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	got := make(chan byte, 1)
	r.InsertRead(a, func(e *ReadEvent) Signal {
		buf := make([]byte, 1)
		n, _ := a.Read(buf)
		if n > 0 {
			got <- buf[0]
		}
		return SignalDefault
	}).Get()

	_, err = b.Write([]byte{7})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, byte(7), v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read event")
	}
}

func TestRemoveReadStopsDelivery(t *testing.T) {
	r := startReactor(t)

	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	count := 0
	ev := r.InsertRead(a, func(e *ReadEvent) Signal {
		buf := make([]byte, 1)
		a.Read(buf)
		count++
		return SignalDefault
	}).Get()

	r.RemoveRead(ev).Get()
	b.Write([]byte{1})

	// Give the loop a couple ticks; since the event is removed the byte
	// sits unread in the socket buffer and count stays at zero.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, count)
}

func TestPeriodicEventFiresRepeatedly(t *testing.T) {
	r := startReactor(t)

	fires := make(chan struct{}, 16)
	r.InsertPeriodic(0, 5*time.Millisecond, func(e *PeriodicEvent) Signal {
		select {
		case fires <- struct{}{}:
		default:
		}
		return SignalDefault
	}).Get()

	for i := 0; i < 3; i++ {
		select {
		case <-fires:
		case <-time.After(time.Second):
			t.Fatal("periodic event did not fire")
		}
	}
}

func TestPeriodicEventRemoveSignalStopsRescheduling(t *testing.T) {
	r := startReactor(t)

	n := 0
	done := make(chan struct{})
	r.InsertPeriodic(0, time.Millisecond, func(e *PeriodicEvent) Signal {
		n++
		if n == 1 {
			close(done)
			return SignalRemove
		}
		return SignalDefault
	}).Get()

	<-done
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, n)
}
