// Package dttest collects the small test-only helpers that would
// otherwise be copy-pasted into every package's _test.go file: starting
// a reactor on its own goroutine and shutting it down on cleanup, and
// standing up a connected in-memory socket pair (spec.md test harness
// notes; the pattern this package extracts already recurs verbatim in
// iostream_test.go and agent_test.go).
package dttest

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

	"github.com/stretchr/testify/require"

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/reactor"
)

// StartReactor starts r.Run on its own goroutine and registers r.Shutdown
// as test cleanup.
func StartReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Shutdown)
	return r
}

// SocketPair returns a connected pair of non-blocking sockets, failing t
// immediately if the underlying socketpair(2) call fails.
func SocketPair(t *testing.T) (a, b *device.Socket) {
	t.Helper()
	a, b, err := device.MakeSocketPair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}
