// Package pb holds the wire-protocol value types exchanged between graph
// clients, agents and the master, and their binary codec bindings
// (spec.md §2 "Data Model", §6 "Message"). Every type here mirrors a
// struct from the original's protobuf/*.hpp headers field-for-field.
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

import "sync/atomic"

// Key identifies a vertex, stream, container or prober within a single
// graph. Keys are assigned by a monotone per-graph counter at build time
// (spec.md §2 Graph/Vertex/Stream).
type Key int32

// InvalidKey (-1) is the sentinel used for "no key" / PlaceHolder slots.
const InvalidKey Key = -1

// KeyGen hands out monotonically increasing Keys, the Go analogue of the
// original's `Graph::_key` counter. Safe for concurrent use since graph
// construction may be driven from helper goroutines that build
// sub-trees concurrently before wiring them into the parent graph.
type KeyGen struct {
	next int32
}

// Next returns the next unused key, starting from 0.
func (g *KeyGen) Next() Key {
	return Key(atomic.AddInt32(&g.next, 1) - 1)
}
