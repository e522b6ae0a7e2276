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

import "container/heap"

// timerHeap is a min-heap of *PeriodicEvent ordered by next fire time,
// backing the reactor's "timeout heap" (spec.md §4.1).
type timerHeap []*PeriodicEvent

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*PeriodicEvent)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *timerHeap) insert(e *PeriodicEvent) { heap.Push(h, e) }

func (h *timerHeap) remove(e *PeriodicEvent) {
	if e.index < 0 || e.index >= len(*h) || (*h)[e.index] != e {
		return
	}
	heap.Remove(h, e.index)
}

func (h *timerHeap) peek() *PeriodicEvent {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

func (h *timerHeap) fixAfterReschedule(e *PeriodicEvent) {
	if e.index < 0 {
		return
	}
	heap.Fix(h, e.index)
}
