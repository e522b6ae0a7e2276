package agent

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

	"github.com/stretchr/testify/assert"

	"github.com/dtcraft/dtcraft/pb"
)

func TestPlacerAssignIsDeterministic(t *testing.T) {
	p := NewPlacer(4)
	id := pb.TaskID{GraphID: 1, TopologyID: 2}
	first := p.Assign(id)
	p.Release(id)
	second := p.Assign(id)
	assert.Equal(t, first, second)
}

func TestPlacerAssignRangeClampsToLocalCPUCount(t *testing.T) {
	p := NewPlacer(4)
	id := pb.TaskID{GraphID: 1, TopologyID: 2}
	r := p.AssignRange(id, 100)
	assert.NotEmpty(t, r)
	// any valid range string is one of "0-3", "1-3", "2-3" or "3"
	assert.Regexp(t, `^[0-3](-[0-3])?$`, r)
}

func TestPlacerAssignRangeEmptyWhenNoCPUsOrWidth(t *testing.T) {
	p := NewPlacer(0)
	assert.Equal(t, "", p.AssignRange(pb.TaskID{GraphID: 1}, 1))

	p2 := NewPlacer(4)
	assert.Equal(t, "", p2.AssignRange(pb.TaskID{GraphID: 1}, 0))
}

func TestPlacerReleaseForgetsAssignment(t *testing.T) {
	p := NewPlacer(8)
	ids := []pb.TaskID{{GraphID: 1}, {GraphID: 2}, {GraphID: 3}}
	for _, id := range ids {
		p.Assign(id)
	}
	assert.True(t, p.InUse() > 0)
	for _, id := range ids {
		p.Release(id)
	}
	assert.Equal(t, 0, p.InUse())
}
