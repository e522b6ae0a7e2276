package statusd

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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcraft/dtcraft/master"
)

type fakeSource struct {
	info master.ClusterInfo
}

func (f fakeSource) ClusterInfo() master.ClusterInfo { return f.info }

func TestHealthzReportsOK(t *testing.T) {
	s := New("127.0.0.1:0", fakeSource{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.http.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestVarsReportsClusterInfoAsJSON(t *testing.T) {
	src := fakeSource{info: master.ClusterInfo{
		Agents:       []master.AgentInfo{{Key: 1, Host: "10.0.0.1:9000"}},
		QueuedGraphs: []int64{42},
		ActiveGraphs: 2,
	}}
	s := New("127.0.0.1:0", src)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/vars", nil)
	s.http.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var got master.ClusterInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, 2, got.ActiveGraphs)
	assert.Equal(t, []int64{42}, got.QueuedGraphs)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, "10.0.0.1:9000", got.Agents[0].Host)
}
