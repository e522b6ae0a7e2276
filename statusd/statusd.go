// Package statusd exposes a read-only HTTP status endpoint over a
// running master's cluster state, for operators and liveness probes
// (SPEC_FULL.md §4 item 2 "status http endpoint").
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
	"context"
	"encoding/json"
	"net/http"

	"github.com/dtcraft/dtcraft/internal/httpserver"
	"github.com/dtcraft/dtcraft/master"
)

// ClusterInfoSource is the slice of *master.Master this package depends
// on, kept narrow so tests can stub it without standing up a real
// reactor.
type ClusterInfoSource interface {
	ClusterInfo() master.ClusterInfo
}

// Server wraps an httpserver.Server with /healthz and /vars handlers
// bound to src.
type Server struct {
	http *httpserver.Server
}

// New builds a Server listening on addr. It does not start serving;
// call Start.
func New(addr string, src ClusterInfoSource) *Server {
	h := httpserver.New(httpserver.Config{Addr: addr})
	s := &Server{http: h}

	h.AddHandler(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ httpserver.Params) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	h.AddHandler(http.MethodGet, "/vars", func(w http.ResponseWriter, r *http.Request, _ httpserver.Params) {
		info := src.ClusterInfo()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(info); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return s
}

// Start serves until the process exits or Close is called; mirrors
// httpserver.Server.Start's http.ErrServerClosed-swallowing contract.
func (s *Server) Start() error {
	return s.http.Start()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.http.Close(context.Background())
}
