package executor

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
	"fmt"

	"github.com/dtcraft/dtcraft/device"
	"github.com/dtcraft/dtcraft/iostream"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/reactor"
)

// runSubmit connects to the master, hands it this graph's Topology, and
// blocks until a Solution arrives (spec.md §4.3 "submit: ... sends the
// topology, and reads back a solution"). It hosts no vertices of its own.
func (e *Executor) runSubmit(ctx context.Context) (int, error) {
	if e.runtime.MasterEndpoint == "" {
		return ExitBrokenConnection, fmt.Errorf("executor: submit mode requires a master endpoint")
	}

	sock, err := device.MakeSocketClient(e.runtime.MasterEndpoint)
	if err != nil {
		return ExitBrokenConnection, fmt.Errorf("executor: dial master: %w", err)
	}

	solutionCh := make(chan pb.Solution, 1)
	errCh := make(chan error, 1)

	var in *iostream.InputStream
	out := iostream.NewOutputStream(e.r, sock, nil, func(_ *iostream.OutputStream, bio pb.BrokenIO) {
		errCh <- fmt.Errorf("executor: connection to master broken, code %d", bio.ErrorCode)
	})
	in = iostream.NewInputStream(e.r, sock, func(is *iostream.InputStream) reactor.Signal {
		for {
			var msg pb.Message
			if err := is.Unmarshal(&msg); err != nil {
				break
			}
			if msg.Kind == pb.KindSolution {
				solutionCh <- msg.Solution
			}
		}
		return reactor.SignalDefault
	}, func(_ *iostream.InputStream, bio pb.BrokenIO) {
		errCh <- fmt.Errorf("executor: connection to master broken, code %d", bio.ErrorCode)
	})
	_ = in

	topo := e.g.Topology()
	if err := out.Marshal(pb.NewTopologyMessage(topo)); err != nil {
		return ExitBrokenConnection, fmt.Errorf("executor: send topology: %w", err)
	}

	go e.r.Run()
	defer e.Shutdown()

	select {
	case <-ctx.Done():
		return ExitBrokenConnection, ctx.Err()
	case err := <-errCh:
		return ExitBrokenConnection, err
	case solution := <-solutionCh:
		if solution.ErrorCode != 0 {
			return int(solution.ErrorCode), nil
		}
		return ExitSuccess, nil
	}
}
