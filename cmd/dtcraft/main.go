// Command dtcraft hosts the two standalone cluster daemons: the master
// that places and tracks graphs, and the agent that runs on every
// machine offering capacity (spec.md §4.5 Master, §4.6 Agent). A
// submission's own compiled binary is the third role, the executor: it
// imports this module directly and picks its executor.Mode from
// dtconfig.RuntimeFromEnv, it is never invoked through this command.
package main

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
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dtcraft/dtcraft/agent"
	"github.com/dtcraft/dtcraft/dtlog"
	"github.com/dtcraft/dtcraft/ledger"
	"github.com/dtcraft/dtcraft/master"
	"github.com/dtcraft/dtcraft/pb"
	"github.com/dtcraft/dtcraft/statusd"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dtcraft <master|agent> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "master":
		err = runMaster(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "dtcraft: unknown role %q, want master or agent\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dtcraft:", err)
		os.Exit(1)
	}
}

func cancelOnSignal() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func runMaster(args []string) error {
	fs := flag.NewFlagSet("master", flag.ExitOnError)
	addr := fs.String("addr", ":9000", "address to listen for agent and graph-client connections")
	statusAddr := fs.String("status-addr", ":9001", "address to serve /healthz and /vars on")
	ledgerPath := fs.String("ledger", "", "path to a placement ledger file; empty disables durable logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := dtlog.New("component", "cmd/dtcraft", "role", "master")

	var led *ledger.Ledger
	if *ledgerPath != "" {
		l, err := ledger.Open(*ledgerPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer l.Close()
		led = l
	}

	m, err := master.New(*addr, led)
	if err != nil {
		return fmt.Errorf("start master: %w", err)
	}

	st := statusd.New(*statusAddr, m)
	go func() {
		if err := st.Start(); err != nil {
			log.Errorw("status server exited", "error", err)
		}
	}()
	defer st.Close()

	log.Infow("master listening", "addr", *addr, "status_addr", *statusAddr)
	return m.Run(cancelOnSignal())
}

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	masterAddr := fs.String("master", "", "master address to connect to")
	frontierAddr := fs.String("frontier-addr", ":0", "address to listen for inter-container frontier connections")
	numCPUs := fs.Int("cpus", runtime.NumCPU(), "CPUs this agent offers")
	memBytes := fs.Uint64("mem-bytes", 0, "memory in bytes this agent offers (0 = unlimited)")
	diskBytes := fs.Uint64("disk-bytes", 0, "disk in bytes this agent offers (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *masterAddr == "" {
		return fmt.Errorf("agent: -master is required")
	}
	if *memBytes == 0 {
		*memBytes = math.MaxUint64
	}
	if *diskBytes == 0 {
		*diskBytes = math.MaxUint64
	}

	log := dtlog.New("component", "cmd/dtcraft", "role", "agent")
	res := pb.NewResource(uint64(*numCPUs), *memBytes, *diskBytes)

	a, err := agent.New(*masterAddr, *frontierAddr, res, *numCPUs)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	log.Infow("agent starting", "master", *masterAddr, "cpus", *numCPUs)
	return a.Run(cancelOnSignal())
}
