package dtconfig

/*
   Adapted from brunotm/streams config.go (Bruno Moura, Apache 2.0).
*/

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/dtcraft/dtcraft/pb"
)

// Environment variable names for the child-executor contract (spec.md
// §6 "Environment-variable contract to child executors").
const (
	EnvExecutionMode  = "DTC_EXECUTION_MODE"
	EnvNumCPUs        = "DTC_NUM_CPUS"
	EnvMemoryLimit    = "DTC_MEMORY_LIMIT_IN_BYTES"
	EnvSpaceLimit     = "DTC_SPACE_LIMIT_IN_BYTES"
	EnvSubmissionFile = "DTC_SUBMISSION_FILE"
	EnvArgv           = "DTC_ARGV"
	EnvBridges        = "DTC_BRIDGES"
	EnvMasterEndpoint = "DTC_MASTER_ENDPOINT"
	EnvGraphID        = "DTC_GRAPH_ID"
	EnvTopologyID     = "DTC_TOPOLOGY_ID"
	EnvContainerKey   = "DTC_CONTAINER_KEY"
	EnvVertexHosts    = "DTC_VERTEX_HOSTS"
	EnvFrontierEndpoint = "DTC_FRONTIER_ENDPOINT"
)

// Resource reads a pb.Resource from the process environment, the way
// Config.Int/Config.Uint64 never panic on a bad or missing default
// (spec.md §1.2).
func Resource() pb.Resource {
	numCPUs := envUint64(EnvNumCPUs, 0)
	mem := envUint64(EnvMemoryLimit, 0)
	disk := envUint64(EnvSpaceLimit, 0)
	return pb.NewResource(numCPUs, mem, disk)
}

// SetResource writes r into the environment variables Resource reads
// back, for a parent preparing a child's Env before spawn.
func SetResource(env map[string]string, r pb.Resource) {
	env[EnvNumCPUs] = strconv.FormatUint(r.NumCPUs, 10)
	env[EnvMemoryLimit] = strconv.FormatUint(r.MemoryBytes, 10)
	env[EnvSpaceLimit] = strconv.FormatUint(r.DiskBytes, 10)
}

func envUint64(name string, def uint64) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := cast.ToUint64E(v)
	if err != nil {
		return def
	}
	return n
}

// Runtime is the parsed environment-variable contract a distributed- or
// submit-mode executor reconstructs its context from (spec.md §6).
type Runtime struct {
	Mode             string
	SubmissionFile   string
	Argv             []string
	Bridges          map[string]int // tag-or-key -> fd
	MasterEndpoint   string
	GraphID          int64
	TopologyID       int32
	// ContainerKey names which container of the (deterministically
	// rebuilt) full graph this distributed-mode process owns; unset
	// (pb.InvalidKey) outside distributed mode.
	ContainerKey     pb.Key
	VertexHosts      map[pb.Key]string
	FrontierEndpoint string
}

// RuntimeFromEnv parses the current process environment into a Runtime.
func RuntimeFromEnv() Runtime {
	return Runtime{
		Mode:             os.Getenv(EnvExecutionMode),
		SubmissionFile:   os.Getenv(EnvSubmissionFile),
		Argv:             splitNonEmpty(os.Getenv(EnvArgv), " "),
		Bridges:          parseBridges(os.Getenv(EnvBridges)),
		MasterEndpoint:   os.Getenv(EnvMasterEndpoint),
		GraphID:          int64(envInt(EnvGraphID, 0)),
		TopologyID:       int32(envInt(EnvTopologyID, 0)),
		ContainerKey:     pb.Key(envInt(EnvContainerKey, int(pb.InvalidKey))),
		VertexHosts:      parseVertexHosts(os.Getenv(EnvVertexHosts)),
		FrontierEndpoint: os.Getenv(EnvFrontierEndpoint),
	}
}

// ToEnv serializes r the same way RuntimeFromEnv parses it, for a parent
// building a child's environment before spawn.
func (r Runtime) ToEnv() map[string]string {
	env := map[string]string{
		EnvExecutionMode:    r.Mode,
		EnvSubmissionFile:   r.SubmissionFile,
		EnvArgv:             strings.Join(r.Argv, " "),
		EnvBridges:          formatBridges(r.Bridges),
		EnvMasterEndpoint:   r.MasterEndpoint,
		EnvGraphID:          strconv.FormatInt(r.GraphID, 10),
		EnvTopologyID:       strconv.FormatInt(int64(r.TopologyID), 10),
		EnvContainerKey:     strconv.FormatInt(int64(r.ContainerKey), 10),
		EnvVertexHosts:      formatVertexHosts(r.VertexHosts),
		EnvFrontierEndpoint: r.FrontierEndpoint,
	}
	return env
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// parseBridges parses "tag-or-key:fd tag-or-key:fd ..." (spec.md §4.3
// "bridge FDs (tag-or-key:fd pairs, space-separated)").
func parseBridges(s string) map[string]int {
	out := make(map[string]int)
	for _, pair := range splitNonEmpty(s, " ") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		fd, err := strconv.Atoi(kv[1])
		if err != nil {
			continue
		}
		out[kv[0]] = fd
	}
	return out
}

func formatBridges(bridges map[string]int) string {
	keys := make([]string, 0, len(bridges))
	for k := range bridges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, bridges[k]))
	}
	return strings.Join(parts, " ")
}

// parseVertexHosts parses "vkey=host vkey=host ..." -- the one nested
// structure dot-path addressing would be overkill for (spec.md §1.2).
func parseVertexHosts(s string) map[pb.Key]string {
	out := make(map[pb.Key]string)
	for _, pair := range splitNonEmpty(s, " ") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k, err := strconv.ParseInt(kv[0], 10, 32)
		if err != nil {
			continue
		}
		out[pb.Key(k)] = kv[1]
	}
	return out
}

func formatVertexHosts(hosts map[pb.Key]string) string {
	keys := make([]pb.Key, 0, len(hosts))
	for k := range hosts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d=%s", k, hosts[k]))
	}
	return strings.Join(parts, " ")
}

func splitNonEmpty(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	fields := strings.Split(s, sep)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
