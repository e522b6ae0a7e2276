package dtconfig

/*
   Adapted from brunotm/streams config.go (Bruno Moura, Apache 2.0).
*/

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dtcraft/dtcraft/pb"
)

func TestRuntimeEnvRoundTrip(t *testing.T) {
	r := Runtime{
		Mode:             "DISTRIBUTED",
		SubmissionFile:   "/tmp/graph.bin",
		Argv:             []string{"--flag", "value"},
		Bridges:          map[string]int{"in": 3, "out": 4},
		MasterEndpoint:   "10.0.0.1:9000",
		GraphID:          42,
		TopologyID:       7,
		ContainerKey:     10,
		VertexHosts:      map[pb.Key]string{1: "host-a", 2: "host-b"},
		FrontierEndpoint: "10.0.0.2:9001",
	}

	env := r.ToEnv()
	for k, v := range env {
		t.Setenv(k, v)
	}

	got := RuntimeFromEnv()
	assert.Equal(t, r.Mode, got.Mode)
	assert.Equal(t, r.SubmissionFile, got.SubmissionFile)
	assert.Equal(t, r.Argv, got.Argv)
	assert.Equal(t, r.Bridges, got.Bridges)
	assert.Equal(t, r.MasterEndpoint, got.MasterEndpoint)
	assert.Equal(t, r.GraphID, got.GraphID)
	assert.Equal(t, r.TopologyID, got.TopologyID)
	assert.Equal(t, r.ContainerKey, got.ContainerKey)
	assert.Equal(t, r.VertexHosts, got.VertexHosts)
	assert.Equal(t, r.FrontierEndpoint, got.FrontierEndpoint)
}

func TestResourceEnvRoundTrip(t *testing.T) {
	env := make(map[string]string)
	SetResource(env, pb.NewResource(4, 8<<30, 100<<30))
	for k, v := range env {
		t.Setenv(k, v)
	}

	got := Resource()
	assert.Equal(t, uint64(4), got.NumCPUs)
	assert.Equal(t, uint64(8<<30), got.MemoryBytes)
	assert.Equal(t, uint64(100<<30), got.DiskBytes)
}

func TestParseBridgesIgnoresMalformedPairs(t *testing.T) {
	got := parseBridges("in:3 out:4 garbage nokey: :5")
	assert.Equal(t, map[string]int{"in": 3, "out": 4}, got)
}
