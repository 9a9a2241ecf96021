package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(name string, inputs, outputs []string) NodeProto {
	return NodeProto{Name: name, OpType: "Op", Inputs: inputs, Outputs: outputs}
}

func TestTopologicalSortReorders(t *testing.T) {
	nodes := []NodeProto{
		node("c", []string{"b"}, []string{"c"}),
		node("a", []string{"x"}, []string{"a"}),
		node("b", []string{"a"}, []string{"b"}),
		node("d", []string{"x"}, []string{"d"}),
	}
	sorted, err := TopologicalSort(nodes)
	require.NoError(t, err)

	var names []string
	for _, n := range sorted {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}

func TestTopologicalSortKeepsOrderedGraph(t *testing.T) {
	nodes := []NodeProto{
		node("a", []string{"x"}, []string{"a"}),
		node("b", []string{"x"}, []string{"b"}),
		node("c", []string{"a", "b"}, []string{"c"}),
	}
	sorted, err := TopologicalSort(nodes)
	require.NoError(t, err)
	assert.Equal(t, nodes, sorted)
}

func TestTopologicalSortCycle(t *testing.T) {
	nodes := []NodeProto{
		node("a", []string{"b"}, []string{"a"}),
		node("b", []string{"a"}, []string{"b"}),
	}
	_, err := TopologicalSort(nodes)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestProducersConsumers(t *testing.T) {
	g := &GraphProto{Nodes: []NodeProto{
		node("a", []string{"x"}, []string{"a"}),
		node("b", []string{"a", "x"}, []string{"b"}),
	}}
	assert.Equal(t, map[string]int{"a": 0, "b": 1}, g.Producers())
	assert.Equal(t, []int{0, 1}, g.Consumers()["x"])
}
