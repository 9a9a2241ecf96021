package onnx

import (
	"fmt"
	"sort"
)

// ModelInfo contains basic information about an ONNX model.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	GraphName       string
	InputNames      []string
	OutputNames     []string
	NodeCount       int
	WeightCount     int
	WeightBytes     int64
	OpCounts        map[string]int
}

// Info summarizes a parsed model.
func Info(proto *ModelProto) *ModelInfo {
	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    proto.OpsetVersion(),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
		OpCounts:        make(map[string]int),
	}
	g := proto.Graph
	if g == nil {
		return info
	}
	info.GraphName = g.Name
	for _, in := range g.RealInputs() {
		info.InputNames = append(info.InputNames, in.Name)
	}
	for i := range g.Outputs {
		info.OutputNames = append(info.OutputNames, g.Outputs[i].Name)
	}
	info.NodeCount = len(g.Nodes)
	info.WeightCount = len(g.Initializers)
	for i := range g.Initializers {
		t := &g.Initializers[i]
		info.WeightBytes += t.NumElements() * int64(DataTypeSize(t.DataType))
	}
	for i := range g.Nodes {
		info.OpCounts[g.Nodes[i].OpType]++
	}
	return info
}

// SortedOps returns operator types ordered by descending count, then name.
func (i *ModelInfo) SortedOps() []string {
	ops := make([]string, 0, len(i.OpCounts))
	for op := range i.OpCounts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(a, b int) bool {
		if i.OpCounts[ops[a]] != i.OpCounts[ops[b]] {
			return i.OpCounts[ops[a]] > i.OpCounts[ops[b]]
		}
		return ops[a] < ops[b]
	})
	return ops
}

// String renders a one-line summary.
func (i *ModelInfo) String() string {
	return fmt.Sprintf("%s (ir %d, opset %d, producer %s %s): %d nodes, %d weights (%d bytes), inputs %v, outputs %v",
		i.GraphName, i.IRVersion, i.OpsetVersion, i.ProducerName, i.ProducerVersion,
		i.NodeCount, i.WeightCount, i.WeightBytes, i.InputNames, i.OutputNames)
}
