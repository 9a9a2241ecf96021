// Package onnx reads, writes and analyzes ONNX models.
//
// ONNX (Open Neural Network Exchange) is an open format for representing deep learning models.
// Models are decoded and encoded with protowire directly, without generated protobuf code,
// so only the fields the converter needs are modeled.
//
// Key components:
//   - ModelProto, GraphProto, NodeProto, TensorProto, ValueInfoProto: the model structure
//   - Parse/ParseFile and Marshal/SaveFile: wire format decode and encode
//   - TopologicalSort, Producers, Consumers: graph traversal helpers
//   - InferShapes: static shape propagation that fills graph value_info
//
// Example usage:
//
//	model, err := onnx.ParseFile("yolo11n.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := onnx.InferShapes(model); err != nil {
//	    log.Fatal(err)
//	}
//	if err := onnx.SaveFile(model, "yolo11n.onnx"); err != nil {
//	    log.Fatal(err)
//	}
package onnx
