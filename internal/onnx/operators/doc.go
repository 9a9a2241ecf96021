// Package operators evaluates ONNX operators over constant values.
//
// The registry maps operator types to handlers that compute outputs from
// fully known inputs. Graph simplification uses it to fold subgraphs whose
// inputs are initializers or Constant nodes, which in exported detection
// models is mostly shape arithmetic (Shape, Gather, Concat, Reshape).
//
// Handlers receive nil for absent optional inputs and never mutate their
// inputs.
package operators
