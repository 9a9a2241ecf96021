// Package simplify rewrites ONNX graphs into a smaller equivalent form and
// validates the result.
//
// Passes run on a copy of the model until none of them changes the graph:
//
//   - fixed input shapes replace symbolic dimensions
//   - Constant nodes become initializers
//   - nodes whose inputs are all constant are evaluated (constant folding),
//     including Shape of tensors whose static shape is known
//   - no-op nodes (Identity, Dropout, same-type Cast, same-shape Reshape)
//     are bypassed
//   - nodes, initializers and value_info that no graph output depends on are
//     removed
//
// Graph input and output names never change.
package simplify
