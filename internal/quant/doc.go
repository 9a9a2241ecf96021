// Package quant converts a float ONNX graph into an ESP-DL model.
//
// Two precisions are supported. FP16 stores every float weight and
// activation as IEEE half precision and needs no calibration. The integer
// scheme follows ESP-DL: each tensor carries one power-of-two exponent so
// that real = int * 2^exponent, weights are symmetric int8 or int16, and
// Conv/Gemm biases use the sum of the input and weight exponents stored as
// int32 (8-bit) or int64 (16-bit). Activation exponents come from ranges
// observed while running calibration batches through an Executor.
package quant
