// Package espdl reads and writes ESP-DL model files.
//
// File structure:
//
//	[4 bytes: Magic "EDL2"]
//	[4 bytes: Mode (uint32 LE), 0 = plain payload]
//	[4 bytes: Payload size (uint32 LE)]
//	[4 bytes: Reserved]
//	Payload:
//	  [4 bytes: Format version (uint32 LE)]
//	  [4 bytes: Flags (uint32 LE)]
//	  [8 bytes: Header size (uint64 LE)]
//	  [8 bytes: Data size (uint64 LE)]
//	  [8 bytes: Reserved]
//	  [32 bytes: SHA-256 of the data section]
//	  [Header: JSON graph description]
//	  [Data: tensor bytes, each tensor 16-byte aligned]
//
// Integer tensors carry power-of-two exponents: real = int * 2^exponent.
// Float16 tensors carry no exponent.
//
// Example usage:
//
//	if err := espdl.WriteFile("model.espdl", model); err != nil {
//	    log.Fatal(err)
//	}
//	model, err := espdl.ReadFile("model.espdl", espdl.ReaderOptions{})
package espdl
