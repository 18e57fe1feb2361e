// Package serialization reads and writes the .born weight format.
//
// A .born file is laid out as:
//
//	0x00  [4]byte  magic "BORN"
//	0x04  uint32   format version (2)
//	0x08  uint32   flags
//	0x0C  uint32   reserved
//	0x10  uint64   JSON header size
//	0x18  uint64   tensor data size
//	0x20  [32]byte SHA-256 of the tensor data
//	0x40  JSON header, zero-padded to a 64-byte boundary
//	      tensor data, in header order
//
// Tensors are stored in sorted name order so that the same state always
// produces the same bytes apart from the creation time.
package serialization
