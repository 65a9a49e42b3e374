// Package convert orchestrates the two-phase FAT32->ext4 pipeline: Phase R
// (internal/fat traversal + re-settling into internal/archiver) followed by
// Phase W (internal/ext4 inode/extent/directory construction), grounded on
// original_source/ofs-convert/ofs-convert.cpp and metadata_reader.cpp.
package convert

import "errors"

// Sentinel error kinds, matching the taxonomy in spec.md §7.
var (
	ErrGeometryUnsupported = errors.New("convert: unsupported FAT geometry")
	ErrGroupOverheadTooBig = errors.New("convert: block-group overhead exceeds 65535 blocks")
	ErrAllocatorExhausted  = errors.New("convert: filesystem too small to complete the conversion")
	ErrInodesExhausted     = errors.New("convert: not enough inodes for the source filesystem")
)
