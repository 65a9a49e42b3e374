package convert

// NameUnit is one archiver name slot: 13 UTF-16 code units, matching the
// capacity of a single FAT long-filename fragment (spec.md §3); a short
// name is encoded into a single slot too, padded with 0x0000.
type NameUnit struct {
	Units [13]uint16
}

// Extent is a contiguous run of ext4 blocks assigned to a file's logical
// position, in the same physical addressing the ext4 builder's block
// bitmaps use.
type Extent struct {
	LogicalStart  uint32
	Length        uint32
	PhysicalStart uint32
}

// EntryHeader is the per-dentry summary record emitted in place of the
// original's raw 32-byte FAT dentry (spec.md §4.3 step (i)): Phase R has
// already decoded everything Phase W needs, so the archiver carries the
// decoded facts rather than requiring Phase W to re-parse FAT bytes it can
// no longer safely read once Phase W starts overwriting them.
type EntryHeader struct {
	IsDir     uint8
	NameSlots uint8
	FatAttrs  uint8
	_         uint8
	Size      uint64
	Mtime     int64
	Atime     int64
	Crtime    int64
}

// ChildCountSentinel marks a file entry (as opposed to a directory, which
// is followed by a real child count), mirroring the original's
// (uint32_t)(-1).
const ChildCountSentinel = 0xFFFFFFFF
