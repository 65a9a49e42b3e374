package ext4

import (
	"encoding/binary"
	"fmt"
)

// dirRecordHeaderSize is {inode:4, rec_len:2, name_len:2}; there is no
// file-type byte in this tool's minimal feature set (incompat_filetype is
// not among the features spec.md §1 (v) allows), unlike a stock mke2fs
// volume.
const dirRecordHeaderSize = 8

func roundUp4(n uint32) uint32 { return (n + 3) &^ 3 }

// DirWriter tracks the write position used while emitting one directory's
// blocks, grounded on original_source/ofs-convert/tree_builder.cpp and
// _examples/pilat-go-ext4fs/builder_dir.go's previous-record-extension
// idiom.
type DirWriter struct {
	b       *Builder
	inode   *Inode
	self    uint32

	blockPhys  uint32
	blockData  []byte
	pos        uint32
	prevOff    uint32
	blockCount uint32
}

// OpenDirectory allocates the first data block of a new directory, writes
// "." and "..", and returns a writer ready for AddChildEntry.
func (b *Builder) OpenDirectory(selfInode uint32, self *Inode, parentInode uint32) (*DirWriter, error) {
	dw := &DirWriter{b: b, inode: self, self: selfInode}
	if err := dw.openBlock(); err != nil {
		return nil, err
	}
	if err := dw.writeRecord(selfInode, "."); err != nil {
		return nil, err
	}
	if err := dw.writeRecord(parentInode, ".."); err != nil {
		return nil, err
	}
	return dw, nil
}

func (dw *DirWriter) openBlock() error {
	start, length, err := dw.b.alloc.AllocateExtent(1)
	if err != nil {
		return fmt.Errorf("ext4: allocate directory block: %w", err)
	}
	if length == 0 {
		return fmt.Errorf("ext4: allocator returned empty directory block")
	}
	dw.b.RegisterBlockRange(start, length)
	if err := dw.b.AddExtent(dw.inode, dw.blockCount, start, 1); err != nil {
		return err
	}
	dw.blockPhys = start
	dw.blockData = dw.b.readBlock(start)
	for i := range dw.blockData {
		dw.blockData[i] = 0
	}
	dw.pos = 0
	dw.prevOff = 0
	dw.blockCount++
	return nil
}

// AddChildEntry writes one child record, rolling over to a new block when
// the current one has no room, per spec.md §4.6 steps 2-4.
func (dw *DirWriter) AddChildEntry(childInode uint32, name string) error {
	recLen := roundUp4(dirRecordHeaderSize + uint32(len(name)))
	if dw.pos+recLen > dw.b.layout.BlockSize {
		dw.extendPrevToEndOfBlock()
		if err := dw.openBlock(); err != nil {
			return err
		}
	}
	return dw.writeRecord(childInode, name)
}

func (dw *DirWriter) writeRecord(inodeNum uint32, name string) error {
	recLen := roundUp4(dirRecordHeaderSize + uint32(len(name)))
	off := dw.pos
	binary.LittleEndian.PutUint32(dw.blockData[off:], inodeNum)
	binary.LittleEndian.PutUint16(dw.blockData[off+4:], uint16(recLen))
	binary.LittleEndian.PutUint16(dw.blockData[off+6:], uint16(len(name)))
	copy(dw.blockData[off+8:], name)

	dw.prevOff = off
	dw.pos += recLen
	return nil
}

func (dw *DirWriter) extendPrevToEndOfBlock() {
	end := uint16(dw.b.layout.BlockSize - dw.prevOff)
	binary.LittleEndian.PutUint16(dw.blockData[dw.prevOff+4:], end)
}

// Close extends the last record to the end of its block and fixes up
// i_size.
func (dw *DirWriter) Close() error {
	dw.extendPrevToEndOfBlock()
	dw.inode.SizeLo = dw.blockCount * dw.b.layout.BlockSize
	return nil
}

// MarkReservedInodeUsed records bg_used_dirs_count for a fixed reserved
// inode number (such as LostFound) without consuming the monotone inode
// counter or decrementing freeInodes a second time: NewBuilder already
// folded the whole 1..FirstInode-1 reserved range out of every group's
// free-inode count up front, and n is always within that range.
func (b *Builder) MarkReservedInodeUsed(n uint32, isDir bool) {
	b.markInodeUsed(n, isDir)
}
