package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pilat/fat2ext4/internal/lohi"
)

// AddExtent appends one more leaf extent to in's extent tree, growing the
// tree's depth as needed. This is the depth-unbounded generalization of
// spec.md §4.5's algorithm; no surviving original_source implementation
// exists past depth 1, so the recursion below is written directly from the
// spec's prose (see DESIGN.md).
func (b *Builder) AddExtent(in *Inode, logicalBlock, physicalStart uint32, length uint16) error {
	for {
		ok, err := b.tryAppendExtent(in.Block[:], logicalBlock, physicalStart, length)
		if err != nil {
			return err
		}
		if ok {
			in.BlocksLo += uint32(length) * (b.layout.BlockSize / 512)
			return nil
		}
		if err := b.growRoot(in); err != nil {
			return err
		}
	}
}

func readExtentHeader(node []byte) ExtentHeader {
	var h ExtentHeader
	_ = binary.Read(bytes.NewReader(node), binary.LittleEndian, &h)
	return h
}

func writeExtentHeader(node []byte, h ExtentHeader) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	copy(node, buf.Bytes())
}

// tryAppendExtent attempts to add a leaf extent under the subtree rooted at
// node (12-byte header followed by entries). A full node returns ok=false;
// AddExtent then grows the tree by one depth and retries.
func (b *Builder) tryAppendExtent(node []byte, logicalBlock, physicalStart uint32, length uint16) (bool, error) {
	h := readExtentHeader(node)

	if h.Depth == 0 {
		if h.Entries >= h.Max {
			return false, nil
		}
		lo, hi := splitExtentStart(physicalStart)
		e := Extent{Block: logicalBlock, Len: length, StartHi: hi, StartLo: lo}
		writeExtentRecord(node, int(h.Entries), e)
		h.Entries++
		writeExtentHeader(node, h)
		return true, nil
	}

	// Recurse into the last child, if one exists; if its subtree is full (or
	// this node has no child yet, e.g. it was just created by growRoot or
	// by the sibling-creation step below), try to open a fresh sibling at
	// this level before giving up. A node with Entries==0 has no "last
	// child" to read, so it must skip straight to creating its first one.
	if h.Entries > 0 {
		lastIdx := int(h.Entries) - 1
		idx := readExtentIdx(node, lastIdx)
		child := b.readBlock(idxLeaf(idx))

		ok, err := b.tryAppendExtent(child, logicalBlock, physicalStart, length)
		if err != nil {
			return false, err
		}
		if ok {
			b.writeBlockBack(idxLeaf(idx), child)
			return true, nil
		}
	}

	if h.Entries >= h.Max {
		return false, nil
	}

	newChildPhys, err := b.allocMetadataBlock()
	if err != nil {
		return false, err
	}
	newChild := make([]byte, b.layout.BlockSize)
	writeExtentHeader(newChild, ExtentHeader{MagicField: ExtentMagic, Entries: 0, Max: nonRootCapacity(b.layout.BlockSize), Depth: h.Depth - 1})
	ok2, err := b.tryAppendExtent(newChild, logicalBlock, physicalStart, length)
	if err != nil {
		return false, err
	}
	if !ok2 {
		return false, fmt.Errorf("ext4: new extent-tree sibling rejected first insert")
	}
	b.writeBlockBack(newChildPhys, newChild)

	newIdx := ExtentIdx{Block: logicalBlock}
	lo, hi := splitExtentStart(newChildPhys)
	newIdx.LeafLo, newIdx.LeafHi = lo, hi
	writeExtentIdxRecord(node, int(h.Entries), newIdx)
	h.Entries++
	writeExtentHeader(node, h)
	return true, nil
}

// growRoot grows the tree by one depth level: the current root contents
// move into a fresh block, and the root becomes a single index entry
// pointing at it.
func (b *Builder) growRoot(in *Inode) error {
	h := readExtentHeader(in.Block[:])

	newChildPhys, err := b.allocMetadataBlock()
	if err != nil {
		return err
	}
	newChild := make([]byte, b.layout.BlockSize)
	newHeader := h
	newHeader.Max = nonRootCapacity(b.layout.BlockSize)
	writeExtentHeader(newChild, newHeader)
	copy(newChild[12:], in.Block[12:])
	b.writeBlockBack(newChildPhys, newChild)

	writeExtentHeader(in.Block[:], ExtentHeader{MagicField: ExtentMagic, Entries: 1, Max: 4, Depth: h.Depth + 1})
	lo, hi := splitExtentStart(newChildPhys)
	writeExtentIdxRecord(in.Block[:], 0, ExtentIdx{Block: 0, LeafLo: lo, LeafHi: hi})
	return nil
}

func (b *Builder) allocMetadataBlock() (uint32, error) {
	start, length, err := b.alloc.AllocateExtent(1)
	if err != nil {
		return 0, fmt.Errorf("ext4: allocate extent-tree block: %w", err)
	}
	if length == 0 {
		return 0, fmt.Errorf("ext4: allocator returned empty extent for tree block")
	}
	b.RegisterBlockRange(start, length)
	return start, nil
}

func (b *Builder) writeBlockBack(blk uint32, data []byte) {
	copy(b.readBlock(blk), data)
}

const extentRecordSize = 12

func writeExtentRecord(node []byte, idx int, e Extent) {
	off := 12 + idx*extentRecordSize
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, e)
	copy(node[off:], buf.Bytes())
}

func writeExtentIdxRecord(node []byte, idx int, e ExtentIdx) {
	off := 12 + idx*extentRecordSize
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, e)
	copy(node[off:], buf.Bytes())
}

func readExtentIdx(node []byte, idx int) ExtentIdx {
	off := 12 + idx*extentRecordSize
	var e ExtentIdx
	_ = binary.Read(bytes.NewReader(node[off:off+extentRecordSize]), binary.LittleEndian, &e)
	return e
}

func idxLeaf(e ExtentIdx) uint32 {
	return uint32(lohi.Join48(e.LeafLo, e.LeafHi))
}

func splitExtentStart(phys uint32) (lo uint32, hi uint16) {
	return lohi.Split48(uint64(phys))
}
