package ext4

import (
	"fmt"

	"github.com/pilat/fat2ext4/internal/lohi"
)

// Layout computes and holds the block-group geometry derived from the
// backing-store size and block size, grounded on
// original_source/ofs-convert/ext4.cpp / ext4_bg.cpp, generalized from the
// teacher's fresh-image sparse_super scheme to spec.md §4.4's
// backup_bgs = [1, last] rule.
type Layout struct {
	BlockSize      uint32
	LogBlockSize   uint32
	BlocksCount    uint32
	GroupCount     uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	FirstDataBlock uint32
	BackupBgs      []uint32
	DescSize       uint32
	GDTBlocks      uint32
}

// NewLayout derives the group geometry for a volume of blocksCount blocks
// of size blockSize, per spec.md §4.4.
func NewLayout(blockSize uint32, blocksCount uint32) (*Layout, error) {
	if blockSize < BlockSizeMin {
		return nil, fmt.Errorf("ext4: block size %d below %d minimum", blockSize, BlockSizeMin)
	}

	blocksPerGroup := blockSize * 8
	if blocksPerGroup > 0xFFF8 {
		blocksPerGroup = 0xFFF8
	}
	inodesPerGroup := blocksPerGroup * blockSize / 16384
	if cap := blockSize * 8; inodesPerGroup > cap {
		inodesPerGroup = cap
	}

	firstDataBlock := uint32(0)
	if blockSize == 1024 {
		firstDataBlock = 1
	}

	groupCount := lohi.CeilDiv(blocksCount-firstDataBlock, blocksPerGroup)

	var backupBgs []uint32
	switch {
	case groupCount <= 1:
		backupBgs = nil
	case groupCount == 2:
		backupBgs = []uint32{1}
	default:
		backupBgs = []uint32{1, groupCount - 1}
	}

	descSize := uint32(DescSize)
	gdtBlocks := lohi.CeilDiv(groupCount*descSize, blockSize)

	l := &Layout{
		BlockSize:      blockSize,
		LogBlockSize:   lohi.Log2(blockSize) - 10,
		BlocksCount:    blocksCount,
		GroupCount:     groupCount,
		BlocksPerGroup: blocksPerGroup,
		InodesPerGroup: inodesPerGroup,
		FirstDataBlock: firstDataBlock,
		BackupBgs:      backupBgs,
		DescSize:       descSize,
		GDTBlocks:      gdtBlocks,
	}
	return l, nil
}

// HasSuperblock reports whether group g carries a superblock+GDT copy:
// group 0 always does, and so does every group named in BackupBgs.
func (l *Layout) HasSuperblock(g uint32) bool {
	if g == 0 {
		return true
	}
	for _, bg := range l.BackupBgs {
		if bg == g {
			return true
		}
	}
	return false
}

func (l *Layout) inodeTableBlocks() uint32 {
	return lohi.CeilDiv(l.InodesPerGroup*InodeSize, l.BlockSize)
}

// GroupOverhead returns the number of blocks at the start of group g
// reserved for ext4 metadata (superblock+GDT+reserved-GDT if present, plus
// the block/inode bitmaps and inode table that every group carries).
func (l *Layout) GroupOverhead(g uint32) uint32 {
	reservedGDT := l.GDTBlocks // one reserved-GDT-blocks worth of headroom, matching mke2fs's default growth allowance
	overhead := l.inodeTableBlocks() + 2
	if l.HasSuperblock(g) {
		overhead += 1 + l.GDTBlocks + reservedGDT
	}
	return overhead
}

// GroupBlockCount returns the number of blocks that belong to group g (the
// last group may be short).
func (l *Layout) GroupBlockCount(g uint32) uint32 {
	start := l.groupStart(g)
	if g == l.GroupCount-1 {
		return l.BlocksCount - start
	}
	return l.BlocksPerGroup
}

func (l *Layout) groupStart(g uint32) uint32 {
	return l.FirstDataBlock + g*l.BlocksPerGroup
}

// GroupLayout is the concrete block assignment within one group.
type GroupLayout struct {
	Start            uint32
	SuperblockBlock  uint32 // 0 if this group has no copy (group 0 always has one)
	GDTStart         uint32
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableStart  uint32
	FirstDataBlock   uint32
	BlockCount       uint32
	Overhead         uint32
}

// Group computes the concrete layout for group g.
func (l *Layout) Group(g uint32) GroupLayout {
	gl := GroupLayout{
		Start:      l.groupStart(g),
		BlockCount: l.GroupBlockCount(g),
		Overhead:   l.GroupOverhead(g),
	}

	next := gl.Start
	if l.HasSuperblock(g) {
		gl.SuperblockBlock = next
		next++
		gl.GDTStart = next
		next += l.GDTBlocks + l.GDTBlocks // GDT + reserved-GDT headroom
	}
	gl.BlockBitmapBlock = next
	next++
	gl.InodeBitmapBlock = next
	next++
	gl.InodeTableStart = next
	next += l.inodeTableBlocks()
	gl.FirstDataBlock = next

	return gl
}

// BlockOffset returns the byte offset of block b from the start of the
// backing store.
func (l *Layout) BlockOffset(b uint32) uint64 {
	return uint64(b) * uint64(l.BlockSize)
}

// InodeGroup returns the group and in-group index (0-based) for inode n.
func (l *Layout) InodeGroup(n uint32) (group, index uint32) {
	return (n - 1) / l.InodesPerGroup, (n - 1) % l.InodesPerGroup
}

// InodeOffset returns the byte offset of inode n's on-disk record.
func (l *Layout) InodeOffset(n uint32) uint64 {
	group, index := l.InodeGroup(n)
	gl := l.Group(group)
	return l.BlockOffset(gl.InodeTableStart) + uint64(index)*InodeSize
}

// TotalInodes is s_inodes_count: group_count * inodes_per_group, computed
// once and reused everywhere else a count of all inodes is needed (Open
// Question 2, spec.md §9).
func (l *Layout) TotalInodes() uint32 {
	return l.GroupCount * l.InodesPerGroup
}
