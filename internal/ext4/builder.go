package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilat/fat2ext4/internal/lohi"
	"github.com/sirupsen/logrus"
)

// BlockAllocator obtains a fresh physical block for ext4-owned structures
// that are not part of the precomputed per-group overhead: directory
// blocks, internal extent-tree nodes, and FAT-attrs xattr blocks. It is the
// same underlying allocator C5 uses for re-settling (spec.md §4.5/§4.6:
// "registers it as allocated... via C4/C6 collaboration").
type BlockAllocator interface {
	AllocateExtent(maxLength uint32) (physicalStart uint32, length uint32, err error)
}

// Builder accumulates the ext4 superblock, group metadata, inode table, and
// directory contents on top of the backing store, grounded on
// _examples/pilat-go-ext4fs/builder_fsinit.go, builder_inode.go,
// builder_dir.go, generalized from "build a fresh image" to "build on top
// of preserved FAT extents chosen by C5".
type Builder struct {
	data   []byte
	layout *Layout
	alloc  BlockAllocator
	log    *logrus.Logger

	uid, gid  uint16
	createdAt time.Time
	volName   string

	nextInode uint32

	blockBitmaps  [][]byte
	inodeBitmaps  [][]byte
	freeBlocks    []uint32
	freeInodes    []uint32
	usedDirs      []uint32
}

// Option configures a Builder, following a functional-options idiom.
type Option func(*Builder)

// WithOwner sets the uid/gid applied to every inode the builder creates.
func WithOwner(uid, gid uint16) Option {
	return func(b *Builder) { b.uid, b.gid = uid, gid }
}

// WithCreatedAt overrides the creation timestamp used for the superblock's
// time fields (primarily for reproducible tests); inode times are passed
// to NewFileInode/NewDirInode by the caller.
func WithCreatedAt(t time.Time) Option {
	return func(b *Builder) { b.createdAt = t }
}

// WithVolumeName carries the source FAT volume label into s_volume_name.
func WithVolumeName(name string) Option {
	return func(b *Builder) { b.volName = name }
}

// WithLogger overrides the default logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// NewBuilder prepares a Builder over an already-sized backing store.
func NewBuilder(data []byte, layout *Layout, alloc BlockAllocator, opts ...Option) *Builder {
	b := &Builder{
		data:      data,
		layout:    layout,
		alloc:     alloc,
		log:       logrus.StandardLogger(),
		createdAt: time.Now(),
		nextInode: FirstInode,
	}
	for _, opt := range opts {
		opt(b)
	}

	n := layout.GroupCount
	b.blockBitmaps = make([][]byte, n)
	b.inodeBitmaps = make([][]byte, n)
	b.freeBlocks = make([]uint32, n)
	b.freeInodes = make([]uint32, n)
	b.usedDirs = make([]uint32, n)

	for g := uint32(0); g < n; g++ {
		gl := layout.Group(g)
		bb := make([]byte, layout.BlockSize)
		lohi.SetRange(bb, 0, gl.Overhead)
		lohi.SetRange(bb, gl.BlockCount, layout.BlockSize*8)
		b.blockBitmaps[g] = bb
		b.freeBlocks[g] = gl.BlockCount - gl.Overhead

		ib := make([]byte, layout.BlockSize)
		lohi.SetRange(ib, layout.InodesPerGroup, layout.BlockSize*8)
		b.inodeBitmaps[g] = ib
		b.freeInodes[g] = layout.InodesPerGroup
	}

	// Reserved inodes 1..FirstInode-1 (bad-blocks .. replica) live in group 0.
	lohi.SetRange(b.inodeBitmaps[0], 0, FirstInode-1)
	b.freeInodes[0] -= FirstInode - 1

	return b
}

func (b *Builder) readBlock(blk uint32) []byte {
	off := b.layout.BlockOffset(blk)
	return b.data[off : off+uint64(b.layout.BlockSize)]
}

func (b *Builder) writeStruct(off uint64, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("ext4: encode: %w", err)
	}
	copy(b.data[off:], buf.Bytes())
	return nil
}

// RegisterBlockRange marks [start, start+length) used in the owning
// groups' block bitmaps and decrements their free-block counters. Spans
// that cross a group boundary are split per group.
func (b *Builder) RegisterBlockRange(start, length uint32) {
	for length > 0 {
		g := (start - b.layout.FirstDataBlock) / b.layout.BlocksPerGroup
		gl := b.layout.Group(g)
		idx := start - gl.Start
		run := length
		if idx+run > b.layout.BlocksPerGroup {
			run = b.layout.BlocksPerGroup - idx
		}
		lohi.SetRange(b.blockBitmaps[g], idx, idx+run)
		b.freeBlocks[g] -= run
		start += run
		length -= run
	}
}

// AllocateInode hands out the next sequential inode number (spec.md §4.5:
// "next_free = 12, incremented on each use"), failing once the source
// filesystem has more entries than the computed geometry has inodes for.
// isDir feeds the owning group's bg_used_dirs_count.
func (b *Builder) AllocateInode(isDir bool) (uint32, error) {
	n := b.nextInode
	if n > b.layout.TotalInodes() {
		return 0, fmt.Errorf("ext4: no free inodes left (%d available)", b.layout.TotalInodes()-FirstInode+1)
	}
	b.nextInode++
	b.markInodeUsed(n, isDir)
	g, _ := b.layout.InodeGroup(n)
	b.freeInodes[g]--
	return n, nil
}

// markInodeUsed sets n's bitmap bit and, for a directory, bumps the owning
// group's used-directory count. It never touches freeInodes: the reserved
// range 1..FirstInode-1 is pre-subtracted once in NewBuilder, and every
// inode allocated past it is subtracted by AllocateInode itself.
func (b *Builder) markInodeUsed(n uint32, isDir bool) {
	g, idx := b.layout.InodeGroup(n)
	lohi.SetBit(b.inodeBitmaps[g], idx)
	if isDir {
		b.usedDirs[g]++
	}
}

// WriteInode persists inode n's 256-byte record.
func (b *Builder) WriteInode(n uint32, in *Inode) error {
	return b.writeStruct(b.layout.InodeOffset(n), in)
}

// NewFileInode builds a zeroed, extent-ready regular-file inode.
func (b *Builder) NewFileInode(size uint64, mtime, atime, crtime time.Time) *Inode {
	in := b.baseInode(sIFREG|0644, 1)
	in.SizeLo = uint32(size)
	in.SizeHi = uint32(size >> 32)
	b.stampTimes(in, mtime, atime, crtime)
	return in
}

// NewDirInode builds a zeroed, extent-ready directory inode with the given
// initial link count. Callers pass 2 (for "." and the parent's entry) and
// increment LinksCount once per child subdirectory as they add it.
func (b *Builder) NewDirInode(linksCount uint16, mtime, atime, crtime time.Time) *Inode {
	in := b.baseInode(sIFDIR|0755, linksCount)
	b.stampTimes(in, mtime, atime, crtime)
	return in
}

func (b *Builder) baseInode(mode uint16, links uint16) *Inode {
	in := &Inode{
		Mode:       mode,
		UID:        b.uid,
		GID:        b.gid,
		LinksCount: links,
		Flags:      inodeFlagExtents,
		ExtraIsize: 32,
	}
	hdr := ExtentHeader{MagicField: ExtentMagic, Entries: 0, Max: 4, Depth: 0}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, hdr)
	copy(in.Block[:], buf.Bytes())
	return in
}

func (b *Builder) stampTimes(in *Inode, mtime, atime, crtime time.Time) {
	in.Mtime = uint32(mtime.Unix())
	in.Atime = uint32(atime.Unix())
	in.Crtime = uint32(crtime.Unix())
	// i_ctime = i_mtime + 1, mirroring the Linux FAT driver (spec.md §4.5).
	in.Ctime = in.Mtime + 1
}

// Finalize sums every group's free-block/free-inode counters into the
// superblock and rewrites the primary and backup superblocks + GDTs, per
// spec.md §4.6 "Finalization".
func (b *Builder) Finalize() error {
	var totalFreeBlocks, totalFreeInodes uint64
	for g := uint32(0); g < b.layout.GroupCount; g++ {
		totalFreeBlocks += uint64(b.freeBlocks[g])
		totalFreeInodes += uint64(b.freeInodes[g])

		gl := b.layout.Group(g)
		if err := b.writeRaw(b.layout.BlockOffset(gl.BlockBitmapBlock), b.blockBitmaps[g]); err != nil {
			return err
		}
		if err := b.writeRaw(b.layout.BlockOffset(gl.InodeBitmapBlock), b.inodeBitmaps[g]); err != nil {
			return err
		}
	}

	sb := b.buildSuperblock(totalFreeBlocks, totalFreeInodes)
	gdt := b.buildGroupDescriptors()

	gl0 := b.layout.Group(0)
	if err := b.writeStruct(SuperblockOffset, sb); err != nil {
		return err
	}
	if err := b.writeRaw(b.layout.BlockOffset(gl0.GDTStart), gdt); err != nil {
		return err
	}

	for _, g := range b.layout.BackupBgs {
		gl := b.layout.Group(g)
		sbCopy := sb
		sbCopy.BlockGroupNr = uint16(g)
		if err := b.writeStruct(b.layout.BlockOffset(gl.SuperblockBlock), sbCopy); err != nil {
			return err
		}
		if err := b.writeRaw(b.layout.BlockOffset(gl.GDTStart), gdt); err != nil {
			return err
		}
	}

	b.log.WithFields(logrus.Fields{
		"groups":       b.layout.GroupCount,
		"free_blocks":  totalFreeBlocks,
		"free_inodes":  totalFreeInodes,
	}).Info("ext4: finalized superblock and group descriptors")
	return nil
}

func (b *Builder) writeRaw(off uint64, p []byte) error {
	copy(b.data[off:], p)
	return nil
}

func (b *Builder) buildSuperblock(freeBlocks, freeInodes uint64) Superblock {
	sb := Superblock{
		MagicField:        Magic,
		InodesCount:       b.layout.TotalInodes(),
		BlocksCountLo:     b.layout.BlocksCount,
		FreeBlocksCountLo: uint32(freeBlocks),
		FreeInodesCount:   uint32(freeInodes),
		FirstDataBlock:    b.layout.FirstDataBlock,
		LogBlockSize:      b.layout.LogBlockSize,
		LogClusterSize:    b.layout.LogBlockSize,
		BlocksPerGroup:    b.layout.BlocksPerGroup,
		ClustersPerGroup:  b.layout.BlocksPerGroup,
		InodesPerGroup:    b.layout.InodesPerGroup,
		MTime:             uint32(b.createdAt.Unix()),
		WTime:             uint32(b.createdAt.Unix()),
		MaxMntCount:       0xFFFF,
		State:             1,
		Errors:            1,
		LastCheck:         uint32(b.createdAt.Unix()),
		RevLevel:          1,
		FirstIno:          FirstInode,
		InodeSizeField:    InodeSize,
		FeatureIncompat:   featureIncompatExtents | featureIncompat64Bit,
		FeatureCompat:     featureCompatSparseSuper2,
		MkfsTime:          uint32(b.createdAt.Unix()),
		DescSizeField:     uint16(DescSize),
		MinExtraIsize:     32,
		WantExtraIsize:    32,
		DefHashVersion:    1,
	}

	id := uuid.New()
	copy(sb.UUID[:], id[:])
	copy(sb.VolumeName[:], b.volName)
	for i := 0; i < 4; i++ {
		sb.HashSeed[i] = uint32(b.createdAt.Unix()) + uint32(i)*0x9E3779B9
	}
	if len(b.layout.BackupBgs) > 0 {
		sb.BackupBgs[0] = b.layout.BackupBgs[0]
	}
	if len(b.layout.BackupBgs) > 1 {
		sb.BackupBgs[1] = b.layout.BackupBgs[1]
	}
	return sb
}

func (b *Builder) buildGroupDescriptors() []byte {
	out := make([]byte, uint64(b.layout.GroupCount)*uint64(DescSize))
	for g := uint32(0); g < b.layout.GroupCount; g++ {
		gl := b.layout.Group(g)
		gd := GroupDesc64{
			BlockBitmapLo:     gl.BlockBitmapBlock,
			InodeBitmapLo:     gl.InodeBitmapBlock,
			InodeTableLo:      gl.InodeTableStart,
			FreeBlocksCountLo: uint16(b.freeBlocks[g]),
			FreeInodesCountLo: uint16(b.freeInodes[g]),
			UsedDirsCountLo:   uint16(b.usedDirs[g]),
			ItableUnusedLo:    uint16(b.freeInodes[g]),
		}
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.LittleEndian, gd)
		copy(out[uint64(g)*uint64(DescSize):], buf.Bytes())
	}
	return out
}
