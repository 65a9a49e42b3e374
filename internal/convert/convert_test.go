package convert_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/pilat/fat2ext4/internal/convert"
	"github.com/pilat/fat2ext4/internal/ext4"
	"github.com/pilat/fat2ext4/internal/fat"
	"github.com/pilat/fat2ext4/internal/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fatSourceEntry is one root-level entry captured straight from the FAT
// image before conversion, so the converted ext4 tree can be checked
// against ground truth rather than against the converter's own bookkeeping.
type fatSourceEntry struct {
	name    string
	isDir   bool
	size    uint32
	content []byte
	mtime   time.Time
}

var errStopWalk = errors.New("convert_test: end of directory table")

func readFatRootEntries(t *testing.T, data []byte) []fatSourceEntry {
	t.Helper()
	bs, err := fat.ReadBootSector(data)
	require.NoError(t, err)
	meta, err := fat.NewMetaInfo(bs, uint64(len(data)))
	require.NoError(t, err)

	const dentrySize = 32
	perCluster := int(meta.ClusterSize) / dentrySize
	var out []fatSourceEntry
	var pendingSlots [][13]uint16

	err = fat.WalkChain(data, meta, meta.RootCluster, func(cl uint32) error {
		base := meta.ClusterOffset(cl)
		for i := 0; i < perCluster; i++ {
			off := base + uint64(i)*dentrySize
			raw := data[off : off+dentrySize]
			d, err := fat.ParseDentry(raw)
			if err != nil {
				return err
			}
			if d.IsEndMarker() {
				return errStopWalk
			}
			if d.IsDeleted() || d.IsDotEntry() {
				continue
			}
			if d.IsLongNameFragment() {
				seq, _ := d.LFNSequenceNumber()
				if pendingSlots == nil {
					pendingSlots = make([][13]uint16, seq)
				}
				pendingSlots[seq-1] = d.LFNCodeUnits(raw)
				continue
			}

			name := d.ShortName()
			if len(pendingSlots) > 0 {
				name = fat.DecodeLongName(pendingSlots)
				pendingSlots = nil
			}

			var content []byte
			if !d.IsDirectory() {
				content = readFatFileContent(data, meta, d)
			}
			out = append(out, fatSourceEntry{
				name:    name,
				isDir:   d.IsDirectory(),
				size:    d.FileSize,
				content: content,
				mtime:   fat.DecodeTimestamp(d.WriteDate, d.WriteTime),
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		require.NoError(t, err)
	}
	return out
}

func readFatFileContent(data []byte, meta *fat.MetaInfo, d fat.Dentry) []byte {
	out := make([]byte, 0, d.FileSize)
	_ = fat.WalkChain(data, meta, d.FirstCluster(), func(cl uint32) error {
		if uint32(len(out)) >= d.FileSize {
			return nil
		}
		off := meta.ClusterOffset(cl)
		chunk := data[off : off+uint64(meta.ClusterSize)]
		remaining := d.FileSize - uint32(len(out))
		if uint32(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk...)
		return nil
	})
	return out
}

// builtImage decodes the converted backing store's superblock, geometry,
// and group descriptors, mirroring the on-disk layout internal/ext4 writes.
type builtImage struct {
	data   []byte
	sb     ext4.Superblock
	layout *ext4.Layout
	gds    []ext4.GroupDesc64
}

func readBuiltImage(t *testing.T, data []byte) *builtImage {
	t.Helper()
	var sb ext4.Superblock
	decodeStruct(data[ext4.SuperblockOffset:], &sb)
	require.Equal(t, uint16(ext4.Magic), sb.MagicField)

	blockSize := uint32(1024) << sb.LogBlockSize
	layout, err := ext4.NewLayout(blockSize, sb.BlocksCountLo)
	require.NoError(t, err)

	gl0 := layout.Group(0)
	gds := make([]ext4.GroupDesc64, layout.GroupCount)
	base := layout.BlockOffset(gl0.GDTStart)
	for g := range gds {
		decodeStruct(data[base+uint64(g)*uint64(ext4.DescSize):], &gds[g])
	}

	return &builtImage{data: data, sb: sb, layout: layout, gds: gds}
}

func decodeStruct(buf []byte, v any) {
	_ = binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func (img *builtImage) readBlock(blk uint32) []byte {
	off := img.layout.BlockOffset(blk)
	return img.data[off : off+uint64(img.layout.BlockSize)]
}

func (img *builtImage) readInode(n uint32) ext4.Inode {
	var in ext4.Inode
	decodeStruct(img.data[img.layout.InodeOffset(n):], &in)
	return in
}

type extentRun struct {
	logical  uint32
	physical uint32
	length   uint16
}

const extentRecordSize = 12

// walkExtents decodes the extent tree rooted at an inode's 60-byte Block
// field, recursing through internal index nodes exactly as
// internal/ext4/extent.go's writer builds them.
func (img *builtImage) walkExtents(block []byte) []extentRun {
	var out []extentRun
	img.walkExtentNode(block, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].logical < out[j].logical })
	return out
}

func (img *builtImage) walkExtentNode(node []byte, out *[]extentRun) {
	var h ext4.ExtentHeader
	decodeStruct(node, &h)
	for i := 0; i < int(h.Entries); i++ {
		off := 12 + i*extentRecordSize
		rec := node[off : off+extentRecordSize]
		if h.Depth == 0 {
			var e ext4.Extent
			decodeStruct(rec, &e)
			phys := uint64(e.StartHi)<<32 | uint64(e.StartLo)
			*out = append(*out, extentRun{logical: e.Block, physical: uint32(phys), length: e.Len})
			continue
		}
		var idx ext4.ExtentIdx
		decodeStruct(rec, &idx)
		leaf := uint64(idx.LeafHi)<<32 | uint64(idx.LeafLo)
		img.walkExtentNode(img.readBlock(uint32(leaf)), out)
	}
}

// fileBlocks returns this inode's physical block set, used to check
// extent-vs-metadata-overhead and cross-file disjointness.
func (img *builtImage) fileBlocks(in ext4.Inode) map[uint32]bool {
	out := map[uint32]bool{}
	for _, r := range img.walkExtents(in.Block[:]) {
		for i := uint32(0); i < uint32(r.length); i++ {
			out[r.physical+i] = true
		}
	}
	return out
}

func (img *builtImage) readFileContent(in ext4.Inode) []byte {
	size := uint64(in.SizeHi)<<32 | uint64(in.SizeLo)
	buf := make([]byte, 0, size)
	for _, r := range img.walkExtents(in.Block[:]) {
		for i := uint32(0); i < uint32(r.length); i++ {
			buf = append(buf, img.readBlock(r.physical+i)...)
		}
	}
	if uint64(len(buf)) > size {
		buf = buf[:size]
	}
	return buf
}

type builtDirEntry struct {
	inode uint32
	name  string
}

func (img *builtImage) readDirEntries(in ext4.Inode) []builtDirEntry {
	var out []builtDirEntry
	for _, r := range img.walkExtents(in.Block[:]) {
		for i := uint32(0); i < uint32(r.length); i++ {
			out = append(out, decodeDirBlock(img.readBlock(r.physical+i))...)
		}
	}
	return out
}

func decodeDirBlock(block []byte) []builtDirEntry {
	var out []builtDirEntry
	pos := 0
	for pos+8 <= len(block) {
		inodeNum := binary.LittleEndian.Uint32(block[pos:])
		recLen := binary.LittleEndian.Uint16(block[pos+4:])
		nameLen := binary.LittleEndian.Uint16(block[pos+6:])
		if recLen == 0 {
			break
		}
		if inodeNum != 0 {
			out = append(out, builtDirEntry{inode: inodeNum, name: string(block[pos+8 : pos+8+int(nameLen)])})
		}
		pos += int(recLen)
	}
	return out
}

// namedChildren strips the synthesized "." / ".." / "lost+found" records so
// tests can compare the remainder directly against the FAT source tree.
func namedChildren(entries []builtDirEntry) map[string]uint32 {
	out := make(map[string]uint32, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." || e.name == "lost+found" {
			continue
		}
		out[e.name] = e.inode
	}
	return out
}

func runConvert(t *testing.T, data []byte) *builtImage {
	t.Helper()
	source := readFatRootEntries(t, data)

	c, err := convert.New(data, convert.WithCreatedAt(time.Unix(1700000000, 0)))
	require.NoError(t, err)
	require.NoError(t, c.Run())

	img := readBuiltImage(t, data)
	assertRootAndLostFound(t, img)
	assertSourceEntriesRoundTrip(t, img, source)
	assertFreeCountsConsistent(t, img)
	return img
}

// assertRootAndLostFound checks the invariants every converted image carries
// regardless of its FAT content: root and lost+found exist, dot-entries
// resolve correctly, and both directories are reflected in bg_used_dirs_count.
func assertRootAndLostFound(t *testing.T, img *builtImage) {
	t.Helper()
	root := img.readInode(ext4.RootInode)
	rootEntries := img.readDirEntries(root)

	byName := map[string]uint32{}
	for _, e := range rootEntries {
		byName[e.name] = e.inode
	}
	assert.Equal(t, uint32(ext4.RootInode), byName["."])
	assert.Equal(t, uint32(ext4.RootInode), byName[".."])
	assert.Equal(t, uint32(ext4.LostFound), byName["lost+found"])

	lf := img.readInode(ext4.LostFound)
	lfByName := map[string]uint32{}
	for _, e := range img.readDirEntries(lf) {
		lfByName[e.name] = e.inode
	}
	assert.Equal(t, uint32(ext4.LostFound), lfByName["."])
	assert.Equal(t, uint32(ext4.RootInode), lfByName[".."])

	var usedDirs uint32
	for _, gd := range img.gds {
		usedDirs += uint32(gd.UsedDirsCountLo)
	}
	assert.Equal(t, uint32(2), usedDirs, "root and lost+found are the only directories in every fixture scenario")
}

// assertSourceEntriesRoundTrip walks the root directory built by the
// converter and checks every FAT-sourced file's name, size, mtime, and
// content survived unchanged, plus that no two files' block sets overlap.
func assertSourceEntriesRoundTrip(t *testing.T, img *builtImage, source []fatSourceEntry) {
	t.Helper()
	root := img.readInode(ext4.RootInode)
	children := namedChildren(img.readDirEntries(root))
	require.Len(t, children, len(source), "every FAT root entry must have a corresponding ext4 directory record")

	seenBlocks := map[uint32]string{}
	for _, want := range source {
		inodeNum, ok := children[want.name]
		require.True(t, ok, "missing directory entry for %q", want.name)

		in := img.readInode(inodeNum)
		assert.Equal(t, want.isDir, in.Mode&0xF000 == 0x4000, "is_dir mismatch for %q", want.name)
		assert.Equal(t, want.mtime.Unix(), int64(in.Mtime), "mtime mismatch for %q", want.name)

		if want.isDir {
			continue
		}
		assert.Equal(t, uint64(want.size), uint64(in.SizeHi)<<32|uint64(in.SizeLo), "size mismatch for %q", want.name)
		assert.Equal(t, want.content, img.readFileContent(in), "content mismatch for %q", want.name)

		for blk := range img.fileBlocks(in) {
			if owner, taken := seenBlocks[blk]; taken {
				t.Fatalf("block %d claimed by both %q and %q", blk, owner, want.name)
			}
			seenBlocks[blk] = want.name
		}
	}
	assertBlocksDisjointFromOverhead(t, img, seenBlocks)
}

// assertBlocksDisjointFromOverhead checks that no file extent lands inside
// any block group's reserved metadata span, per spec.md §8's
// extent-vs-blocked-set disjointness invariant.
func assertBlocksDisjointFromOverhead(t *testing.T, img *builtImage, fileBlocks map[uint32]string) {
	t.Helper()
	for g := uint32(0); g < img.layout.GroupCount; g++ {
		gl := img.layout.Group(g)
		for blk, owner := range fileBlocks {
			if blk >= gl.Start && blk < gl.Start+gl.Overhead {
				t.Fatalf("file block %d (owned by %q) falls inside group %d's metadata overhead", blk, owner, g)
			}
		}
	}
}

// assertFreeCountsConsistent checks the superblock and group-descriptor
// free-block/free-inode totals agree with each other and stay within the
// bound set by the reserved 1..FirstInode-1 range's one-time bulk
// accounting (spec.md §8: an empty image's s_free_inodes_count is
// inodes_per_group*group_count - 11, never -12 from double-counting
// lost+found).
func assertFreeCountsConsistent(t *testing.T, img *builtImage) {
	t.Helper()
	var freeBlocks, freeInodes uint64
	for _, gd := range img.gds {
		freeBlocks += uint64(gd.FreeBlocksCountLo)
		freeInodes += uint64(gd.FreeInodesCountLo)
	}
	assert.Equal(t, uint64(img.sb.FreeBlocksCountLo), freeBlocks)
	assert.Equal(t, uint64(img.sb.FreeInodesCount), freeInodes)
	assert.LessOrEqual(t, freeInodes, uint64(img.layout.TotalInodes()-(ext4.FirstInode-1)))
}

func TestConvertEmptyImage(t *testing.T) {
	data := fixture.Empty(16*1024*1024, 4096)
	img := runConvert(t, data)

	want := uint64(img.layout.TotalInodes()) - (ext4.FirstInode - 1)
	assert.Equal(t, want, uint64(img.sb.FreeInodesCount),
		"empty image: only the 1..FirstInode-1 reserved range is ever consumed, counted exactly once")
}

func TestConvertLongNameImage(t *testing.T) {
	data := fixture.LongName(16*1024*1024, 4096)
	runConvert(t, data)
}

func TestConvertManyFilesImage(t *testing.T) {
	data := fixture.ManyFiles(32*1024*1024, 4096, 600)
	runConvert(t, data)
}

func TestConvertTooSmallFilesystemExhaustsAllocator(t *testing.T) {
	// A 1 MiB partition of 4 KiB blocks (256 blocks) is smaller than its
	// single group's ext4 metadata overhead, so the allocator has no room,
	// per spec.md §7's allocator exhaustion taxonomy.
	data := fixture.ManyFiles(1*1024*1024, 4096, 40)
	c, err := convert.New(data)
	if err != nil {
		assert.ErrorIs(t, err, convert.ErrGeometryUnsupported)
		return
	}
	err = c.Run()
	assert.ErrorIs(t, err, convert.ErrAllocatorExhausted)
}
