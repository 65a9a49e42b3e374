package ext4_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pilat/fat2ext4/internal/ext4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bumpAllocator hands out sequential blocks starting past a given base,
// enough for these unit tests to exercise extent-tree growth without
// wiring the real internal/allocator package.
type bumpAllocator struct {
	next uint32
}

func (b *bumpAllocator) AllocateExtent(maxLength uint32) (uint32, uint32, error) {
	start := b.next
	b.next += maxLength
	return start, maxLength, nil
}

func newTestBuilder(t *testing.T, blocksCount uint32) (*ext4.Builder, *ext4.Layout) {
	t.Helper()
	layout, err := ext4.NewLayout(1024, blocksCount)
	require.NoError(t, err)

	data := make([]byte, uint64(layout.BlocksCount)*uint64(layout.BlockSize)*2) // headroom for metadata-block growth beyond the nominal group size
	alloc := &bumpAllocator{next: layout.Group(layout.GroupCount - 1).FirstDataBlock + 1000}
	b := ext4.NewBuilder(data, layout, alloc, ext4.WithCreatedAt(time.Unix(1700000000, 0)))
	return b, layout
}

func TestLayoutBackupGroups(t *testing.T) {
	l, err := ext4.NewLayout(1024, 1<<20)
	require.NoError(t, err)
	assert.True(t, l.HasSuperblock(0))
	if l.GroupCount > 2 {
		assert.Equal(t, []uint32{1, l.GroupCount - 1}, l.BackupBgs)
	}
}

func TestTotalInodesSingleSourceOfTruth(t *testing.T) {
	l, err := ext4.NewLayout(4096, 1<<16)
	require.NoError(t, err)
	assert.Equal(t, l.GroupCount*l.InodesPerGroup, l.TotalInodes())
}

func TestNewFileInodeAndWriteInodeRoundTrip(t *testing.T) {
	layout, err := ext4.NewLayout(1024, 8192)
	require.NoError(t, err)
	data := make([]byte, uint64(layout.BlocksCount)*uint64(layout.BlockSize)*2)
	alloc := &bumpAllocator{next: layout.Group(layout.GroupCount - 1).FirstDataBlock + 1000}
	b := ext4.NewBuilder(data, layout, alloc, ext4.WithCreatedAt(time.Unix(1700000000, 0)))

	in := b.NewFileInode(12345, time.Unix(100, 0), time.Unix(200, 0), time.Unix(300, 0))
	n, err := b.AllocateInode(false)
	require.NoError(t, err)
	require.NoError(t, b.WriteInode(n, in))

	var got ext4.Inode
	require.NoError(t, binary.Read(bytes.NewReader(data[layout.InodeOffset(n):]), binary.LittleEndian, &got))
	assert.Equal(t, uint32(12345), got.SizeLo)
	assert.Equal(t, uint32(100), got.Mtime)
	assert.Equal(t, uint32(101), got.Ctime) // i_ctime = i_mtime + 1
}

func TestAddExtentSingleLeaf(t *testing.T) {
	b, _ := newTestBuilder(t, 8192)
	in := b.NewFileInode(4096, time.Now(), time.Now(), time.Now())
	require.NoError(t, b.AddExtent(in, 0, 500, 1))
}

func TestAddExtentGrowsTreeBeyondRootCapacity(t *testing.T) {
	b, _ := newTestBuilder(t, 8192)
	in := b.NewDirInode(2, time.Now(), time.Now(), time.Now())

	// The root node holds 4 leaf slots; a 5th physically-disjoint extent
	// forces growRoot, per spec.md §8's depth-growth boundary test.
	for i := uint32(0); i < 5; i++ {
		require.NoError(t, b.AddExtent(in, i*100, 2000+i*100, 1))
	}
}

func TestAddExtentGrowsTreeToDepthTwo(t *testing.T) {
	b, _ := newTestBuilder(t, 8192)
	in := b.NewFileInode(0, time.Now(), time.Now(), time.Now())

	// nonRootCapacity(1024) == 84 records per non-root node. The root stays
	// capped at 4 children only while it IS the root; the first growRoot
	// (depth 0->1) promotes that content into a regular child whose Max is
	// also bumped to 84, so the true depth-1 capacity once depth 2 exists is
	// 84 children * 84 leaves = 7056, not 4*84. Only once that whole subtree
	// is full does the depth-2 root need a second child — a brand-new,
	// empty internal (non-leaf) sibling node — which is the boundary
	// spec.md §8 names and the one TestAddExtentGrowsTreeBeyondRootCapacity
	// above never reaches.
	const depth1CapacityOnceDepthTwoExists = 84 * 84
	for i := uint32(0); i <= depth1CapacityOnceDepthTwoExists; i++ {
		require.NoError(t, b.AddExtent(in, i, 5000+i, 1))
	}
}

func TestOpenDirectoryWritesDotEntries(t *testing.T) {
	layout, err := ext4.NewLayout(1024, 8192)
	require.NoError(t, err)
	data := make([]byte, uint64(layout.BlocksCount)*uint64(layout.BlockSize)*2)
	alloc := &bumpAllocator{next: layout.Group(layout.GroupCount - 1).FirstDataBlock + 1000}
	b := ext4.NewBuilder(data, layout, alloc, ext4.WithCreatedAt(time.Unix(1700000000, 0)))

	self := b.NewDirInode(2, time.Now(), time.Now(), time.Now())
	dirBlock := alloc.next
	dw, err := b.OpenDirectory(ext4.RootInode, self, ext4.RootInode)
	require.NoError(t, err)
	require.NoError(t, dw.Close())
	assert.Equal(t, layout.BlockSize, self.SizeLo)

	// "." is a 12-byte record at offset 0, ".." follows at offset 12.
	blk := data[layout.BlockOffset(dirBlock):]
	assert.Equal(t, uint32(ext4.RootInode), binary.LittleEndian.Uint32(blk[0:]))
	assert.Equal(t, ".", string(blk[8:9]))
	assert.Equal(t, uint32(ext4.RootInode), binary.LittleEndian.Uint32(blk[12:]))
	assert.Equal(t, "..", string(blk[20:22]))
}

func TestAddChildEntryRollsOverToNewBlock(t *testing.T) {
	b, layout := newTestBuilder(t, 8192)
	self := b.NewDirInode(2, time.Now(), time.Now(), time.Now())
	dw, err := b.OpenDirectory(ext4.RootInode, self, ext4.RootInode)
	require.NoError(t, err)

	// Pad a name long enough that only a handful fit per 1024-byte block.
	longName := "this-is-a-reasonably-long-directory-entry-name"
	for i := 0; i < 40; i++ {
		require.NoError(t, dw.AddChildEntry(100+uint32(i), longName))
	}
	require.NoError(t, dw.Close())
	assert.Greater(t, self.SizeLo, layout.BlockSize)
}

func TestWriteFatAttrsXattrSetsFileACL(t *testing.T) {
	b, _ := newTestBuilder(t, 8192)
	in := b.NewFileInode(10, time.Now(), time.Now(), time.Now())
	require.NoError(t, b.WriteFatAttrsXattr(in, 0x21))
	assert.NotZero(t, in.FileACLLo)
}

func TestFinalizeWritesSuperblockMagic(t *testing.T) {
	data := make([]byte, 8192*1024*2)
	layout, err := ext4.NewLayout(1024, 8192)
	require.NoError(t, err)
	alloc := &bumpAllocator{next: layout.Group(layout.GroupCount - 1).FirstDataBlock + 1000}
	b := ext4.NewBuilder(data, layout, alloc, ext4.WithCreatedAt(time.Unix(1700000000, 0)))

	require.NoError(t, b.Finalize())
	// s_magic sits 56 bytes into the superblock, which starts at byte offset 1024.
	got := binary.LittleEndian.Uint16(data[ext4.SuperblockOffset+56:])
	assert.Equal(t, uint16(ext4.Magic), got)
}
