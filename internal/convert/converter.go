package convert

import (
	"errors"
	"fmt"
	"time"

	"github.com/pilat/fat2ext4/internal/allocator"
	"github.com/pilat/fat2ext4/internal/archiver"
	"github.com/pilat/fat2ext4/internal/ext4"
	"github.com/pilat/fat2ext4/internal/fat"
	"github.com/sirupsen/logrus"
)

// Converter drives the two-phase conversion (Traverse then Build) over a
// single in-place backing store, grounded on
// original_source/ofs-convert/ofs-convert.cpp's top-level driver.
type Converter struct {
	data []byte

	meta   *fat.MetaInfo
	layout *ext4.Layout
	alloc  *allocator.Allocator

	builder   *ext4.Builder
	log       *logrus.Logger
	createdAt time.Time
}

// Option configures a Converter, following a functional-options idiom.
type Option func(*Converter)

// WithLogger overrides the default logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Converter) { c.log = l }
}

// WithCreatedAt overrides the timestamp stamped into the superblock and
// the synthesized lost+found inode, primarily for reproducible tests; the
// root inode's times come from its synthetic (zero) root entry.
func WithCreatedAt(t time.Time) Option {
	return func(c *Converter) { c.createdAt = t }
}

// New prepares a Converter over data, the entire FAT32 partition mapped
// read-write in place (spec.md §2, §5: the CLI mmaps the block device and
// hands the mapping straight to this constructor).
func New(data []byte, opts ...Option) (*Converter, error) {
	c := &Converter{data: data, log: logrus.StandardLogger(), createdAt: time.Now()}
	for _, opt := range opts {
		opt(c)
	}

	bs, err := fat.ReadBootSector(data)
	if err != nil {
		return nil, err
	}
	meta, err := fat.NewMetaInfo(bs, uint64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeometryUnsupported, err)
	}
	c.meta = meta

	layout, err := ext4.NewLayout(meta.ClusterSize, meta.DataClusterCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeometryUnsupported, err)
	}
	c.layout = layout

	used := fat.UsedClusterBitmap(data, meta)
	blocked := c.blockedMetadataExtents()
	for _, b := range blocked {
		if b.Length > 65535 {
			return nil, ErrGroupOverheadTooBig
		}
	}

	// clusterBase is the unified block-space address of the first ext4 data
	// block, which FatToExt4 places at the same bit offset UsedClusterBitmap
	// already assigned to FAT cluster FatStartIndex.
	clusterBase := meta.FatToExt4(fat.FatStartIndex)
	c.alloc = allocator.New(clusterBase, meta.DataClusterCount, used, blocked, c.log)

	c.builder = ext4.NewBuilder(data, layout, allocatorAdapter{c.alloc},
		ext4.WithCreatedAt(c.createdAt),
		ext4.WithVolumeName(meta.VolumeLabel),
		ext4.WithLogger(c.log))

	return c, nil
}

// blockedMetadataExtents returns every block-group's reserved metadata span
// (superblock, GDT, bitmaps, inode table) in unified block-space addressing,
// sorted by construction since groups are visited in order.
func (c *Converter) blockedMetadataExtents() []allocator.BlockedExtent {
	out := make([]allocator.BlockedExtent, 0, c.layout.GroupCount)
	for g := uint32(0); g < c.layout.GroupCount; g++ {
		gl := c.layout.Group(g)
		out = append(out, allocator.BlockedExtent{PhysicalStart: gl.Start, Length: gl.Overhead})
	}
	return out
}

// Run executes Phase R followed by Phase W: it streams the FAT tree into an
// archiver log, then consumes that log to build the ext4 inode table,
// extent trees, and directory blocks, per spec.md §4.3-§4.6.
func (c *Converter) Run() error {
	io := clusterIO{data: c.data, blockSize: c.meta.ClusterSize}

	ws, err := archiver.NewWriteStream(io, c.allocatePage)
	if err != nil {
		return c.mapErr(err)
	}
	if err := c.Traverse(ws); err != nil {
		return c.mapErr(err)
	}
	if err := ws.Flush(); err != nil {
		return c.mapErr(err)
	}

	rs := archiver.OpenReadStream(io, ws.FirstPhysical())
	if err := c.Build(rs); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *Converter) mapErr(err error) error {
	if errors.Is(err, allocator.ErrExhausted) {
		return fmt.Errorf("%w: %v", ErrAllocatorExhausted, err)
	}
	return err
}

// allocatePage satisfies archiver.PageAllocator: one unified-block-space
// page per call, registered in the builder's bitmaps immediately so later
// allocations never collide with the archiver's own log.
func (c *Converter) allocatePage() (uint32, error) {
	e, err := c.alloc.AllocateExtent(1)
	if err != nil {
		return 0, err
	}
	c.builder.RegisterBlockRange(e.PhysicalStart, e.Length)
	return e.PhysicalStart, nil
}

// allocatorAdapter lets internal/allocator.Allocator satisfy
// internal/ext4.BlockAllocator, whose three-value return shape the ext4
// package kept from _examples/pilat-go-ext4fs's own block allocator
// interface (layout.go).
type allocatorAdapter struct {
	a *allocator.Allocator
}

func (x allocatorAdapter) AllocateExtent(maxLength uint32) (uint32, uint32, error) {
	e, err := x.a.AllocateExtent(maxLength)
	if err != nil {
		return 0, 0, err
	}
	return e.PhysicalStart, e.Length, nil
}

// clusterIO adapts the flat backing-store slice to archiver.ClusterIO, in
// unified block-space addressing.
type clusterIO struct {
	data      []byte
	blockSize uint32
}

func (c clusterIO) ClusterSize() uint32 { return c.blockSize }

func (c clusterIO) ReadCluster(physical uint32) []byte {
	off := uint64(physical) * uint64(c.blockSize)
	return c.data[off : off+uint64(c.blockSize)]
}

func (c clusterIO) WriteCluster(physical uint32, data []byte) {
	off := uint64(physical) * uint64(c.blockSize)
	copy(c.data[off:off+uint64(c.blockSize)], data)
}
