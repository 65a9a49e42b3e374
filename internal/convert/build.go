package convert

import (
	"fmt"
	"time"

	"github.com/pilat/fat2ext4/internal/archiver"
	"github.com/pilat/fat2ext4/internal/ext4"
)

func readRun[T any](rs *archiver.Stream) ([]T, error) {
	count, ok := rs.ReadRunHeader()
	if !ok {
		return nil, fmt.Errorf("convert: unexpected end of archiver stream")
	}
	out := make([]T, count)
	for i := range out {
		v, err := archiver.ReadValue[T](rs)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Build runs Phase W: it consumes rs in the same depth-first order Traverse
// wrote it, allocating inodes, growing extent trees, and emitting directory
// records, then appends lost+found and finalizes the superblock, per
// spec.md §4.5/§4.6.
func (c *Converter) Build(rs *archiver.Stream) error {
	hdrs, err := readRun[EntryHeader](rs)
	if err != nil {
		return err
	}
	hdr := hdrs[0]
	if _, err := readRun[NameUnit](rs); err != nil {
		return err
	}
	if _, err := readRun[Extent](rs); err != nil {
		return err
	}
	childCountRun, err := readRun[uint32](rs)
	if err != nil {
		return err
	}
	childCount := childCountRun[0]

	mtime, atime, crtime := decodeTimes(hdr)
	rootInode := c.builder.NewDirInode(2, mtime, atime, crtime)
	c.builder.MarkReservedInodeUsed(ext4.RootInode, true)

	dw, err := c.builder.OpenDirectory(ext4.RootInode, rootInode, ext4.RootInode)
	if err != nil {
		return err
	}

	for i := uint32(0); i < childCount; i++ {
		_, childIsDir, err := c.buildEntry(rs, ext4.RootInode, dw)
		if err != nil {
			return err
		}
		if childIsDir {
			rootInode.LinksCount++
		}
	}

	if err := c.buildLostFound(dw, rootInode); err != nil {
		return err
	}

	if err := dw.Close(); err != nil {
		return err
	}
	if err := c.builder.WriteInode(ext4.RootInode, rootInode); err != nil {
		return err
	}

	return c.builder.Finalize()
}

func (c *Converter) buildLostFound(rootWriter *ext4.DirWriter, rootInode *ext4.Inode) error {
	c.builder.MarkReservedInodeUsed(ext4.LostFound, true)
	now := c.createdAt
	lf := c.builder.NewDirInode(2, now, now, now)

	lfw, err := c.builder.OpenDirectory(ext4.LostFound, lf, ext4.RootInode)
	if err != nil {
		return err
	}
	if err := lfw.Close(); err != nil {
		return err
	}
	if err := c.builder.WriteInode(ext4.LostFound, lf); err != nil {
		return err
	}

	if err := rootWriter.AddChildEntry(ext4.LostFound, "lost+found"); err != nil {
		return err
	}
	rootInode.LinksCount++
	return nil
}

// buildEntry reads and materializes one archiver entry (a file or a
// directory and its whole subtree), adding its directory record to
// parentWriter, per spec.md §4.6 steps 1-6.
func (c *Converter) buildEntry(rs *archiver.Stream, parentInode uint32, parentWriter *ext4.DirWriter) (inodeNum uint32, isDir bool, err error) {
	hdrs, err := readRun[EntryHeader](rs)
	if err != nil {
		return 0, false, err
	}
	hdr := hdrs[0]

	nameSlots, err := readRun[NameUnit](rs)
	if err != nil {
		return 0, false, err
	}
	name := decodeNameSlots(nameSlots)

	extents, err := readRun[Extent](rs)
	if err != nil {
		return 0, false, err
	}

	childCountRun, err := readRun[uint32](rs)
	if err != nil {
		return 0, false, err
	}
	isDir = hdr.IsDir == 1
	childCount := childCountRun[0]

	inodeNum, err = c.builder.AllocateInode(isDir)
	if err != nil {
		return 0, false, ErrInodesExhausted
	}
	mtime, atime, crtime := decodeTimes(hdr)

	var in *ext4.Inode
	if isDir {
		in = c.builder.NewDirInode(2, mtime, atime, crtime)
	} else {
		in = c.builder.NewFileInode(hdr.Size, mtime, atime, crtime)
		if err := c.addFileExtents(in, extents); err != nil {
			return 0, false, err
		}
	}

	if hdr.FatAttrs != 0 {
		if err := c.builder.WriteFatAttrsXattr(in, hdr.FatAttrs); err != nil {
			return 0, false, err
		}
	}

	if parentWriter != nil {
		if err := parentWriter.AddChildEntry(inodeNum, name); err != nil {
			return 0, false, err
		}
	}

	if isDir {
		dw, err := c.builder.OpenDirectory(inodeNum, in, parentInode)
		if err != nil {
			return 0, false, err
		}
		for i := uint32(0); i < childCount; i++ {
			_, childIsDir, err := c.buildEntry(rs, inodeNum, dw)
			if err != nil {
				return 0, false, err
			}
			if childIsDir {
				in.LinksCount++
			}
		}
		if err := dw.Close(); err != nil {
			return 0, false, err
		}
	}

	if err := c.builder.WriteInode(inodeNum, in); err != nil {
		return 0, false, err
	}
	return inodeNum, isDir, nil
}

func (c *Converter) addFileExtents(in *ext4.Inode, extents []Extent) error {
	for _, e := range extents {
		remaining := e.Length
		done := e.Length - remaining
		for remaining > 0 {
			chunk := remaining
			if chunk > ext4.MaxInitExtentLen {
				chunk = ext4.MaxInitExtentLen
			}
			if err := c.builder.AddExtent(in, e.LogicalStart+done, e.PhysicalStart+done, uint16(chunk)); err != nil {
				return err
			}
			done += chunk
			remaining -= chunk
		}
	}
	return nil
}

func decodeTimes(hdr EntryHeader) (mtime, atime, crtime time.Time) {
	return time.Unix(hdr.Mtime, 0).UTC(), time.Unix(hdr.Atime, 0).UTC(), time.Unix(hdr.Crtime, 0).UTC()
}
