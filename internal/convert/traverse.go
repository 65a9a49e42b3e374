package convert

import (
	"errors"
	"unicode/utf16"

	"github.com/pilat/fat2ext4/internal/archiver"
	"github.com/pilat/fat2ext4/internal/fat"
)

var errStopWalk = errors.New("convert: end of directory table")

// Traverse runs Phase R: it walks the FAT root directory depth-first,
// writing one EntryHeader+name+extents+child-count record per entry into
// ws, re-settling any FAT extent that collides with the blocked ext4
// metadata footprint along the way. The outermost call emits the root
// itself as a synthetic entry, per spec.md §4.3.
func (c *Converter) Traverse(ws *archiver.Stream) error {
	return c.emitEntry(ws, fat.Dentry{}, "", true, c.meta.RootCluster)
}

func (c *Converter) emitEntry(ws *archiver.Stream, d fat.Dentry, name string, isDir bool, fatCluster uint32) error {
	hdr := EntryHeader{FatAttrs: uint8(d.FatAttrs())}
	if isDir {
		hdr.IsDir = 1
	} else {
		hdr.Size = uint64(d.FileSize)
	}
	hdr.Mtime = fat.DecodeTimestamp(d.WriteDate, d.WriteTime).Unix()
	hdr.Atime = fat.DecodeTimestamp(d.AccessDate, 0).Unix()
	hdr.Crtime = fat.DecodeTimestamp(d.CreateDate, d.CreateTime).Unix()

	slots := encodeNameSlots(name)
	hdr.NameSlots = uint8(len(slots))

	if err := archiver.AppendValue(ws, hdr); err != nil {
		return err
	}
	if err := ws.Cut(); err != nil {
		return err
	}
	for _, s := range slots {
		if err := archiver.AppendValue(ws, s); err != nil {
			return err
		}
	}
	if err := ws.Cut(); err != nil {
		return err
	}

	if !isDir && d.FirstCluster() != 0 {
		fatExtents, err := c.aggregateExtents(d.FirstCluster())
		if err != nil {
			return err
		}
		for _, fe := range fatExtents {
			settled, err := c.resettleExtent(fe)
			if err != nil {
				return err
			}
			for _, se := range settled {
				if err := archiver.AppendValue(ws, se); err != nil {
					return err
				}
			}
		}
	}
	if err := ws.Cut(); err != nil {
		return err
	}

	if isDir {
		// A first pass that emits nothing counts the children, so the count
		// precedes them in the stream, the order Build reads them in.
		childCount, err := c.emitDirectoryChildren(fatCluster, nil)
		if err != nil {
			return err
		}
		if err := archiver.AppendValue(ws, childCount); err != nil {
			return err
		}
		if err := ws.Cut(); err != nil {
			return err
		}
		_, err = c.emitDirectoryChildren(fatCluster, ws)
		return err
	}
	if err := archiver.AppendValue(ws, uint32(ChildCountSentinel)); err != nil {
		return err
	}
	return ws.Cut()
}

// emitDirectoryChildren walks one directory's dentries, emitting one
// recursive entry per live child (or only counting them when ws is nil),
// and returns the count.
func (c *Converter) emitDirectoryChildren(fatDirCluster uint32, ws *archiver.Stream) (uint32, error) {
	if fatDirCluster == 0 {
		return 0, nil
	}

	dentriesPerCluster := c.meta.ClusterSize / dentrySize
	var pendingSlots [][13]uint16
	var count uint32

	err := fat.WalkChain(c.data, c.meta, fatDirCluster, func(cl uint32) error {
		base := c.meta.ClusterOffset(cl)
		for i := uint32(0); i < dentriesPerCluster; i++ {
			raw := c.data[base+uint64(i)*dentrySize : base+uint64(i)*dentrySize+dentrySize]
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
				idx := seq - 1
				if idx >= 0 && idx < len(pendingSlots) {
					pendingSlots[idx] = d.LFNCodeUnits(raw)
				}
				continue
			}

			var name string
			if len(pendingSlots) > 0 {
				name = fat.DecodeLongName(pendingSlots)
				pendingSlots = nil
			} else {
				name = d.ShortName()
			}

			if ws != nil {
				if err := c.emitEntry(ws, d, name, d.IsDirectory(), d.FirstCluster()); err != nil {
					return err
				}
			}
			count++
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return 0, err
	}
	return count, nil
}

const dentrySize = 32

func encodeNameSlots(name string) []NameUnit {
	units := utf16.Encode([]rune(name))
	if len(units) == 0 {
		return []NameUnit{{}}
	}
	n := (len(units) + 12) / 13
	slots := make([]NameUnit, n)
	for i, u := range units {
		slots[i/13].Units[i%13] = u
	}
	return slots
}

func decodeNameSlots(slots []NameUnit) string {
	fragments := make([][13]uint16, len(slots))
	for i, s := range slots {
		fragments[i] = s.Units
	}
	return fat.DecodeLongName(fragments)
}
