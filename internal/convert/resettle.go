package convert

import (
	"fmt"

	"github.com/pilat/fat2ext4/internal/allocator"
	"github.com/pilat/fat2ext4/internal/fat"
)

// aggregateExtents walks a FAT cluster chain and coalesces
// physically-consecutive clusters into extents, cutting at a
// non-consecutive cluster, at fat.MaxInitExtentLen, or at the end of the
// chain, per spec.md §4.3.
func (c *Converter) aggregateExtents(startCluster uint32) ([]fat.FatExtent, error) {
	var extents []fat.FatExtent
	var cur *fat.FatExtent
	var logical uint32

	err := fat.WalkChain(c.data, c.meta, startCluster, func(cl uint32) error {
		if cur != nil && cl == cur.PhysicalStart+cur.Length && cur.Length < fat.MaxInitExtentLen {
			cur.Length++
			return nil
		}
		if cur != nil {
			extents = append(extents, *cur)
			logical += cur.Length
		}
		cur = &fat.FatExtent{LogicalStart: logical, Length: 1, PhysicalStart: cl}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cur != nil {
		extents = append(extents, *cur)
	}
	return extents, nil
}

// resettleExtent splits a FAT extent around the allocator's blocked set and
// relocates any fragment that collides with ext4 metadata, per spec.md
// §4.3's re-settler. Extents are returned translated into ext4 block-space
// addressing.
func (c *Converter) resettleExtent(ext fat.FatExtent) ([]Extent, error) {
	physBlockStart := c.meta.FatToExt4(ext.PhysicalStart)
	var out []Extent

	idx, ok := c.alloc.FindFirstBlockedExtent(physBlockStart)
	cursor := physBlockStart
	logical := ext.LogicalStart
	remaining := ext.Length
	end := physBlockStart + ext.Length

	for remaining > 0 {
		var blocked allocator.BlockedExtent
		if ok {
			blocked, ok = c.alloc.FindNextBlockedExtent(&idx, end)
		}

		if !ok || blocked.PhysicalStart >= cursor+remaining {
			out = append(out, Extent{LogicalStart: logical, Length: remaining, PhysicalStart: cursor})
			return out, nil
		}

		if blocked.PhysicalStart > cursor {
			freeLen := blocked.PhysicalStart - cursor
			out = append(out, Extent{LogicalStart: logical, Length: freeLen, PhysicalStart: cursor})
			cursor += freeLen
			logical += freeLen
			remaining -= freeLen
		}

		collideLen := remaining
		if blockedEnd := blocked.PhysicalStart + blocked.Length; blockedEnd-cursor < collideLen {
			collideLen = blockedEnd - cursor
		}

		for collideLen > 0 {
			repl, err := c.alloc.AllocateExtent(collideLen)
			if err != nil {
				return nil, fmt.Errorf("convert: resettle: %w", err)
			}
			if repl.Length == 0 {
				return nil, fmt.Errorf("convert: resettle: allocator returned empty extent")
			}
			c.copyBlocks(cursor, repl.PhysicalStart, repl.Length)
			c.builder.RegisterBlockRange(repl.PhysicalStart, repl.Length)
			out = append(out, Extent{LogicalStart: logical, Length: repl.Length, PhysicalStart: repl.PhysicalStart})

			c.log.WithField("from", cursor).WithField("to", repl.PhysicalStart).
				WithField("length", repl.Length).Info("convert: relocated colliding extent fragment")

			cursor += repl.Length
			logical += repl.Length
			remaining -= repl.Length
			collideLen -= repl.Length
		}
	}
	return out, nil
}

func (c *Converter) copyBlocks(fromBlock, toBlock, length uint32) {
	blockSize := uint64(c.meta.ClusterSize)
	src := uint64(fromBlock) * blockSize
	dst := uint64(toBlock) * blockSize
	copy(c.data[dst:dst+uint64(length)*blockSize], c.data[src:src+uint64(length)*blockSize])
}
