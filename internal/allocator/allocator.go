// Package allocator reserves free FAT clusters for ext4 metadata and for
// relocated payload while honoring a fixed set of physical ranges that must
// never be handed out, the way original_source/ofs-convert/extent-allocator.cpp
// does.
package allocator

import (
	"errors"
	"sort"

	"github.com/pilat/fat2ext4/internal/lohi"
	"github.com/sirupsen/logrus"
)

// ErrExhausted is returned when the allocator's cursor reaches the end of
// the addressable range without satisfying a request.
var ErrExhausted = errors.New("allocator: filesystem too small")

// BlockedExtent is a physical cluster range the allocator must never return;
// New sorts its copy of the blocked set by PhysicalStart.
type BlockedExtent struct {
	PhysicalStart uint32
	Length        uint32
}

func (b BlockedExtent) end() uint32 { return b.PhysicalStart + b.Length }

// Extent is a freshly reserved run of physically-consecutive clusters.
type Extent struct {
	PhysicalStart uint32
	Length        uint32
}

// Allocator hands out free clusters one extent at a time, skipping both
// clusters already live in the source FAT and the blocked metadata ranges.
type Allocator struct {
	bitmap      []byte
	clusterBase uint32 // cluster number of bitmap bit 0
	clusterEnd  uint32 // one past the last valid cluster number

	blocked    []BlockedExtent
	cursor     uint32
	blockedIdx int

	log *logrus.Logger
}

// New builds an allocator over [clusterBase, clusterBase+clusterCount).
// used is a bitmap (bit i == cluster clusterBase+i) pre-marking FAT-live
// clusters; it is copied, not retained. blocked is copied and sorted by
// PhysicalStart; it needs no trailing sentinel extent, since the cursor
// stops at the end of the addressable range.
func New(clusterBase, clusterCount uint32, used []byte, blocked []BlockedExtent, log *logrus.Logger) *Allocator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	bitmap := make([]byte, len(used))
	copy(bitmap, used)

	sorted := make([]BlockedExtent, len(blocked))
	copy(sorted, blocked)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PhysicalStart < sorted[j].PhysicalStart })

	return &Allocator{
		bitmap:      bitmap,
		clusterBase: clusterBase,
		clusterEnd:  clusterBase + clusterCount,
		blocked:     sorted,
		cursor:      clusterBase,
		log:         log,
	}
}

func (a *Allocator) bitIndex(c uint32) uint32 { return c - a.clusterBase }

func (a *Allocator) isUsed(c uint32) bool {
	return lohi.IsBitSet(a.bitmap, a.bitIndex(c))
}

func (a *Allocator) markUsed(c uint32) {
	lohi.SetBit(a.bitmap, a.bitIndex(c))
}

// skipBlocked advances blockedIdx past any blocked extents that end at or
// before the cursor and, if the cursor sits inside the next blocked extent,
// moves the cursor to that extent's end. It always returns nil.
func (a *Allocator) skipBlocked() error {
	for a.blockedIdx < len(a.blocked) && a.cursor >= a.blocked[a.blockedIdx].end() {
		a.blockedIdx++
	}
	if a.blockedIdx >= len(a.blocked) {
		return nil
	}
	b := a.blocked[a.blockedIdx]
	if a.cursor >= b.PhysicalStart && a.cursor < b.end() {
		a.cursor = b.end()
		a.blockedIdx++
	}
	return nil
}

// AllocateExtent reserves up to maxLength physically-consecutive free,
// unblocked clusters starting at the current cursor and returns them as one
// extent. It fails with ErrExhausted if the cursor runs past the end of the
// addressable range before finding a single usable cluster.
func (a *Allocator) AllocateExtent(maxLength uint32) (Extent, error) {
	for {
		if a.cursor >= a.clusterEnd {
			return Extent{}, ErrExhausted
		}
		// Index comparison, not pointer arithmetic past the blocked array:
		// fixes the original's off-by-one (spec.md §9).
		if err := a.skipBlocked(); err != nil {
			return Extent{}, err
		}
		if a.cursor >= a.clusterEnd {
			return Extent{}, ErrExhausted
		}
		if !a.isUsed(a.cursor) {
			break
		}
		a.cursor++
	}

	start := a.cursor
	var length uint32
	for length < maxLength && a.cursor < a.clusterEnd && !a.isUsed(a.cursor) {
		if a.blockedIdx < len(a.blocked) && a.cursor >= a.blocked[a.blockedIdx].PhysicalStart {
			break
		}
		a.markUsed(a.cursor)
		a.cursor++
		length++
	}

	a.log.WithFields(logrus.Fields{"start": start, "length": length}).Debug("allocator: reserved extent")
	return Extent{PhysicalStart: start, Length: length}, nil
}

// FindFirstBlockedExtent returns the index of the first blocked extent that
// overlaps or follows physStart, via binary search over the sorted blocked
// set, and whether any such extent exists.
func (a *Allocator) FindFirstBlockedExtent(physStart uint32) (int, bool) {
	idx := sort.Search(len(a.blocked), func(i int) bool {
		return a.blocked[i].end() > physStart
	})
	if idx >= len(a.blocked) {
		return idx, false
	}
	return idx, true
}

// FindNextBlockedExtent walks forward from *idx and returns the next
// blocked extent that starts before end, advancing *idx past it. Returns
// ok=false once the blocked set is exhausted or the next extent starts at
// or beyond end.
func (a *Allocator) FindNextBlockedExtent(idx *int, end uint32) (BlockedExtent, bool) {
	if *idx >= len(a.blocked) {
		return BlockedExtent{}, false
	}
	b := a.blocked[*idx]
	if b.PhysicalStart >= end {
		return BlockedExtent{}, false
	}
	*idx++
	return b, true
}
