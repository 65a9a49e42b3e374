// Package fixture builds small, fully in-memory FAT32 images for tests and
// for the fat2ext4fixture CLI, grounded on the boot-sector and dentry
// layouts in internal/fat and on original_source/ofs-convert/fat.h's
// constants for a minimal valid volume.
package fixture

import (
	"encoding/binary"
	"time"
	"unicode/utf16"
)

const (
	bytesPerSector = 512
	fatCount       = 2
	rootCluster    = 2
	dentrySize     = 32
)

// Builder assembles a FAT32 image cluster-by-cluster in memory.
type Builder struct {
	clusterSize       uint32
	sectorsPerCluster uint8
	sectorsBeforeFat  uint16
	sectorsPerFat     uint32
	dataStart         uint64
	totalClusters     uint32

	data     []byte
	fat      []uint32
	nextFree uint32
	dirTail  map[uint32]uint32 // first cluster of a directory -> its current last cluster in the chain
}

// New allocates a zeroed image of sizeBytes and writes a valid FAT32 boot
// sector for it. clusterSize must be a multiple of 512.
func New(sizeBytes uint64, clusterSize uint32, label string) *Builder {
	spc := uint8(clusterSize / bytesPerSector)
	totalSectors := uint32(sizeBytes / bytesPerSector)

	// Reserve one full cluster's worth of sectors ahead of the FATs, so
	// sectorsBeforeFat is itself already a multiple of spc. A hardcoded
	// single reserved sector would make sectorsBeforeFat+fatCount*sectorsPerFat
	// permanently odd whenever spc is even, and the alignment loop below
	// would never terminate.
	sectorsBeforeFat := uint16(spc)

	// Size the FAT generously: one entry per cluster of the whole image, which always
	// over-provisions but keeps the math simple for a test fixture. Bump it
	// up, if needed, until the data region lands cluster-aligned — internal/fat
	// requires sectors_before_data % sectors_per_cluster == 0.
	totalClustersGuess := totalSectors / uint32(spc)
	sectorsPerFat := (totalClustersGuess*4 + bytesPerSector - 1) / bytesPerSector
	for (uint32(sectorsBeforeFat)+fatCount*sectorsPerFat)%uint32(spc) != 0 {
		sectorsPerFat++
	}

	dataStartSector := uint32(sectorsBeforeFat) + fatCount*sectorsPerFat
	dataStart := uint64(dataStartSector) * bytesPerSector
	totalClusters := uint32((sizeBytes - dataStart) / uint64(clusterSize))

	b := &Builder{
		clusterSize:       clusterSize,
		sectorsPerCluster: spc,
		sectorsBeforeFat:  sectorsBeforeFat,
		sectorsPerFat:     sectorsPerFat,
		dataStart:         dataStart,
		totalClusters:     totalClusters,
		data:              make([]byte, sizeBytes),
		fat:               make([]uint32, totalClusters+2),
		nextFree:          3, // cluster 2 is the root, reserved up front
		dirTail:           map[uint32]uint32{rootCluster: rootCluster},
	}
	b.fat[rootCluster] = 0x0FFFFFFF

	b.writeBootSector(totalSectors, dataStartSector, label)
	return b
}

func (b *Builder) writeBootSector(totalSectors, dataStartSector uint32, label string) {
	buf := make([]byte, 90)
	buf[0], buf[1], buf[2] = 0xEB, 0x58, 0x90
	binary.LittleEndian.PutUint16(buf[11:], bytesPerSector)
	buf[13] = b.sectorsPerCluster
	binary.LittleEndian.PutUint16(buf[14:], b.sectorsBeforeFat)
	buf[16] = fatCount
	buf[21] = 0xF8
	binary.LittleEndian.PutUint32(buf[32:], totalSectors)
	binary.LittleEndian.PutUint32(buf[36:], b.sectorsPerFat)
	binary.LittleEndian.PutUint32(buf[44:], rootCluster)
	buf[66] = 0x29 // ExtBootSignature
	copy(buf[71:82], padName(label, 11))
	copy(buf[82:90], []byte("FAT32   "))
	copy(b.data[0:], buf)
}

func padName(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	for len(s) < n {
		s += " "
	}
	return s
}

func (b *Builder) clusterOffset(c uint32) uint64 {
	return b.dataStart + uint64(c-2)*uint64(b.clusterSize)
}

func (b *Builder) clusterBytes(c uint32) []byte {
	off := b.clusterOffset(c)
	return b.data[off : off+uint64(b.clusterSize)]
}

// AllocateChain reserves length consecutive fresh clusters (no attempt at
// contiguity beyond the trivial bump allocator below, which is always
// contiguous) and returns the first cluster number.
func (b *Builder) AllocateChain(length uint32) uint32 {
	if length == 0 {
		return 0
	}
	first := b.nextFree
	for i := uint32(0); i < length; i++ {
		cur := b.nextFree + i
		if i == length-1 {
			b.fat[cur] = 0x0FFFFFFF
		} else {
			b.fat[cur] = cur + 1
		}
	}
	b.nextFree += length
	return first
}

// WriteFile allocates a chain sized for content, copies content into it,
// and writes a directory entry (plus LFN fragments, if needed) into
// dirCluster.
func (b *Builder) WriteFile(dirCluster uint32, name string, content []byte) {
	clusters := (uint32(len(content)) + b.clusterSize - 1) / b.clusterSize
	first := uint32(0)
	if clusters > 0 {
		first = b.AllocateChain(clusters)
		remaining := content
		c := first
		for len(remaining) > 0 {
			chunk := remaining
			if uint32(len(chunk)) > b.clusterSize {
				chunk = chunk[:b.clusterSize]
			}
			copy(b.clusterBytes(c), chunk)
			remaining = remaining[len(chunk):]
			c = b.fat[c] & 0x0FFFFFFF
		}
	}
	b.writeDentry(dirCluster, name, false, first, uint32(len(content)))
}

// WriteDir allocates a one-cluster subdirectory under dirCluster and
// returns its cluster number.
func (b *Builder) WriteDir(dirCluster uint32, name string) uint32 {
	child := b.AllocateChain(1)
	b.dirTail[child] = child
	b.writeDentry(dirCluster, name, true, child, 0)
	return child
}

// writeDentry appends LFN fragments (if name needs more than an 8.3 short
// name) followed by the short-name entry into the next free slots of
// dirCluster's cluster chain, growing the chain when the current tail
// cluster is full.
func (b *Builder) writeDentry(dirCluster uint32, name string, isDir bool, firstCluster, size uint32) {
	short := shortNameFor(name, dirCluster, b)
	needsLFN := short != name

	if needsLFN {
		units := utf16.Encode([]rune(name))
		n := (len(units) + 12) / 13
		for i := n; i >= 1; i-- {
			frag := make([]uint16, 13)
			for j := 0; j < 13; j++ {
				idx := (i-1)*13 + j
				if idx < len(units) {
					frag[j] = units[idx]
				} else if idx == len(units) {
					frag[j] = 0x0000
				} else {
					frag[j] = 0xFFFF
				}
			}
			seq := byte(i)
			if i == n {
				seq |= 0x40
			}
			cluster, slot := b.allocSlot(dirCluster)
			b.writeLFNFragment(cluster, slot, seq, frag)
		}
	}

	raw := make([]byte, dentrySize)
	copy(raw[0:8], []byte(padName(shortBase(short), 8)))
	copy(raw[8:11], []byte(padName(shortExt(short), 3)))
	if isDir {
		raw[11] = 0x10
	} else {
		raw[11] = 0x20
	}
	now := time.Now()
	d, t := fatDate(now), fatTime(now)
	binary.LittleEndian.PutUint16(raw[14:], t)
	binary.LittleEndian.PutUint16(raw[16:], d)
	binary.LittleEndian.PutUint16(raw[18:], d)
	binary.LittleEndian.PutUint16(raw[20:], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(raw[22:], t)
	binary.LittleEndian.PutUint16(raw[24:], d)
	binary.LittleEndian.PutUint16(raw[26:], uint16(firstCluster))
	binary.LittleEndian.PutUint32(raw[28:], size)
	cluster, slot := b.allocSlot(dirCluster)
	b.writeRawEntry(cluster, slot, raw)
}

func (b *Builder) writeLFNFragment(cluster uint32, slot int, seq byte, units []uint16) {
	raw := make([]byte, dentrySize)
	raw[0] = seq
	raw[11] = 0x0F
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(raw[1+2*i:], units[i])
	}
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(raw[14+2*i:], units[5+i])
	}
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(raw[28+2*i:], units[11+i])
	}
	b.writeRawEntry(cluster, slot, raw)
}

// allocSlot returns the cluster and in-cluster slot index of the next free
// directory-entry slot in dirCluster's chain, appending a fresh cluster to
// the chain when the current tail is full (FAT32 directories grow by
// chaining extra clusters).
func (b *Builder) allocSlot(dirCluster uint32) (cluster uint32, slot int) {
	perCluster := int(b.clusterSize) / dentrySize
	tail := b.dirTail[dirCluster]
	block := b.clusterBytes(tail)
	for i := 0; i < perCluster; i++ {
		if block[i*dentrySize] == 0x00 {
			return tail, i
		}
	}

	next := b.AllocateChain(1)
	b.fat[tail] = next
	b.dirTail[dirCluster] = next
	return next, 0
}

func (b *Builder) writeRawEntry(cluster uint32, slot int, raw []byte) {
	block := b.clusterBytes(cluster)
	copy(block[slot*dentrySize:], raw)
}

func fatDate(t time.Time) uint16 {
	return uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
}

func fatTime(t time.Time) uint16 {
	return uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
}

// shortNameFor returns name unchanged if it is at most 12 ASCII
// characters, otherwise the fixed stand-in "LONGNAME.TXT"; good enough
// for a test fixture, where the long name is what tests actually assert on.
func shortNameFor(name string, dirCluster uint32, b *Builder) string {
	if fitsShort(name) {
		return name
	}
	return "LONGNAME.TXT"
}

func fitsShort(name string) bool {
	if len(name) > 12 {
		return false
	}
	for _, c := range name {
		if c > 127 {
			return false
		}
	}
	return true
}

func shortBase(short string) string {
	for i, c := range short {
		if c == '.' {
			return short[:i]
		}
	}
	return short
}

func shortExt(short string) string {
	for i, c := range short {
		if c == '.' {
			return short[i+1:]
		}
	}
	return ""
}

// Finish flushes the in-memory FAT table into both on-disk copies and
// returns the finished image.
func (b *Builder) Finish() []byte {
	fatBytes := make([]byte, b.sectorsPerFat*bytesPerSector)
	for c, v := range b.fat {
		binary.LittleEndian.PutUint32(fatBytes[c*4:], v)
	}
	fat1Off := uint64(b.sectorsBeforeFat) * bytesPerSector
	fat2Off := fat1Off + uint64(b.sectorsPerFat)*bytesPerSector
	copy(b.data[fat1Off:], fatBytes)
	copy(b.data[fat2Off:], fatBytes)
	return b.data
}

// RootCluster is the fixed FAT32 root directory cluster number.
func (b *Builder) RootCluster() uint32 { return rootCluster }

// Empty returns a minimal FAT32 image with nothing but a root directory,
// matching spec.md §8's "Empty FAT32" worked example.
func Empty(sizeBytes uint64, clusterSize uint32) []byte {
	b := New(sizeBytes, clusterSize, "EMPTY")
	return b.Finish()
}

// LongName returns a FAT32 image with a single root-level file whose name
// requires long-filename fragments, matching spec.md §8 example 4.
func LongName(sizeBytes uint64, clusterSize uint32) []byte {
	b := New(sizeBytes, clusterSize, "LONGNAME")
	b.WriteFile(b.RootCluster(), "Journée d'été.md", []byte("some content"))
	return b.Finish()
}

// ManyFiles returns a FAT32 image with n files in the root directory,
// matching spec.md §8 example 5's "tree with many files" scenario.
func ManyFiles(sizeBytes uint64, clusterSize uint32, n int) []byte {
	b := New(sizeBytes, clusterSize, "MANYFILES")
	for i := 0; i < n; i++ {
		name := shortFileName(i)
		b.WriteFile(b.RootCluster(), name, []byte("x"))
	}
	return b.Finish()
}

func shortFileName(i int) string {
	digits := "0123456789"
	s := make([]byte, 0, 12)
	n := i
	var tmp [8]byte
	k := 0
	for n > 0 || k == 0 {
		tmp[k] = digits[n%10]
		n /= 10
		k++
	}
	for j := k - 1; j >= 0; j-- {
		s = append(s, tmp[j])
	}
	s = append(s, '.', 'T', 'X', 'T')
	return string(s)
}
