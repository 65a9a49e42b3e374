// Package archiver implements the append-only paged log used to pass
// metadata between Phase R (FAT read) and Phase W (ext4 write), grounded on
// original_source/ofs-convert/stream-archiver.h and .cpp.
package archiver

import (
	"encoding/binary"
	"fmt"
)

// PageAllocator obtains a fresh page-sized cluster for the archiver. It is
// injected rather than imported directly, the way the original passes a
// function pointer, so this package stays decoupled from internal/allocator.
type PageAllocator func() (physicalStart uint32, err error)

// ClusterIO reads and writes whole clusters of the backing store by
// physical cluster number.
type ClusterIO interface {
	ClusterSize() uint32
	ReadCluster(physical uint32) []byte
	WriteCluster(physical uint32, data []byte)
}

const (
	pageHeaderSize = 4 // next-page physical cluster number
	runHeaderSize  = 8 // element count
)

// Stream is a single append-only archiver stream: a linked list of pages,
// each holding a sequence of runs, each run a sequence of fixed-size
// elements.
type Stream struct {
	io ClusterIO

	// writer state
	allocate      PageAllocator
	firstPhysical uint32
	curPhysical   uint32
	offset      uint32 // byte offset within the current page's buffer
	buf         []byte // current page's bytes, flushed on page change
	runHeaderAt uint32 // offset of the current run's header within runHeaderBuf
	runCount    uint64
	// page holding the current run's header, which may precede the current
	// page once the run has continued onto later pages
	runHeaderBuf  []byte
	runHeaderPhys uint32

	// reader state (independent cursor over the same linked list)
	readPhysical uint32
	readOffset   uint32
	readBuf      []byte
	readRunLeft  uint64
}

// NewWriteStream starts a fresh stream, allocating its first page.
func NewWriteStream(io ClusterIO, allocate PageAllocator) (*Stream, error) {
	s := &Stream{io: io, allocate: allocate}
	if err := s.newPage(); err != nil {
		return nil, err
	}
	s.openRun()
	return s, nil
}

// OpenReadStream wraps an existing stream (identified by its first physical
// page) for sequential reading, mirroring the writer's DFS emission order.
func OpenReadStream(io ClusterIO, firstPhysical uint32) *Stream {
	s := &Stream{io: io, readPhysical: firstPhysical}
	s.readBuf = io.ReadCluster(firstPhysical)
	s.readOffset = pageHeaderSize
	return s
}

// FirstPhysical returns the physical cluster of this stream's first page,
// the handle Phase W needs to open a matching read stream.
func (s *Stream) FirstPhysical() uint32 { return s.firstPhysical }

// firstPhysical is recorded once, on the very first newPage call.
func (s *Stream) newPage() error {
	phys, err := s.allocate()
	if err != nil {
		return fmt.Errorf("archiver: allocate page: %w", err)
	}
	if s.buf != nil {
		binary.LittleEndian.PutUint32(s.buf[0:], phys)
		s.io.WriteCluster(s.curPhysical, s.buf)
	} else {
		s.firstPhysical = phys
	}
	s.curPhysical = phys
	s.buf = make([]byte, s.io.ClusterSize())
	binary.LittleEndian.PutUint32(s.buf[0:], 0) // next-page pointer, filled in later
	s.offset = pageHeaderSize
	return nil
}

func (s *Stream) openRun() {
	s.runHeaderAt = s.offset
	s.runHeaderBuf, s.runHeaderPhys = s.buf, s.curPhysical
	s.offset += runHeaderSize
	s.runCount = 0
}

// closeRun stores the current run's element count into its header,
// rewriting the header's page if it was already flushed.
func (s *Stream) closeRun() {
	binary.LittleEndian.PutUint64(s.runHeaderBuf[s.runHeaderAt:], s.runCount)
	if s.runHeaderPhys != s.curPhysical {
		s.io.WriteCluster(s.runHeaderPhys, s.runHeaderBuf)
	}
}

// Cut finalizes the current run's element count and opens a fresh run.
func (s *Stream) Cut() error {
	s.closeRun()
	if s.offset+runHeaderSize > uint32(len(s.buf)) {
		if err := s.newPage(); err != nil {
			return err
		}
	}
	s.openRun()
	return nil
}

// Append reserves space for one element of elementLength bytes in the
// current run, allocating a new page first if it would not fit, and
// returns the byte slice to fill in. The run continues on the new page;
// its header stays where the run began.
func (s *Stream) Append(elementLength uint32) ([]byte, error) {
	if s.offset+elementLength > uint32(len(s.buf)) {
		if err := s.newPage(); err != nil {
			return nil, err
		}
	}
	start := s.offset
	s.offset += elementLength
	s.runCount++
	return s.buf[start:s.offset], nil
}

// Flush finalizes the current run and writes the last page to the backing
// store. Call once after the last Append/Cut.
func (s *Stream) Flush() error {
	s.closeRun()
	s.io.WriteCluster(s.curPhysical, s.buf)
	return nil
}

// ReadRunHeader starts reading the next run and returns its element count.
// Returns ok=false only when the header would not fit in the current page
// and no next page is linked; past the last written run on a page it reads
// a zero count (callers know how many runs to expect from the emission
// protocol in spec.md §4.3, so this is rarely needed, but is kept for
// symmetry with the writer).
func (s *Stream) ReadRunHeader() (count uint64, ok bool) {
	if s.readOffset+runHeaderSize > uint32(len(s.readBuf)) {
		if !s.readNextPage() {
			return 0, false
		}
	}
	count = binary.LittleEndian.Uint64(s.readBuf[s.readOffset:])
	s.readOffset += runHeaderSize
	s.readRunLeft = count
	return count, true
}

// ReadNext copies the next elementLength-byte element into the reader's
// cursor position and returns it.
func (s *Stream) ReadNext(elementLength uint32) ([]byte, error) {
	if s.readRunLeft == 0 {
		return nil, fmt.Errorf("archiver: read past end of run")
	}
	if s.readOffset+elementLength > uint32(len(s.readBuf)) {
		if !s.readNextPage() {
			return nil, fmt.Errorf("archiver: unexpected end of stream")
		}
	}
	start := s.readOffset
	s.readOffset += elementLength
	s.readRunLeft--
	return s.readBuf[start:s.readOffset], nil
}

func (s *Stream) readNextPage() bool {
	next := binary.LittleEndian.Uint32(s.readBuf[0:])
	if next == 0 {
		return false
	}
	s.readPhysical = next
	s.readBuf = s.io.ReadCluster(next)
	s.readOffset = pageHeaderSize
	return true
}
