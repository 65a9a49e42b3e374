package fat

import (
	"encoding/binary"
	"fmt"
)

// MetaInfo holds the boot-sector-derived geometry the rest of the
// conversion pipeline needs, decoupled from the raw BootSector record.
type MetaInfo struct {
	ClusterSize       uint32
	FatStartByte      uint64
	FatEntryCount     uint32
	DataStartByte     uint64
	DataClusterCount  uint32
	SectorsBeforeData uint32
	SectorsPerCluster uint32
	RootCluster       uint32
	PartitionBytes    uint64
	VolumeLabel       string
}

// NewMetaInfo derives a MetaInfo from a decoded boot sector and the total
// backing-store length.
func NewMetaInfo(bs *BootSector, partitionBytes uint64) (*MetaInfo, error) {
	clusterSize := uint32(bs.BytesPerSector) * uint32(bs.SectorsPerCluster)
	if clusterSize < 1024 {
		return nil, fmt.Errorf("fat: cluster size %d below 1 KiB minimum", clusterSize)
	}

	fatStartByte := uint64(bs.SectorsBeforeFat) * uint64(bs.BytesPerSector)
	sectorsBeforeData := uint32(bs.SectorsBeforeFat) + uint32(bs.FatCount)*bs.SectorsPerFat
	if sectorsBeforeData%uint32(bs.SectorsPerCluster) != 0 {
		return nil, fmt.Errorf("fat: data region not cluster-aligned (%d sectors before data, %d sectors/cluster)",
			sectorsBeforeData, bs.SectorsPerCluster)
	}

	dataStartByte := uint64(sectorsBeforeData) * uint64(bs.BytesPerSector)
	totalSectors := bs.SectorCountTotal()
	dataSectors := totalSectors - sectorsBeforeData
	dataClusterCount := dataSectors / uint32(bs.SectorsPerCluster)

	fatEntryCount := bs.SectorsPerFat * uint32(bs.BytesPerSector) / 4

	return &MetaInfo{
		ClusterSize:       clusterSize,
		FatStartByte:       fatStartByte,
		FatEntryCount:      fatEntryCount,
		DataStartByte:       dataStartByte,
		DataClusterCount:   dataClusterCount,
		SectorsBeforeData:  sectorsBeforeData,
		SectorsPerCluster:  uint32(bs.SectorsPerCluster),
		RootCluster:        bs.RootClusterNo,
		PartitionBytes:     partitionBytes,
		VolumeLabel:        bs.VolumeLabelString(),
	}, nil
}

// ClusterOffset returns the byte offset of the start of cluster c.
func (m *MetaInfo) ClusterOffset(c uint32) uint64 {
	return m.DataStartByte + uint64(c-FatStartIndex)*uint64(m.ClusterSize)
}

// FatEntry reads the raw 32-bit FAT entry for cluster c out of the backing
// store.
func (m *MetaInfo) FatEntry(data []byte, c uint32) uint32 {
	off := m.FatStartByte + uint64(c)*4
	return binary.LittleEndian.Uint32(data[off:])
}

// SetFatEntry writes a raw 32-bit FAT entry for cluster c.
func (m *MetaInfo) SetFatEntry(data []byte, c uint32, v uint32) {
	off := m.FatStartByte + uint64(c)*4
	binary.LittleEndian.PutUint32(data[off:], v)
}

// FatToExt4 maps a FAT cluster number to an ext4 block number of the same
// size, per §3: fat_to_ext4(c) = (c-2) + sectors_before_data/sectors_per_cluster.
func (m *MetaInfo) FatToExt4(c uint32) uint32 {
	return (c - FatStartIndex) + m.SectorsBeforeData/m.SectorsPerCluster
}

// Ext4ToFat is the inverse of FatToExt4, clamped to 0 when negative.
func (m *MetaInfo) Ext4ToFat(b uint32) uint32 {
	off := m.SectorsBeforeData / m.SectorsPerCluster
	if b+FatStartIndex < off {
		return 0
	}
	return b + FatStartIndex - off
}

// FatExtent is a contiguous run of physically-consecutive FAT clusters
// assigned to one logical position within a file.
type FatExtent struct {
	LogicalStart  uint32
	Length        uint32
	PhysicalStart uint32
}
