package bitlocker

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	log "github.com/dsoprea/go-logging"
)

const volumeHeaderSize = 512

// Volume signatures recognized at offset 3.
var (
	signatureFve      = [8]byte{'-', 'F', 'V', 'E', '-', 'F', 'S', '-'}
	signatureNtfs     = [8]byte{'N', 'T', 'F', 'S', ' ', ' ', ' ', ' '}
	signatureBitlockerToGo = [8]byte{'M', 'S', 'W', 'I', 'N', '4', '.', '1'}
)

// volumeHeaderCommon is the fixed-layout prefix shared by every volume
// signature (NTFS, classic BitLocker, BitLocker-To-Go), offsets 0x0-0x24.
type volumeHeaderCommon struct {
	Jump               [3]byte
	Signature          [8]byte
	SectorSize         uint16
	SectorsPerCluster  uint8
	ReservedClusters   uint16
	FatCount           uint8
	RootEntries        uint16
	NbSectors16b       uint16
	MediaDescriptor    uint8
	SectorsPerFat      uint16
	SectorsPerTrack    uint16
	NbOfHeads          uint16
	HiddenSectors      uint32
	NbSectors32b       uint32
}

// VolumeHeader is the first 512-byte sector of an NTFS-or-BitLocker volume
// (original_source/include/dislocker/metadata/metadata.priv.h:volume_header_t).
type VolumeHeader struct {
	volumeHeaderCommon

	// Classic BitLocker fields (zero/unset for BitLocker-To-Go volumes).
	NbSectors64b    uint64
	MftStartCluster uint64
	MetadataLcn     uint64 // union with MftMirror for plain NTFS volumes
	Guid            Guid
	InformationOff  [3]uint64
	EowInfoOff      [2]uint64

	// BitLocker-To-Go fields (zero/unset for classic volumes).
	FsName      [11]byte
	FsSignature [8]byte
	BltgGuid    Guid
	BltgHeader  [3]uint64

	BootPartitionIdentifier uint16
}

// IsFve reports whether this is a classic BitLocker volume (Vista/7/8/10).
func (vh *VolumeHeader) IsFve() bool {
	return vh.Signature == signatureFve
}

// IsBitlockerToGo reports whether this is a BitLocker-To-Go removable-media
// volume. Supported for inspection only; open() rejects it for translation.
func (vh *VolumeHeader) IsBitlockerToGo() bool {
	return vh.Signature == signatureBitlockerToGo
}

// IsVista reports whether metadata offsets must be recomputed via the
// metadata_lcn indirection (Windows Vista only; Windows 7/8/10 store
// absolute offsets directly in InformationOff).
func (vh *VolumeHeader) IsVista() bool {
	return vh.IsFve() && vh.MetadataLcn != 0
}

// parseVolumeHeader parses the 512-byte volume header from raw.
func parseVolumeHeader(raw []byte) (vh *VolumeHeader, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(raw) != volumeHeaderSize {
		log.Panicf("volume header must be exactly %d bytes, got %d", volumeHeaderSize, len(raw))
	}

	var common volumeHeaderCommon
	err = restruct.Unpack(raw[:0x24], binary.LittleEndian, &common)
	log.PanicIf(err)

	vh = &VolumeHeader{volumeHeaderCommon: common}

	switch common.Signature {
	case signatureBitlockerToGo:
		copy(vh.FsName[:], raw[0x47:0x47+11])
		copy(vh.FsSignature[:], raw[0x52:0x52+8])

		g, err := ParseGuid(raw[0x1a8 : 0x1a8+16])
		log.PanicIf(err)
		vh.BltgGuid = g

		for i := 0; i < 3; i++ {
			vh.BltgHeader[i] = binary.LittleEndian.Uint64(raw[0x1b8+i*8 : 0x1b8+i*8+8])
		}

	default:
		// Classic BitLocker (or plain NTFS) layout.
		vh.NbSectors64b = binary.LittleEndian.Uint64(raw[0x28:0x30])
		vh.MftStartCluster = binary.LittleEndian.Uint64(raw[0x30:0x38])
		vh.MetadataLcn = binary.LittleEndian.Uint64(raw[0x38:0x40])

		g, err := ParseGuid(raw[0xa0 : 0xa0+16])
		log.PanicIf(err)
		vh.Guid = g

		for i := 0; i < 3; i++ {
			vh.InformationOff[i] = binary.LittleEndian.Uint64(raw[0xb0+i*8 : 0xb0+i*8+8])
		}
		for i := 0; i < 2; i++ {
			vh.EowInfoOff[i] = binary.LittleEndian.Uint64(raw[0xc8+i*8 : 0xc8+i*8+8])
		}
	}

	vh.BootPartitionIdentifier = binary.LittleEndian.Uint16(raw[0x1fe:0x200])

	return vh, nil
}

// readVolumeHeader reads and parses the volume header at the start of d.
func readVolumeHeader(d *device) (vh *VolumeHeader, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	raw := make([]byte, volumeHeaderSize)
	err = d.readAt(0, raw)
	log.PanicIf(err)

	vh, err = parseVolumeHeader(raw)
	log.PanicIf(err)

	if !vh.IsFve() {
		if vh.IsBitlockerToGo() {
			log.Panic(ErrUnsupportedVolume)
		}

		log.Panic(ErrSignature)
	}

	return vh, nil
}
