package bitlocker

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/go-restruct/restruct"

	log "github.com/dsoprea/go-logging"
)

const eowHeaderSize = 0x38

// EOWInfo is the parsed End-of-Write information block present on volumes
// whose GUID is VolumeGuidEOW. EOW is a Windows-8.1+ resume-after-crash
// artifact, out of scope for read/write translation (see DESIGN.md) but
// parsed here for inspection tools.
type EOWInfo struct {
	HeaderSize  uint16
	InfosSize   uint16
	SectorSize1 uint32
	SectorSize2 uint32
	ConvlogSize uint32
	NbRegions   uint32
	Crc32       uint32
	DiskOffsets [2]uint64
}

type eowFixed struct {
	Signature   [8]byte
	HeaderSize  uint16
	InfosSize   uint16
	SectorSize1 uint32
	SectorSize2 uint32
	Unknown14   uint32
	ConvlogSize uint32
	Unknown1c   uint32
	NbRegions   uint32
	Crc32       uint32
	DiskOffsets [2]uint64
}

// parseEOWInfo parses raw as a bitlocker_eow_infos_t block. It does not
// attempt to interpret the per-region payload following the header, whose
// exact layout original_source itself never fully documents.
func parseEOWInfo(raw []byte) (e *EOWInfo, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(raw) < eowHeaderSize {
		log.Panicf("EOW information needs %d bytes, got %d", eowHeaderSize, len(raw))
	}

	var fixed eowFixed
	err = restruct.Unpack(raw[:eowHeaderSize], binary.LittleEndian, &fixed)
	log.PanicIf(err)

	if fixed.InfosSize <= fixed.HeaderSize {
		log.Panicf("EOW information size %d not greater than header size %d", fixed.InfosSize, fixed.HeaderSize)
	}

	payloadSize := int(fixed.InfosSize) - int(fixed.HeaderSize)
	if payloadSize%8 != 0 || uint32(payloadSize/8) != fixed.NbRegions {
		log.Panicf("EOW information region count %d inconsistent with payload size %d", fixed.NbRegions, payloadSize)
	}

	e = &EOWInfo{
		HeaderSize:  fixed.HeaderSize,
		InfosSize:   fixed.InfosSize,
		SectorSize1: fixed.SectorSize1,
		SectorSize2: fixed.SectorSize2,
		ConvlogSize: fixed.ConvlogSize,
		NbRegions:   fixed.NbRegions,
		Crc32:       fixed.Crc32,
		DiskOffsets: fixed.DiskOffsets,
	}

	return e, nil
}

// readEOWInfo reads, CRC-validates, and parses one of the volume's two EOW
// information replicas at volume-relative offset off.
func readEOWInfo(d *device, off int64) (e *EOWInfo, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	head := make([]byte, eowHeaderSize)
	err = d.readAt(off, head)
	log.PanicIf(err)

	var fixed eowFixed
	err = restruct.Unpack(head, binary.LittleEndian, &fixed)
	log.PanicIf(err)

	raw := make([]byte, fixed.InfosSize)
	err = d.readAt(off, raw)
	log.PanicIf(err)

	if crc32.ChecksumIEEE(raw) != fixed.Crc32 {
		log.Panic(ErrMetadataCRC)
	}

	e, err = parseEOWInfo(raw)
	log.PanicIf(err)

	return e, nil
}
