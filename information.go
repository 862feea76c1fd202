package bitlocker

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dustin/go-humanize"
	"github.com/go-restruct/restruct"

	log "github.com/dsoprea/go-logging"
)

const informationHeaderSize = 0x40 // bitlocker_information_t minus the trailing dataset

// State is the volume's conversion state (original_source's enum
// state_types).
type State uint16

const (
	StateNull                    State = 0
	StateDecrypted               State = 1
	StateSwitchingEncryption     State = 2
	StateEOWActivated            State = 3
	StateEncrypted               State = 4
	StateSwitchEncryptionPaused  State = 5
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateDecrypted:
		return "decrypted"
	case StateSwitchingEncryption:
		return "switching-encryption"
	case StateEOWActivated:
		return "eow-activated"
	case StateEncrypted:
		return "encrypted"
	case StateSwitchEncryptionPaused:
		return "switch-encryption-paused"
	default:
		return "unknown"
	}
}

// Version distinguishes the Vista (1) metadata layout from the Windows
// 7/8/10 (2) layout; the two differ in offset units and the fix-up rules
// the translator applies.
type Version uint16

const (
	VersionVista Version = 1
	VersionSeven Version = 2
)

// informationFixed is the fixed-layout portion of bitlocker_information_t
// preceding the embedded dataset header.
type informationFixed struct {
	Signature            [8]byte
	Size                 uint16
	Version              Version
	CurrState            State
	NextState            State
	EncryptedVolumeSize  uint64
	ConvertSize          uint32
	NbBackupSectors      uint32
	InformationOff       [3]uint64
	BootSectorsBackup    uint64 // union w/ MftMirrorBackup for Vista
}

// InformationHeader is one parsed BitLocker metadata replica: its own
// header plus the embedded dataset (and, transitively, every datum).
type InformationHeader struct {
	Version             Version
	CurrState           State
	NextState           State
	EncryptedVolumeSize uint64
	ConvertSize         uint32
	NbBackupSectors     uint32
	InformationOff      [3]uint64
	BootSectorsBackup   uint64

	Dataset *Dataset

	// size in bytes of the whole metadata block (header + dataset + datums),
	// as stored on disk -- the Windows-7+ on-disk value is this divided by
	// 16 (metadata.c multiplies it back by << 4).
	totalSize uint32
}

// parseInformation parses one metadata replica: the bitlocker_header_t-
// shaped fixed header, then (using its own declared size) the dataset and
// every datum in it. raw must contain at least the full metadata block.
func parseInformation(raw []byte) (ih *InformationHeader, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(raw) < informationHeaderSize {
		log.Panicf("information header needs %d bytes, got %d", informationHeaderSize, len(raw))
	}

	var fixed informationFixed
	err = restruct.Unpack(raw[:informationHeaderSize], binary.LittleEndian, &fixed)
	log.PanicIf(err)

	totalSize := metadataTotalSize(fixed.Version, fixed.Size)

	if int(totalSize) > len(raw) {
		log.Panicf("information header declares total size %d beyond buffer length %d", totalSize, len(raw))
	}

	ds, err := parseDataset(raw[informationHeaderSize:totalSize])
	log.PanicIf(err)

	ih = &InformationHeader{
		Version:             fixed.Version,
		CurrState:           fixed.CurrState,
		NextState:           fixed.NextState,
		EncryptedVolumeSize: fixed.EncryptedVolumeSize,
		ConvertSize:         fixed.ConvertSize,
		NbBackupSectors:     fixed.NbBackupSectors,
		InformationOff:      fixed.InformationOff,
		BootSectorsBackup:   fixed.BootSectorsBackup,
		Dataset:             ds,
		totalSize:           totalSize,
	}

	return ih, nil
}

// Dump prints the metadata replica's header fields and its dataset's GUID
// and algorithm, mirroring the teacher's BootSectorHeader.Dump layout.
func (ih *InformationHeader) Dump() {
	fmt.Printf("BitLocker Metadata\n")
	fmt.Printf("==================\n")
	fmt.Printf("\n")

	fmt.Printf("Version: (%d)\n", ih.Version)
	fmt.Printf("CurrState: (%s)\n", ih.CurrState)
	fmt.Printf("NextState: (%s)\n", ih.NextState)
	fmt.Printf("EncryptedVolumeSize: (%s)\n", humanize.Comma(int64(ih.EncryptedVolumeSize)))
	fmt.Printf("ConvertSize: (%s)\n", humanize.Comma(int64(ih.ConvertSize)))
	fmt.Printf("NbBackupSectors: (%d)\n", ih.NbBackupSectors)
	fmt.Printf("BootSectorsBackup: (0x%x)\n", ih.BootSectorsBackup)
	fmt.Printf("\n")

	fmt.Printf("Dataset-Guid: (%s)\n", ih.Dataset.Guid.String())
	fmt.Printf("Dataset-Algorithm: (%s)\n", ih.Dataset.Algorithm.String())
	fmt.Printf("Dataset-Timestamp: (%s)\n", ih.Dataset.Timestamp)
	fmt.Printf("Dataset-Datum-Count: (%d)\n", len(ih.Dataset.Datums))
	fmt.Printf("\n")

	for i, d := range ih.Dataset.Datums {
		fmt.Printf("  [%02d] entry-type=(%s) value-type=(%s) size=(%d)\n", i, entryTypeLabel(d.EntryType), d.ValueType, d.DatumSize)
	}
}

// entryTypeLabel renders an EntryType as a short label; unlike ValueType,
// entry types don't carry independent semantic meaning worth a full
// String() method, so this stays local to the dump path.
func entryTypeLabel(et EntryType) string {
	return fmt.Sprintf("%d", et)
}

// metadataTotalSize converts the on-disk "size" field to a byte count: the
// Windows 7/8/10 ("Seven") format stores it divided by 16.
func metadataTotalSize(version Version, size uint16) uint32 {
	if version == VersionSeven {
		return uint32(size) << 4
	}
	return uint32(size)
}

// validationsSize is the size of bitlocker_validations_t, the small CRC
// footer following each metadata replica.
const validationsSize = 8

type validations struct {
	Size    uint16
	Version Version
	Crc32   uint32
}

// selectReplica reads and CRC-validates each of the volume's (up to) three
// metadata replicas in turn, returning the first that passes -- or, if
// forceReplica is nonzero (1-based), that replica unconditionally.
//
// Grounded byte-for-byte on
// original_source/src/metadata/metadata.c:get_metadata_check_validations.
func selectReplica(d *device, vh *VolumeHeader, forceReplica int) (ih *InformationHeader, raw []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	offsets, err := resolveInformationOffsets(d, vh)
	log.PanicIf(err)

	if forceReplica != 0 {
		raw, err := readMetadataBlock(d, offsets[forceReplica-1])
		log.PanicIf(err)

		ih, err := parseInformation(raw)
		log.PanicIf(err)

		return ih, raw, nil
	}

	for i := 0; i < 3; i++ {
		raw, readErr := readMetadataBlock(d, offsets[i])
		if readErr != nil {
			continue
		}

		// dislocker's metadata CRC is the raw/ssh-style CRC-32 (same
		// polynomial as crc32.IEEE, but init 0 and no final XOR) -- unlike
		// crc32.ChecksumIEEE, which complements both ends and never matches
		// a real volume's stored checksum.
		computed := crc32.Update(0, crc32.IEEETable, raw)

		v, readErr := readValidations(d, offsets[i]+int64(len(raw)))
		if readErr != nil {
			continue
		}

		if computed == v.Crc32 {
			ih, err := parseInformation(raw)
			log.PanicIf(err)
			return ih, raw, nil
		}
	}

	log.Panic(ErrMetadataCRC)
	return nil, nil, nil
}

// resolveInformationOffsets returns the three (volume-relative) byte
// offsets of the metadata replicas, recomputing them for Vista's
// metadata_lcn indirection where needed (compute_real_offsets).
func resolveInformationOffsets(d *device, vh *VolumeHeader) (offsets [3]int64, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if !vh.IsVista() {
		for i := 0; i < 3; i++ {
			offsets[i] = int64(vh.InformationOff[i])
		}
		return offsets, nil
	}

	newOffset := int64(vh.MetadataLcn * uint64(vh.SectorsPerCluster) * uint64(vh.SectorSize))
	offsets[0] = newOffset

	raw, err := readMetadataHeaderOnly(d, newOffset)
	log.PanicIf(err)

	offsets[1] = int64(raw[1])
	offsets[2] = int64(raw[2])

	return offsets, nil
}

// readMetadataHeaderOnly reads just enough of a replica at off to recover
// its embedded InformationOff[3] (used only for the Vista indirection,
// which stores the other two replicas' offsets in the first replica).
func readMetadataHeaderOnly(d *device, off int64) (informationOff [3]uint64, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	buf := make([]byte, informationHeaderSize)
	err = d.readAt(off, buf)
	log.PanicIf(err)

	var fixed informationFixed
	err = restruct.Unpack(buf, binary.LittleEndian, &fixed)
	log.PanicIf(err)

	return fixed.InformationOff, nil
}

// readMetadataBlock reads one full metadata replica (header + dataset +
// datums) at volume-relative offset off.
func readMetadataBlock(d *device, off int64) (raw []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	head := make([]byte, informationHeaderSize)
	err = d.readAt(off, head)
	log.PanicIf(err)

	var fixed informationFixed
	err = restruct.Unpack(head, binary.LittleEndian, &fixed)
	log.PanicIf(err)

	total := metadataTotalSize(fixed.Version, fixed.Size)
	if total <= informationHeaderSize {
		log.Panicf("metadata replica at %#x declares implausible size %d", off, total)
	}

	raw = make([]byte, total)
	err = d.readAt(off, raw)
	log.PanicIf(err)

	return raw, nil
}

func readValidations(d *device, off int64) (v validations, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	buf := make([]byte, validationsSize)
	err = d.readAt(off, buf)
	log.PanicIf(err)

	err = restruct.Unpack(buf, binary.LittleEndian, &v)
	log.PanicIf(err)

	return v, nil
}
