package bitlocker

import (
	"encoding/binary"
	"time"

	"github.com/go-restruct/restruct"

	log "github.com/dsoprea/go-logging"
)

const datasetHeaderSize = 0x30

// AlgorithmID is the on-disk encryption-algorithm code carried by a
// dataset and by DATUM_KEY/DATUM_VMK/DATUM_FVEK datums.
type AlgorithmID uint16

const (
	AlgoNone             AlgorithmID = 0x0000
	AlgoStretchKeyAlgo   AlgorithmID = 0x1000
	AlgoAesCcm256        AlgorithmID = 0x2000
	AlgoExternalKeyAlgo  AlgorithmID = 0x2001
	AlgoAesCbc128Diffuser AlgorithmID = 0x8000
	AlgoAesCbc256Diffuser AlgorithmID = 0x8001
	AlgoAesCbc128         AlgorithmID = 0x8002
	AlgoAesCbc256         AlgorithmID = 0x8003
	AlgoAesXts128         AlgorithmID = 0x8004
	AlgoAesXts256         AlgorithmID = 0x8005
)

func (a AlgorithmID) String() string {
	switch a {
	case AlgoNone:
		return "NONE"
	case AlgoStretchKeyAlgo:
		return "STRETCH_KEY"
	case AlgoAesCcm256:
		return "AES_CCM_256"
	case AlgoExternalKeyAlgo:
		return "EXTERNAL_KEY"
	case AlgoAesCbc128Diffuser:
		return "AES_CBC_128_DIFFUSER"
	case AlgoAesCbc256Diffuser:
		return "AES_CBC_256_DIFFUSER"
	case AlgoAesCbc128:
		return "AES_CBC_128"
	case AlgoAesCbc256:
		return "AES_CBC_256"
	case AlgoAesXts128:
		return "AES_XTS_128"
	case AlgoAesXts256:
		return "AES_XTS_256"
	default:
		return "UNKNOWN"
	}
}

// datasetHeaderFields is the fixed-layout 0x30-byte dataset header
// (original_source's bitlocker_dataset_t), excluding the GUID (parsed
// separately because of its mixed-endian layout).
type datasetHeaderFields struct {
	Size       uint32
	Unknown1   uint32
	HeaderSize uint32
	CopySize   uint32
}

// Dataset is a parsed BitLocker dataset: the header plus its flat,
// already-decoded top-level datum list.
type Dataset struct {
	Size       uint32
	HeaderSize uint32
	CopySize   uint32
	Guid       Guid
	NextCounter uint32
	Algorithm  AlgorithmID
	Timestamp  time.Time

	Datums []*Datum
}

// parseDataset parses a dataset beginning at raw[0] and walks its datum
// stream to raw[Size). raw must be at least Size bytes long (it is sliced
// out of the larger metadata buffer by the caller).
func parseDataset(raw []byte) (ds *Dataset, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(raw) < datasetHeaderSize {
		log.Panicf("dataset header needs %d bytes, got %d", datasetHeaderSize, len(raw))
	}

	var fields datasetHeaderFields
	err = restruct.Unpack(raw[:16], binary.LittleEndian, &fields)
	log.PanicIf(err)

	// get_dataset's validity checks, ported literally.
	if fields.CopySize < fields.HeaderSize ||
		fields.Size > fields.CopySize ||
		fields.CopySize-fields.HeaderSize < 8 {
		log.Panic(ErrDatasetInvalid)
	}

	guid, err := ParseGuid(raw[0x10:0x20])
	log.PanicIf(err)

	nextCounter := binary.LittleEndian.Uint32(raw[0x20:0x24])
	algo := AlgorithmID(binary.LittleEndian.Uint16(raw[0x24:0x26]))
	timestamp := ntfsTimeToGo(binary.LittleEndian.Uint64(raw[0x28:0x30]))

	if int(fields.Size) > len(raw) {
		log.Panicf("dataset claims size %d beyond buffer length %d", fields.Size, len(raw))
	}

	datums, err := parseDatumStream(raw[datasetHeaderSize:fields.Size])
	log.PanicIf(err)

	ds = &Dataset{
		Size:        fields.Size,
		HeaderSize:  fields.HeaderSize,
		CopySize:    fields.CopySize,
		Guid:        guid,
		NextCounter: nextCounter,
		Algorithm:   algo,
		Timestamp:   timestamp,
		Datums:      datums,
	}

	return ds, nil
}

// ntfsTimeToGo converts an NTFS FILETIME (100ns ticks since 1601-01-01) to
// time.Time, the same conversion original_source/src/ntfs/clock.c performs.
func ntfsTimeToGo(ticks uint64) time.Time {
	const ticksPerSecond = 10000000
	const epochDelta = 11644473600 // seconds between 1601-01-01 and 1970-01-01

	secs := int64(ticks/ticksPerSecond) - epochDelta
	nsecs := int64(ticks%ticksPerSecond) * 100

	return time.Unix(secs, nsecs).UTC()
}
