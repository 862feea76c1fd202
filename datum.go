package bitlocker

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	log "github.com/dsoprea/go-logging"
)

// ValueType is the "value_type" field of a datum's safe header -- what kind
// of payload the datum carries (original_source's enum value_types).
type ValueType uint16

const (
	ValueErased             ValueType = 0
	ValueKey                ValueType = 1
	ValueUnicode            ValueType = 2
	ValueStretchKey         ValueType = 3
	ValueUseKey             ValueType = 4
	ValueAesCcm             ValueType = 5
	ValueTpmEncoded         ValueType = 6
	ValueValidation         ValueType = 7
	ValueVmk                ValueType = 8
	ValueExternalKey        ValueType = 9
	ValueUpdate             ValueType = 10
	ValueError              ValueType = 11
	ValueAsymEnc            ValueType = 12
	ValueExportedKey        ValueType = 13
	ValuePublicKey          ValueType = 14
	ValueVirtualizationInfo ValueType = 15
	ValueSimple1            ValueType = 16
	ValueSimple2            ValueType = 17
	ValueConcatHashKey      ValueType = 18
	ValueSimple3            ValueType = 19
)

func (vt ValueType) String() string {
	switch vt {
	case ValueErased:
		return "ERASED"
	case ValueKey:
		return "KEY"
	case ValueUnicode:
		return "UNICODE"
	case ValueStretchKey:
		return "STRETCH_KEY"
	case ValueUseKey:
		return "USE_KEY"
	case ValueAesCcm:
		return "AES_CCM"
	case ValueTpmEncoded:
		return "TPM_ENCODED"
	case ValueValidation:
		return "VALIDATION"
	case ValueVmk:
		return "VMK"
	case ValueExternalKey:
		return "EXTERNAL_KEY"
	case ValueUpdate:
		return "UPDATE"
	case ValueError:
		return "ERROR"
	case ValueAsymEnc:
		return "ASYM_ENC"
	case ValueExportedKey:
		return "EXPORTED_KEY"
	case ValuePublicKey:
		return "PUBLIC_KEY"
	case ValueVirtualizationInfo:
		return "VIRTUALIZATION_INFO"
	case ValueSimple1, ValueSimple2, ValueSimple3:
		return "SIMPLE"
	case ValueConcatHashKey:
		return "CONCAT_HASH_KEY"
	default:
		return "UNKNOWN"
	}
}

// EntryType is the "entry_type" field of a datum's safe header (second field,
// original_source's enum entry_types).
type EntryType uint16

const (
	EntryUnknown1           EntryType = 0
	EntryUnknown2           EntryType = 1
	EntryVmk                EntryType = 2
	EntryFvek               EntryType = 3
	EntryUnknown3           EntryType = 4
	EntryUnknown4           EntryType = 5
	EntryStartupKey         EntryType = 6
	EntryEnctimeInformation EntryType = 7
	EntryUnknown7           EntryType = 8
	EntryUnknown8           EntryType = 9
	EntryUnknown9           EntryType = 10
	EntryUnknown10          EntryType = 11
	EntryFvek2              EntryType = 12
)

// valueTypeProp mirrors datum_value_types_prop[]: fixed per-type header
// size (including the 8-byte safe header) and whether the payload beyond
// that header is itself a sequence of nested datums.
type valueTypeProp struct {
	headerSize int
	hasNested  bool
}

var valueTypeProps = map[ValueType]valueTypeProp{
	ValueErased:             {8, false},
	ValueKey:                {0xc, false},
	ValueUnicode:            {8, false},
	ValueStretchKey:         {0x1c, true},
	ValueUseKey:             {0xc, true},
	ValueAesCcm:             {0x24, false},
	ValueTpmEncoded:         {0xc, false},
	ValueValidation:         {8, false},
	ValueVmk:                {0x24, true},
	ValueExternalKey:        {0x20, true},
	ValueUpdate:             {0x2c, true},
	ValueError:              {0x34, false},
	ValueAsymEnc:            {8, false},
	ValueExportedKey:        {8, false},
	ValuePublicKey:          {8, false},
	ValueVirtualizationInfo: {0x18, false},
	ValueSimple1:            {0xc, false},
	ValueSimple2:            {0xc, false},
	ValueConcatHashKey:      {0x1c, false},
	ValueSimple3:            {0xc, false},
}

// DatumHeader is the 8-byte "safe header" beginning every datum
// (original_source's datum_header_safe_t).
type DatumHeader struct {
	DatumSize   uint16
	EntryType   EntryType
	ValueType   ValueType
	ErrorStatus uint16
}

// Datum is one parsed tagged record from a dataset's datum stream. Raw
// holds the full, untouched bytes (header included); typed accessors slice
// into Raw rather than copying.
type Datum struct {
	DatumHeader
	Raw []byte
}

// fixedHeaderSize returns the size of this datum's type-specific fixed
// header (the safe header plus any fixed fields before nested data/payload
// begins). Unknown value types fall back to the 8-byte safe header alone,
// matching the original's datum_generic_type_t behavior.
func (d *Datum) fixedHeaderSize() int {
	if prop, ok := valueTypeProps[d.ValueType]; ok {
		return prop.headerSize
	}
	return 8
}

func (d *Datum) hasNestedDatum() bool {
	prop, ok := valueTypeProps[d.ValueType]
	return ok && prop.hasNested
}

// Payload returns the bytes following this datum's fixed header: either a
// nested-datum stream (if hasNestedDatum) or a raw value (ciphertext,
// string, key material).
func (d *Datum) Payload() []byte {
	n := d.fixedHeaderSize()
	if n > len(d.Raw) {
		return nil
	}
	return d.Raw[n:]
}

// NestedDatums parses this datum's payload as a nested datum stream. Returns
// nil if this value type never carries nested datums.
func (d *Datum) NestedDatums() (nested []*Datum, err error) {
	if !d.hasNestedDatum() {
		return nil, nil
	}
	return parseDatumStream(d.Payload())
}

// parseDatumHeader parses the 8-byte safe header at the start of raw.
func parseDatumHeader(raw []byte) (h DatumHeader, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(raw) < 8 {
		log.Panicf("datum header needs 8 bytes, got %d", len(raw))
	}

	err = restruct.Unpack(raw[:8], binary.LittleEndian, &h)
	log.PanicIf(err)

	return h, nil
}

// parseDatumStream walks a sequence of size-prefixed datums until raw is
// exhausted, the way get_next_datum walks a dataset or a nested payload.
func parseDatumStream(raw []byte) (datums []*Datum, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	offset := 0
	for offset+8 <= len(raw) {
		h, err := parseDatumHeader(raw[offset:])
		log.PanicIf(err)

		if h.DatumSize < 8 {
			// Remainder is padding/zero-fill, not a real datum.
			break
		}

		end := offset + int(h.DatumSize)
		if end > len(raw) {
			log.Panicf("datum at offset %d claims size %d beyond stream length %d", offset, h.DatumSize, len(raw))
		}

		datums = append(datums, &Datum{DatumHeader: h, Raw: raw[offset:end]})
		offset = end
	}

	return datums, nil
}

// FindByValueType returns the first top-level datum of the given value
// type, searching datums in order (mirrors get_next_datum's linear scan).
func FindByValueType(datums []*Datum, vt ValueType) (*Datum, error) {
	for _, d := range datums {
		if d.ValueType == vt {
			return d, nil
		}
	}
	return nil, ErrDatumNotFound
}

// FindAllByValueType returns every top-level datum of the given value type.
func FindAllByValueType(datums []*Datum, vt ValueType) []*Datum {
	var out []*Datum
	for _, d := range datums {
		if d.ValueType == vt {
			out = append(out, d)
		}
	}
	return out
}

// FindByEntryAndValueType returns the first datum matching both fields
// (mirrors get_next_datum(dataset, entry_type, value_type, ...)).
func FindByEntryAndValueType(datums []*Datum, et EntryType, vt ValueType) (*Datum, error) {
	for _, d := range datums {
		if d.EntryType == et && d.ValueType == vt {
			return d, nil
		}
	}
	return nil, ErrDatumNotFound
}

// FindNestedByValueType searches d's nested datums (if any) for the first
// one of the given value type (mirrors get_nested_datumtype).
func FindNestedByValueType(d *Datum, vt ValueType) (*Datum, error) {
	nested, err := d.NestedDatums()
	if err != nil {
		return nil, err
	}
	return FindByValueType(nested, vt)
}

// --- typed field accessors, sliced directly out of Raw ---

// KeyDatum fields (value type 1): the payload is the raw key material.
type keyDatumFields struct {
	Algo AlgorithmID
}

func (d *Datum) keyAlgo() AlgorithmID {
	return AlgorithmID(binary.LittleEndian.Uint16(d.Raw[8:10]))
}

// StretchKeySalt returns the 16-byte stretch salt (value type 3).
func (d *Datum) StretchKeySalt() []byte {
	return d.Raw[12:28]
}

// AesCcmNonce returns the 12-byte CCM nonce (value type 5).
func (d *Datum) AesCcmNonce() []byte {
	return d.Raw[8:20]
}

// AesCcmMac returns the 16-byte CCM authentication tag (value type 5).
func (d *Datum) AesCcmMac() []byte {
	return d.Raw[20:36]
}

// AesCcmCiphertext returns the encrypted payload following the CCM fixed
// header (value type 5).
func (d *Datum) AesCcmCiphertext() []byte {
	return d.Raw[36:]
}

// VmkGuid returns this VMK protector's GUID (value type 8).
func (d *Datum) VmkGuid() (Guid, error) {
	return ParseGuid(d.Raw[8:24])
}

// VmkNonce returns the 12-byte nonce used by this VMK's AES-CCM protector
// (value type 8). The last two bytes double as the priority range used by
// the recovery-password/clear-key selection logic.
func (d *Datum) VmkNonce() []byte {
	return d.Raw[24:36]
}

// VmkPriority returns the 2-byte priority range embedded in the nonce tail.
func (d *Datum) VmkPriority() uint16 {
	return binary.LittleEndian.Uint16(d.Raw[34:36])
}

// ExternalKeyGuid returns the external (BEK file) protector's GUID (value
// type 9).
func (d *Datum) ExternalKeyGuid() (Guid, error) {
	return ParseGuid(d.Raw[8:24])
}

// VirtualizationBootSectors returns the NTFS boot-sectors backup address
// (value type 15).
func (d *Datum) VirtualizationBootSectors() uint64 {
	return binary.LittleEndian.Uint64(d.Raw[8:16])
}

// VirtualizationNbBytes returns the virtualized byte count starting at
// offset 0 (value type 15).
func (d *Datum) VirtualizationNbBytes() uint64 {
	return binary.LittleEndian.Uint64(d.Raw[16:24])
}
