package bitlocker

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildRawDatum assembles one size-prefixed datum: an 8-byte safe header
// (size, entry type, value type, error status) followed by body.
func buildRawDatum(entryType EntryType, valueType ValueType, body []byte) []byte {
	raw := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint16(raw[0:2], uint16(8+len(body)))
	binary.LittleEndian.PutUint16(raw[2:4], uint16(entryType))
	binary.LittleEndian.PutUint16(raw[4:6], uint16(valueType))
	copy(raw[8:], body)
	return raw
}

func TestParseDatumHeader_Basic(t *testing.T) {
	raw := buildRawDatum(EntryVmk, ValueKey, []byte{1, 2, 3, 4})

	h, err := parseDatumHeader(raw)
	if err != nil {
		t.Fatalf("parseDatumHeader: %v", err)
	}

	if h.DatumSize != uint16(len(raw)) {
		t.Fatalf("DatumSize mismatch: got %d, want %d", h.DatumSize, len(raw))
	}
	if h.EntryType != EntryVmk {
		t.Fatalf("EntryType mismatch: got %v", h.EntryType)
	}
	if h.ValueType != ValueKey {
		t.Fatalf("ValueType mismatch: got %v", h.ValueType)
	}
}

func TestParseDatumHeader_TooShort(t *testing.T) {
	if _, err := parseDatumHeader(make([]byte, 4)); err == nil {
		t.Fatalf("expected an error for a 4-byte buffer")
	}
}

func TestParseDatumStream_MultipleDatums(t *testing.T) {
	first := buildRawDatum(EntryVmk, ValueKey, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	second := buildRawDatum(EntryFvek, ValueValidation, nil)

	stream := append(append([]byte{}, first...), second...)

	datums, err := parseDatumStream(stream)
	if err != nil {
		t.Fatalf("parseDatumStream: %v", err)
	}
	if len(datums) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(datums))
	}
	if datums[0].EntryType != EntryVmk || datums[0].ValueType != ValueKey {
		t.Fatalf("first datum header mismatch: %+v", datums[0].DatumHeader)
	}
	if datums[1].EntryType != EntryFvek || datums[1].ValueType != ValueValidation {
		t.Fatalf("second datum header mismatch: %+v", datums[1].DatumHeader)
	}
	if !bytes.Equal(datums[0].Raw, first) {
		t.Fatalf("first datum Raw slice mismatch")
	}
}

func TestParseDatumStream_StopsOnZeroPadding(t *testing.T) {
	real := buildRawDatum(EntryVmk, ValueKey, []byte{1, 2, 3, 4})
	padded := append(append([]byte{}, real...), make([]byte, 16)...)

	datums, err := parseDatumStream(padded)
	if err != nil {
		t.Fatalf("parseDatumStream: %v", err)
	}
	if len(datums) != 1 {
		t.Fatalf("expected padding to be ignored, got %d datums", len(datums))
	}
}

func TestParseDatumStream_RejectsOversizedClaim(t *testing.T) {
	raw := buildRawDatum(EntryVmk, ValueKey, []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint16(raw[0:2], 0xff)

	if _, err := parseDatumStream(raw); err == nil {
		t.Fatalf("expected an error when DatumSize claims more than the buffer holds")
	}
}

func TestFindByValueType(t *testing.T) {
	a := &Datum{DatumHeader: DatumHeader{ValueType: ValueKey}}
	b := &Datum{DatumHeader: DatumHeader{ValueType: ValueVmk}}
	datums := []*Datum{a, b}

	got, err := FindByValueType(datums, ValueVmk)
	if err != nil {
		t.Fatalf("FindByValueType: %v", err)
	}
	if got != b {
		t.Fatalf("expected to find datum b")
	}

	if _, err := FindByValueType(datums, ValueError); err != ErrDatumNotFound {
		t.Fatalf("expected ErrDatumNotFound, got %v", err)
	}
}

func TestFindAllByValueType(t *testing.T) {
	a := &Datum{DatumHeader: DatumHeader{ValueType: ValueVmk}}
	b := &Datum{DatumHeader: DatumHeader{ValueType: ValueKey}}
	c := &Datum{DatumHeader: DatumHeader{ValueType: ValueVmk}}
	datums := []*Datum{a, b, c}

	got := FindAllByValueType(datums, ValueVmk)
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestFindByEntryAndValueType(t *testing.T) {
	a := &Datum{DatumHeader: DatumHeader{EntryType: EntryVmk, ValueType: ValueKey}}
	b := &Datum{DatumHeader: DatumHeader{EntryType: EntryFvek, ValueType: ValueKey}}
	datums := []*Datum{a, b}

	got, err := FindByEntryAndValueType(datums, EntryFvek, ValueKey)
	if err != nil {
		t.Fatalf("FindByEntryAndValueType: %v", err)
	}
	if got != b {
		t.Fatalf("expected to find datum b")
	}
}

func TestDatum_NestedDatums(t *testing.T) {
	inner := buildRawDatum(EntryVmk, ValueKey, []byte{9, 9, 9, 9})

	// ValueStretchKey carries a 0x1c-byte fixed header, then nested datums.
	body := make([]byte, 0x1c-8)
	raw := buildRawDatum(EntryVmk, ValueStretchKey, append(body, inner...))

	d := &Datum{DatumHeader: DatumHeader{DatumSize: uint16(len(raw)), EntryType: EntryVmk, ValueType: ValueStretchKey}, Raw: raw}

	nested, err := d.NestedDatums()
	if err != nil {
		t.Fatalf("NestedDatums: %v", err)
	}
	if len(nested) != 1 {
		t.Fatalf("expected 1 nested datum, got %d", len(nested))
	}
	if nested[0].ValueType != ValueKey {
		t.Fatalf("unexpected nested value type: %v", nested[0].ValueType)
	}
}

func TestDatum_NestedDatums_NilForNonNestingType(t *testing.T) {
	d := &Datum{DatumHeader: DatumHeader{ValueType: ValueUnicode}, Raw: buildRawDatum(EntryVmk, ValueUnicode, []byte{1, 2})}

	nested, err := d.NestedDatums()
	if err != nil {
		t.Fatalf("NestedDatums: %v", err)
	}
	if nested != nil {
		t.Fatalf("expected nil for a non-nesting value type, got %+v", nested)
	}
}

func TestDatum_AesCcmAccessors(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x11}, 12)
	mac := bytes.Repeat([]byte{0x22}, 16)
	ciphertext := []byte{0xde, 0xad, 0xbe, 0xef}

	body := append(append(append([]byte{}, nonce...), mac...), ciphertext...)
	raw := buildRawDatum(EntryFvek, ValueAesCcm, body)

	d := &Datum{DatumHeader: DatumHeader{DatumSize: uint16(len(raw)), EntryType: EntryFvek, ValueType: ValueAesCcm}, Raw: raw}

	if !bytes.Equal(d.AesCcmNonce(), nonce) {
		t.Fatalf("AesCcmNonce mismatch")
	}
	if !bytes.Equal(d.AesCcmMac(), mac) {
		t.Fatalf("AesCcmMac mismatch")
	}
	if !bytes.Equal(d.AesCcmCiphertext(), ciphertext) {
		t.Fatalf("AesCcmCiphertext mismatch")
	}
}

func TestDatum_VmkGuidAndPriority(t *testing.T) {
	guidBytes := VolumeGuidStandard.Bytes()
	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint16(nonce[10:12], 0x0800)

	body := append(append([]byte{}, guidBytes...), nonce...)
	raw := buildRawDatum(EntryVmk, ValueVmk, body)

	d := &Datum{DatumHeader: DatumHeader{DatumSize: uint16(len(raw)), EntryType: EntryVmk, ValueType: ValueVmk}, Raw: raw}

	guid, err := d.VmkGuid()
	if err != nil {
		t.Fatalf("VmkGuid: %v", err)
	}
	if !guid.Equal(VolumeGuidStandard) {
		t.Fatalf("VmkGuid mismatch: %s", guid.String())
	}

	if d.VmkPriority() != 0x0800 {
		t.Fatalf("VmkPriority mismatch: got %#x", d.VmkPriority())
	}
}

func TestDatum_VirtualizationAccessors(t *testing.T) {
	body := make([]byte, 0x18-8)
	binary.LittleEndian.PutUint64(body[0:8], 0x1000)
	binary.LittleEndian.PutUint64(body[8:16], 0x2000)

	raw := buildRawDatum(EntryUnknown1, ValueVirtualizationInfo, body)
	d := &Datum{DatumHeader: DatumHeader{DatumSize: uint16(len(raw)), ValueType: ValueVirtualizationInfo}, Raw: raw}

	if d.VirtualizationBootSectors() != 0x1000 {
		t.Fatalf("VirtualizationBootSectors mismatch: got %#x", d.VirtualizationBootSectors())
	}
	if d.VirtualizationNbBytes() != 0x2000 {
		t.Fatalf("VirtualizationNbBytes mismatch: got %#x", d.VirtualizationNbBytes())
	}
}
