package bitlocker

import (
	"encoding/binary"
	"testing"
	"time"

	log "github.com/dsoprea/go-logging"
)

// buildRawDataset assembles a synthetic bitlocker_dataset_t: the 0x30-byte
// fixed header (size/unknown/headerSize/copySize, guid, nextCounter, algo,
// reserved, timestamp) followed by a flat datum stream.
func buildRawDataset(t *testing.T, headerSize, copySize uint32, algo AlgorithmID, ticks uint64, datumBytes []byte) []byte {
	t.Helper()

	size := datasetHeaderSize + len(datumBytes)
	raw := make([]byte, size)

	binary.LittleEndian.PutUint32(raw[0:4], uint32(size))
	binary.LittleEndian.PutUint32(raw[4:8], 0) // unknown1
	binary.LittleEndian.PutUint32(raw[8:12], headerSize)
	binary.LittleEndian.PutUint32(raw[12:16], copySize)

	copy(raw[0x10:0x20], VolumeGuidStandard.Bytes())

	binary.LittleEndian.PutUint32(raw[0x20:0x24], 7) // nextCounter
	binary.LittleEndian.PutUint16(raw[0x24:0x26], uint16(algo))
	binary.LittleEndian.PutUint64(raw[0x28:0x30], ticks)

	copy(raw[datasetHeaderSize:], datumBytes)

	return raw
}

func TestParseDataset_Basic(t *testing.T) {
	datum := buildRawDatum(EntryVmk, ValueKey, []byte{1, 2, 3, 4})
	raw := buildRawDataset(t, 0x30, 0x48, AlgoAesXts256, 0, datum)

	ds, err := parseDataset(raw)
	if err != nil {
		t.Fatalf("parseDataset: %v", err)
	}

	if ds.HeaderSize != 0x30 {
		t.Fatalf("HeaderSize mismatch: got %#x", ds.HeaderSize)
	}
	if ds.CopySize != 0x48 {
		t.Fatalf("CopySize mismatch: got %#x", ds.CopySize)
	}
	if ds.Algorithm != AlgoAesXts256 {
		t.Fatalf("Algorithm mismatch: got %v", ds.Algorithm)
	}
	if ds.NextCounter != 7 {
		t.Fatalf("NextCounter mismatch: got %d", ds.NextCounter)
	}
	if !ds.Guid.Equal(VolumeGuidStandard) {
		t.Fatalf("Guid mismatch: got %s", ds.Guid.String())
	}
	if len(ds.Datums) != 1 {
		t.Fatalf("expected 1 datum, got %d", len(ds.Datums))
	}
	if ds.Datums[0].ValueType != ValueKey {
		t.Fatalf("unexpected datum value type: %v", ds.Datums[0].ValueType)
	}
}

func TestParseDataset_RejectsCopySizeSmallerThanHeaderSize(t *testing.T) {
	raw := buildRawDataset(t, 0x30, 0x20, AlgoAesXts256, 0, nil)

	if _, err := parseDataset(raw); !log.Is(err, ErrDatasetInvalid) {
		t.Fatalf("expected ErrDatasetInvalid, got %v", err)
	}
}

func TestParseDataset_RejectsCopySizeTooCloseToHeaderSize(t *testing.T) {
	// CopySize - HeaderSize must be >= 8.
	raw := buildRawDataset(t, 0x30, 0x30+4, AlgoAesXts256, 0, nil)

	if _, err := parseDataset(raw); !log.Is(err, ErrDatasetInvalid) {
		t.Fatalf("expected ErrDatasetInvalid, got %v", err)
	}
}

func TestParseDataset_RejectsSizeBeyondCopySize(t *testing.T) {
	raw := buildRawDataset(t, 0x30, 0x38, AlgoAesXts256, 0, make([]byte, 16))
	// Force Size above CopySize without changing the buffer's real length.
	binary.LittleEndian.PutUint32(raw[0:4], 0x38+1)

	if _, err := parseDataset(raw); !log.Is(err, ErrDatasetInvalid) {
		t.Fatalf("expected ErrDatasetInvalid, got %v", err)
	}
}

func TestParseDataset_TooShortBuffer(t *testing.T) {
	if _, err := parseDataset(make([]byte, 10)); err == nil {
		t.Fatalf("expected an error for a buffer shorter than the fixed header")
	}
}

func TestNtfsTimeToGo_Epoch(t *testing.T) {
	// Tick value 0 represents 1601-01-01, 11644473600 seconds before the
	// Unix epoch.
	got := ntfsTimeToGo(0)
	want := time.Unix(-11644473600, 0).UTC()

	if !got.Equal(want) {
		t.Fatalf("ntfsTimeToGo(0) = %v, want %v", got, want)
	}
}

func TestNtfsTimeToGo_OneSecondAfterEpochTick(t *testing.T) {
	got := ntfsTimeToGo(10000000) // one second, in 100ns ticks
	want := time.Unix(-11644473600+1, 0).UTC()

	if !got.Equal(want) {
		t.Fatalf("ntfsTimeToGo(10000000) = %v, want %v", got, want)
	}
}
