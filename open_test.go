package bitlocker

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

// buildSyntheticVolumeImage assembles a minimal on-disk image exercising the
// full Open() pipeline for an AES-CBC-128 (0x8002) volume: a 512-byte volume
// header, one metadata replica (information header + dataset + a single
// placeholder datum) and its CRC validation footer. The FVEK is supplied via
// a companion FVEK file, so the dataset itself needs no VMK/FVEK protectors.
func buildSyntheticVolumeImage(t *testing.T, algo AlgorithmID) (imagePath string, volumeSize int64) {
	t.Helper()

	const sectorSize = 512
	const metadataOffset = sectorSize
	const datasetHeaderSz = 0x30
	const datumSize = 16 // one 8-byte safe header + 8-byte placeholder body
	const datasetSize = datasetHeaderSz + datumSize
	const totalMetadataSize = informationHeaderSize + datasetSize // 128, a multiple of 16
	const encryptedVolumeSize = sectorSize * 4

	volumeSize = encryptedVolumeSize

	vh := make([]byte, volumeHeaderSize)
	copy(vh[3:11], signatureFve[:])
	binary.LittleEndian.PutUint16(vh[11:13], sectorSize)
	vh[13] = 8 // SectorsPerCluster

	volumeGuid := VolumeGuidStandard
	copy(vh[0xa0:0xb0], volumeGuid.Bytes())
	binary.LittleEndian.PutUint64(vh[0xb0:0xb8], uint64(metadataOffset))
	// InformationOff[1], InformationOff[2] stay zero: selectReplica finds
	// replica 0 first and never consults them.

	info := make([]byte, informationHeaderSize)
	binary.LittleEndian.PutUint16(info[8:10], uint16(totalMetadataSize>>4))
	binary.LittleEndian.PutUint16(info[10:12], uint16(VersionSeven))
	binary.LittleEndian.PutUint16(info[12:14], uint16(StateEncrypted))
	binary.LittleEndian.PutUint16(info[14:16], uint16(StateEncrypted))
	binary.LittleEndian.PutUint64(info[16:24], uint64(encryptedVolumeSize))

	dataset := make([]byte, datasetSize)
	binary.LittleEndian.PutUint32(dataset[0:4], uint32(datasetSize))
	binary.LittleEndian.PutUint32(dataset[8:12], datasetHeaderSz)
	binary.LittleEndian.PutUint32(dataset[12:16], datasetSize)
	datasetGuid := VolumeGuidStandard
	copy(dataset[0x10:0x20], datasetGuid.Bytes())
	binary.LittleEndian.PutUint32(dataset[0x20:0x24], 1) // NextCounter
	binary.LittleEndian.PutUint16(dataset[0x24:0x26], uint16(algo))

	placeholder := buildRawDatum(EntryUnknown1, ValueErased, make([]byte, 8))
	copy(dataset[datasetHeaderSz:], placeholder)

	replica := make([]byte, totalMetadataSize)
	copy(replica[:informationHeaderSize], info)
	copy(replica[informationHeaderSize:], dataset)

	crc := crc32.Update(0, crc32.IEEETable, replica)

	validations := make([]byte, validationsSize)
	binary.LittleEndian.PutUint16(validations[0:2], validationsSize)
	binary.LittleEndian.PutUint16(validations[2:4], uint16(VersionSeven))
	binary.LittleEndian.PutUint32(validations[4:8], crc)

	dir := t.TempDir()
	imagePath = filepath.Join(dir, "volume.img")

	imageSize := int64(metadataOffset + totalMetadataSize + validationsSize)
	if imageSize < encryptedVolumeSize {
		imageSize = encryptedVolumeSize
	}

	f, err := os.Create(imagePath)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	if err := f.Truncate(imageSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := f.WriteAt(vh, 0); err != nil {
		t.Fatalf("WriteAt volume header: %v", err)
	}
	if _, err := f.WriteAt(replica, metadataOffset); err != nil {
		t.Fatalf("WriteAt metadata replica: %v", err)
	}
	if _, err := f.WriteAt(validations, metadataOffset+totalMetadataSize); err != nil {
		t.Fatalf("WriteAt validations: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	return imagePath, volumeSize
}

// buildFvekFile writes a raw FVEK file (2-byte algorithm ID + 64 bytes of
// key material) for the CredentialFvekFile path, matching loadFvekFile's
// expected layout.
func buildFvekFile(t *testing.T, algo AlgorithmID) string {
	t.Helper()

	raw := make([]byte, fvekFileHeaderSize+fvekFileKeySize)
	binary.LittleEndian.PutUint16(raw[0:2], uint16(algo))
	copy(raw[2:], testSector(fvekFileKeySize))

	path := filepath.Join(t.TempDir(), "fvek.bin")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// TestOpen_Aes128Cbc_EndToEnd is the maintainer-requested regression test
// for the AES-CBC-128 (0x8002) FVEK key-length bug: before the fix,
// newCbcCipher rejected the untrimmed 64-byte FVEK payload as an invalid AES
// key size and Open() failed for every AES-CBC-128 volume.
func TestOpen_Aes128Cbc_EndToEnd(t *testing.T) {
	imagePath, volumeSize := buildSyntheticVolumeImage(t, AlgoAesCbc128)
	fvekPath := buildFvekFile(t, AlgoAesCbc128)

	h, err := Open(Config{
		Path: imagePath,
		Credential: Credential{
			Kind:         CredentialFvekFile,
			FvekFilePath: fvekPath,
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if h.VolumeSize() != volumeSize {
		t.Fatalf("VolumeSize mismatch: got %d, want %d", h.VolumeSize(), volumeSize)
	}

	plaintext := testSector(512)
	if err := h.Write(1024, plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}

	recovered := make([]byte, 512)
	if err := h.Read(1024, recovered); err != nil {
		t.Fatalf("Read: %v", err)
	}

	for i := range plaintext {
		if recovered[i] != plaintext[i] {
			t.Fatalf("round-trip mismatch at byte %d: got %#x, want %#x", i, recovered[i], plaintext[i])
		}
	}
}
