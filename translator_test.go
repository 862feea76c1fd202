package bitlocker

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	log "github.com/dsoprea/go-logging"
)

func newTestDevice(t *testing.T, size int64) *device {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "volume.img")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	f.Close()

	d, err := openDevice(path, 0, false)
	if err != nil {
		t.Fatalf("openDevice: %v", err)
	}
	t.Cleanup(func() { d.close() })

	return d
}

func TestVirtualRegion_Overlaps(t *testing.T) {
	r := virtualRegion{offset: 100, length: 50} // covers [100, 150)

	cases := []struct {
		off, length int64
		want        bool
	}{
		{0, 100, false},   // ends exactly at region start
		{150, 10, false},  // starts exactly at region end
		{90, 20, true},    // straddles the start
		{140, 20, true},   // straddles the end
		{110, 10, true},   // fully contained
		{0, 1000, true},   // fully contains the region
	}

	for _, c := range cases {
		if got := r.overlaps(c.off, c.length); got != c.want {
			t.Errorf("overlaps(%d, %d) = %v, want %v", c.off, c.length, got, c.want)
		}
	}
}

func TestTranslator_Classify_MetadataRegionAlwaysZero(t *testing.T) {
	tr := &Translator{
		sectorSize: 512,
		version:    VersionSeven,
		regions:    []virtualRegion{{offset: 1024, length: 512}},
	}

	if got := tr.classify(2); got != fixupZero {
		t.Fatalf("expected fixupZero for a metadata sector, got %v", got)
	}
}

func TestTranslator_Classify_SevenBackupRegion(t *testing.T) {
	tr := &Translator{
		sectorSize:      512,
		version:         VersionSeven,
		nbBackupSectors: 16,
	}

	if got := tr.classify(0); got != fixupSevenBackup {
		t.Fatalf("expected fixupSevenBackup for sector 0, got %v", got)
	}
	if got := tr.classify(15); got != fixupSevenBackup {
		t.Fatalf("expected fixupSevenBackup for sector 15, got %v", got)
	}
}

func TestTranslator_Classify_SevenUnencryptedTail(t *testing.T) {
	tr := &Translator{
		sectorSize:          512,
		version:             VersionSeven,
		nbBackupSectors:     0,
		encryptedVolumeSize: 512 * 4,
	}

	if got := tr.classify(4); got != fixupSevenUnencrypted {
		t.Fatalf("expected fixupSevenUnencrypted past the encrypted size, got %v", got)
	}
	if got := tr.classify(3); got != fixupNormal {
		t.Fatalf("expected fixupNormal within the encrypted size, got %v", got)
	}
}

func TestTranslator_Classify_VistaPatchAndPassthrough(t *testing.T) {
	tr := &Translator{
		sectorSize:          512,
		version:             VersionVista,
		encryptedVolumeSize: 512 * 100,
	}

	if got := tr.classify(0); got != fixupVistaPatch {
		t.Fatalf("sector 0 must be the patched sector, got %v", got)
	}
	if got := tr.classify(99); got != fixupVistaPatch {
		t.Fatalf("the last encrypted sector must be patched, got %v", got)
	}
	if got := tr.classify(5); got != fixupVistaPassthrough {
		t.Fatalf("sector 5 (inside the checked-but-unpatched range) must pass through, got %v", got)
	}
	if got := tr.classify(50); got != fixupNormal {
		t.Fatalf("a sector far from either boundary must be fixupNormal, got %v", got)
	}
}

func TestTranslator_ReadWrite_RoundTrip(t *testing.T) {
	const sectorSize = 512
	const nbSectors = 8

	d := newTestDevice(t, sectorSize*nbSectors)

	fvek := testSector(32)
	cipher, err := newCbcCipher(AlgoAesCbc256, fvek)
	if err != nil {
		t.Fatalf("newCbcCipher: %v", err)
	}

	tr := newTranslator(d, cipher, TranslatorConfig{
		SectorSize:          sectorSize,
		Version:             VersionSeven,
		WorkerPoolSize:      4,
		EncryptedVolumeSize: sectorSize * nbSectors,
	})

	plaintext := make([]byte, sectorSize*nbSectors)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	if err := tr.Write(0, plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(plaintext))
	if err := tr.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch through the translator")
	}
}

func TestTranslator_ReadWrite_PartialSectorMerge(t *testing.T) {
	const sectorSize = 512
	const nbSectors = 4

	d := newTestDevice(t, sectorSize*nbSectors)

	fvek := testSector(32)
	cipher, err := newCbcCipher(AlgoAesCbc256, fvek)
	if err != nil {
		t.Fatalf("newCbcCipher: %v", err)
	}

	tr := newTranslator(d, cipher, TranslatorConfig{
		SectorSize:          sectorSize,
		Version:             VersionSeven,
		WorkerPoolSize:      2,
		EncryptedVolumeSize: sectorSize * nbSectors,
	})

	full := make([]byte, sectorSize*nbSectors)
	for i := range full {
		full[i] = 0xaa
	}
	if err := tr.Write(0, full); err != nil {
		t.Fatalf("initial Write: %v", err)
	}

	// Overwrite a sub-sector slice spanning sector boundaries.
	patch := bytes.Repeat([]byte{0xbb}, 100)
	if err := tr.Write(sectorSize-50, patch); err != nil {
		t.Fatalf("partial Write: %v", err)
	}

	want := make([]byte, len(full))
	copy(want, full)
	copy(want[sectorSize-50:sectorSize-50+100], patch)

	got := make([]byte, len(full))
	if err := tr.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("partial-sector merge produced unexpected content")
	}
}

func TestTranslator_Write_DeniesVirtualizedRegion(t *testing.T) {
	const sectorSize = 512

	d := newTestDevice(t, sectorSize*4)

	fvek := testSector(32)
	cipher, err := newCbcCipher(AlgoAesCbc256, fvek)
	if err != nil {
		t.Fatalf("newCbcCipher: %v", err)
	}

	tr := newTranslator(d, cipher, TranslatorConfig{
		SectorSize: sectorSize,
		Version:    VersionSeven,
		MetadataExtents: []virtualRegion{
			{offset: sectorSize, length: sectorSize},
		},
	})

	err = tr.Write(sectorSize, make([]byte, sectorSize))
	if !log.Is(err, ErrDeniedMetadataWrite) {
		t.Fatalf("expected ErrDeniedMetadataWrite, got %v", err)
	}
}

func TestTranslator_Write_DeniedWhenReadOnly(t *testing.T) {
	const sectorSize = 512

	d := newTestDevice(t, sectorSize*4)

	fvek := testSector(32)
	cipher, err := newCbcCipher(AlgoAesCbc256, fvek)
	if err != nil {
		t.Fatalf("newCbcCipher: %v", err)
	}

	tr := newTranslator(d, cipher, TranslatorConfig{
		SectorSize: sectorSize,
		Version:    VersionSeven,
		ReadOnly:   true,
	})

	err = tr.Write(0, make([]byte, sectorSize))
	if !log.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestTranslator_Read_ZeroesMetadataRegion(t *testing.T) {
	const sectorSize = 512

	d := newTestDevice(t, sectorSize*4)
	// Seed the backing file with non-zero bytes so a genuine zero-fill is
	// distinguishable from an accidental pass-through.
	seed := bytes.Repeat([]byte{0xff}, sectorSize*4)
	if err := d.writeAt(0, seed); err != nil {
		t.Fatalf("seed writeAt: %v", err)
	}

	fvek := testSector(32)
	cipher, err := newCbcCipher(AlgoAesCbc256, fvek)
	if err != nil {
		t.Fatalf("newCbcCipher: %v", err)
	}

	tr := newTranslator(d, cipher, TranslatorConfig{
		SectorSize: sectorSize,
		Version:    VersionSeven,
		MetadataExtents: []virtualRegion{
			{offset: sectorSize, length: sectorSize},
		},
	})

	got := make([]byte, sectorSize)
	if err := tr.Read(sectorSize, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(got, make([]byte, sectorSize)) {
		t.Fatalf("expected an all-zero read over the metadata region")
	}
}
