package bitlocker

import (
	"bytes"
	"testing"
)

func testSector(n int) []byte {
	sector := make([]byte, n)
	for i := range sector {
		sector[i] = byte(i * 37)
	}
	return sector
}

func TestDiffuserA_RoundTrip(t *testing.T) {
	sector := testSector(512)

	encrypted := diffuserAEncrypt(append([]byte{}, sector...))
	decrypted := diffuserADecrypt(encrypted)

	if !bytes.Equal(decrypted, sector) {
		t.Fatalf("diffuser A round-trip mismatch")
	}
}

func TestDiffuserB_RoundTrip(t *testing.T) {
	sector := testSector(512)

	encrypted := diffuserBEncrypt(append([]byte{}, sector...))
	decrypted := diffuserBDecrypt(encrypted)

	if !bytes.Equal(decrypted, sector) {
		t.Fatalf("diffuser B round-trip mismatch")
	}
}

func TestDiffuserAB_Combined_RoundTrip(t *testing.T) {
	sector := testSector(512)

	buf := diffuserAEncrypt(append([]byte{}, sector...))
	buf = diffuserBEncrypt(buf)

	buf = diffuserBDecrypt(buf)
	buf = diffuserADecrypt(buf)

	if !bytes.Equal(buf, sector) {
		t.Fatalf("combined diffuser A+B round-trip mismatch")
	}
}

func TestRotl32(t *testing.T) {
	if rotl32(0x80000000, 1) != 1 {
		t.Fatalf("rotl32 did not wrap the high bit correctly")
	}
	if rotl32(1, 0) != 1 {
		t.Fatalf("rotl32 by 0 must be identity")
	}
}
