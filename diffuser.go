package bitlocker

import "encoding/binary"

// Elephant diffuser A/B, as specified by Niels Ferguson for the AES-CBC +
// diffuser sector cipher. Operates on a sector viewed as a slice of
// little-endian uint32 words; all arithmetic wraps mod 2^32, matching C's
// unsigned overflow behavior exactly.
//
// Grounded on original_source/src/encryption/diffuser.c.

func rotl32(v uint32, n uint) uint32 {
	return (v << n) | (v >> (32 - n))
}

func diffuserWords(sector []byte) []uint32 {
	n := len(sector) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint32(sector[i*4 : i*4+4])
	}
	return words
}

func diffuserBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

var diffuserRa = [4]uint{9, 0, 13, 0}
var diffuserRb = [4]uint{0, 10, 0, 25}

func diffuserADecrypt(sector []byte) []byte {
	d := diffuserWords(sector)
	n := len(d)

	for cycle := 0; cycle < 5; cycle++ {
		for i := 0; i < n; i++ {
			a := d[((i-2)%n+n)%n]
			b := rotl32(d[((i-5)%n+n)%n], diffuserRa[i%4])
			d[i] = d[i] + (a ^ b)
		}
	}

	return diffuserBytes(d)
}

func diffuserBDecrypt(sector []byte) []byte {
	d := diffuserWords(sector)
	n := len(d)

	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < n; i++ {
			a := d[(i+2)%n]
			b := rotl32(d[(i+5)%n], diffuserRb[i%4])
			d[i] = d[i] + (a ^ b)
		}
	}

	return diffuserBytes(d)
}

func diffuserAEncrypt(sector []byte) []byte {
	d := diffuserWords(sector)
	n := len(d)

	for cycle := 0; cycle < 5; cycle++ {
		for i := n - 1; i >= 0; i-- {
			a := d[((i-2)%n+n)%n]
			b := rotl32(d[((i-5)%n+n)%n], diffuserRa[i%4])
			d[i] = d[i] - (a ^ b)
		}
	}

	return diffuserBytes(d)
}

func diffuserBEncrypt(sector []byte) []byte {
	d := diffuserWords(sector)
	n := len(d)

	for cycle := 0; cycle < 3; cycle++ {
		for i := n - 1; i >= 0; i-- {
			a := d[(i+2)%n]
			b := rotl32(d[(i+5)%n], diffuserRb[i%4])
			d[i] = d[i] - (a ^ b)
		}
	}

	return diffuserBytes(d)
}
