package bitlocker

import (
	"crypto/aes"
	"crypto/subtle"

	log "github.com/dsoprea/go-logging"
)

// ccmNonceLength and ccmTagLength are the fixed shapes BitLocker's VMK/FVEK
// unwrap uses -- never negotiated, always 12 and 16.
const (
	ccmNonceLength = 12
	ccmTagLength   = 16
)

// xorBuffer XORs src into dst (both length n), in place.
func xorBuffer(dst, src []byte, n int) {
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// ccmCounterIV builds the 16-byte counter-mode IV from a nonce:
// byte 0 is (15 - nonceLength - 1), bytes 1..nonceLength are the nonce, the
// rest is the counter (initialized to zero by the caller, then advanced by
// ccmIncrementCounter).
//
// Grounded on original_source/src/encryption/decrypt.c:aes_ccm_encrypt_decrypt.
func ccmCounterIV(nonce []byte) [16]byte {
	var iv [16]byte
	iv[0] = byte(15 - len(nonce) - 1)
	copy(iv[1:1+len(nonce)], nonce)
	return iv
}

// ccmIncrementCounter advances the trailing counter bytes of iv by one,
// replicating the original's idiosyncratic carry-propagation failsafe: if
// incrementing byte 15 wraps to zero, walk backward incrementing each
// preceding byte until one does not also wrap (or the IV's start is hit).
func ccmIncrementCounter(iv *[16]byte) {
	iv[15]++
	if iv[15] != 0 {
		return
	}

	i := 15
	for {
		i--
		if i < 0 {
			return
		}
		iv[i]++
		if iv[i] != 0 {
			return
		}
	}
}

// ccmCryptCounterMode runs AES-CTR-like encryption/decryption of input into
// output using the counter scheme above, starting the counter at 1 (counter
// 0 having already been consumed to mask the MAC).
//
// Grounded on aes_ccm_encrypt_decrypt's main loop.
func ccmCryptCounterMode(keyBlock func([16]byte) [16]byte, iv [16]byte, input []byte) []byte {
	output := make([]byte, len(input))

	ccmIncrementCounter(&iv) // iv[15] = 1 the first time, per the original

	remaining := len(input)
	off := 0

	for remaining > 16 {
		ks := keyBlock(iv)
		for i := 0; i < 16; i++ {
			output[off+i] = input[off+i] ^ ks[i]
		}

		ccmIncrementCounter(&iv)

		off += 16
		remaining -= 16
	}

	if remaining > 0 {
		ks := keyBlock(iv)
		for i := 0; i < remaining; i++ {
			output[off+i] = input[off+i] ^ ks[i]
		}
	}

	return output
}

// ccmMaskMac XORs the counter-0 keystream block into mac (CCM's MAC
// encryption step), returning the masked/unmasked MAC in place.
func ccmMaskMac(keyBlock func([16]byte) [16]byte, iv [16]byte, mac []byte) {
	ks := keyBlock(iv)
	for i := 0; i < len(mac); i++ {
		mac[i] ^= ks[i]
	}
}

// aesEcbEncryptBlock returns cipher's single-block ECB encryption of in.
func aesEcbEncryptBlock(cipher interface{ Encrypt(dst, src []byte) }, in [16]byte) [16]byte {
	var out [16]byte
	cipher.Encrypt(out[:], in[:])
	return out
}

// ccmDecrypt decrypts ciphertext with key under nonce, masking mac in place
// to recover the transmitted tag's plaintext-equivalent value.
//
// Grounded on aes_ccm_encrypt_decrypt.
func ccmDecrypt(key, nonce, ciphertext, mac []byte) (plaintext []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	block, err := aes.NewCipher(key)
	log.PanicIf(err)

	keyBlock := func(in [16]byte) [16]byte { return aesEcbEncryptBlock(block, in) }

	iv := ccmCounterIV(nonce)
	ccmMaskMac(keyBlock, iv, mac)

	plaintext = ccmCryptCounterMode(keyBlock, iv, ciphertext)

	return plaintext, nil
}

// ccmComputeTag recomputes the CBC-MAC-style authentication tag over buffer
// (the decrypted plaintext), for comparison against the unmasked
// transmitted MAC.
//
// Grounded on aes_ccm_compute_unencrypted_tag.
func ccmComputeTag(key, nonce, buffer []byte) (tag []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	if len(nonce) > 0xe {
		log.Panicf("ccm nonce too long: %d", len(nonce))
	}

	block, err := aes.NewCipher(key)
	log.PanicIf(err)

	var iv [16]byte
	iv[0] = byte(0xe-len(nonce)) | (byte(ccmTagLength-2) & 0xfe << 2)
	copy(iv[1:1+len(nonce)], nonce)

	bufLen := len(buffer)
	tmpSize := uint32(bufLen)
	for i := 15; i > len(nonce); i-- {
		iv[i] = byte(tmpSize & 0xff)
		tmpSize >>= 8
	}

	cur := aesEcbEncryptBlock(block, iv)

	remaining := bufLen
	off := 0
	for remaining > 16 {
		var block16 [16]byte
		copy(block16[:], buffer[off:off+16])
		xorBuffer(cur[:], block16[:], 16)
		cur = aesEcbEncryptBlock(block, cur)

		off += 16
		remaining -= 16
	}

	if remaining > 0 {
		var tail [16]byte
		copy(tail[:], buffer[off:off+remaining])
		xorBuffer(cur[:], tail[:], remaining)
		cur = aesEcbEncryptBlock(block, cur)
	}

	tag = make([]byte, ccmTagLength)
	copy(tag, cur[:])

	return tag, nil
}

// unwrapAesCcm decrypts and authenticates the payload of an AES-CCM datum
// using key, returning the plaintext (typically an encoded DATUM_KEY).
//
// Grounded on original_source/src/encryption/decrypt.c:decrypt_key.
func unwrapAesCcm(datum *Datum, key []byte) (plaintext []byte, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	nonce := datum.AesCcmNonce()
	ciphertext := datum.AesCcmCiphertext()

	mac := make([]byte, ccmTagLength)
	copy(mac, datum.AesCcmMac())

	plaintext, err = ccmDecrypt(key, nonce, ciphertext, mac)
	log.PanicIf(err)

	recomputed, err := ccmComputeTag(key, nonce, plaintext)
	log.PanicIf(err)

	if subtle.ConstantTimeCompare(mac, recomputed) != 1 {
		log.Panic(ErrAuthenticationFailed)
	}

	return plaintext, nil
}
